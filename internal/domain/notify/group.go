// Внутреннее представление группы уведомлений и её ключа сортировки.
package notify

import (
	"time"

	"telegram-notifications/internal/domain/notify/api"
)

// GroupKey — ключ тотального порядка групп: убывание по дате последнего
// уведомления, затем убывание по id группы. DialogID в сравнении не участвует,
// он нужен получателям апдейтов.
type GroupKey struct {
	LastNotificationDate int32
	GroupID              api.NotificationGroupID
	DialogID             api.DialogID
}

// ranksAbove сообщает, стоит ли ключ k выше other в порядке активности.
func (k GroupKey) ranksAbove(other GroupKey) bool {
	if k.LastNotificationDate != other.LastNotificationDate {
		return k.LastNotificationDate > other.LastNotificationDate
	}
	return k.GroupID > other.GroupID
}

// PendingNotification — невыгруженное уведомление в буфере группы.
type PendingNotification struct {
	Date             int32
	SettingsDialogID api.DialogID
	IsSilent         bool
	NotificationID   api.NotificationID
	Type             api.NotificationType
}

// Group — состояние одной группы уведомлений на исполнителе менеджера.
//
// Инварианты (после каждого наблюдаемого шага):
//   - TotalCount >= len(Notifications) + len(Pending);
//   - в Notifications id строго растут, даты не убывают;
//   - Pending непуст => взведён таймер флаша либо флаш отложен гейтом
//     синхронизации (FlushDeferred).
type Group struct {
	Key        GroupKey
	Type       api.NotificationGroupType
	TotalCount int32

	Notifications []api.Notification
	Pending       []PendingNotification

	// FlushTime — дедлайн флаша буфера; нулевое время = таймер не взведён.
	FlushTime time.Time
	// FlushDeferred: флаш отложен из-за идущего difference; пере-взводится
	// после снятия гейта.
	FlushDeferred bool

	LoadedFromStore  bool
	LoadingFromStore bool
}

// isEmpty: группа подлежит уничтожению, когда в ней ничего не осталось.
func (g *Group) isEmpty() bool {
	return g.TotalCount == 0 && len(g.Notifications) == 0 && len(g.Pending) == 0
}

// firstNotificationID — id самого старого загруженного уведомления.
func (g *Group) firstNotificationID() api.NotificationID {
	if len(g.Notifications) == 0 {
		return 0
	}
	return g.Notifications[0].ID
}

// lastNotificationID — id самого свежего загруженного уведомления.
func (g *Group) lastNotificationID() api.NotificationID {
	if len(g.Notifications) == 0 {
		return 0
	}
	return g.Notifications[len(g.Notifications)-1].ID
}

// findNotification возвращает индекс уведомления по id или -1.
func (g *Group) findNotification(id api.NotificationID) int {
	for i := range g.Notifications {
		if g.Notifications[i].ID == id {
			return i
		}
	}
	return -1
}

// temporaryTotalCount — сколько в группе провизорных (пуш-) уведомлений.
func (g *Group) temporaryTotalCount() int32 {
	var n int32
	for i := range g.Notifications {
		if g.Notifications[i].Type != nil && g.Notifications[i].Type.IsTemporary() {
			n++
		}
	}
	for i := range g.Pending {
		if g.Pending[i].Type != nil && g.Pending[i].Type.IsTemporary() {
			n++
		}
	}
	return n
}

// notificationMessageID извлекает ссылку на сообщение из типа уведомления.
func notificationMessageID(t api.NotificationType) api.MessageID {
	switch v := t.(type) {
	case api.TypeNewMessage:
		return v.MessageID
	case api.TypeNewPushMessage:
		return v.MessageID
	default:
		return 0
	}
}
