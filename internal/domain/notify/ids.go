// Аллокатор идентификаторов уведомлений и групп. Оба счётчика монотонны и
// переживают рестарт через персистентные счётчики стора. Id группы можно
// вернуть в пул, но только пока ни один апдейт с ним не уходил наружу:
// ватермарка maxEmittedGroupID жёстче, чем просто «выделен», и именно она
// защищает клиентов от переиспользования видимых id.
package notify

import (
	"go.uber.org/zap"

	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/logger"
)

type idAllocator struct {
	store Storage

	currentNotificationID api.NotificationID
	currentGroupID        api.NotificationGroupID

	// maxEmittedGroupID — наибольший id группы, упомянутый в исходящем апдейте.
	maxEmittedGroupID api.NotificationGroupID
	// freeGroupIDs — возвращённые и пригодные к повторной выдаче id групп.
	freeGroupIDs []api.NotificationGroupID
}

// load восстанавливает счётчики из стора. Отсутствие записей — чистый старт.
func (a *idAllocator) load() error {
	c, err := a.store.LoadCounters()
	if err != nil {
		return err
	}
	a.currentNotificationID = api.NotificationID(c.NotificationID)
	a.currentGroupID = api.NotificationGroupID(c.NotificationGroupID)
	return nil
}

// persist сохраняет счётчики; ошибка не фатальна (рестарт продолжит с
// последнего удачного снимка, монотонность не нарушается, дыры допустимы).
func (a *idAllocator) persist() {
	err := a.store.SaveCounters(Counters{
		NotificationID:      int32(a.currentNotificationID),
		NotificationGroupID: int32(a.currentGroupID),
	})
	if err != nil {
		logger.Warn("failed to persist id counters", zap.Error(err))
	}
}

// nextNotificationID выдаёт следующий id уведомления.
func (a *idAllocator) nextNotificationID() api.NotificationID {
	a.currentNotificationID++
	a.persist()
	return a.currentNotificationID
}

// maxNotificationID — последний выданный id уведомления.
func (a *idAllocator) maxNotificationID() api.NotificationID {
	return a.currentNotificationID
}

// nextGroupID выдаёт id группы: сперва из пула возврата, затем новый.
func (a *idAllocator) nextGroupID() api.NotificationGroupID {
	if n := len(a.freeGroupIDs); n > 0 {
		id := a.freeGroupIDs[n-1]
		a.freeGroupIDs = a.freeGroupIDs[:n-1]
		return id
	}
	a.currentGroupID++
	a.persist()
	return a.currentGroupID
}

// markGroupEmitted поднимает ватермарку выданных наружу id групп.
func (a *idAllocator) markGroupEmitted(id api.NotificationGroupID) {
	if id > a.maxEmittedGroupID {
		a.maxEmittedGroupID = id
	}
}

// tryReuseGroupID возвращает id в пул, если он никогда не был виден наблюдателю.
// Возврат id ниже ватермарки молча игнорируется.
func (a *idAllocator) tryReuseGroupID(id api.NotificationGroupID) {
	if !id.IsValid() || id <= a.maxEmittedGroupID {
		return
	}
	for _, free := range a.freeGroupIDs {
		if free == id {
			return
		}
	}
	a.freeGroupIDs = append(a.freeGroupIDs, id)
}
