// Порты менеджера: интерфейс наблюдателя (владельца) и интерфейс
// персистентного хранилища. Менеджер владеет только хэндлами; жизненный цикл
// реализаций — на стороне владельца.
package notify

import (
	"context"
	"time"

	"telegram-notifications/internal/domain/notify/api"
)

// Observer — набор способностей владельца, нужных менеджеру: приём исходящих
// апдейтов, справка о последнем онлайне диалога и запись серверной настройки.
// Все вызовы происходят с горутины-исполнителя менеджера, кроме
// WriteContactRegisteredDisabled, который вызывается с отдельной горутины
// (это «долгий» серверный RPC).
type Observer interface {
	// EmitUpdate доставляет исходящий апдейт UI-мосту. Должен быть быстрым
	// и неблокирующим; порядок вызовов для одной группы — порядок операций.
	EmitUpdate(u api.Update)

	// DialogOnlineTime возвращает момент, когда диалог в последний раз был
	// онлайн. Нулевое время означает «неизвестно» (считается оффлайном).
	DialogOnlineTime(dialogID api.DialogID) time.Time

	// WriteContactRegisteredDisabled записывает серверную настройку
	// «отключить уведомления о регистрации контактов».
	WriteContactRegisteredDisabled(ctx context.Context, disabled bool) error
}

// GroupRow — персистентная сводка группы. Отдельные уведомления менеджер
// не пишет: их материализует основной путь синхронизации.
type GroupRow struct {
	GroupID              api.NotificationGroupID
	DialogID             api.DialogID
	Type                 api.NotificationGroupType
	LastNotificationDate int32
	LastNotificationID   api.NotificationID
	TotalCount           int32
}

// Counters — персистентные счётчики аллокатора идентификаторов.
type Counters struct {
	NotificationID      int32
	NotificationGroupID int32
}

// Storage — порт key-value хранилища. Читающие вызовы менеджер делает либо
// синхронно с исполнителя (быстрые KV-чтения сводок), либо из одноразовой
// горутины с доставкой результата обратно на исполнитель; такое чтение идёт
// параллельно с записями исполнителя, поэтому реализация должна быть
// потокобезопасной.
type Storage interface {
	LoadCounters() (Counters, error)
	SaveCounters(c Counters) error

	// LoadGroups возвращает до limit сводок с наибольшим ключом
	// (последней датой уведомления), по убыванию.
	LoadGroups(limit int) ([]GroupRow, error)
	// LoadGroup возвращает nil без ошибки, если группы нет.
	LoadGroup(id api.NotificationGroupID) (*GroupRow, error)
	SaveGroup(row GroupRow) error
	DeleteGroup(id api.NotificationGroupID) error

	// LoadNotifications листает историю группы по убыванию id, строго ниже
	// beforeID (0 — с конца), не больше limit штук.
	LoadNotifications(groupID api.NotificationGroupID, beforeID api.NotificationID, limit int) ([]api.Notification, error)

	LoadAnnouncements() (map[int32]int32, error)
	SaveAnnouncements(m map[int32]int32) error

	// LoadContactRegisteredFlag: ok=false — значение никогда не писалось.
	LoadContactRegisteredFlag() (value bool, ok bool, err error)
	SaveContactRegisteredFlag(value bool) error
}
