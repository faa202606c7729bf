// Package notify реализует менеджер групп уведомлений: приём уведомлений от
// клиентского ядра, коалесинг в ограниченное множество групп, отложенную
// пакетную доставку апдейтов наблюдателю и сверку с персистентным хранилищем
// и пуш-событиями.
//
// Модель исполнения — кооперативная однопоточная: всё состояние мутируется
// только горутиной-исполнителем, публичные методы кладут замыкания в mailbox.
// Долгие операции (чтение стора, серверная запись) уходят в одноразовые
// горутины и возвращают результат сообщением на тот же исполнитель, поэтому
// мьютексов на состоянии нет.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/clock"
	"telegram-notifications/internal/infra/logger"
	"telegram-notifications/internal/infra/multitimeout"
)

// Пределы и умолчания протокола. Значения согласованы с клиентским контрактом,
// менять без миграции клиентов нельзя.
const (
	MinNotificationGroupCountMax = 0
	MaxNotificationGroupCountMax = 25
	MinNotificationGroupSizeMax  = 1
	MaxNotificationGroupSizeMax  = 25

	DefaultGroupCountMax = 0
	DefaultGroupSizeMax  = 10

	// ExtraGroupSize — запас истории сверх видимого окна, чтобы удаление
	// видимого уведомления не требовало немедленного похода в стор.
	ExtraGroupSize = 10

	MaxCallNotificationGroups = 10
	MaxCallNotifications      = 10

	DefaultOnlineCloudTimeoutMS     = 300000
	DefaultNotificationCloudDelayMS = 30000
	DefaultNotificationDelayMS      = 1500

	MinNotificationDelayMS = 1

	MinUpdateDelayMS = 50
	MaxUpdateDelayMS = 60000

	// AnnouncementIDCacheTime — TTL таблицы виденных анонсов.
	AnnouncementIDCacheTime = 7 * 24 * time.Hour
)

// mailboxSize — ёмкость очереди исполнителя. Переполнение блокирует
// отправителя, что даёт естественный backpressure.
const mailboxSize = 256

// storeRetryEvery ограничивает частоту повторных попыток чтения стора после
// StoreUnavailable, чтобы не добивать деградировавшую базу.
const storeRetryEvery = 5 * time.Second

// Options — зависимости и начальные опции менеджера.
type Options struct {
	Observer Observer
	Storage  Storage
	Clock    clock.Clock // nil = системное время

	GroupCountMax              int
	GroupSizeMax               int
	OnlineCloudTimeoutMS       int
	NotificationCloudDelayMS   int
	NotificationDefaultDelayMS int

	// Пуш-шифрование: id ключа и сам ключ (256 байт) получателя.
	PushReceiverID       int64
	PushEncryptionKeyID  int64
	PushEncryptionKey    []byte

	// DisableContactRegisteredNotifications — эффективное локальное значение
	// серверной настройки на старте.
	DisableContactRegisteredNotifications bool
}

// activeCallNotification — живой звонок внутри call-группы.
type activeCallNotification struct {
	CallID         api.CallID
	NotificationID api.NotificationID
}

// Manager — менеджер групп уведомлений. Создаётся New, запускается Start,
// останавливается Close. Все публичные методы потокобезопасны: они только
// передают работу исполнителю.
type Manager struct {
	obs   Observer
	store Storage
	clk   clock.Clock

	mailbox chan func()
	stopped chan struct{}
	stopOne sync.Once
	wg      sync.WaitGroup

	flushNotifTimers  *multitimeout.MultiTimeout
	flushUpdateTimers *multitimeout.MultiTimeout

	// ---- всё ниже трогает только горутина-исполнитель ----

	groups *groupStore
	ids    idAllocator

	groupCountMax int
	groupSizeMax  int
	keepGroupSize int

	onlineCloudTimeoutMS       int
	notificationCloudDelayMS   int
	notificationDefaultDelayMS int

	pushReceiverID      int64
	pushEncryptionKeyID int64
	pushEncryptionKey   []byte

	// dialogGroups — сопоставление диалога его message-группе (для пушей).
	dialogGroups map[api.DialogID]api.NotificationGroupID

	// pendingUpdates — очередь несброшенных апдейтов по группам; updateSeq
	// метит каузальный порядок апдейтов между группами.
	pendingUpdates map[api.NotificationGroupID][]queuedUpdate
	updateSeq      uint64

	runningGetDifference     bool
	runningGetChatDifference map[api.NotificationGroupID]struct{}

	// Кольцо call-групп: ring в LRU-порядке (front — старейший), свободные id
	// и привязка диалога к группе.
	callRing            []api.NotificationGroupID
	availableCallGroups []api.NotificationGroupID
	dialogToCallGroup   map[api.DialogID]api.NotificationGroupID
	activeCalls         map[api.DialogID][]activeCallNotification

	announcements map[int32]int32 // announcement id -> unix первого появления

	contactState    contactSyncState
	contactDisabled bool
	contactBackoff  *backoff.ExponentialBackOff

	haveDelayed    bool
	haveUnreceived bool
	haveEmitted    bool // слали ли хоть раз updateHavePendingNotifications

	storeRetry  *rate.Limiter
	storeBroken bool // последнее чтение стора упало; группы считаются пустыми

	destroyed bool
}

// New собирает менеджер. Числовые опции клампятся в допустимые диапазоны.
func New(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System
	}
	m := &Manager{
		obs:   opts.Observer,
		store: opts.Storage,
		clk:   clk,

		mailbox: make(chan func(), mailboxSize),
		stopped: make(chan struct{}),

		groups: newGroupStore(),

		onlineCloudTimeoutMS:       defaultIfZero(opts.OnlineCloudTimeoutMS, DefaultOnlineCloudTimeoutMS),
		notificationCloudDelayMS:   defaultIfZero(opts.NotificationCloudDelayMS, DefaultNotificationCloudDelayMS),
		notificationDefaultDelayMS: defaultIfZero(opts.NotificationDefaultDelayMS, DefaultNotificationDelayMS),

		pushReceiverID:      opts.PushReceiverID,
		pushEncryptionKeyID: opts.PushEncryptionKeyID,
		pushEncryptionKey:   opts.PushEncryptionKey,

		dialogGroups:             make(map[api.DialogID]api.NotificationGroupID),
		pendingUpdates:           make(map[api.NotificationGroupID][]queuedUpdate),
		runningGetChatDifference: make(map[api.NotificationGroupID]struct{}),
		dialogToCallGroup:        make(map[api.DialogID]api.NotificationGroupID),
		activeCalls:              make(map[api.DialogID][]activeCallNotification),
		announcements:            make(map[int32]int32),

		contactDisabled: opts.DisableContactRegisteredNotifications,

		storeRetry: rate.NewLimiter(rate.Every(storeRetryEvery), 1),
	}
	m.ids.store = opts.Storage
	m.setGroupCountMax(opts.GroupCountMax)
	m.setGroupSizeMax(defaultIfZero(opts.GroupSizeMax, DefaultGroupSizeMax))

	m.flushNotifTimers = multitimeout.New("flush-notifications", clk, func(key int64) {
		m.post(func() { m.flushPendingNotifications(api.NotificationGroupID(key)) })
	})
	m.flushUpdateTimers = multitimeout.New("flush-updates", clk, func(key int64) {
		m.post(func() { m.flushPendingUpdates(api.NotificationGroupID(key), "timeout") })
	})
	return m
}

// defaultIfZero подставляет def вместо нулевого значения опции.
func defaultIfZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// setGroupCountMax клампит и применяет размер активного множества.
func (m *Manager) setGroupCountMax(v int) {
	if v < MinNotificationGroupCountMax {
		v = MinNotificationGroupCountMax
	}
	if v > MaxNotificationGroupCountMax {
		v = MaxNotificationGroupCountMax
	}
	m.groupCountMax = v
}

// setGroupSizeMax клампит и применяет размер группы; keep-окно пересчитывается.
func (m *Manager) setGroupSizeMax(v int) {
	if v < MinNotificationGroupSizeMax {
		v = MinNotificationGroupSizeMax
	}
	if v > MaxNotificationGroupSizeMax {
		v = MaxNotificationGroupSizeMax
	}
	m.groupSizeMax = v
	m.keepGroupSize = v + ExtraGroupSize
}

// Start загружает персистентное состояние и поднимает исполнитель с таймерами.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ids.load(); err != nil {
		return err
	}
	if ann, err := m.store.LoadAnnouncements(); err == nil && ann != nil {
		m.announcements = ann
	} else if err != nil {
		logger.Warn("failed to load announcement table", zap.Error(err))
	}
	m.loadContactRegisteredState()
	m.loadGroupsFromStore()

	m.flushNotifTimers.Start(ctx)
	m.flushUpdateTimers.Start(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
	return nil
}

// Close останавливает исполнитель и таймеры. Несброшенные апдейты пропадают:
// наблюдатель при переподписке получит снимок через GetCurrentState.
func (m *Manager) Close() error {
	m.stopOne.Do(func() { close(m.stopped) })
	m.flushNotifTimers.Stop()
	m.flushUpdateTimers.Stop()
	m.wg.Wait()
	return nil
}

// run — цикл исполнителя: единственная горутина, мутирующая состояние.
func (m *Manager) run() {
	for {
		select {
		case <-m.stopped:
			return
		case f := <-m.mailbox:
			f()
		}
	}
}

// post ставит работу в очередь исполнителя; после остановки — молча дроп.
func (m *Manager) post(f func()) {
	select {
	case <-m.stopped:
		return
	default:
	}
	select {
	case m.mailbox <- f:
	case <-m.stopped:
	}
}

// callErr выполняет операцию на исполнителе и дожидается её ошибки-результата.
func (m *Manager) callErr(f func() error) error {
	res := make(chan error, 1)
	m.post(func() { res <- f() })
	select {
	case err := <-res:
		return err
	case <-m.stopped:
		return ErrDestroyed
	}
}

// Sync — барьер для тестов и graceful shutdown: возвращается, когда все
// поставленные до него сообщения обработаны.
func (m *Manager) Sync() {
	_ = m.callErr(func() error { return nil })
}

// now — текущее время менеджера (инжектируемые часы).
func (m *Manager) now() time.Time { return m.clk.Now() }

// ---- материализация групп ----

// getGroup возвращает группу из памяти; nil, если не материализована.
func (m *Manager) getGroup(id api.NotificationGroupID) *Group {
	return m.groups.get(id)
}

// getGroupForce материализует группу: память -> стор -> nil. Ошибка стора
// деградирует в «группы нет» (ErrStoreUnavailable гасится локально), повторная
// попытка чтения разрешается rate-лимитером.
func (m *Manager) getGroupForce(id api.NotificationGroupID) *Group {
	if g := m.groups.get(id); g != nil {
		return g
	}
	if m.storeBroken && !m.storeRetry.Allow() {
		return nil
	}
	row, err := m.store.LoadGroup(id)
	if err != nil {
		m.storeBroken = true
		logger.Warn("group load failed, treating as empty",
			zap.Int32("group_id", int32(id)), zap.Error(err))
		return nil
	}
	m.storeBroken = false
	if row == nil {
		return nil
	}
	g := &Group{
		Key: GroupKey{
			LastNotificationDate: row.LastNotificationDate,
			GroupID:              row.GroupID,
			DialogID:             row.DialogID,
		},
		Type:       row.Type,
		TotalCount: row.TotalCount,
	}
	m.groups.insert(g)
	if row.Type != api.GroupTypeCalls && row.DialogID.IsValid() {
		m.dialogGroups[row.DialogID] = row.GroupID
	}
	return g
}

// loadGroupsFromStore подтягивает верхние сводки групп на старте, чтобы
// активное множество восстановилось без ожидания первого уведомления.
func (m *Manager) loadGroupsFromStore() {
	rows, err := m.store.LoadGroups(m.groupCountMax + ExtraGroupSize)
	if err != nil {
		m.storeBroken = true
		logger.Warn("initial group load failed", zap.Error(err))
		return
	}
	for i := range rows {
		row := rows[i]
		if m.groups.get(row.GroupID) != nil {
			continue
		}
		m.groups.insert(&Group{
			Key: GroupKey{
				LastNotificationDate: row.LastNotificationDate,
				GroupID:              row.GroupID,
				DialogID:             row.DialogID,
			},
			Type:       row.Type,
			TotalCount: row.TotalCount,
		})
		if row.Type != api.GroupTypeCalls && row.DialogID.IsValid() {
			m.dialogGroups[row.DialogID] = row.GroupID
		}
	}
}

// LoadGroupForce — публичная принудительная материализация группы.
func (m *Manager) LoadGroupForce(id api.NotificationGroupID) {
	m.post(func() {
		if m.destroyed {
			return
		}
		if g := m.getGroupForce(id); g != nil && !g.LoadedFromStore {
			m.requestStoreBackfill(g, m.keepGroupSize)
		}
	})
}

// requestStoreBackfill асинхронно догружает историю группы из стора.
// Повторный запрос при идущей загрузке — no-op (LoadingFromStore).
func (m *Manager) requestStoreBackfill(g *Group, desired int) {
	if g.LoadedFromStore || g.LoadingFromStore {
		return
	}
	g.LoadingFromStore = true
	groupID := g.Key.GroupID
	beforeID := g.firstNotificationID()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		rows, err := m.store.LoadNotifications(groupID, beforeID, desired)
		m.post(func() { m.onStoreBackfill(groupID, desired, rows, err) })
	}()
}

// onStoreBackfill — завершение асинхронной загрузки. Загрузка, пережившая
// свою группу, отбрасывается без мутаций.
func (m *Manager) onStoreBackfill(groupID api.NotificationGroupID, desired int, rows []api.Notification, err error) {
	g := m.groups.get(groupID)
	if g == nil || m.destroyed {
		return
	}
	g.LoadingFromStore = false
	if err != nil {
		m.storeBroken = true
		logger.Warn("notification backfill failed", zap.Int32("group_id", int32(groupID)), zap.Error(err))
		return
	}
	m.storeBroken = false
	if len(rows) < desired {
		g.LoadedFromStore = true
	}
	m.addNotificationsToGroupBegin(g, rows)
}

// addNotificationsToGroupBegin подклеивает историю в начало списка, не ломая
// порядок id и не дублируя уже загруженное.
func (m *Manager) addNotificationsToGroupBegin(g *Group, rows []api.Notification) {
	if len(rows) == 0 {
		return
	}
	// Стор отдаёт по убыванию id; в группе порядок возрастающий.
	first := g.firstNotificationID()
	var prepend []api.Notification
	for i := len(rows) - 1; i >= 0; i-- {
		n := rows[i]
		if first != 0 && n.ID >= first {
			continue
		}
		prepend = append(prepend, n)
	}
	if len(prepend) == 0 {
		return
	}
	prevVisible := m.visibleIDs(g)
	g.Notifications = append(prepend, g.Notifications...)
	if over := len(g.Notifications) - m.keepGroupSize; over > 0 {
		g.Notifications = g.Notifications[over:]
	}
	// Подъехавшая история может расширить видимое окно активной группы.
	if m.isGroupActive(g) {
		m.queueGroupDiff(g, prevVisible, 0, true, false)
	}
}

// isGroupActive: группа в верхних K позициях и уже имеет витринную дату.
func (m *Manager) isGroupActive(g *Group) bool {
	if g.Key.LastNotificationDate == 0 {
		return false
	}
	i := m.groups.indexOf(g)
	return i >= 0 && i < m.groupCountMax
}

// deleteGroup убирает группу из памяти, таймеров, очередей и стора.
func (m *Manager) deleteGroup(g *Group) {
	id := g.Key.GroupID
	m.groups.remove(g)
	m.flushNotifTimers.Cancel(int64(id))
	m.flushUpdateTimers.Cancel(int64(id))
	delete(m.pendingUpdates, id)
	if g.Type != api.GroupTypeCalls && g.Key.DialogID.IsValid() {
		if m.dialogGroups[g.Key.DialogID] == id {
			delete(m.dialogGroups, g.Key.DialogID)
		}
	}
	if err := m.store.DeleteGroup(id); err != nil {
		logger.Warn("failed to delete group row", zap.Int32("group_id", int32(id)), zap.Error(err))
	}
	// Id групп звонков остаются за кольцом и в общий пул не возвращаются:
	// иначе один id мог бы оказаться и message-, и call-группой.
	if g.Type != api.GroupTypeCalls {
		m.ids.tryReuseGroupID(id)
	}
}

// persistGroup сохраняет сводку группы после осевших мутаций.
func (m *Manager) persistGroup(g *Group) {
	row := GroupRow{
		GroupID:              g.Key.GroupID,
		DialogID:             g.Key.DialogID,
		Type:                 g.Type,
		LastNotificationDate: g.Key.LastNotificationDate,
		LastNotificationID:   g.lastNotificationID(),
		TotalCount:           g.TotalCount,
	}
	if err := m.store.SaveGroup(row); err != nil {
		logger.Warn("failed to persist group row", zap.Int32("group_id", int32(g.Key.GroupID)), zap.Error(err))
	}
}

// ---- аллокатор: публичная поверхность ----

// NextNotificationID выдаёт следующий id уведомления.
func (m *Manager) NextNotificationID() api.NotificationID {
	res := make(chan api.NotificationID, 1)
	m.post(func() { res <- m.ids.nextNotificationID() })
	select {
	case id := <-res:
		return id
	case <-m.stopped:
		return 0
	}
}

// GetMaxNotificationID — последний выданный id уведомления.
func (m *Manager) GetMaxNotificationID() api.NotificationID {
	res := make(chan api.NotificationID, 1)
	m.post(func() { res <- m.ids.maxNotificationID() })
	select {
	case id := <-res:
		return id
	case <-m.stopped:
		return 0
	}
}

// NextNotificationGroupID выдаёт следующий id группы.
func (m *Manager) NextNotificationGroupID() api.NotificationGroupID {
	res := make(chan api.NotificationGroupID, 1)
	m.post(func() { res <- m.ids.nextGroupID() })
	select {
	case id := <-res:
		return id
	case <-m.stopped:
		return 0
	}
}

// TryReuseNotificationGroupID возвращает id группы в пул, если он никогда
// не был виден наблюдателю.
func (m *Manager) TryReuseNotificationGroupID(id api.NotificationGroupID) {
	m.post(func() { m.ids.tryReuseGroupID(id) })
}

// GetMaxNotificationGroupSize — действующий размер видимого окна группы.
func (m *Manager) GetMaxNotificationGroupSize() int {
	res := make(chan int, 1)
	m.post(func() { res <- m.groupSizeMax })
	select {
	case v := <-res:
		return v
	case <-m.stopped:
		return 0
	}
}

// GetNotificationGroupMessageIDs возвращает id сообщений загруженных
// message-уведомлений группы (для пометки прочитанными на стороне владельца).
func (m *Manager) GetNotificationGroupMessageIDs(id api.NotificationGroupID) []api.MessageID {
	res := make(chan []api.MessageID, 1)
	m.post(func() {
		g := m.getGroupForce(id)
		if g == nil {
			res <- nil
			return
		}
		var out []api.MessageID
		for i := range g.Notifications {
			if mid := notificationMessageID(g.Notifications[i].Type); mid.IsValid() {
				out = append(out, mid)
			}
		}
		res <- out
	})
	select {
	case v := <-res:
		return v
	case <-m.stopped:
		return nil
	}
}
