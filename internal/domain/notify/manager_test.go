package notify_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"telegram-notifications/internal/domain/notify"
	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/domain/push"
	"telegram-notifications/internal/infra/clock"
)

// memStore — контролируемая реализация notify.Storage в памяти.
type memStore struct {
	mu            sync.Mutex
	counters      notify.Counters
	groups        map[api.NotificationGroupID]notify.GroupRow
	notifications map[api.NotificationGroupID][]api.Notification // по возрастанию id
	announcements map[int32]int32
	contactFlag   *bool
}

func newMemStore() *memStore {
	return &memStore{
		groups:        make(map[api.NotificationGroupID]notify.GroupRow),
		notifications: make(map[api.NotificationGroupID][]api.Notification),
		announcements: make(map[int32]int32),
	}
}

func (s *memStore) LoadCounters() (notify.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters, nil
}

func (s *memStore) SaveCounters(c notify.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = c
	return nil
}

func (s *memStore) LoadGroups(limit int) ([]notify.GroupRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.GroupRow
	for _, r := range s.groups {
		out = append(out, r)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) LoadGroup(id api.NotificationGroupID) (*notify.GroupRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.groups[id]; ok {
		row := r
		return &row, nil
	}
	return nil, nil
}

func (s *memStore) SaveGroup(row notify.GroupRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[row.GroupID] = row
	return nil
}

func (s *memStore) DeleteGroup(id api.NotificationGroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	delete(s.notifications, id)
	return nil
}

func (s *memStore) LoadNotifications(groupID api.NotificationGroupID, beforeID api.NotificationID, limit int) ([]api.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.notifications[groupID]
	var out []api.Notification
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeID.IsValid() && rows[i].ID >= beforeID {
			continue
		}
		out = append(out, rows[i])
	}
	return out, nil
}

func (s *memStore) LoadAnnouncements() (map[int32]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]int32, len(s.announcements))
	for k, v := range s.announcements {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) SaveAnnouncements(m map[int32]int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announcements = make(map[int32]int32, len(m))
	for k, v := range m {
		s.announcements[k] = v
	}
	return nil
}

func (s *memStore) LoadContactRegisteredFlag() (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contactFlag == nil {
		return false, false, nil
	}
	return *s.contactFlag, true, nil
}

func (s *memStore) SaveContactRegisteredFlag(value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contactFlag = &value
	return nil
}

func (s *memStore) contactFlagValue() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contactFlag == nil {
		return false, false
	}
	return *s.contactFlag, true
}

// testObserver собирает апдейты в канал и отвечает на справки об онлайне.
type testObserver struct {
	updates chan api.Update

	mu     sync.Mutex
	online map[api.DialogID]time.Time

	writeFailures int32 // сколько первых серверных записей вернут ошибку
	writes        int32
}

func newTestObserver() *testObserver {
	return &testObserver{
		updates: make(chan api.Update, 128),
		online:  make(map[api.DialogID]time.Time),
	}
}

func (o *testObserver) EmitUpdate(u api.Update) { o.updates <- u }

func (o *testObserver) DialogOnlineTime(d api.DialogID) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online[d]
}

func (o *testObserver) WriteContactRegisteredDisabled(_ context.Context, _ bool) error {
	n := atomic.AddInt32(&o.writes, 1)
	if n <= atomic.LoadInt32(&o.writeFailures) {
		return errors.New("server unavailable")
	}
	return nil
}

// env — собранный стенд менеджера на симулированном времени.
type env struct {
	mgr   *notify.Manager
	obs   *testObserver
	sim   *clock.Simulated
	store *memStore
}

func newEnv(t *testing.T, mutate func(*notify.Options)) *env {
	t.Helper()
	obs := newTestObserver()
	store := newMemStore()
	sim := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	opts := notify.Options{
		Observer:                   obs,
		Storage:                    store,
		Clock:                      sim,
		GroupCountMax:              2,
		GroupSizeMax:               10,
		OnlineCloudTimeoutMS:       300000,
		NotificationCloudDelayMS:   30000,
		NotificationDefaultDelayMS: 1500,
	}
	if mutate != nil {
		mutate(&opts)
	}
	mgr := notify.New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return &env{mgr: mgr, obs: obs, sim: sim, store: store}
}

// travel дожидается обработки уже поставленных сообщений, двигает
// симулированное время и даёт цепочке таймер -> исполнитель обработаться
// (реальная пауза нужна фоновым горутинам таймеров).
func (e *env) travel(d time.Duration) {
	e.mgr.Sync()
	e.sim.Travel(d)
	time.Sleep(30 * time.Millisecond)
	e.mgr.Sync()
	time.Sleep(10 * time.Millisecond)
}

// settle дожидается обработки уже поставленных сообщений.
func (e *env) settle() {
	time.Sleep(10 * time.Millisecond)
	e.mgr.Sync()
}

// nextGroupUpdate возвращает следующий updateNotificationGroup, пропуская
// служебные updateHavePendingNotifications.
func (e *env) nextGroupUpdate(t *testing.T) *api.UpdateNotificationGroup {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-e.obs.updates:
			if g, ok := u.(*api.UpdateNotificationGroup); ok {
				return g
			}
		case <-deadline:
			t.Fatal("timed out waiting for updateNotificationGroup")
			return nil
		}
	}
}

// expectNoGroupUpdate убеждается, что группа-апдейтов в канале нет.
func (e *env) expectNoGroupUpdate(t *testing.T) {
	t.Helper()
	for {
		select {
		case u := <-e.obs.updates:
			if g, ok := u.(*api.UpdateNotificationGroup); ok {
				t.Fatalf("unexpected group update: %+v", g)
			}
		case <-time.After(80 * time.Millisecond):
			return
		}
	}
}

func notificationIDs(ns []api.Notification) []api.NotificationID {
	out := make([]api.NotificationID, len(ns))
	for i := range ns {
		out[i] = ns[i].ID
	}
	return out
}

// Сценарий: два добавления в окно задержки сливаются в один апдейт.
func TestCoalescedFlush(t *testing.T) {
	e := newEnv(t, nil)

	const groupID = api.NotificationGroupID(7)
	e.mgr.AddNotification(groupID, api.GroupTypeMessages, 1, 100, 1, false, 1500, 1,
		api.TypeNewMessage{MessageID: 11})
	e.settle()
	e.travel(500 * time.Millisecond)
	e.mgr.AddNotification(groupID, api.GroupTypeMessages, 1, 101, 1, false, 1500, 2,
		api.TypeNewMessage{MessageID: 12})
	e.settle()

	// До дедлайна первого добавления апдейтов нет.
	e.expectNoGroupUpdate(t)

	// Таймер не отодвигается вторым добавлением: флаш на T0+1500.
	e.travel(1100 * time.Millisecond)
	e.travel(60 * time.Millisecond) // окно доставки апдейта

	upd := e.nextGroupUpdate(t)
	if upd.GroupID != groupID || upd.TotalCount != 2 {
		t.Fatalf("update = %+v, want group 7 total 2", upd)
	}
	got := notificationIDs(upd.AddedNotifications)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("added ids = %v, want [1 2]", got)
	}
	if len(upd.RemovedNotificationIDs) != 0 {
		t.Fatalf("removed ids = %v, want none", upd.RemovedNotificationIDs)
	}
	e.expectNoGroupUpdate(t)
}

// Сценарий: вытеснение из активного множества — remove-all для нижней группы
// строго раньше add для новичка.
func TestActiveSetEviction(t *testing.T) {
	e := newEnv(t, nil) // group_count_max = 2

	addAndDrain := func(groupID api.NotificationGroupID, dialog api.DialogID, date int32, id api.NotificationID) {
		e.mgr.AddNotification(groupID, api.GroupTypeMessages, dialog, date, dialog, false, 1,
			id, api.TypeNewMessage{MessageID: api.MessageID(id)})
		e.travel(1600 * time.Millisecond)
		e.travel(60 * time.Millisecond)
		upd := e.nextGroupUpdate(t)
		if upd.GroupID != groupID {
			t.Fatalf("drain: update for group %d, want %d", upd.GroupID, groupID)
		}
	}

	addAndDrain(1, 1, 100, 1) // A
	addAndDrain(2, 2, 200, 2) // B

	// C с более поздней датой вытесняет A (низший ключ).
	e.mgr.AddNotification(3, api.GroupTypeMessages, 3, 300, 3, false, 1, 3,
		api.TypeNewMessage{MessageID: 3})
	e.travel(1600 * time.Millisecond)

	removeA := e.nextGroupUpdate(t)
	if removeA.GroupID != 1 || removeA.TotalCount != 0 {
		t.Fatalf("first update = %+v, want remove-all for group 1", removeA)
	}
	if len(removeA.RemovedNotificationIDs) != 1 || removeA.RemovedNotificationIDs[0] != 1 {
		t.Fatalf("removed ids = %v, want [1]", removeA.RemovedNotificationIDs)
	}

	e.travel(60 * time.Millisecond)
	addC := e.nextGroupUpdate(t)
	if addC.GroupID != 3 || len(addC.AddedNotifications) != 1 {
		t.Fatalf("second update = %+v, want add for group 3", addC)
	}
	e.expectNoGroupUpdate(t) // B не тронута
}

// Сценарий: difference-гейт замораживает флаш и эмиссию до after_get_difference.
func TestDifferenceGating(t *testing.T) {
	e := newEnv(t, nil)

	e.mgr.BeforeGetDifference()
	e.settle()
	e.mgr.AddNotification(5, api.GroupTypeMessages, 1, 100, 1, false, 1500, 1,
		api.TypeNewMessage{MessageID: 1})
	e.settle()

	e.travel(2 * time.Second)
	e.expectNoGroupUpdate(t)

	e.mgr.AfterGetDifference()
	e.settle()
	e.travel(60 * time.Millisecond)

	upd := e.nextGroupUpdate(t)
	if upd.GroupID != 5 || len(upd.AddedNotifications) != 1 {
		t.Fatalf("update after gate = %+v", upd)
	}
}

// Сценарий: переполнение кольца call-групп — LRU-группа очищается одним
// апдейтом до появления новой.
func TestCallRingOverflow(t *testing.T) {
	e := newEnv(t, func(o *notify.Options) { o.GroupCountMax = 15 })

	groupOf := make(map[api.DialogID]api.NotificationGroupID)
	for d := api.DialogID(1); d <= 10; d++ {
		e.mgr.AddCallNotification(d, api.CallID(d))
		e.travel(100 * time.Millisecond) // флаш буфера
		e.travel(60 * time.Millisecond)  // окно доставки апдейта
		upd := e.nextGroupUpdate(t)
		groupOf[d] = upd.GroupID
		if upd.Type != api.GroupTypeCalls {
			t.Fatalf("group type = %v, want Calls", upd.Type)
		}
	}

	// Одиннадцатый диалог вытесняет самую давнюю call-группу (диалог 1).
	e.mgr.AddCallNotification(11, 11)
	e.settle()

	removeOld := e.nextGroupUpdate(t)
	if removeOld.GroupID != groupOf[1] {
		t.Fatalf("first update for group %d, want evicted %d", removeOld.GroupID, groupOf[1])
	}
	if removeOld.TotalCount != 0 || len(removeOld.RemovedNotificationIDs) != 1 {
		t.Fatalf("evict update = %+v, want remove-all", removeOld)
	}

	e.travel(100 * time.Millisecond)
	e.travel(60 * time.Millisecond)
	addNew := e.nextGroupUpdate(t)
	if addNew.GroupID == removeOld.GroupID {
		t.Fatalf("new call group reused evicted id %d in same window", addNew.GroupID)
	}
	if len(addNew.AddedNotifications) != 1 {
		t.Fatalf("add update = %+v", addNew)
	}
	if _, ok := addNew.AddedNotifications[0].Type.(api.TypeNewCall); !ok {
		t.Fatalf("added type = %#v, want TypeNewCall", addNew.AddedNotifications[0].Type)
	}
}

// Сценарий: повтор пуш-пейлоада не меняет состояние и не плодит апдейтов.
func TestPushIdempotence(t *testing.T) {
	e := newEnv(t, nil)

	payload := `{"loc_key":"MESSAGE_TEXT","loc_args":["Alice","hi"],"date":100,` +
		`"custom":{"msg_id":"10","from_id":"7"}}`
	if err := e.mgr.ProcessPushNotification(payload); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := e.mgr.ProcessPushNotification(payload); err != nil {
		t.Fatalf("second push: %v", err)
	}

	e.travel(1600 * time.Millisecond)
	e.travel(60 * time.Millisecond)

	upd := e.nextGroupUpdate(t)
	if upd.TotalCount != 1 || len(upd.AddedNotifications) != 1 {
		t.Fatalf("update = %+v, want single provisional notification", upd)
	}
	pushType, ok := upd.AddedNotifications[0].Type.(api.TypeNewPushMessage)
	if !ok {
		t.Fatalf("type = %#v, want TypeNewPushMessage", upd.AddedNotifications[0].Type)
	}
	if pushType.MessageID != 10 || pushType.SenderName != "Alice" {
		t.Fatalf("push type = %+v", pushType)
	}
	e.expectNoGroupUpdate(t)

	// Третий повтор после флаша также no-op.
	if err := e.mgr.ProcessPushNotification(payload); err != nil {
		t.Fatalf("third push: %v", err)
	}
	e.settle()
	e.expectNoGroupUpdate(t)
}

// Сценарий: after_get_chat_difference вытесняет провизорные уведомления.
func TestTemporaryRemovalOnChatDifference(t *testing.T) {
	e := newEnv(t, nil)

	payload := `{"loc_key":"MESSAGE_TEXT","loc_args":["Bob"],"date":100,` +
		`"custom":{"msg_id":"20","from_id":"8"}}`
	if err := e.mgr.ProcessPushNotification(payload); err != nil {
		t.Fatalf("push: %v", err)
	}
	e.travel(1600 * time.Millisecond)
	e.travel(60 * time.Millisecond)

	added := e.nextGroupUpdate(t)
	if len(added.AddedNotifications) != 1 || added.TotalCount != 1 {
		t.Fatalf("add update = %+v", added)
	}
	groupID := added.GroupID
	provisionalID := added.AddedNotifications[0].ID

	e.mgr.BeforeGetChatDifference(groupID)
	e.settle()
	e.mgr.AfterGetChatDifference(groupID)
	e.settle()

	removed := e.nextGroupUpdate(t)
	if removed.GroupID != groupID || removed.TotalCount != 0 {
		t.Fatalf("removal update = %+v, want empty group %d", removed, groupID)
	}
	if len(removed.RemovedNotificationIDs) != 1 || removed.RemovedNotificationIDs[0] != provisionalID {
		t.Fatalf("removed ids = %v, want [%d]", removed.RemovedNotificationIDs, provisionalID)
	}
}

// Зашифрованный пуш чужому получателю отклоняется с WrongReceiver.
func TestEncryptedPushWrongReceiver(t *testing.T) {
	key := make([]byte, 256)
	for i := range key {
		key[i] = byte(i)
	}
	e := newEnv(t, func(o *notify.Options) {
		o.PushReceiverID = 100
		o.PushEncryptionKeyID = 1
		o.PushEncryptionKey = key
	})

	envelope, err := push.EncryptPush(200, key, `{"loc_key":"MESSAGE_TEXT","custom":{"msg_id":1,"from_id":2}}`)
	if err != nil {
		t.Fatalf("EncryptPush: %v", err)
	}
	if err := e.mgr.ProcessPushNotification(envelope); !errors.Is(err, notify.ErrWrongReceiver) {
		t.Fatalf("error = %v, want ErrWrongReceiver", err)
	}

	// Свой получатель проходит.
	own, err := push.EncryptPush(100, key, `{"loc_key":"MESSAGE_TEXT","custom":{"msg_id":1,"from_id":2}}`)
	if err != nil {
		t.Fatalf("EncryptPush: %v", err)
	}
	if err := e.mgr.ProcessPushNotification(own); err != nil {
		t.Fatalf("own push rejected: %v", err)
	}
}

// Аллокатор: id уведомлений монотонны, id группы переиспользуется только
// до первой эмиссии.
func TestIDAllocation(t *testing.T) {
	e := newEnv(t, nil)

	first := e.mgr.NextNotificationID()
	second := e.mgr.NextNotificationID()
	if second != first+1 {
		t.Fatalf("notification ids = %d, %d, want consecutive", first, second)
	}
	if got := e.mgr.GetMaxNotificationID(); got != second {
		t.Fatalf("max id = %d, want %d", got, second)
	}

	groupID := e.mgr.NextNotificationGroupID()
	e.mgr.TryReuseNotificationGroupID(groupID)
	if got := e.mgr.NextNotificationGroupID(); got != groupID {
		t.Fatalf("unemitted group id not reused: got %d, want %d", got, groupID)
	}

	// После эмиссии апдейта с этим id возврат игнорируется.
	e.mgr.AddNotification(groupID, api.GroupTypeMessages, 1, 100, 1, false, 1, second+1,
		api.TypeNewMessage{MessageID: 1})
	e.travel(1600 * time.Millisecond)
	e.travel(60 * time.Millisecond)
	_ = e.nextGroupUpdate(t)

	e.mgr.TryReuseNotificationGroupID(groupID)
	if got := e.mgr.NextNotificationGroupID(); got == groupID {
		t.Fatalf("emitted group id %d was reused", got)
	}
}

// GetCurrentState отдаёт снимок активных групп для переподписки.
func TestGetCurrentStateSnapshot(t *testing.T) {
	e := newEnv(t, nil)

	e.mgr.AddNotification(1, api.GroupTypeMessages, 1, 100, 1, false, 1, 1,
		api.TypeNewMessage{MessageID: 1})
	e.mgr.AddNotification(2, api.GroupTypeMentions, 2, 200, 2, false, 1, 2,
		api.TypeNewMessage{MessageID: 2})
	e.travel(1600 * time.Millisecond)
	e.travel(60 * time.Millisecond)

	state := e.mgr.GetCurrentState()
	var snapshot *api.UpdateActiveNotifications
	for _, u := range state {
		if s, ok := u.(*api.UpdateActiveNotifications); ok {
			snapshot = s
		}
	}
	if snapshot == nil {
		t.Fatalf("state %v has no updateActiveNotifications", state)
	}
	if len(snapshot.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(snapshot.Groups))
	}
	// Порядок — по убыванию ключа: группа 2 (дата 200) раньше группы 1.
	if snapshot.Groups[0].GroupID != 2 || snapshot.Groups[1].GroupID != 1 {
		t.Fatalf("snapshot order = %d, %d", snapshot.Groups[0].GroupID, snapshot.Groups[1].GroupID)
	}
}

// Сверка contact-registered: неудачная запись ретраится и завершается
// персистентной фиксацией значения.
func TestContactRegisteredSyncRetries(t *testing.T) {
	e := newEnv(t, nil)
	atomic.StoreInt32(&e.obs.writeFailures, 1)

	e.mgr.SetDisableContactRegisteredNotifications(true)
	// Первая запись падает; ретрай взводится на симулированных часах.
	time.Sleep(100 * time.Millisecond)
	e.sim.Travel(3 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := e.store.contactFlagValue(); ok && v {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("contact-registered flag was not persisted after retry")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&e.obs.writes); got < 2 {
		t.Fatalf("writes = %d, want at least 2 (failure + retry)", got)
	}
	if !e.mgr.GetDisableContactRegisteredNotifications() {
		t.Fatal("effective value lost")
	}
}

// destroy_all_notifications — терминальное состояние: вход дропается.
func TestDestroyDropsIngress(t *testing.T) {
	e := newEnv(t, nil)

	e.mgr.AddNotification(1, api.GroupTypeMessages, 1, 100, 1, false, 1, 1,
		api.TypeNewMessage{MessageID: 1})
	e.travel(1600 * time.Millisecond)
	e.travel(60 * time.Millisecond)
	_ = e.nextGroupUpdate(t)

	e.mgr.DestroyAllNotifications()
	e.settle()
	// Remove-all уничтоженной активной группы.
	destroy := e.nextGroupUpdate(t)
	if destroy.GroupID != 1 || destroy.TotalCount != 0 {
		t.Fatalf("destroy update = %+v", destroy)
	}

	if err := e.mgr.ProcessPushNotification(`{"loc_key":"MESSAGE_TEXT","custom":{"msg_id":1,"from_id":1}}`); !errors.Is(err, notify.ErrDestroyed) {
		t.Fatalf("push after destroy = %v, want ErrDestroyed", err)
	}
	e.mgr.AddNotification(2, api.GroupTypeMessages, 2, 200, 2, false, 1, 2,
		api.TypeNewMessage{MessageID: 2})
	e.travel(2 * time.Second)
	e.expectNoGroupUpdate(t)
}

// Удаление видимого уведомления уменьшает total_count и уходит апдейтом.
func TestRemoveNotification(t *testing.T) {
	e := newEnv(t, nil)

	e.mgr.AddNotification(1, api.GroupTypeMessages, 1, 100, 1, false, 1, 1,
		api.TypeNewMessage{MessageID: 1})
	e.mgr.AddNotification(1, api.GroupTypeMessages, 1, 101, 1, false, 1, 2,
		api.TypeNewMessage{MessageID: 2})
	e.travel(1600 * time.Millisecond)
	e.travel(60 * time.Millisecond)
	_ = e.nextGroupUpdate(t)

	if err := e.mgr.RemoveNotification(1, 1, true, true); err != nil {
		t.Fatalf("RemoveNotification: %v", err)
	}
	upd := e.nextGroupUpdate(t)
	if upd.TotalCount != 1 || len(upd.RemovedNotificationIDs) != 1 || upd.RemovedNotificationIDs[0] != 1 {
		t.Fatalf("removal update = %+v", upd)
	}
}
