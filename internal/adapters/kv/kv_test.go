package kv_test

import (
	"path/filepath"
	"testing"

	"telegram-notifications/internal/adapters/kv"
	"telegram-notifications/internal/domain/notify"
	"telegram-notifications/internal/domain/notify/api"
)

func openStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(filepath.Join(t.TempDir(), "notifications.bbolt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCountersRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	c, err := s.LoadCounters()
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if c.NotificationID != 0 || c.NotificationGroupID != 0 {
		t.Fatalf("fresh counters = %+v, want zeros", c)
	}

	want := notify.Counters{NotificationID: 17, NotificationGroupID: 4}
	if err := s.SaveCounters(want); err != nil {
		t.Fatalf("SaveCounters: %v", err)
	}
	got, err := s.LoadCounters()
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if got != want {
		t.Fatalf("counters = %+v, want %+v", got, want)
	}
}

func TestGroupsOrderedByKey(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	rows := []notify.GroupRow{
		{GroupID: 1, DialogID: 10, Type: api.GroupTypeMessages, LastNotificationDate: 100, TotalCount: 2},
		{GroupID: 2, DialogID: 20, Type: api.GroupTypeMentions, LastNotificationDate: 300, TotalCount: 1},
		{GroupID: 3, DialogID: 30, Type: api.GroupTypeMessages, LastNotificationDate: 200, TotalCount: 5},
		// Та же дата, что и у группы 3: ничья решается большим id.
		{GroupID: 4, DialogID: 40, Type: api.GroupTypeMessages, LastNotificationDate: 200, TotalCount: 1},
	}
	for _, r := range rows {
		if err := s.SaveGroup(r); err != nil {
			t.Fatalf("SaveGroup(%d): %v", r.GroupID, err)
		}
	}

	got, err := s.LoadGroups(3)
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantOrder := []api.NotificationGroupID{2, 4, 3}
	for i, id := range wantOrder {
		if got[i].GroupID != id {
			t.Fatalf("got[%d].GroupID = %d, want %d", i, got[i].GroupID, id)
		}
	}

	row, err := s.LoadGroup(3)
	if err != nil {
		t.Fatalf("LoadGroup: %v", err)
	}
	if row == nil || row.TotalCount != 5 || row.DialogID != 30 {
		t.Fatalf("LoadGroup(3) = %+v", row)
	}

	missing, err := s.LoadGroup(99)
	if err != nil {
		t.Fatalf("LoadGroup(99): %v", err)
	}
	if missing != nil {
		t.Fatalf("LoadGroup(99) = %+v, want nil", missing)
	}
}

func TestNotificationsPagedDescending(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	const groupID = api.NotificationGroupID(7)
	var seed []api.Notification
	for i := 1; i <= 9; i++ {
		seed = append(seed, api.Notification{
			ID:   api.NotificationID(i),
			Date: int32(1000 + i),
			Type: api.TypeNewMessage{MessageID: api.MessageID(i * 10)},
		})
	}
	if err := s.SeedNotifications(groupID, seed); err != nil {
		t.Fatalf("SeedNotifications: %v", err)
	}

	// Первая страница с конца.
	page, err := s.LoadNotifications(groupID, 0, 4)
	if err != nil {
		t.Fatalf("LoadNotifications: %v", err)
	}
	if len(page) != 4 || page[0].ID != 9 || page[3].ID != 6 {
		t.Fatalf("page1 ids = %v", ids(page))
	}

	// Следующая страница строго ниже последнего выданного id.
	page, err = s.LoadNotifications(groupID, 6, 4)
	if err != nil {
		t.Fatalf("LoadNotifications: %v", err)
	}
	if len(page) != 4 || page[0].ID != 5 || page[3].ID != 2 {
		t.Fatalf("page2 ids = %v", ids(page))
	}

	// Хвост короче страницы.
	page, err = s.LoadNotifications(groupID, 2, 4)
	if err != nil {
		t.Fatalf("LoadNotifications: %v", err)
	}
	if len(page) != 1 || page[0].ID != 1 {
		t.Fatalf("page3 ids = %v", ids(page))
	}

	// Нагрузка переживает сериализацию.
	if mt, ok := page[0].Type.(api.TypeNewMessage); !ok || mt.MessageID != 10 {
		t.Fatalf("type round-trip broken: %#v", page[0].Type)
	}
}

func TestDeleteGroupDropsHistory(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	const groupID = api.NotificationGroupID(5)
	if err := s.SaveGroup(notify.GroupRow{GroupID: groupID, DialogID: 1, Type: api.GroupTypeMessages, LastNotificationDate: 1, TotalCount: 1}); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	if err := s.SeedNotifications(groupID, []api.Notification{{ID: 1, Date: 1, Type: api.TypeNewSecretChat{}}}); err != nil {
		t.Fatalf("SeedNotifications: %v", err)
	}
	if err := s.DeleteGroup(groupID); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}

	row, err := s.LoadGroup(groupID)
	if err != nil || row != nil {
		t.Fatalf("LoadGroup after delete = (%+v, %v)", row, err)
	}
	page, err := s.LoadNotifications(groupID, 0, 10)
	if err != nil || len(page) != 0 {
		t.Fatalf("LoadNotifications after delete = (%v, %v)", ids(page), err)
	}
}

func TestAnnouncementsAndContactFlag(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	if err := s.SaveAnnouncements(map[int32]int32{10: 100, 20: 200}); err != nil {
		t.Fatalf("SaveAnnouncements: %v", err)
	}
	ann, err := s.LoadAnnouncements()
	if err != nil {
		t.Fatalf("LoadAnnouncements: %v", err)
	}
	if len(ann) != 2 || ann[10] != 100 || ann[20] != 200 {
		t.Fatalf("announcements = %v", ann)
	}

	// Флаг никогда не писался.
	if _, ok, err := s.LoadContactRegisteredFlag(); err != nil || ok {
		t.Fatalf("fresh contact flag: ok=%v err=%v", ok, err)
	}
	if err := s.SaveContactRegisteredFlag(true); err != nil {
		t.Fatalf("SaveContactRegisteredFlag: %v", err)
	}
	value, ok, err := s.LoadContactRegisteredFlag()
	if err != nil || !ok || !value {
		t.Fatalf("contact flag = (%v, %v, %v), want (true, true, nil)", value, ok, err)
	}
}

func ids(ns []api.Notification) []api.NotificationID {
	out := make([]api.NotificationID, len(ns))
	for i := range ns {
		out[i] = ns[i].ID
	}
	return out
}
