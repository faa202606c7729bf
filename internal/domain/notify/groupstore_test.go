package notify

import (
	"testing"

	"telegram-notifications/internal/domain/notify/api"
)

func mkGroup(id api.NotificationGroupID, date int32) *Group {
	return &Group{Key: GroupKey{LastNotificationDate: date, GroupID: id, DialogID: api.DialogID(id)}}
}

func storeOrder(s *groupStore) []api.NotificationGroupID {
	out := make([]api.NotificationGroupID, 0, s.len())
	for i := 0; i < s.len(); i++ {
		out = append(out, s.at(i).Key.GroupID)
	}
	return out
}

func TestGroupStoreOrdering(t *testing.T) {
	t.Parallel()

	s := newGroupStore()
	s.insert(mkGroup(1, 100))
	s.insert(mkGroup(2, 300))
	s.insert(mkGroup(3, 200))
	// Ничья по дате решается большим id группы.
	s.insert(mkGroup(4, 200))

	want := []api.NotificationGroupID{2, 4, 3, 1}
	got := storeOrder(s)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	if g := s.get(3); g == nil || g.Key.LastNotificationDate != 200 {
		t.Fatalf("get(3) = %+v", s.get(3))
	}
	if idx := s.indexOf(s.get(4)); idx != 1 {
		t.Fatalf("indexOf(4) = %d, want 1", idx)
	}
}

func TestGroupStoreRekeyMovesGroup(t *testing.T) {
	t.Parallel()

	s := newGroupStore()
	s.insert(mkGroup(1, 100))
	s.insert(mkGroup(2, 200))
	s.insert(mkGroup(3, 300))

	g := s.get(1)
	s.rekey(g, GroupKey{LastNotificationDate: 400, GroupID: 1, DialogID: 1})

	want := []api.NotificationGroupID{1, 3, 2}
	got := storeOrder(s)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order after rekey = %v, want %v", got, want)
		}
	}
	if idx := s.indexOf(g); idx != 0 {
		t.Fatalf("indexOf after rekey = %d, want 0", idx)
	}
}

func TestGroupStoreTopKAndBoundary(t *testing.T) {
	t.Parallel()

	s := newGroupStore()
	for i := int32(1); i <= 5; i++ {
		s.insert(mkGroup(api.NotificationGroupID(i), i*100))
	}

	top := s.topK(2)
	if len(top) != 2 || top[0].Key.GroupID != 5 || top[1].Key.GroupID != 4 {
		t.Fatalf("topK = %v", []api.NotificationGroupID{top[0].Key.GroupID, top[1].Key.GroupID})
	}

	key, ok := s.activeBoundaryKey(2)
	if !ok || key.GroupID != 4 {
		t.Fatalf("boundary = (%+v, %v), want group 4", key, ok)
	}
	if _, ok := s.activeBoundaryKey(0); ok {
		t.Fatal("boundary of k=0 must not exist")
	}

	s.remove(s.get(5))
	if s.len() != 4 || s.get(5) != nil {
		t.Fatalf("remove failed: len=%d", s.len())
	}
}
