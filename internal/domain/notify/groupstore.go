// Хранилище групп в памяти: упорядоченный по ключу список плюс вторичный
// индекс id -> группа. Верхние K позиций списка образуют активное множество;
// граница пересчитывается после каждого rekey.
package notify

import (
	"sort"

	"telegram-notifications/internal/domain/notify/api"
)

// groupStore держит группы в порядке убывания ключа (позиция 0 — самая свежая).
// Вставка идёт через бинарный поиск с копированием хвоста. Число групп не
// ограничено: здесь живёт каждая группа, пока она не удалена.
type groupStore struct {
	list []*Group
	byID map[api.NotificationGroupID]*Group
}

func newGroupStore() *groupStore {
	return &groupStore{byID: make(map[api.NotificationGroupID]*Group)}
}

// get возвращает группу по id; nil, если не материализована.
func (s *groupStore) get(id api.NotificationGroupID) *Group {
	return s.byID[id]
}

// len — текущее число материализованных групп.
func (s *groupStore) len() int { return len(s.list) }

// at — группа на позиции i (0 — наивысший ключ).
func (s *groupStore) at(i int) *Group { return s.list[i] }

// indexOf находит позицию группы в списке; -1, если её нет.
// Поиск бинарный по ключу: список строго упорядочен.
func (s *groupStore) indexOf(g *Group) int {
	i := s.lowerBound(g.Key)
	if i < len(s.list) && s.list[i] == g {
		return i
	}
	return -1
}

// lowerBound — первая позиция, чей ключ не выше key.
func (s *groupStore) lowerBound(key GroupKey) int {
	return sort.Search(len(s.list), func(i int) bool {
		return !s.list[i].Key.ranksAbove(key)
	})
}

// insert добавляет группу, сохраняя порядок. Дубликат id — ошибка логики,
// вызывающий обязан проверить get заранее.
func (s *groupStore) insert(g *Group) {
	i := s.lowerBound(g.Key)
	s.list = append(s.list, nil)
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = g
	s.byID[g.Key.GroupID] = g
}

// remove удаляет группу из списка и индекса.
func (s *groupStore) remove(g *Group) {
	if i := s.indexOf(g); i >= 0 {
		s.list = append(s.list[:i], s.list[i+1:]...)
	}
	delete(s.byID, g.Key.GroupID)
}

// rekey атомарно переносит группу на позицию нового ключа. Итерации по
// снимкам top-k не инвалидируются: сам срез вызывающего уже скопирован.
func (s *groupStore) rekey(g *Group, newKey GroupKey) {
	if i := s.indexOf(g); i >= 0 {
		s.list = append(s.list[:i], s.list[i+1:]...)
	}
	g.Key = newKey
	i := s.lowerBound(newKey)
	s.list = append(s.list, nil)
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = g
}

// topK возвращает срез-снимок первых k групп.
func (s *groupStore) topK(k int) []*Group {
	if k > len(s.list) {
		k = len(s.list)
	}
	out := make([]*Group, k)
	copy(out, s.list[:k])
	return out
}

// activeBoundaryKey — ключ самой нижней активной группы. ok=false, если
// активное множество пусто.
func (s *groupStore) activeBoundaryKey(k int) (GroupKey, bool) {
	if k <= 0 || len(s.list) == 0 {
		return GroupKey{}, false
	}
	if k > len(s.list) {
		k = len(s.list)
	}
	return s.list[k-1].Key, true
}
