// Гейт синхронизации: пока идёт глобальный или пер-чатовый difference,
// флаши и эмиссия по затронутым группам замораживаются и детерминированно
// возобновляются по завершении. Провизорные (пуш-) уведомления группы
// вытесняются авторитетными данными в after_get_chat_difference.
package notify

import (
	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/logger"
)

// BeforeGetDifference поднимает глобальный гейт.
func (m *Manager) BeforeGetDifference() {
	m.post(func() {
		if m.destroyed {
			return
		}
		m.runningGetDifference = true
	})
}

// AfterGetDifference снимает глобальный гейт и перевзводит всё отложенное.
func (m *Manager) AfterGetDifference() {
	m.post(func() {
		if m.destroyed || !m.runningGetDifference {
			return
		}
		m.runningGetDifference = false
		m.resumeDeferred("after-get-difference")
	})
}

// BeforeGetChatDifference поднимает гейт одной группы.
func (m *Manager) BeforeGetChatDifference(groupID api.NotificationGroupID) {
	m.post(func() {
		if m.destroyed || !groupID.IsValid() {
			return
		}
		m.runningGetChatDifference[groupID] = struct{}{}
	})
}

// AfterGetChatDifference снимает гейт группы, удаляет её провизорные
// уведомления и возобновляет отложенный флаш с эмиссией.
func (m *Manager) AfterGetChatDifference(groupID api.NotificationGroupID) {
	m.post(func() {
		if m.destroyed || !groupID.IsValid() {
			return
		}
		if _, ok := m.runningGetChatDifference[groupID]; !ok {
			return
		}
		delete(m.runningGetChatDifference, groupID)
		m.removeTemporaryNotifications(groupID)
		if g := m.groups.get(groupID); g != nil && g.FlushDeferred {
			m.flushPendingNotifications(groupID)
		}
		m.flushPendingUpdates(groupID, "after-get-chat-difference")
	})
}

// isChatDifferenceRunning: активен ли пер-чатовый гейт группы.
func (m *Manager) isChatDifferenceRunning(groupID api.NotificationGroupID) bool {
	_, ok := m.runningGetChatDifference[groupID]
	return ok
}

// resumeDeferred перевзводит отложенные флаши и сбрасывает накопленные апдейты.
// Идемпотентно: повторный вызов без отложенной работы — no-op.
func (m *Manager) resumeDeferred(source string) {
	for _, g := range m.groups.topK(m.groups.len()) {
		if g.FlushDeferred && !m.isChatDifferenceRunning(g.Key.GroupID) {
			m.flushPendingNotifications(g.Key.GroupID)
		}
	}
	m.flushAllPendingUpdates(source)
}

// removeTemporaryNotifications выкидывает из группы все уведомления,
// синтезированные из пушей: их заместили авторитетные данные difference.
func (m *Manager) removeTemporaryNotifications(groupID api.NotificationGroupID) {
	g := m.groups.get(groupID)
	if g == nil {
		return
	}
	tempCount := g.temporaryTotalCount()
	if tempCount == 0 {
		return
	}

	keptP := g.Pending[:0]
	for i := range g.Pending {
		if g.Pending[i].Type != nil && g.Pending[i].Type.IsTemporary() {
			continue
		}
		keptP = append(keptP, g.Pending[i])
	}
	g.Pending = keptP

	prevVisible := m.visibleIDs(g)
	var removed []api.NotificationID
	keptN := g.Notifications[:0]
	for i := range g.Notifications {
		n := g.Notifications[i]
		if n.Type != nil && n.Type.IsTemporary() {
			if m.containsID(prevVisible, n.ID) {
				removed = append(removed, n.ID)
			}
			continue
		}
		keptN = append(keptN, n)
	}
	g.Notifications = keptN

	g.TotalCount -= tempCount
	if g.TotalCount < int32(len(g.Notifications)+len(g.Pending)) {
		g.TotalCount = int32(len(g.Notifications) + len(g.Pending))
	}

	if len(removed) > 0 && m.isGroupActive(g) {
		m.queueGroupDiffRemoval(g, prevVisible, removed, true, false)
	}
	logger.Debugf("removed %d temporary notifications from group %d", tempCount, groupID)
	m.persistGroup(g)
	m.maybeDestroyGroup(g)
	m.updateHaveFlags()
}
