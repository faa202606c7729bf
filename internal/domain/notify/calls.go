// Кольцо call-групп: фиксированный пул id групп под уведомления о звонках
// с LRU-вытеснением. Группа звонков никогда не совпадает с message-группой:
// id выдаёт общий аллокатор, а привязка живёт в отдельной карте.
package notify

import (
	"go.uber.org/zap"

	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/logger"
)

// AddCallNotification показывает входящий звонок в группе звонков диалога.
func (m *Manager) AddCallNotification(dialogID api.DialogID, callID api.CallID) {
	m.post(func() {
		if m.destroyed || !dialogID.IsValid() {
			return
		}
		groupID := m.callNotificationGroupID(dialogID)
		if !groupID.IsValid() {
			// Пул исчерпан и вытеснить некого; звонок останется без витрины.
			logger.Warn("no call notification group available", zap.Int64("dialog_id", int64(dialogID)))
			return
		}

		active := m.activeCalls[dialogID]
		for _, c := range active {
			if c.CallID == callID {
				return // повтор того же звонка
			}
		}

		// Переполнение группы: старейший звонок уходит с витрины.
		if len(active) >= MaxCallNotifications {
			oldest := active[0]
			m.activeCalls[dialogID] = active[1:]
			if err := m.removeNotificationInternal(groupID, oldest.NotificationID, true, false); err != nil {
				logger.Warn("failed to drop oldest call notification", zap.Error(err))
			}
			active = m.activeCalls[dialogID]
		}

		notificationID := m.ids.nextNotificationID()
		m.activeCalls[dialogID] = append(active, activeCallNotification{
			CallID:         callID,
			NotificationID: notificationID,
		})
		m.addNotification(groupID, api.GroupTypeCalls, dialogID, int32(m.now().Unix()),
			dialogID, false, 0, notificationID, api.TypeNewCall{CallID: callID})
	})
}

// RemoveCallNotification убирает звонок; последний звонок диалога освобождает
// слот кольца.
func (m *Manager) RemoveCallNotification(dialogID api.DialogID, callID api.CallID) {
	m.post(func() {
		if m.destroyed || !dialogID.IsValid() {
			return
		}
		groupID, ok := m.dialogToCallGroup[dialogID]
		if !ok {
			return
		}
		active := m.activeCalls[dialogID]
		for i, c := range active {
			if c.CallID != callID {
				continue
			}
			m.activeCalls[dialogID] = append(active[:i], active[i+1:]...)
			if err := m.removeNotificationInternal(groupID, c.NotificationID, true, true); err != nil {
				logger.Warn("failed to remove call notification", zap.Error(err))
			}
			if len(m.activeCalls[dialogID]) == 0 {
				m.releaseCallGroup(dialogID, groupID)
			}
			return
		}
	})
}

// callNotificationGroupID возвращает группу звонков диалога, при
// необходимости выделяя слот или вытесняя самый давний.
func (m *Manager) callNotificationGroupID(dialogID api.DialogID) api.NotificationGroupID {
	if id, ok := m.dialogToCallGroup[dialogID]; ok {
		m.touchCallGroup(id)
		return id
	}

	var id api.NotificationGroupID
	switch {
	case len(m.availableCallGroups) > 0:
		id = m.availableCallGroups[len(m.availableCallGroups)-1]
		m.availableCallGroups = m.availableCallGroups[:len(m.availableCallGroups)-1]
	case len(m.callRing) < MaxCallNotificationGroups:
		id = m.ids.nextGroupID()
	default:
		if !m.evictOldestCallGroup().IsValid() {
			return 0
		}
		// Id вытесненной группы уже был виден наблюдателю: новый диалог
		// получает свежий id.
		id = m.ids.nextGroupID()
	}

	m.dialogToCallGroup[dialogID] = id
	m.callRing = append(m.callRing, id)
	return id
}

// touchCallGroup перемещает группу в хвост LRU-кольца.
func (m *Manager) touchCallGroup(id api.NotificationGroupID) {
	for i, v := range m.callRing {
		if v == id {
			m.callRing = append(m.callRing[:i], m.callRing[i+1:]...)
			m.callRing = append(m.callRing, id)
			return
		}
	}
}

// evictOldestCallGroup вытесняет LRU-группу: её уведомления снимаются одним
// форсированным апдейтом, владелец-диалог теряет привязку.
func (m *Manager) evictOldestCallGroup() api.NotificationGroupID {
	if len(m.callRing) == 0 {
		return 0
	}
	victim := m.callRing[0]
	m.callRing = m.callRing[1:]

	var victimDialog api.DialogID
	for dialog, id := range m.dialogToCallGroup {
		if id == victim {
			victimDialog = dialog
			break
		}
	}
	if victimDialog.IsValid() {
		delete(m.dialogToCallGroup, victimDialog)
		delete(m.activeCalls, victimDialog)
	}

	if g := m.groups.get(victim); g != nil {
		m.sendRemoveGroupUpdate(g)
		m.deleteGroupKeepID(g)
	}
	logger.Debugf("evicted call notification group %d of dialog %d", victim, victimDialog)
	return victim
}

// releaseCallGroup возвращает слот кольца в свободный пул после последнего звонка.
func (m *Manager) releaseCallGroup(dialogID api.DialogID, groupID api.NotificationGroupID) {
	delete(m.dialogToCallGroup, dialogID)
	delete(m.activeCalls, dialogID)
	for i, v := range m.callRing {
		if v == groupID {
			m.callRing = append(m.callRing[:i], m.callRing[i+1:]...)
			break
		}
	}
	m.availableCallGroups = append(m.availableCallGroups, groupID)
}

// deleteGroupKeepID — как deleteGroup, но id не возвращается в общий пул
// аллокатора.
func (m *Manager) deleteGroupKeepID(g *Group) {
	id := g.Key.GroupID
	m.groups.remove(g)
	m.flushNotifTimers.Cancel(int64(id))
	m.flushUpdateTimers.Cancel(int64(id))
	if len(m.pendingUpdates[id]) > 0 {
		m.flushPendingUpdates(id, "call-evict")
	}
	delete(m.pendingUpdates, id)
	if err := m.store.DeleteGroup(id); err != nil {
		logger.Warn("failed to delete call group row", zap.Error(err))
	}
}
