// Хуки смены конфигурационных опций в рантайме. Смена размеров активного
// множества и видимого окна каскадирует в add/remove-апдейты, смена задержек
// влияет только на будущие флаши.
package notify

import (
	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/logger"
)

// OnNotificationGroupCountMaxChanged меняет размер активного множества.
// При росте наблюдатель получает add-снимки довключившихся групп, при
// сжатии — remove-all для выбывших (если sendUpdates).
func (m *Manager) OnNotificationGroupCountMaxChanged(newCount int, sendUpdates bool) {
	m.post(func() {
		if m.destroyed {
			return
		}
		old := m.groupCountMax
		m.setGroupCountMax(newCount)
		eff := m.groupCountMax
		if !sendUpdates || eff == old {
			return
		}
		if eff > old {
			for i := old; i < eff && i < m.groups.len(); i++ {
				g := m.groups.at(i)
				if g.Key.LastNotificationDate == 0 {
					continue
				}
				if !g.LoadedFromStore {
					m.requestStoreBackfill(g, m.keepGroupSize)
				}
				m.queueAddGroupSnapshot(g, 0, true)
			}
		} else {
			for i := eff; i < old && i < m.groups.len(); i++ {
				g := m.groups.at(i)
				if g.Key.LastNotificationDate != 0 {
					m.sendRemoveGroupUpdate(g)
				}
			}
		}
		logger.Debugf("group count max changed: %d -> %d", old, eff)
	})
}

// OnNotificationGroupSizeMaxChanged меняет видимое окно групп: сжатие прячет
// старые уведомления, расширение показывает их (с догрузкой истории).
func (m *Manager) OnNotificationGroupSizeMaxChanged(newSize int) {
	m.post(func() {
		if m.destroyed {
			return
		}
		old := m.groupSizeMax
		active := m.groups.topK(m.groupCountMax)
		prev := make(map[api.NotificationGroupID][]api.NotificationID, len(active))
		for _, g := range active {
			if g.Key.LastNotificationDate != 0 {
				prev[g.Key.GroupID] = m.visibleIDs(g)
			}
		}

		m.setGroupSizeMax(newSize)
		if m.groupSizeMax == old {
			return
		}
		for _, g := range active {
			prevVisible, ok := prev[g.Key.GroupID]
			if !ok {
				continue
			}
			if over := len(g.Notifications) - m.keepGroupSize; over > 0 {
				g.Notifications = g.Notifications[over:]
			}
			if !g.LoadedFromStore && len(g.Notifications) < m.keepGroupSize && int(g.TotalCount) > len(g.Notifications) {
				m.requestStoreBackfill(g, m.keepGroupSize-len(g.Notifications))
			}
			m.queueGroupDiff(g, prevVisible, 0, true, false)
		}
		logger.Debugf("group size max changed: %d -> %d", old, m.groupSizeMax)
	})
}

// OnOnlineCloudTimeoutChanged обновляет окно «чат недавно онлайн».
func (m *Manager) OnOnlineCloudTimeoutChanged(ms int) {
	m.post(func() {
		if ms >= 0 {
			m.onlineCloudTimeoutMS = ms
		}
	})
}

// OnNotificationCloudDelayChanged обновляет задержку для «свежих» чатов.
func (m *Manager) OnNotificationCloudDelayChanged(ms int) {
	m.post(func() {
		if ms >= 1 {
			m.notificationCloudDelayMS = ms
		}
	})
}

// OnNotificationDefaultDelayChanged обновляет задержку по умолчанию.
func (m *Manager) OnNotificationDefaultDelayChanged(ms int) {
	m.post(func() {
		if ms >= 1 {
			m.notificationDefaultDelayMS = ms
		}
	})
}
