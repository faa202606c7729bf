// Приём уведомлений и флаш отложенного буфера: коалесинг добавлений в окно
// задержки, слияние буфера в группу, переключение ключа и активного множества.
package notify

import (
	"sort"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/logger"
)

// AddNotification принимает уведомление от клиентского ядра. Операция
// синхронная на исполнителе и не блокируется на I/O: всё тяжёлое — позже,
// по таймеру флаша.
func (m *Manager) AddNotification(groupID api.NotificationGroupID, groupType api.NotificationGroupType,
	dialogID api.DialogID, date int32, settingsDialogID api.DialogID, isSilent bool,
	minDelayMS int32, notificationID api.NotificationID, ntype api.NotificationType) {
	m.post(func() {
		m.addNotification(groupID, groupType, dialogID, date, settingsDialogID, isSilent, minDelayMS, notificationID, ntype)
	})
}

// addNotification — тело операции на исполнителе.
func (m *Manager) addNotification(groupID api.NotificationGroupID, groupType api.NotificationGroupType,
	dialogID api.DialogID, date int32, settingsDialogID api.DialogID, isSilent bool,
	minDelayMS int32, notificationID api.NotificationID, ntype api.NotificationType) {
	if m.destroyed {
		return
	}
	if !groupID.IsValid() || !notificationID.IsValid() || ntype == nil {
		logger.Warn("dropping malformed notification",
			zap.Int32("group_id", int32(groupID)), zap.Int32("notification_id", int32(notificationID)))
		return
	}

	g := m.getGroupForce(groupID)
	if g == nil {
		g = &Group{
			Key:  GroupKey{LastNotificationDate: 0, GroupID: groupID, DialogID: dialogID},
			Type: groupType,
		}
		m.groups.insert(g)
		if groupType != api.GroupTypeCalls && dialogID.IsValid() {
			m.dialogGroups[dialogID] = groupID
		}
	}

	// Идентификаторы растут монотонно; отстающий id — признак гонки на стороне
	// вызывающего, такое уведомление не встраивается в порядок и отбрасывается.
	if last := g.lastNotificationID(); notificationID <= last {
		logger.Warn("notification id is not ahead of group tail",
			zap.Int32("notification_id", int32(notificationID)), zap.Int32("tail", int32(last)))
		return
	}
	if n := len(g.Pending); n > 0 && notificationID <= g.Pending[n-1].NotificationID {
		logger.Warn("notification id is not ahead of pending tail",
			zap.Int32("notification_id", int32(notificationID)))
		return
	}

	g.Pending = append(g.Pending, PendingNotification{
		Date:             date,
		SettingsDialogID: settingsDialogID,
		IsSilent:         isSilent,
		NotificationID:   notificationID,
		Type:             ntype,
	})
	g.TotalCount++

	m.scheduleFlush(g, settingsDialogID, minDelayMS)
	m.updateHaveFlags()
}

// scheduleFlush взводит (или приближает) таймер флаша группы.
// Таймер можно только приближать: более поздний дедлайн игнорируется.
func (m *Manager) scheduleFlush(g *Group, settingsDialogID api.DialogID, minDelayMS int32) {
	if g.FlushDeferred {
		// Гейт синхронизации активен: флаш перевзведётся после after_get_*.
		return
	}
	delay := m.notificationDelayMS(g, settingsDialogID, minDelayMS)
	flushAt := m.now().Add(time.Duration(delay) * time.Millisecond)
	if g.FlushTime.IsZero() || flushAt.Before(g.FlushTime) {
		g.FlushTime = flushAt
	}
	m.flushNotifTimers.SetIfEarlier(int64(g.Key.GroupID), g.FlushTime)
}

// notificationDelayMS — эффективная задержка доставки: максимум из запрошенной
// и «серверной свежести» диалога, кламп в [MinNotificationDelayMS, MaxUpdateDelayMS].
// Звонки не ждут облачных задержек: звонящий UI должен реагировать сразу.
func (m *Manager) notificationDelayMS(g *Group, settingsDialogID api.DialogID, minDelayMS int32) int32 {
	delay := minDelayMS
	if g.Type != api.GroupTypeCalls {
		fresh := m.serverFreshnessDelayMS(settingsDialogID)
		if fresh > delay {
			delay = fresh
		}
	}
	if delay < MinNotificationDelayMS {
		delay = MinNotificationDelayMS
	}
	if delay > MaxUpdateDelayMS {
		delay = MaxUpdateDelayMS
	}
	return delay
}

// serverFreshnessDelayMS: чат «недавно онлайн» получает облачную задержку
// (сервер ещё может доставить push туда), остальные — задержку по умолчанию.
func (m *Manager) serverFreshnessDelayMS(dialogID api.DialogID) int32 {
	online := m.obs.DialogOnlineTime(dialogID)
	if !online.IsZero() && m.now().Sub(online) <= time.Duration(m.onlineCloudTimeoutMS)*time.Millisecond {
		return int32(m.notificationCloudDelayMS)
	}
	return int32(m.notificationDefaultDelayMS)
}

// FlushPendingNotifications принудительно сбрасывает буфер одной группы.
func (m *Manager) FlushPendingNotifications(groupID api.NotificationGroupID) {
	m.post(func() { m.flushPendingNotifications(groupID) })
}

// flushPendingNotifications — флаш буфера: слияние, пере-ключ, апдейт.
func (m *Manager) flushPendingNotifications(groupID api.NotificationGroupID) {
	g := m.groups.get(groupID)
	if g == nil || m.destroyed {
		return
	}
	g.FlushTime = time.Time{}
	if len(g.Pending) == 0 {
		m.updateHaveFlags()
		return
	}
	if m.runningGetDifference || m.isChatDifferenceRunning(groupID) {
		// Дедлайн «в бесконечности»: буфер цел, перевзвод — после гейта.
		g.FlushDeferred = true
		m.flushNotifTimers.Cancel(int64(groupID))
		return
	}
	g.FlushDeferred = false

	sort.SliceStable(g.Pending, func(i, j int) bool {
		if g.Pending[i].Date != g.Pending[j].Date {
			return g.Pending[i].Date < g.Pending[j].Date
		}
		return g.Pending[i].NotificationID < g.Pending[j].NotificationID
	})

	wasActive := m.isGroupActive(g)
	prevVisible := m.visibleIDs(g)

	last := g.Pending[len(g.Pending)-1]
	settingsDialogID := last.SettingsDialogID
	isSilent := last.IsSilent

	for i := range g.Pending {
		p := g.Pending[i]
		g.Notifications = append(g.Notifications, api.Notification{
			ID:                  p.NotificationID,
			Date:                p.Date,
			DisableNotification: p.IsSilent,
			Type:                p.Type,
		})
	}
	g.Pending = nil

	// Окно keep: старейший хвост уходит молча, он ниже видимого окна.
	if over := len(g.Notifications) - m.keepGroupSize; over > 0 {
		g.Notifications = g.Notifications[over:]
	}

	// Если локальная история короче окна, а стор может знать больше — догрузить
	// до эмиссии следующих окон.
	if !g.LoadedFromStore && len(g.Notifications) < m.keepGroupSize && int(g.TotalCount) > len(g.Notifications) {
		m.requestStoreBackfill(g, m.keepGroupSize-len(g.Notifications))
	}

	newKey := g.Key
	if n := len(g.Notifications); n > 0 && g.Notifications[n-1].Date > newKey.LastNotificationDate {
		newKey.LastNotificationDate = g.Notifications[n-1].Date
	}
	m.rekeyWithActivation(g, newKey, wasActive, prevVisible, settingsDialogID, isSilent, false)

	m.persistGroup(g)
	m.updateHaveFlags()
}

// rekeyWithActivation атомарно меняет ключ группы и разыгрывает переходы через
// границу активного множества: вытесненный сосед получает remove-all строго
// раньше, чем новичок займёт его слот.
func (m *Manager) rekeyWithActivation(g *Group, newKey GroupKey, wasActive bool,
	prevVisible []api.NotificationID, settingsDialogID api.DialogID, isSilent, forceUpdate bool) {
	m.groups.rekey(g, newKey)
	nowActive := m.isGroupActive(g)

	switch {
	case nowActive && !wasActive:
		if m.groups.len() > m.groupCountMax {
			displaced := m.groups.at(m.groupCountMax)
			if displaced != g && displaced.Key.LastNotificationDate != 0 {
				m.sendRemoveGroupUpdate(displaced)
			}
		}
		m.queueAddGroupSnapshot(g, settingsDialogID, isSilent)
	case nowActive && wasActive:
		m.queueGroupDiff(g, prevVisible, settingsDialogID, isSilent, forceUpdate)
	case !nowActive && wasActive:
		m.sendRemoveGroupUpdate(g)
	default:
		// Инактив до и после: наблюдателю ничего не видно.
	}
}

// EditNotification заменяет полезную нагрузку уведомления.
func (m *Manager) EditNotification(groupID api.NotificationGroupID, notificationID api.NotificationID, ntype api.NotificationType) {
	m.post(func() {
		if m.destroyed || !groupID.IsValid() || !notificationID.IsValid() || ntype == nil {
			return
		}
		g := m.getGroupForce(groupID)
		if g == nil {
			return
		}
		for i := range g.Pending {
			if g.Pending[i].NotificationID == notificationID {
				g.Pending[i].Type = ntype
				return
			}
		}
		if i := g.findNotification(notificationID); i >= 0 {
			g.Notifications[i].Type = ntype
			if m.isGroupActive(g) && m.isVisible(g, notificationID) {
				m.queueUpdate(g.Key.GroupID, &api.UpdateNotification{
					GroupID:      g.Key.GroupID,
					Notification: g.Notifications[i],
				}, false, nil)
			}
		}
	})
}

// RemoveNotification убирает одно уведомление. is_permanent уменьшает
// total_count; непостоянное удаление лишь прячет запись до авторитетной
// синхронизации. force_update сбрасывает окно апдейтов немедленно.
func (m *Manager) RemoveNotification(groupID api.NotificationGroupID, notificationID api.NotificationID, isPermanent, forceUpdate bool) error {
	return m.callErr(func() error {
		return m.removeNotificationInternal(groupID, notificationID, isPermanent, forceUpdate)
	})
}

// removeNotificationInternal — тело удаления; вызывается и кольцом звонков.
func (m *Manager) removeNotificationInternal(groupID api.NotificationGroupID, notificationID api.NotificationID, isPermanent, forceUpdate bool) error {
	if m.destroyed {
		return ErrDestroyed
	}
	if !groupID.IsValid() || !notificationID.IsValid() {
		return errors.New("invalid notification identifier")
	}
	g := m.getGroupForce(groupID)
	if g == nil {
		return nil
	}

	// Уведомление ещё в буфере: наружу не уходило, апдейт не нужен.
	for i := range g.Pending {
		if g.Pending[i].NotificationID == notificationID {
			if isPermanent {
				g.Pending = append(g.Pending[:i], g.Pending[i+1:]...)
				g.TotalCount--
				m.maybeDestroyGroup(g)
			}
			// Непостоянное удаление пендинга проигрывает добавлению:
			// уведомление ещё не показано, прятать нечего.
			m.updateHaveFlags()
			return nil
		}
	}

	idx := g.findNotification(notificationID)
	if idx < 0 {
		// Незагруженная часть истории: правим только счётчик.
		if isPermanent && g.TotalCount > int32(len(g.Notifications)+len(g.Pending)) {
			g.TotalCount--
			if m.isGroupActive(g) {
				m.queueTotalsUpdate(g, forceUpdate)
			}
			m.persistGroup(g)
			m.maybeDestroyGroup(g)
		}
		return nil
	}

	wasVisible := m.isVisible(g, notificationID)
	prevVisible := m.visibleIDs(g)
	g.Notifications = append(g.Notifications[:idx], g.Notifications[idx+1:]...)
	if isPermanent {
		g.TotalCount--
	}
	if !g.LoadedFromStore && len(g.Notifications) < m.keepGroupSize && int(g.TotalCount) > len(g.Notifications) {
		m.requestStoreBackfill(g, m.keepGroupSize-len(g.Notifications))
	}
	if wasVisible && m.isGroupActive(g) {
		m.queueGroupDiffRemoval(g, prevVisible, []api.NotificationID{notificationID}, isPermanent, forceUpdate)
	}
	m.persistGroup(g)
	m.maybeDestroyGroup(g)
	m.updateHaveFlags()
	return nil
}

// RemoveNotificationGroup срезает группу до max_notification_id /
// max_message_id и выставляет новый total_count (при отрицательном total_count
// лишь уменьшается на число срезанных уведомлений).
func (m *Manager) RemoveNotificationGroup(groupID api.NotificationGroupID, maxNotificationID api.NotificationID,
	maxMessageID api.MessageID, newTotalCount int32, forceUpdate bool) error {
	return m.callErr(func() error {
		return m.removeNotificationGroupInternal(groupID, maxNotificationID, maxMessageID, newTotalCount, forceUpdate)
	})
}

// removeNotificationGroupInternal — тело среза группы; используется и
// обработчиком read-history пушей.
func (m *Manager) removeNotificationGroupInternal(groupID api.NotificationGroupID, maxNotificationID api.NotificationID,
	maxMessageID api.MessageID, newTotalCount int32, forceUpdate bool) error {
	if m.destroyed {
		return ErrDestroyed
	}
	if !groupID.IsValid() {
		return errors.New("invalid group identifier")
	}
	g := m.getGroupForce(groupID)
	if g == nil {
		return nil
	}

	cut := func(id api.NotificationID, t api.NotificationType) bool {
		if maxNotificationID.IsValid() && id <= maxNotificationID {
			return true
		}
		if maxMessageID.IsValid() {
			if mid := notificationMessageID(t); mid.IsValid() && mid <= maxMessageID {
				return true
			}
		}
		return false
	}

	kept := g.Pending[:0]
	for i := range g.Pending {
		if cut(g.Pending[i].NotificationID, g.Pending[i].Type) {
			g.TotalCount--
			continue
		}
		kept = append(kept, g.Pending[i])
	}
	g.Pending = kept

	prevVisible := m.visibleIDs(g)
	var removed []api.NotificationID
	keptN := g.Notifications[:0]
	for i := range g.Notifications {
		n := g.Notifications[i]
		if cut(n.ID, n.Type) {
			if m.containsID(prevVisible, n.ID) {
				removed = append(removed, n.ID)
			}
			continue
		}
		keptN = append(keptN, n)
	}
	dropped := len(g.Notifications) - len(keptN)
	g.Notifications = keptN
	if newTotalCount >= 0 {
		g.TotalCount = newTotalCount
	} else {
		g.TotalCount -= int32(dropped)
		if g.TotalCount < int32(len(g.Notifications)+len(g.Pending)) {
			g.TotalCount = int32(len(g.Notifications) + len(g.Pending))
		}
	}

	if !g.LoadedFromStore && len(g.Notifications) < m.keepGroupSize && int(g.TotalCount) > len(g.Notifications) {
		m.requestStoreBackfill(g, m.keepGroupSize-len(g.Notifications))
	}
	if (len(removed) > 0 || newTotalCount >= 0) && m.isGroupActive(g) {
		m.queueGroupDiffRemoval(g, prevVisible, removed, true, forceUpdate)
	}
	m.persistGroup(g)
	m.maybeDestroyGroup(g)
	m.updateHaveFlags()
	return nil
}

// SetNotificationTotalCount выставляет total_count группы извне (после
// серверной сверки количества).
func (m *Manager) SetNotificationTotalCount(groupID api.NotificationGroupID, newTotalCount int32) {
	m.post(func() {
		if m.destroyed || !groupID.IsValid() || newTotalCount < 0 {
			return
		}
		g := m.getGroupForce(groupID)
		if g == nil {
			return
		}
		floor := int32(len(g.Notifications) + len(g.Pending))
		if newTotalCount < floor {
			newTotalCount = floor
		}
		if newTotalCount == g.TotalCount {
			return
		}
		g.TotalCount = newTotalCount
		if m.isGroupActive(g) {
			m.queueTotalsUpdate(g, false)
		}
		m.persistGroup(g)
		m.maybeDestroyGroup(g)
		m.updateHaveFlags()
	})
}

// maybeDestroyGroup уничтожает осиротевшую группу. Последний апдейт группы
// должен уйти раньше, чем исчезнет её очередь.
func (m *Manager) maybeDestroyGroup(g *Group) {
	if !g.isEmpty() {
		return
	}
	if len(m.pendingUpdates[g.Key.GroupID]) > 0 {
		m.flushPendingUpdates(g.Key.GroupID, "destroy")
	}
	m.deleteGroup(g)
}

// FlushAllNotifications сбрасывает все буферы и все окна апдейтов немедленно.
func (m *Manager) FlushAllNotifications() {
	m.post(func() {
		if m.destroyed {
			return
		}
		for _, g := range m.groups.topK(m.groups.len()) {
			if len(g.Pending) > 0 {
				m.flushPendingNotifications(g.Key.GroupID)
			}
		}
		m.flushAllPendingUpdates("flush-all")
	})
}

// DestroyAllNotifications — терминальное уничтожение: активные группы получают
// remove-all, состояние и строки стора очищаются, дальнейший вход дропается.
func (m *Manager) DestroyAllNotifications() {
	m.post(func() {
		if m.destroyed {
			return
		}
		for _, g := range m.groups.topK(m.groupCountMax) {
			if g.Key.LastNotificationDate != 0 {
				m.sendRemoveGroupUpdate(g)
			}
		}
		for _, g := range m.groups.topK(m.groups.len()) {
			m.deleteGroup(g)
		}
		m.flushNotifTimers.CancelAll()
		m.flushUpdateTimers.CancelAll()
		m.pendingUpdates = make(map[api.NotificationGroupID][]queuedUpdate)
		m.saveAnnouncements()
		m.destroyed = true
		m.updateHaveFlags()
		logger.Info("all notifications destroyed")
	})
}

// visibleIDs — снимок идентификаторов видимого окна группы.
func (m *Manager) visibleIDs(g *Group) []api.NotificationID {
	vis := m.visibleWindow(g)
	out := make([]api.NotificationID, len(vis))
	for i := range vis {
		out[i] = vis[i].ID
	}
	return out
}

// visibleWindow — последние group_size_max уведомлений (витрина наблюдателя).
func (m *Manager) visibleWindow(g *Group) []api.Notification {
	n := len(g.Notifications)
	if n > m.groupSizeMax {
		return g.Notifications[n-m.groupSizeMax:]
	}
	return g.Notifications
}

// isVisible: входит ли уведомление в видимое окно.
func (m *Manager) isVisible(g *Group, id api.NotificationID) bool {
	for _, n := range m.visibleWindow(g) {
		if n.ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) containsID(ids []api.NotificationID, id api.NotificationID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
