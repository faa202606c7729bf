// Эмиттер исходящих апдейтов: батчинг на окно задержки, коалесинг
// add/edit/remove внутри окна и согласованный порядок доставки при смене
// активного множества.
package notify

import (
	"sort"
	"time"

	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/logger"
)

// queuedUpdate — апдейт в пер-групповой очереди эмиттера. seq задаёт
// каузальный порядок между группами при массовом сбросе.
type queuedUpdate struct {
	seq       uint64
	upd       api.Update
	permanent bool // удаления в этом апдейте постоянные (выигрывают у добавлений)
	totals    bool // апдейт несёт только смену total_count
}

// queueUpdate ставит апдейт в очередь группы и взводит окно доставки.
// force сбрасывает окно немедленно.
func (m *Manager) queueUpdate(groupID api.NotificationGroupID, upd api.Update, force bool, opts *queuedUpdate) {
	q := queuedUpdate{upd: upd}
	if opts != nil {
		q.permanent = opts.permanent
		q.totals = opts.totals
	}
	m.updateSeq++
	q.seq = m.updateSeq
	m.pendingUpdates[groupID] = append(m.pendingUpdates[groupID], q)

	if force {
		m.flushPendingUpdates(groupID, "force")
		return
	}
	delay := time.Duration(MinUpdateDelayMS) * time.Millisecond
	if m.runningGetDifference || m.isChatDifferenceRunning(groupID) {
		delay = time.Duration(MaxUpdateDelayMS) * time.Millisecond
	}
	m.flushUpdateTimers.SetIfEarlier(int64(groupID), m.now().Add(delay))
	m.updateHaveFlags()
}

// groupHeader снимает витринные поля группы для заголовка апдейта.
func groupHeader(g *Group, settingsDialogID api.DialogID, isSilent bool) *api.UpdateNotificationGroup {
	if !settingsDialogID.IsValid() {
		settingsDialogID = g.Key.DialogID
	}
	return &api.UpdateNotificationGroup{
		GroupID:                    g.Key.GroupID,
		Type:                       g.Type,
		ChatID:                     g.Key.DialogID,
		NotificationSettingsChatID: settingsDialogID,
		IsSilent:                   isSilent,
		TotalCount:                 g.TotalCount,
	}
}

// queueAddGroupSnapshot — группа вошла в активное множество: наблюдатель
// получает её видимое окно целиком.
func (m *Manager) queueAddGroupSnapshot(g *Group, settingsDialogID api.DialogID, isSilent bool) {
	upd := groupHeader(g, settingsDialogID, isSilent)
	upd.AddedNotifications = append(upd.AddedNotifications, m.visibleWindow(g)...)
	m.queueUpdate(g.Key.GroupID, upd, false, nil)
}

// queueGroupDiff — активная группа изменилась: добавленное и исчезнувшее
// относительно прежнего видимого окна.
func (m *Manager) queueGroupDiff(g *Group, prevVisible []api.NotificationID,
	settingsDialogID api.DialogID, isSilent, force bool) {
	upd := groupHeader(g, settingsDialogID, isSilent)
	for _, n := range m.visibleWindow(g) {
		if !m.containsID(prevVisible, n.ID) {
			upd.AddedNotifications = append(upd.AddedNotifications, n)
		}
	}
	for _, id := range prevVisible {
		if !m.isVisible(g, id) {
			upd.RemovedNotificationIDs = append(upd.RemovedNotificationIDs, id)
		}
	}
	if len(upd.AddedNotifications) == 0 && len(upd.RemovedNotificationIDs) == 0 {
		return
	}
	m.queueUpdate(g.Key.GroupID, upd, force, nil)
}

// queueGroupDiffRemoval — явные удаления плюс возможный подъезд истории в
// окно. permanent прокидывается в коалесинг: постоянное удаление гасит
// добавление того же id внутри окна, непостоянное — проигрывает ему.
func (m *Manager) queueGroupDiffRemoval(g *Group, prevVisible, removed []api.NotificationID, permanent, force bool) {
	upd := groupHeader(g, 0, true)
	upd.RemovedNotificationIDs = append(upd.RemovedNotificationIDs, removed...)
	for _, n := range m.visibleWindow(g) {
		if !m.containsID(prevVisible, n.ID) {
			upd.AddedNotifications = append(upd.AddedNotifications, n)
		}
	}
	m.queueUpdate(g.Key.GroupID, upd, force, &queuedUpdate{permanent: permanent})
}

// queueTotalsUpdate — изменился только total_count.
func (m *Manager) queueTotalsUpdate(g *Group, force bool) {
	m.queueUpdate(g.Key.GroupID, groupHeader(g, 0, true), force, &queuedUpdate{totals: true})
}

// sendRemoveGroupUpdate — группа покидает витрину: синтетический remove-all.
// Сбрасывается форсированно, чтобы уйти раньше апдейта группы-преемника.
func (m *Manager) sendRemoveGroupUpdate(g *Group) {
	upd := groupHeader(g, 0, true)
	upd.TotalCount = 0
	upd.RemovedNotificationIDs = append(upd.RemovedNotificationIDs, m.visibleIDs(g)...)
	if len(upd.RemovedNotificationIDs) == 0 {
		return
	}
	m.queueUpdate(g.Key.GroupID, upd, true, nil)
}

// flushPendingUpdates сливает очередь апдейтов группы в минимальную
// последовательность и доставляет наблюдателю. Идущий difference откладывает
// доставку до конца окна максимальной задержки.
func (m *Manager) flushPendingUpdates(groupID api.NotificationGroupID, source string) {
	queue := m.pendingUpdates[groupID]
	if len(queue) == 0 {
		return
	}
	if m.runningGetDifference || m.isChatDifferenceRunning(groupID) {
		m.flushUpdateTimers.Set(int64(groupID), m.now().Add(time.Duration(MaxUpdateDelayMS)*time.Millisecond))
		return
	}
	delete(m.pendingUpdates, groupID)
	m.flushUpdateTimers.Cancel(int64(groupID))

	for _, upd := range m.coalesceUpdates(queue) {
		m.obs.EmitUpdate(upd)
	}
	m.ids.markGroupEmitted(groupID)
	logger.Debugf("flushed updates for group %d (%s)", groupID, source)
	m.updateHaveFlags()
}

// coalesceUpdates сворачивает окно апдейтов одной группы:
//   - add, затем remove того же id: при постоянном удалении гасятся оба,
//     иначе выигрывает add;
//   - add, затем edit: схлопывается в один add с новой нагрузкой;
//   - удаления чужих id не переупорядочиваются вокруг добавлений.
func (m *Manager) coalesceUpdates(queue []queuedUpdate) []api.Update {
	var (
		header     *api.UpdateNotificationGroup
		addedOrder []api.NotificationID
		added      = make(map[api.NotificationID]api.Notification)
		removed    []api.NotificationID
		anyTotals  bool
		edits      []*api.UpdateNotification
	)

	dropAdded := func(id api.NotificationID) {
		delete(added, id)
		for i, v := range addedOrder {
			if v == id {
				addedOrder = append(addedOrder[:i], addedOrder[i+1:]...)
				break
			}
		}
	}

	for _, q := range queue {
		switch u := q.upd.(type) {
		case *api.UpdateNotificationGroup:
			header = u
			if q.totals {
				anyTotals = true
			}
			for _, r := range u.RemovedNotificationIDs {
				if _, ok := added[r]; ok {
					if q.permanent {
						dropAdded(r)
					}
					// Непостоянное удаление внутри окна проигрывает добавлению.
					continue
				}
				if !m.containsID(removed, r) {
					removed = append(removed, r)
				}
			}
			for _, n := range u.AddedNotifications {
				if _, ok := added[n.ID]; !ok {
					addedOrder = append(addedOrder, n.ID)
				}
				added[n.ID] = n
			}
		case *api.UpdateNotification:
			if _, ok := added[u.Notification.ID]; ok {
				added[u.Notification.ID] = u.Notification
				continue
			}
			edits = append(edits, u)
		default:
			// Прочие формы не батчатся per-group и сюда не попадают.
		}
	}

	var out []api.Update
	if header != nil && (len(addedOrder) > 0 || len(removed) > 0 || anyTotals) {
		final := *header
		final.AddedNotifications = make([]api.Notification, 0, len(addedOrder))
		for _, id := range addedOrder {
			final.AddedNotifications = append(final.AddedNotifications, added[id])
		}
		final.RemovedNotificationIDs = removed
		out = append(out, &final)
	}
	for _, e := range edits {
		out = append(out, e)
	}
	return out
}

// flushAllPendingUpdates сбрасывает очереди всех групп в каузальном порядке
// (по seq первого апдейта очереди). Группы под пер-чатовым гейтом
// перенесутся сами.
func (m *Manager) flushAllPendingUpdates(source string) {
	type headSeq struct {
		groupID api.NotificationGroupID
		seq     uint64
	}
	heads := make([]headSeq, 0, len(m.pendingUpdates))
	for id, queue := range m.pendingUpdates {
		if len(queue) > 0 {
			heads = append(heads, headSeq{groupID: id, seq: queue[0].seq})
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].seq < heads[j].seq })
	for _, h := range heads {
		m.flushPendingUpdates(h.groupID, source)
	}
}

// GetCurrentState — снимок для переподписки наблюдателя: одна
// updateActiveNotifications со всеми активными группами (без пендинга),
// плюс текущее updateHavePendingNotifications, если есть что ждать.
func (m *Manager) GetCurrentState() []api.Update {
	res := make(chan []api.Update, 1)
	m.post(func() {
		var out []api.Update
		if m.destroyed {
			res <- out
			return
		}
		snapshot := &api.UpdateActiveNotifications{}
		for _, g := range m.groups.topK(m.groupCountMax) {
			if g.Key.LastNotificationDate == 0 {
				continue
			}
			vis := m.visibleWindow(g)
			ag := api.ActiveGroup{
				GroupID:    g.Key.GroupID,
				Type:       g.Type,
				ChatID:     g.Key.DialogID,
				TotalCount: g.TotalCount,
			}
			ag.Notifications = append(ag.Notifications, vis...)
			snapshot.Groups = append(snapshot.Groups, ag)
			m.ids.markGroupEmitted(g.Key.GroupID)
		}
		if len(snapshot.Groups) > 0 {
			out = append(out, snapshot)
		}
		if m.haveDelayed || m.haveUnreceived {
			out = append(out, &api.UpdateHavePendingNotifications{
				HaveDelayed:    m.haveDelayed,
				HaveUnreceived: m.haveUnreceived,
			})
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

// updateHaveFlags пересчитывает have_delayed / have_unreceived и эмитит
// updateHavePendingNotifications на каждом переходе.
func (m *Manager) updateHaveFlags() {
	delayed := false
	unreceived := false
	if !m.destroyed {
		for i := 0; i < m.groups.len(); i++ {
			g := m.groups.at(i)
			if len(g.Pending) > 0 {
				delayed = true
			}
			if !unreceived && g.temporaryTotalCount() > 0 {
				unreceived = true
			}
			if delayed && unreceived {
				break
			}
		}
		if !delayed && len(m.pendingUpdates) > 0 {
			delayed = true
		}
	}

	if delayed == m.haveDelayed && unreceived == m.haveUnreceived {
		return
	}
	m.haveDelayed = delayed
	m.haveUnreceived = unreceived
	if !m.haveEmitted && !delayed && !unreceived {
		return
	}
	m.haveEmitted = true
	m.obs.EmitUpdate(&api.UpdateHavePendingNotifications{
		HaveDelayed:    delayed,
		HaveUnreceived: unreceived,
	})
}
