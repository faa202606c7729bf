// Обработка пуш-пейлоадов: расшифровка конверта, маршрутизация по действию и
// синтез провизорного уведомления, которое позже заместит авторитетная
// синхронизация. Обработчик идемпотентен: повтор любого пейлоада не меняет
// итоговое наблюдаемое состояние.
package notify

import (
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/domain/push"
	"telegram-notifications/internal/infra/logger"
)

// pushMinDelayMS — минимальная запрошенная задержка для пуш-уведомлений:
// пуш уже «запоздал» относительно события, дополнительная пауза не нужна.
const pushMinDelayMS = MinNotificationDelayMS

// ProcessPushNotification принимает сырой пейлоад пуша (возможно,
// зашифрованный) и применяет его эффект. WrongReceiver и InvalidPayload
// всплывают к вызывающему; нераспознанный loc_key — терпимый no-op.
func (m *Manager) ProcessPushNotification(payload string) error {
	return m.callErr(func() error {
		if m.destroyed {
			return ErrDestroyed
		}
		return m.processPushNotification(payload)
	})
}

func (m *Manager) processPushNotification(payload string) error {
	receiver, err := push.GetPushReceiverID(payload)
	if err != nil {
		return err
	}
	if receiver != 0 && m.pushReceiverID != 0 && receiver != m.pushReceiverID {
		return errors.Wrapf(ErrWrongReceiver, "payload for %d, account %d", receiver, m.pushReceiverID)
	}

	inner := payload
	if len(m.pushEncryptionKey) > 0 && receiver != 0 {
		inner, err = push.DecryptPush(m.pushEncryptionKeyID, m.pushEncryptionKey, payload)
		if err != nil {
			return err
		}
	}

	p, err := push.Parse(inner)
	if err != nil {
		return err
	}
	action, key, err := push.ConvertLocKey(p.LocKey)
	if err != nil {
		// Неизвестное действие терпимо: лог и no-op, пуш не считается сбоем.
		logger.Warn("unknown push loc_key", zap.String("loc_key", p.LocKey))
		return nil
	}

	switch action {
	case push.ActionMessage:
		return m.processMessagePush(p, key, api.GroupTypeMessages)
	case push.ActionSecretChat:
		return m.processSecretChatPush(p)
	case push.ActionReadHistory:
		m.processReadHistoryPush(p)
		return nil
	case push.ActionMessagesDeleted:
		m.processDeletedMessagesPush(p)
		return nil
	case push.ActionContactJoined:
		if m.contactDisabled {
			return nil
		}
		return m.processMessagePush(p, key, api.GroupTypeMessages)
	case push.ActionAnnouncement:
		return m.processAnnouncementPush(p, key)
	case push.ActionIgnored:
		return nil
	default:
		return nil
	}
}

// pushDate — дата события из пейлоада; пуш без даты датируется приёмом.
func (m *Manager) pushDate(p *push.Payload) int32 {
	if p.Date != 0 {
		return p.Date
	}
	return int32(m.now().Unix())
}

// dialogMessageGroupID находит или выделяет message-группу диалога.
func (m *Manager) dialogMessageGroupID(dialogID api.DialogID) api.NotificationGroupID {
	if id, ok := m.dialogGroups[dialogID]; ok {
		return id
	}
	id := m.ids.nextGroupID()
	m.dialogGroups[dialogID] = id
	return id
}

// processMessagePush синтезирует провизорное NewPushMessage-уведомление.
// Дубликат (то же сообщение в том же диалоге) молча игнорируется — это и
// есть идемпотентность повторов.
func (m *Manager) processMessagePush(p *push.Payload, key string, groupType api.NotificationGroupType) error {
	dialogID := api.DialogID(p.DialogID())
	if !dialogID.IsValid() {
		return errors.Wrap(ErrInvalidPayload, "push without dialog")
	}
	messageID := api.MessageID(p.Custom.MsgID)
	if !messageID.IsValid() {
		return errors.Wrap(ErrInvalidPayload, "push without message id")
	}
	if p.Custom.Mention {
		groupType = api.GroupTypeMentions
	}

	groupID := m.dialogMessageGroupID(dialogID)
	if g := m.getGroupForce(groupID); g != nil && m.groupHasMessage(g, messageID) {
		return nil
	}

	var senderName string
	if len(p.LocArgs) > 0 {
		senderName = p.LocArgs[0]
	}
	ntype := api.TypeNewPushMessage{
		MessageID:  messageID,
		SenderID:   p.Custom.FromID,
		SenderName: senderName,
		Key:        key,
		Args:       p.LocArgs,
	}
	m.addNotification(groupID, groupType, dialogID, m.pushDate(p), dialogID, p.Custom.Silent,
		pushMinDelayMS, m.ids.nextNotificationID(), ntype)
	return nil
}

// groupHasMessage: есть ли в группе уведомление с такой ссылкой на сообщение.
func (m *Manager) groupHasMessage(g *Group, messageID api.MessageID) bool {
	for i := range g.Notifications {
		if notificationMessageID(g.Notifications[i].Type) == messageID {
			return true
		}
	}
	for i := range g.Pending {
		if notificationMessageID(g.Pending[i].Type) == messageID {
			return true
		}
	}
	return false
}

// processSecretChatPush — входящий секретный чат: одно не-провизорное
// уведомление в группе SecretChat диалога.
func (m *Manager) processSecretChatPush(p *push.Payload) error {
	dialogID := api.DialogID(p.DialogID())
	if !dialogID.IsValid() {
		return errors.Wrap(ErrInvalidPayload, "secret chat push without dialog")
	}
	groupID := m.dialogMessageGroupID(dialogID)
	if g := m.getGroup(groupID); g != nil {
		// Секретный чат анонсируется единожды.
		for i := range g.Notifications {
			if _, ok := g.Notifications[i].Type.(api.TypeNewSecretChat); ok {
				return nil
			}
		}
		for i := range g.Pending {
			if _, ok := g.Pending[i].Type.(api.TypeNewSecretChat); ok {
				return nil
			}
		}
	}
	m.addNotification(groupID, api.GroupTypeSecretChat, dialogID, m.pushDate(p), dialogID, false,
		pushMinDelayMS, m.ids.nextNotificationID(), api.TypeNewSecretChat{})
	return nil
}

// processReadHistoryPush снимает уведомления диалога до max_id включительно.
func (m *Manager) processReadHistoryPush(p *push.Payload) {
	dialogID := api.DialogID(p.DialogID())
	groupID, ok := m.dialogGroups[dialogID]
	if !ok {
		return
	}
	maxID := api.MessageID(p.Custom.MaxID)
	if !maxID.IsValid() {
		return
	}
	if err := m.removeNotificationGroupInternal(groupID, 0, maxID, -1, false); err != nil {
		logger.Warn("read-history push failed", zap.Error(err))
	}
}

// processDeletedMessagesPush убирает уведомления конкретных сообщений.
func (m *Manager) processDeletedMessagesPush(p *push.Payload) {
	dialogID := api.DialogID(p.DialogID())
	groupID, ok := m.dialogGroups[dialogID]
	if !ok {
		return
	}
	g := m.getGroupForce(groupID)
	if g == nil {
		return
	}
	for _, raw := range p.Custom.Messages {
		messageID := api.MessageID(raw)
		for i := range g.Notifications {
			if notificationMessageID(g.Notifications[i].Type) == messageID {
				if err := m.removeNotificationInternal(groupID, g.Notifications[i].ID, true, false); err != nil {
					logger.Warn("delete-messages push failed", zap.Error(err))
				}
				break
			}
		}
	}
}

// processAnnouncementPush — сервисный анонс; дедуплицируется по announcement id
// через персистентную таблицу с TTL.
func (m *Manager) processAnnouncementPush(p *push.Payload, key string) error {
	annID := p.Custom.AnnouncementID
	if annID == 0 {
		return errors.Wrap(ErrInvalidPayload, "announcement without id")
	}
	nowUnix := int32(m.now().Unix())
	if seen, ok := m.announcements[annID]; ok && nowUnix-seen < int32(AnnouncementIDCacheTime.Seconds()) {
		return nil
	}
	m.announcements[annID] = nowUnix
	m.saveAnnouncements()

	dialogID := api.DialogID(p.Custom.FromID)
	if !dialogID.IsValid() {
		dialogID = api.DialogID(p.UserID)
	}
	if !dialogID.IsValid() {
		return errors.Wrap(ErrInvalidPayload, "announcement without source dialog")
	}
	groupID := m.dialogMessageGroupID(dialogID)
	ntype := api.TypeNewPushMessage{
		MessageID:  api.MessageID(annID),
		SenderName: "Telegram",
		Key:        key,
		Args:       p.LocArgs,
	}
	m.addNotification(groupID, api.GroupTypeMessages, dialogID, m.pushDate(p), dialogID, false,
		pushMinDelayMS, m.ids.nextNotificationID(), ntype)
	return nil
}

// saveAnnouncements сохраняет таблицу анонсов, отбрасывая просроченные записи.
func (m *Manager) saveAnnouncements() {
	nowUnix := int32(m.now().Unix())
	ttl := int32(AnnouncementIDCacheTime.Seconds())
	for id, seen := range m.announcements {
		if nowUnix-seen >= ttl {
			delete(m.announcements, id)
		}
	}
	if err := m.store.SaveAnnouncements(m.announcements); err != nil {
		logger.Warn("failed to save announcement table", zap.Error(err))
	}
}
