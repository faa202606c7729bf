// Кодек строк уведомлений: тегированный JSON для вариантного типа нагрузки.
package kv

import (
	"encoding/json"

	"github.com/go-faster/errors"

	"telegram-notifications/internal/domain/notify/api"
)

// Теги вариантов нагрузки в персистентной строке.
const (
	kindNewMessage     = "new_message"
	kindNewSecretChat  = "new_secret_chat"
	kindNewCall        = "new_call"
	kindNewPushMessage = "new_push_message"
)

// notifRow — плоская сериализуемая форма api.Notification.
type notifRow struct {
	ID     int32  `json:"id"`
	Date   int32  `json:"date"`
	Silent bool   `json:"silent,omitempty"`
	Kind   string `json:"kind"`

	MessageID  int64    `json:"message_id,omitempty"`
	CallID     int64    `json:"call_id,omitempty"`
	SenderID   int64    `json:"sender_id,omitempty"`
	SenderName string   `json:"sender_name,omitempty"`
	Key        string   `json:"key,omitempty"`
	Args       []string `json:"args,omitempty"`
}

func encodeNotification(n api.Notification) ([]byte, error) {
	row := notifRow{
		ID:     int32(n.ID),
		Date:   n.Date,
		Silent: n.DisableNotification,
	}
	switch t := n.Type.(type) {
	case api.TypeNewMessage:
		row.Kind = kindNewMessage
		row.MessageID = int64(t.MessageID)
	case api.TypeNewSecretChat:
		row.Kind = kindNewSecretChat
	case api.TypeNewCall:
		row.Kind = kindNewCall
		row.CallID = int64(t.CallID)
	case api.TypeNewPushMessage:
		row.Kind = kindNewPushMessage
		row.MessageID = int64(t.MessageID)
		row.SenderID = t.SenderID
		row.SenderName = t.SenderName
		row.Key = t.Key
		row.Args = t.Args
	default:
		return nil, errors.Errorf("kv: unsupported notification type %T", n.Type)
	}
	return json.Marshal(row)
}

func decodeNotification(data []byte) (api.Notification, error) {
	var row notifRow
	if err := json.Unmarshal(data, &row); err != nil {
		return api.Notification{}, errors.Wrap(err, "kv: unmarshal notification")
	}
	n := api.Notification{
		ID:                  api.NotificationID(row.ID),
		Date:                row.Date,
		DisableNotification: row.Silent,
	}
	switch row.Kind {
	case kindNewMessage:
		n.Type = api.TypeNewMessage{MessageID: api.MessageID(row.MessageID)}
	case kindNewSecretChat:
		n.Type = api.TypeNewSecretChat{}
	case kindNewCall:
		n.Type = api.TypeNewCall{CallID: api.CallID(row.CallID)}
	case kindNewPushMessage:
		n.Type = api.TypeNewPushMessage{
			MessageID:  api.MessageID(row.MessageID),
			SenderID:   row.SenderID,
			SenderName: row.SenderName,
			Key:        row.Key,
			Args:       row.Args,
		}
	default:
		return api.Notification{}, errors.Errorf("kv: unknown notification kind %q", row.Kind)
	}
	return n, nil
}
