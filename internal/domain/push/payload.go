package push

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// ErrUnknownLocKey — нераспознанный loc_key. Терпимая ошибка: вызывающий
// логирует и ничего не делает, пуш не считается повреждённым.
var ErrUnknownLocKey = errors.New("push: unknown loc_key")

// Action — каноническое действие пуша после convert_loc_key.
type Action int

const (
	// ActionMessage — сообщение любого вида; подробности в Key/Args.
	ActionMessage Action = iota + 1
	// ActionSecretChat — входящий секретный чат.
	ActionSecretChat
	// ActionReadHistory — прочитан вход до max_id; уведомления снимаются.
	ActionReadHistory
	// ActionMessagesDeleted — сообщения удалены; снять соответствующие уведомления.
	ActionMessagesDeleted
	// ActionContactJoined — контакт зарегистрировался.
	ActionContactJoined
	// ActionAnnouncement — сервисный анонс; дедуплицируется по announcement id.
	ActionAnnouncement
	// ActionIgnored — распознан, но намеренно ничего не делает (например, MESSAGE_MUTED).
	ActionIgnored
)

// Custom — побочные поля пейлоада ("custom"). Telegram шлёт числа строками,
// поэтому разбор терпит оба представления.
type Custom struct {
	MsgID          int64
	FromID         int64
	ChatID         int64
	ChannelID      int64
	RandomID       int64
	MaxID          int64 // для read-inbox/delete: верхняя граница
	Messages       []int64
	AnnouncementID int32
	EditDate       int32
	Mention        bool
	Silent         bool
}

// Payload — разобранный пуш-пейлоад (после расшифровки, если она была).
type Payload struct {
	LocKey  string
	LocArgs []string
	Date    int32
	UserID  int64
	Custom  Custom
}

// DialogID выводит идентификатор диалога-источника по custom-полям:
// канал > чат > отправитель. Форматы соответствуют соглашению Bot API
// (каналы — с префиксом -100, чаты — отрицательные).
func (p *Payload) DialogID() int64 {
	switch {
	case p.Custom.ChannelID != 0:
		return -1000000000000 - p.Custom.ChannelID
	case p.Custom.ChatID != 0:
		return -p.Custom.ChatID
	case p.Custom.FromID != 0:
		return p.Custom.FromID
	default:
		return 0
	}
}

// Parse разбирает внутренний JSON пуша. Ошибки формата — InvalidPayload;
// классификация loc_key происходит отдельно, в ConvertLocKey.
func Parse(payload string) (*Payload, error) {
	out := &Payload{}
	d := jx.DecodeStr(payload)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "loc_key":
			v, err := d.Str()
			if err != nil {
				return err
			}
			out.LocKey = v
		case "loc_args":
			return d.Arr(func(d *jx.Decoder) error {
				v, err := d.Str()
				if err != nil {
					return err
				}
				out.LocArgs = append(out.LocArgs, v)
				return nil
			})
		case "date":
			v, err := flexInt64(d)
			if err != nil {
				return err
			}
			out.Date = int32(v)
		case "user_id":
			v, err := flexInt64(d)
			if err != nil {
				return err
			}
			out.UserID = v
		case "custom":
			return parseCustom(d, &out.Custom)
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, "parse push json")
	}
	if out.LocKey == "" {
		return nil, errors.Wrap(ErrInvalidPayload, "empty loc_key")
	}
	return out, nil
}

// parseCustom читает вложенный объект "custom".
func parseCustom(d *jx.Decoder, c *Custom) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "msg_id":
			return setFlexInt64(d, &c.MsgID)
		case "from_id":
			return setFlexInt64(d, &c.FromID)
		case "chat_id":
			return setFlexInt64(d, &c.ChatID)
		case "channel_id":
			return setFlexInt64(d, &c.ChannelID)
		case "random_id":
			return setFlexInt64(d, &c.RandomID)
		case "max_id":
			return setFlexInt64(d, &c.MaxID)
		case "messages":
			// Список удалённых сообщений приходит строкой "1,2,3" либо массивом.
			switch d.Next() {
			case jx.String:
				s, err := d.Str()
				if err != nil {
					return err
				}
				for _, part := range strings.Split(s, ",") {
					n, convErr := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
					if convErr != nil {
						continue
					}
					c.Messages = append(c.Messages, n)
				}
				return nil
			case jx.Array:
				return d.Arr(func(d *jx.Decoder) error {
					n, err := flexInt64(d)
					if err != nil {
						return err
					}
					c.Messages = append(c.Messages, n)
					return nil
				})
			default:
				return d.Skip()
			}
		case "announcement":
			var v int64
			if err := setFlexInt64(d, &v); err != nil {
				return err
			}
			c.AnnouncementID = int32(v)
		case "edit_date":
			var v int64
			if err := setFlexInt64(d, &v); err != nil {
				return err
			}
			c.EditDate = int32(v)
		case "mention":
			return setFlexBool(d, &c.Mention)
		case "silent":
			return setFlexBool(d, &c.Silent)
		default:
			return d.Skip()
		}
		return nil
	})
}

// flexInt64 принимает число в виде JSON-числа или строки.
func flexInt64(d *jx.Decoder) (int64, error) {
	switch d.Next() {
	case jx.Number:
		return d.Int64()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	default:
		return 0, errors.New("expected number or string")
	}
}

func setFlexInt64(d *jx.Decoder, dst *int64) error {
	v, err := flexInt64(d)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// setFlexBool принимает bool, а также "1"/"0" и числа, как шлёт сервер.
func setFlexBool(d *jx.Decoder, dst *bool) error {
	switch d.Next() {
	case jx.Bool:
		v, err := d.Bool()
		if err != nil {
			return err
		}
		*dst = v
	case jx.Number:
		v, err := d.Int64()
		if err != nil {
			return err
		}
		*dst = v != 0
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return err
		}
		*dst = s == "1" || strings.EqualFold(s, "true")
	default:
		return d.Skip()
	}
	return nil
}

// messageLocKeys — известные виды сообщений; значение true помечает ключи,
// у которых первый loc_arg — имя отправителя.
var messageLocKeys = map[string]bool{
	"MESSAGE_TEXT":       true,
	"MESSAGE_NOTEXT":     true,
	"MESSAGE_PHOTO":      true,
	"MESSAGE_VIDEO":      true,
	"MESSAGE_DOC":        true,
	"MESSAGE_AUDIO":      true,
	"MESSAGE_VOICE_NOTE": true,
	"MESSAGE_VIDEO_NOTE": true,
	"MESSAGE_STICKER":    true,
	"MESSAGE_GIF":        true,
	"MESSAGE_CONTACT":    true,
	"MESSAGE_GEO":        true,
	"MESSAGE_GEOLIVE":    true,
	"MESSAGE_POLL":       true,
	"MESSAGE_QUIZ":       true,
	"MESSAGE_GAME":       true,
	"MESSAGE_INVOICE":    true,
	"MESSAGE_FWDS":       true,
	"MESSAGE_PINNED":     true,
	"MESSAGES":           true,
}

// ConvertLocKey приводит сетевой loc_key к каноническому действию и
// нормализованному тегу схемы. CHAT_/CHANNEL_-префиксы сводятся к базовой
// форме: позиционная привязка loc_args у них совпадает со сдвигом на чат.
func ConvertLocKey(locKey string) (Action, string, error) {
	key := strings.TrimPrefix(locKey, "CHANNEL_")
	key = strings.TrimPrefix(key, "CHAT_")
	if strings.HasPrefix(key, "PINNED_") {
		key = "MESSAGE_PINNED"
	}

	switch {
	case messageLocKeys[key]:
		return ActionMessage, key, nil
	case key == "ENCRYPTED_MESSAGE", key == "ENCRYPTION_REQUEST", key == "ENCRYPTION_ACCEPT":
		return ActionSecretChat, "NEW_SECRET_CHAT", nil
	case key == "READ_HISTORY":
		return ActionReadHistory, key, nil
	case key == "MESSAGE_DELETED":
		return ActionMessagesDeleted, key, nil
	case key == "CONTACT_JOINED":
		return ActionContactJoined, key, nil
	case key == "MESSAGE_ANNOUNCEMENT":
		return ActionAnnouncement, key, nil
	case key == "MESSAGE_MUTED", key == "SESSION_REVOKE", key == "DC_UPDATE":
		return ActionIgnored, key, nil
	default:
		return 0, "", errors.Wrapf(ErrUnknownLocKey, "%q", locKey)
	}
}
