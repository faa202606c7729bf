// Package api — типы, которыми менеджер уведомлений обменивается с наблюдателем
// (UI-мостом) и владельцем. Формы исходящих апдейтов зафиксированы для
// совместимости с существующими клиентами, поэтому живут отдельно от
// внутреннего состояния менеджера.
package api

import "strconv"

// NotificationID — плотный положительный идентификатор уведомления.
// Монотонно растёт в пределах процесса и никогда не переиспользуется.
type NotificationID int32

// IsValid: нулевое значение зарезервировано под «нет уведомления».
func (id NotificationID) IsValid() bool { return id > 0 }

func (id NotificationID) String() string { return strconv.Itoa(int(id)) }

// NotificationGroupID — положительный идентификатор группы. Может вернуться
// в пул аллокатора, если ни один апдейт с ним не был отдан наружу.
type NotificationGroupID int32

func (id NotificationGroupID) IsValid() bool { return id > 0 }

func (id NotificationGroupID) String() string { return strconv.Itoa(int(id)) }

// DialogID — идентификатор диалога-источника (личка, чат, канал).
type DialogID int64

func (id DialogID) IsValid() bool { return id != 0 }

// MessageID — идентификатор сообщения внутри диалога.
type MessageID int64

func (id MessageID) IsValid() bool { return id > 0 }

// CallID — идентификатор звонка из подсистемы звонков.
type CallID int64

// NotificationGroupType — витринный тип группы уведомлений.
type NotificationGroupType int32

const (
	GroupTypeMessages NotificationGroupType = iota + 1
	GroupTypeMentions
	GroupTypeSecretChat
	GroupTypeCalls
)

func (t NotificationGroupType) String() string {
	switch t {
	case GroupTypeMessages:
		return "Messages"
	case GroupTypeMentions:
		return "Mentions"
	case GroupTypeSecretChat:
		return "SecretChat"
	case GroupTypeCalls:
		return "Calls"
	default:
		return "Unknown"
	}
}

// NotificationType — тегированный вариант полезной нагрузки уведомления.
// IsTemporary выделяет провизорные уведомления, синтезированные из пушей:
// их вытесняет авторитетная синхронизация.
type NotificationType interface {
	NotificationTypeName() string
	IsTemporary() bool
}

// TypeNewMessage — уведомление о новом сообщении, с ссылкой на сообщение
// для последующей сверки с основным путём синхронизации.
type TypeNewMessage struct {
	MessageID MessageID
}

func (TypeNewMessage) NotificationTypeName() string { return "NewMessage" }
func (TypeNewMessage) IsTemporary() bool            { return false }

// TypeNewSecretChat — уведомление о входящем секретном чате.
type TypeNewSecretChat struct{}

func (TypeNewSecretChat) NotificationTypeName() string { return "NewSecretChat" }
func (TypeNewSecretChat) IsTemporary() bool            { return false }

// TypeNewCall — уведомление о входящем звонке.
type TypeNewCall struct {
	CallID CallID
}

func (TypeNewCall) NotificationTypeName() string { return "NewCall" }
func (TypeNewCall) IsTemporary() bool            { return false }

// TypeNewPushMessage — провизорное сообщение, собранное из пуш-пейлоада.
// Несёт только отображаемые поля; авторитетные данные придут позже от сервера.
type TypeNewPushMessage struct {
	MessageID  MessageID
	SenderID   int64
	SenderName string
	Key        string   // канонический тег действия (после convert_loc_key)
	Args       []string // позиционные аргументы шаблона
}

func (TypeNewPushMessage) NotificationTypeName() string { return "NewPushMessage" }
func (TypeNewPushMessage) IsTemporary() bool            { return true }

// Notification — единица витрины: что показывать и в каком порядке.
// Date задаёт порядок внутри группы (по возрастанию), ничьи разрешает ID.
type Notification struct {
	ID                  NotificationID
	Date                int32
	DisableNotification bool
	Type                NotificationType
}
