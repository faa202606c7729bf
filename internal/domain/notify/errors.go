// Ошибки менеджера уведомлений. Разделение по судьбе: WrongReceiver и
// InvalidPayload всплывают к вызывающему через промис операции; UnknownLocKey
// и StoreUnavailable гасятся локально (лог + no-op или «группа пуста до
// ретрая»); Destroyed — терминальное состояние, все последующие входящие
// операции молча отбрасываются.
package notify

import (
	"github.com/go-faster/errors"

	"telegram-notifications/internal/domain/push"
)

var (
	// ErrWrongReceiver — пуш адресован другому аккаунту.
	ErrWrongReceiver = push.ErrWrongReceiver
	// ErrInvalidPayload — пейлоад не разобрался или не расшифровался.
	ErrInvalidPayload = push.ErrInvalidPayload
	// ErrUnknownLocKey — нераспознанное действие пуша; терпимо, no-op.
	ErrUnknownLocKey = push.ErrUnknownLocKey
	// ErrStoreUnavailable — чтение персистентного стора не удалось;
	// группа считается пустой до следующего допуска ретрая.
	ErrStoreUnavailable = errors.New("notify: store unavailable")
	// ErrDestroyed — менеджер получил destroy_all_notifications и мёртв.
	ErrDestroyed = errors.New("notify: destroyed")
)
