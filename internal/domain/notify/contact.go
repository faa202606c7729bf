// Синхронизация серверной настройки «отключить уведомления о регистрации
// контактов»: трёхфазный переключатель NotSynced -> Pending -> Completed.
// Локальная смена значения запускает серверную запись; неудача возвращает
// состояние в NotSynced и повторяется с экспоненциальной паузой.
package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"telegram-notifications/internal/infra/logger"
)

// contactSyncState — фаза сверки настройки с сервером.
type contactSyncState int32

const (
	contactNotSynced contactSyncState = iota
	contactPending
	contactCompleted
)

// contactWriteTimeout ограничивает одну попытку серверной записи.
const contactWriteTimeout = 10 * time.Second

// loadContactRegisteredState восстанавливает фазу по персистентному флагу:
// совпадение с эффективным значением — Completed, иначе сверка нужна заново.
func (m *Manager) loadContactRegisteredState() {
	stored, ok, err := m.store.LoadContactRegisteredFlag()
	if err != nil {
		logger.Warn("failed to load contact-registered flag", zap.Error(err))
		m.contactState = contactNotSynced
		return
	}
	if ok && stored == m.contactDisabled {
		m.contactState = contactCompleted
	} else {
		m.contactState = contactNotSynced
	}
}

// GetDisableContactRegisteredNotifications — текущее эффективное значение.
func (m *Manager) GetDisableContactRegisteredNotifications() bool {
	res := make(chan bool, 1)
	m.post(func() { res <- m.contactDisabled })
	select {
	case v := <-res:
		return v
	case <-m.stopped:
		return false
	}
}

// SetDisableContactRegisteredNotifications меняет локальное значение и
// запускает сверку с сервером.
func (m *Manager) SetDisableContactRegisteredNotifications(disabled bool) {
	m.post(func() {
		if m.destroyed {
			return
		}
		if m.contactDisabled == disabled && m.contactState == contactCompleted {
			return
		}
		m.contactDisabled = disabled
		m.runContactRegisteredSync()
	})
}

// OnDisableContactRegisteredNotificationsChanged перезапускает сверку после
// внешней смены настройки (например, с другого устройства).
func (m *Manager) OnDisableContactRegisteredNotificationsChanged() {
	m.post(func() {
		if m.destroyed || m.contactState == contactPending {
			return
		}
		m.contactState = contactNotSynced
		m.runContactRegisteredSync()
	})
}

// runContactRegisteredSync переводит фазу в Pending и уходит в серверную
// запись на отдельной горутине; результат возвращается на исполнитель.
func (m *Manager) runContactRegisteredSync() {
	if m.contactState == contactPending {
		return
	}
	m.contactState = contactPending
	disabled := m.contactDisabled

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), contactWriteTimeout)
		defer cancel()
		err := m.obs.WriteContactRegisteredDisabled(ctx, disabled)
		m.post(func() { m.onContactRegisteredSync(disabled, err) })
	}()
}

// onContactRegisteredSync — завершение серверной записи на исполнителе.
func (m *Manager) onContactRegisteredSync(disabled bool, err error) {
	if m.destroyed {
		return
	}
	if m.contactDisabled != disabled {
		// Значение сменилось, пока шла запись: результат устарел, сверяем заново.
		m.contactState = contactNotSynced
		m.runContactRegisteredSync()
		return
	}
	if err != nil {
		m.contactState = contactNotSynced
		delay := m.contactRetryDelay()
		logger.Warn("contact-registered sync failed, will retry",
			zap.Error(err), zap.Duration("retry_in", delay))
		m.scheduleContactRetry(disabled, delay)
		return
	}

	m.contactState = contactCompleted
	m.contactBackoff = nil
	if saveErr := m.store.SaveContactRegisteredFlag(disabled); saveErr != nil {
		logger.Warn("failed to persist contact-registered flag", zap.Error(saveErr))
	}
}

// contactRetryDelay выдаёт следующую паузу ретрая (экспоненциальный backoff).
func (m *Manager) contactRetryDelay() time.Duration {
	if m.contactBackoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 5 * time.Minute
		b.MaxElapsedTime = 0 // ретраим, пока живы
		m.contactBackoff = b
	}
	return m.contactBackoff.NextBackOff()
}

// scheduleContactRetry перезапускает сверку спустя delay, если значение
// всё ещё требует записи.
func (m *Manager) scheduleContactRetry(disabled bool, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := m.clk.Timer(delay)
		defer t.Stop()
		select {
		case <-t.C():
		case <-m.stopped:
			return
		}
		m.post(func() {
			if m.destroyed || m.contactState != contactNotSynced || m.contactDisabled != disabled {
				return
			}
			m.runContactRegisteredSync()
		})
	}()
}
