// Package clock — индирекция времени для подсистем с таймерами.
// Все дедлайны менеджера уведомлений считаются относительно Clock, что
// позволяет в тестах подменять время на симулятор (gotd/neo) и проверять
// тайминговые сценарии детерминированно, без time.Sleep.
package clock

import "time"

// Clock выдаёт текущее время и таймеры. Контракт повторяет минимальный
// набор, который нужен менеджеру: монотонное Now и одноразовый таймер.
type Clock interface {
	Now() time.Time
	Timer(d time.Duration) Timer
}

// Timer — одноразовый таймер. Семантика Reset/Stop совпадает с time.Timer,
// канал доступен через метод, чтобы интерфейс могли реализовать симуляторы.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop() bool
}

// System — Clock поверх пакета time. Используется во всех продакшен-путях.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Timer(d time.Duration) Timer {
	return systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) C() <-chan time.Time  { return s.t.C }
func (s systemTimer) Reset(d time.Duration) { s.t.Reset(d) }
func (s systemTimer) Stop() bool           { return s.t.Stop() }
