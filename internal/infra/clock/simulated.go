package clock

// Симулятор времени поверх gotd/neo. Живёт в обычном (не _test) файле,
// потому что используется тестами нескольких пакетов.

import (
	"time"

	"github.com/gotd/neo"
)

// Simulated — Clock поверх виртуального времени neo.Time. Методы Travel/TravelTo
// наследуются от neo и двигают время вперёд, взводя созданные таймеры.
type Simulated struct {
	*neo.Time
}

// NewSimulated создаёт симулятор, стартующий с момента now.
func NewSimulated(now time.Time) *Simulated {
	return &Simulated{Time: neo.NewTime(now)}
}

// Timer создаёт виртуальный таймер; сработает, когда Travel перешагнёт его дедлайн.
func (s *Simulated) Timer(d time.Duration) Timer {
	return simTimer{t: s.Time.Timer(d)}
}

type simTimer struct {
	t neo.Timer
}

func (s simTimer) C() <-chan time.Time   { return s.t.C() }
func (s simTimer) Reset(d time.Duration) { s.t.Reset(d) }
func (s simTimer) Stop() bool            { return s.t.Stop() }
