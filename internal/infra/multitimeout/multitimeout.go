// Package multitimeout — один таймер на множество дедлайнов, ключованных int64.
// Вместо таймера на каждую группу уведомлений держим кучу (key, deadline) и один
// физический таймер до ближайшего срабатывания. Колбэк вызывается в фоновой
// горутине пакета; потребитель обязан сам перекинуть обработку на свой
// исполнитель, если ему нужна сериализация.
//
// Время берётся из clock.Clock, поэтому в тестах дедлайны прокручиваются
// симулятором без реального ожидания.

package multitimeout

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"telegram-notifications/internal/infra/clock"
	"telegram-notifications/internal/infra/logger"
)

// Callback вызывается для каждого ключа, чей дедлайн наступил.
type Callback func(key int64)

// entry — элемент кучи: ключ, его дедлайн и позиция в куче для heap.Fix.
type entry struct {
	key   int64
	at    time.Time
	index int
}

// deadlineHeap — min-куча по времени дедлайна.
type deadlineHeap []*entry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// MultiTimeout управляет набором дедлайнов с одним активным таймером.
// Структура потокобезопасна; Start/Stop идемпотентны.
type MultiTimeout struct {
	name string
	clk  clock.Clock
	cb   Callback

	mu      sync.Mutex
	heap    deadlineHeap
	byKey   map[int64]*entry
	wake    chan struct{} // будит цикл после изменения ближайшего дедлайна

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт планировщик с именем (для логов), источником времени и колбэком.
func New(name string, clk clock.Clock, cb Callback) *MultiTimeout {
	if clk == nil {
		clk = clock.System
	}
	return &MultiTimeout{
		name:  name,
		clk:   clk,
		cb:    cb,
		byKey: make(map[int64]*entry),
		wake:  make(chan struct{}, 1),
	}
}

// Start поднимает фоновую горутину цикла срабатываний. Повторные вызовы
// безопасно игнорируются; nil-контекст означает «не запускать».
func (m *MultiTimeout) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx)
	}()
}

// Stop останавливает цикл и дожидается его завершения. Накопленные дедлайны
// не вызываются: остановка означает, что таймеры больше никому не нужны.
func (m *MultiTimeout) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// Set назначает или переносит дедлайн ключа. Политику «только приближать»
// при необходимости обеспечивает вызывающий через Get.
func (m *MultiTimeout) Set(key int64, at time.Time) {
	m.mu.Lock()
	if e, ok := m.byKey[key]; ok {
		e.at = at
		heap.Fix(&m.heap, e.index)
	} else {
		e := &entry{key: key, at: at}
		m.byKey[key] = e
		heap.Push(&m.heap, e)
	}
	m.mu.Unlock()
	m.kick()
}

// SetIfEarlier переносит дедлайн только если новый строго раньше текущего.
// Отсутствующий ключ просто добавляется.
func (m *MultiTimeout) SetIfEarlier(key int64, at time.Time) {
	m.mu.Lock()
	if e, ok := m.byKey[key]; ok {
		if !at.Before(e.at) {
			m.mu.Unlock()
			return
		}
		e.at = at
		heap.Fix(&m.heap, e.index)
	} else {
		e := &entry{key: key, at: at}
		m.byKey[key] = e
		heap.Push(&m.heap, e)
	}
	m.mu.Unlock()
	m.kick()
}

// Cancel снимает дедлайн ключа; отсутствие ключа — норма.
func (m *MultiTimeout) Cancel(key int64) {
	m.mu.Lock()
	if e, ok := m.byKey[key]; ok {
		heap.Remove(&m.heap, e.index)
		delete(m.byKey, key)
	}
	m.mu.Unlock()
	m.kick()
}

// CancelAll снимает все дедлайны разом (используется при destroy).
func (m *MultiTimeout) CancelAll() {
	m.mu.Lock()
	m.heap = m.heap[:0]
	m.byKey = make(map[int64]*entry)
	m.mu.Unlock()
	m.kick()
}

// Has сообщает, назначен ли дедлайн для ключа.
func (m *MultiTimeout) Has(key int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byKey[key]
	return ok
}

// Get возвращает текущий дедлайн ключа.
func (m *MultiTimeout) Get(key int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byKey[key]; ok {
		return e.at, true
	}
	return time.Time{}, false
}

// kick будит цикл без блокировки: буфер 1 гарантирует, что сигнал не потеряется.
func (m *MultiTimeout) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run — основной цикл: снимает созревшие ключи, спит до ближайшего дедлайна,
// просыпается по wake при изменении кучи.
func (m *MultiTimeout) run(ctx context.Context) {
	for {
		due := m.popDue()
		for _, key := range due {
			m.cb(key)
		}
		if len(due) > 0 {
			// Могли созреть ещё ключи, пока выполнялись колбэки.
			continue
		}

		var (
			timer  clock.Timer
			waitCh <-chan time.Time
		)
		m.mu.Lock()
		if len(m.heap) > 0 {
			d := m.heap[0].at.Sub(m.clk.Now())
			if d < 0 {
				d = 0
			}
			timer = m.clk.Timer(d)
			waitCh = timer.C()
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Debugf("multitimeout %s: stopped", m.name)
			return
		case <-m.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-waitCh:
		}
	}
}

// popDue забирает из кучи все ключи с дедлайном <= now.
func (m *MultiTimeout) popDue() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var due []int64
	for len(m.heap) > 0 && !m.heap[0].at.After(now) {
		e := heap.Pop(&m.heap).(*entry)
		delete(m.byKey, e.key)
		due = append(due, e.key)
	}
	return due
}
