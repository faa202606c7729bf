package multitimeout_test

import (
	"context"
	"testing"
	"time"

	"telegram-notifications/internal/infra/clock"
	"telegram-notifications/internal/infra/multitimeout"
)

// recvKey ждёт срабатывание ключа с реальным таймаутом, чтобы тест не завис.
func recvKey(t *testing.T, ch <-chan int64) int64 {
	t.Helper()
	select {
	case k := <-ch:
		return k
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout callback")
		return 0
	}
}

func expectQuiet(t *testing.T, ch <-chan int64) {
	t.Helper()
	select {
	case k := <-ch:
		t.Fatalf("unexpected callback for key %d", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	sim := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	fired := make(chan int64, 16)
	mt := multitimeout.New("test", sim, func(k int64) { fired <- k })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mt.Start(ctx)
	defer mt.Stop()

	now := sim.Now()
	mt.Set(1, now.Add(100*time.Millisecond))
	mt.Set(2, now.Add(50*time.Millisecond))

	sim.Travel(60 * time.Millisecond)
	if k := recvKey(t, fired); k != 2 {
		t.Fatalf("first fired key = %d, want 2", k)
	}
	expectQuiet(t, fired)

	sim.Travel(50 * time.Millisecond)
	if k := recvKey(t, fired); k != 1 {
		t.Fatalf("second fired key = %d, want 1", k)
	}
}

func TestSetIfEarlierNeverPostpones(t *testing.T) {
	t.Parallel()

	sim := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	fired := make(chan int64, 16)
	mt := multitimeout.New("test", sim, func(k int64) { fired <- k })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mt.Start(ctx)
	defer mt.Stop()

	now := sim.Now()
	mt.SetIfEarlier(7, now.Add(100*time.Millisecond))
	// Более поздний дедлайн не должен отодвинуть срабатывание.
	mt.SetIfEarlier(7, now.Add(500*time.Millisecond))

	if at, ok := mt.Get(7); !ok || !at.Equal(now.Add(100*time.Millisecond)) {
		t.Fatalf("deadline = %v ok=%v, want %v", at, ok, now.Add(100*time.Millisecond))
	}

	sim.Travel(120 * time.Millisecond)
	if k := recvKey(t, fired); k != 7 {
		t.Fatalf("fired key = %d, want 7", k)
	}

	// Более ранний дедлайн — приближает.
	now = sim.Now()
	mt.SetIfEarlier(8, now.Add(300*time.Millisecond))
	mt.SetIfEarlier(8, now.Add(30*time.Millisecond))
	sim.Travel(40 * time.Millisecond)
	if k := recvKey(t, fired); k != 8 {
		t.Fatalf("fired key = %d, want 8", k)
	}
}

func TestCancelRemovesDeadline(t *testing.T) {
	t.Parallel()

	sim := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	fired := make(chan int64, 16)
	mt := multitimeout.New("test", sim, func(k int64) { fired <- k })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mt.Start(ctx)
	defer mt.Stop()

	now := sim.Now()
	mt.Set(1, now.Add(50*time.Millisecond))
	mt.Set(2, now.Add(60*time.Millisecond))
	mt.Cancel(1)
	if mt.Has(1) {
		t.Fatal("key 1 still has a deadline after Cancel")
	}

	sim.Travel(100 * time.Millisecond)
	if k := recvKey(t, fired); k != 2 {
		t.Fatalf("fired key = %d, want 2", k)
	}
	expectQuiet(t, fired)
}

func TestFirePastDeadlineImmediately(t *testing.T) {
	t.Parallel()

	sim := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	fired := make(chan int64, 16)
	mt := multitimeout.New("test", sim, func(k int64) { fired <- k })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mt.Start(ctx)
	defer mt.Stop()

	// Дедлайн в прошлом срабатывает сразу, без движения времени.
	mt.Set(3, sim.Now().Add(-time.Millisecond))
	if k := recvKey(t, fired); k != 3 {
		t.Fatalf("fired key = %d, want 3", k)
	}
}
