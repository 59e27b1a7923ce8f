package workers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestPool() *Pool {
	return NewPool(zerolog.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPeriodicWorkerTicks(t *testing.T) {
	pool := newTestPool()
	defer pool.StopAll()

	var ticks atomic.Int32
	pool.NewWorker(10*time.Millisecond, func(*Worker) bool {
		ticks.Add(1)
		return true
	}, "ticker", false, nil)

	waitFor(t, time.Second, func() bool { return ticks.Load() >= 3 })
}

func TestWorkerStopsWhenFnReturnsFalse(t *testing.T) {
	pool := newTestPool()
	defer pool.StopAll()

	var ticks atomic.Int32
	pool.NewWorker(5*time.Millisecond, func(*Worker) bool {
		return ticks.Add(1) < 2
	}, "selfstop", false, nil)

	waitFor(t, time.Second, func() bool { return pool.Count() == 0 })
	if got := ticks.Load(); got != 2 {
		t.Fatalf("expected 2 ticks, got %d", got)
	}
}

func TestActorFiresOnce(t *testing.T) {
	pool := newTestPool()
	defer pool.StopAll()

	var fired atomic.Int32
	pool.NewActor(func(*Worker) bool {
		fired.Add(1)
		return false
	}, 5*time.Millisecond, "oneshot", nil)

	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
	waitFor(t, time.Second, func() bool { return pool.Count() == 0 })
}

func TestStopWorkersByGlob(t *testing.T) {
	pool := newTestPool()
	defer pool.StopAll()

	for _, name := range []string{"crsPeriodic_a", "crsPeriodic_b", "other"} {
		pool.NewWorker(time.Hour, func(*Worker) bool { return true }, name, true, nil)
	}
	if got := pool.StopWorkers("crsPeriodic_*"); got != 2 {
		t.Fatalf("stopped %d workers, want 2", got)
	}
	waitFor(t, time.Second, func() bool { return pool.Count() == 1 })

	found := pool.FindWorkers("*")
	if len(found) != 1 || found[0].Name != "other" {
		t.Fatalf("unexpected survivors: %v", found)
	}
}

func TestWorkerDataAccumulation(t *testing.T) {
	pool := newTestPool()
	defer pool.StopAll()

	w := pool.NewWorker(time.Hour, func(*Worker) bool { return true }, "window", true, nil)
	if !w.AppendUnique("sur1") {
		t.Fatal("first append rejected")
	}
	if w.AppendUnique("sur1") {
		t.Fatal("duplicate append accepted")
	}
	w.AppendUnique("sur2")

	if got := w.DataLen(); got != 2 {
		t.Fatalf("DataLen = %d, want 2", got)
	}
	data := w.TakeData()
	if len(data) != 2 || data[0] != "sur1" || data[1] != "sur2" {
		t.Fatalf("TakeData = %v", data)
	}
	if w.DataLen() != 0 {
		t.Fatal("TakeData did not clear")
	}
}

func TestActorSeedData(t *testing.T) {
	pool := newTestPool()
	defer pool.StopAll()

	got := make(chan []string, 1)
	pool.NewActor(func(w *Worker) bool {
		got <- w.TakeData()
		return false
	}, 5*time.Millisecond, "seeded", []string{"first"})

	select {
	case data := <-got:
		if len(data) != 1 || data[0] != "first" {
			t.Fatalf("seed data = %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("actor did not fire")
	}
}

func TestStopAllWaits(t *testing.T) {
	pool := newTestPool()
	for i := 0; i < 5; i++ {
		pool.NewWorker(time.Millisecond, func(*Worker) bool { return true }, "w", false, nil)
	}
	pool.StopAll()
	if pool.Count() != 0 {
		t.Fatalf("workers alive after StopAll: %d", pool.Count())
	}
}
