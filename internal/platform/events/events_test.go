package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBus() *Bus {
	return NewBus(zerolog.Nop())
}

func TestForegroundHandlersRunInOrder(t *testing.T) {
	bus := newTestBus()
	bus.AddEvent("seq", false)

	var order []int
	bus.AddHandler("seq", func(...any) { order = append(order, 1) })
	bus.AddHandler("seq", func(...any) { order = append(order, 2) })
	bus.Fire("seq")

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("handlers ran out of order: %v", order)
	}
}

func TestBackgroundHandlersRun(t *testing.T) {
	bus := newTestBus()
	bus.AddEvent("bg", true)

	var count atomic.Int32
	bus.AddHandler("bg", func(...any) { count.Add(1) })
	bus.AddHandler("bg", func(...any) { count.Add(1) })
	bus.Fire("bg")

	deadline := time.Now().Add(time.Second)
	for count.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("background handlers did not run, count=%d", count.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	bus := newTestBus()
	bus.AddEvent("panicky", false)

	ran := false
	bus.AddHandler("panicky", func(...any) { panic("boom") })
	bus.AddHandler("panicky", func(...any) { ran = true })
	bus.Fire("panicky")

	if !ran {
		t.Fatal("second handler did not run after sibling panic")
	}
}

func TestRemoveHandler(t *testing.T) {
	bus := newTestBus()
	bus.AddEvent("ev", false)

	fired := false
	id := bus.AddHandler("ev", func(...any) { fired = true })
	bus.RemoveHandler("ev", id)
	bus.Fire("ev")

	if fired {
		t.Fatal("removed handler fired")
	}
}

func TestEventArgsArePassed(t *testing.T) {
	bus := newTestBus()
	bus.AddEvent("args", false)

	var got string
	bus.AddHandler("args", func(args ...any) {
		if len(args) == 1 {
			got, _ = args[0].(string)
		}
	})
	bus.Fire("args", "hello")

	if got != "hello" {
		t.Fatalf("args not passed, got %q", got)
	}
}

func TestFireAfterShutdownIsDropped(t *testing.T) {
	bus := newTestBus()
	bus.AddEvent("ev", false)

	fired := false
	bus.AddHandler("ev", func(...any) { fired = true })
	bus.Shutdown()
	bus.Fire("ev")

	if fired {
		t.Fatal("event fired after shutdown")
	}
}

func TestFireUndeclaredEventIsNoop(t *testing.T) {
	bus := newTestBus()
	bus.Fire("nothing-declared")
}
