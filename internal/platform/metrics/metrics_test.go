package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/store"
	"github.com/onem2m/cse/internal/platform/workers"
)

// newTestCollector declares the CSE events in foreground mode so counter
// assertions stay deterministic.
func newTestCollector(t *testing.T) (*Collector, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.New(store.NewMemoryBinding(), 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bus := events.NewBus(zerolog.Nop())
	for _, name := range []string{
		events.CreateLocalResource, events.UpdateLocalResource,
		events.DeleteLocalResource, events.Notification,
	} {
		bus.AddEvent(name, false)
	}
	return NewCollector(st, bus, zerolog.Nop()), st, bus
}

func newPool(t *testing.T) *workers.Pool {
	t.Helper()
	pool := workers.NewPool(zerolog.Nop())
	t.Cleanup(pool.StopAll)
	return pool
}

func TestCountersFollowEvents(t *testing.T) {
	c, _, bus := newTestCollector(t)

	bus.Fire(events.CreateLocalResource)
	bus.Fire(events.CreateLocalResource)
	bus.Fire(events.DeleteLocalResource)
	bus.Fire(events.Notification)

	if c.created.Load() != 2 || c.deleted.Load() != 1 || c.notifications.Load() != 1 {
		t.Fatalf("counters = %d/%d/%d", c.created.Load(), c.deleted.Load(), c.notifications.Load())
	}
}

func TestPersistAndRestore(t *testing.T) {
	c, st, bus := newTestCollector(t)
	bus.Fire(events.CreateLocalResource)
	bus.Fire(events.UpdateLocalResource)
	c.persist()

	doc, err := st.Statistics()
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if int64Of(doc[keyResourcesCreated]) != 1 || int64Of(doc[keyResourcesUpdated]) != 1 {
		t.Fatalf("persisted = %v", doc)
	}

	// A fresh collector over the same store restores the counters.
	fresh := NewCollector(st, events.NewBus(zerolog.Nop()), zerolog.Nop())
	if fresh.created.Load() != 1 || fresh.updated.Load() != 1 {
		t.Fatalf("restored = %d/%d", fresh.created.Load(), fresh.updated.Load())
	}
}

func TestPrometheusHandlerExposesGauges(t *testing.T) {
	c, _, bus := newTestCollector(t)
	bus.Fire(events.CreateLocalResource)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "cse_resources_created_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
	if !strings.Contains(body, "cse_resources 0") {
		t.Fatalf("metrics body missing gauge:\n%s", body)
	}
}

func TestShutdownPersists(t *testing.T) {
	c, st, bus := newTestCollector(t)
	bus.Fire(events.Notification)

	pool := newPool(t)
	c.Start(pool, time.Hour)
	c.Shutdown(pool)

	doc, err := st.Statistics()
	if err != nil || int64Of(doc[keyNotificationsSent]) != 1 {
		t.Fatalf("shutdown persist = %v, %v", doc, err)
	}
}
