// Package metrics collects the CSE statistics: counters for resource and
// notification activity, exported in prometheus format and persisted through
// the store's statistics table so they survive restarts.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/platform/events"
	"github.com/onem2m/cse/internal/platform/store"
	"github.com/onem2m/cse/internal/platform/workers"
)

// Statistics document keys.
const (
	keyResourcesCreated  = "rcr"
	keyResourcesUpdated  = "rup"
	keyResourcesDeleted  = "rde"
	keyNotificationsSent = "ntf"
)

// Collector tracks CSE activity counters.
type Collector struct {
	created       atomic.Int64
	updated       atomic.Int64
	deleted       atomic.Int64
	notifications atomic.Int64

	st       *store.Store
	registry *prometheus.Registry
	log      zerolog.Logger
}

// NewCollector creates the collector, restores persisted counters and
// attaches the event handlers.
func NewCollector(st *store.Store, bus *events.Bus, log zerolog.Logger) *Collector {
	c := &Collector{
		st:       st,
		registry: prometheus.NewRegistry(),
		log:      log.With().Str("component", "metrics").Logger(),
	}
	c.restore()

	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cse_resources_created_total",
			Help: "Resources created since first start.",
		}, func() float64 { return float64(c.created.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cse_resources_updated_total",
			Help: "Resources updated since first start.",
		}, func() float64 { return float64(c.updated.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cse_resources_deleted_total",
			Help: "Resources deleted since first start.",
		}, func() float64 { return float64(c.deleted.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cse_notifications_sent_total",
			Help: "Notifications sent since first start.",
		}, func() float64 { return float64(c.notifications.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cse_resources",
			Help: "Resources currently stored.",
		}, func() float64 {
			n, err := st.CountResources()
			if err != nil {
				return 0
			}
			return float64(n)
		}),
	)

	bus.AddHandler(events.CreateLocalResource, func(...any) { c.created.Add(1) })
	bus.AddHandler(events.UpdateLocalResource, func(...any) { c.updated.Add(1) })
	bus.AddHandler(events.DeleteLocalResource, func(...any) { c.deleted.Add(1) })
	bus.AddHandler(events.Notification, func(...any) { c.notifications.Add(1) })
	return c
}

// Start schedules the periodic persistence of the statistics document.
func (c *Collector) Start(pool *workers.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	pool.NewWorker(interval, func(_ *workers.Worker) bool {
		c.persist()
		return true
	}, "statisticsWorker", true, nil)
}

// Shutdown persists the counters one final time.
func (c *Collector) Shutdown(pool *workers.Pool) {
	pool.StopWorkers("statisticsWorker")
	c.persist()
}

// Handler returns the prometheus scrape handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) restore() {
	doc, err := c.st.Statistics()
	if err != nil {
		return
	}
	c.created.Store(int64Of(doc[keyResourcesCreated]))
	c.updated.Store(int64Of(doc[keyResourcesUpdated]))
	c.deleted.Store(int64Of(doc[keyResourcesDeleted]))
	c.notifications.Store(int64Of(doc[keyNotificationsSent]))
}

func (c *Collector) persist() {
	doc := store.Document{
		keyResourcesCreated:  c.created.Load(),
		keyResourcesUpdated:  c.updated.Load(),
		keyResourcesDeleted:  c.deleted.Load(),
		keyNotificationsSent: c.notifications.Load(),
	}
	if err := c.st.UpsertStatistics(doc); err != nil {
		c.log.Warn().Err(err).Msg("cannot persist statistics")
	}
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
