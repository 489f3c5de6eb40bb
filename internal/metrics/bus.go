// Package metrics holds the Prometheus instruments for every component.
// Each bundle is a singleton behind sync.Once so tests and repeated
// constructors never trip duplicate registration.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusMetrics instruments the event bus.
type BusMetrics struct {
	PublishedTotal  *prometheus.CounterVec
	DeliveredTotal  *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec
	DuplicatesTotal *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
}

var (
	busMetricsInstance *BusMetrics
	busMetricsOnce     sync.Once
)

// Bus returns the singleton bus metrics bundle.
func Bus() *BusMetrics {
	busMetricsOnce.Do(func() {
		busMetricsInstance = &BusMetrics{
			PublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_bus_published_total",
				Help: "Events accepted for delivery, by topic",
			}, []string{"topic"}),
			DeliveredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_bus_delivered_total",
				Help: "Events handed to a subscriber handler",
			}, []string{"topic", "subscriber"}),
			DroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_bus_dropped_total",
				Help: "Events dropped by overflow policy",
			}, []string{"topic", "subscriber", "reason"}),
			DuplicatesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_bus_duplicates_total",
				Help: "Events suppressed by the idempotency cache",
			}, []string{"topic", "subscriber"}),
			HandlerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_bus_handler_failures_total",
				Help: "Handler invocations that returned an error after retries",
			}, []string{"topic", "subscriber"}),
			RetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_bus_handler_retries_total",
				Help: "Handler retry attempts",
			}, []string{"topic", "subscriber"}),
			QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tradeplane_bus_queue_depth",
				Help: "Pending events in a subscriber queue",
			}, []string{"topic", "subscriber"}),
		}
	})
	return busMetricsInstance
}
