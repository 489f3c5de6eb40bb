package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RouterMetrics instruments the log ingest router.
type RouterMetrics struct {
	RecordsTotal     *prometheus.CounterVec
	SinkFlushTotal   *prometheus.CounterVec
	SinkBatchSize    prometheus.Histogram
	RetryQueueDepth  prometheus.Gauge
	DeadLettersTotal prometheus.Counter
	SampleRate       *prometheus.GaugeVec
	InFlight         prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
}

var (
	routerMetricsInstance *RouterMetrics
	routerMetricsOnce     sync.Once
)

// Router returns the singleton router metrics bundle.
func Router() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		routerMetricsInstance = &RouterMetrics{
			RecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_router_records_total",
				Help: "Log records by routing decision",
			}, []string{"decision"}),
			SinkFlushTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_router_sink_flush_total",
				Help: "Batch flushes per sink and outcome",
			}, []string{"sink", "outcome"}),
			SinkBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "tradeplane_router_sink_batch_size",
				Help:    "Records per flushed batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			}),
			RetryQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradeplane_router_retry_queue_depth",
				Help: "Batches waiting for sink retry",
			}),
			DeadLettersTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_router_dead_letters_total",
				Help: "Batches spooled to the dead-letter file",
			}),
			SampleRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tradeplane_router_sample_rate",
				Help: "Effective sampling rate per level",
			}, []string{"level"}),
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradeplane_router_in_flight",
				Help: "Records currently inside the routing pipeline",
			}),
			BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tradeplane_router_breaker_state",
				Help: "Sink circuit breaker state (0 closed, 1 half-open, 2 open)",
			}, []string{"sink"}),
		}
	})
	return routerMetricsInstance
}
