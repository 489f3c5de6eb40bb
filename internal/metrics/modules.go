package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DecisionMetrics instruments the decision modules that classify inputs
// into discrete outcomes (balancer, guardrail, drawdown, dialog, pacing).
type DecisionMetrics struct {
	DrawdownPct           prometheus.Gauge
	PeakEquity            prometheus.Gauge
	RecommendationsTotal  *prometheus.CounterVec
	GuardrailBundlesTotal *prometheus.CounterVec
	GuardrailDropsTotal   prometheus.Counter
	IntentsTotal          *prometheus.CounterVec
	PacingFactor          prometheus.Gauge
	PacingPlansTotal      prometheus.Counter
	DialogSessionsTotal   *prometheus.CounterVec
	RebalanceLegsTotal    *prometheus.CounterVec
	ExplainCardsTotal     prometheus.Counter
}

var (
	decisionMetricsInstance *DecisionMetrics
	decisionMetricsOnce     sync.Once
)

// Decisions returns the singleton decision-module metrics bundle.
func Decisions() *DecisionMetrics {
	decisionMetricsOnce.Do(func() {
		decisionMetricsInstance = &DecisionMetrics{
			DrawdownPct: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradeplane_drawdown_current_pct",
				Help: "Current drawdown from peak equity, percent",
			}),
			PeakEquity: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradeplane_drawdown_peak_equity",
				Help: "Peak equity watermark",
			}),
			RecommendationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_governance_recommendations_total",
				Help: "Risk governance recommendations by level",
			}, []string{"level"}),
			GuardrailBundlesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_guardrail_bundles_total",
				Help: "Action bundles processed by resulting mode",
			}, []string{"mode"}),
			GuardrailDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_guardrail_children_dropped_total",
				Help: "Action children removed by guardrail rules",
			}),
			IntentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_balancer_intents_total",
				Help: "Execution intents by balancer outcome",
			}, []string{"outcome"}),
			PacingFactor: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradeplane_pacing_factor",
				Help: "Latest composite pacing factor",
			}),
			PacingPlansTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_pacing_plans_total",
				Help: "Pacing plans emitted",
			}),
			DialogSessionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_dialog_sessions_total",
				Help: "Operator dialog sessions by outcome",
			}, []string{"outcome"}),
			RebalanceLegsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_allocator_legs_total",
				Help: "Spot rebalance legs generated by side",
			}, []string{"side"}),
			ExplainCardsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_explain_cards_total",
				Help: "Explainability cards built",
			}),
		}
	})
	return decisionMetricsInstance
}

// ObservabilityMetrics instruments telemetry detection, redaction, endpoint
// probing and the external mirrors.
type ObservabilityMetrics struct {
	PointsEvaluated   prometheus.Counter
	AnomaliesTotal    *prometheus.CounterVec
	SuppressedTotal   prometheus.Counter
	RedactRequests    prometheus.Counter
	EntitiesTotal     *prometheus.CounterVec
	FalsePositives    prometheus.Counter
	TruncatedTotal    prometheus.Counter
	ProbesTotal       *prometheus.CounterVec
	EndpointScore     *prometheus.GaugeVec
	SwitchesTotal     *prometheus.CounterVec
	MirroredTotal     *prometheus.CounterVec
	MirrorErrorsTotal prometheus.Counter
	AuditEntriesTotal prometheus.Counter
	AuditRotations    prometheus.Counter
}

var (
	obsMetricsInstance *ObservabilityMetrics
	obsMetricsOnce     sync.Once
)

// Observability returns the singleton observability metrics bundle.
func Observability() *ObservabilityMetrics {
	obsMetricsOnce.Do(func() {
		obsMetricsInstance = &ObservabilityMetrics{
			PointsEvaluated: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_telemetry_points_evaluated_total",
				Help: "Metric points run through baseline detection",
			}),
			AnomaliesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_telemetry_anomalies_total",
				Help: "Anomaly signals by kind and severity",
			}, []string{"kind", "severity"}),
			SuppressedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_telemetry_suppressed_total",
				Help: "Anomaly signals suppressed as duplicates",
			}),
			RedactRequests: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_redact_requests_total",
				Help: "Redaction requests processed",
			}),
			EntitiesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_redact_entities_total",
				Help: "Entities masked by detector kind",
			}, []string{"kind"}),
			FalsePositives: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_redact_false_positives_total",
				Help: "Detections suppressed by allowlists",
			}),
			TruncatedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_redact_truncated_total",
				Help: "Requests truncated at the byte limit",
			}),
			ProbesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_failover_probes_total",
				Help: "Endpoint probes by outcome",
			}, []string{"endpoint", "outcome"}),
			EndpointScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tradeplane_failover_endpoint_score",
				Help: "Latest endpoint health score",
			}, []string{"endpoint"}),
			SwitchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_failover_switches_total",
				Help: "Endpoint switches by reason code",
			}, []string{"reason"}),
			MirroredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradeplane_mirror_published_total",
				Help: "Events mirrored to the external broker, by topic",
			}, []string{"topic"}),
			MirrorErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_mirror_errors_total",
				Help: "Mirror publish failures",
			}),
			AuditEntriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_audit_entries_total",
				Help: "Audit records appended",
			}),
			AuditRotations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradeplane_audit_rotations_total",
				Help: "Audit file rotations",
			}),
		}
	})
	return obsMetricsInstance
}
