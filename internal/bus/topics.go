package bus

import (
	"time"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// TopicDialogRequest opens operator dialog sessions. It complements the
// fixed operator.choice.log / vivo.dialog_complete pair: choices and
// results are the external contract, session opening stays on the bus so
// any module (or the admin surface) can request mediation.
const TopicDialogRequest = "operator.dialog.request"

// payloadOf builds a validator accepting T or *T.
func payloadOf[T any]() func(interface{}) error {
	return func(p interface{}) error {
		switch p.(type) {
		case T, *T:
			return nil
		default:
			var want T
			return buserr.New(buserr.Validation, "topic.validate", "payload %T, want %T", p, want)
		}
	}
}

// DefaultRegistry returns the full topic table of the control plane.
// Queue sizes and memory windows follow the topic's traffic shape: hot
// telemetry topics get deep queues, decision topics keep long
// idempotency memories.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// Inputs produced by external collaborators and the clock service.
	r.MustRegister(Topic{Name: schema.TopicMarketPrefix + "*", Validate: payloadOf[schema.MarketTicker](), QueueSize: 50_000, MemorySec: 60})
	r.MustRegister(Topic{Name: schema.TopicAccountExposure, Validate: payloadOf[schema.ExposureSnapshot]()})
	r.MustRegister(Topic{Name: schema.TopicPortfolioPolicy, Validate: payloadOf[schema.PolicyCaps]()})
	r.MustRegister(Topic{Name: schema.TopicIntentAccepted, Validate: payloadOf[schema.ExecutionIntent](), MemorySec: 3600})
	r.MustRegister(Topic{Name: schema.TopicFeasibility, Validate: payloadOf[schema.Feasibility]()})
	r.MustRegister(Topic{Name: schema.TopicRiskState, Validate: payloadOf[schema.RiskState]()})
	r.MustRegister(Topic{Name: schema.TopicActionsProposed, Validate: payloadOf[schema.ActionBundle](), MemorySec: 3600})
	r.MustRegister(Topic{Name: schema.TopicOperatorChoiceLog, Validate: payloadOf[schema.OperatorChoice]()})
	r.MustRegister(Topic{Name: schema.TopicTradeSummaryClosed, Validate: payloadOf[schema.ClosedTrade]()})
	r.MustRegister(Topic{Name: schema.TopicSessionActivity, Validate: payloadOf[schema.SessionActivity]()})
	r.MustRegister(Topic{Name: schema.TopicDialogMetrics, Validate: payloadOf[schema.DialogChannelMetrics]()})
	r.MustRegister(Topic{Name: schema.TopicClockTick1m, Validate: payloadOf[time.Time](), QueueSize: 64})
	r.MustRegister(Topic{Name: schema.TopicEndpointCatalog, Validate: payloadOf[schema.EndpointCatalog]()})
	r.MustRegister(Topic{Name: schema.TopicProbeResult, Validate: payloadOf[schema.ProbeResult](), QueueSize: 20_000})
	r.MustRegister(Topic{Name: schema.TopicTelemetryMetrics, Validate: payloadOf[schema.MetricPoint](), QueueSize: 50_000})
	r.MustRegister(Topic{Name: schema.TopicLogRaw, Validate: payloadOf[schema.LogRecord](), QueueSize: 50_000})
	r.MustRegister(Topic{Name: schema.TopicRedactRequest, Validate: payloadOf[schema.RedactRequest]()})
	r.MustRegister(Topic{Name: schema.TopicRedactDictUpdate, Validate: payloadOf[schema.DictionaryUpdate]()})
	r.MustRegister(Topic{Name: TopicDialogRequest, Validate: payloadOf[schema.DialogRequest](), MemorySec: 3600})

	// Outputs.
	r.MustRegister(Topic{Name: schema.TopicGovernanceRecommendation, Validate: payloadOf[schema.GovernanceRecommendation]()})
	r.MustRegister(Topic{Name: schema.TopicDrawdownAlert, Validate: payloadOf[schema.DrawdownAlert]()})
	r.MustRegister(Topic{Name: schema.TopicSwitchPlan, Validate: payloadOf[schema.SwitchPlan](), MemorySec: 3600})
	r.MustRegister(Topic{Name: schema.TopicSwitched, Validate: payloadOf[schema.Switched]()})
	r.MustRegister(Topic{Name: schema.TopicEndpointHealth, Validate: payloadOf[schema.HealthSnapshot](), QueueSize: 20_000})
	r.MustRegister(Topic{Name: schema.TopicBrownoutStep, Validate: payloadOf[schema.BrownoutStep]()})
	r.MustRegister(Topic{Name: schema.TopicSentryAlert, Validate: payloadOf[schema.SentryAlert]()})
	r.MustRegister(Topic{Name: schema.TopicOpsActions, Validate: payloadOf[schema.ActionBundle](), MemorySec: 3600})
	r.MustRegister(Topic{Name: schema.TopicGuardrailReport, Validate: payloadOf[schema.GuardrailReport]()})
	r.MustRegister(Topic{Name: schema.TopicPacingPlan, Validate: payloadOf[schema.PacingPlan]()})
	r.MustRegister(Topic{Name: schema.TopicIntentApproved, Validate: payloadOf[schema.IntentDecision]()})
	r.MustRegister(Topic{Name: schema.TopicIntentAdjusted, Validate: payloadOf[schema.IntentDecision]()})
	r.MustRegister(Topic{Name: schema.TopicIntentRejected, Validate: payloadOf[schema.IntentDecision]()})
	r.MustRegister(Topic{Name: schema.TopicIntentDeferred, Validate: payloadOf[schema.IntentDecision]()})
	r.MustRegister(Topic{Name: schema.TopicSpotRebalance, Validate: payloadOf[schema.SpotRebalance]()})
	r.MustRegister(Topic{Name: schema.TopicDialogComplete, Validate: payloadOf[schema.DialogResult]()})
	r.MustRegister(Topic{Name: schema.TopicExplainCard, Validate: payloadOf[schema.ExplainCard](), MemorySec: 3600})
	r.MustRegister(Topic{Name: schema.TopicAnomalySignal, Validate: payloadOf[schema.AnomalySignal](), QueueSize: 20_000})
	r.MustRegister(Topic{Name: schema.TopicTelemetryAlert, Validate: payloadOf[schema.TelemetryAlert]()})
	r.MustRegister(Topic{Name: schema.TopicAnomalyMetrics, Validate: payloadOf[schema.AnomalyMetrics]()})
	r.MustRegister(Topic{Name: schema.TopicDataIngest, Validate: payloadOf[schema.LogRecord](), QueueSize: 50_000})
	r.MustRegister(Topic{Name: schema.TopicSinkBatch, Validate: payloadOf[schema.SinkBatch]()})
	r.MustRegister(Topic{Name: schema.TopicRouterMetrics, Validate: payloadOf[schema.RouterStats]()})
	r.MustRegister(Topic{Name: schema.TopicRedactReady, Validate: payloadOf[schema.RedactionResult](), MemorySec: 3600})

	// Audit accepts any payload; the writer wraps it into the JSONL
	// record shape.
	r.MustRegister(Topic{Name: schema.TopicAuditLog, QueueSize: 50_000, Overflow: OverflowBlock})

	return r
}
