// Package schema defines the event shapes of the control plane: the topic
// names and the payload types external collaborators consume and produce.
// Everything that crosses the bus boundary is declared here; internal
// packages never invent their own wire shapes.
package schema

// Classification labels how sensitive a payload is after PII screening.
const (
	// ClassPublic — no sensitive entities, safe for any sink.
	ClassPublic = "PUBLIC"

	// ClassSensitiveLow — default for unscreened or mildly sensitive content.
	ClassSensitiveLow = "SENSITIVE_LOW"

	// ClassSensitiveHigh — at least one sensitive entity was found.
	ClassSensitiveHigh = "SENSITIVE_HIGH"
)

// Input topics. Producers are external collaborators or the clock service.
const (
	TopicMarketPrefix       = "market."
	TopicAccountExposure    = "account.exposure"
	TopicPortfolioPolicy    = "portfolio.policy"
	TopicIntentAccepted     = "execution.intent.accepted"
	TopicFeasibility        = "vivo.feasibility"
	TopicRiskState          = "risk.state"
	TopicActionsProposed    = "ops.actions.proposed"
	TopicOperatorChoiceLog  = "operator.choice.log"
	TopicTradeSummaryClosed = "trade.summary.closed"
	TopicSessionActivity    = "session.activity"
	TopicDialogMetrics      = "dialog.metrics"
	TopicClockTick1m        = "clock.tick1m"
	TopicEndpointCatalog    = "endpoint.catalog"
	TopicProbeResult        = "endpoint.probe.result"
	TopicTelemetryMetrics   = "telemetry.metrics"
	TopicLogRaw             = "log.raw"
	TopicRedactRequest      = "redact.request"
	TopicRedactDictUpdate   = "redact.dictionary.update"
)

// Output topics.
const (
	TopicGovernanceRecommendation = "risk.governance.recommendation"
	TopicDrawdownAlert            = "drawdown.alert"
	TopicSwitchPlan               = "endpoint.switch.plan"
	TopicSwitched                 = "endpoint.switched"
	TopicEndpointHealth           = "endpoint.health.snapshot"
	TopicBrownoutStep             = "endpoint.brownout.step"
	TopicSentryAlert              = "sentry.alert"
	TopicOpsActions               = "ops.actions"
	TopicGuardrailReport          = "ops.guardrail.report"
	TopicPacingPlan               = "vivo.pacing.plan"
	TopicIntentApproved           = "portfolio.intent.approved"
	TopicIntentAdjusted           = "portfolio.intent.adjusted"
	TopicIntentRejected           = "portfolio.intent.rejected"
	TopicIntentDeferred           = "portfolio.intent.deferred"
	TopicSpotRebalance            = "vivo.spot.rebalance"
	TopicDialogComplete           = "vivo.dialog_complete"
	TopicExplainCard              = "vivo.explain.card"
	TopicAnomalySignal            = "telemetry.anomaly.signal"
	TopicTelemetryAlert           = "telemetry.alert"
	TopicAnomalyMetrics           = "telemetry.anomaly.metrics"
	TopicDataIngest               = "data.ingest"
	TopicSinkBatch                = "log.sink.batch"
	TopicRouterMetrics            = "log.router.metrics"
	TopicRedactReady              = "redact.ready"
	TopicAuditLog                 = "audit.log"
)

// Risk levels.
const (
	RiskGreen = "GREEN"
	RiskAmber = "AMBER"
	RiskRed   = "RED"
)

// Sentinel states. Anything other than NORMAL suspends new risk.
const (
	SentinelNormal         = "NORMAL"
	SentinelSlowdown       = "SLOWDOWN"
	SentinelHaltPartial    = "HALT_PARTIAL"
	SentinelCircuitBreaker = "CIRCUIT_BREAKER"
)

// RiskState is the global risk posture broadcast on risk.state.
type RiskState struct {
	Level    string `json:"level"`
	Sentinel string `json:"sentinel"`
}

// Order sides and types used across bundles and rebalance legs.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit    = "LIMIT"
	TypeMarket   = "MARKET"
	TypePostOnly = "POST_ONLY"
)
