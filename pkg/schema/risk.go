package schema

import "time"

// Equity sources.
const (
	EquitySourceReal      = "real"
	EquitySourceSimulated = "simulated"
)

// EquitySnapshot is one point on the equity curve, published inside
// account.exposure payloads or standalone by simulators.
type EquitySnapshot struct {
	Value  float64   `json:"value"`
	TS     time.Time `json:"ts"`
	Source string    `json:"source"`
}

// Governance recommendation actions.
const (
	ActionReduceTotalRisk   = "reduce_total_risk"
	ActionHaltNewIntents    = "halt_new_intents"
	ActionDisableAggressive = "disable_aggressive_variant"
	ActionEmergencyClose    = "emergency_close"
)

// Drawdown alert levels, ordered by severity.
const (
	DrawdownWarn      = "warn"
	DrawdownError     = "error"
	DrawdownEmergency = "emergency"
)

// GovernanceRecommendation is emitted on risk.governance.recommendation
// when a drawdown tier fires outside its cool-off.
type GovernanceRecommendation struct {
	Action string `json:"action"`

	// TargetRiskPct is set for reduce_total_risk.
	TargetRiskPct float64 `json:"targetRiskPct,omitempty"`

	// DurationMs bounds halt_new_intents and disable_aggressive_variant;
	// for emergency_close it records the cool-off span.
	DurationMs int64 `json:"durationMs,omitempty"`

	Level  string  `json:"level"`
	Reason string  `json:"reason"`
	DDPct  float64 `json:"ddPct"`
	PeakEq float64 `json:"peakEquity"`
	CurrEq float64 `json:"currentEquity"`
}

// DrawdownAlert mirrors the recommendation with curve context for humans.
type DrawdownAlert struct {
	Level        string            `json:"level"`
	CurrentDDPct float64           `json:"currentDdPct"`
	MaxDDPct     float64           `json:"maxDdPct"`
	Peak         float64           `json:"peak"`
	Current      float64           `json:"current"`
	CoolOffUntil time.Time         `json:"coolOffUntil"`
	Recovery     *RecoveryEstimate `json:"recovery,omitempty"`
}

// RecoveryEstimate projects how long the curve needs to climb back to
// peak, based on realized daily returns.
type RecoveryEstimate struct {
	ExpectedDays          float64 `json:"expectedDays"`
	Infinite              bool    `json:"infinite"`
	ProbabilityOfRecovery float64 `json:"probabilityOfRecovery"`
	AvgDailyReturn        float64 `json:"avgDailyReturn"`
	SampleSize            int     `json:"sampleSize"`
}

// ClosedTrade summarizes one finished trade, consumed from
// trade.summary.closed for the recovery estimator.
type ClosedTrade struct {
	Symbol    string    `json:"symbol"`
	PnlUsd    float64   `json:"pnlUsd"`
	ReturnPct float64   `json:"returnPct"`
	ClosedAt  time.Time `json:"closedAt"`
	Win       bool      `json:"win"`
}
