package schema

import "time"

// Strategy variants with their base risk percentages.
const (
	VariantConservative = "conservative"
	VariantBase         = "base"
	VariantAggressive   = "aggressive"
)

// ExecutionIntent is an accepted strategy signal awaiting exposure checks.
type ExecutionIntent struct {
	CorrID     string    `json:"corrId"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Variant    string    `json:"variant"`
	Confidence float64   `json:"confidence"`
	TS         time.Time `json:"ts"`
}

// SymbolExposure is the current risk footprint of one symbol.
type SymbolExposure struct {
	Symbol  string  `json:"symbol"`
	Cluster string  `json:"cluster"`
	RiskPct float64 `json:"riskPct"`
	Side    string  `json:"side"`

	// FactorBetas maps factor name to signed beta.
	FactorBetas map[string]float64 `json:"factorBetas,omitempty"`

	// Correlations maps other symbols to pairwise correlation.
	Correlations map[string]float64 `json:"correlations,omitempty"`
}

// ExposureSnapshot is the account-wide state published on
// account.exposure: the risk footprint for the balancer plus spot
// holdings and strategy outlooks for the allocator.
type ExposureSnapshot struct {
	TotalRiskPct float64          `json:"totalRiskPct"`
	LongRiskPct  float64          `json:"longRiskPct"`
	ShortRiskPct float64          `json:"shortRiskPct"`
	Symbols      []SymbolExposure `json:"symbols"`
	Equity       float64          `json:"equity"`
	Balances     []Balance        `json:"balances,omitempty"`
	Outlooks     []SymbolOutlook  `json:"outlooks,omitempty"`
	TS           time.Time        `json:"ts"`
}

// PolicyCaps is the hot-reloadable cap table from portfolio.policy. It
// also loads from the policy YAML table, so fields carry both tag sets.
type PolicyCaps struct {
	TotalRiskPct          float64            `json:"totalRiskPct" yaml:"total_risk_pct"`
	PerSymbolPct          float64            `json:"perSymbolPct" yaml:"per_symbol_pct"`
	PerClusterPct         map[string]float64 `json:"perClusterPct" yaml:"per_cluster_pct"`
	PerFactorBetaAbs      map[string]float64 `json:"perFactorBetaAbs" yaml:"per_factor_beta_abs"`
	LongShortImbalancePct float64            `json:"longShortImbalancePct" yaml:"long_short_imbalance_pct"`

	CorrelationHard    float64 `json:"correlationHard" yaml:"correlation_hard"`
	CorrelationSoft    float64 `json:"correlationSoft" yaml:"correlation_soft"`
	DefaultSameCluster float64 `json:"defaultSameCluster" yaml:"default_same_cluster"`
	MarginalRiskMaxPct float64 `json:"marginalRiskMaxPct" yaml:"marginal_risk_max_pct"`

	// OnHardBreach selects reject or defer when a hard cap trips.
	OnHardBreach string  `json:"onHardBreach" yaml:"on_hard_breach"`
	ScaleStep    float64 `json:"scaleStep" yaml:"scale_step"`
	MinFactor    float64 `json:"minFactor" yaml:"min_factor"`

	// Eligible symbols and their target dominance weights for the spot
	// allocator.
	EligibleSymbols []string           `json:"eligibleSymbols,omitempty" yaml:"eligible_symbols,omitempty"`
	DominanceTilt   map[string]float64 `json:"dominanceTilt,omitempty" yaml:"dominance_tilt,omitempty"`
	SlipBpSoft      float64            `json:"slipBpSoft,omitempty" yaml:"slip_bp_soft,omitempty"`
	TS              time.Time          `json:"ts" yaml:"-"`
}

// Intent decision outcomes.
const (
	IntentApproved = "approved"
	IntentAdjusted = "adjusted"
	IntentRejected = "rejected"
	IntentDeferred = "deferred"
)

// Rejection reasons for stale or missing inputs.
const (
	ReasonMissingExposure = "missing_exposure"
	ReasonMissingPolicy   = "missing_policy"
	ReasonStaleExposure   = "stale_exposure"
)

// Cap-breach reasons, named after the check that tripped.
const (
	ReasonTotalRiskCap    = "total_risk_cap"
	ReasonPerSymbolCap    = "per_symbol_cap"
	ReasonPerClusterCap   = "per_cluster_cap"
	ReasonFactorBetaCap   = "factor_beta_cap"
	ReasonCorrelationHard = "correlation_hard"
	ReasonImbalance       = "long_short_imbalance"
	ReasonMarginalRisk    = "marginal_risk"
)

// IntentDecision is published on the portfolio.intent.* topics.
type IntentDecision struct {
	CorrID           string    `json:"corrId"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	Variant          string    `json:"variant"`
	Outcome          string    `json:"outcome"`
	RequestedRiskPct float64   `json:"requestedRiskPct"`
	GrantedRiskPct   float64   `json:"grantedRiskPct"`
	ScaleFactor      float64   `json:"scaleFactor"`
	Reason           string    `json:"reason,omitempty"`
	DeferUntil       time.Time `json:"deferUntil,omitempty"`
	TS               time.Time `json:"ts"`
}

// Balance is one spot holding for the allocator.
type Balance struct {
	Asset    string  `json:"asset"`
	Qty      float64 `json:"qty"`
	UsdValue float64 `json:"usdValue"`
	Stable   bool    `json:"stable"`
}

// SymbolOutlook carries the strategy stats gating BUY legs.
type SymbolOutlook struct {
	Symbol          string  `json:"symbol"`
	ExpectedMovePct float64 `json:"expectedMovePct"`
	RMultiple       float64 `json:"rMultiple"`
	MinNotional     float64 `json:"minNotional"`
	Price           float64 `json:"price"`
}

// RebalanceLeg is one order of a spot rebalance plan.
type RebalanceLeg struct {
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	NotionalUsd float64   `json:"notionalUsd"`
	Qty         float64   `json:"qty"`
	ReduceOnly  bool      `json:"reduceOnly,omitempty"`
	PostOnly    bool      `json:"postOnly,omitempty"`
	Meta        ChildMeta `json:"meta"`
}

// SpotRebalance is the allocator output on vivo.spot.rebalance.
type SpotRebalance struct {
	CorrID        string         `json:"corrId"`
	TargetSpotUsd float64        `json:"targetSpotUsd"`
	CurrentUsd    float64        `json:"currentUsd"`
	DiffUsd       float64        `json:"diffUsd"`
	Legs          []RebalanceLeg `json:"legs"`
	TS            time.Time      `json:"ts"`
}

// MarketTicker is the minimal market.* payload the core consumes.
type MarketTicker struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Mid    float64   `json:"mid"`
	TS     time.Time `json:"ts"`
}
