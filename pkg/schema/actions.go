package schema

// Guardrail output modes.
const (
	ModeNormal     = "NORMAL"
	ModeSlowdown   = "SLOWDOWN"
	ModeReduceOnly = "REDUCE_ONLY"
)

// ChildMeta carries execution hints attached to an action child.
type ChildMeta struct {
	// TwapMs is the time-weighted slicing interval.
	TwapMs int64 `json:"twapMs,omitempty"`

	// Iceberg is the visible fraction, valid range [0.05, 0.5].
	Iceberg float64 `json:"iceberg,omitempty"`
}

// ActionChild is one executable order inside a bundle.
type ActionChild struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Type       string    `json:"type"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price,omitempty"`
	ReduceOnly bool      `json:"reduceOnly,omitempty"`
	PostOnly   bool      `json:"postOnly,omitempty"`
	Meta       ChildMeta `json:"meta"`
}

// ActionBundle is a proposed or final set of orders for one decision.
type ActionBundle struct {
	PlanID   string        `json:"planId"`
	CorrID   string        `json:"corrId"`
	Children []ActionChild `json:"children"`
}

// GuardrailReport describes what the bridge changed and why.
type GuardrailReport struct {
	CorrID         string   `json:"corrId"`
	Mode           string   `json:"mode"`
	Changes        []string `json:"changes"`
	BlockedSymbols []string `json:"blockedSymbols"`
	DroppedCount   int      `json:"droppedCount"`
}

// Feasibility finding types. Hard findings zero the child quantity;
// soft findings trim or re-shape it.
const (
	FindingDeny         = "DENY"
	FindingWhitelist    = "WHITELIST"
	FindingTargetPct    = "TARGET_PCT"
	FindingSymbolStatus = "SYMBOL_STATUS"
	FindingReduceOnly   = "REDUCE_ONLY"
	FindingTrim         = "TRIM"
	FindingPercentPrice = "PERCENT_PRICE"
	FindingMinNotional  = "MIN_NOTIONAL"
)

// Finding severities.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Plan recommendations from the feasibility engine.
const (
	RecommendOK     = "OK"
	RecommendAdjust = "ADJUST"
	RecommendReject = "REJECT"
)

// Finding is one feasibility verdict against a symbol.
type Finding struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	QuickFix string `json:"quickFix,omitempty"`
}

// SymbolFeasibility aggregates findings for one symbol within a plan.
type SymbolFeasibility struct {
	Symbol   string    `json:"symbol"`
	Findings []Finding `json:"findings"`
}

// PlanFeasibility scores one candidate plan.
type PlanFeasibility struct {
	PlanID    string              `json:"planId"`
	Variant   string              `json:"variant"`
	Score     float64             `json:"score"`
	Symbols   []SymbolFeasibility `json:"symbols"`
	Recommend string              `json:"recommend"`
}

// Feasibility is the full engine output consumed from vivo.feasibility.
type Feasibility struct {
	CorrID       string            `json:"corrId"`
	OverallScore float64           `json:"overallScore"`
	Plans        []PlanFeasibility `json:"plans"`
}

// Plan returns the feasibility entry for planID, nil when absent.
func (f *Feasibility) Plan(planID string) *PlanFeasibility {
	for i := range f.Plans {
		if f.Plans[i].PlanID == planID {
			return &f.Plans[i]
		}
	}
	return nil
}
