package schema

import "time"

// ExplainHeader opens a card with the decision posture.
type ExplainHeader struct {
	Posture      string `json:"posture"`
	Sentinel     string `json:"sentinel"`
	DecidedBy    string `json:"decidedBy"`
	SelectedPlan string `json:"selectedPlan"`
}

// AlternativeScore is one non-selected plan score for comparison.
type AlternativeScore struct {
	PlanID string  `json:"planId"`
	Score  float64 `json:"score"`
}

// ExplainFinding is one surfaced feasibility finding.
type ExplainFinding struct {
	Symbol   string `json:"symbol"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	QuickFix string `json:"quickFix,omitempty"`
}

// PolicyCompliance summarizes whitelist/eligibility checks.
type PolicyCompliance struct {
	Whitelisted bool     `json:"whitelisted"`
	Eligible    bool     `json:"eligible"`
	Notes       []string `json:"notes,omitempty"`
}

// ExecSummary condenses the final bundle shape.
type ExecSummary struct {
	ChildCount      int     `json:"childCount"`
	ReduceOnlyRatio float64 `json:"reduceOnlyRatio"`
	PostOnlyCount   int     `json:"postOnlyCount"`
	NotionalUsd     float64 `json:"notionalUsd"`
}

// WhyNode is one node of the causal tree.
type WhyNode struct {
	Claim   string    `json:"claim"`
	Because []WhyNode `json:"because,omitempty"`
}

// ExplainCard is the vivo.explain.card payload, idempotent per corrId.
type ExplainCard struct {
	CorrID       string             `json:"corrId"`
	Header       ExplainHeader      `json:"header"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Selected     float64            `json:"selectedScore"`
	Alternatives []AlternativeScore `json:"alternatives,omitempty"`
	Findings     []ExplainFinding   `json:"findings,omitempty"`
	Policy       PolicyCompliance   `json:"policy"`
	Exec         ExecSummary        `json:"exec"`
	Why          WhyNode            `json:"why"`
	NextSteps    []string           `json:"nextSteps,omitempty"`
	BuiltAt      time.Time          `json:"builtAt"`
}
