package schema

import "time"

// Endpoint statuses.
const (
	EndpointHealthy   = "healthy"
	EndpointDegraded  = "degraded"
	EndpointUnhealthy = "unhealthy"
)

// Switch plan reason codes.
const (
	ReasonCurrentUnhealthy = "CURRENT_ENDPOINT_UNHEALTHY"
	ReasonManualSwitch     = "MANUAL_SWITCH"
	ReasonPreferPrimary    = "PREFER_PRIMARY_AFTER_STABLE"
)

// EndpointSpec describes one routable endpoint from the catalog.
type EndpointSpec struct {
	ID      string `json:"id" yaml:"id"`
	URL     string `json:"url" yaml:"url"`
	Primary bool   `json:"primary,omitempty" yaml:"primary,omitempty"`
	Weight  int    `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// EndpointCatalog is the hot-reloadable endpoint table.
type EndpointCatalog struct {
	Endpoints []EndpointSpec `json:"endpoints" yaml:"endpoints"`
}

// ProbeResult is one health probe observation, produced by external
// probes or the built-in prober.
type ProbeResult struct {
	EndpointID string    `json:"endpointId"`
	Success    bool      `json:"success"`
	RttMs      float64   `json:"rttMs"`
	TS         time.Time `json:"ts"`
	Error      string    `json:"error,omitempty"`
}

// EndpointHealth is the scored view of one endpoint.
type EndpointHealth struct {
	ID                  string    `json:"id"`
	Score               float64   `json:"score"`
	RttMs               float64   `json:"rttMs"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Status              string    `json:"status"`
	LastProbe           time.Time `json:"lastProbe"`
}

// HealthSnapshot is the per-probe broadcast of the whole endpoint table.
type HealthSnapshot struct {
	Current   string           `json:"current"`
	State     string           `json:"state"`
	Endpoints []EndpointHealth `json:"endpoints"`
	TS        time.Time        `json:"ts"`
}

// SwitchPlan proposes moving traffic from one endpoint to another.
type SwitchPlan struct {
	PlanID      string         `json:"planId"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	ReasonCodes []string       `json:"reasonCodes"`
	CanaryMs    int64          `json:"canaryMs"`
	Force       bool           `json:"force,omitempty"`
	Brownout    []BrownoutStep `json:"brownout,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Switched reports a completed switch.
type Switched struct {
	PlanID      string    `json:"planId"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ReasonCodes []string  `json:"reasonCodes"`
	DurationMs  int64     `json:"durationMs"`
	TS          time.Time `json:"ts"`
}

// BrownoutStep is one capped traffic-shift increment.
type BrownoutStep struct {
	PlanID   string  `json:"planId"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	ShiftPct float64 `json:"shiftPct"`
	TotalPct float64 `json:"totalPct"`
	StepSec  int     `json:"stepSec"`
}

// SentryAlert flags an operational condition needing attention.
type SentryAlert struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	TS     time.Time `json:"ts"`
}
