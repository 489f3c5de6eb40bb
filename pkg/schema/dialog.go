package schema

import "time"

// Dialog outcomes.
const (
	DialogCompleted = "COMPLETED"
	DialogTimeout   = "TIMEOUT"
	DialogHalt      = "HALT"
)

// Operator options beyond the plan letters.
const (
	ChoiceHalt     = "HALT"
	ChoicePostpone = "POSTPONE"
)

// PlanOption is one selectable plan rendered in a prompt.
type PlanOption struct {
	PlanID        string   `json:"planId"`
	Symbols       []string `json:"symbols"`
	NotionalUsd   float64  `json:"notionalUsd"`
	TypeSummary   string   `json:"typeSummary"`
	RiskLevel     string   `json:"riskLevel"`
	TwapMs        int64    `json:"twapMs"`
	ExpectedPnlBp float64  `json:"expectedPnlBp"`
	Notes         string   `json:"notes,omitempty"`
}

// ChannelSpec enables one prompt channel with its own timeout.
type ChannelSpec struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// DialogUser is an operator identity with roles.
type DialogUser struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// DialogRequest opens a prompt session on ops.actions.proposed payloads
// that require human selection.
type DialogRequest struct {
	SessionID        string        `json:"sessionId"`
	CorrID           string        `json:"corrId"`
	Plans            []PlanOption  `json:"plans"`
	Channels         []ChannelSpec `json:"channels"`
	Users            []DialogUser  `json:"users"`
	RequiredRole     string        `json:"requiredRole"`
	DefaultTimeoutMs int64         `json:"defaultTimeoutMs"`
	AutoFallback     string        `json:"autoFallback,omitempty"`
	EmergencyHalt    bool          `json:"emergencyHalt,omitempty"`
	TS               time.Time     `json:"ts"`
}

// OperatorChoice is a raw response from one channel.
type OperatorChoice struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Choice    string    `json:"choice"`
	Channel   string    `json:"channel"`
	TS        time.Time `json:"ts"`
}

// DialogResult closes a session on vivo.dialog_complete.
type DialogResult struct {
	SessionID       string    `json:"sessionId"`
	CorrID          string    `json:"corrId"`
	Outcome         string    `json:"outcome"`
	SelectedPlan    string    `json:"selectedPlan,omitempty"`
	UserResponse    string    `json:"userResponse,omitempty"`
	RespondedBy     string    `json:"respondedBy,omitempty"`
	FallbackReason  string    `json:"fallbackReason,omitempty"`
	TotalDurationMs int64     `json:"totalDurationMs"`
	TS              time.Time `json:"ts"`
}

// DialogChannelMetrics reports channel latency/failure stats consumed on
// dialog.metrics.
type DialogChannelMetrics struct {
	Channel   string  `json:"channel"`
	SentOk    int64   `json:"sentOk"`
	SendFails int64   `json:"sendFails"`
	AvgLagMs  float64 `json:"avgLagMs"`
}
