package schema

import "time"

// Anomaly kinds.
const (
	AnomalyFlatline = "flatline"
	AnomalyGap      = "gap"
	AnomalySpike    = "spike"
	AnomalyDrop     = "drop"
	AnomalyDrift    = "drift"
)

// Anomaly severities, ordered.
const (
	SevLow    = "low"
	SevMedium = "medium"
	SevHigh   = "high"
)

// MetricPoint is one telemetry sample consumed from telemetry.metrics.
type MetricPoint struct {
	Series string            `json:"series"`
	Value  float64           `json:"value"`
	TS     time.Time         `json:"ts"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// SLOStatus marks a series as covered by a service objective; burn rates
// above 1 escalate anomaly severity.
type SLOStatus struct {
	Series   string  `json:"series"`
	BurnRate float64 `json:"burnRate"`
}

// AnomalySignal is one detection on telemetry.anomaly.signal.
type AnomalySignal struct {
	Series   string    `json:"series"`
	Window   string    `json:"window"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	Score    float64   `json:"score"`
	Value    float64   `json:"value"`
	Median   float64   `json:"median"`
	Mean     float64   `json:"mean"`
	Stdev    float64   `json:"stdev"`
	TS       time.Time `json:"ts"`
}

// TelemetryAlert is the high-severity escalation on telemetry.alert.
type TelemetryAlert struct {
	Signal  AnomalySignal `json:"signal"`
	Message string        `json:"message"`
}

// AnomalyMetrics is the 60s counter snapshot on telemetry.anomaly.metrics.
type AnomalyMetrics struct {
	Evaluated int64            `json:"evaluated"`
	Flagged   int64            `json:"flagged"`
	Flatlines int64            `json:"flatlines"`
	Gaps      int64            `json:"gaps"`
	ByLevel   map[string]int64 `json:"byLevel"`
	WindowSec int              `json:"windowSec"`
	TS        time.Time        `json:"ts"`
}
