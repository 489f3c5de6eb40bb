package schema

import "time"

// Log levels used by routing and sampling.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// LogRecord is a raw structured log line consumed from log.raw.
type LogRecord struct {
	Source  string            `json:"source"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	KV      map[string]string `json:"kv,omitempty"`
	TS      string            `json:"ts,omitempty"`

	// Set by the router pipeline.
	Tags           []string  `json:"tags,omitempty"`
	Classification string    `json:"classification,omitempty"`
	NormalizedTS   time.Time `json:"normalizedTs,omitempty"`
}

// RuleMatch selects records for a routing rule. Empty fields match all.
type RuleMatch struct {
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
	Level    string `json:"level,omitempty" yaml:"level,omitempty"`
	Contains string `json:"contains,omitempty" yaml:"contains,omitempty"`
}

// RuleAction is what a matching rule contributes. Tags and sinks add up
// across rules; samplePct overrides; drop short-circuits.
type RuleAction struct {
	Drop      bool     `json:"drop,omitempty" yaml:"drop,omitempty"`
	SamplePct *float64 `json:"samplePct,omitempty" yaml:"sample_pct,omitempty"`
	AddTags   []string `json:"addTags,omitempty" yaml:"add_tags,omitempty"`
	Sink      []string `json:"sink,omitempty" yaml:"sink,omitempty"`
}

// RoutingRule is one ordered routing entry, hot-reloadable.
type RoutingRule struct {
	Match  RuleMatch  `json:"match" yaml:"match"`
	Action RuleAction `json:"action" yaml:"action"`
}

// SinkBatch reports one flushed batch on log.sink.batch.
type SinkBatch struct {
	Sink    string    `json:"sink"`
	Codec   string    `json:"codec"`
	Records int       `json:"records"`
	Bytes   int       `json:"bytes"`
	TS      time.Time `json:"ts"`
}

// RouterStats is the periodic snapshot on log.router.metrics.
type RouterStats struct {
	Received    int64              `json:"received"`
	Routed      int64              `json:"routed"`
	Dropped     int64              `json:"dropped"`
	SampledOut  int64              `json:"sampledOut"`
	DeadLetters int64              `json:"deadLetters"`
	SampleRates map[string]float64 `json:"sampleRates"`
	InFlight    int64              `json:"inFlight"`
	TS          time.Time          `json:"ts"`
}
