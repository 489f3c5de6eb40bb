package schema

import "encoding/json"

// AuditVersion is the current audit record schema version.
const AuditVersion = 1

// AuditRecord is one append-only JSONL line in audit.log. Payload stays
// raw so readers can defer decoding until the src is known.
type AuditRecord struct {
	TS      string          `json:"ts"`
	Ver     int             `json:"ver"`
	Src     string          `json:"src"`
	CorrID  string          `json:"corrId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}
