package schema

// Redaction profiles tune preservation behavior per document family.
const (
	ProfileDigest     = "digest"
	ProfilePostmortem = "postmortem"
	ProfileNotes      = "notes"
	ProfileCards      = "cards"
	ProfileGeneric    = "generic"
)

// Entity kinds the detector reports.
const (
	EntityEmail  = "email"
	EntityPhone  = "phone"
	EntityIBAN   = "iban"
	EntityGovID  = "gov_id"
	EntityWallet = "wallet"
	EntityName   = "name"
)

// RedactRequest asks the guard to screen one document.
type RedactRequest struct {
	CorrID  string `json:"corrId"`
	Profile string `json:"profile"`
	Content string `json:"content"`
}

// RedactStats counts what the pipeline saw.
type RedactStats struct {
	EntitiesFound        int            `json:"entitiesFound"`
	ByKind               map[string]int `json:"byKind,omitempty"`
	FalsePositiveAvoided int            `json:"falsePositiveAvoided"`
	BytesIn              int            `json:"bytesIn"`
	BytesOut             int            `json:"bytesOut"`
}

// RedactionResult is the redact.ready payload.
type RedactionResult struct {
	CorrID         string      `json:"corrId"`
	Classification string      `json:"classification"`
	MaskedContent  string      `json:"maskedContent"`
	Stats          RedactStats `json:"stats"`

	// Hash is sha256(maskedContent) truncated, for dedup by consumers.
	Hash string `json:"hash"`

	// Warnings carries non-fatal conditions such as appendix_truncated.
	Warnings []string `json:"warnings,omitempty"`
}

// DictionaryUpdate replaces allowlists at runtime via
// redact.dictionary.update.
type DictionaryUpdate struct {
	Tickers []string `json:"tickers,omitempty"`
	Domains []string `json:"domains,omitempty"`
	Names   []string `json:"names,omitempty"`
}
