// Package redact detects and masks personal data in operational text.
// Masking templates are stable, so re-redacting an already masked
// document changes nothing.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Profile controls what the masker preserves.
type Profile struct {
	PreserveCodeBlocks bool
	PreservePaths      bool
	PreserveTickers    bool
	Aggressive         bool
}

var profiles = map[string]Profile{
	schema.ProfileDigest:     {PreserveCodeBlocks: true, PreservePaths: true, PreserveTickers: true},
	schema.ProfilePostmortem: {PreserveCodeBlocks: true, PreservePaths: true, PreserveTickers: true},
	schema.ProfileNotes:      {PreserveCodeBlocks: true, PreserveTickers: true, Aggressive: true},
	schema.ProfileCards:      {PreserveTickers: true},
	schema.ProfileGeneric:    {PreserveCodeBlocks: true, PreserveTickers: true},
}

// Technical acronyms the symbol detector always ignores on top of the
// configured ticker allowlist.
var builtinSafeTokens = map[string]bool{
	"API": true, "CPU": true, "DNS": true, "GET": true, "HTTP": true,
	"INFO": true, "ISO": true, "JSON": true, "POST": true, "RAM": true,
	"SDK": true, "SQL": true, "TCP": true, "TLS": true, "UID": true,
	"URL": true, "UTC": true, "UUID": true, "WARN": true, "YAML": true,
}

const codeRemovedMark = "[code removed]"

// Engine runs the detection and masking pipeline. Dictionary state is
// replaceable from the privacy table and extendable from bus updates.
type Engine struct {
	chunkBytes int
	overlap    int
	maxBytes   int
	salts      *saltSource
	clk        clock.Clock
	log        zerolog.Logger
	met        *metrics.ObservabilityMetrics

	mu      sync.RWMutex
	tickers map[string]bool
	domains map[string]bool
	names   []string
}

// NewEngine builds an engine from the static config and master secret.
func NewEngine(cfg config.RedactConfig, secret string, clk clock.Clock, log zerolog.Logger) *Engine {
	overlap := cfg.OverlapBytes
	if overlap < maxEntityLen {
		overlap = maxEntityLen
	}
	return &Engine{
		chunkBytes: cfg.ChunkBytes,
		overlap:    overlap,
		maxBytes:   cfg.MaxBytes,
		salts:      newSaltSource(secret),
		clk:        clk,
		log:        log.With().Str("component", "redact").Logger(),
		met:        metrics.Observability(),
		tickers:    map[string]bool{},
		domains:    map[string]bool{},
	}
}

// SetDictionary replaces the allowlists and name aliases wholesale,
// used when the privacy table reloads.
func (e *Engine) SetDictionary(tickers, domains, names []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickers = toSet(tickers)
	e.domains = toSet(domains)
	e.names = append([]string(nil), names...)
}

// MergeDictionary folds a bus-delivered update into the current state.
func (e *Engine) MergeDictionary(u schema.DictionaryUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range u.Tickers {
		e.tickers[strings.ToUpper(t)] = true
	}
	for _, d := range u.Domains {
		e.domains[strings.ToLower(d)] = true
	}
	e.names = append(e.names, u.Names...)
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, it := range items {
		s[strings.ToUpper(it)] = true
	}
	return s
}

// Redact runs the full pipeline for one request.
func (e *Engine) Redact(req schema.RedactRequest) schema.RedactionResult {
	e.met.RedactRequests.Inc()

	prof, ok := profiles[req.Profile]
	var warnings []string
	if !ok {
		prof = profiles[schema.ProfileGeneric]
		warnings = append(warnings, "unknown_profile")
	}

	content := req.Content
	bytesIn := len(content)
	if e.maxBytes > 0 && len(content) > e.maxBytes {
		cut := e.maxBytes
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
		warnings = append(warnings, "appendix_truncated")
		e.met.TruncatedTotal.Inc()
		e.log.Warn().Str("corrId", req.CorrID).Int("bytesIn", bytesIn).Int("limit", e.maxBytes).
			Msg("content truncated at byte limit")
	}

	fences := fenceSpans(content)
	spans := e.withDictionaryNames(content, collect(content, e.chunkBytes, e.overlap, prof.Aggressive))

	e.mu.RLock()
	tickers, domains := e.tickers, e.domains
	dictNames := toSet(e.names)
	e.mu.RUnlock()

	salt := e.salts.at(e.clk.Now())

	stats := schema.RedactStats{ByKind: map[string]int{}, BytesIn: bytesIn}
	type edit struct {
		start, end  int
		replacement string
	}
	var edits []edit
	sensitiveMasked := false

	for _, s := range spans {
		fenced := inFence(fences, s.start, s.end)
		if fenced && !prof.PreserveCodeBlocks {
			continue // the whole fence goes away below
		}
		if fenced && !s.hard {
			continue // identifiers in code are not names or paths
		}

		var mask string
		switch s.kind {
		case kindEmail:
			if domains[strings.ToLower(domainOf(s.text))] {
				stats.FalsePositiveAvoided++
				e.met.FalsePositives.Inc()
				continue
			}
			mask = maskEmail(s.text)
		case kindPhone:
			mask = maskPhone(s.text)
		case kindIBAN:
			mask = maskIBAN(s.text)
		case kindGovID:
			mask = "***ID***"
		case kindWallet:
			mask = maskWallet(s.text)
		case kindName:
			if s.sym {
				upper := strings.ToUpper(s.text)
				switch {
				case prof.PreserveTickers && tickers[upper]:
					stats.FalsePositiveAvoided++
					e.met.FalsePositives.Inc()
					continue
				case builtinSafeTokens[upper]:
					continue
				case dictNames[upper]:
					// configured alias, always masks
				case !prof.Aggressive:
					continue
				}
			}
			mask = "[name:" + hashName(salt, s.text) + "]"
		case kindPath:
			if prof.PreservePaths {
				continue
			}
			mask = "[path]"
		default:
			continue
		}

		edits = append(edits, edit{s.start, s.end, mask})
		stats.EntitiesFound++
		stats.ByKind[s.kind]++
		e.met.EntitiesTotal.WithLabelValues(s.kind).Inc()
		if s.kind != kindPath {
			sensitiveMasked = true
		}
	}

	if !prof.PreserveCodeBlocks {
		kept := edits[:0]
		for _, ed := range edits {
			if !inFence(fences, ed.start, ed.end) {
				kept = append(kept, ed)
			}
		}
		edits = kept
		for _, f := range fences {
			edits = append(edits, edit{f[0], f[1], codeRemovedMark})
		}
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })

	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, ed := range edits {
		if ed.start < pos {
			continue
		}
		b.WriteString(content[pos:ed.start])
		b.WriteString(ed.replacement)
		pos = ed.end
	}
	b.WriteString(content[pos:])
	masked := b.String()

	classification := schema.ClassSensitiveLow
	switch {
	case sensitiveMasked:
		classification = schema.ClassSensitiveHigh
	case stats.EntitiesFound == 0 && stats.FalsePositiveAvoided > 0:
		classification = schema.ClassPublic
	}

	stats.BytesOut = len(masked)
	sum := sha256.Sum256([]byte(masked))

	return schema.RedactionResult{
		CorrID:         req.CorrID,
		Classification: classification,
		MaskedContent:  masked,
		Stats:          stats,
		Hash:           hex.EncodeToString(sum[:])[:16],
		Warnings:       warnings,
	}
}

// Classify runs detection only, for the log router. Any hard entity or
// configured name alias makes the text SENSITIVE_HIGH.
func (e *Engine) Classify(content string) string {
	spans := e.withDictionaryNames(content, collect(content, e.chunkBytes, e.overlap, false))
	e.mu.RLock()
	dictNames := toSet(e.names)
	e.mu.RUnlock()

	for _, s := range spans {
		if s.hard {
			return schema.ClassSensitiveHigh
		}
		if s.kind == kindName && dictNames[strings.ToUpper(s.text)] {
			return schema.ClassSensitiveHigh
		}
	}
	return schema.ClassPublic
}

// withDictionaryNames adds exact-match spans for configured aliases and
// re-resolves overlaps.
func (e *Engine) withDictionaryNames(content string, spans []span) []span {
	e.mu.RLock()
	names := e.names
	e.mu.RUnlock()
	if len(names) == 0 {
		return spans
	}

	lower := strings.ToLower(content)
	for _, name := range names {
		needle := strings.ToLower(name)
		if needle == "" {
			continue
		}
		for from := 0; ; {
			idx := strings.Index(lower[from:], needle)
			if idx < 0 {
				break
			}
			start := from + idx
			spans = append(spans, span{
				start: start,
				end:   start + len(needle),
				kind:  kindName,
				hard:  true,
				text:  content[start : start+len(needle)],
			})
			from = start + len(needle)
		}
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		if spans[i].end != spans[j].end {
			return spans[i].end > spans[j].end
		}
		return spans[i].hard && !spans[j].hard
	})
	return dropNested(spans)
}

func domainOf(email string) string {
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		return email[at+1:]
	}
	return email
}

func maskEmail(s string) string {
	at := strings.LastIndexByte(s, '@')
	local, domain := s[:at], s[at+1:]
	keep := local
	if len(keep) > 2 {
		keep = keep[:2]
	}
	tld := ""
	if dot := strings.LastIndexByte(domain, '.'); dot >= 0 {
		tld = domain[dot:]
	}
	return keep + "***@***" + tld
}

func maskPhone(s string) string {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	last2 := s[len(s)-2:]
	return "+" + strings.Repeat("*", digits-2) + last2
}

func maskIBAN(s string) string {
	return s[:2] + strings.Repeat("*", len(s)-6) + s[len(s)-4:]
}

func maskWallet(s string) string {
	if strings.HasPrefix(s, "0x") {
		return "0x***masked***"
	}
	return "***masked***"
}
