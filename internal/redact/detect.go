package redact

import (
	"regexp"
	"sort"
)

// Entity kinds in masking priority order. Hard kinds mask everywhere,
// including inside preserved code fences.
const (
	kindEmail  = "email"
	kindPhone  = "phone"
	kindIBAN   = "iban"
	kindGovID  = "gov_id"
	kindWallet = "wallet"
	kindName   = "name"
	kindPath   = "path"
)

type detector struct {
	kind string
	re   *regexp.Regexp
	hard bool
}

// Longest-match budget. Chunk overlap must cover the longest entity a
// detector can produce, so boundary-straddling matches reappear whole
// in the next chunk.
const maxEntityLen = 128

var detectors = []detector{
	{kindEmail, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), true},
	{kindPhone, regexp.MustCompile(`\+[0-9][0-9\- ()]{6,17}[0-9]`), true},
	{kindIBAN, regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}\b`), true},
	{kindGovID, regexp.MustCompile(`\b[A-Z]{1,2}[0-9]{6,9}\b`), true},
	{kindWallet, regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`), true},
	{kindWallet, regexp.MustCompile(`\bbc1[ac-hj-np-z02-9]{8,87}\b`), true},
	{kindWallet, regexp.MustCompile(`\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b`), true},
	{kindWallet, regexp.MustCompile(`\bT[1-9A-HJ-NP-Za-km-z]{33}\b`), true},
	{kindPath, regexp.MustCompile(`(?:/[A-Za-z0-9._-]+){2,}`), false},
}

// namePair matches capitalized first/last pairs; only trusted under
// aggressive profiles.
var namePair = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)

// symbolToken matches short all-caps tokens. Those are candidate names
// resolved against the ticker allowlist and the name dictionary.
var symbolToken = regexp.MustCompile(`\b[A-Z]{3,6}\b`)

// span is one detection with absolute offsets into the document. sym
// marks all-caps symbol candidates, which only act when the ticker
// allowlist, the name dictionary or an aggressive profile says so.
type span struct {
	start, end int
	kind       string
	hard       bool
	sym        bool
	text       string
}

// collect runs every detector over content in overlapping chunks and
// returns deduplicated spans sorted by start offset.
func collect(content string, chunkBytes, overlap int, aggressive bool) []span {
	if chunkBytes <= overlap {
		chunkBytes = overlap * 2
	}
	byStart := make(map[int]span)

	add := func(base int, loc []int, kind string, hard, sym bool, chunk string) {
		s := span{
			start: base + loc[0],
			end:   base + loc[1],
			kind:  kind,
			hard:  hard,
			sym:   sym,
			text:  chunk[loc[0]:loc[1]],
		}
		if prev, ok := byStart[s.start]; ok && prev.end >= s.end {
			return
		}
		byStart[s.start] = s
	}

	step := chunkBytes - overlap
	for pos := 0; ; pos += step {
		end := pos + chunkBytes
		if end > len(content) {
			end = len(content)
		}
		chunk := content[pos:end]

		for _, d := range detectors {
			for _, loc := range d.re.FindAllStringIndex(chunk, -1) {
				add(pos, loc, d.kind, d.hard, false, chunk)
			}
		}
		for _, loc := range symbolToken.FindAllStringIndex(chunk, -1) {
			add(pos, loc, kindName, false, true, chunk)
		}
		if aggressive {
			for _, loc := range namePair.FindAllStringIndex(chunk, -1) {
				add(pos, loc, kindName, false, false, chunk)
			}
		}

		if end == len(content) {
			break
		}
	}

	out := make([]span, 0, len(byStart))
	for _, s := range byStart {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].start != out[j].start {
			return out[i].start < out[j].start
		}
		return out[i].end > out[j].end
	})
	return dropNested(out)
}

// dropNested removes spans contained in or overlapping an earlier,
// longer span.
func dropNested(spans []span) []span {
	out := spans[:0]
	lastEnd := -1
	for _, s := range spans {
		if s.start < lastEnd {
			continue
		}
		out = append(out, s)
		lastEnd = s.end
	}
	return out
}
