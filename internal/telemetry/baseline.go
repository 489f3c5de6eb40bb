package telemetry

import "time"

// maxHistoryPoints caps one baseline regardless of span so a
// high-frequency series cannot grow memory without bound.
const maxHistoryPoints = 512

// flatlineRun is how many trailing samples must share one value before
// the incoming point is judged a flatline.
const flatlineRun = 9

type sample struct {
	ts time.Time
	v  float64
}

// baseline is the rolling history of one series inside one window. New
// points are evaluated against the history as it stood before them, then
// appended; pruning keeps only samples younger than the span.
type baseline struct {
	span    time.Duration
	samples []sample
	ewma    float64
	hasEwma bool
	lastTS  time.Time
	lastV   float64
}

func newBaseline(span time.Duration) *baseline {
	return &baseline{span: span}
}

func (b *baseline) count() int { return len(b.samples) }

// prune drops samples that have aged out of the span as of now.
func (b *baseline) prune(now time.Time) {
	cutoff := now.Add(-b.span)
	i := 0
	for i < len(b.samples) && !b.samples[i].ts.After(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *baseline) add(ts time.Time, v, alpha float64) {
	b.samples = append(b.samples, sample{ts: ts, v: v})
	if len(b.samples) > maxHistoryPoints {
		b.samples = b.samples[len(b.samples)-maxHistoryPoints:]
	}
	if b.hasEwma {
		b.ewma = alpha*v + (1-alpha)*b.ewma
	} else {
		b.ewma = v
		b.hasEwma = true
	}
	b.lastTS = ts
	b.lastV = v
}

// stats summarizes the history prior to the point under evaluation.
func (b *baseline) stats() summary {
	vals := make([]float64, len(b.samples))
	for i, s := range b.samples {
		vals[i] = s.v
	}
	return summarize(vals)
}

// continuesFlatline reports whether v extends a run of identical values:
// the trailing flatlineRun samples all equal v.
func (b *baseline) continuesFlatline(v float64) bool {
	if len(b.samples) < flatlineRun {
		return false
	}
	for _, s := range b.samples[len(b.samples)-flatlineRun:] {
		if s.v != v {
			return false
		}
	}
	return true
}
