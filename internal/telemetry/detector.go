package telemetry

import (
	"math"
	"sync"
	"time"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// zDenomFloor replaces a zero spread so the robust z stays finite.
const zDenomFloor = 1e-9

// scoreCap bounds reported scores; a zero-spread series would otherwise
// produce values that do not survive JSON encoding.
const scoreCap = 100.0

// suppressionTTL is how long an idle suppression key is retained.
const suppressionTTL = time.Hour

type window struct {
	label string
	span  time.Duration
	step  time.Duration
}

// detector evaluates metric points against per-series baselines. A point
// is judged against the history as it stood before it arrived, then
// folded in; a fresh series stays silent until minPoints have been seen.
type detector struct {
	cfg     config.TelemetryConfig
	met     *metrics.ObservabilityMetrics
	windows []window

	mu        sync.Mutex
	baselines map[string]map[string]*baseline
	burnBy    map[string]string
	isBurn    map[string]bool
	burnVals  map[string]float64
	lastEmit  map[string]time.Time

	evaluated int64
	flagged   int64
	flatlines int64
	gaps      int64
	byLevel   map[string]int64
}

func newDetector(cfg config.TelemetryConfig, met *metrics.ObservabilityMetrics) (*detector, error) {
	d := &detector{
		cfg:       cfg,
		met:       met,
		baselines: make(map[string]map[string]*baseline),
		burnBy:    make(map[string]string),
		isBurn:    make(map[string]bool),
		burnVals:  make(map[string]float64),
		lastEmit:  make(map[string]time.Time),
		byLevel:   make(map[string]int64),
	}
	for _, w := range cfg.Windows {
		span, err := time.ParseDuration(w.Span)
		if err != nil {
			return nil, buserr.New(buserr.Validation, "telemetry.windows", "bad span %q", w.Span)
		}
		step, err := time.ParseDuration(w.Step)
		if err != nil {
			return nil, buserr.New(buserr.Validation, "telemetry.windows", "bad step %q", w.Step)
		}
		if _, dup := d.baselines[w.Span]; dup {
			return nil, buserr.New(buserr.Validation, "telemetry.windows", "duplicate window %q", w.Span)
		}
		d.windows = append(d.windows, window{label: w.Span, span: span, step: step})
		d.baselines[w.Span] = make(map[string]*baseline)
	}
	for _, s := range cfg.SLOs {
		d.burnBy[s.Series] = s.BurnSeries
		d.isBurn[s.BurnSeries] = true
	}
	return d, nil
}

// observe runs one point through every window and returns the admitted
// signals, duplicates already suppressed.
func (d *detector) observe(p schema.MetricPoint) []schema.AnomalySignal {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.met.PointsEvaluated.Inc()
	d.evaluated++

	if d.isBurn[p.Series] {
		d.burnVals[p.Series] = p.Value
	}

	var out []schema.AnomalySignal
	for _, w := range d.windows {
		b := d.baselineFor(w, p.Series)
		b.prune(p.TS)
		if sig, ok := d.evaluate(w, b, p); ok && d.admit(sig, w.span) {
			out = append(out, sig)
		}
		b.add(p.TS, p.Value, d.cfg.EwmaAlpha)
	}
	return out
}

func (d *detector) baselineFor(w window, series string) *baseline {
	b, ok := d.baselines[w.label][series]
	if !ok {
		b = newBaseline(w.span)
		d.baselines[w.label][series] = b
	}
	return b
}

func (d *detector) evaluate(w window, b *baseline, p schema.MetricPoint) (schema.AnomalySignal, bool) {
	if b.count() < d.cfg.MinPoints {
		return schema.AnomalySignal{}, false
	}

	st := b.stats()
	age := p.TS.Sub(b.lastTS)
	flatStale := time.Duration(d.cfg.FlatlineStaleSec) * time.Second
	gapStale := time.Duration(d.cfg.GapStaleSec) * time.Second

	sig := schema.AnomalySignal{
		Series: p.Series,
		Window: w.label,
		Value:  p.Value,
		Median: st.Median,
		Mean:   st.Mean,
		Stdev:  st.Stdev,
		TS:     p.TS,
	}

	switch {
	case b.continuesFlatline(p.Value) && age <= flatStale:
		sig.Kind = schema.AnomalyFlatline
		sig.Severity = schema.SevMedium
		sig.Score = 1.0

	case age > gapStale:
		sig.Kind = schema.AnomalyGap
		sig.Severity = gapSeverity(age, gapStale)
		sig.Score = capScore(age.Seconds() / gapStale.Seconds())

	default:
		denom := st.MAD
		if denom < zDenomFloor {
			denom = st.Stdev
		}
		if denom < zDenomFloor {
			denom = zDenomFloor
		}
		z := math.Abs(p.Value-st.Median) / denom

		var sev string
		switch {
		case z >= d.cfg.ZHi:
			sev = schema.SevHigh
		case z >= d.cfg.ZWarn:
			sev = schema.SevMedium
		default:
			return schema.AnomalySignal{}, false
		}

		sig.Kind = schema.AnomalyDrift
		if math.Abs(p.Value-st.Mean) > 2*st.Stdev {
			if p.Value > st.Mean {
				sig.Kind = schema.AnomalySpike
			} else {
				sig.Kind = schema.AnomalyDrop
			}
		}
		sig.Severity = d.escalate(p.Series, sev)
		sig.Score = capScore(z)
	}
	return sig, true
}

// escalate raises the severity one level while the series' SLO burn
// series reads above 1.
func (d *detector) escalate(series, sev string) string {
	bs, ok := d.burnBy[series]
	if !ok || d.burnVals[bs] <= 1 {
		return sev
	}
	switch sev {
	case schema.SevLow:
		return schema.SevMedium
	case schema.SevMedium:
		return schema.SevHigh
	}
	return sev
}

// admit applies duplicate suppression and updates the counters. One
// (series, kind, window) fires at most once per window span.
func (d *detector) admit(sig schema.AnomalySignal, span time.Duration) bool {
	key := sig.Series + "|" + sig.Kind + "|" + sig.Window
	if last, ok := d.lastEmit[key]; ok && sig.TS.Sub(last) < span {
		d.met.SuppressedTotal.Inc()
		return false
	}
	d.lastEmit[key] = sig.TS

	d.met.AnomaliesTotal.WithLabelValues(sig.Kind, sig.Severity).Inc()
	d.flagged++
	switch sig.Kind {
	case schema.AnomalyFlatline:
		d.flatlines++
	case schema.AnomalyGap:
		d.gaps++
	}
	d.byLevel[sig.Severity]++
	return true
}

// sweep flags series in one window that have gone silent. Arrival-side
// pruning never runs for a silent series, so the history is still there
// to report against.
func (d *detector) sweep(label string, now time.Time) []schema.AnomalySignal {
	d.mu.Lock()
	defer d.mu.Unlock()

	var w window
	for _, cand := range d.windows {
		if cand.label == label {
			w = cand
		}
	}
	if w.label == "" {
		return nil
	}
	gapStale := time.Duration(d.cfg.GapStaleSec) * time.Second

	var out []schema.AnomalySignal
	for series, b := range d.baselines[label] {
		if b.count() < d.cfg.MinPoints {
			continue
		}
		age := now.Sub(b.lastTS)
		if age <= gapStale {
			continue
		}
		st := b.stats()
		sig := schema.AnomalySignal{
			Series:   series,
			Window:   label,
			Kind:     schema.AnomalyGap,
			Severity: gapSeverity(age, gapStale),
			Score:    capScore(age.Seconds() / gapStale.Seconds()),
			Value:    b.lastV,
			Median:   st.Median,
			Mean:     st.Mean,
			Stdev:    st.Stdev,
			TS:       now,
		}
		if d.admit(sig, w.span) {
			out = append(out, sig)
		}
	}
	return out
}

// cleanup drops suppression keys that have been idle past the TTL.
func (d *detector) cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, ts := range d.lastEmit {
		if now.Sub(ts) > suppressionTTL {
			delete(d.lastEmit, k)
		}
	}
}

// snapshot returns the counters accumulated since the previous call and
// resets them.
func (d *detector) snapshot(now time.Time) schema.AnomalyMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := schema.AnomalyMetrics{
		Evaluated: d.evaluated,
		Flagged:   d.flagged,
		Flatlines: d.flatlines,
		Gaps:      d.gaps,
		ByLevel:   d.byLevel,
		WindowSec: 60,
		TS:        now,
	}
	d.evaluated, d.flagged, d.flatlines, d.gaps = 0, 0, 0, 0
	d.byLevel = make(map[string]int64)
	return out
}

func gapSeverity(age, gapStale time.Duration) string {
	if age > 5*gapStale {
		return schema.SevHigh
	}
	return schema.SevMedium
}

func capScore(s float64) float64 {
	if s > scoreCap {
		return scoreCap
	}
	return s
}
