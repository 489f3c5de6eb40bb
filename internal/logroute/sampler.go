package logroute

import (
	"math/rand"
	"sync"

	"github.com/orbitquant/tradeplane/pkg/schema"
)

// shedFloorPct is the lowest rate shedding may push info/debug to, so
// the sinks never go fully dark under sustained backpressure.
const shedFloorPct = 0.1

// sampler keeps the per-level effective sampling rates. Rates start at
// the configured defaults, halve for info/debug while the pipeline is
// shedding and climb back in fixed steps once the backlog clears.
type sampler struct {
	mu      sync.Mutex
	base    map[string]float64
	rates   map[string]float64
	stepPct float64
	randFn  func() float64
}

func newSampler(defaults map[string]float64, recoverStepPct float64) *sampler {
	s := &sampler{
		base:    make(map[string]float64, len(defaults)),
		rates:   make(map[string]float64, len(defaults)),
		stepPct: recoverStepPct,
		randFn:  rand.Float64,
	}
	for level, pct := range defaults {
		s.base[level] = pct
		s.rates[level] = pct
	}
	return s
}

// allow draws once per record. A rule override wins over the effective
// per-level rate; unknown levels pass through unsampled.
func (s *sampler) allow(level string, override *float64) bool {
	s.mu.Lock()
	pct, ok := s.rates[level]
	draw := s.randFn()
	s.mu.Unlock()

	if override != nil {
		pct, ok = *override, true
	}
	if !ok {
		return true
	}
	return draw*100 < pct
}

// shed halves the info and debug rates. Returns true when at least one
// rate actually moved, so callers can throttle the alert.
func (s *sampler) shed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := false
	for _, level := range []string{schema.LevelInfo, schema.LevelDebug} {
		cur, ok := s.rates[level]
		if !ok {
			continue
		}
		next := cur / 2
		if next < shedFloorPct {
			next = shedFloorPct
		}
		if next != cur {
			s.rates[level] = next
			moved = true
		}
	}
	return moved
}

// recoverStep moves every shed rate one fixed step back toward its
// base. Returns true once all rates are restored.
func (s *sampler) recoverStep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := true
	for level, base := range s.base {
		cur := s.rates[level]
		if cur >= base {
			continue
		}
		next := cur + base*s.stepPct/100
		if next > base {
			next = base
		}
		s.rates[level] = next
		if next < base {
			restored = false
		}
	}
	return restored
}

// snapshot copies the effective rates for metrics emission.
func (s *sampler) snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.rates))
	for level, pct := range s.rates {
		out[level] = pct
	}
	return out
}
