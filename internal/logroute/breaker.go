package logroute

import (
	"errors"
	"sync"
	"time"

	"github.com/orbitquant/tradeplane/internal/clock"
)

// BreakerState is the sink circuit state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // writes pass through
	BreakerOpen                         // writes rejected until timeout
	BreakerHalfOpen                     // limited probe writes
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrBreakerOpen = errors.New("sink breaker open")
	ErrBreakerBusy = errors.New("sink breaker probing")
)

// BreakerConfig tunes one sink breaker.
type BreakerConfig struct {
	Name string

	// MaxProbes bounds concurrent attempts in half-open state.
	MaxProbes uint32

	// Interval resets closed-state counts so old failures age out.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ReadyToTrip inspects counts after each closed-state failure.
	ReadyToTrip func(counts BreakerCounts) bool

	// OnStateChange observes transitions. Optional.
	OnStateChange func(name string, from, to BreakerState)
}

func defaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:      name,
		MaxProbes: 2,
		Interval:  60 * time.Second,
		Timeout:   30 * time.Second,
		ReadyToTrip: func(c BreakerCounts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

// BreakerCounts tracks request outcomes within one generation.
type BreakerCounts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *BreakerCounts) clear() { *c = BreakerCounts{} }

func (c *BreakerCounts) onSuccess() {
	c.Requests++
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *BreakerCounts) onFailure() {
	c.Requests++
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker guards one sink. A tripped breaker fails writes fast so the
// batch lands in the retry queue instead of blocking the flusher on a
// sink that keeps timing out. The generation counter discards results
// from writes that started before the last state change.
type Breaker struct {
	cfg BreakerConfig
	clk clock.Clock

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     BreakerCounts
	expiry     time.Time
}

// NewBreaker builds a closed breaker. Zero-value config fields fall back
// to the sink defaults.
func NewBreaker(cfg BreakerConfig, clk clock.Clock) *Breaker {
	def := defaultBreakerConfig(cfg.Name)
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = def.ReadyToTrip
	}
	b := &Breaker{cfg: cfg, clk: clk, state: BreakerClosed}
	b.newGeneration(clk.Now())
	return b
}

// Name returns the guarded sink name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, advancing open→half-open when the
// timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(b.clk.Now())
	return s
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() BreakerCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the breaker admits it and feeds the outcome back into
// the state machine. Panics count as failures and re-raise.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(generation, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	state, generation := b.currentState(now)

	if state == BreakerOpen {
		return generation, ErrBreakerOpen
	}
	if state == BreakerHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrBreakerBusy
	}
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state BreakerState, now time.Time) {
	switch state {
	case BreakerClosed:
		b.counts.onSuccess()
	case BreakerHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(BreakerClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state BreakerState, now time.Time) {
	switch state {
	case BreakerClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (BreakerState, uint64) {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			b.setState(BreakerHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case BreakerClosed:
		b.expiry = now.Add(b.cfg.Interval)
	case BreakerOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}
