package bus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes one delivered event. Returning an error triggers the
// subscription's retry policy, then an audit entry.
type Handler func(ctx context.Context, ev *Event) error

// SubscribeOptions tune one subscription.
type SubscribeOptions struct {
	// Name identifies the subscriber in metrics and audit entries.
	Name string

	// Queue overrides the topic's default queue bound.
	Queue int

	// Parallel > 1 opts out of ordered delivery into a worker pool.
	Parallel int

	// Idempotent drops events whose (topic, correlationId) was already
	// handled within the topic's memory window.
	Idempotent bool

	// MaxRetries and BackoffMs enable exponential jittered retry.
	MaxRetries int
	BackoffMs  int64

	// Overflow overrides the topic's overflow policy.
	Overflow OverflowPolicy
}

const warnInterval = 5 * time.Second

// Subscription is one registered handler with its delivery queue.
type Subscription struct {
	id      string
	pattern string
	name    string
	handler Handler
	opts    SubscribeOptions
	policy  OverflowPolicy

	bus   *Bus
	queue chan *Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	seen *seenSet

	delivered  atomic.Uint64
	dropped    atomic.Uint64
	duplicates atomic.Uint64
	failures   atomic.Uint64

	lastWarnNano atomic.Int64
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the subscribed topic or prefix pattern.
func (s *Subscription) Pattern() string { return s.pattern }

// QueueDepth reports pending events.
func (s *Subscription) QueueDepth() int { return len(s.queue) }

func newSubscription(b *Bus, pattern string, h Handler, opts SubscribeOptions, t Topic) *Subscription {
	if opts.Name == "" {
		opts.Name = "sub-" + uuid.NewString()[:8]
	}
	size := t.QueueSize
	if opts.Queue > 0 {
		size = opts.Queue
	}
	policy := t.Overflow
	if opts.Overflow != "" {
		policy = opts.Overflow
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		name:    opts.Name,
		handler: h,
		opts:    opts,
		policy:  policy,
		bus:     b,
		queue:   make(chan *Event, size),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if opts.Idempotent {
		ttl := time.Duration(t.MemorySec) * time.Second
		s.seen = newSeenSet(b.clk, size, ttl)
	}
	return s
}

// enqueue applies the overflow policy. Only the block policy can fail,
// when the publisher context is cancelled first.
func (s *Subscription) enqueue(ctx context.Context, ev *Event) error {
	switch s.policy {
	case OverflowBlock:
		select {
		case s.queue <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		}
	case OverflowDropOldest:
		for {
			select {
			case s.queue <- ev:
				s.gaugeDepth()
				return nil
			default:
			}
			select {
			case <-s.queue:
				s.noteDrop("overflow_oldest")
			default:
			}
		}
	default: // OverflowDropNew
		select {
		case s.queue <- ev:
		default:
			s.noteDrop("overflow_new")
			return nil
		}
	}
	s.gaugeDepth()
	return nil
}

func (s *Subscription) noteDrop(reason string) {
	s.dropped.Add(1)
	s.bus.met.DroppedTotal.WithLabelValues(s.pattern, s.name, reason).Inc()

	// Drop warnings are throttled so a hot topic cannot flood the log.
	now := s.bus.clk.Now().UnixNano()
	last := s.lastWarnNano.Load()
	if now-last > warnInterval.Nanoseconds() && s.lastWarnNano.CompareAndSwap(last, now) {
		s.bus.log.Warn().
			Str("subscriber", s.name).
			Str("pattern", s.pattern).
			Str("reason", reason).
			Uint64("dropped", s.dropped.Load()).
			Msg("subscriber queue overflow")
	}
}

func (s *Subscription) gaugeDepth() {
	s.bus.met.QueueDepth.WithLabelValues(s.pattern, s.name).Set(float64(len(s.queue)))
}

// run is the delivery loop. Ordered subscriptions use one goroutine;
// Parallel > 1 fans the same queue out to a pool and forfeits ordering.
func (s *Subscription) run() {
	workers := s.opts.Parallel
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range s.queue {
				s.gaugeDepth()
				if s.ctx.Err() != nil {
					continue // force-cancelled: drain without handling
				}
				s.dispatch(ev)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
}

func (s *Subscription) dispatch(ev *Event) {
	if s.seen != nil {
		key := ev.Topic + "|" + ev.CorrelationID
		if !s.seen.AddIfNew(key) {
			s.duplicates.Add(1)
			s.bus.met.DuplicatesTotal.WithLabelValues(s.pattern, s.name).Inc()
			return
		}
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = s.safeCall(ev)
		if err == nil || attempt >= s.opts.MaxRetries {
			break
		}
		s.bus.met.RetriesTotal.WithLabelValues(s.pattern, s.name).Inc()
		if s.bus.clk.Sleep(s.ctx, backoffDelay(s.opts.BackoffMs, attempt)) != nil {
			break
		}
	}

	if err != nil {
		s.failures.Add(1)
		s.bus.met.HandlerFailures.WithLabelValues(s.pattern, s.name).Inc()
		s.bus.noteHandlerFailure(s.name, ev, err)
		return
	}
	s.delivered.Add(1)
	s.bus.met.DeliveredTotal.WithLabelValues(s.pattern, s.name).Inc()
}

// safeCall confines handler panics to the subscription.
func (s *Subscription) safeCall(ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(s.ctx, ev)
}

// backoffDelay is exponential with half jitter: the delay lands between
// 50% and 100% of the doubled base.
func backoffDelay(baseMs int64, attempt int) time.Duration {
	if baseMs <= 0 {
		baseMs = 100
	}
	if attempt > 16 {
		attempt = 16
	}
	d := time.Duration(baseMs<<uint(attempt)) * time.Millisecond
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(half+1))
}
