package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Bus routes events from publishers to subscriptions. The subscriber map
// is guarded by an RWMutex; enqueueing happens under the read lock so
// Unsubscribe and Close can fence out in-flight publishers with the write
// lock. No component lock is ever held while calling Publish.
type Bus struct {
	registry *Registry
	clk      clock.Clock
	log      zerolog.Logger
	met      *metrics.BusMetrics

	mu   sync.RWMutex
	subs map[string][]*Subscription // keyed by subscription pattern

	closed    atomic.Bool
	published atomic.Uint64
}

// New builds a bus over the given topic registry and clock.
func New(reg *Registry, clk clock.Clock, log zerolog.Logger) *Bus {
	return &Bus{
		registry: reg,
		clk:      clk,
		log:      log.With().Str("component", "bus").Logger(),
		met:      metrics.Bus(),
		subs:     make(map[string][]*Subscription),
	}
}

// Registry exposes the topic table, mainly for the admin surface.
func (b *Bus) Registry() *Registry { return b.registry }

// Clock exposes the bus clock so modules share one time source.
func (b *Bus) Clock() clock.Clock { return b.clk }

// Subscribe registers a handler for a topic or prefix pattern. The
// pattern must resolve against the registry.
func (b *Bus) Subscribe(pattern string, h Handler, opts SubscribeOptions) (*Subscription, error) {
	if h == nil {
		return nil, buserr.New(buserr.Validation, "bus.subscribe", "nil handler")
	}
	t, ok := b.registry.Resolve(pattern)
	if !ok {
		return nil, buserr.New(buserr.Validation, "bus.subscribe", "unknown topic %q", pattern)
	}
	if b.closed.Load() {
		return nil, buserr.New(buserr.Backpressure, "bus.subscribe", "bus is shut down")
	}

	s := newSubscription(b, pattern, h, opts, t)

	b.mu.Lock()
	b.subs[pattern] = append(b.subs[pattern], s)
	b.mu.Unlock()

	s.run()
	b.log.Debug().Str("subscriber", s.name).Str("pattern", pattern).Msg("subscribed")
	return s, nil
}

// Unsubscribe detaches and drains a subscription.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	list := b.subs[s.pattern]
	for i, cand := range list {
		if cand.id == s.id {
			b.subs[s.pattern] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	close(s.queue)
	<-s.done
	s.cancel()
}

// Publish validates the event against its topic descriptor and enqueues
// it for every matching subscription.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	if ev == nil || ev.Topic == "" {
		return buserr.New(buserr.Validation, "bus.publish", "nil event or empty topic")
	}
	if b.closed.Load() {
		return buserr.New(buserr.Backpressure, "bus.publish", "bus is shut down")
	}

	t, ok := b.registry.Resolve(ev.Topic)
	if !ok {
		return buserr.New(buserr.Validation, "bus.publish", "unknown topic %q", ev.Topic)
	}
	if t.Validate != nil {
		if err := t.Validate(ev.Payload); err != nil {
			return buserr.Wrap(buserr.Validation, "bus.publish "+ev.Topic, err)
		}
	}

	if ev.ID == "" {
		ev.ID = "ev-" + uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = b.clk.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return buserr.New(buserr.Backpressure, "bus.publish", "bus is shut down")
	}

	b.published.Add(1)
	b.met.PublishedTotal.WithLabelValues(t.Name).Inc()

	for pattern, list := range b.subs {
		if !matchesPattern(pattern, ev.Topic) {
			continue
		}
		for _, s := range list {
			if err := s.enqueue(ctx, ev); err != nil {
				return buserr.Wrap(buserr.Backpressure, "bus.publish "+ev.Topic, err)
			}
		}
	}
	return nil
}

// Emit is the convenience publish used by modules for derived events.
func (b *Bus) Emit(ctx context.Context, topic, correlationID, producer string, payload interface{}) error {
	return b.Publish(ctx, NewEvent(topic, correlationID, producer, payload))
}

// noteHandlerFailure records a terminal handler error on the audit topic.
// Failures of the audit subscriber itself only go to the log, otherwise a
// broken audit sink would feed itself forever.
func (b *Bus) noteHandlerFailure(subscriber string, ev *Event, err error) {
	b.log.Error().
		Err(err).
		Str("subscriber", subscriber).
		Str("topic", ev.Topic).
		Str("corr_id", ev.CorrelationID).
		Msg("handler failed")

	if ev.Topic == schema.TopicAuditLog {
		return
	}
	entry := map[string]interface{}{
		"kind":       "handler_failure",
		"subscriber": subscriber,
		"topic":      ev.Topic,
		"code":       string(buserr.CodeOf(err)),
		"error":      err.Error(),
	}
	_ = b.Publish(context.Background(), NewEvent(schema.TopicAuditLog, ev.CorrelationID, "bus", entry))
}

// Close stops intake, drains subscriber queues up to grace, then
// force-cancels stragglers.
func (b *Bus) Close(grace time.Duration) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Taking the write lock fences out every publisher still holding the
	// read lock; afterwards queues can be closed safely.
	b.mu.Lock()
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, s := range all {
		close(s.queue)
	}

	deadline := b.clk.After(grace)
	expired := false
	for _, s := range all {
		if expired {
			s.cancel()
			<-s.done
			continue
		}
		select {
		case <-s.done:
		case <-deadline:
			expired = true
			s.cancel()
			<-s.done
		}
	}

	b.log.Info().
		Int("subscriptions", len(all)).
		Bool("forced", expired).
		Uint64("published", b.published.Load()).
		Msg("bus closed")
	return nil
}

// Stats is a point-in-time view for the health snapshot.
type Stats struct {
	Published   uint64         `json:"published"`
	Subscribers int            `json:"subscribers"`
	QueueDepths map[string]int `json:"queueDepths"`
	Dropped     uint64         `json:"dropped"`
	Duplicates  uint64         `json:"duplicates"`
	Failures    uint64         `json:"failures"`
}

// Snapshot collects bus statistics.
func (b *Bus) Snapshot() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Published:   b.published.Load(),
		QueueDepths: make(map[string]int),
	}
	for _, list := range b.subs {
		for _, s := range list {
			st.Subscribers++
			st.QueueDepths[s.name] = len(s.queue)
			st.Dropped += s.dropped.Load()
			st.Duplicates += s.duplicates.Load()
			st.Failures += s.failures.Load()
		}
	}
	return st
}
