package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

var busBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Topic{Name: "orders.fill", Validate: payloadOf[string](), QueueSize: 8, MemorySec: 60})
	r.MustRegister(Topic{Name: "market.*", Validate: payloadOf[string](), QueueSize: 8})
	r.MustRegister(Topic{Name: schema.TopicAuditLog, QueueSize: 64})
	return r
}

func testBus(t *testing.T, clk clock.Clock) *Bus {
	t.Helper()
	b := New(testRegistry(), clk, zerolog.Nop())
	t.Cleanup(func() { b.Close(time.Second) })
	return b
}

type sink struct {
	mu  sync.Mutex
	evs []Event
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evs)
}

func (s *sink) event(i int) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evs[i]
}

func collect(t *testing.T, b *Bus, pattern, name string) *sink {
	t.Helper()
	s := &sink{}
	_, err := b.Subscribe(pattern, func(ctx context.Context, ev *Event) error {
		s.mu.Lock()
		s.evs = append(s.evs, *ev)
		s.mu.Unlock()
		return nil
	}, SubscribeOptions{Name: name})
	require.NoError(t, err)
	return s
}

func TestPublishRejectsUnknownTopicAndBadPayload(t *testing.T) {
	b := testBus(t, clock.NewVirtual(busBase))

	err := b.Emit(context.Background(), "orders.unknown", "c1", "test", "x")
	require.Error(t, err)
	assert.Equal(t, buserr.Validation, buserr.CodeOf(err))

	err = b.Emit(context.Background(), "orders.fill", "c1", "test", 42)
	require.Error(t, err)
	assert.Equal(t, buserr.Validation, buserr.CodeOf(err))
}

func TestPrefixPatternReceivesAllMatchingTopics(t *testing.T) {
	b := testBus(t, clock.NewVirtual(busBase))
	ticks := collect(t, b, "market.*", "ticks")
	fills := collect(t, b, "orders.fill", "fills")

	require.NoError(t, b.Emit(context.Background(), "market.btcusdt", "c1", "feed", "tick-btc"))
	require.NoError(t, b.Emit(context.Background(), "market.ethusdt", "c2", "feed", "tick-eth"))
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c3", "exec", "fill-1"))

	require.Eventually(t, func() bool { return ticks.count() == 2 && fills.count() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "market.btcusdt", ticks.event(0).Topic)
	assert.Equal(t, "market.ethusdt", ticks.event(1).Topic)
	assert.Equal(t, "orders.fill", fills.event(0).Topic)
}

// slowSink blocks the delivery goroutine on its first event so the test
// can fill the one-slot queue behind it deterministically.
func slowSink(t *testing.T, b *Bus, opts SubscribeOptions) (started, release chan struct{}, got func() []string) {
	t.Helper()
	started = make(chan struct{})
	release = make(chan struct{})
	var mu sync.Mutex
	var seen []string
	_, err := b.Subscribe("orders.fill", func(ctx context.Context, ev *Event) error {
		if ev.Payload.(string) == "ev-1" {
			close(started)
			<-release
		}
		mu.Lock()
		seen = append(seen, ev.Payload.(string))
		mu.Unlock()
		return nil
	}, opts)
	require.NoError(t, err)
	return started, release, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func waitStarted(t *testing.T, started chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never started")
	}
}

func TestDropNewOverflowDiscardsIncoming(t *testing.T) {
	b := testBus(t, clock.NewVirtual(busBase))
	started, release, got := slowSink(t, b, SubscribeOptions{Name: "slow", Queue: 1})

	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c1", "test", "ev-1"))
	waitStarted(t, started)
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c2", "test", "ev-2"))
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c3", "test", "ev-3"))
	close(release)

	require.Eventually(t, func() bool { return len(got()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ev-1", "ev-2"}, got())
	assert.Equal(t, uint64(1), b.Snapshot().Dropped)
}

func TestDropOldestOverflowEvictsQueued(t *testing.T) {
	b := testBus(t, clock.NewVirtual(busBase))
	started, release, got := slowSink(t, b,
		SubscribeOptions{Name: "slow", Queue: 1, Overflow: OverflowDropOldest})

	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c1", "test", "ev-1"))
	waitStarted(t, started)
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c2", "test", "ev-2"))
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c3", "test", "ev-3"))
	close(release)

	require.Eventually(t, func() bool { return len(got()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ev-1", "ev-3"}, got())
	assert.Equal(t, uint64(1), b.Snapshot().Dropped)
}

func TestBlockOverflowHonorsPublisherContext(t *testing.T) {
	b := testBus(t, clock.NewVirtual(busBase))
	started, release, _ := slowSink(t, b,
		SubscribeOptions{Name: "slow", Queue: 1, Overflow: OverflowBlock})

	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c1", "test", "ev-1"))
	waitStarted(t, started)
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c2", "test", "ev-2"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, NewEvent("orders.fill", "c3", "test", "ev-3"))
	require.Error(t, err)
	assert.Equal(t, buserr.Backpressure, buserr.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestIdempotentSubscriberDropsReplayUntilMemoryExpires(t *testing.T) {
	clk := clock.NewVirtual(busBase)
	b := testBus(t, clk)

	var handled atomic.Int32
	_, err := b.Subscribe("orders.fill", func(ctx context.Context, ev *Event) error {
		handled.Add(1)
		return nil
	}, SubscribeOptions{Name: "idem", Idempotent: true})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c1", "test", "fill"))
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c1", "test", "fill"))
	require.Eventually(t, func() bool {
		return handled.Load() == 1 && b.Snapshot().Duplicates == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Past the topic's memory window the same correlation id is new again.
	clk.Advance(61 * time.Second)
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c1", "test", "fill"))
	require.Eventually(t, func() bool { return handled.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestSeenSetCapacityAndTTLEviction(t *testing.T) {
	clk := clock.NewVirtual(busBase)
	s := newSeenSet(clk, 2, time.Minute)

	assert.True(t, s.AddIfNew("a"))
	assert.False(t, s.AddIfNew("a"))
	assert.True(t, s.AddIfNew("b"))

	// Capacity 2: adding "c" evicts the least recently used "a".
	assert.True(t, s.AddIfNew("c"))
	assert.True(t, s.AddIfNew("a"))
	assert.Equal(t, 2, s.Len())

	// Past the TTL every surviving key counts as unseen again.
	clk.Advance(time.Minute + time.Second)
	assert.True(t, s.AddIfNew("c"))
	assert.True(t, s.AddIfNew("a"))
	assert.False(t, s.AddIfNew("a"))
}

func TestRetryRecoversWithinBudget(t *testing.T) {
	b := testBus(t, clock.NewSystem())

	var calls atomic.Int32
	done := make(chan struct{})
	_, err := b.Subscribe("orders.fill", func(ctx context.Context, ev *Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, SubscribeOptions{Name: "flaky", MaxRetries: 3, BackoffMs: 1})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c1", "test", "fill"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never recovered")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(0), b.Snapshot().Failures)
}

func TestHandlerPanicIsConfinedAndAudited(t *testing.T) {
	b := testBus(t, clock.NewVirtual(busBase))
	audits := collect(t, b, schema.TopicAuditLog, "audit-trap")

	_, err := b.Subscribe("orders.fill", func(ctx context.Context, ev *Event) error {
		panic("boom")
	}, SubscribeOptions{Name: "panicky"})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c-9", "test", "fill"))
	require.Eventually(t, func() bool { return audits.count() == 1 },
		2*time.Second, 5*time.Millisecond)

	ev := audits.event(0)
	assert.Equal(t, "c-9", ev.CorrelationID)
	entry, ok := ev.Payload.(map[string]interface{})
	require.True(t, ok, "audit payload should be the failure entry map")
	assert.Equal(t, "handler_failure", entry["kind"])
	assert.Equal(t, "panicky", entry["subscriber"])
	assert.Equal(t, "orders.fill", entry["topic"])
	assert.Contains(t, entry["error"], "handler panic")
	assert.Equal(t, uint64(1), b.Snapshot().Failures)

	// The delivery loop survives the panic.
	require.NoError(t, b.Emit(context.Background(), "orders.fill", "c-10", "test", "fill"))
	require.Eventually(t, func() bool { return audits.count() == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestAuditSubscriberFailureDoesNotFeedItself(t *testing.T) {
	b := testBus(t, clock.NewVirtual(busBase))

	var handled atomic.Int32
	_, err := b.Subscribe(schema.TopicAuditLog, func(ctx context.Context, ev *Event) error {
		handled.Add(1)
		return errors.New("sink down")
	}, SubscribeOptions{Name: "audit-sink"})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), schema.TopicAuditLog, "c1", "test",
		map[string]string{"kind": "x"}))
	require.Eventually(t, func() bool { return b.Snapshot().Failures == 1 },
		2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, uint64(1), b.Snapshot().Published)
}
