// Package mirror republishes selected bus topics to Google Cloud
// Pub/Sub so off-box consumers (dashboards, archives, downstream
// automation) see the same envelopes the in-process modules do.
// Mirroring is fire-and-forget: broker trouble never blocks the bus.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// ackTimeout bounds the wait for one broker ack.
const ackTimeout = 10 * time.Second

// defaultTopics is the mirrored set when the config names none. These
// are the operator-facing streams; raw logs and market ticks stay
// on-box.
func defaultTopics() []string {
	return []string{
		schema.TopicAuditLog,
		schema.TopicDrawdownAlert,
		schema.TopicTelemetryAlert,
		schema.TopicSwitched,
		schema.TopicOpsActions,
	}
}

// Status reports mirror counters for the admin status surface.
type Status struct {
	Enabled  bool     `json:"enabled"`
	Topics   []string `json:"topics,omitempty"`
	Mirrored int64    `json:"mirrored"`
	Failed   int64    `json:"failed"`
	Skipped  int64    `json:"skipped"`
}

// Module bridges bus topics onto a Pub/Sub topic. The bus handler
// enqueues into the client and returns; a goroutine per message waits
// for the ack, so wire order per key follows handler order.
type Module struct {
	*runtime.Base

	rt     *runtime.Runtime
	log    zerolog.Logger
	met    *metrics.ObservabilityMetrics
	pub    Publisher
	owned  bool // Close pub on shutdown
	topics []string
	subs   []*bus.Subscription
	wg     sync.WaitGroup

	mirrored atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
}

func New() *Module {
	return &Module{Base: runtime.NewBase("mirror"), owned: true}
}

// NewWithPublisher injects a ready publisher. Tests use it, as would a
// deployment fronting a different broker.
func NewWithPublisher(pub Publisher) *Module {
	return &Module{Base: runtime.NewBase("mirror"), pub: pub}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "mirror").Logger()
	m.met = metrics.Observability()

	cfg := rt.Config.Static().Mirror
	if m.pub == nil {
		if cfg.ProjectID == "" {
			m.MarkRunning()
			m.SetDetail("disabled")
			m.log.Info().Msg("mirror disabled, no project id")
			return nil
		}
		pub, err := dialPubSub(ctx, cfg.ProjectID, cfg.Topic)
		if err != nil {
			return err
		}
		m.pub = pub
	}

	m.topics = cfg.Topics
	if len(m.topics) == 0 {
		m.topics = defaultTopics()
	}

	for _, topic := range m.topics {
		sub, err := rt.Bus.Subscribe(topic, m.handleEvent, bus.SubscribeOptions{Name: "mirror." + topic})
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}

	rt.Sched.Every("mirror.health", time.Minute, 0, m.checkHealth)

	m.MarkRunning()
	m.SetDetail(fmt.Sprintf("mirroring %d topics", len(m.topics)))
	m.log.Info().Strs("topics", m.topics).Str("topic", cfg.Topic).Msg("mirror online")
	return nil
}

func (m *Module) Shutdown(ctx context.Context) error {
	for _, sub := range m.subs {
		m.rt.Bus.Unsubscribe(sub)
	}

	// Let in-flight acks land, but not past the shutdown grace.
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if m.pub != nil && m.owned {
		if err := m.pub.Close(); err != nil {
			m.log.Warn().Err(err).Msg("publisher close failed")
		}
	}
	m.MarkStopped()
	return nil
}

// Status exposes mirror counters for the admin status surface.
func (m *Module) Status() Status {
	return Status{
		Enabled:  m.pub != nil,
		Topics:   append([]string(nil), m.topics...),
		Mirrored: m.mirrored.Load(),
		Failed:   m.failed.Load(),
		Skipped:  m.skipped.Load(),
	}
}

func (m *Module) handleEvent(ctx context.Context, ev *bus.Event) error {
	if ev.Classification == schema.ClassSensitiveHigh {
		m.skipped.Add(1)
		m.log.Debug().Str("topic", ev.Topic).Str("eventId", ev.ID).Msg("sensitive envelope kept on-box")
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return buserr.Wrap(buserr.Validation, "mirror.encode", err)
	}

	ack := m.pub.Publish(ctx, Message{
		Data: data,
		Attributes: map[string]string{
			"topic":          ev.Topic,
			"eventId":        ev.ID,
			"corrId":         ev.CorrelationID,
			"producer":       ev.Producer,
			"classification": ev.Classification,
		},
		OrderingKey: ev.Topic,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		actx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		if err := ack.Get(actx); err != nil {
			m.failed.Add(1)
			m.met.MirrorErrorsTotal.Inc()
			m.log.Warn().Err(err).Str("topic", ev.Topic).Str("eventId", ev.ID).Msg("mirror publish failed")
			return
		}
		m.mirrored.Add(1)
		m.met.MirroredTotal.WithLabelValues(ev.Topic).Inc()
	}()
	return nil
}

func (m *Module) checkHealth(ctx context.Context, now time.Time) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.pub.Health(hctx); err != nil {
		m.MarkDegraded("broker unreachable")
		m.log.Warn().Err(err).Msg("mirror health check failed")
		return
	}
	m.MarkRunning()
	m.SetDetail(fmt.Sprintf("mirroring %d topics", len(m.topics)))
}
