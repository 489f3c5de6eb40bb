package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/clock"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

func mirrorRig(t *testing.T, clk *clock.Virtual, topics []string) *runtime.Runtime {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Tables = config.TablesConfig{
		RoutesFile:    filepath.Join(dir, "routes.yaml"),
		PrivacyFile:   filepath.Join(dir, "privacy.yaml"),
		EndpointsFile: filepath.Join(dir, "endpoints.yaml"),
		PolicyFile:    filepath.Join(dir, "policy.yaml"),
	}
	cfg.Mirror = config.MirrorConfig{Topic: "tradeplane-ops", Topics: topics}

	mgr, err := config.NewManager(cfg, zerolog.Nop())
	require.NoError(t, err)

	rt := &runtime.Runtime{
		Bus:    bus.New(bus.DefaultRegistry(), clk, zerolog.Nop()),
		Clock:  clk,
		Sched:  clock.NewScheduler(clk, zerolog.Nop()),
		Config: mgr,
		Log:    zerolog.Nop(),
	}
	t.Cleanup(func() { rt.Bus.Close(time.Second) })
	return rt
}

func startMirror(t *testing.T, rt *runtime.Runtime, pub Publisher) *Module {
	t.Helper()
	m := NewWithPublisher(pub)
	require.NoError(t, m.Initialize(context.Background(), rt))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

type fakeAck struct{ err error }

func (a fakeAck) Get(ctx context.Context) error { return a.err }

type fakePublisher struct {
	mu        sync.Mutex
	msgs      []Message
	fail      bool
	healthErr error
	closed    bool
}

func (p *fakePublisher) Publish(ctx context.Context, msg Message) Ack {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	if p.fail {
		return fakeAck{err: errors.New("broker down")}
	}
	return fakeAck{}
}

func (p *fakePublisher) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) setFail(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = v
}

func (p *fakePublisher) setHealthErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

func (p *fakePublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *fakePublisher) at(i int) Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[i]
}

func (p *fakePublisher) all() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

var mirrorStart = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func TestMirrorsEnvelopesWithOrderingAndAttributes(t *testing.T) {
	clk := clock.NewVirtual(mirrorStart)
	rt := mirrorRig(t, clk, nil)
	pub := &fakePublisher{}
	m := startMirror(t, rt, pub)

	alert := schema.DrawdownAlert{Level: schema.DrawdownWarn, CurrentDDPct: 2.4, MaxDDPct: 2.4, Peak: 120_000, Current: 117_120}
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicDrawdownAlert, "corr-dd", "drawdown", alert))

	sw := schema.Switched{PlanID: "plan-7", From: "ep-a", To: "ep-b", ReasonCodes: []string{"UNHEALTHY"}, DurationMs: 1400, TS: clk.Now()}
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicSwitched, "corr-sw", "failover", sw))

	require.Eventually(t, func() bool { return pub.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	byTopic := map[string]Message{}
	for _, msg := range pub.all() {
		byTopic[msg.Attributes["topic"]] = msg
	}

	dd, ok := byTopic[schema.TopicDrawdownAlert]
	require.True(t, ok)
	assert.Equal(t, schema.TopicDrawdownAlert, dd.OrderingKey)
	assert.Equal(t, "corr-dd", dd.Attributes["corrId"])
	assert.Equal(t, "drawdown", dd.Attributes["producer"])
	assert.Equal(t, schema.ClassPublic, dd.Attributes["classification"])
	assert.True(t, strings.HasPrefix(dd.Attributes["eventId"], "ev-"))

	var env bus.Event
	require.NoError(t, json.Unmarshal(dd.Data, &env))
	assert.Equal(t, schema.TopicDrawdownAlert, env.Topic)
	assert.Equal(t, "corr-dd", env.CorrelationID)
	payload, ok := env.Payload.(map[string]interface{})
	require.True(t, ok, "payload rides inside the envelope as a json object")
	assert.Equal(t, schema.DrawdownWarn, payload["level"])
	assert.InDelta(t, 2.4, payload["currentDdPct"], 1e-9)

	assert.Equal(t, schema.TopicSwitched, byTopic[schema.TopicSwitched].OrderingKey)

	require.Eventually(t, func() bool { return m.Status().Mirrored == 2 }, 2*time.Second, 10*time.Millisecond)
	st := m.Status()
	assert.True(t, st.Enabled)
	assert.Len(t, st.Topics, 5)
	assert.Zero(t, st.Failed)
	assert.Zero(t, st.Skipped)
}

func TestConfiguredTopicListOverridesDefault(t *testing.T) {
	clk := clock.NewVirtual(mirrorStart)
	rt := mirrorRig(t, clk, []string{schema.TopicSwitched})
	pub := &fakePublisher{}
	m := startMirror(t, rt, pub)

	assert.Equal(t, []string{schema.TopicSwitched}, m.Status().Topics)

	alert := schema.DrawdownAlert{Level: schema.DrawdownError, CurrentDDPct: 3.8}
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicDrawdownAlert, "corr-dd", "drawdown", alert))
	sw := schema.Switched{PlanID: "plan-1", From: "ep-a", To: "ep-b"}
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicSwitched, "corr-sw", "failover", sw))

	require.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, schema.TopicSwitched, pub.at(0).Attributes["topic"])
}

func TestSensitiveEnvelopesStayOnBox(t *testing.T) {
	clk := clock.NewVirtual(mirrorStart)
	rt := mirrorRig(t, clk, nil)
	pub := &fakePublisher{}
	m := startMirror(t, rt, pub)

	bundle := schema.ActionBundle{PlanID: "plan-a", CorrID: "corr-high", Children: []schema.ActionChild{
		{Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.TypeLimit, Qty: 0.5, Price: 64_000},
	}}
	high := &bus.Event{
		Topic:          schema.TopicOpsActions,
		CorrelationID:  "corr-high",
		Producer:       "guardrail",
		Classification: schema.ClassSensitiveHigh,
		Payload:        bundle,
	}
	require.NoError(t, rt.Bus.Publish(context.Background(), high))
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicOpsActions, "corr-pub", "guardrail", bundle))

	// Both envelopes ride the ops.actions queue in order, so a single
	// recorded publish proves the sensitive one was screened out.
	require.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "corr-pub", pub.at(0).Attributes["corrId"])

	require.Eventually(t, func() bool { return m.Status().Mirrored == 1 }, 2*time.Second, 10*time.Millisecond)
	st := m.Status()
	assert.Equal(t, int64(1), st.Skipped)
	assert.Zero(t, st.Failed)
}

func TestBrokerFailureIsCountedAndNonFatal(t *testing.T) {
	clk := clock.NewVirtual(mirrorStart)
	rt := mirrorRig(t, clk, nil)
	pub := &fakePublisher{}
	pub.setFail(true)
	m := startMirror(t, rt, pub)

	sw := schema.Switched{PlanID: "plan-1", From: "ep-a", To: "ep-b"}
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicSwitched, "corr-1", "failover", sw))

	require.Eventually(t, func() bool { return m.Status().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, m.Status().Mirrored)
	assert.Equal(t, runtime.StateRunning, m.Health().State, "publish failures alone never degrade the module")

	pub.setFail(false)
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicSwitched, "corr-2", "failover", sw))

	require.Eventually(t, func() bool { return m.Status().Mirrored == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, pub.count())
}

func TestDisabledWithoutProjectID(t *testing.T) {
	clk := clock.NewVirtual(mirrorStart)
	rt := mirrorRig(t, clk, nil)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	h := m.Health()
	assert.Equal(t, runtime.StateRunning, h.State)
	assert.Equal(t, "disabled", h.Detail)

	st := m.Status()
	assert.False(t, st.Enabled)
	assert.Empty(t, st.Topics)

	sw := schema.Switched{PlanID: "plan-1", From: "ep-a", To: "ep-b"}
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicSwitched, "corr-x", "failover", sw))
	assert.Zero(t, m.Status().Mirrored)
}

func TestHealthSweepDegradesAndRecovers(t *testing.T) {
	clk := clock.NewVirtual(mirrorStart)
	rt := mirrorRig(t, clk, nil)
	pub := &fakePublisher{}
	m := startMirror(t, rt, pub)

	pub.setHealthErr(errors.New("rpc unavailable"))
	m.checkHealth(context.Background(), clk.Now())
	h := m.Health()
	assert.Equal(t, runtime.StateDegraded, h.State)
	assert.Equal(t, "broker unreachable", h.Detail)

	pub.setHealthErr(nil)
	m.checkHealth(context.Background(), clk.Now())
	h = m.Health()
	assert.Equal(t, runtime.StateRunning, h.State)
	assert.Equal(t, "mirroring 5 topics", h.Detail)
}

func TestShutdownClosesOnlyOwnedPublisher(t *testing.T) {
	clk := clock.NewVirtual(mirrorStart)

	owned := &fakePublisher{}
	mo := &Module{Base: runtime.NewBase("mirror"), pub: owned, owned: true}
	require.NoError(t, mo.Initialize(context.Background(), mirrorRig(t, clk, nil)))
	require.NoError(t, mo.Shutdown(context.Background()))
	assert.True(t, owned.isClosed())

	injected := &fakePublisher{}
	mi := NewWithPublisher(injected)
	require.NoError(t, mi.Initialize(context.Background(), mirrorRig(t, clk, nil)))
	require.NoError(t, mi.Shutdown(context.Background()))
	assert.False(t, injected.isClosed(), "caller keeps ownership of an injected publisher")
	assert.Equal(t, runtime.StateStopped, mi.Health().State)
}
