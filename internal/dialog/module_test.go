package dialog

import (
	"context"
	"errors"
	"path/filepath"
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

func dialogRig(t *testing.T, clk *clock.Virtual) *runtime.Runtime {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Tables = config.TablesConfig{
		RoutesFile:    filepath.Join(dir, "routes.yaml"),
		PrivacyFile:   filepath.Join(dir, "privacy.yaml"),
		EndpointsFile: filepath.Join(dir, "endpoints.yaml"),
		PolicyFile:    filepath.Join(dir, "policy.yaml"),
	}
	cfg.Dialog = config.DialogConfig{DefaultTimeoutMs: 120_000, RequiredRole: "operator"}

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

func startDialog(t *testing.T, rt *runtime.Runtime, channels ...Channel) *Module {
	t.Helper()
	m := New(channels...)
	require.NoError(t, m.Initialize(context.Background(), rt))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

type fakeChannel struct {
	mu      sync.Mutex
	name    string
	fail    bool
	prompts []Prompt
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, p Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("channel down")
	}
	f.prompts = append(f.prompts, p)
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeChannel) last() Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

type resultTrap struct {
	mu      sync.Mutex
	results []schema.DialogResult
	corrs   []string
}

func (tr *resultTrap) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.results)
}

func trapResults(t *testing.T, rt *runtime.Runtime) *resultTrap {
	t.Helper()
	tr := &resultTrap{}
	_, err := rt.Bus.Subscribe(schema.TopicDialogComplete, func(ctx context.Context, ev *bus.Event) error {
		res, err := bus.PayloadAs[schema.DialogResult](ev)
		if err != nil {
			return err
		}
		tr.mu.Lock()
		tr.results = append(tr.results, *res)
		tr.corrs = append(tr.corrs, ev.CorrelationID)
		tr.mu.Unlock()
		return nil
	}, bus.SubscribeOptions{Name: "test.results"})
	require.NoError(t, err)
	return tr
}

func opsRequest(id string) schema.DialogRequest {
	req := twoPlanRequest()
	req.SessionID = id
	req.CorrID = "corr-" + id
	req.Channels = []schema.ChannelSpec{{Name: "ops", Enabled: true, TimeoutMs: 5_000}}
	return req
}

func choiceOf(session, user, choice string) schema.OperatorChoice {
	return schema.OperatorChoice{SessionID: session, UserID: user, Choice: choice, Channel: "ops"}
}

func TestSessionCompletesOnAuthorizedChoice(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)
	results := trapResults(t, rt)

	req := opsRequest("s1")
	require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))

	require.Eventually(t, func() bool {
		return m.Status().Active == 1 && ops.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	p := ops.last()
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, []string{"A", "B", "HALT", "POSTPONE"}, p.Options)
	assert.Equal(t, int64(120_000), p.TimeoutMs)
	assert.Contains(t, p.Summary, "options: A/B/HALT/POSTPONE")

	// the first two are rejected, the bad option is ignored, then B wins
	for _, c := range []schema.OperatorChoice{
		choiceOf("s1", "bob", "A"),
		choiceOf("s1", "carol", "A"),
		choiceOf("s1", "alice", "Z"),
		choiceOf("s1", "alice", "B"),
	} {
		require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicOperatorChoiceLog, req.CorrID, "test", c))
	}

	require.Eventually(t, func() bool { return results.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := results.results[0]
	assert.Equal(t, schema.DialogCompleted, res.Outcome)
	assert.Equal(t, "B", res.SelectedPlan)
	assert.Equal(t, "B", res.UserResponse)
	assert.Equal(t, "alice", res.RespondedBy)
	assert.Equal(t, "corr-s1", res.CorrID)
	assert.Equal(t, "corr-s1", results.corrs[0])
	assert.Equal(t, 0, m.Status().Active)
}

func TestTimeoutFallsBackToDefaultPlan(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)
	results := trapResults(t, rt)

	req := opsRequest("s2")
	req.DefaultTimeoutMs = 60_000
	req.AutoFallback = "A"
	require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))

	require.Eventually(t, func() bool {
		return m.Status().Active == 1 && ops.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		clk.Advance(10 * time.Second)
		return results.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	res := results.results[0]
	assert.Equal(t, schema.DialogCompleted, res.Outcome)
	assert.Equal(t, "A", res.SelectedPlan)
	assert.Equal(t, "timeout", res.FallbackReason)
	assert.Empty(t, res.RespondedBy)
	assert.GreaterOrEqual(t, res.TotalDurationMs, int64(60_000))
}

func TestTimeoutWithoutFallbackExpires(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)
	results := trapResults(t, rt)

	req := opsRequest("s3")
	req.DefaultTimeoutMs = 30_000
	require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))

	require.Eventually(t, func() bool {
		return m.Status().Active == 1 && ops.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		clk.Advance(10 * time.Second)
		return results.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	res := results.results[0]
	assert.Equal(t, schema.DialogTimeout, res.Outcome)
	assert.Empty(t, res.SelectedPlan)
	assert.Equal(t, "timeout", res.FallbackReason)
	assert.Equal(t, 0, m.Status().Active)
}

func TestControlChoices(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)
	results := trapResults(t, rt)

	cases := []struct {
		session string
		choice  string
		outcome string
		reason  string
	}{
		{"s-post", schema.ChoicePostpone, schema.DialogTimeout, "postponed by operator"},
		{"s-halt", schema.ChoiceHalt, schema.DialogHalt, ""},
	}
	for i, tc := range cases {
		t.Run(tc.choice, func(t *testing.T) {
			req := opsRequest(tc.session)
			require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))
			require.Eventually(t, func() bool { return m.Status().Active == 1 }, 2*time.Second, 10*time.Millisecond)

			require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicOperatorChoiceLog, req.CorrID, "test",
				choiceOf(tc.session, "alice", tc.choice)))
			require.Eventually(t, func() bool { return results.count() == i+1 }, 2*time.Second, 10*time.Millisecond)

			res := results.results[i]
			assert.Equal(t, tc.outcome, res.Outcome)
			assert.Equal(t, tc.choice, res.UserResponse)
			assert.Equal(t, tc.reason, res.FallbackReason)
			assert.Equal(t, "alice", res.RespondedBy)
			assert.Empty(t, res.SelectedPlan)
		})
	}
}

func TestEmergencyHaltSkipsPrompting(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)
	results := trapResults(t, rt)

	req := opsRequest("s5")
	req.EmergencyHalt = true
	require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))

	require.Eventually(t, func() bool { return results.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := results.results[0]
	assert.Equal(t, schema.DialogHalt, res.Outcome)
	assert.Equal(t, "emergency halt", res.FallbackReason)
	assert.Zero(t, res.TotalDurationMs)
	assert.Equal(t, 0, ops.count(), "halt must not prompt anyone")
	assert.Equal(t, 0, m.Status().Active)
}

func TestEmergencyHaltCancelsActiveSession(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)
	results := trapResults(t, rt)

	req := opsRequest("s6")
	require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))
	require.Eventually(t, func() bool {
		return m.Status().Active == 1 && ops.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	halt := req
	halt.EmergencyHalt = true
	require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, halt.CorrID, "test", halt))

	require.Eventually(t, func() bool { return results.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := results.results[0]
	assert.Equal(t, schema.DialogHalt, res.Outcome)
	assert.Equal(t, "cancelled by emergency halt", res.FallbackReason)
	assert.Equal(t, 0, m.Status().Active)
}

func TestAllChannelsFailingClosesSession(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	down := &fakeChannel{name: "ops", fail: true}
	startDialog(t, rt, down)
	results := trapResults(t, rt)

	req := opsRequest("s7")
	require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))

	require.Eventually(t, func() bool { return results.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := results.results[0]
	assert.Equal(t, schema.DialogTimeout, res.Outcome)
	assert.Equal(t, "prompt delivery failed", res.FallbackReason)
	assert.Equal(t, 0, down.count())
}

func TestPartialChannelFailureStillPrompts(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	down := &fakeChannel{name: "pager", fail: true}
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, down, ops)
	results := trapResults(t, rt)

	req := opsRequest("s8")
	req.Channels = []schema.ChannelSpec{
		{Name: "pager", Enabled: true},
		{Name: "ops", Enabled: true},
	}
	require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))

	require.Eventually(t, func() bool {
		return m.Status().Active == 1 && ops.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicOperatorChoiceLog, req.CorrID, "test",
		choiceOf("s8", "alice", "A")))
	require.Eventually(t, func() bool { return results.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, schema.DialogCompleted, results.results[0].Outcome)
	assert.Equal(t, "A", results.results[0].SelectedPlan)
}

func TestDuplicateRequestDoesNotReprompt(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)

	first := opsRequest("s9")
	other := opsRequest("s9b")
	for _, req := range []schema.DialogRequest{first, first, other} {
		require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))
	}

	// requests run in order on one queue, so two live sessions prove the
	// duplicate was already processed and dropped
	require.Eventually(t, func() bool {
		return m.Status().Active == 2 && ops.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, ops.count())
}

func TestOverlappingSessionsResolveIndependently(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)
	results := trapResults(t, rt)

	for _, id := range []string{"sA", "sB"} {
		req := opsRequest(id)
		require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))
	}
	require.Eventually(t, func() bool { return m.Status().Active == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicOperatorChoiceLog, "corr-sB", "test",
		choiceOf("sB", "alice", "B")))
	require.Eventually(t, func() bool { return results.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "sB", results.results[0].SessionID)
	assert.Equal(t, 1, m.Status().Active)

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicOperatorChoiceLog, "corr-sA", "test",
		choiceOf("sA", "alice", "A")))
	require.Eventually(t, func() bool { return results.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "sA", results.results[1].SessionID)
	assert.Equal(t, "A", results.results[1].SelectedPlan)
	assert.Equal(t, 0, m.Status().Active)
}

func TestRequestValidationOpensNoSession(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)

	noSession := opsRequest("")
	noCorr := opsRequest("s11-bad")
	noCorr.CorrID = ""
	good := opsRequest("s11")
	for _, req := range []schema.DialogRequest{noSession, noCorr, good} {
		require.NoError(t, rt.Bus.Emit(context.Background(), bus.TopicDialogRequest, req.CorrID, "test", req))
	}

	require.Eventually(t, func() bool { return m.Status().Active == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ops.count())
}

func TestChannelStatsSurfaceInStatus(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	rt := dialogRig(t, clk)
	ops := &fakeChannel{name: "ops"}
	m := startDialog(t, rt, ops)

	assert.Equal(t, []string{"audit", "ops"}, m.Status().Channels)

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicDialogMetrics, "corr-stats", "test",
		schema.DialogChannelMetrics{Channel: "ops", SentOk: 40, SendFails: 2, AvgLagMs: 350}))

	require.Eventually(t, func() bool {
		return m.Status().Lag["ops"].SendFails == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(40), m.Status().Lag["ops"].SentOk)
}