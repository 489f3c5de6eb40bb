package pacing

import (
	"context"
	"os"
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

func pacingRig(t *testing.T, clk clock.Clock, policyYAML string) *runtime.Runtime {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Tables = config.TablesConfig{
		RoutesFile:    filepath.Join(dir, "routes.yaml"),
		PrivacyFile:   filepath.Join(dir, "privacy.yaml"),
		EndpointsFile: filepath.Join(dir, "endpoints.yaml"),
		PolicyFile:    filepath.Join(dir, "policy.yaml"),
	}
	cfg.Pacing = pacingCfg()
	if policyYAML != "" {
		require.NoError(t, os.WriteFile(cfg.Tables.PolicyFile, []byte(policyYAML), 0o644))
	}

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

type planTrap struct {
	mu    sync.Mutex
	plans []schema.PacingPlan
	corrs []string
}

func (tr *planTrap) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.plans)
}

func trapPlans(t *testing.T, rt *runtime.Runtime) *planTrap {
	t.Helper()
	tr := &planTrap{}
	_, err := rt.Bus.Subscribe(schema.TopicPacingPlan, func(ctx context.Context, ev *bus.Event) error {
		plan, err := bus.PayloadAs[schema.PacingPlan](ev)
		if err != nil {
			return err
		}
		tr.mu.Lock()
		tr.plans = append(tr.plans, *plan)
		tr.corrs = append(tr.corrs, ev.CorrelationID)
		tr.mu.Unlock()
		return nil
	}, bus.SubscribeOptions{Name: "test.plans"})
	require.NoError(t, err)
	return tr
}

func TestModulePublishesPlanOnActivity(t *testing.T) {
	base := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := pacingRig(t, clk, "")
	tr := trapPlans(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicSessionActivity, "corr-s5", "feeds",
		schema.SessionActivity{
			Liquidity: &schema.LiquiditySnapshot{SpreadFactor: 0.5, DepthFactor: 1, WsLagFactor: 1, TS: base},
			Rate:      &schema.RateBudget{RequestWeightPerMin: 4800, OrdersPer10s: 20},
			TS:        base,
		}))

	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	plan := tr.plans[0]
	assert.Equal(t, "corr-s5", tr.corrs[0])
	assert.InDelta(t, 0.5, plan.Factor, 1e-9)
	assert.Equal(t, "us", plan.Window)
	assert.Equal(t, 3, plan.MaxNewPositions)
	assert.Equal(t, 60, plan.MaxChildPerMin, "base quota under the 108 rate cap")
	assert.Equal(t, 12500.0, plan.RiskBudgetUsd)
	assert.False(t, plan.ReduceOnly)

	assert.Contains(t, m.Health().Detail, "factor 0.50 window us")

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestModulePlansOnMinuteTick(t *testing.T) {
	base := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := pacingRig(t, clk, "")
	tr := trapPlans(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicClockTick1m, "", "clock", clk.Now()))

	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	plan := tr.plans[0]
	assert.Equal(t, "", tr.corrs[0])

	// No feeds yet: liquidity paces at the floor, the rest is neutral.
	assert.InDelta(t, 0.4, plan.Factor, 1e-9)
	assert.Equal(t, 2, plan.MaxNewPositions)
	assert.Equal(t, 48, plan.MaxChildPerMin)
	assert.Equal(t, 10000.0, plan.RiskBudgetUsd)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestModuleHaltsOnSentinel(t *testing.T) {
	base := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := pacingRig(t, clk, "")
	tr := trapPlans(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicRiskState, "corr-halt", "sentinel",
		schema.RiskState{Level: schema.RiskRed, Sentinel: schema.SentinelCircuitBreaker}))

	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	plan := tr.plans[0]
	assert.Equal(t, "corr-halt", tr.corrs[0])
	assert.True(t, plan.ReduceOnly)
	assert.Zero(t, plan.Factor)
	assert.Zero(t, plan.MaxNewPositions)
	assert.Zero(t, plan.MaxChildPerMin)
	assert.Equal(t, 6250.0, plan.RiskBudgetUsd)

	assert.Contains(t, m.Health().Detail, "factor 0.00")

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestModulePolicyReloadRefreshesSlipBand(t *testing.T) {
	base := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := pacingRig(t, clk, "slip_bp_soft: 30\n")
	tr := trapPlans(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	assert.Equal(t, 30.0, m.Current().SlipSoftBp)

	policyFile := rt.Config.Static().Tables.PolicyFile
	require.NoError(t, os.WriteFile(policyFile, []byte("slip_bp_soft: 60\n"), 0o644))
	require.NoError(t, rt.Config.Reload(config.TablePolicy))

	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 60.0, tr.plans[0].SlipSoftBp)
	assert.Equal(t, 60.0, m.Current().SlipSoftBp)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestModuleLiveFeedBeatsTablePolicy(t *testing.T) {
	base := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := pacingRig(t, clk, "slip_bp_soft: 30\n")
	tr := trapPlans(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicPortfolioPolicy, "corr-pol", "portfolio",
		schema.PolicyCaps{SlipBpSoft: 45, TS: base}))

	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 45.0, tr.plans[0].SlipSoftBp)
	assert.Equal(t, "corr-pol", tr.corrs[0])

	require.NoError(t, m.Shutdown(context.Background()))
}
