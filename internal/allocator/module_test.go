package allocator

import (
	"context"
	"os"
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

const poolTableYAML = `total_risk_pct: 6
eligible_symbols: [BTCUSDT, ETHUSDT]
dominance_tilt:
  BTCUSDT: 2
  ETHUSDT: 1
`

func allocatorRig(t *testing.T, clk clock.Clock, policyYAML string) *runtime.Runtime {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Tables = config.TablesConfig{
		RoutesFile:    filepath.Join(dir, "routes.yaml"),
		PrivacyFile:   filepath.Join(dir, "privacy.yaml"),
		EndpointsFile: filepath.Join(dir, "endpoints.yaml"),
		PolicyFile:    filepath.Join(dir, "policy.yaml"),
	}
	cfg.Allocator = allocCfg()
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

type rebalanceTrap struct {
	mu    sync.Mutex
	plans []schema.SpotRebalance
	corrs []string
}

func (tr *rebalanceTrap) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.plans)
}

func trapRebalances(t *testing.T, rt *runtime.Runtime) *rebalanceTrap {
	t.Helper()
	tr := &rebalanceTrap{}
	_, err := rt.Bus.Subscribe(schema.TopicSpotRebalance, func(ctx context.Context, ev *bus.Event) error {
		plan, err := bus.PayloadAs[schema.SpotRebalance](ev)
		if err != nil {
			return err
		}
		tr.mu.Lock()
		tr.plans = append(tr.plans, *plan)
		tr.corrs = append(tr.corrs, ev.CorrelationID)
		tr.mu.Unlock()
		return nil
	}, bus.SubscribeOptions{Name: "test.rebalances"})
	require.NoError(t, err)
	return tr
}

func TestModuleEmitsPlanOnSnapshot(t *testing.T) {
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := allocatorRig(t, clk, poolTableYAML)
	tr := trapRebalances(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicAccountExposure, "corr-reb", "treasury",
		schema.ExposureSnapshot{
			Equity:   250_000,
			Balances: []schema.Balance{{Asset: "BTC", Qty: 0.6, UsdValue: 30_000}},
			Outlooks: gatedOutlooks(),
			TS:       base,
		}))

	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	plan := tr.plans[0]
	assert.Equal(t, "corr-reb", tr.corrs[0])
	assert.Equal(t, "corr-reb", plan.CorrID)
	assert.Equal(t, 37_500.0, plan.TargetSpotUsd)
	assert.Equal(t, 30_000.0, plan.CurrentUsd)
	require.Len(t, plan.Legs, 2)
	assert.Equal(t, 5_000.0, plan.Legs[0].NotionalUsd)
	assert.Equal(t, 2_500.0, plan.Legs[1].NotionalUsd)

	assert.Contains(t, m.Health().Detail, "target 37500")

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestModuleStaysQuietWhenFlat(t *testing.T) {
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := allocatorRig(t, clk, poolTableYAML)
	tr := trapRebalances(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	// A book already at target plans but emits nothing.
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicAccountExposure, "corr-flat", "treasury",
		schema.ExposureSnapshot{
			Equity:   100_000,
			Balances: []schema.Balance{{Asset: "ETH", Qty: 6, UsdValue: 15_000}},
			Outlooks: gatedOutlooks(),
			TS:       base,
		}))
	require.Eventually(t, func() bool {
		return strings.Contains(m.Health().Detail, "legs 0")
	}, 2*time.Second, 10*time.Millisecond)

	// The next snapshot opens a gap; only that plan reaches the bus.
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicAccountExposure, "corr-gap", "treasury",
		schema.ExposureSnapshot{
			Equity:   100_000,
			Balances: []schema.Balance{{Asset: "ETH", Qty: 6, UsdValue: 9_000}},
			Outlooks: gatedOutlooks(),
			TS:       base.Add(time.Second),
		}))
	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, "corr-gap", tr.corrs[0])
	assert.Equal(t, 6_000.0, tr.plans[0].DiffUsd)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestModuleTickReplansOnPriceDrift(t *testing.T) {
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := allocatorRig(t, clk, poolTableYAML)
	tr := trapRebalances(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	// Flat at the snapshot's own valuation.
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicAccountExposure, "", "treasury",
		schema.ExposureSnapshot{
			Equity:   100_000,
			Balances: []schema.Balance{{Asset: "BTC", Qty: 0.3, UsdValue: 15_000}},
			Outlooks: gatedOutlooks(),
			TS:       base,
		}))
	require.Eventually(t, func() bool { return m.Current().CurrentUsd == 15_000.0 }, 2*time.Second, 10*time.Millisecond)

	// The market rallies; the next tick notices the overweight book.
	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicMarketPrefix+"BTCUSDT", "", "feed",
		schema.MarketTicker{Symbol: "BTCUSDT", Mid: 60_000, TS: base}))
	require.Eventually(t, func() bool { return m.Current().CurrentUsd == 18_000.0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicClockTick1m, "", "clock", clk.Now()))
	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	plan := tr.plans[0]
	assert.True(t, strings.HasPrefix(tr.corrs[0], "reb-"), "tick plans mint their own correlation id")
	assert.Equal(t, -3_000.0, plan.DiffUsd)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, schema.SideSell, plan.Legs[0].Side)
	assert.Equal(t, 3_000.0, plan.Legs[0].NotionalUsd)
	assert.InDelta(t, 0.05, plan.Legs[0].Qty, 1e-9)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestModuleReloadSwapsPool(t *testing.T) {
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(base)
	rt := allocatorRig(t, clk, "total_risk_pct: 6\neligible_symbols: [BTCUSDT]\n")
	tr := trapRebalances(t, rt)

	m := New()
	require.NoError(t, m.Initialize(context.Background(), rt))

	require.NoError(t, rt.Bus.Emit(context.Background(), schema.TopicAccountExposure, "corr-pool", "treasury",
		schema.ExposureSnapshot{
			Equity:   250_000,
			Outlooks: gatedOutlooks(),
			TS:       base,
		}))
	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	policyFile := rt.Config.Static().Tables.PolicyFile
	require.NoError(t, os.WriteFile(policyFile, []byte("total_risk_pct: 6\neligible_symbols: [ETHUSDT]\n"), 0o644))
	require.NoError(t, rt.Config.Reload(config.TablePolicy))

	require.Eventually(t, func() bool { return tr.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, "BTCUSDT", tr.plans[0].Legs[0].Symbol)
	assert.Equal(t, "ETHUSDT", tr.plans[1].Legs[0].Symbol)
	assert.True(t, strings.HasPrefix(tr.corrs[1], "reb-"))

	require.NoError(t, m.Shutdown(context.Background()))
}
