package guardrail

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

func grCfg() config.GuardrailConfig {
	return config.GuardrailConfig{
		TwapBumpMs:        300,
		IcebergBump:       0.03,
		MaxIceberg:        0.5,
		NotionalTrimRatio: 0.6,
		EnforcePostOnly:   true,
		AuditChangeCap:    6,
	}
}

func child(symbol, side, typ string, qty float64) schema.ActionChild {
	return schema.ActionChild{Symbol: symbol, Side: side, Type: typ, Qty: qty}
}

func bundleOf(planID, corrID string, children ...schema.ActionChild) schema.ActionBundle {
	return schema.ActionBundle{PlanID: planID, CorrID: corrID, Children: children}
}

func symbolFinding(symbol, kind, severity string) schema.SymbolFeasibility {
	return schema.SymbolFeasibility{
		Symbol:   symbol,
		Findings: []schema.Finding{{Type: kind, Severity: severity}},
	}
}

func TestNormalPassThrough(t *testing.T) {
	b := NewBridge(grCfg())

	in := bundleOf("A", "c1",
		schema.ActionChild{Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.TypeLimit, Qty: 1, Meta: schema.ChildMeta{TwapMs: 500, Iceberg: 0.1}},
		child("ETHUSDT", schema.SideSell, schema.TypeMarket, 2))
	res := b.Apply(in)

	assert.Equal(t, schema.ModeNormal, res.Mode)
	assert.Empty(t, res.Changes)
	assert.Empty(t, res.BlockedSymbols)
	assert.Zero(t, res.Dropped)
	assert.Equal(t, in.Children, res.After.Children)
	assert.Equal(t, "c1", res.After.CorrID)
}

func TestZeroQuantityChildrenDrop(t *testing.T) {
	b := NewBridge(grCfg())

	res := b.Apply(bundleOf("A", "c1",
		child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 0),
		child("ETHUSDT", schema.SideSell, schema.TypeLimit, 1)))

	assert.Equal(t, schema.ModeNormal, res.Mode)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.After.Children, 1)
	assert.Equal(t, "ETHUSDT", res.After.Children[0].Symbol)
	assert.Equal(t, []string{"DROP BTCUSDT/BUY/LIMIT"}, res.Changes)
}

func TestHaltSentinelsCloseTheBundle(t *testing.T) {
	for _, sentinel := range []string{schema.SentinelCircuitBreaker, schema.SentinelHaltPartial} {
		t.Run(sentinel, func(t *testing.T) {
			b := NewBridge(grCfg())
			b.OnRisk(schema.RiskState{Level: schema.RiskRed, Sentinel: sentinel})

			closing := child("SOLUSDT", schema.SideBuy, schema.TypeMarket, 3)
			closing.ReduceOnly = true
			res := b.Apply(bundleOf("A", "c1",
				child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1),
				child("ETHUSDT", schema.SideSell, schema.TypeLimit, 2),
				closing))

			assert.Equal(t, schema.ModeReduceOnly, res.Mode)
			assert.Equal(t, 1, res.Dropped)
			assert.Equal(t, []string{"BTCUSDT"}, res.BlockedSymbols)
			assert.Contains(t, res.Changes, "DROP BTCUSDT/BUY/LIMIT")

			require.Len(t, res.After.Children, 2)
			for _, c := range res.After.Children {
				assert.True(t, c.ReduceOnly, "%s must be reduce-only", c.Symbol)
				assert.True(t, c.PostOnly, "%s must be post-only", c.Symbol)
				assert.NotEqual(t, schema.TypeLimit, c.Type)
			}
			assert.Equal(t, schema.TypePostOnly, res.After.Children[0].Type)
			assert.Equal(t, schema.TypeMarket, res.After.Children[1].Type)
		})
	}
}

func TestSlowdownShapesExecution(t *testing.T) {
	b := NewBridge(grCfg())
	b.OnRisk(schema.RiskState{Level: schema.RiskAmber, Sentinel: schema.SentinelSlowdown})

	res := b.Apply(bundleOf("A", "c1", schema.ActionChild{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.TypeLimit, Qty: 1,
		Meta: schema.ChildMeta{TwapMs: 500, Iceberg: 0.10},
	}))

	assert.Equal(t, schema.ModeSlowdown, res.Mode)
	require.Len(t, res.After.Children, 1)
	c := res.After.Children[0]
	assert.Equal(t, schema.TypePostOnly, c.Type)
	assert.True(t, c.PostOnly)
	assert.Equal(t, int64(800), c.Meta.TwapMs)
	assert.InDelta(t, 0.13, c.Meta.Iceberg, 1e-9)
	assert.Contains(t, res.Changes, "TYPE BTCUSDT/BUY/LIMIT: LIMIT->POST_ONLY")
	assert.Contains(t, res.Changes, "TWAP BTCUSDT/BUY/LIMIT: 500->800")
}

func TestSlowdownClampsIceberg(t *testing.T) {
	b := NewBridge(grCfg())
	b.OnRisk(schema.RiskState{Level: schema.RiskAmber, Sentinel: schema.SentinelSlowdown})

	bare := child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)
	rich := child("ETHUSDT", schema.SideBuy, schema.TypeLimit, 1)
	rich.Meta.Iceberg = 0.49
	res := b.Apply(bundleOf("A", "c1", bare, rich))

	require.Len(t, res.After.Children, 2)
	assert.InDelta(t, 0.05, res.After.Children[0].Meta.Iceberg, 1e-9, "unset iceberg lands on the floor")
	assert.InDelta(t, 0.5, res.After.Children[1].Meta.Iceberg, 1e-9, "bump never exceeds the ceiling")
}

func TestSlowdownHonorsPostOnlyKnob(t *testing.T) {
	cfg := grCfg()
	cfg.EnforcePostOnly = false
	b := NewBridge(cfg)
	b.OnRisk(schema.RiskState{Level: schema.RiskAmber, Sentinel: schema.SentinelSlowdown})

	res := b.Apply(bundleOf("A", "c1", child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)))

	assert.Equal(t, schema.ModeSlowdown, res.Mode)
	require.Len(t, res.After.Children, 1)
	c := res.After.Children[0]
	assert.Equal(t, schema.TypeLimit, c.Type)
	assert.False(t, c.PostOnly)
	assert.Equal(t, int64(300), c.Meta.TwapMs, "pace still slows without the post-only coercion")
}

func TestHardFindingsZeroOpenings(t *testing.T) {
	hard := []string{
		schema.FindingDeny,
		schema.FindingWhitelist,
		schema.FindingTargetPct,
		schema.FindingSymbolStatus,
		schema.FindingReduceOnly,
	}
	for _, kind := range hard {
		t.Run(kind, func(t *testing.T) {
			b := NewBridge(grCfg())
			b.OnFeasibility(schema.Feasibility{
				CorrID: "c1",
				Plans: []schema.PlanFeasibility{{
					PlanID:    "A",
					Recommend: schema.RecommendOK,
					Symbols:   []schema.SymbolFeasibility{symbolFinding("BTCUSDT", kind, schema.SeverityError)},
				}},
			})

			unwind := child("BTCUSDT", schema.SideSell, schema.TypeLimit, 2)
			unwind.ReduceOnly = true
			res := b.Apply(bundleOf("A", "c1",
				child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1),
				unwind,
				child("ETHUSDT", schema.SideBuy, schema.TypeLimit, 1)))

			assert.Equal(t, schema.ModeNormal, res.Mode)
			assert.Equal(t, 1, res.Dropped)
			assert.Equal(t, []string{"BTCUSDT"}, res.BlockedSymbols)
			require.Len(t, res.After.Children, 2)
			assert.Equal(t, unwind, res.After.Children[0], "reduce-risk children pass even a %s", kind)
			assert.Equal(t, "ETHUSDT", res.After.Children[1].Symbol)
		})
	}
}

func TestTrimScalesQuantity(t *testing.T) {
	b := NewBridge(grCfg())
	b.OnFeasibility(schema.Feasibility{
		CorrID: "c1",
		Plans: []schema.PlanFeasibility{{
			PlanID:    "A",
			Recommend: schema.RecommendAdjust,
			Symbols:   []schema.SymbolFeasibility{symbolFinding("BTCUSDT", schema.FindingTrim, schema.SeverityWarn)},
		}},
	})

	res := b.Apply(bundleOf("A", "c1", child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)))

	assert.Equal(t, schema.ModeNormal, res.Mode)
	require.Len(t, res.After.Children, 1)
	assert.InDelta(t, 0.6, res.After.Children[0].Qty, 1e-9)
	assert.Contains(t, res.Changes, "QTY BTCUSDT/BUY/LIMIT: 1->0.6")
	assert.Empty(t, res.BlockedSymbols)
}

func TestPercentPriceAddsPassivity(t *testing.T) {
	b := NewBridge(grCfg())
	b.OnFeasibility(schema.Feasibility{
		CorrID: "c1",
		Plans: []schema.PlanFeasibility{{
			PlanID:    "A",
			Recommend: schema.RecommendAdjust,
			Symbols:   []schema.SymbolFeasibility{symbolFinding("BTCUSDT", schema.FindingPercentPrice, schema.SeverityWarn)},
		}},
	})

	in := child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)
	in.Meta.TwapMs = 400
	res := b.Apply(bundleOf("A", "c1", in))

	require.Len(t, res.After.Children, 1)
	c := res.After.Children[0]
	assert.Equal(t, int64(550), c.Meta.TwapMs, "half the slowdown bump")
	assert.True(t, c.PostOnly)
	assert.Equal(t, schema.TypeLimit, c.Type, "a soft finding never rewrites the order type")
}

func TestMinNotionalZeroesWithoutBlocking(t *testing.T) {
	b := NewBridge(grCfg())
	b.OnFeasibility(schema.Feasibility{
		CorrID: "c1",
		Plans: []schema.PlanFeasibility{{
			PlanID:    "A",
			Recommend: schema.RecommendAdjust,
			Symbols:   []schema.SymbolFeasibility{symbolFinding("BTCUSDT", schema.FindingMinNotional, schema.SeverityInfo)},
		}},
	})

	res := b.Apply(bundleOf("A", "c1", child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)))

	assert.Equal(t, 1, res.Dropped)
	assert.Empty(t, res.After.Children)
	assert.Empty(t, res.BlockedSymbols, "dust is a sizing problem, not a block")
}

func TestPlanRejectConvertsEverything(t *testing.T) {
	b := NewBridge(grCfg())
	b.OnFeasibility(schema.Feasibility{
		CorrID: "c1",
		Plans:  []schema.PlanFeasibility{{PlanID: "A", Recommend: schema.RecommendReject}},
	})

	res := b.Apply(bundleOf("A", "c1",
		child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1),
		child("ETHUSDT", schema.SideSell, schema.TypeMarket, 2)))

	assert.Equal(t, schema.ModeReduceOnly, res.Mode)
	require.Len(t, res.After.Children, 2)
	for _, c := range res.After.Children {
		assert.True(t, c.ReduceOnly)
		assert.True(t, c.PostOnly)
	}
	assert.Equal(t, schema.TypePostOnly, res.After.Children[0].Type)
}

func TestPlanRejectKeepsSlowdownMode(t *testing.T) {
	b := NewBridge(grCfg())
	b.OnRisk(schema.RiskState{Level: schema.RiskAmber, Sentinel: schema.SentinelSlowdown})
	b.OnFeasibility(schema.Feasibility{
		CorrID: "c1",
		Plans:  []schema.PlanFeasibility{{PlanID: "A", Recommend: schema.RecommendReject}},
	})

	res := b.Apply(bundleOf("A", "c1", child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)))

	assert.Equal(t, schema.ModeSlowdown, res.Mode)
	require.Len(t, res.After.Children, 1)
	assert.True(t, res.After.Children[0].ReduceOnly)
}

func TestFindingsFollowTheBundlePlan(t *testing.T) {
	b := NewBridge(grCfg())
	b.OnFeasibility(schema.Feasibility{
		CorrID: "c1",
		Plans: []schema.PlanFeasibility{
			{PlanID: "A", Recommend: schema.RecommendOK},
			{
				PlanID:    "B",
				Recommend: schema.RecommendReject,
				Symbols:   []schema.SymbolFeasibility{symbolFinding("BTCUSDT", schema.FindingDeny, schema.SeverityError)},
			},
		},
	})

	clean := b.Apply(bundleOf("A", "c1", child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)))
	assert.Empty(t, clean.Changes)
	assert.Equal(t, schema.ModeNormal, clean.Mode)

	dirty := b.Apply(bundleOf("B", "c1", child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)))
	assert.Equal(t, schema.ModeReduceOnly, dirty.Mode)
	assert.Empty(t, dirty.After.Children)
	assert.Equal(t, []string{"BTCUSDT"}, dirty.BlockedSymbols)

	unknown := b.Apply(bundleOf("C", "c1", child("BTCUSDT", schema.SideBuy, schema.TypeLimit, 1)))
	assert.Empty(t, unknown.Changes, "a plan the engine never scored carries no findings")
}

func TestDiffCapsAtTwentyLines(t *testing.T) {
	b := NewBridge(grCfg())

	in := schema.ActionBundle{PlanID: "A", CorrID: "c1"}
	for i := 0; i < 25; i++ {
		in.Children = append(in.Children, child(fmt.Sprintf("SYM%02dUSDT", i), schema.SideBuy, schema.TypeLimit, 0))
	}
	res := b.Apply(in)

	assert.Equal(t, 25, res.Dropped)
	assert.Len(t, res.Changes, 20)
	assert.Empty(t, res.After.Children)
}

func TestStatusTracksInputs(t *testing.T) {
	b := NewBridge(grCfg())
	st := b.Status()
	assert.Equal(t, schema.RiskGreen, st.Level)
	assert.Equal(t, schema.SentinelNormal, st.Sentinel)
	assert.Zero(t, st.Feasibility)

	b.OnRisk(schema.RiskState{Level: schema.RiskAmber, Sentinel: schema.SentinelSlowdown})
	b.OnFeasibility(schema.Feasibility{CorrID: "c1"})
	b.OnFeasibility(schema.Feasibility{CorrID: "c1", OverallScore: 0.9})
	b.OnFeasibility(schema.Feasibility{CorrID: "c2"})

	st = b.Status()
	assert.Equal(t, schema.SentinelSlowdown, st.Sentinel)
	assert.Equal(t, 2, st.Feasibility, "re-scored corrIds overwrite in place")
}
