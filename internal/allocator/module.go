package allocator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module hosts the allocator. Plans publish on account snapshots, on
// the minute tick and on policy table reloads; tickers, risk posture
// and the live policy feed update the cache silently and the next plan
// picks them up.
type Module struct {
	*runtime.Base

	rt    *runtime.Runtime
	log   zerolog.Logger
	met   *metrics.DecisionMetrics
	alloc *Allocator
	subs  []*bus.Subscription
}

func New() *Module {
	return &Module{Base: runtime.NewBase("allocator")}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "allocator").Logger()
	m.met = metrics.Decisions()
	m.alloc = NewAllocator(rt.Config.Static().Allocator)
	m.alloc.SetTablePolicy(rt.Config.Policy())

	for _, s := range []struct {
		topic string
		h     bus.Handler
		name  string
	}{
		{schema.TopicAccountExposure, m.handleExposure, "allocator.exposure"},
		{schema.TopicMarketPrefix + "*", m.handleTicker, "allocator.prices"},
		{schema.TopicRiskState, m.handleRisk, "allocator.risk"},
		{schema.TopicPortfolioPolicy, m.handlePolicy, "allocator.policy"},
		{schema.TopicClockTick1m, m.handleTick, "allocator.tick"},
	} {
		sub, err := rt.Bus.Subscribe(s.topic, s.h, bus.SubscribeOptions{Name: s.name})
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}

	rt.Config.OnReload(func(table string) {
		if table == config.TablePolicy {
			m.alloc.SetTablePolicy(rt.Config.Policy())
			m.publish(context.Background(), "")
		}
	})

	m.MarkRunning()
	return nil
}

func (m *Module) Shutdown(ctx context.Context) error {
	for _, sub := range m.subs {
		m.rt.Bus.Unsubscribe(sub)
	}
	m.MarkStopped()
	return nil
}

// Current computes the rebalance view for the admin status surface.
func (m *Module) Current() schema.SpotRebalance {
	plan, _ := m.alloc.Plan(m.rt.Clock.Now())
	return plan
}

func (m *Module) handleExposure(ctx context.Context, ev *bus.Event) error {
	exp, err := bus.PayloadAs[schema.ExposureSnapshot](ev)
	if err != nil {
		return err
	}
	m.alloc.OnExposure(*exp)
	m.publish(ctx, ev.CorrelationID)
	return nil
}

func (m *Module) handleTicker(ctx context.Context, ev *bus.Event) error {
	tk, err := bus.PayloadAs[schema.MarketTicker](ev)
	if err != nil {
		return err
	}
	m.alloc.OnTicker(*tk)
	return nil
}

func (m *Module) handleRisk(ctx context.Context, ev *bus.Event) error {
	rs, err := bus.PayloadAs[schema.RiskState](ev)
	if err != nil {
		return err
	}
	m.alloc.OnRisk(*rs)
	return nil
}

func (m *Module) handlePolicy(ctx context.Context, ev *bus.Event) error {
	pol, err := bus.PayloadAs[schema.PolicyCaps](ev)
	if err != nil {
		return err
	}
	m.alloc.OnPolicy(*pol)
	return nil
}

func (m *Module) handleTick(ctx context.Context, ev *bus.Event) error {
	m.publish(ctx, ev.CorrelationID)
	return nil
}

// publish plans against the current snapshot and emits when legs
// survive the gates; flat or fully-gated plans stay local.
func (m *Module) publish(ctx context.Context, corrID string) {
	plan, ok := m.alloc.Plan(m.rt.Clock.Now())
	if !ok {
		return
	}
	m.SetDetail(fmt.Sprintf("target %.0f current %.0f legs %d",
		plan.TargetSpotUsd, plan.CurrentUsd, len(plan.Legs)))
	if len(plan.Legs) == 0 {
		return
	}

	if corrID == "" {
		corrID = "reb-" + uuid.NewString()
	}
	plan.CorrID = corrID
	for _, leg := range plan.Legs {
		m.met.RebalanceLegsTotal.WithLabelValues(leg.Side).Inc()
	}

	m.log.Info().
		Float64("targetUsd", plan.TargetSpotUsd).
		Float64("diffUsd", plan.DiffUsd).
		Int("legs", len(plan.Legs)).
		Msg("rebalance planned")

	if err := m.rt.Bus.Emit(ctx, schema.TopicSpotRebalance, corrID, "allocator", plan); err != nil {
		m.log.Warn().Err(err).Msg("rebalance publish failed")
	}
}
