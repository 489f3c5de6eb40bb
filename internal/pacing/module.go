package pacing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module hosts the planner inside the supervisor lifecycle. A plan is
// published on every input event, every minute tick and every policy
// table reload.
type Module struct {
	*runtime.Base

	rt   *runtime.Runtime
	log  zerolog.Logger
	met  *metrics.DecisionMetrics
	pln  *Planner
	subs []*bus.Subscription
}

func New() *Module {
	return &Module{Base: runtime.NewBase("pacing")}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "pacing").Logger()
	m.met = metrics.Decisions()
	m.pln = NewPlanner(rt.Config.Static().Pacing)
	m.pln.SetTablePolicy(rt.Config.Policy())

	for _, s := range []struct {
		topic string
		h     bus.Handler
		name  string
	}{
		{schema.TopicSessionActivity, m.handleActivity, "pacing.activity"},
		{schema.TopicRiskState, m.handleRisk, "pacing.risk"},
		{schema.TopicPortfolioPolicy, m.handlePolicy, "pacing.policy"},
		{schema.TopicClockTick1m, m.handleTick, "pacing.tick"},
	} {
		sub, err := rt.Bus.Subscribe(s.topic, s.h, bus.SubscribeOptions{Name: s.name})
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}

	rt.Config.OnReload(func(table string) {
		if table != config.TablePolicy {
			return
		}
		m.pln.SetTablePolicy(rt.Config.Policy())
		m.publish(context.Background(), "")
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

// Current computes the plan for this instant without publishing it.
// The admin status surface reads it.
func (m *Module) Current() schema.PacingPlan {
	return m.pln.Plan(m.rt.Clock.Now())
}

func (m *Module) handleActivity(ctx context.Context, ev *bus.Event) error {
	act, err := bus.PayloadAs[schema.SessionActivity](ev)
	if err != nil {
		return err
	}
	m.pln.OnActivity(*act, m.rt.Clock.Now())
	m.publish(ctx, ev.CorrelationID)
	return nil
}

func (m *Module) handleRisk(ctx context.Context, ev *bus.Event) error {
	rs, err := bus.PayloadAs[schema.RiskState](ev)
	if err != nil {
		return err
	}
	m.pln.OnRisk(*rs)
	m.publish(ctx, ev.CorrelationID)
	return nil
}

func (m *Module) handlePolicy(ctx context.Context, ev *bus.Event) error {
	pol, err := bus.PayloadAs[schema.PolicyCaps](ev)
	if err != nil {
		return err
	}
	m.pln.OnPolicy(*pol)
	m.publish(ctx, ev.CorrelationID)
	return nil
}

func (m *Module) handleTick(ctx context.Context, ev *bus.Event) error {
	m.publish(ctx, ev.CorrelationID)
	return nil
}

func (m *Module) publish(ctx context.Context, corrID string) {
	plan := m.pln.Plan(m.rt.Clock.Now())

	m.met.PacingFactor.Set(plan.Factor)
	m.met.PacingPlansTotal.Inc()

	w := plan.Window
	if w == "" {
		w = "closed"
	}
	m.SetDetail(fmt.Sprintf("factor %.2f window %s", plan.Factor, w))

	if err := m.rt.Bus.Emit(ctx, schema.TopicPacingPlan, corrID, "pacing", plan); err != nil {
		m.log.Warn().Err(err).Msg("pacing plan publish failed")
	}
}
