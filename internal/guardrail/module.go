package guardrail

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module hosts the bridge inside the supervisor lifecycle. Proposed
// bundles ride an idempotent subscription, so a replayed corrId never
// reaches execution twice.
type Module struct {
	*runtime.Base

	rt     *runtime.Runtime
	log    zerolog.Logger
	met    *metrics.DecisionMetrics
	cfg    config.GuardrailConfig
	bridge *Bridge
	subs   []*bus.Subscription
}

func New() *Module {
	return &Module{Base: runtime.NewBase("guardrail")}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "guardrail").Logger()
	m.met = metrics.Decisions()
	m.cfg = rt.Config.Static().Guardrail
	m.bridge = NewBridge(m.cfg)

	for _, s := range []struct {
		topic string
		h     bus.Handler
		opts  bus.SubscribeOptions
	}{
		{schema.TopicActionsProposed, m.handleProposed, bus.SubscribeOptions{Name: "guardrail.proposed", Idempotent: true}},
		{schema.TopicRiskState, m.handleRisk, bus.SubscribeOptions{Name: "guardrail.risk"}},
		{schema.TopicFeasibility, m.handleFeasibility, bus.SubscribeOptions{Name: "guardrail.feasibility"}},
	} {
		sub, err := rt.Bus.Subscribe(s.topic, s.h, s.opts)
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}

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

// Status exposes the bridge inputs for the admin status surface.
func (m *Module) Status() Status { return m.bridge.Status() }

func (m *Module) handleProposed(ctx context.Context, ev *bus.Event) error {
	in, err := bus.PayloadAs[schema.ActionBundle](ev)
	if err != nil {
		return err
	}
	if in.CorrID == "" {
		return buserr.New(buserr.Validation, "guardrail.proposed", "bundle %s has no corrId", in.PlanID)
	}
	if in.PlanID == "" {
		return buserr.New(buserr.Validation, "guardrail.proposed", "bundle %s has no planId", in.CorrID)
	}

	res := m.bridge.Apply(*in)

	m.met.GuardrailBundlesTotal.WithLabelValues(res.Mode).Inc()
	if res.Dropped > 0 {
		m.met.GuardrailDropsTotal.Add(float64(res.Dropped))
	}
	m.SetDetail(fmt.Sprintf("plan %s mode %s changes %d dropped %d",
		in.PlanID, res.Mode, len(res.Changes), res.Dropped))

	if len(res.Changes) == 0 {
		m.log.Debug().Str("plan", in.PlanID).Int("children", len(res.After.Children)).Msg("bundle passed untouched")
	} else {
		m.log.Info().
			Str("plan", in.PlanID).
			Str("mode", res.Mode).
			Int("changes", len(res.Changes)).
			Int("dropped", res.Dropped).
			Strs("blocked", res.BlockedSymbols).
			Msg("bundle sanitized")
	}

	if err := m.rt.Bus.Emit(ctx, schema.TopicOpsActions, ev.CorrelationID, "guardrail", res.After); err != nil {
		m.log.Warn().Err(err).Msg("final bundle publish failed")
	}
	report := schema.GuardrailReport{
		CorrID:         in.CorrID,
		Mode:           res.Mode,
		Changes:        res.Changes,
		BlockedSymbols: res.BlockedSymbols,
		DroppedCount:   res.Dropped,
	}
	if err := m.rt.Bus.Emit(ctx, schema.TopicGuardrailReport, ev.CorrelationID, "guardrail", report); err != nil {
		m.log.Warn().Err(err).Msg("report publish failed")
	}

	audited := res.Changes
	if len(audited) > m.cfg.AuditChangeCap {
		audited = audited[:m.cfg.AuditChangeCap]
	}
	_ = m.rt.Bus.Emit(ctx, schema.TopicAuditLog, ev.CorrelationID, "guardrail", map[string]interface{}{
		"kind":    "bundle_guardrail",
		"planId":  in.PlanID,
		"mode":    res.Mode,
		"changes": audited,
		"dropped": res.Dropped,
	})
	return nil
}

func (m *Module) handleRisk(ctx context.Context, ev *bus.Event) error {
	rs, err := bus.PayloadAs[schema.RiskState](ev)
	if err != nil {
		return err
	}
	m.bridge.OnRisk(*rs)
	return nil
}

func (m *Module) handleFeasibility(ctx context.Context, ev *bus.Event) error {
	f, err := bus.PayloadAs[schema.Feasibility](ev)
	if err != nil {
		return err
	}
	m.bridge.OnFeasibility(*f)
	return nil
}
