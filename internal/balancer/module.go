package balancer

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

// Module hosts the balancer inside the supervisor lifecycle. Intents
// ride an idempotent subscription: a replayed corrId is a benign drop.
type Module struct {
	*runtime.Base

	rt   *runtime.Runtime
	log  zerolog.Logger
	met  *metrics.DecisionMetrics
	bal  *Balancer
	subs []*bus.Subscription
}

func New() *Module {
	return &Module{Base: runtime.NewBase("balancer")}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "balancer").Logger()
	m.met = metrics.Decisions()
	m.bal = NewBalancer(rt.Config.Static().Balancer)
	m.bal.SetTablePolicy(rt.Config.Policy())

	for _, s := range []struct {
		topic string
		h     bus.Handler
		opts  bus.SubscribeOptions
	}{
		{schema.TopicIntentAccepted, m.handleIntent, bus.SubscribeOptions{Name: "balancer.intents", Idempotent: true}},
		{schema.TopicAccountExposure, m.handleExposure, bus.SubscribeOptions{Name: "balancer.exposure"}},
		{schema.TopicPortfolioPolicy, m.handlePolicy, bus.SubscribeOptions{Name: "balancer.policy"}},
	} {
		sub, err := rt.Bus.Subscribe(s.topic, s.h, s.opts)
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}

	rt.Config.OnReload(func(table string) {
		if table == config.TablePolicy {
			m.bal.SetTablePolicy(rt.Config.Policy())
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

// Status exposes the decision inputs for the admin status surface.
func (m *Module) Status() Status {
	return m.bal.Status(m.rt.Clock.Now())
}

func (m *Module) handleIntent(ctx context.Context, ev *bus.Event) error {
	intent, err := bus.PayloadAs[schema.ExecutionIntent](ev)
	if err != nil {
		return err
	}
	if intent.Symbol == "" {
		return buserr.New(buserr.Validation, "balancer.intent", "intent %s has no symbol", intent.CorrID)
	}
	if _, ok := variantRisk(intent.Variant); !ok {
		return buserr.New(buserr.Validation, "balancer.intent", "unknown variant %q", intent.Variant)
	}
	if intent.Confidence <= 0 || intent.Confidence > 1 {
		return buserr.New(buserr.Validation, "balancer.intent", "confidence %.3f outside (0, 1]", intent.Confidence)
	}

	dec := m.bal.Decide(*intent, m.rt.Clock.Now())

	m.met.IntentsTotal.WithLabelValues(dec.Outcome).Inc()
	m.SetDetail(fmt.Sprintf("%s %s %.2f%%", dec.Symbol, dec.Outcome, dec.GrantedRiskPct))

	if dec.Outcome == schema.IntentApproved {
		m.log.Debug().Str("symbol", dec.Symbol).Float64("riskPct", dec.GrantedRiskPct).Msg("intent approved")
	} else {
		m.log.Info().
			Str("symbol", dec.Symbol).
			Str("outcome", dec.Outcome).
			Str("reason", dec.Reason).
			Float64("requested", dec.RequestedRiskPct).
			Float64("granted", dec.GrantedRiskPct).
			Msg("intent constrained")
	}

	if err := m.rt.Bus.Emit(ctx, topicFor(dec.Outcome), ev.CorrelationID, "balancer", dec); err != nil {
		m.log.Warn().Err(err).Str("outcome", dec.Outcome).Msg("decision publish failed")
	}
	return nil
}

func (m *Module) handleExposure(ctx context.Context, ev *bus.Event) error {
	exp, err := bus.PayloadAs[schema.ExposureSnapshot](ev)
	if err != nil {
		return err
	}
	m.bal.OnExposure(*exp, m.rt.Clock.Now())
	return nil
}

func (m *Module) handlePolicy(ctx context.Context, ev *bus.Event) error {
	pol, err := bus.PayloadAs[schema.PolicyCaps](ev)
	if err != nil {
		return err
	}
	m.bal.OnPolicy(*pol, m.rt.Clock.Now())
	return nil
}

func topicFor(outcome string) string {
	switch outcome {
	case schema.IntentApproved:
		return schema.TopicIntentApproved
	case schema.IntentAdjusted:
		return schema.TopicIntentAdjusted
	case schema.IntentDeferred:
		return schema.TopicIntentDeferred
	default:
		return schema.TopicIntentRejected
	}
}
