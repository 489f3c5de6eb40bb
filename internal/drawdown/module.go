package drawdown

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module hosts the monitor inside the supervisor lifecycle.
type Module struct {
	*runtime.Base

	rt   *runtime.Runtime
	log  zerolog.Logger
	met  *metrics.DecisionMetrics
	mon  *Monitor
	subs []*bus.Subscription
}

func New() *Module {
	return &Module{Base: runtime.NewBase("drawdown")}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "drawdown").Logger()
	m.met = metrics.Decisions()
	m.mon = NewMonitor(rt.Config.Static().Drawdown)

	for _, s := range []struct {
		topic string
		h     bus.Handler
		name  string
	}{
		{schema.TopicAccountExposure, m.handleExposure, "drawdown.equity"},
		{schema.TopicTradeSummaryClosed, m.handleTrade, "drawdown.trades"},
	} {
		sub, err := rt.Bus.Subscribe(s.topic, s.h, bus.SubscribeOptions{Name: s.name})
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

func (m *Module) handleExposure(ctx context.Context, ev *bus.Event) error {
	exp, err := bus.PayloadAs[schema.ExposureSnapshot](ev)
	if err != nil {
		return err
	}

	snap := schema.EquitySnapshot{Value: exp.Equity, TS: exp.TS, Source: schema.EquitySourceReal}
	v := m.mon.OnEquity(snap, m.rt.Clock.Now())

	m.met.DrawdownPct.Set(v.CurrentDDPct)
	m.met.PeakEquity.Set(m.mon.Peak())
	m.SetDetail(fmt.Sprintf("dd %.2f%%", v.CurrentDDPct))

	for _, rec := range v.Recommendations {
		m.met.RecommendationsTotal.WithLabelValues(rec.Level).Inc()
		if err := m.rt.Bus.Emit(ctx, schema.TopicGovernanceRecommendation, ev.CorrelationID, "drawdown", rec); err != nil {
			m.log.Warn().Err(err).Str("action", rec.Action).Msg("recommendation publish failed")
		}
	}
	if v.Alert != nil {
		m.log.Warn().
			Str("level", v.Alert.Level).
			Float64("ddPct", v.Alert.CurrentDDPct).
			Float64("peak", v.Alert.Peak).
			Msg("drawdown tier breached")
		if err := m.rt.Bus.Emit(ctx, schema.TopicDrawdownAlert, ev.CorrelationID, "drawdown", *v.Alert); err != nil {
			m.log.Warn().Err(err).Msg("drawdown alert publish failed")
		}
	}
	return nil
}

func (m *Module) handleTrade(ctx context.Context, ev *bus.Event) error {
	trade, err := bus.PayloadAs[schema.ClosedTrade](ev)
	if err != nil {
		return err
	}
	m.mon.OnTrade(*trade, m.rt.Clock.Now())
	return nil
}
