// Package failover keeps order flow pointed at a healthy venue
// endpoint. A scored registry tracks probe results for every catalog
// entry; when the serving endpoint goes unhealthy the orchestrator
// plans a switch, canaries the target, and publishes the cutover, with
// an optional brownout ramp and an automatic revert to the primary once
// it has been healthy and stable long enough.
package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module hosts the failover engine inside the supervisor lifecycle.
type Module struct {
	*runtime.Base

	rt   *runtime.Runtime
	log  zerolog.Logger
	met  *metrics.ObservabilityMetrics
	eng  *engine
	prb  *prober
	subs []*bus.Subscription
}

func New() *Module {
	return &Module{Base: runtime.NewBase("failover")}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "failover").Logger()
	m.met = metrics.Observability()

	cfg := rt.Config.Static().Failover
	m.eng = newEngine(cfg, rt.Config.Endpoints(), rt.Clock.Now())
	m.prb = newProber(cfg.ProbeTimeoutMs, rt.Clock, m.log, m.eng.specs, m.emitProbe)

	for _, s := range []struct {
		topic   string
		name    string
		handler bus.Handler
	}{
		{schema.TopicProbeResult, "failover.probes", m.handleProbe},
		{schema.TopicEndpointCatalog, "failover.catalog", m.handleCatalog},
	} {
		sub, err := rt.Bus.Subscribe(s.topic, s.handler, bus.SubscribeOptions{Name: s.name})
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}

	rt.Config.OnReload(func(table string) {
		if table != config.TableEndpoints {
			return
		}
		v := m.eng.onCatalog(m.rt.Config.Endpoints(), m.rt.Clock.Now())
		m.publish(context.Background(), "", v)
	})

	rt.Sched.Every("failover.probe",
		time.Duration(cfg.ProbeIntervalMs)*time.Millisecond,
		time.Duration(cfg.ProbeJitterMs)*time.Millisecond,
		m.prb.round)

	m.MarkRunning()
	m.SetDetail(m.detail())
	return nil
}

func (m *Module) Shutdown(ctx context.Context) error {
	for _, sub := range m.subs {
		m.rt.Bus.Unsubscribe(sub)
	}
	m.MarkStopped()
	return nil
}

// ForceSwitch cuts traffic over immediately, bypassing canary and dwell
// gates. Operator path, exposed through the admin API.
func (m *Module) ForceSwitch(ctx context.Context, to string) error {
	v, err := m.eng.forceSwitch(to, m.rt.Clock.Now())
	if err != nil {
		return err
	}
	m.log.Warn().Str("to", to).Msg("manual endpoint switch forced")
	m.publish(ctx, "", v)
	return nil
}

// Snapshot returns the current scored endpoint table.
func (m *Module) Snapshot() schema.HealthSnapshot {
	return m.eng.healthSnapshot(m.rt.Clock.Now())
}

func (m *Module) emitProbe(ctx context.Context, res schema.ProbeResult) {
	if err := m.rt.Bus.Emit(ctx, schema.TopicProbeResult, "", "failover", res); err != nil {
		m.log.Warn().Err(err).Str("endpoint", res.EndpointID).Msg("probe result publish failed")
	}
}

func (m *Module) handleProbe(ctx context.Context, ev *bus.Event) error {
	res, err := bus.PayloadAs[schema.ProbeResult](ev)
	if err != nil {
		return err
	}
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	m.met.ProbesTotal.WithLabelValues(res.EndpointID, outcome).Inc()

	v, known := m.eng.onProbe(*res, m.rt.Clock.Now())
	if !known {
		m.log.Debug().Str("endpoint", res.EndpointID).Msg("probe for endpoint not in catalog")
		return nil
	}
	m.publish(ctx, ev.CorrelationID, v)
	return nil
}

func (m *Module) handleCatalog(ctx context.Context, ev *bus.Event) error {
	cat, err := bus.PayloadAs[schema.EndpointCatalog](ev)
	if err != nil {
		return err
	}
	m.publish(ctx, ev.CorrelationID, m.eng.onCatalog(cat, m.rt.Clock.Now()))
	return nil
}

func (m *Module) publish(ctx context.Context, corrID string, v verdict) {
	if v.Snapshot != nil {
		for _, ep := range v.Snapshot.Endpoints {
			m.met.EndpointScore.WithLabelValues(ep.ID).Set(ep.Score)
		}
		m.emit(ctx, schema.TopicEndpointHealth, corrID, v.Snapshot)
	}
	if v.Plan != nil {
		m.log.Info().Str("plan", v.Plan.PlanID).Str("from", v.Plan.From).Str("to", v.Plan.To).
			Strs("reasons", v.Plan.ReasonCodes).Msg("switch planned")
		m.emit(ctx, schema.TopicSwitchPlan, corrID, v.Plan)
	}
	if v.Switched != nil {
		reason := ""
		if len(v.Switched.ReasonCodes) > 0 {
			reason = v.Switched.ReasonCodes[0]
		}
		m.met.SwitchesTotal.WithLabelValues(reason).Inc()
		m.log.Warn().Str("from", v.Switched.From).Str("to", v.Switched.To).Str("reason", reason).
			Msg("endpoint switched")
		m.emit(ctx, schema.TopicSwitched, corrID, v.Switched)
	}
	for _, a := range v.Alerts {
		m.log.Warn().Str("kind", a.Kind).Msg(a.Detail)
		m.emit(ctx, schema.TopicSentryAlert, corrID, a)
	}
	for _, st := range v.Steps {
		m.emit(ctx, schema.TopicBrownoutStep, corrID, st)
	}

	if m.eng.status().State == StateAlertNoHealthy.String() {
		m.MarkDegraded("no healthy endpoint available")
	} else {
		m.MarkRunning()
		m.SetDetail(m.detail())
	}
}

func (m *Module) emit(ctx context.Context, topic, corrID string, payload interface{}) {
	if err := m.rt.Bus.Emit(ctx, topic, corrID, "failover", payload); err != nil {
		m.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

func (m *Module) detail() string {
	st := m.eng.status()
	return fmt.Sprintf("state %s serving %s", st.State, st.Current)
}
