// Package telemetry watches operational metric series for anomalies.
// Points stream in on telemetry.metrics; every series is held against
// rolling robust baselines in several time windows, and detections go
// out as telemetry.anomaly.signal with high-severity escalation to
// telemetry.alert.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/infra"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module hosts the detector inside the supervisor lifecycle.
type Module struct {
	*runtime.Base

	rdb *infra.RedisAdapter

	rt  *runtime.Runtime
	log zerolog.Logger
	det *detector
	sub *bus.Subscription
}

// New builds the telemetry module. rdb may be nil when Redis is not
// configured; high-severity alerts then stay on the in-process bus.
func New(rdb *infra.RedisAdapter) *Module {
	return &Module{Base: runtime.NewBase("telemetry"), rdb: rdb}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "telemetry").Logger()

	det, err := newDetector(rt.Config.Static().Telemetry, metrics.Observability())
	if err != nil {
		return err
	}
	m.det = det

	sub, err := rt.Bus.Subscribe(schema.TopicTelemetryMetrics, m.handlePoint, bus.SubscribeOptions{
		Name: "telemetry.detector",
	})
	if err != nil {
		return err
	}
	m.sub = sub

	for _, w := range det.windows {
		label := w.label
		rt.Sched.Every("telemetry.sweep."+label, w.step, 0,
			func(ctx context.Context, now time.Time) {
				m.publish(ctx, "", m.det.sweep(label, now))
			})
	}
	rt.Sched.Every("telemetry.metrics", time.Minute, 0, m.emitMetrics)

	m.MarkRunning()
	return nil
}

func (m *Module) Shutdown(ctx context.Context) error {
	if m.sub != nil {
		m.rt.Bus.Unsubscribe(m.sub)
	}
	m.MarkStopped()
	return nil
}

func (m *Module) handlePoint(ctx context.Context, ev *bus.Event) error {
	p, err := bus.PayloadAs[schema.MetricPoint](ev)
	if err != nil {
		return err
	}
	m.publish(ctx, ev.CorrelationID, m.det.observe(*p))
	return nil
}

func (m *Module) publish(ctx context.Context, corrID string, sigs []schema.AnomalySignal) {
	for _, sig := range sigs {
		if err := m.rt.Bus.Emit(ctx, schema.TopicAnomalySignal, corrID, "telemetry", sig); err != nil {
			m.log.Warn().Err(err).Str("series", sig.Series).Msg("anomaly publish failed")
			continue
		}
		m.alert(ctx, corrID, sig)
	}
}

// alert escalates high-severity signals to telemetry.alert and, when a
// Redis connection exists, fans them out to other processes.
func (m *Module) alert(ctx context.Context, corrID string, sig schema.AnomalySignal) {
	if sig.Severity != schema.SevHigh {
		return
	}
	al := schema.TelemetryAlert{
		Signal: sig,
		Message: fmt.Sprintf("%s on %s (%s window): value %.4g against median %.4g, score %.1f",
			sig.Kind, sig.Series, sig.Window, sig.Value, sig.Median, sig.Score),
	}
	if err := m.rt.Bus.Emit(ctx, schema.TopicTelemetryAlert, corrID, "telemetry", al); err != nil {
		m.log.Warn().Err(err).Str("series", sig.Series).Msg("alert publish failed")
		return
	}
	if m.rdb == nil {
		return
	}
	body, err := json.Marshal(al)
	if err != nil {
		return
	}
	if err := m.rdb.Publish(ctx, schema.TopicTelemetryAlert, body); err != nil {
		m.log.Debug().Err(err).Msg("redis alert fan-out failed")
	}
}

func (m *Module) emitMetrics(ctx context.Context, now time.Time) {
	m.det.cleanup(now)
	snap := m.det.snapshot(now)
	if err := m.rt.Bus.Emit(ctx, schema.TopicAnomalyMetrics, "", "telemetry", snap); err != nil {
		m.log.Warn().Err(err).Msg("anomaly metrics publish failed")
	}
}
