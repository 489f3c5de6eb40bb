package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module subscribes to audit.log and persists every event through the
// Writer. The flush task bounds data loss to roughly one second.
type Module struct {
	*runtime.Base
	w   *Writer
	sub *bus.Subscription
	rt  *runtime.Runtime
}

func NewModule() *Module {
	return &Module{Base: runtime.NewBase("audit")}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt

	w, err := NewWriter(rt.Config.Static().Audit, rt.Clock, rt.Log)
	if err != nil {
		m.MarkFailed(err)
		return err
	}
	m.w = w

	sub, err := rt.Bus.Subscribe(schema.TopicAuditLog, m.handle, bus.SubscribeOptions{
		Name: "audit.writer",
	})
	if err != nil {
		w.Close()
		m.MarkFailed(err)
		return err
	}
	m.sub = sub

	rt.Sched.Every("audit.flush", time.Second, 0, func(ctx context.Context, now time.Time) {
		if err := m.w.Flush(); err != nil {
			rt.Log.Error().Err(err).Msg("audit flush failed")
			m.MarkDegraded("flush failing")
		}
	})

	m.MarkRunning()
	return nil
}

func (m *Module) handle(ctx context.Context, ev *bus.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return buserr.Wrap(buserr.Validation, "audit.encode", err)
	}
	return m.w.Append(schema.AuditRecord{
		TS:      ev.TS.Format(time.RFC3339Nano),
		Ver:     schema.AuditVersion,
		Src:     ev.Producer,
		CorrID:  ev.CorrelationID,
		Payload: payload,
	})
}

// Trail exposes read-back for the explain reporter and the admin API.
func (m *Module) Trail(corrID string, max int) ([]schema.AuditRecord, error) {
	return m.w.ByCorrID(corrID, max)
}

func (m *Module) Shutdown(ctx context.Context) error {
	if m.sub != nil {
		m.rt.Bus.Unsubscribe(m.sub)
	}
	var err error
	if m.w != nil {
		err = m.w.Close()
	}
	m.MarkStopped()
	return err
}
