package redact

import (
	"context"
	"os"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Module serves redact.request events and keeps the engine dictionary
// in sync with the privacy table and bus updates.
type Module struct {
	*runtime.Base
	engine *Engine
	rt     *runtime.Runtime
	subs   []*bus.Subscription
}

func NewModule() *Module {
	return &Module{Base: runtime.NewBase("redact")}
}

// Engine exposes the detector to in-process callers (the log router).
func (m *Module) Engine() *Engine { return m.engine }

// Classify delegates to the engine. Valid only after Initialize; the
// log router calls it per record.
func (m *Module) Classify(content string) string { return m.engine.Classify(content) }

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	cfg := rt.Config.Static().Redact

	secret := os.Getenv(cfg.SaltSecretEnv)
	if secret == "" {
		rt.Log.Warn().Str("env", cfg.SaltSecretEnv).
			Msg("redact secret unset, pseudonyms will not survive restarts")
	}
	m.engine = NewEngine(cfg, secret, rt.Clock, rt.Log)

	m.applyPrivacyTable()
	rt.Config.OnReload(func(table string) {
		if table == config.TablePrivacy {
			m.applyPrivacyTable()
		}
	})

	sub, err := rt.Bus.Subscribe(schema.TopicRedactRequest, m.handleRequest, bus.SubscribeOptions{
		Name: "redact.requests",
	})
	if err != nil {
		m.MarkFailed(err)
		return err
	}
	m.subs = append(m.subs, sub)

	sub, err = rt.Bus.Subscribe(schema.TopicRedactDictUpdate, m.handleDictUpdate, bus.SubscribeOptions{
		Name: "redact.dictionary",
	})
	if err != nil {
		m.MarkFailed(err)
		return err
	}
	m.subs = append(m.subs, sub)

	m.MarkRunning()
	return nil
}

func (m *Module) applyPrivacyTable() {
	p := m.rt.Config.Privacy()
	m.engine.SetDictionary(p.Tickers, p.Domains, p.Names)
}

func (m *Module) handleRequest(ctx context.Context, ev *bus.Event) error {
	req, err := bus.PayloadAs[schema.RedactRequest](ev)
	if err != nil {
		return err
	}

	result := m.engine.Redact(*req)

	out := ev.Derive(schema.TopicRedactReady, "redact", result)
	out.Classification = result.Classification
	return m.rt.Bus.Publish(ctx, out)
}

func (m *Module) handleDictUpdate(ctx context.Context, ev *bus.Event) error {
	u, err := bus.PayloadAs[schema.DictionaryUpdate](ev)
	if err != nil {
		return err
	}
	m.engine.MergeDictionary(*u)
	return nil
}

func (m *Module) Shutdown(ctx context.Context) error {
	for _, s := range m.subs {
		m.rt.Bus.Unsubscribe(s)
	}
	m.MarkStopped()
	return nil
}
