package explain

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// chainCap bounds the per-decision artifact cache.
const chainCap = 512

// chain is the artifact set gathered for one correlation id.
type chain struct {
	request *schema.DialogRequest
	feas    *schema.Feasibility
	result  *schema.DialogResult
	bundle  *schema.ActionBundle
}

// Status reports what the reporter has absorbed, for the admin surface.
type Status struct {
	Posture       string `json:"posture"`
	Sentinel      string `json:"sentinel"`
	HasSnapshot   bool   `json:"hasSnapshot"`
	Requests      int    `json:"requests"`
	Feasibilities int    `json:"feasibilities"`
	Bundles       int    `json:"bundles"`
	Cards         int    `json:"cards"`
}

// Module is the explainability reporter. It caches the decision chain
// per correlation id and freezes an immutable card when the decision
// closes or when the admin API asks first.
type Module struct {
	*runtime.Base

	rt   *runtime.Runtime
	log  zerolog.Logger
	met  *metrics.DecisionMetrics
	subs []*bus.Subscription

	mu     sync.Mutex
	risk   schema.RiskState
	snap   *schema.ExposureSnapshot
	chains map[string]*chain
	order  []string
	cards  map[string]*schema.ExplainCard
	seen   Status
}

func New() *Module {
	return &Module{
		Base:   runtime.NewBase("explain"),
		chains: make(map[string]*chain),
		cards:  make(map[string]*schema.ExplainCard),
	}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "explain").Logger()
	m.met = metrics.Decisions()

	for _, s := range []struct {
		topic string
		h     bus.Handler
		opts  bus.SubscribeOptions
	}{
		{schema.TopicRiskState, m.handleRisk, bus.SubscribeOptions{Name: "explain.risk"}},
		{schema.TopicAccountExposure, m.handleExposure, bus.SubscribeOptions{Name: "explain.exposure"}},
		{bus.TopicDialogRequest, m.handleRequest, bus.SubscribeOptions{Name: "explain.requests"}},
		{schema.TopicFeasibility, m.handleFeasibility, bus.SubscribeOptions{Name: "explain.feasibility"}},
		{schema.TopicOpsActions, m.handleBundle, bus.SubscribeOptions{Name: "explain.bundles"}},
		{schema.TopicDialogComplete, m.handleResult, bus.SubscribeOptions{Name: "explain.results"}},
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

// Status exposes absorbed-input counters for the admin surface.
func (m *Module) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.seen
	st.Posture = m.risk.Level
	st.Sentinel = m.risk.Sentinel
	if st.Posture == "" {
		st.Posture = schema.RiskGreen
	}
	if st.Sentinel == "" {
		st.Sentinel = schema.SentinelNormal
	}
	st.HasSnapshot = m.snap != nil
	st.Cards = len(m.cards)
	return st
}

// Card returns the frozen card for corr, building one on demand when the
// reporter holds artifacts for that decision but no card yet. ok is
// false for unknown correlation ids.
func (m *Module) Card(corr string) (*schema.ExplainCard, bool) {
	m.mu.Lock()
	card, built := m.cards[corr]
	_, known := m.chains[corr]
	m.mu.Unlock()
	if built {
		return card, true
	}
	if !known {
		return nil, false
	}
	card, fresh := m.build(corr)
	if fresh {
		m.publish(card)
	}
	return card, true
}

func (m *Module) handleRisk(ctx context.Context, ev *bus.Event) error {
	rs, err := bus.PayloadAs[schema.RiskState](ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.risk = *rs
	m.mu.Unlock()
	return nil
}

func (m *Module) handleExposure(ctx context.Context, ev *bus.Event) error {
	snap, err := bus.PayloadAs[schema.ExposureSnapshot](ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
	return nil
}

func (m *Module) handleRequest(ctx context.Context, ev *bus.Event) error {
	req, err := bus.PayloadAs[schema.DialogRequest](ev)
	if err != nil {
		return err
	}
	corr := corrOf(req.CorrID, ev)
	if corr == "" {
		return buserr.New(buserr.Validation, "explain.request", "dialog request %s has no corrId", req.SessionID)
	}
	m.mu.Lock()
	m.chainLocked(corr).request = req
	m.seen.Requests++
	m.mu.Unlock()
	return nil
}

func (m *Module) handleFeasibility(ctx context.Context, ev *bus.Event) error {
	feas, err := bus.PayloadAs[schema.Feasibility](ev)
	if err != nil {
		return err
	}
	corr := corrOf(feas.CorrID, ev)
	if corr == "" {
		return buserr.New(buserr.Validation, "explain.feasibility", "feasibility has no corrId")
	}
	m.mu.Lock()
	m.chainLocked(corr).feas = feas
	m.seen.Feasibilities++
	m.mu.Unlock()
	return nil
}

func (m *Module) handleBundle(ctx context.Context, ev *bus.Event) error {
	b, err := bus.PayloadAs[schema.ActionBundle](ev)
	if err != nil {
		return err
	}
	corr := corrOf(b.CorrID, ev)
	if corr == "" {
		return buserr.New(buserr.Validation, "explain.bundle", "bundle %s has no corrId", b.PlanID)
	}
	m.mu.Lock()
	m.chainLocked(corr).bundle = b
	m.seen.Bundles++
	m.mu.Unlock()
	return nil
}

func (m *Module) handleResult(ctx context.Context, ev *bus.Event) error {
	res, err := bus.PayloadAs[schema.DialogResult](ev)
	if err != nil {
		return err
	}
	corr := corrOf(res.CorrID, ev)
	if corr == "" {
		return buserr.New(buserr.Validation, "explain.result", "result for session %s has no corrId", res.SessionID)
	}
	m.mu.Lock()
	m.chainLocked(corr).result = res
	m.mu.Unlock()

	card, fresh := m.build(corr)
	if !fresh {
		m.log.Debug().Str("corrId", corr).Msg("card already frozen")
		return nil
	}
	m.publish(card)
	return nil
}

// build freezes the card for corr exactly once; later calls return the
// cached card with fresh=false.
func (m *Module) build(corr string) (*schema.ExplainCard, bool) {
	policy := m.rt.Config.Policy()

	m.mu.Lock()
	if card, ok := m.cards[corr]; ok {
		m.mu.Unlock()
		return card, false
	}
	f := facts{corrID: corr, risk: m.risk, snapshot: m.snap}
	if c := m.chains[corr]; c != nil {
		f.request, f.feas, f.result, f.bundle = c.request, c.feas, c.result, c.bundle
	}
	card := buildCard(f, policy, m.rt.Clock.Now())
	m.cards[corr] = &card
	cards := len(m.cards)
	m.mu.Unlock()

	m.SetDetail(fmt.Sprintf("cards %d last %s", cards, corr))
	return &card, true
}

func (m *Module) publish(card *schema.ExplainCard) {
	m.met.ExplainCardsTotal.Inc()
	m.log.Info().
		Str("corrId", card.CorrID).
		Str("plan", card.Header.SelectedPlan).
		Str("decidedBy", card.Header.DecidedBy).
		Msg("explain card built")
	if err := m.rt.Bus.Emit(context.Background(), schema.TopicExplainCard, card.CorrID, "explain", *card); err != nil {
		m.log.Warn().Err(err).Str("corrId", card.CorrID).Msg("card publish failed")
	}
}

// chainLocked returns the chain for corr, creating it and evicting the
// oldest tracked decision past the cap. Callers hold m.mu.
func (m *Module) chainLocked(corr string) *chain {
	c := m.chains[corr]
	if c == nil {
		c = &chain{}
		m.chains[corr] = c
		m.order = append(m.order, corr)
		if len(m.order) > chainCap {
			stale := m.order[0]
			m.order = m.order[1:]
			delete(m.chains, stale)
			delete(m.cards, stale)
		}
	}
	return c
}

func corrOf(corr string, ev *bus.Event) string {
	if corr != "" {
		return corr
	}
	return ev.CorrelationID
}
