package dialog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/metrics"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Status reports the live session count, the wired channels and the
// latest channel lag reports for the admin status surface.
type Status struct {
	Active   int                                    `json:"active"`
	Channels []string                               `json:"channels"`
	Lag      map[string]schema.DialogChannelMetrics `json:"lag,omitempty"`
}

type session struct {
	req      schema.DialogRequest
	start    time.Time
	choiceCh chan schema.OperatorChoice
	haltCh   chan struct{}
}

// Module hosts dialog sessions inside the supervisor lifecycle. One
// goroutine per session keeps the per-session path single-threaded; the
// shared maps only route events to the right session.
type Module struct {
	*runtime.Base

	rt   *runtime.Runtime
	log  zerolog.Logger
	met  *metrics.DecisionMetrics
	cfg  config.DialogConfig
	subs []*bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]Channel
	sessions map[string]*session
	chanLag  map[string]schema.DialogChannelMetrics
}

// New builds the module with the given prompt channels. The audit
// channel is added at Initialize when absent, so every ask leaves a
// trace even without an interactive channel.
func New(channels ...Channel) *Module {
	m := &Module{
		Base:     runtime.NewBase("dialog"),
		channels: make(map[string]Channel),
		sessions: make(map[string]*session),
		chanLag:  make(map[string]schema.DialogChannelMetrics),
	}
	for _, c := range channels {
		m.channels[c.Name()] = c
	}
	return m
}

// Register adds a prompt channel. Channels registered late serve the
// sessions opened after them.
func (m *Module) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Name()] = c
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "dialog").Logger()
	m.met = metrics.Decisions()
	m.cfg = rt.Config.Static().Dialog
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.mu.Lock()
	if _, ok := m.channels["audit"]; !ok {
		m.channels["audit"] = NewAuditChannel(rt.Bus)
	}
	m.mu.Unlock()

	for _, s := range []struct {
		topic string
		h     bus.Handler
		opts  bus.SubscribeOptions
	}{
		{bus.TopicDialogRequest, m.handleRequest, bus.SubscribeOptions{Name: "dialog.requests"}},
		{schema.TopicOperatorChoiceLog, m.handleChoice, bus.SubscribeOptions{Name: "dialog.choices"}},
		{schema.TopicDialogMetrics, m.handleChannelStats, bus.SubscribeOptions{Name: "dialog.channelstats"}},
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
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.MarkStopped()
	return nil
}

// Status exposes the session and channel state for the admin surface.
func (m *Module) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for n := range m.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	lag := make(map[string]schema.DialogChannelMetrics, len(m.chanLag))
	for k, v := range m.chanLag {
		lag[k] = v
	}
	return Status{Active: len(m.sessions), Channels: names, Lag: lag}
}

func (m *Module) handleRequest(ctx context.Context, ev *bus.Event) error {
	req, err := bus.PayloadAs[schema.DialogRequest](ev)
	if err != nil {
		return err
	}
	if req.SessionID == "" {
		return buserr.New(buserr.Validation, "dialog.request", "request %s has no sessionId", req.CorrID)
	}
	if req.CorrID == "" {
		return buserr.New(buserr.Validation, "dialog.request", "session %s has no corrId", req.SessionID)
	}

	m.mu.Lock()
	active := m.sessions[req.SessionID]
	m.mu.Unlock()

	if req.EmergencyHalt {
		if active != nil {
			select {
			case active.haltCh <- struct{}{}:
			default:
			}
			m.log.Warn().Str("session", req.SessionID).Msg("emergency halt signalled")
			return nil
		}
		m.finish(&session{req: *req, start: m.rt.Clock.Now()},
			schema.DialogHalt, "", "", "", "emergency halt")
		return nil
	}

	if active != nil {
		m.log.Warn().Str("session", req.SessionID).Msg("duplicate request for active session dropped")
		return nil
	}

	s := &session{
		req:      *req,
		start:    m.rt.Clock.Now(),
		choiceCh: make(chan schema.OperatorChoice, 1),
		haltCh:   make(chan struct{}, 1),
	}
	m.mu.Lock()
	m.sessions[req.SessionID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runSession(s)
	return nil
}

func (m *Module) handleChoice(ctx context.Context, ev *bus.Event) error {
	choice, err := bus.PayloadAs[schema.OperatorChoice](ev)
	if err != nil {
		return err
	}

	m.mu.Lock()
	s := m.sessions[choice.SessionID]
	m.mu.Unlock()
	if s == nil {
		m.log.Debug().Str("session", choice.SessionID).Msg("choice for unknown session dropped")
		return nil
	}
	if !m.authorized(s.req, *choice) {
		m.log.Warn().
			Str("session", choice.SessionID).
			Str("user", choice.UserID).
			Msg("unauthorized choice ignored")
		return nil
	}
	if !validOption(s.req, choice.Choice) {
		m.log.Warn().
			Str("session", choice.SessionID).
			Str("choice", choice.Choice).
			Msg("unknown option ignored")
		return nil
	}

	select {
	case s.choiceCh <- *choice:
	default:
		// a response already won this session
	}
	return nil
}

func (m *Module) handleChannelStats(ctx context.Context, ev *bus.Event) error {
	cm, err := bus.PayloadAs[schema.DialogChannelMetrics](ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.chanLag[cm.Channel] = *cm
	m.mu.Unlock()
	if cm.SendFails > 0 {
		m.log.Warn().
			Str("channel", cm.Channel).
			Int64("fails", cm.SendFails).
			Float64("lagMs", cm.AvgLagMs).
			Msg("dialog channel degraded")
	}
	return nil
}

// runSession prompts, then blocks on the first authorized choice, the
// deadline, a halt signal or shutdown. It is the only goroutine touching
// this session after creation.
func (m *Module) runSession(s *session) {
	defer m.wg.Done()

	prompt := Prompt{
		SessionID: s.req.SessionID,
		CorrID:    s.req.CorrID,
		Summary:   renderSummary(s.req),
		Options:   options(s.req),
		TimeoutMs: m.timeoutMs(s.req),
	}

	attempted, delivered := 0, 0
	for _, spec := range s.req.Channels {
		if !spec.Enabled {
			continue
		}
		attempted++
		m.mu.Lock()
		ch := m.channels[spec.Name]
		m.mu.Unlock()
		if ch == nil {
			m.log.Warn().Str("session", s.req.SessionID).Str("channel", spec.Name).Msg("channel not registered")
			continue
		}
		sctx := m.ctx
		var cancel context.CancelFunc
		if spec.TimeoutMs > 0 {
			sctx, cancel = context.WithTimeout(m.ctx, time.Duration(spec.TimeoutMs)*time.Millisecond)
		}
		err := ch.Send(sctx, prompt)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			m.log.Warn().Err(err).Str("session", s.req.SessionID).Str("channel", spec.Name).Msg("prompt send failed")
			continue
		}
		delivered++
	}
	if attempted > 0 && delivered == 0 {
		m.resolveUnanswered(s, "prompt delivery failed")
		return
	}

	select {
	case c := <-s.choiceCh:
		m.resolveChoice(s, c)
	case <-m.rt.Clock.After(time.Duration(m.timeoutMs(s.req)) * time.Millisecond):
		m.resolveUnanswered(s, "timeout")
	case <-s.haltCh:
		m.finish(s, schema.DialogHalt, "", "", "", "cancelled by emergency halt")
	case <-m.ctx.Done():
		m.forget(s)
	}
}

func (m *Module) timeoutMs(req schema.DialogRequest) int64 {
	if req.DefaultTimeoutMs > 0 {
		return req.DefaultTimeoutMs
	}
	return m.cfg.DefaultTimeoutMs
}

func (m *Module) fallbackPlan(req schema.DialogRequest) string {
	if req.AutoFallback != "" {
		return req.AutoFallback
	}
	return m.cfg.AutoFallback
}

func (m *Module) resolveChoice(s *session, c schema.OperatorChoice) {
	switch c.Choice {
	case schema.ChoiceHalt:
		m.finish(s, schema.DialogHalt, "", c.Choice, c.UserID, "")
	case schema.ChoicePostpone:
		m.finish(s, schema.DialogTimeout, "", c.Choice, c.UserID, "postponed by operator")
	default:
		m.finish(s, schema.DialogCompleted, c.Choice, c.Choice, c.UserID, "")
	}
}

func (m *Module) resolveUnanswered(s *session, reason string) {
	if fb := m.fallbackPlan(s.req); fb != "" {
		m.finish(s, schema.DialogCompleted, fb, "", "", reason)
		return
	}
	m.finish(s, schema.DialogTimeout, "", "", "", reason)
}

func (m *Module) forget(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.req.SessionID)
	m.mu.Unlock()
}

func (m *Module) finish(s *session, outcome, plan, response, who, reason string) {
	m.forget(s)
	now := m.rt.Clock.Now()
	res := schema.DialogResult{
		SessionID:       s.req.SessionID,
		CorrID:          s.req.CorrID,
		Outcome:         outcome,
		SelectedPlan:    plan,
		UserResponse:    response,
		RespondedBy:     who,
		FallbackReason:  reason,
		TotalDurationMs: now.Sub(s.start).Milliseconds(),
		TS:              now,
	}

	m.met.DialogSessionsTotal.WithLabelValues(outcome).Inc()
	m.SetDetail(fmt.Sprintf("session %s %s", res.SessionID, outcome))
	if outcome == schema.DialogCompleted {
		m.log.Info().
			Str("session", res.SessionID).
			Str("plan", res.SelectedPlan).
			Str("by", res.RespondedBy).
			Msg("dialog completed")
	} else {
		m.log.Info().
			Str("session", res.SessionID).
			Str("outcome", outcome).
			Str("reason", reason).
			Msg("dialog closed")
	}

	if err := m.rt.Bus.Emit(context.Background(), schema.TopicDialogComplete, res.CorrID, "dialog", res); err != nil {
		m.log.Warn().Err(err).Str("session", res.SessionID).Msg("result publish failed")
	}
}

func (m *Module) authorized(req schema.DialogRequest, c schema.OperatorChoice) bool {
	role := req.RequiredRole
	if role == "" {
		role = m.cfg.RequiredRole
	}
	if role == "" {
		return true
	}
	for _, u := range req.Users {
		if u.ID != c.UserID {
			continue
		}
		for _, r := range u.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	return false
}

func validOption(req schema.DialogRequest, choice string) bool {
	for _, o := range options(req) {
		if o == choice {
			return true
		}
	}
	return false
}
