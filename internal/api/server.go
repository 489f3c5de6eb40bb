// Package api serves the loopback operations surface: health and status,
// Prometheus metrics, config table reloads, explain cards, audit trails,
// operator dialog responses and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/orbitquant/tradeplane/internal/allocator"
	"github.com/orbitquant/tradeplane/internal/audit"
	"github.com/orbitquant/tradeplane/internal/balancer"
	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/internal/dialog"
	"github.com/orbitquant/tradeplane/internal/explain"
	"github.com/orbitquant/tradeplane/internal/failover"
	"github.com/orbitquant/tradeplane/internal/guardrail"
	"github.com/orbitquant/tradeplane/internal/logroute"
	"github.com/orbitquant/tradeplane/internal/mirror"
	"github.com/orbitquant/tradeplane/internal/pacing"
	"github.com/orbitquant/tradeplane/internal/runtime"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Deps hands the server the modules it reports on and steers. Nil
// entries simply drop their section from /status and disable their
// routes.
type Deps struct {
	Version string

	Modules   []runtime.Module
	Balancer  *balancer.Module
	Allocator *allocator.Module
	Pacing    *pacing.Module
	Failover  *failover.Module
	Guardrail *guardrail.Module
	Dialog    *dialog.Module
	Explain   *explain.Module
	Mirror    *mirror.Module
	Logroute  *logroute.Module
	Audit     *audit.Module

	// OnShutdown asks the daemon to stop with the given grace. Nil
	// disables POST /shutdown.
	OnShutdown func(grace time.Duration)
}

// Module runs the admin HTTP server on Admin.Addr.
type Module struct {
	*runtime.Base

	rt      *runtime.Runtime
	log     zerolog.Logger
	deps    Deps
	hub     *Hub
	console *dialog.ConsoleChannel
	srv     *http.Server
	ln      net.Listener
	started time.Time
}

func New(deps Deps) *Module {
	return &Module{Base: runtime.NewBase("api"), deps: deps}
}

func (m *Module) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	m.rt = rt
	m.log = rt.Log.With().Str("component", "api").Logger()
	m.started = rt.Clock.Now()
	m.hub = NewHub(rt.Bus, m.log)

	if m.deps.Dialog != nil {
		m.console = dialog.NewConsoleChannel(rt.Bus, rt.Clock, m.log)
		m.deps.Dialog.Register(m.console)
	}

	// Bind before reporting healthy so a taken port fails startup
	// instead of a background goroutine.
	addr := rt.Config.Static().Admin.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.MarkFailed(err)
		return buserr.Wrap(buserr.ResourceExhausted, "api.listen", err)
	}
	m.ln = ln
	m.srv = &http.Server{
		Handler:           m.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.MarkFailed(err)
			m.log.Error().Err(err).Str("addr", addr).Msg("admin server failed")
		}
	}()

	m.MarkRunning()
	m.SetDetail("listening on " + ln.Addr().String())
	m.log.Info().Str("addr", ln.Addr().String()).Msg("admin server online")
	return nil
}

// Addr reports the bound listen address, useful when Admin.Addr asked
// for an ephemeral port.
func (m *Module) Addr() string {
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

func (m *Module) Shutdown(ctx context.Context) error {
	var err error
	if m.srv != nil {
		err = m.srv.Shutdown(ctx)
	}
	if m.console != nil {
		m.console.Close()
	}
	if m.hub != nil {
		m.hub.Close()
	}
	m.MarkStopped()
	return err
}

func (m *Module) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(m.logRequests)

	r.HandleFunc("/healthz", m.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", m.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/explain/{corrId}", m.handleExplain).Methods(http.MethodGet)
	r.HandleFunc("/audit/{corrId}", m.handleAudit).Methods(http.MethodGet)
	r.HandleFunc("/reload/{table}", m.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/shutdown", m.handleShutdown).Methods(http.MethodPost)
	r.HandleFunc("/dialog/respond", m.handleDialogRespond).Methods(http.MethodPost)
	r.HandleFunc("/failover/switch", m.handleForceSwitch).Methods(http.MethodPost)
	r.HandleFunc("/stream", m.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/console", m.handleConsole).Methods(http.MethodGet)
	return r
}

func (m *Module) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("admin request")
		next.ServeHTTP(w, r)
	})
}

func (m *Module) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// statusReply is the /status document. Module sections appear only for
// wired modules.
type statusReply struct {
	Service  string                    `json:"service"`
	Version  string                    `json:"version,omitempty"`
	UptimeMs int64                     `json:"uptimeMs"`
	Modules  map[string]runtime.Health `json:"modules"`
	Bus      bus.Stats                 `json:"bus"`
	Tables   map[string]int            `json:"tableVersions"`

	Balancer  *balancer.Status       `json:"balancer,omitempty"`
	Allocator *schema.SpotRebalance  `json:"allocator,omitempty"`
	Pacing    *schema.PacingPlan     `json:"pacing,omitempty"`
	Endpoints *schema.HealthSnapshot `json:"endpoints,omitempty"`
	Guardrail *guardrail.Status      `json:"guardrail,omitempty"`
	Dialog    *dialog.Status         `json:"dialog,omitempty"`
	Explain   *explain.Status        `json:"explain,omitempty"`
	Mirror    *mirror.Status         `json:"mirror,omitempty"`
	Logroute  *schema.RouterStats    `json:"logroute,omitempty"`
	Stream    *StreamStats           `json:"stream,omitempty"`
}

func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
	reply := statusReply{
		Service:  "tradeplane",
		Version:  m.deps.Version,
		UptimeMs: m.rt.Clock.Now().Sub(m.started).Milliseconds(),
		Modules:  make(map[string]runtime.Health, len(m.deps.Modules)),
		Bus:      m.rt.Bus.Snapshot(),
		Tables:   m.rt.Config.Versions(),
	}
	for _, mod := range m.deps.Modules {
		reply.Modules[mod.Name()] = mod.Health()
	}
	// The server answers for itself; callers should not have to wire it
	// into its own dependency list.
	reply.Modules[m.Name()] = m.Health()
	if m.deps.Balancer != nil {
		st := m.deps.Balancer.Status()
		reply.Balancer = &st
	}
	if m.deps.Allocator != nil {
		st := m.deps.Allocator.Current()
		reply.Allocator = &st
	}
	if m.deps.Pacing != nil {
		st := m.deps.Pacing.Current()
		reply.Pacing = &st
	}
	if m.deps.Failover != nil {
		st := m.deps.Failover.Snapshot()
		reply.Endpoints = &st
	}
	if m.deps.Guardrail != nil {
		st := m.deps.Guardrail.Status()
		reply.Guardrail = &st
	}
	if m.deps.Dialog != nil {
		st := m.deps.Dialog.Status()
		reply.Dialog = &st
	}
	if m.deps.Explain != nil {
		st := m.deps.Explain.Status()
		reply.Explain = &st
	}
	if m.deps.Mirror != nil {
		st := m.deps.Mirror.Status()
		reply.Mirror = &st
	}
	if m.deps.Logroute != nil {
		st := m.deps.Logroute.Stats()
		reply.Logroute = &st
	}
	if m.hub != nil {
		st := m.hub.Stats()
		reply.Stream = &st
	}
	writeJSON(w, http.StatusOK, reply)
}

func (m *Module) handleExplain(w http.ResponseWriter, r *http.Request) {
	if m.deps.Explain == nil {
		http.Error(w, "explain reporter not wired", http.StatusNotFound)
		return
	}
	corr := mux.Vars(r)["corrId"]
	card, ok := m.deps.Explain.Card(corr)
	if !ok {
		http.Error(w, fmt.Sprintf("no decision tracked for %s", corr), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (m *Module) handleAudit(w http.ResponseWriter, r *http.Request) {
	if m.deps.Audit == nil {
		http.Error(w, "audit trail not wired", http.StatusNotFound)
		return
	}
	corr := mux.Vars(r)["corrId"]
	max := 100
	if q := r.URL.Query().Get("max"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			http.Error(w, "max must be a positive integer", http.StatusBadRequest)
			return
		}
		max = n
	}
	records, err := m.deps.Audit.Trail(corr, max)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (m *Module) handleReload(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	switch table {
	case config.TableRoutes, config.TablePrivacy, config.TablePolicy, config.TableEndpoints:
	default:
		http.Error(w, fmt.Sprintf("unknown table %q", table), http.StatusBadRequest)
		return
	}
	if err := m.rt.Config.Reload(table); err != nil {
		m.log.Warn().Err(err).Str("table", table).Msg("reload rejected")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	m.log.Info().Str("table", table).Int("version", m.rt.Config.Versions()[table]).Msg("table reloaded")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":   table,
		"version": m.rt.Config.Versions()[table],
	})
}

func (m *Module) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if m.deps.OnShutdown == nil {
		http.Error(w, "shutdown not wired", http.StatusNotFound)
		return
	}
	grace := time.Duration(m.rt.Config.Static().Shutdown.GraceMs) * time.Millisecond
	if q := r.URL.Query().Get("grace"); q != "" {
		ms, err := strconv.ParseInt(q, 10, 64)
		if err != nil || ms < 0 {
			http.Error(w, "grace must be a non-negative millisecond count", http.StatusBadRequest)
			return
		}
		grace = time.Duration(ms) * time.Millisecond
	}
	m.log.Info().Dur("grace", grace).Msg("shutdown requested over admin api")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"stopping": true,
		"graceMs":  grace.Milliseconds(),
	})
	// Reply first, then stop: the caller deserves an ack before the
	// listener goes away.
	go m.deps.OnShutdown(grace)
}

// dialogRespondRequest mirrors the console frame so curl and UI answers
// look the same on the bus.
type dialogRespondRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Choice    string `json:"choice"`
}

func (m *Module) handleDialogRespond(w http.ResponseWriter, r *http.Request) {
	var req dialogRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.UserID == "" || req.Choice == "" {
		http.Error(w, "sessionId, userId and choice are required", http.StatusBadRequest)
		return
	}
	choice := schema.OperatorChoice{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Choice:    req.Choice,
		Channel:   "api",
		TS:        m.rt.Clock.Now(),
	}
	if err := m.rt.Bus.Emit(r.Context(), schema.TopicOperatorChoiceLog, req.SessionID, "api", choice); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session": req.SessionID, "choice": req.Choice})
}

type forceSwitchRequest struct {
	To string `json:"to"`
}

func (m *Module) handleForceSwitch(w http.ResponseWriter, r *http.Request) {
	if m.deps.Failover == nil {
		http.Error(w, "failover not wired", http.StatusNotFound)
		return
	}
	var req forceSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if req.To == "" {
		http.Error(w, "to is required", http.StatusBadRequest)
		return
	}
	if err := m.deps.Failover.ForceSwitch(r.Context(), req.To); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"switchedTo": req.To})
}

func (m *Module) handleStream(w http.ResponseWriter, r *http.Request) {
	m.hub.HandleStream(w, r)
}

func (m *Module) handleConsole(w http.ResponseWriter, r *http.Request) {
	if m.console == nil {
		http.Error(w, "operator console not wired", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("console upgrade failed")
		return
	}
	m.console.Attach(conn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
