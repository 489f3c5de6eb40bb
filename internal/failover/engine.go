package failover

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Sentry alert kinds raised by the orchestrator.
const (
	alertNoHealthyEndpoint = "no_healthy_endpoint"
	alertCanaryFailed      = "canary_failed"
	alertEndpointRemoved   = "endpoint_removed"
)

// verdict carries everything one engine step decided, for the module to
// publish. Zero-value fields mean nothing happened on that front.
type verdict struct {
	Snapshot *schema.HealthSnapshot
	Plan     *schema.SwitchPlan
	Switched *schema.Switched
	Alerts   []schema.SentryAlert
	Steps    []schema.BrownoutStep
}

func (v *verdict) merge(o verdict) {
	if o.Snapshot != nil {
		v.Snapshot = o.Snapshot
	}
	if o.Plan != nil {
		v.Plan = o.Plan
	}
	if o.Switched != nil {
		v.Switched = o.Switched
	}
	v.Alerts = append(v.Alerts, o.Alerts...)
	v.Steps = append(v.Steps, o.Steps...)
}

// brownout tracks an in-flight gradual traffic shift. While active it
// blocks new switch plans.
type brownout struct {
	planID  string
	from    string
	to      string
	total   float64
	nextAt  time.Time
	stepSec int
}

type engineStatus struct {
	State                     string
	Current                   string
	ConsecutiveSwitchFailures int
	LastSwitchAt              time.Time
}

// engine owns the failover decision state: the scored registry, the
// orchestrator FSM, the pending plan with its canary deadline, and the
// brownout ramp. All methods are safe for concurrent use.
type engine struct {
	cfg config.FailoverConfig

	mu        sync.Mutex
	reg       *registry
	sm        *stateMachine
	currentID string

	lastSwitchAt time.Time
	switchedAt   time.Time
	plan         *schema.SwitchPlan
	canaryUntil  time.Time
	brown        *brownout

	consecutiveSwitchFailures int
}

func newEngine(cfg config.FailoverConfig, cat *schema.EndpointCatalog, now time.Time) *engine {
	e := &engine{
		cfg: cfg,
		reg: newRegistry(cfg),
		sm:  newStateMachine(now),
		// Dwell counts from startup so a boot into a flapping endpoint
		// cannot switch before operators can see the first snapshots.
		lastSwitchAt: now,
	}
	e.reg.sync(cat)
	e.currentID = e.reg.primaryID()
	return e
}

// onProbe folds one probe result in and runs the FSM. Unknown endpoints
// are ignored so external probes racing a catalog edit stay harmless.
// The snapshot is taken after evaluation, so consumers see the state the
// probe led to, not the one it arrived in.
func (e *engine) onProbe(res schema.ProbeResult, now time.Time) (verdict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.reg.record(res); !ok {
		return verdict{}, false
	}
	v := e.evaluateLocked(now)
	v.Snapshot = e.snapshotLocked(now)
	return v, true
}

// onCatalog swaps the endpoint table. Survivors keep their probe
// history; a vanished current endpoint falls back to the new primary.
func (e *engine) onCatalog(cat *schema.EndpointCatalog, now time.Time) verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reg.sync(cat)
	var v verdict

	if e.plan != nil && !e.reg.has(e.plan.To) {
		v.Alerts = append(v.Alerts, schema.SentryAlert{
			Kind:   alertEndpointRemoved,
			Detail: fmt.Sprintf("switch target %s removed from catalog, plan %s dropped", e.plan.To, e.plan.PlanID),
			TS:     now,
		})
		e.plan = nil
		switch e.sm.current() {
		case StatePlanned:
			_ = e.sm.to(StateNormal, now, "plan target removed")
		case StateReverting:
			_ = e.sm.to(StateSwitched, now, "revert target removed")
		}
	}

	if e.currentID == "" || !e.reg.has(e.currentID) {
		old := e.currentID
		e.currentID = e.reg.primaryID()
		if old != "" {
			v.Alerts = append(v.Alerts, schema.SentryAlert{
				Kind:   alertEndpointRemoved,
				Detail: fmt.Sprintf("current endpoint %s removed from catalog, now serving %s", old, e.currentID),
				TS:     now,
			})
			e.plan = nil
			e.brown = nil
			e.sm.force(StateNormal, now, "current endpoint removed")
		}
	}

	v.merge(e.evaluateLocked(now))
	return v
}

// forceSwitch is the operator path: direct cutover, no canary, gates
// bypassed. Switching to the primary lands NORMAL, anywhere else
// SWITCHED.
func (e *engine) forceSwitch(to string, now time.Time) (verdict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.reg.has(to) {
		return verdict{}, buserr.New(buserr.Validation, "failover.switch", "unknown endpoint %q", to)
	}
	if to == e.currentID {
		return verdict{}, buserr.New(buserr.Validation, "failover.switch", "endpoint %q is already current", to)
	}

	plan := &schema.SwitchPlan{
		PlanID:      "plan-" + uuid.NewString(),
		From:        e.currentID,
		To:          to,
		ReasonCodes: []string{schema.ReasonManualSwitch},
		Force:       true,
		CreatedAt:   now,
	}
	sw := &schema.Switched{
		PlanID:      plan.PlanID,
		From:        plan.From,
		To:          plan.To,
		ReasonCodes: plan.ReasonCodes,
		TS:          now,
	}

	e.currentID = to
	e.lastSwitchAt = now
	e.switchedAt = now
	e.plan = nil
	e.brown = nil
	e.consecutiveSwitchFailures = 0
	if to == e.reg.primaryID() {
		e.sm.force(StateNormal, now, "manual switch to primary")
	} else {
		e.sm.force(StateSwitched, now, "manual switch")
	}
	return verdict{Plan: plan, Switched: sw}, nil
}

func (e *engine) status() engineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engineStatus{
		State:                     e.sm.current().String(),
		Current:                   e.currentID,
		ConsecutiveSwitchFailures: e.consecutiveSwitchFailures,
		LastSwitchAt:              e.lastSwitchAt,
	}
}

func (e *engine) specs() []schema.EndpointSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.specs()
}

func (e *engine) healthSnapshot(now time.Time) schema.HealthSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.snapshotLocked(now)
}

func (e *engine) snapshotLocked(now time.Time) *schema.HealthSnapshot {
	return &schema.HealthSnapshot{
		Current:   e.currentID,
		State:     e.sm.current().String(),
		Endpoints: e.reg.snapshot(),
		TS:        now,
	}
}

// gatesOpenLocked reports whether a new switch plan may form: dwell
// elapsed since the last switch, no plan pending, no brownout running.
func (e *engine) gatesOpenLocked(now time.Time) bool {
	if e.plan != nil || e.brown != nil {
		return false
	}
	return now.Sub(e.lastSwitchAt) >= time.Duration(e.cfg.MinDwellSec)*time.Second
}

// evaluateLocked advances the brownout ramp, then steps the FSM until it
// settles. The second ramp pass catches a brownout born inside this very
// evaluation, so the first traffic step rides the same verdict as the
// switch that started it.
func (e *engine) evaluateLocked(now time.Time) verdict {
	var v verdict
	v.Steps = e.brownoutStepsLocked(now)
	for i := 0; i < 4; i++ {
		step, changed := e.stepLocked(now)
		v.merge(step)
		if !changed {
			break
		}
	}
	v.Steps = append(v.Steps, e.brownoutStepsLocked(now)...)
	return v
}

func (e *engine) brownoutStepsLocked(now time.Time) []schema.BrownoutStep {
	var steps []schema.BrownoutStep
	for e.brown != nil && !now.Before(e.brown.nextAt) {
		b := e.brown
		shift := e.cfg.Brownout.MaxStepPct
		if remaining := 100 - b.total; shift > remaining {
			shift = remaining
		}
		b.total += shift
		steps = append(steps, schema.BrownoutStep{
			PlanID:   b.planID,
			From:     b.from,
			To:       b.to,
			ShiftPct: shift,
			TotalPct: b.total,
			StepSec:  b.stepSec,
		})
		if b.total >= 100 {
			e.brown = nil
		} else {
			b.nextAt = b.nextAt.Add(time.Duration(b.stepSec) * time.Second)
		}
	}
	return steps
}

func (e *engine) stepLocked(now time.Time) (verdict, bool) {
	var v verdict
	cur, ok := e.reg.healthOf(e.currentID)
	if !ok {
		return v, false
	}

	switch e.sm.current() {
	case StateNormal:
		if cur.Status == schema.EndpointUnhealthy {
			_ = e.sm.to(StateSeekingTarget, now, "current endpoint unhealthy")
			return v, true
		}

	case StateSeekingTarget:
		if cur.Status == schema.EndpointHealthy {
			_ = e.sm.to(StateNormal, now, "current endpoint recovered")
			return v, true
		}
		if !e.gatesOpenLocked(now) {
			return v, false
		}
		target, found := e.reg.bestCandidate(e.currentID)
		if !found {
			_ = e.sm.to(StateAlertNoHealthy, now, "no healthy candidate")
			v.Alerts = append(v.Alerts, schema.SentryAlert{
				Kind:   alertNoHealthyEndpoint,
				Detail: fmt.Sprintf("current endpoint %s unhealthy and no healthy alternative in catalog", e.currentID),
				TS:     now,
			})
			return v, true
		}
		v.Plan = e.openPlanLocked(target, []string{schema.ReasonCurrentUnhealthy}, now)
		_ = e.sm.to(StatePlanned, now, "switch planned to "+target)
		return v, true

	case StatePlanned:
		if now.Before(e.canaryUntil) {
			return v, false
		}
		plan := e.plan
		target, _ := e.reg.healthOf(plan.To)
		if target.Status == schema.EndpointHealthy {
			v.Switched = e.commitSwitchLocked(plan, now)
			_ = e.sm.to(StateSwitched, now, "canary passed")
			return v, true
		}
		e.plan = nil
		e.consecutiveSwitchFailures++
		_ = e.sm.to(StateNormal, now, "canary failed")
		v.Alerts = append(v.Alerts, schema.SentryAlert{
			Kind: alertCanaryFailed,
			Detail: fmt.Sprintf("canary to %s failed (plan %s), %d consecutive switch failures",
				plan.To, plan.PlanID, e.consecutiveSwitchFailures),
			TS: now,
		})
		return v, true

	case StateSwitched:
		if cur.Status == schema.EndpointUnhealthy {
			_ = e.sm.to(StateSeekingTarget, now, "switched endpoint unhealthy")
			return v, true
		}
		primary := e.reg.primaryID()
		if primary == "" {
			return v, false
		}
		if primary == e.currentID {
			_ = e.sm.to(StateNormal, now, "catalog re-designated current as primary")
			return v, true
		}
		ph, _ := e.reg.healthOf(primary)
		stable := now.Sub(e.switchedAt) >= time.Duration(e.cfg.StableRevertMin)*time.Minute
		if ph.Status == schema.EndpointHealthy && stable && e.gatesOpenLocked(now) {
			v.Plan = e.openPlanLocked(primary, []string{schema.ReasonPreferPrimary}, now)
			_ = e.sm.to(StateReverting, now, "primary healthy and stable window elapsed")
			return v, true
		}

	case StateReverting:
		if now.Before(e.canaryUntil) {
			return v, false
		}
		plan := e.plan
		target, _ := e.reg.healthOf(plan.To)
		if target.Status == schema.EndpointHealthy {
			v.Switched = e.commitSwitchLocked(plan, now)
			_ = e.sm.to(StateNormal, now, "revert complete")
			return v, true
		}
		e.plan = nil
		e.consecutiveSwitchFailures++
		// Stability window restarts so the next revert attempt waits
		// out another full stable period.
		e.switchedAt = now
		_ = e.sm.to(StateSwitched, now, "revert canary failed")
		v.Alerts = append(v.Alerts, schema.SentryAlert{
			Kind: alertCanaryFailed,
			Detail: fmt.Sprintf("revert canary to %s failed (plan %s), %d consecutive switch failures",
				plan.To, plan.PlanID, e.consecutiveSwitchFailures),
			TS: now,
		})
		return v, true

	case StateAlertNoHealthy:
		if cur.Status == schema.EndpointHealthy {
			_ = e.sm.to(StateNormal, now, "current endpoint recovered")
			return v, true
		}
		if _, found := e.reg.bestCandidate(e.currentID); found {
			_ = e.sm.to(StateSeekingTarget, now, "healthy candidate appeared")
			return v, true
		}
	}
	return v, false
}

func (e *engine) openPlanLocked(target string, reasons []string, now time.Time) *schema.SwitchPlan {
	plan := &schema.SwitchPlan{
		PlanID:      "plan-" + uuid.NewString(),
		From:        e.currentID,
		To:          target,
		ReasonCodes: reasons,
		CanaryMs:    e.cfg.CanaryMs,
		CreatedAt:   now,
	}
	e.plan = plan
	e.canaryUntil = now.Add(time.Duration(e.cfg.CanaryMs) * time.Millisecond)
	return plan
}

func (e *engine) commitSwitchLocked(plan *schema.SwitchPlan, now time.Time) *schema.Switched {
	e.currentID = plan.To
	e.lastSwitchAt = now
	e.switchedAt = now
	e.plan = nil
	e.consecutiveSwitchFailures = 0
	if e.cfg.Brownout.Enabled {
		e.brown = &brownout{
			planID:  plan.PlanID,
			from:    plan.From,
			to:      plan.To,
			nextAt:  now,
			stepSec: e.cfg.Brownout.StepSec,
		}
	}
	return &schema.Switched{
		PlanID:      plan.PlanID,
		From:        plan.From,
		To:          plan.To,
		ReasonCodes: plan.ReasonCodes,
		DurationMs:  now.Sub(plan.CreatedAt).Milliseconds(),
		TS:          now,
	}
}
