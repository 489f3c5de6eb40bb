// Package pacing folds session windows, liquidity, risk posture and
// realized transaction costs into a composite quota plan bounding new
// order flow.
package pacing

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Factor floors and tiers are fixed policy, not operator configuration.
const (
	fLiqFloor = 0.4

	fRiskRed   = 0.4
	fRiskAmber = 0.7

	fTcaHard = 0.2
	fTcaSoft = 0.6

	// rateSafety keeps the child quota under the hard venue numbers.
	rateSafety = 0.9

	// ordersWindowsPerMin converts the venue's 10-second order budget
	// to a per-minute one.
	ordersWindowsPerMin = 6

	// reduceOnlyBudgetPct is the risk budget share retained while the
	// sentinel suspends new risk.
	reduceOnlyBudgetPct = 0.25
)

// window is one parsed session window, in minutes of the UTC day.
// Half-open [start, end); start > end wraps across midnight.
type window struct {
	name     string
	startMin int
	endMin   int
	weight   float64
}

func (w window) contains(minOfDay int) bool {
	if w.startMin <= w.endMin {
		return minOfDay >= w.startMin && minOfDay < w.endMin
	}
	return minOfDay >= w.startMin || minOfDay < w.endMin
}

// Planner keeps the last value of every input feed and computes quota
// plans on demand. Liquidity and TCA snapshots expire after
// InputStaleSec: stale liquidity paces at the factor floor, stale TCA
// reverts to neutral. The risk state and rate budget carry no TTL.
type Planner struct {
	cfg     config.PacingConfig
	stale   time.Duration
	windows []window

	mu     sync.Mutex
	liq    *schema.LiquiditySnapshot
	liqTS  time.Time
	tca    *schema.TCASnapshot
	tcaTS  time.Time
	rate   *schema.RateBudget
	risk   schema.RiskState
	policy *schema.PolicyCaps
	table  *schema.PolicyCaps
}

func NewPlanner(cfg config.PacingConfig) *Planner {
	p := &Planner{
		cfg:   cfg,
		stale: time.Duration(cfg.InputStaleSec) * time.Second,
		risk:  schema.RiskState{Level: schema.RiskGreen, Sentinel: schema.SentinelNormal},
	}
	for _, w := range cfg.Windows {
		start, okS := parseHHMM(w.Start)
		end, okE := parseHHMM(w.End)
		if !okS || !okE {
			continue
		}
		p.windows = append(p.windows, window{name: w.Name, startMin: start, endMin: end, weight: w.Weight})
	}
	return p
}

// OnActivity folds one session.activity update in. Absent sections
// leave the previous value standing.
func (p *Planner) OnActivity(act schema.SessionActivity, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if act.Liquidity != nil {
		l := *act.Liquidity
		p.liq = &l
		p.liqTS = tsOr(l.TS, tsOr(act.TS, now))
	}
	if act.TCA != nil {
		t := *act.TCA
		p.tca = &t
		p.tcaTS = tsOr(t.TS, tsOr(act.TS, now))
	}
	if act.Rate != nil {
		r := *act.Rate
		p.rate = &r
	}
}

// OnRisk replaces the risk posture.
func (p *Planner) OnRisk(rs schema.RiskState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.risk = rs
}

// OnPolicy installs the live portfolio.policy feed, which beats the
// hot table from then on.
func (p *Planner) OnPolicy(pol schema.PolicyCaps) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = &pol
}

// SetTablePolicy installs the hot-table policy used until the live
// feed speaks.
func (p *Planner) SetTablePolicy(pol *schema.PolicyCaps) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pol == nil {
		p.table = nil
		return
	}
	c := *pol
	p.table = &c
}

// Plan computes the quota plan for this instant.
func (p *Planner) Plan(now time.Time) schema.PacingPlan {
	p.mu.Lock()
	defer p.mu.Unlock()

	fSession, name := p.sessionLocked(now)
	fLiq := p.liqLocked(now)
	fRisk, reduceOnly := riskFactor(p.risk)
	fTca := p.tcaLocked(now)

	factor := clamp(fSession*fLiq*fRisk*fTca, 0, 1)

	plan := schema.PacingPlan{
		Factor:     factor,
		FSession:   fSession,
		FLiq:       fLiq,
		FRisk:      fRisk,
		FTca:       fTca,
		ReduceOnly: reduceOnly,
		Window:     name,
		TS:         now,
	}

	if !reduceOnly {
		plan.MaxNewPositions = int(math.Floor(float64(p.cfg.BaseMaxNewPositions) * factor))
	}

	childPerMin := int(math.Floor(float64(p.cfg.BaseChildPerMin) * factor))
	if rateCap, ok := p.rateCapLocked(); ok && childPerMin > rateCap {
		childPerMin = rateCap
	}
	plan.MaxChildPerMin = childPerMin

	if reduceOnly {
		plan.RiskBudgetUsd = math.Floor(p.cfg.BaseRiskBudgetUsd * reduceOnlyBudgetPct)
	} else {
		plan.RiskBudgetUsd = math.Floor(p.cfg.BaseRiskBudgetUsd * factor)
	}

	if pol := p.policyLocked(); pol != nil && pol.SlipBpSoft > 0 {
		plan.SlipSoftBp = math.Round(pol.SlipBpSoft / fTca)
	}
	return plan
}

// sessionLocked picks the highest-weight window containing now, UTC.
// Outside every window the session factor is zero: the gap between the
// US close and the Asia open is a genuine dead zone.
func (p *Planner) sessionLocked(now time.Time) (float64, string) {
	utc := now.UTC()
	minOfDay := utc.Hour()*60 + utc.Minute()

	var weight float64
	var name string
	for _, w := range p.windows {
		if w.contains(minOfDay) && w.weight > weight {
			weight = w.weight
			name = w.name
		}
	}
	return weight, name
}

// liqLocked paces at the floor when the order-book feed is silent: a
// planner that cannot see the book must not assume depth.
func (p *Planner) liqLocked(now time.Time) float64 {
	if p.liq == nil || now.Sub(p.liqTS) > p.stale {
		return fLiqFloor
	}
	return clamp(p.liq.SpreadFactor*p.liq.DepthFactor*p.liq.WsLagFactor, fLiqFloor, 1)
}

// tcaLocked reverts to neutral when the fill feed is silent: absent
// fills are not evidence of slippage, and a penalized fTca would widen
// the slip band instead of tightening it.
func (p *Planner) tcaLocked(now time.Time) float64 {
	if p.tca == nil || now.Sub(p.tcaTS) > p.stale {
		return 1
	}
	t := p.tca
	if beyond(t.SlipBp, t.SlipHardBp) || beyond(t.MarkOutBp, t.MarkOutHardBp) {
		return fTcaHard
	}
	if beyond(t.SlipBp, t.SlipSoftBp) || beyond(t.MarkOutBp, t.MarkOutSoftBp) {
		return fTcaSoft
	}
	return 1
}

func (p *Planner) rateCapLocked() (int, bool) {
	if p.rate == nil {
		return 0, false
	}
	byWeight := p.rate.RequestWeightPerMin * rateSafety
	byOrders := p.rate.OrdersPer10s * ordersWindowsPerMin * rateSafety
	return int(math.Floor(math.Min(byWeight, byOrders))), true
}

func (p *Planner) policyLocked() *schema.PolicyCaps {
	if p.policy != nil {
		return p.policy
	}
	return p.table
}

// riskFactor maps the posture to its tier. An empty sentinel reads as
// NORMAL so a sparse producer cannot halt the plane by omission.
func riskFactor(rs schema.RiskState) (float64, bool) {
	if rs.Sentinel != "" && rs.Sentinel != schema.SentinelNormal {
		return 0, true
	}
	switch rs.Level {
	case schema.RiskRed:
		return fRiskRed, false
	case schema.RiskAmber:
		return fRiskAmber, false
	default:
		return 1, false
	}
}

// beyond ignores unset thresholds.
func beyond(v, limit float64) bool {
	return limit > 0 && v > limit
}

func parseHHMM(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func tsOr(ts, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
