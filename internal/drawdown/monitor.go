// Package drawdown watches the equity curve against its running peak
// and turns tier breaches into governance recommendations with
// per-level cool-offs.
package drawdown

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Tier actions are fixed policy, not operator configuration.
const (
	warnTargetRiskPct    = 1.8
	errorTargetRiskPct   = 1.2
	warnHaltDuration     = 20 * time.Minute
	errorDisableDuration = 4 * time.Hour

	// minRecoverySample is the trade count below which no recovery
	// estimate is attached.
	minRecoverySample = 10
)

// Verdict is what one equity snapshot produced.
type Verdict struct {
	Recommendations []schema.GovernanceRecommendation
	Alert           *schema.DrawdownAlert
	CurrentDDPct    float64
}

// Monitor holds the retained equity and trade history, the running peak
// and the per-level cool-offs. The drawdown episode ends by the
// rising-window rule: once equity clears the segment start by the
// recovery buffer, the watermark rebases to the current value.
type Monitor struct {
	cfg config.DrawdownConfig

	mu        sync.Mutex
	equity    []schema.EquitySnapshot
	trades    []schema.ClosedTrade
	peak      float64
	segStart  float64
	seeded    bool
	coolOff   map[string]time.Time
	lastAlert map[string]time.Time
}

func NewMonitor(cfg config.DrawdownConfig) *Monitor {
	return &Monitor{
		cfg:       cfg,
		coolOff:   make(map[string]time.Time),
		lastAlert: make(map[string]time.Time),
	}
}

// OnEquity folds one equity snapshot in and evaluates the tier machine.
func (m *Monitor) OnEquity(snap schema.EquitySnapshot, now time.Time) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendEquityLocked(snap, now)
	m.pruneCoolOffsLocked(now)

	dd := m.currentDDLocked()
	v := Verdict{CurrentDDPct: dd}

	level := m.tierOf(dd)
	if level == "" {
		return v
	}
	if expiry, ok := m.coolOff[level]; ok && now.Before(expiry) {
		return v
	}

	coolOff := m.coolOffFor(level)
	until := now.Add(coolOff)
	m.coolOff[level] = until
	m.lastAlert[level] = now

	v.Recommendations = m.actionsFor(level, dd, snap.Value, coolOff)
	v.Alert = &schema.DrawdownAlert{
		Level:        level,
		CurrentDDPct: dd,
		MaxDDPct:     m.maxDDLocked(),
		Peak:         m.peak,
		Current:      snap.Value,
		CoolOffUntil: until,
		Recovery:     m.recoveryLocked(snap.Value),
	}
	return v
}

// OnTrade records one closed trade for the recovery estimator.
func (m *Monitor) OnTrade(trade schema.ClosedTrade, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)

	cutoff := now.AddDate(0, 0, -m.cfg.LookbackDays)
	i := 0
	for i < len(m.trades) && m.trades[i].ClosedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.trades = append(m.trades[:0], m.trades[i:]...)
	}
}

// Peak returns the current watermark.
func (m *Monitor) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func (m *Monitor) appendEquityLocked(snap schema.EquitySnapshot, now time.Time) {
	if !m.seeded {
		m.seeded = true
		m.peak = snap.Value
		m.segStart = snap.Value
	}
	if snap.Value > m.peak {
		m.peak = snap.Value
	}
	if snap.Value >= m.segStart*(1+m.cfg.RecoveryBufferPct/100) {
		m.segStart = snap.Value
		m.peak = snap.Value
	}

	m.equity = append(m.equity, snap)
	cutoff := now.AddDate(0, 0, -m.cfg.LookbackDays)
	i := 0
	for i < len(m.equity) && m.equity[i].TS.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.equity = append(m.equity[:0], m.equity[i:]...)
	}
}

func (m *Monitor) pruneCoolOffsLocked(now time.Time) {
	for level, expiry := range m.coolOff {
		if now.After(expiry) {
			delete(m.coolOff, level)
		}
	}
}

func (m *Monitor) currentDDLocked() float64 {
	if len(m.equity) == 0 || m.peak <= 0 {
		return 0
	}
	dd := 100 * (m.peak - m.equity[len(m.equity)-1].Value) / m.peak
	if dd < 0 {
		return 0
	}
	return dd
}

// maxDDLocked is the deepest drawdown across the retained history,
// measured against the running peak at each point.
func (m *Monitor) maxDDLocked() float64 {
	var runningPeak, maxDD float64
	for _, snap := range m.equity {
		if snap.Value > runningPeak {
			runningPeak = snap.Value
		}
		if runningPeak <= 0 {
			continue
		}
		if dd := 100 * (runningPeak - snap.Value) / runningPeak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

func (m *Monitor) tierOf(dd float64) string {
	switch {
	case dd >= m.cfg.EmergencyPct:
		return schema.DrawdownEmergency
	case dd >= m.cfg.ErrorPct:
		return schema.DrawdownError
	case dd >= m.cfg.WarnPct:
		return schema.DrawdownWarn
	default:
		return ""
	}
}

func (m *Monitor) tierPct(level string) float64 {
	switch level {
	case schema.DrawdownEmergency:
		return m.cfg.EmergencyPct
	case schema.DrawdownError:
		return m.cfg.ErrorPct
	default:
		return m.cfg.WarnPct
	}
}

func (m *Monitor) coolOffFor(level string) time.Duration {
	switch level {
	case schema.DrawdownEmergency:
		return time.Duration(m.cfg.CoolOffEmergencyHours) * time.Hour
	case schema.DrawdownError:
		return time.Duration(m.cfg.CoolOffErrorHours) * time.Hour
	default:
		return time.Duration(m.cfg.CoolOffWarnHours) * time.Hour
	}
}

func (m *Monitor) actionsFor(level string, dd, current float64, coolOff time.Duration) []schema.GovernanceRecommendation {
	base := schema.GovernanceRecommendation{
		Level:  level,
		Reason: fmt.Sprintf("drawdown %.2f%% breached %s tier %.2f%%", dd, level, m.tierPct(level)),
		DDPct:  dd,
		PeakEq: m.peak,
		CurrEq: current,
	}

	switch level {
	case schema.DrawdownEmergency:
		emergency := base
		emergency.Action = schema.ActionEmergencyClose
		emergency.DurationMs = coolOff.Milliseconds()
		return []schema.GovernanceRecommendation{emergency}

	case schema.DrawdownError:
		reduce := base
		reduce.Action = schema.ActionReduceTotalRisk
		reduce.TargetRiskPct = errorTargetRiskPct
		disable := base
		disable.Action = schema.ActionDisableAggressive
		disable.DurationMs = errorDisableDuration.Milliseconds()
		return []schema.GovernanceRecommendation{reduce, disable}

	default:
		reduce := base
		reduce.Action = schema.ActionReduceTotalRisk
		reduce.TargetRiskPct = warnTargetRiskPct
		halt := base
		halt.Action = schema.ActionHaltNewIntents
		halt.DurationMs = warnHaltDuration.Milliseconds()
		return []schema.GovernanceRecommendation{reduce, halt}
	}
}

func (m *Monitor) recoveryLocked(current float64) *schema.RecoveryEstimate {
	if len(m.trades) < minRecoverySample || current <= 0 {
		return nil
	}

	daily := dailyReturns(m.trades)
	avg := meanOf(daily)

	est := &schema.RecoveryEstimate{
		AvgDailyReturn:        avg,
		SampleSize:            len(m.trades),
		ProbabilityOfRecovery: recoveryProbability(m.trades, daily),
	}
	if avg > 0 {
		est.ExpectedDays = (m.peak - current) / (current * avg)
	} else {
		est.Infinite = true
	}
	return est
}

// dailyReturns sums per-trade return percentages into daily fractions.
func dailyReturns(trades []schema.ClosedTrade) []float64 {
	byDay := make(map[string]float64)
	for _, tr := range trades {
		byDay[tr.ClosedAt.UTC().Format("2006-01-02")] += tr.ReturnPct / 100
	}
	out := make([]float64, 0, len(byDay))
	for _, r := range byDay {
		out = append(out, r)
	}
	return out
}

// recoveryProbability blends the win rate with a squashed Sharpe ratio
// into [0.05, 0.95].
func recoveryProbability(trades []schema.ClosedTrade, daily []float64) float64 {
	var wins int
	for _, tr := range trades {
		if tr.Win {
			wins++
		}
	}
	winRate := float64(wins) / float64(len(trades))

	avg := meanOf(daily)
	sd := stdevOf(daily, avg)
	var sharpe float64
	switch {
	case sd > 1e-12:
		sharpe = avg / sd
	case avg > 0:
		sharpe = 10
	}

	p := 0.5*winRate + 0.25*(1+sharpe/(1+math.Abs(sharpe)))
	if p < 0.05 {
		return 0.05
	}
	if p > 0.95 {
		return 0.95
	}
	return p
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdevOf(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}
