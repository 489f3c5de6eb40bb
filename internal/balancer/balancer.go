// Package balancer sizes accepted execution intents against the
// portfolio cap table and the live exposure snapshot: hard caps refuse,
// soft constraints scale the entry down until they hold.
package balancer

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Variant base risk percentages are fixed policy.
const (
	riskConservative = 0.4
	riskBase         = 0.6
	riskAggressive   = 0.8
)

// variantRisk maps a strategy variant to its base risk percentage.
func variantRisk(variant string) (float64, bool) {
	switch variant {
	case schema.VariantConservative:
		return riskConservative, true
	case schema.VariantBase:
		return riskBase, true
	case schema.VariantAggressive:
		return riskAggressive, true
	}
	return 0, false
}

// Balancer keeps the last exposure snapshot and cap table and decides
// intents against them. The live portfolio.policy feed beats the hot
// table while fresh; the table has no TTL.
type Balancer struct {
	cfg config.BalancerConfig

	mu       sync.Mutex
	exposure *schema.ExposureSnapshot
	expTS    time.Time
	policy   *schema.PolicyCaps
	polTS    time.Time
	table    *schema.PolicyCaps
}

func NewBalancer(cfg config.BalancerConfig) *Balancer {
	return &Balancer{cfg: cfg}
}

// OnExposure replaces the exposure snapshot.
func (b *Balancer) OnExposure(exp schema.ExposureSnapshot, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exposure = &exp
	b.expTS = tsOr(exp.TS, now)
}

// OnPolicy installs the live cap table, normalized the same way the
// YAML loader normalizes the hot table.
func (b *Balancer) OnPolicy(pol schema.PolicyCaps, now time.Time) {
	if pol.OnHardBreach == "" {
		pol.OnHardBreach = "reject"
	}
	if pol.ScaleStep == 0 {
		pol.ScaleStep = 0.1
	}
	if pol.MinFactor == 0 {
		pol.MinFactor = 0.25
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = &pol
	b.polTS = tsOr(pol.TS, now)
}

// SetTablePolicy installs the hot-table fallback.
func (b *Balancer) SetTablePolicy(pol *schema.PolicyCaps) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pol == nil {
		b.table = nil
		return
	}
	c := *pol
	b.table = &c
}

// Decide runs one intent through freshness gates, the hard cap ladder
// and the soft scaling search. The intent must be pre-validated.
func (b *Balancer) Decide(intent schema.ExecutionIntent, now time.Time) schema.IntentDecision {
	b.mu.Lock()
	defer b.mu.Unlock()

	base, _ := variantRisk(intent.Variant)
	requested := base * intent.Confidence

	dec := schema.IntentDecision{
		CorrID:           intent.CorrID,
		Symbol:           intent.Symbol,
		Side:             intent.Side,
		Variant:          intent.Variant,
		RequestedRiskPct: requested,
		TS:               now,
	}

	if b.exposure == nil {
		return rejected(dec, schema.ReasonMissingExposure)
	}
	pol, _ := b.policyLocked(now)
	if pol == nil {
		return rejected(dec, schema.ReasonMissingPolicy)
	}
	if now.Sub(b.expTS) > time.Duration(b.cfg.ExposureStaleSec)*time.Second {
		return rejected(dec, schema.ReasonStaleExposure)
	}

	exp := b.exposure
	maxCorr := maxEffectiveCorr(exp, pol, intent)

	if reason, breached := hardBreach(exp, pol, intent, requested, maxCorr); breached {
		return b.refused(dec, reason, pol, now)
	}

	// Downward search: the first failing soft constraint names the
	// adjustment, the last scale satisfying all of them sizes it.
	scale, granted, softReason := 1.0, requested, ""
	for k := 0; ; k++ {
		scale = 1 - float64(k)*pol.ScaleStep
		if scale < pol.MinFactor {
			return b.refused(dec, softReason, pol, now)
		}
		granted = requested * scale
		reason, violated := softBreach(exp, pol, intent, granted, maxCorr)
		if !violated {
			break
		}
		if softReason == "" {
			softReason = reason
		}
	}

	// Scaling shrinks any offset the full-size entry gave an already
	// stretched factor beta; the granted size must clear the hard
	// ladder on its own.
	if scale < 1 {
		if reason, breached := hardBreach(exp, pol, intent, granted, maxCorr); breached {
			return b.refused(dec, reason, pol, now)
		}
	}

	dec.GrantedRiskPct = granted
	dec.ScaleFactor = scale
	if scale < 1 {
		dec.Outcome = schema.IntentAdjusted
		dec.Reason = softReason
	} else {
		dec.Outcome = schema.IntentApproved
	}
	return dec
}

// Status reports which inputs the balancer is deciding with.
type Status struct {
	HasExposure  bool      `json:"hasExposure"`
	ExposureTS   time.Time `json:"exposureTs"`
	PolicySource string    `json:"policySource"`
}

func (b *Balancer) Status(now time.Time) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, source := b.policyLocked(now)
	return Status{
		HasExposure:  b.exposure != nil,
		ExposureTS:   b.expTS,
		PolicySource: source,
	}
}

// policyLocked resolves the effective cap table: the live feed while
// fresh, else the hot table. A table without a total risk cap is no
// table at all.
func (b *Balancer) policyLocked(now time.Time) (*schema.PolicyCaps, string) {
	ttl := time.Duration(b.cfg.PolicyStaleSec) * time.Second
	if usablePolicy(b.policy) && now.Sub(b.polTS) <= ttl {
		return b.policy, "feed"
	}
	if usablePolicy(b.table) {
		return b.table, "table"
	}
	return nil, "none"
}

func usablePolicy(p *schema.PolicyCaps) bool {
	return p != nil && p.TotalRiskPct > 0
}

func rejected(dec schema.IntentDecision, reason string) schema.IntentDecision {
	dec.Outcome = schema.IntentRejected
	dec.Reason = reason
	return dec
}

func (b *Balancer) refused(dec schema.IntentDecision, reason string, pol *schema.PolicyCaps, now time.Time) schema.IntentDecision {
	dec.Reason = reason
	if pol.OnHardBreach == "defer" {
		dec.Outcome = schema.IntentDeferred
		dec.DeferUntil = now.Add(time.Duration(b.cfg.DeferSec) * time.Second)
		return dec
	}
	dec.Outcome = schema.IntentRejected
	return dec
}

// hardBreach walks the cap ladder in its fixed order. Unset caps do
// not bind.
func hardBreach(exp *schema.ExposureSnapshot, pol *schema.PolicyCaps, intent schema.ExecutionIntent, r, maxCorr float64) (string, bool) {
	if exp.TotalRiskPct+r > pol.TotalRiskPct {
		return schema.ReasonTotalRiskCap, true
	}

	entry := findSymbol(exp, intent.Symbol)
	var symRisk float64
	if entry != nil {
		symRisk = entry.RiskPct
	}
	if pol.PerSymbolPct > 0 && symRisk+r > pol.PerSymbolPct {
		return schema.ReasonPerSymbolCap, true
	}

	if entry != nil && entry.Cluster != "" {
		if clusterCap, ok := pol.PerClusterPct[entry.Cluster]; ok && clusterCap > 0 {
			if clusterRisk(exp, entry.Cluster)+r > clusterCap {
				return schema.ReasonPerClusterCap, true
			}
		}
	}

	// Factor caps bind only where the intent itself moves the beta: a
	// book already over a cap is not this intent's breach.
	if entry != nil && len(pol.PerFactorBetaAbs) > 0 {
		factors := make([]string, 0, len(pol.PerFactorBetaAbs))
		for f := range pol.PerFactorBetaAbs {
			factors = append(factors, f)
		}
		sort.Strings(factors)
		for _, f := range factors {
			betaCap := pol.PerFactorBetaAbs[f]
			unit := entry.FactorBetas[f]
			if betaCap <= 0 || unit == 0 {
				continue
			}
			contribution := unit * r * sideSign(intent.Side)
			if math.Abs(portfolioBeta(exp, f)+contribution) > betaCap {
				return schema.ReasonFactorBetaCap, true
			}
		}
	}

	if pol.CorrelationHard > 0 && maxCorr > pol.CorrelationHard {
		return schema.ReasonCorrelationHard, true
	}
	return "", false
}

// softBreach checks the scale-sensitive constraints: book imbalance
// after the entry, and correlation-gated marginal risk.
func softBreach(exp *schema.ExposureSnapshot, pol *schema.PolicyCaps, intent schema.ExecutionIntent, r, maxCorr float64) (string, bool) {
	long, short := exp.LongRiskPct, exp.ShortRiskPct
	if sideSign(intent.Side) > 0 {
		long += r
	} else {
		short += r
	}
	if pol.LongShortImbalancePct > 0 && math.Abs(long-short) > pol.LongShortImbalancePct {
		return schema.ReasonImbalance, true
	}

	// Below the soft threshold correlation is ignored; above it the
	// marginal budget bounds the entry in proportion.
	if pol.CorrelationSoft > 0 && maxCorr > pol.CorrelationSoft && pol.MarginalRiskMaxPct > 0 {
		if r*maxCorr > pol.MarginalRiskMaxPct {
			return schema.ReasonMarginalRisk, true
		}
	}
	return "", false
}

// maxEffectiveCorr is the strongest alignment-adjusted correlation
// between the intent and any held symbol: opposite sides hedge, so
// their correlation flips sign. Unobserved pairs in the same cluster
// read the policy default.
func maxEffectiveCorr(exp *schema.ExposureSnapshot, pol *schema.PolicyCaps, intent schema.ExecutionIntent) float64 {
	entry := findSymbol(exp, intent.Symbol)

	var max float64
	for i := range exp.Symbols {
		x := &exp.Symbols[i]
		if x.Symbol == intent.Symbol || x.RiskPct <= 0 {
			continue
		}
		corr, known := pairCorr(entry, x, intent.Symbol)
		if !known && entry != nil && entry.Cluster != "" && entry.Cluster == x.Cluster {
			corr = pol.DefaultSameCluster
		}
		eff := corr * sideSign(x.Side) * sideSign(intent.Side)
		if eff > max {
			max = eff
		}
	}
	return max
}

func pairCorr(entry *schema.SymbolExposure, x *schema.SymbolExposure, symbol string) (float64, bool) {
	if entry != nil {
		if corr, ok := entry.Correlations[x.Symbol]; ok {
			return corr, true
		}
	}
	if corr, ok := x.Correlations[symbol]; ok {
		return corr, true
	}
	return 0, false
}

func portfolioBeta(exp *schema.ExposureSnapshot, factor string) float64 {
	var total float64
	for i := range exp.Symbols {
		s := &exp.Symbols[i]
		total += s.FactorBetas[factor] * s.RiskPct * sideSign(s.Side)
	}
	return total
}

func clusterRisk(exp *schema.ExposureSnapshot, cluster string) float64 {
	var total float64
	for i := range exp.Symbols {
		if exp.Symbols[i].Cluster == cluster {
			total += exp.Symbols[i].RiskPct
		}
	}
	return total
}

func findSymbol(exp *schema.ExposureSnapshot, symbol string) *schema.SymbolExposure {
	for i := range exp.Symbols {
		if exp.Symbols[i].Symbol == symbol {
			return &exp.Symbols[i]
		}
	}
	return nil
}

func sideSign(side string) float64 {
	if side == schema.SideSell {
		return -1
	}
	return 1
}

func tsOr(ts, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts
}
