// Package allocator keeps a target share of account equity deployed in
// spot. The gap between target and held value becomes rebalance legs:
// gated, tilt-weighted buys on the way up, largest-first reduce-only
// sells on the way down.
package allocator

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// flatBandUsd absorbs valuation noise: gaps within a dollar of flat
// produce no legs.
const flatBandUsd = 1.0

// quoteAsset names the stable-quote market a holding trades against.
const quoteAsset = "USDT"

// Allocator caches the account snapshot, live prices, risk posture and
// the eligible pool, and turns them into one rebalance plan per call.
type Allocator struct {
	cfg config.AllocatorConfig

	mu       sync.Mutex
	seeded   bool
	equity   float64
	balances []schema.Balance
	outlooks map[string]schema.SymbolOutlook
	prices   map[string]float64
	risk     schema.RiskState
	policy   *schema.PolicyCaps
	table    *schema.PolicyCaps
	stable   map[string]bool
}

func NewAllocator(cfg config.AllocatorConfig) *Allocator {
	stable := make(map[string]bool, len(cfg.StableAssets))
	for _, asset := range cfg.StableAssets {
		stable[strings.ToUpper(asset)] = true
	}
	return &Allocator{
		cfg:      cfg,
		outlooks: make(map[string]schema.SymbolOutlook),
		prices:   make(map[string]float64),
		risk:     schema.RiskState{Level: schema.RiskGreen, Sentinel: schema.SentinelNormal},
		stable:   stable,
	}
}

// OnExposure replaces the held balances and the outlook set. Outlooks
// ride the snapshot, so a symbol absent from the newest one loses its
// gate clearance.
func (a *Allocator) OnExposure(exp schema.ExposureSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seeded = true
	a.equity = exp.Equity
	a.balances = append(a.balances[:0], exp.Balances...)
	for k := range a.outlooks {
		delete(a.outlooks, k)
	}
	for _, o := range exp.Outlooks {
		a.outlooks[o.Symbol] = o
	}
}

func (a *Allocator) OnTicker(tk schema.MarketTicker) {
	px := tk.Mid
	if px <= 0 {
		px = tk.Last
	}
	if px <= 0 {
		return
	}
	a.mu.Lock()
	a.prices[tk.Symbol] = px
	a.mu.Unlock()
}

func (a *Allocator) OnRisk(rs schema.RiskState) {
	a.mu.Lock()
	a.risk = rs
	a.mu.Unlock()
}

// OnPolicy installs the live eligible pool. Once the feed has spoken it
// beats the hot table for good.
func (a *Allocator) OnPolicy(pol schema.PolicyCaps) {
	a.mu.Lock()
	a.policy = &pol
	a.mu.Unlock()
}

// SetTablePolicy installs the hot-table fallback for the eligible pool.
func (a *Allocator) SetTablePolicy(pol *schema.PolicyCaps) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pol == nil {
		a.table = nil
		return
	}
	c := *pol
	a.table = &c
}

// Plan computes the rebalance against the last account snapshot. ok is
// false until the first snapshot arrives or while equity is unusable.
func (a *Allocator) Plan(now time.Time) (schema.SpotRebalance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.seeded || a.equity <= 0 {
		return schema.SpotRebalance{}, false
	}

	pct := a.cfg.BasePct
	if a.equity < a.cfg.ThresholdUsd {
		pct /= 2
	}
	plan := schema.SpotRebalance{
		TargetSpotUsd: math.Round(a.equity * pct),
		CurrentUsd:    a.currentSpotLocked(),
		TS:            now,
	}
	plan.DiffUsd = round2(plan.TargetSpotUsd - plan.CurrentUsd)

	switch {
	case plan.DiffUsd > flatBandUsd:
		plan.Legs = a.buyLegsLocked(plan.DiffUsd)
	case plan.DiffUsd < -flatBandUsd:
		plan.Legs = a.sellLegsLocked(-plan.DiffUsd)
	}
	return plan, true
}

// currentSpotLocked values every non-stable holding at the freshest
// mid/last, falling back to the snapshot's own valuation.
func (a *Allocator) currentSpotLocked() float64 {
	var total float64
	for i := range a.balances {
		total += a.valueLocked(&a.balances[i])
	}
	return round2(total)
}

func (a *Allocator) valueLocked(b *schema.Balance) float64 {
	if b.Stable || a.stable[strings.ToUpper(b.Asset)] {
		return 0
	}
	if px, ok := a.prices[b.Asset+quoteAsset]; ok && b.Qty > 0 {
		return b.Qty * px
	}
	return b.UsdValue
}

// buyLegsLocked spreads the gap across the eligible pool. Only symbols
// whose outlook clears the move and R-multiple gates take a share, and
// the sentinel must read NORMAL for any buy to open.
func (a *Allocator) buyLegsLocked(diff float64) []schema.RebalanceLeg {
	if a.risk.Sentinel != "" && a.risk.Sentinel != schema.SentinelNormal {
		return nil
	}
	pol := a.policyLocked()
	if pol == nil || len(pol.EligibleSymbols) == 0 {
		return nil
	}

	type candidate struct {
		symbol string
		weight float64
	}
	var pool []candidate
	var norm float64
	for _, sym := range pol.EligibleSymbols {
		o, ok := a.outlooks[sym]
		if !ok || o.ExpectedMovePct < a.cfg.MinTargetPct || o.RMultiple < a.cfg.MinRMultiple {
			continue
		}
		w := 1.0
		if tilt, ok := pol.DominanceTilt[sym]; ok && tilt > 0 {
			w = tilt
		}
		pool = append(pool, candidate{symbol: sym, weight: w})
		norm += w
	}
	if norm <= 0 {
		return nil
	}

	twap, iceberg := a.hintsLocked()
	var legs []schema.RebalanceLeg
	for _, c := range pool {
		notional := round2(diff * c.weight / norm)
		if notional <= 0 || notional < a.minNotionalLocked(c.symbol) {
			continue
		}
		legs = append(legs, schema.RebalanceLeg{
			Symbol:      c.symbol,
			Side:        schema.SideBuy,
			NotionalUsd: notional,
			Qty:         a.qtyLocked(c.symbol, notional),
			PostOnly:    true,
			Meta:        schema.ChildMeta{TwapMs: twap, Iceberg: iceberg},
		})
	}
	return legs
}

// sellLegsLocked liquidates largest holdings first until the gap is
// absorbed. Sells reduce the book, so they skip the post-only queue.
func (a *Allocator) sellLegsLocked(need float64) []schema.RebalanceLeg {
	type holding struct {
		asset string
		value float64
	}
	var holdings []holding
	for i := range a.balances {
		if v := a.valueLocked(&a.balances[i]); v > 0 {
			holdings = append(holdings, holding{asset: a.balances[i].Asset, value: v})
		}
	}
	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].value != holdings[j].value {
			return holdings[i].value > holdings[j].value
		}
		return holdings[i].asset < holdings[j].asset
	})

	twap, iceberg := a.hintsLocked()
	var legs []schema.RebalanceLeg
	remaining := need
	for _, h := range holdings {
		if remaining <= 0 {
			break
		}
		notional := round2(math.Min(h.value, remaining))
		remaining = round2(remaining - notional)
		symbol := h.asset + quoteAsset
		if notional <= 0 || notional < a.minNotionalLocked(symbol) {
			continue
		}
		legs = append(legs, schema.RebalanceLeg{
			Symbol:      symbol,
			Side:        schema.SideSell,
			NotionalUsd: notional,
			Qty:         a.qtyLocked(symbol, notional),
			ReduceOnly:  true,
			Meta:        schema.ChildMeta{TwapMs: twap, Iceberg: iceberg},
		})
	}
	return legs
}

// qtyLocked sizes a leg in base units via ticker, outlook price, or the
// rate implied by the holding itself. Legs with no known price at all
// stay notional-only and the executor sizes them at the venue.
func (a *Allocator) qtyLocked(symbol string, notional float64) float64 {
	px, ok := a.prices[symbol]
	if !ok || px <= 0 {
		if o, found := a.outlooks[symbol]; found && o.Price > 0 {
			px = o.Price
		} else {
			px = a.impliedLocked(symbol)
		}
	}
	if px <= 0 {
		return 0
	}
	return notional / px
}

func (a *Allocator) impliedLocked(symbol string) float64 {
	asset := strings.TrimSuffix(symbol, quoteAsset)
	for i := range a.balances {
		b := &a.balances[i]
		if b.Asset == asset && b.Qty > 0 && b.UsdValue > 0 {
			return b.UsdValue / b.Qty
		}
	}
	return 0
}

func (a *Allocator) minNotionalLocked(symbol string) float64 {
	if o, ok := a.outlooks[symbol]; ok {
		return o.MinNotional
	}
	return 0
}

// hintsLocked picks execution hints: amber or worse slows the slicing
// and hides more of the book.
func (a *Allocator) hintsLocked() (int64, float64) {
	if a.risk.Level == "" || a.risk.Level == schema.RiskGreen {
		return a.cfg.TwapMs, a.cfg.Iceberg
	}
	return a.cfg.AmberTwapMs, a.cfg.AmberIceberg
}

func (a *Allocator) policyLocked() *schema.PolicyCaps {
	if a.policy != nil {
		return a.policy
	}
	return a.table
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
