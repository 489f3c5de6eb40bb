// Package guardrail sanitizes proposed action bundles before they reach
// execution. A fixed rule chain mutates the children: sentinel hard rules
// first, then the slowdown shaping, then per-symbol feasibility findings,
// then the plan recommendation, and finally the zero-quantity sweep. The
// bridge reports every change it made and the symbols it blocked.
package guardrail

import (
	"fmt"
	"sort"
	"sync"

	"github.com/orbitquant/tradeplane/internal/config"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

const (
	// feasCacheCap bounds the per-corrId feasibility cache.
	feasCacheCap = 512

	// diffCap bounds the change lines carried on a report.
	diffCap = 20

	// icebergFloor is the smallest visible fraction a shaped child keeps.
	icebergFloor = 0.05
)

// Result is the sanitized bundle plus everything the bridge did to it.
type Result struct {
	After          schema.ActionBundle
	Mode           string
	Changes        []string
	BlockedSymbols []string
	Dropped        int
}

// Status reports the posture and verdict backlog the bridge applies next.
type Status struct {
	Level       string `json:"level"`
	Sentinel    string `json:"sentinel"`
	Feasibility int    `json:"feasibility"`
}

// Bridge caches the last risk posture and recent feasibility verdicts and
// applies the guardrail rules to one bundle at a time.
type Bridge struct {
	cfg config.GuardrailConfig

	mu    sync.Mutex
	risk  schema.RiskState
	feas  map[string]*schema.Feasibility
	order []string
}

func NewBridge(cfg config.GuardrailConfig) *Bridge {
	return &Bridge{
		cfg:  cfg,
		risk: schema.RiskState{Level: schema.RiskGreen, Sentinel: schema.SentinelNormal},
		feas: make(map[string]*schema.Feasibility),
	}
}

// OnRisk replaces the cached posture.
func (b *Bridge) OnRisk(rs schema.RiskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.risk = rs
}

// OnFeasibility caches a verdict under its corrId. The cache is bounded;
// the oldest corrId falls out first.
func (b *Bridge) OnFeasibility(f schema.Feasibility) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.feas[f.CorrID]; !ok {
		b.order = append(b.order, f.CorrID)
		if len(b.order) > feasCacheCap {
			delete(b.feas, b.order[0])
			b.order = b.order[1:]
		}
	}
	b.feas[f.CorrID] = &f
}

// Status exposes the bridge inputs for the admin status surface.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{Level: b.risk.Level, Sentinel: b.risk.Sentinel, Feasibility: len(b.feas)}
}

// slot pairs a child with its original form so the diff can be rebuilt
// after every rule has run.
type slot struct {
	before schema.ActionChild
	child  schema.ActionChild
	alive  bool
}

// Apply runs the rule chain over one proposed bundle. Replay protection
// lives on the subscription, so every call does full work.
func (b *Bridge) Apply(in schema.ActionBundle) Result {
	b.mu.Lock()
	risk := b.risk
	feas := b.feas[in.CorrID]
	b.mu.Unlock()

	slots := make([]slot, len(in.Children))
	for i, c := range in.Children {
		slots[i] = slot{before: c, child: c, alive: true}
	}

	mode := schema.ModeNormal
	blocked := map[string]bool{}

	switch risk.Sentinel {
	case schema.SentinelCircuitBreaker, schema.SentinelHaltPartial:
		mode = schema.ModeReduceOnly
		for i := range slots {
			s := &slots[i]
			if s.child.Side == schema.SideBuy && !s.child.ReduceOnly {
				s.alive = false
				blocked[s.child.Symbol] = true
				continue
			}
			coerceReduceOnly(&s.child)
		}
	case schema.SentinelSlowdown:
		mode = schema.ModeSlowdown
		for i := range slots {
			s := &slots[i]
			if b.cfg.EnforcePostOnly {
				coercePostOnly(&s.child)
			}
			s.child.Meta.TwapMs += b.cfg.TwapBumpMs
			s.child.Meta.Iceberg = clamp(s.child.Meta.Iceberg+b.cfg.IcebergBump, icebergFloor, b.cfg.MaxIceberg)
		}
	}

	var plan *schema.PlanFeasibility
	if feas != nil {
		plan = feas.Plan(in.PlanID)
	}
	if plan != nil {
		for _, sf := range plan.Symbols {
			for _, f := range sf.Findings {
				b.applyFinding(slots, sf.Symbol, f.Type, blocked)
			}
		}
		if plan.Recommend == schema.RecommendReject {
			for i := range slots {
				if !slots[i].alive {
					continue
				}
				coerceReduceOnly(&slots[i].child)
			}
			if mode != schema.ModeSlowdown {
				mode = schema.ModeReduceOnly
			}
		}
	}

	out := schema.ActionBundle{PlanID: in.PlanID, CorrID: in.CorrID}
	var changes []string
	dropped := 0
	for i := range slots {
		s := &slots[i]
		if !s.alive || s.child.Qty <= 0 {
			dropped++
			changes = append(changes, "DROP "+childKey(s.before))
			continue
		}
		out.Children = append(out.Children, s.child)
		changes = appendFieldDiffs(changes, s.before, s.child)
	}
	if len(changes) > diffCap {
		changes = changes[:diffCap]
	}

	syms := make([]string, 0, len(blocked))
	for sym := range blocked {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	return Result{After: out, Mode: mode, Changes: changes, BlockedSymbols: syms, Dropped: dropped}
}

// applyFinding mutates every live child of symbol per one finding. Hard
// findings zero openings; reduce-risk children pass even a DENY.
func (b *Bridge) applyFinding(slots []slot, symbol, kind string, blocked map[string]bool) {
	for i := range slots {
		s := &slots[i]
		if !s.alive || s.child.Symbol != symbol {
			continue
		}
		switch kind {
		case schema.FindingDeny, schema.FindingWhitelist, schema.FindingTargetPct,
			schema.FindingSymbolStatus, schema.FindingReduceOnly:
			if !s.child.ReduceOnly {
				s.child.Qty = 0
				s.child.PostOnly = true
				blocked[symbol] = true
			}
		case schema.FindingTrim:
			s.child.Qty *= b.cfg.NotionalTrimRatio
		case schema.FindingPercentPrice:
			s.child.Meta.TwapMs += b.cfg.TwapBumpMs / 2
			s.child.PostOnly = true
		case schema.FindingMinNotional:
			s.child.Qty = 0
		}
	}
}

func coerceReduceOnly(c *schema.ActionChild) {
	c.ReduceOnly = true
	coercePostOnly(c)
}

func coercePostOnly(c *schema.ActionChild) {
	c.PostOnly = true
	if c.Type == schema.TypeLimit {
		c.Type = schema.TypePostOnly
	}
}

func appendFieldDiffs(changes []string, before, after schema.ActionChild) []string {
	k := childKey(before)
	if after.Qty != before.Qty {
		changes = append(changes, fmt.Sprintf("QTY %s: %g->%g", k, before.Qty, after.Qty))
	}
	if after.Type != before.Type {
		changes = append(changes, fmt.Sprintf("TYPE %s: %s->%s", k, before.Type, after.Type))
	}
	if after.PostOnly != before.PostOnly {
		changes = append(changes, fmt.Sprintf("POST_ONLY %s: %t->%t", k, before.PostOnly, after.PostOnly))
	}
	if after.ReduceOnly != before.ReduceOnly {
		changes = append(changes, fmt.Sprintf("REDUCE_ONLY %s: %t->%t", k, before.ReduceOnly, after.ReduceOnly))
	}
	if after.Meta.TwapMs != before.Meta.TwapMs {
		changes = append(changes, fmt.Sprintf("TWAP %s: %d->%d", k, before.Meta.TwapMs, after.Meta.TwapMs))
	}
	if after.Meta.Iceberg != before.Meta.Iceberg {
		changes = append(changes, fmt.Sprintf("ICEBERG %s: %g->%g", k, before.Meta.Iceberg, after.Meta.Iceberg))
	}
	return changes
}

func childKey(c schema.ActionChild) string {
	return c.Symbol + "/" + c.Side + "/" + c.Type
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
