// Package explain builds "why chosen" cards for closed decisions. The
// reporter watches the decision chain flow past on the bus, keeps the
// latest artifacts per correlation id and freezes them into one
// immutable card when the decision closes.
package explain

import (
	"fmt"
	"sort"
	"time"

	"github.com/orbitquant/tradeplane/pkg/schema"
)

const (
	maxAlternatives = 4
	maxFindings     = 6
	maxNextSteps    = 6
)

// facts is everything known about one decision when its card freezes.
type facts struct {
	corrID   string
	risk     schema.RiskState
	snapshot *schema.ExposureSnapshot
	request  *schema.DialogRequest
	feas     *schema.Feasibility
	result   *schema.DialogResult
	bundle   *schema.ActionBundle
}

func buildCard(f facts, policy *schema.PolicyCaps, now time.Time) schema.ExplainCard {
	card := schema.ExplainCard{
		CorrID:  f.corrID,
		Header:  header(f),
		Weights: tiltWeights(policy),
		BuiltAt: now,
	}

	if f.feas != nil {
		if p := f.feas.Plan(card.Header.SelectedPlan); p != nil {
			card.Selected = p.Score
		}
		card.Alternatives = alternatives(f.feas, card.Header.SelectedPlan)
		card.Findings = topFindings(f.feas, card.Header.SelectedPlan)
	}
	card.Policy = compliance(f, policy, card.Findings)
	card.Exec = execSummary(f.bundle)
	card.Why = whyTree(f, card)
	card.NextSteps = nextSteps(f, card)
	return card
}

func header(f facts) schema.ExplainHeader {
	h := schema.ExplainHeader{
		Posture:  f.risk.Level,
		Sentinel: f.risk.Sentinel,
	}
	if h.Posture == "" {
		h.Posture = schema.RiskGreen
	}
	if h.Sentinel == "" {
		h.Sentinel = schema.SentinelNormal
	}
	if f.result != nil {
		h.SelectedPlan = f.result.SelectedPlan
		h.DecidedBy = f.result.RespondedBy
	}
	if h.DecidedBy == "" {
		h.DecidedBy = "system"
	}
	return h
}

// tiltWeights normalizes the policy dominance tilt to unit sum. The tilt
// is the only decision weighting the plane owns; plan scoring happens in
// the upstream feasibility engine.
func tiltWeights(policy *schema.PolicyCaps) map[string]float64 {
	if policy == nil || len(policy.DominanceTilt) == 0 {
		return nil
	}
	var sum float64
	for _, w := range policy.DominanceTilt {
		if w > 0 {
			sum += w
		}
	}
	if sum <= 0 {
		return nil
	}
	out := make(map[string]float64, len(policy.DominanceTilt))
	for sym, w := range policy.DominanceTilt {
		if w > 0 {
			out[sym] = w / sum
		}
	}
	return out
}

func alternatives(feas *schema.Feasibility, selected string) []schema.AlternativeScore {
	alts := make([]schema.AlternativeScore, 0, len(feas.Plans))
	for _, p := range feas.Plans {
		if p.PlanID == selected {
			continue
		}
		alts = append(alts, schema.AlternativeScore{PlanID: p.PlanID, Score: p.Score})
	}
	sort.Slice(alts, func(i, j int) bool {
		if alts[i].Score != alts[j].Score {
			return alts[i].Score > alts[j].Score
		}
		return alts[i].PlanID < alts[j].PlanID
	})
	if len(alts) > maxAlternatives {
		alts = alts[:maxAlternatives]
	}
	return alts
}

// topFindings surfaces the selected plan's findings, or every plan's when
// the selection is unknown, worst severity first.
func topFindings(feas *schema.Feasibility, selected string) []schema.ExplainFinding {
	plans := feas.Plans
	if p := feas.Plan(selected); p != nil {
		plans = []schema.PlanFeasibility{*p}
	}
	var out []schema.ExplainFinding
	for _, p := range plans {
		for _, sf := range p.Symbols {
			for _, fd := range sf.Findings {
				out = append(out, schema.ExplainFinding{
					Symbol:   sf.Symbol,
					Type:     fd.Type,
					Severity: fd.Severity,
					QuickFix: fd.QuickFix,
				})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := severityRank(out[i].Severity), severityRank(out[j].Severity); a != b {
			return a < b
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > maxFindings {
		out = out[:maxFindings]
	}
	return out
}

func severityRank(s string) int {
	switch s {
	case schema.SeverityError:
		return 0
	case schema.SeverityWarn:
		return 1
	default:
		return 2
	}
}

func compliance(f facts, policy *schema.PolicyCaps, findings []schema.ExplainFinding) schema.PolicyCompliance {
	pc := schema.PolicyCompliance{Whitelisted: true, Eligible: true}

	symbols := tradedSymbols(f)
	if len(symbols) == 0 {
		pc.Notes = append(pc.Notes, "no symbols to check")
		return pc
	}

	if policy == nil || len(policy.EligibleSymbols) == 0 {
		pc.Notes = append(pc.Notes, "no whitelist configured")
	} else {
		allowed := make(map[string]bool, len(policy.EligibleSymbols))
		for _, s := range policy.EligibleSymbols {
			allowed[s] = true
		}
		for _, s := range symbols {
			if !allowed[s] {
				pc.Whitelisted = false
				pc.Notes = append(pc.Notes, s+" outside whitelist")
			}
		}
	}

	for _, fd := range findings {
		if fd.Severity == schema.SeverityError {
			pc.Eligible = false
			pc.Notes = append(pc.Notes, fmt.Sprintf("%s blocked by %s", fd.Symbol, fd.Type))
		}
	}
	return pc
}

// tradedSymbols prefers the final bundle's children; before a bundle
// exists it falls back to the selected plan option.
func tradedSymbols(f facts) []string {
	seen := map[string]bool{}
	var out []string
	add := func(sym string) {
		if sym != "" && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	if f.bundle != nil {
		for _, c := range f.bundle.Children {
			add(c.Symbol)
		}
	} else if f.request != nil && f.result != nil {
		for _, p := range f.request.Plans {
			if p.PlanID == f.result.SelectedPlan {
				for _, s := range p.Symbols {
					add(s)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

func execSummary(b *schema.ActionBundle) schema.ExecSummary {
	if b == nil || len(b.Children) == 0 {
		return schema.ExecSummary{}
	}
	es := schema.ExecSummary{ChildCount: len(b.Children)}
	reduce := 0
	for _, c := range b.Children {
		if c.ReduceOnly {
			reduce++
		}
		if c.PostOnly {
			es.PostOnlyCount++
		}
		es.NotionalUsd += c.Qty * c.Price
	}
	es.ReduceOnlyRatio = float64(reduce) / float64(es.ChildCount)
	return es
}

func whyTree(f facts, card schema.ExplainCard) schema.WhyNode {
	var root schema.WhyNode
	switch {
	case card.Header.SelectedPlan != "":
		root.Claim = fmt.Sprintf("plan %s selected", card.Header.SelectedPlan)
	case f.result != nil:
		root.Claim = fmt.Sprintf("no plan selected (%s)", f.result.Outcome)
	default:
		root.Claim = "decision still open"
	}

	if f.result != nil {
		root.Because = append(root.Because, decisionNode(f.result))
	}
	if f.feas != nil {
		node := schema.WhyNode{
			Claim: fmt.Sprintf("feasibility overall %.2f, selected %.2f", f.feas.OverallScore, card.Selected),
		}
		for _, fd := range card.Findings {
			node.Because = append(node.Because, schema.WhyNode{
				Claim: fmt.Sprintf("%s %s (%s)", fd.Symbol, fd.Type, fd.Severity),
			})
		}
		root.Because = append(root.Because, node)
	}
	root.Because = append(root.Because, schema.WhyNode{
		Claim: fmt.Sprintf("risk posture %s sentinel %s", card.Header.Posture, card.Header.Sentinel),
	})
	if !card.Policy.Whitelisted || !card.Policy.Eligible {
		root.Because = append(root.Because, schema.WhyNode{
			Claim:   "policy compliance failed",
			Because: notesAsNodes(card.Policy.Notes),
		})
	}
	if f.snapshot != nil {
		root.Because = append(root.Because, schema.WhyNode{
			Claim: fmt.Sprintf("account equity $%.0f at %.1f%% total risk", f.snapshot.Equity, f.snapshot.TotalRiskPct),
		})
	}
	return root
}

func decisionNode(res *schema.DialogResult) schema.WhyNode {
	switch {
	case res.RespondedBy != "":
		return schema.WhyNode{Claim: fmt.Sprintf("operator %s responded %s via dialog", res.RespondedBy, res.UserResponse)}
	case res.FallbackReason != "" && res.SelectedPlan != "":
		return schema.WhyNode{Claim: fmt.Sprintf("auto fallback to %s after %s", res.SelectedPlan, res.FallbackReason)}
	case res.FallbackReason != "":
		return schema.WhyNode{Claim: fmt.Sprintf("closed without selection: %s", res.FallbackReason)}
	default:
		return schema.WhyNode{Claim: fmt.Sprintf("closed %s", res.Outcome)}
	}
}

func notesAsNodes(notes []string) []schema.WhyNode {
	nodes := make([]schema.WhyNode, 0, len(notes))
	for _, n := range notes {
		nodes = append(nodes, schema.WhyNode{Claim: n})
	}
	return nodes
}

func nextSteps(f facts, card schema.ExplainCard) []string {
	var steps []string
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] && len(steps) < maxNextSteps {
			seen[s] = true
			steps = append(steps, s)
		}
	}

	for _, fd := range card.Findings {
		add(fd.QuickFix)
	}
	if card.Header.Sentinel != schema.SentinelNormal {
		add("wait for sentinel NORMAL before adding risk")
	}
	if !card.Policy.Whitelisted {
		add("align plan symbols with the policy whitelist")
	}
	if f.result != nil {
		switch f.result.Outcome {
		case schema.DialogTimeout:
			add("confirm operator coverage for dialog hours")
		case schema.DialogHalt:
			add("review the halt before re-enabling execution")
		}
	}
	if card.Exec.ChildCount == 0 {
		add("re-propose once the blockers clear")
	}
	return steps
}
