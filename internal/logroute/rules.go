package logroute

import (
	"strings"

	"github.com/orbitquant/tradeplane/pkg/schema"
)

// routeDecision is the outcome of running one record through the rule
// table. Tags and sinks accumulate across matching rules; a samplePct
// from a later rule overrides an earlier one; drop wins outright.
type routeDecision struct {
	drop      bool
	samplePct *float64
	tags      []string
	sinks     []string
}

func matches(m schema.RuleMatch, rec *schema.LogRecord) bool {
	if m.Source != "" && m.Source != rec.Source {
		return false
	}
	if m.Level != "" && m.Level != rec.Level {
		return false
	}
	if m.Contains != "" && !strings.Contains(rec.Message, m.Contains) {
		return false
	}
	return true
}

// evaluateRules walks the table in declared order. A drop action
// short-circuits; everything else accumulates.
func evaluateRules(rules []schema.RoutingRule, rec *schema.LogRecord) routeDecision {
	var d routeDecision
	for _, r := range rules {
		if !matches(r.Match, rec) {
			continue
		}
		if r.Action.Drop {
			d.drop = true
			return d
		}
		if r.Action.SamplePct != nil {
			d.samplePct = r.Action.SamplePct
		}
		d.tags = appendUnique(d.tags, r.Action.AddTags...)
		d.sinks = appendUnique(d.sinks, r.Action.Sink...)
	}
	return d
}

func appendUnique(dst []string, add ...string) []string {
	for _, a := range add {
		found := false
		for _, existing := range dst {
			if existing == a {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, a)
		}
	}
	return dst
}
