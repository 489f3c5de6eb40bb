// Package dialog mediates plan selection with a human operator. Each
// request opens a session that renders the candidate plans on every
// enabled channel, waits for the first authorized choice and closes with
// COMPLETED, TIMEOUT or HALT. Sessions are single-threaded; overlapping
// sessions run independently.
package dialog

import (
	"context"
	"fmt"
	"strings"

	"github.com/orbitquant/tradeplane/internal/bus"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Prompt is the rendered ask pushed to operator channels.
type Prompt struct {
	SessionID string   `json:"sessionId"`
	CorrID    string   `json:"corrId"`
	Summary   string   `json:"summary"`
	Options   []string `json:"options"`
	TimeoutMs int64    `json:"timeoutMs"`
}

// Channel delivers prompts to operators. Implementations must respect the
// context deadline; a failed send is logged and the session carries on
// unless every channel fails.
type Channel interface {
	Name() string
	Send(ctx context.Context, p Prompt) error
}

// AuditChannel writes prompts into the audit trail, so every operator ask
// is reconstructable even when no interactive channel is up.
type AuditChannel struct {
	bus *bus.Bus
}

func NewAuditChannel(b *bus.Bus) *AuditChannel { return &AuditChannel{bus: b} }

func (c *AuditChannel) Name() string { return "audit" }

func (c *AuditChannel) Send(ctx context.Context, p Prompt) error {
	return c.bus.Emit(ctx, schema.TopicAuditLog, p.CorrID, "dialog", map[string]interface{}{
		"kind":    "dialog_prompt",
		"session": p.SessionID,
		"summary": p.Summary,
		"options": p.Options,
	})
}

// renderSummary flattens the candidate plans into the prompt text the
// channels deliver.
func renderSummary(req schema.DialogRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "decision %s: %d plan(s)\n", req.CorrID, len(req.Plans))
	for _, p := range req.Plans {
		fmt.Fprintf(&b, "%s: %s notional $%.0f %s risk %s twap %dms pnl %+.1fbp",
			p.PlanID, strings.Join(p.Symbols, ","), p.NotionalUsd,
			p.TypeSummary, p.RiskLevel, p.TwapMs, p.ExpectedPnlBp)
		if p.Notes != "" {
			fmt.Fprintf(&b, " (%s)", p.Notes)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "options: %s", strings.Join(options(req), "/"))
	return b.String()
}

// options lists the accepted responses: the plan letters plus HALT and
// POSTPONE.
func options(req schema.DialogRequest) []string {
	opts := make([]string, 0, len(req.Plans)+2)
	for _, p := range req.Plans {
		opts = append(opts, p.PlanID)
	}
	return append(opts, schema.ChoiceHalt, schema.ChoicePostpone)
}
