package schema

import "time"

// SessionWindow is one UTC trading window with a pacing weight.
// Windows may cross midnight (start > end).
type SessionWindow struct {
	Name   string  `json:"name"`
	Start  string  `json:"start"` // "HH:MM"
	End    string  `json:"end"`   // "HH:MM"
	Weight float64 `json:"weight"`
}

// LiquiditySnapshot feeds the fLiq factor.
type LiquiditySnapshot struct {
	SpreadFactor float64   `json:"spreadFactor"`
	DepthFactor  float64   `json:"depthFactor"`
	WsLagFactor  float64   `json:"wsLagFactor"`
	TS           time.Time `json:"ts"`
}

// TCASnapshot feeds the fTca factor.
type TCASnapshot struct {
	SlipBp        float64   `json:"slipBp"`
	MarkOutBp     float64   `json:"markOutBp"`
	SlipSoftBp    float64   `json:"slipSoftBp"`
	SlipHardBp    float64   `json:"slipHardBp"`
	MarkOutSoftBp float64   `json:"markOutSoftBp"`
	MarkOutHardBp float64   `json:"markOutHardBp"`
	TS            time.Time `json:"ts"`
}

// RateBudget is the venue rate-limit allowance.
type RateBudget struct {
	RequestWeightPerMin float64 `json:"requestWeightPerMin"`
	OrdersPer10s        float64 `json:"ordersPer10s"`
}

// SessionActivity is the raw activity feed the planner reacts to.
type SessionActivity struct {
	Liquidity *LiquiditySnapshot `json:"liquidity,omitempty"`
	TCA       *TCASnapshot       `json:"tca,omitempty"`
	Rate      *RateBudget        `json:"rate,omitempty"`
	TS        time.Time          `json:"ts"`
}

// PacingPlan is the composite quota emitted on vivo.pacing.plan.
type PacingPlan struct {
	Factor          float64   `json:"factor"`
	FSession        float64   `json:"fSession"`
	FLiq            float64   `json:"fLiq"`
	FRisk           float64   `json:"fRisk"`
	FTca            float64   `json:"fTca"`
	ReduceOnly      bool      `json:"reduceOnly"`
	MaxNewPositions int       `json:"maxNewPositions"`
	MaxChildPerMin  int       `json:"maxChildPerMin"`
	RiskBudgetUsd   float64   `json:"riskBudgetUsd"`
	SlipSoftBp      float64   `json:"slipSoftBp"`
	Window          string    `json:"window"`
	TS              time.Time `json:"ts"`
}
