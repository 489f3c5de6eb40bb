package failover

import (
	"time"

	"github.com/orbitquant/tradeplane/internal/buserr"
)

// State is the orchestrator's routing posture.
type State int

const (
	StateNormal State = iota
	StateSeekingTarget
	StatePlanned
	StateSwitched
	StateReverting
	StateAlertNoHealthy
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateSeekingTarget:
		return "SEEKING_TARGET"
	case StatePlanned:
		return "PLANNED"
	case StateSwitched:
		return "SWITCHED"
	case StateReverting:
		return "REVERTING"
	case StateAlertNoHealthy:
		return "ALERT_NO_HEALTHY"
	default:
		return "UNKNOWN"
	}
}

// transition is one recorded state change, kept for the status API.
type transition struct {
	From State
	To   State
	At   time.Time
	Note string
}

const transitionHistoryCap = 64

// stateMachine tracks the orchestrator state and validates every move
// against the allowed transition table. Not safe for concurrent use;
// the engine serializes access.
type stateMachine struct {
	state     State
	enteredAt time.Time
	history   []transition
}

// validTransitions maps each state to the states it may move to.
// Manual force switches bypass this table through force().
var validTransitions = map[State][]State{
	StateNormal:        {StateSeekingTarget},
	StateSeekingTarget: {StatePlanned, StateAlertNoHealthy, StateNormal},
	StatePlanned:       {StateSwitched, StateNormal},
	// Switched endpoints can themselves fail, and a catalog edit can
	// re-designate the serving endpoint as primary.
	StateSwitched:       {StateReverting, StateSeekingTarget, StateNormal},
	StateReverting:      {StateNormal, StateSwitched},
	StateAlertNoHealthy: {StateSeekingTarget, StateNormal},
}

func newStateMachine(now time.Time) *stateMachine {
	return &stateMachine{state: StateNormal, enteredAt: now}
}

func (sm *stateMachine) current() State { return sm.state }

// age reports how long the machine has sat in the current state.
func (sm *stateMachine) age(now time.Time) time.Duration {
	return now.Sub(sm.enteredAt)
}

// to moves to the next state if the transition table allows it.
func (sm *stateMachine) to(next State, now time.Time, note string) error {
	allowed := false
	for _, s := range validTransitions[sm.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return buserr.New(buserr.Validation, "failover.fsm",
			"invalid transition %s -> %s", sm.state, next)
	}
	sm.move(next, now, note)
	return nil
}

// force moves to the next state regardless of the transition table.
// Reserved for operator commands with force=true.
func (sm *stateMachine) force(next State, now time.Time, note string) {
	sm.move(next, now, note)
}

func (sm *stateMachine) move(next State, now time.Time, note string) {
	sm.history = append(sm.history, transition{From: sm.state, To: next, At: now, Note: note})
	if len(sm.history) > transitionHistoryCap {
		sm.history = sm.history[len(sm.history)-transitionHistoryCap:]
	}
	sm.state = next
	sm.enteredAt = now
}

// transitions returns a copy of the recorded history, oldest first.
func (sm *stateMachine) transitions() []transition {
	out := make([]transition, len(sm.history))
	copy(out, sm.history)
	return out
}
