package engine

import "fmt"

// State is a step of the sync state machine:
//
//	Idle -> Initializing -> {Installing | Updating | Repairing} -> Finalizing -> {Completed | Failed | Cancelled}
//
// Failed and Cancelled can be entered from any non-terminal state.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateInstalling
	StateUpdating
	StateRepairing
	StateFinalizing
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateInitializing: "initializing",
	StateInstalling:   "installing",
	StateUpdating:     "updating",
	StateRepairing:    "repairing",
	StateFinalizing:   "finalizing",
	StateCompleted:    "completed",
	StateFailed:       "failed",
	StateCancelled:    "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
