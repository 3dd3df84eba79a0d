package scheduler

import "fmt"

// State is the lifecycle state of a Scheduler.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

var validTransitions = map[State][]State{
	StateIdle:    {StateRunning, StateStopped},
	StateRunning: {StateIdle},
	StateStopped: {},
}

// ValidateStateTransition returns an error if from cannot move to to.
func ValidateStateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %s to %s", from, to)
}
