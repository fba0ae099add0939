package launcher

import (
	"fmt"
	"time"
)

// State is a service's position in the launch state machine.
type State string

const (
	Pending        State = "pending"
	ResolvingImage State = "resolving-image"
	Starting       State = "starting"
	Running        State = "running"
	Stopped        State = "stopped"
	Failed         State = "failed"
	Restarting     State = "restarting"
)

var transitions = map[State][]State{
	Pending:        {ResolvingImage, Failed, Stopped},
	ResolvingImage: {Starting, Failed, Stopped},
	Starting:       {Running, Restarting, Failed, Stopped},
	Running:        {Stopped, Failed, Restarting},
	Restarting:     {Starting, Failed, Stopped},
	Failed:         {Restarting},
	Stopped:        {Restarting},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the current invocation absent a restart.
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
	Err  error
}

func (t Transition) String() string {
	if t.Err != nil {
		return fmt.Sprintf("%s -> %s (%v)", t.From, t.To, t.Err)
	}
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}
