package model

// State tracks a classification request through its lifecycle.
type State int

const (
	StateProcessing State = iota
	StateSuccess
	StateDisplayed
	StateError
)

func (s State) String() string {
	switch s {
	case StateProcessing:
		return "PROCESSING"
	case StateSuccess:
		return "SUCCESS"
	case StateDisplayed:
		return "DISPLAYED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDisplayed || s == StateError
}

// Next returns the state after s given the outcome of the current step.
// A failure from any non-terminal state moves to StateError.
func (s State) Next(failed bool) State {
	if s.Terminal() {
		return s
	}
	if failed {
		return StateError
	}
	return s + 1
}
