package timeline

// StateType is the playback state of the session clock.
type StateType int

const (
	// StateStopped indicates the clock is not running.
	StateStopped StateType = iota
	// StatePlaying indicates the clock is advancing.
	StatePlaying
	// StatePaused indicates the clock is frozen.
	StatePaused
	// StateCompleted indicates the clock reached the session duration.
	StateCompleted
)

// String returns the string representation of the state.
func (s StateType) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// StateMachine guards clock state transitions.
type StateMachine struct {
	current     StateType
	transitions map[StateType][]StateType
	onEnter     map[StateType]func()
}

// NewStateMachine creates a stopped state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateStopped,
		transitions: map[StateType][]StateType{
			StateStopped:   {StatePlaying},
			StatePlaying:   {StatePaused, StateStopped, StateCompleted},
			StatePaused:    {StatePlaying, StateStopped},
			StateCompleted: {StateStopped},
		},
		onEnter: make(map[StateType]func()),
	}
}

// Can reports whether moving to the given state is allowed.
func (sm *StateMachine) Can(to StateType) bool {
	for _, state := range sm.transitions[sm.current] {
		if state == to {
			return true
		}
	}
	return false
}

// Transition attempts to move to the specified state.
func (sm *StateMachine) Transition(to StateType) bool {
	if !sm.Can(to) {
		return false
	}

	sm.current = to

	if enterFn, ok := sm.onEnter[to]; ok && enterFn != nil {
		enterFn()
	}
	return true
}

// Current returns the current state.
func (sm *StateMachine) Current() StateType {
	return sm.current
}

// OnEnter registers a callback for entering a state.
func (sm *StateMachine) OnEnter(state StateType, fn func()) {
	sm.onEnter[state] = fn
}
