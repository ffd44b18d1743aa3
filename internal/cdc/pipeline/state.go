package pipeline

import (
	"fmt"
	"slices"
	"sync"
)

// State is the lifecycle state of a pipeline. The numeric values are exported
// as the pipeline_state gauge.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	// StateRetrying means changelog writes are failing and being retried;
	// replication is not consumed until they succeed.
	StateRetrying
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateRetrying, StateStopping, StateFailed},
	StateRetrying: {StateRunning, StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateFailed:   {StateStarting, StateStopped},
}

// StateChangeListener observes transitions. It is called without the state
// machine's lock held.
type StateChangeListener func(from, to State)

// StateMachine guards pipeline state transitions.
type StateMachine struct {
	mu        sync.RWMutex
	state     State
	listeners []StateChangeListener
}

// NewStateMachine returns a machine in StateStopped.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateStopped}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Transition moves to target, or returns an error if that is not allowed
// from the current state. Transitioning to the current state is a no-op.
func (sm *StateMachine) Transition(target State) error {
	sm.mu.Lock()
	from := sm.state
	if from == target {
		sm.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], target) {
		sm.mu.Unlock()
		return fmt.Errorf("invalid state transition from %s to %s", from, target)
	}
	sm.state = target
	listeners := slices.Clone(sm.listeners)
	sm.mu.Unlock()

	for _, l := range listeners {
		l(from, target)
	}
	return nil
}

// AddListener registers a transition listener.
func (sm *StateMachine) AddListener(listener StateChangeListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// IsRunning reports whether events are being consumed, including while a
// write is being retried.
func (sm *StateMachine) IsRunning() bool {
	s := sm.State()
	return s == StateRunning || s == StateRetrying
}

// IsTerminal reports whether the pipeline has stopped or failed.
func (sm *StateMachine) IsTerminal() bool {
	s := sm.State()
	return s == StateStopped || s == StateFailed
}
