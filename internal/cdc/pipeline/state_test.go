package pipeline

import (
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateRetrying, "retrying"},
		{StateStopping, "stopping"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStateMachine_InitialState(t *testing.T) {
	sm := NewStateMachine()
	if sm.State() != StateStopped {
		t.Errorf("expected initial state to be StateStopped, got %v", sm.State())
	}
}

func TestStateMachine_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"stopped to starting", StateStopped, StateStarting, false},
		{"starting to running", StateStarting, StateRunning, false},
		{"starting to failed", StateStarting, StateFailed, false},
		{"running to retrying", StateRunning, StateRetrying, false},
		{"retrying to running", StateRetrying, StateRunning, false},
		{"retrying to failed", StateRetrying, StateFailed, false},
		{"running to stopping", StateRunning, StateStopping, false},
		{"stopping to stopped", StateStopping, StateStopped, false},
		{"failed to starting", StateFailed, StateStarting, false},
		{"same state", StateRunning, StateRunning, false},
		{"stopped to running", StateStopped, StateRunning, true},
		{"starting to retrying", StateStarting, StateRetrying, true},
		{"running to stopped", StateRunning, StateStopped, true},
		{"stopping to running", StateStopping, StateRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &StateMachine{state: tt.from}
			err := sm.Transition(tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && sm.State() != tt.to {
				t.Errorf("expected state %v, got %v", tt.to, sm.State())
			}
			if err != nil && sm.State() != tt.from {
				t.Errorf("expected state to stay %v, got %v", tt.from, sm.State())
			}
		})
	}
}

func TestStateMachine_Listener(t *testing.T) {
	sm := NewStateMachine()

	var calls int
	var fromState, toState State
	sm.AddListener(func(from, to State) {
		calls++
		fromState, toState = from, to
	})

	if err := sm.Transition(StateStarting); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromState != StateStopped || toState != StateStarting {
		t.Errorf("expected stopped -> starting, got %v -> %v", fromState, toState)
	}

	_ = sm.Transition(StateStarting)
	_ = sm.Transition(StateStopped)
	if calls != 1 {
		t.Errorf("expected listener to fire only on real transitions, got %d calls", calls)
	}
}

func TestStateMachine_Predicates(t *testing.T) {
	tests := []struct {
		state    State
		running  bool
		terminal bool
	}{
		{StateStopped, false, true},
		{StateStarting, false, false},
		{StateRunning, true, false},
		{StateRetrying, true, false},
		{StateStopping, false, false},
		{StateFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			sm := &StateMachine{state: tt.state}
			if got := sm.IsRunning(); got != tt.running {
				t.Errorf("IsRunning() = %v, want %v", got, tt.running)
			}
			if got := sm.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
