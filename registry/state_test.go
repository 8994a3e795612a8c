package registry

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StatePending, StateActive, true},
		{StatePending, StateUnavailable, true},
		{StatePending, StateReleased, true},
		{StateActive, StateUnavailable, true},
		{StateActive, StateReleased, true},
		{StateActive, StatePending, false},
		{StateUnavailable, StateActive, true},
		{StateUnavailable, StateReleased, true},
		{StateUnavailable, StatePending, false},
		{StateReleased, StateActive, false},
		{StateReleased, StatePending, false},
		{StateReleased, StateUnavailable, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) got=%v want=%v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateMachine_Transition(t *testing.T) {
	m := NewStateMachine()
	if m.Current() != StatePending {
		t.Fatalf("new machine state=%#v want PENDING", m.Current())
	}
	if err := m.Transition(StateActive); err != nil {
		t.Fatalf("PENDING -> ACTIVE error=%v", err)
	}
	if err := m.Transition(StateUnavailable); err != nil {
		t.Fatalf("ACTIVE -> UNAVAILABLE error=%v", err)
	}
	if err := m.Transition(StateActive); err != nil {
		t.Fatalf("UNAVAILABLE -> ACTIVE error=%v", err)
	}
	if err := m.Transition(StateReleased); err != nil {
		t.Fatalf("ACTIVE -> RELEASED error=%v", err)
	}

	err := m.Transition(StateActive)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("RELEASED -> ACTIVE err=%v want ErrIllegalTransition", err)
	}
	if m.Current() != StateReleased {
		t.Errorf("illegal transition moved the machine to %#v", m.Current())
	}
}

func TestStateMachine_ForceSet(t *testing.T) {
	m := NewStateMachine()
	m.ForceSet(StateUnavailable)
	if m.Current() != StateUnavailable {
		t.Errorf("ForceSet() state=%#v want UNAVAILABLE", m.Current())
	}
	// The restored state still enforces legality from there on.
	if err := m.Transition(StateActive); err != nil {
		t.Errorf("UNAVAILABLE -> ACTIVE after restore error=%v", err)
	}
}

func TestRegisteredServer_Transition(t *testing.T) {
	srv := &RegisteredServer{ID: "mini1", State: StateActive}
	if err := srv.Transition(StatePending); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("ACTIVE -> PENDING err=%v want ErrIllegalTransition", err)
	}
	if srv.State != StateActive {
		t.Errorf("illegal transition mutated the record: %#v", srv.State)
	}
	if err := srv.Transition(StateUnavailable); err != nil {
		t.Errorf("ACTIVE -> UNAVAILABLE error=%v", err)
	}
}
