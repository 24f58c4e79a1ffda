package strategy

import "testing"

func TestStateMachineFullCycle(t *testing.T) {
	sm := NewStateMachine()
	if sm.State != StateScan {
		t.Fatalf("expected %s, got %s", StateScan, sm.State)
	}
	steps := []struct {
		event Event
		want  State
	}{
		{EventClean, StateAnalyze},
		{EventOpportunity, StateOpen},
		{EventOpened, StateHold},
		{EventUnwind, StateClose},
		{EventClosed, StateCooldown},
		{EventCooledDown, StateScan},
	}
	for _, step := range steps {
		if got := sm.Apply(step.event); got != step.want {
			t.Fatalf("after %s expected %s, got %s", step.event, step.want, got)
		}
	}
}

func TestStateMachineRescuePath(t *testing.T) {
	sm := NewStateMachine()
	if sm.Apply(EventDirty) != StateRescue {
		t.Fatalf("expected %s, got %s", StateRescue, sm.State)
	}
	if sm.Apply(EventRescued) != StateCooldown {
		t.Fatalf("expected %s, got %s", StateCooldown, sm.State)
	}
}

func TestStateMachineOpenFailure(t *testing.T) {
	sm := NewStateMachine()
	sm.SetState(StateOpen)
	if sm.Apply(EventOpenFailed) != StateCooldown {
		t.Fatalf("expected %s, got %s", StateCooldown, sm.State)
	}
}

func TestStateMachineInvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	if sm.Apply(EventOpened) != StateScan {
		t.Fatalf("invalid transition should not change state")
	}
}

func TestStateMachineFailureFromAnyState(t *testing.T) {
	for _, st := range []State{StateScan, StateRescue, StateAnalyze, StateOpen, StateHold, StateClose} {
		sm := NewStateMachine()
		sm.SetState(st)
		if got := sm.Apply(EventFailed); got != StateCooldown {
			t.Fatalf("from %s expected %s, got %s", st, StateCooldown, got)
		}
	}
}
