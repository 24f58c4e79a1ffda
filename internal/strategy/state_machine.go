package strategy

import "sync"

// StateMachine tracks the cycle controller. Invalid events leave the state
// unchanged; EventFailed always returns to COOLDOWN.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateScan}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func nextState(current State, event Event) State {
	if event == EventFailed {
		return StateCooldown
	}
	switch current {
	case StateScan:
		switch event {
		case EventDirty:
			return StateRescue
		case EventClean:
			return StateAnalyze
		}
	case StateRescue:
		if event == EventRescued {
			return StateCooldown
		}
	case StateAnalyze:
		switch event {
		case EventOpportunity:
			return StateOpen
		case EventNoOpportunity:
			return StateCooldown
		}
	case StateOpen:
		switch event {
		case EventOpened:
			return StateHold
		case EventOpenFailed:
			return StateCooldown
		}
	case StateHold:
		if event == EventUnwind {
			return StateClose
		}
	case StateClose:
		if event == EventClosed {
			return StateCooldown
		}
	case StateCooldown:
		if event == EventCooledDown {
			return StateScan
		}
	}
	return current
}
