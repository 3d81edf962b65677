package jobs

import "testing"

func TestStateTransitions(t *testing.T) {
	// WHAT: The pipeline only moves forward through its stages; terminal
	// states accept nothing; FAILED/CANCELLED are reachable from any live
	// state.
	// WHY: Out-of-order transitions would let a cancelled job keep
	// publishing progress.
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateQueued, StateNavigating, true},
		{StateQueued, StateDone, true}, // cache reuse
		{StateNavigating, StateScrolling, true},
		{StateScrolling, StateCapturing, true},
		{StateCapturing, StateTiling, true},
		{StateTiling, StateOCR, true},
		{StateOCR, StateStitching, true},
		{StateStitching, StateDone, true},

		{StateQueued, StateOCR, false},
		{StateOCR, StateNavigating, false},
		{StateStitching, StateQueued, false},

		{StateScrolling, StateFailed, true},
		{StateOCR, StateCancelled, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateDone, false},
		{StateCancelled, StateNavigating, false},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminal(t *testing.T) {
	// WHAT: Exactly DONE, FAILED, and CANCELLED are terminal.
	for _, s := range []State{StateDone, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateQueued, StateNavigating, StateScrolling, StateCapturing, StateTiling, StateOCR, StateStitching} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
