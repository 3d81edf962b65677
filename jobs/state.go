// CLAUDE:SUMMARY Job lifecycle state machine: linear pipeline states plus terminal DONE/FAILED/CANCELLED.
package jobs

// State is a job lifecycle state. Transitions are linear through the
// pipeline; FAILED and CANCELLED are reachable from any non-terminal state.
type State string

const (
	StateQueued     State = "QUEUED"
	StateNavigating State = "NAVIGATING"
	StateScrolling  State = "SCROLLING"
	StateCapturing  State = "CAPTURING"
	StateTiling     State = "TILING"
	StateOCR        State = "OCR"
	StateStitching  State = "STITCHING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateQueued:     {StateNavigating, StateDone}, // straight to DONE on cache reuse
	StateNavigating: {StateScrolling},
	StateScrolling:  {StateCapturing},
	StateCapturing:  {StateTiling},
	StateTiling:     {StateOCR},
	StateOCR:        {StateStitching},
	StateStitching:  {StateDone},
}

// canTransition reports whether from → to is a legal step.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
