package call

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Tracker follows a call through the nominal state machine while tolerating
// the out-of-order reports real backends produce. A transition outside the
// nominal machine is applied anyway and flagged, never rejected: radios and
// remote services misreport, and dropping their updates would desynchronize
// us from the actual call.
//
// Tracker is confined to the run loop; it is not safe for concurrent use.
type Tracker struct {
	machine *fsm.FSM
}

// Nominal transitions. Event names double as destination state keys so a
// reported state maps directly onto an event.
func newStateMachine(initial State) *fsm.FSM {
	return fsm.NewFSM(
		initial.String(),
		fsm.Events{
			{Name: StateDialing.String(), Src: []string{StateNew.String()}, Dst: StateDialing.String()},
			{Name: StateRinging.String(), Src: []string{StateNew.String(), StateDialing.String()}, Dst: StateRinging.String()},
			{Name: StateActive.String(), Src: []string{StateDialing.String(), StateRinging.String(), StateOnHold.String()}, Dst: StateActive.String()},
			{Name: StateOnHold.String(), Src: []string{StateActive.String()}, Dst: StateOnHold.String()},
			{Name: StateDisconnected.String(), Src: []string{
				StateNew.String(), StateDialing.String(), StateRinging.String(),
				StateActive.String(), StateOnHold.String(),
			}, Dst: StateDisconnected.String()},
			{Name: StateAborted.String(), Src: []string{StateNew.String(), StateDialing.String()}, Dst: StateAborted.String()},
		},
		fsm.Callbacks{},
	)
}

// NewTracker creates a tracker starting at initial.
func NewTracker(initial State) *Tracker {
	return &Tracker{machine: newStateMachine(initial)}
}

// Current returns the tracked state.
func (t *Tracker) Current() State {
	return stateFromKey(t.machine.Current())
}

// Apply moves the tracker to next. Returns true when the transition was part
// of the nominal machine, false when it had to be forced.
func (t *Tracker) Apply(next State) bool {
	if t.machine.Is(next.String()) {
		return true
	}
	if err := t.machine.Event(context.Background(), next.String()); err != nil {
		slog.Warn("[Call] Unexpected state transition, applying anyway",
			"from", t.machine.Current(),
			"to", next.String(),
			"error", err)
		t.machine.SetState(next.String())
		return false
	}
	return true
}

func stateFromKey(key string) State {
	for _, s := range []State{
		StateNew, StateDialing, StateRinging, StateActive,
		StateOnHold, StateDisconnected, StateAborted,
	} {
		if s.String() == key {
			return s
		}
	}
	return StateNew
}
