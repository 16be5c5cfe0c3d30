// Package dkg_fsm defines the distributed key generation round machine.
// The machine is forward-only: every round completion barrier is an event,
// failure is terminal for the session, and only a session teardown resets
// the machine to idle.
package dkg_fsm

import (
	"github.com/frostmesh/frostmesh/fsm/fsm"
)

const (
	fsmName = "dkg_fsm"

	StateIdle             = fsm.State("state_dkg_idle")
	StateRound1InProgress = fsm.State("state_dkg_round1_in_progress")
	StateRound1Complete   = fsm.State("state_dkg_round1_complete")
	StateRound2InProgress = fsm.State("state_dkg_round2_in_progress")
	StateRound2Complete   = fsm.State("state_dkg_round2_complete")
	StateFinalizing       = fsm.State("state_dkg_finalizing")
	StateComplete         = fsm.State("state_dkg_complete")
	StateFailed           = fsm.State("state_dkg_failed")

	EventStart          = fsm.Event("event_dkg_start")
	EventRound1Complete = fsm.Event("event_dkg_round1_complete")
	EventRound2Start    = fsm.Event("event_dkg_round2_start")
	EventRound2Complete = fsm.Event("event_dkg_round2_complete")
	EventFinalize       = fsm.Event("event_dkg_finalize")
	EventComplete       = fsm.Event("event_dkg_complete")
	EventFail           = fsm.Event("event_dkg_fail")
	EventReset          = fsm.Event("event_dkg_reset")
)

var allStates = []fsm.State{
	StateIdle,
	StateRound1InProgress,
	StateRound1Complete,
	StateRound2InProgress,
	StateRound2Complete,
	StateFinalizing,
	StateComplete,
	StateFailed,
}

var inProgressStates = []fsm.State{
	StateRound1InProgress,
	StateRound1Complete,
	StateRound2InProgress,
	StateRound2Complete,
	StateFinalizing,
}

func New() *fsm.FSM {
	return fsm.MustNewFSM(
		fsmName,
		StateIdle,
		[]fsm.EventDesc{
			{Name: EventStart, SrcState: []fsm.State{StateIdle}, DstState: StateRound1InProgress},
			{Name: EventRound1Complete, SrcState: []fsm.State{StateRound1InProgress}, DstState: StateRound1Complete},
			{Name: EventRound2Start, SrcState: []fsm.State{StateRound1Complete}, DstState: StateRound2InProgress},
			{Name: EventRound2Complete, SrcState: []fsm.State{StateRound2InProgress}, DstState: StateRound2Complete},
			{Name: EventFinalize, SrcState: []fsm.State{StateRound2Complete}, DstState: StateFinalizing},
			{Name: EventComplete, SrcState: []fsm.State{StateFinalizing}, DstState: StateComplete},

			// Failure is reachable from every in-progress state and is
			// terminal until teardown.
			{Name: EventFail, SrcState: inProgressStates, DstState: StateFailed},

			// Teardown resets the machine regardless of where it stopped.
			{Name: EventReset, SrcState: allStates, DstState: StateIdle},
		},
		nil,
	)
}

// InProgress reports whether the state sits between Start and the terminal
// states, i.e. a participant disconnect must fail the procedure.
func InProgress(state fsm.State) bool {
	for _, s := range inProgressStates {
		if s == state {
			return true
		}
	}
	return false
}
