// Package session_fsm defines the local session lifecycle machine.
//
//	NoSession -> Proposed (local proposal)
//	NoSession -> Invited  (remote proposal received)
//	Invited   -> Active   (invite accepted)
//	Proposed  -> Active   (all participants accepted)
//	any       -> NoSession (teardown)
package session_fsm

import (
	"github.com/frostmesh/frostmesh/fsm/fsm"
)

const (
	fsmName = "session_fsm"

	StateNoSession = fsm.State("state_session_none")
	StateProposed  = fsm.State("state_session_proposed")
	StateInvited   = fsm.State("state_session_invited")
	StateActive    = fsm.State("state_session_active")

	EventPropose        = fsm.Event("event_session_propose")
	EventInviteReceived = fsm.Event("event_session_invite_received")
	EventAccept         = fsm.Event("event_session_accept")
	EventAllAccepted    = fsm.Event("event_session_all_accepted")
	EventInvitesCleared = fsm.Event("event_session_invites_cleared")
	EventTeardown       = fsm.Event("event_session_teardown")
)

func New() *fsm.FSM {
	return fsm.MustNewFSM(
		fsmName,
		StateNoSession,
		[]fsm.EventDesc{
			{Name: EventPropose, SrcState: []fsm.State{StateNoSession}, DstState: StateProposed},

			{Name: EventInviteReceived, SrcState: []fsm.State{StateNoSession, StateInvited}, DstState: StateInvited},
			{Name: EventAccept, SrcState: []fsm.State{StateInvited}, DstState: StateActive},
			{Name: EventInvitesCleared, SrcState: []fsm.State{StateInvited}, DstState: StateNoSession},

			{Name: EventAllAccepted, SrcState: []fsm.State{StateProposed}, DstState: StateActive},

			{Name: EventTeardown, SrcState: []fsm.State{StateNoSession, StateProposed, StateInvited, StateActive}, DstState: StateNoSession},
		},
		nil,
	)
}
