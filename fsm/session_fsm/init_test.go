package session_fsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frostmesh/frostmesh/fsm/fsm"
)

func TestProposerLifecycle(t *testing.T) {
	machine := New()
	require.Equal(t, StateNoSession, machine.State())

	_, err := machine.Do(EventPropose)
	require.NoError(t, err)
	require.Equal(t, StateProposed, machine.State())

	// A proposer cannot pile a second proposal on top of the first.
	_, err = machine.Do(EventPropose)
	require.Error(t, err)

	_, err = machine.Do(EventAllAccepted)
	require.NoError(t, err)
	require.Equal(t, StateActive, machine.State())

	_, err = machine.Do(EventTeardown)
	require.NoError(t, err)
	require.Equal(t, StateNoSession, machine.State())
}

func TestAcceptorLifecycle(t *testing.T) {
	machine := New()

	_, err := machine.Do(EventInviteReceived)
	require.NoError(t, err)
	require.Equal(t, StateInvited, machine.State())

	// Additional invites keep the machine in the invited state.
	_, err = machine.Do(EventInviteReceived)
	require.NoError(t, err)
	require.Equal(t, StateInvited, machine.State())

	_, err = machine.Do(EventAccept)
	require.NoError(t, err)
	require.Equal(t, StateActive, machine.State())
}

func TestDecliningLastInviteReturnsToNoSession(t *testing.T) {
	machine := New()

	_, err := machine.Do(EventInviteReceived)
	require.NoError(t, err)

	_, err = machine.Do(EventInvitesCleared)
	require.NoError(t, err)
	require.Equal(t, StateNoSession, machine.State())
}

func TestIllegalTransitions(t *testing.T) {
	machine := New()

	for _, event := range []fsm.Event{EventAccept, EventAllAccepted, EventInvitesCleared} {
		_, err := machine.Do(event)
		require.Error(t, err, "event %s must be illegal from %s", event, machine.State())
		require.Equal(t, StateNoSession, machine.State())
	}

	// An active acceptor cannot re-enter the invited state without teardown.
	_, err := machine.Do(EventInviteReceived)
	require.NoError(t, err)
	_, err = machine.Do(EventAccept)
	require.NoError(t, err)
	_, err = machine.Do(EventInviteReceived)
	require.Error(t, err)
}

func TestTeardownFromEveryState(t *testing.T) {
	prepare := map[string][]fsm.Event{
		"no_session": {},
		"proposed":   {EventPropose},
		"invited":    {EventInviteReceived},
		"active":     {EventInviteReceived, EventAccept},
	}
	for name, events := range prepare {
		t.Run(name, func(t *testing.T) {
			machine := New()
			for _, event := range events {
				_, err := machine.Do(event)
				require.NoError(t, err)
			}
			_, err := machine.Do(EventTeardown)
			require.NoError(t, err)
			require.Equal(t, StateNoSession, machine.State())
		})
	}
}
