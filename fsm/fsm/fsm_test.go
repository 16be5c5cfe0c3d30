package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	stateOff = State("state_off")
	stateOn  = State("state_on")

	eventTurnOn  = Event("event_turn_on")
	eventTurnOff = Event("event_turn_off")
)

func newTestFSM(callbacks Callbacks) *FSM {
	return MustNewFSM(
		"switch_fsm",
		stateOff,
		[]EventDesc{
			{Name: eventTurnOn, SrcState: []State{stateOff}, DstState: stateOn},
			{Name: eventTurnOff, SrcState: []State{stateOn}, DstState: stateOff},
		},
		callbacks,
	)
}

func TestMustNewFSM_Validation(t *testing.T) {
	require.Panics(t, func() {
		MustNewFSM("bad", stateOff, nil, nil)
	})
	require.Panics(t, func() {
		MustNewFSM("", stateOff, []EventDesc{
			{Name: eventTurnOn, SrcState: []State{stateOff}, DstState: stateOn},
		}, nil)
	})
	require.Panics(t, func() {
		MustNewFSM("dup", stateOff, []EventDesc{
			{Name: eventTurnOn, SrcState: []State{stateOff}, DstState: stateOn},
			{Name: eventTurnOn, SrcState: []State{stateOff}, DstState: stateOff},
		}, nil)
	})
}

func TestFSM_Do(t *testing.T) {
	machine := newTestFSM(nil)
	require.Equal(t, stateOff, machine.State())
	require.True(t, machine.Can(eventTurnOn))
	require.False(t, machine.Can(eventTurnOff))

	state, err := machine.Do(eventTurnOn)
	require.NoError(t, err)
	require.Equal(t, stateOn, state)

	_, err = machine.Do(eventTurnOn)
	require.Error(t, err)
	require.Equal(t, stateOn, machine.State())

	state, err = machine.Do(eventTurnOff)
	require.NoError(t, err)
	require.Equal(t, stateOff, state)
}

func TestFSM_CallbackVeto(t *testing.T) {
	vetoErr := errors.New("not allowed")
	machine := newTestFSM(Callbacks{
		eventTurnOn: func(event Event, args ...interface{}) error {
			return vetoErr
		},
	})

	_, err := machine.Do(eventTurnOn)
	require.ErrorIs(t, err, vetoErr)
	require.Equal(t, stateOff, machine.State(), "vetoed transition must not change state")
}

func TestFSM_CallbackArgs(t *testing.T) {
	var got []interface{}
	machine := newTestFSM(Callbacks{
		eventTurnOn: func(event Event, args ...interface{}) error {
			got = args
			return nil
		},
	})

	_, err := machine.Do(eventTurnOn, "a", 42)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"a", 42}, got)
}
