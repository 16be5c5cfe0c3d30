// Package fsm is a small finite state machine engine. Machines are built
// once from a static transition table and driven by events; a callback may
// veto a transition by returning an error, in which case the state is left
// untouched.
package fsm

import (
	"fmt"
	"strings"
	"sync"
)

type State string

func (s State) String() string {
	return string(s)
}

type Event string

func (e Event) String() string {
	return string(e)
}

func (e Event) IsEmpty() bool {
	return e == ""
}

// EventDesc declares one event and the transitions it performs.
type EventDesc struct {
	Name Event

	SrcState []State

	// DstState is entered after the callback succeeds.
	DstState State
}

// Callback runs while the machine still holds the source state. Returning
// an error cancels the transition.
type Callback func(event Event, args ...interface{}) error

type Callbacks map[Event]Callback

type trKey struct {
	source State
	event  Event
}

type FSM struct {
	name         string
	initialState State

	transitions map[trKey]State
	callbacks   Callbacks

	stateMu      sync.RWMutex
	currentState State
}

// MustNewFSM builds a machine from a transition table, panicking on an
// inconsistent table. Construction happens at package init time, so a
// panic here is a programming error, not a runtime condition.
func MustNewFSM(machineName string, initialState State, events []EventDesc, callbacks Callbacks) *FSM {
	machineName = strings.TrimSpace(machineName)
	if machineName == "" {
		panic("machine name cannot be empty")
	}
	if initialState == "" {
		panic("initial state cannot be empty")
	}
	if len(events) == 0 {
		panic("cannot init fsm with empty events")
	}

	f := &FSM{
		name:         machineName,
		initialState: initialState,
		currentState: initialState,
		transitions:  make(map[trKey]State),
		callbacks:    make(Callbacks),
	}

	allEvents := make(map[Event]bool)
	for _, event := range events {
		if event.Name.IsEmpty() {
			panic("cannot init empty event")
		}
		if event.DstState == "" {
			panic(fmt.Sprintf("event %q has no destination state", event.Name))
		}
		if allEvents[event.Name] {
			panic(fmt.Sprintf("duplicate event %q", event.Name))
		}
		allEvents[event.Name] = true

		if len(event.SrcState) == 0 {
			panic(fmt.Sprintf("event %q has no source states", event.Name))
		}
		for _, src := range event.SrcState {
			key := trKey{source: src, event: event.Name}
			if _, ok := f.transitions[key]; ok {
				panic(fmt.Sprintf("duplicate transition for state %q and event %q", src, event.Name))
			}
			f.transitions[key] = event.DstState
		}
	}

	for event, callback := range callbacks {
		if !allEvents[event] {
			panic(fmt.Sprintf("callback registered for unknown event %q", event))
		}
		f.callbacks[event] = callback
	}

	return f
}

// Do fires an event. The destination state is entered only if the event is
// legal for the current state and the callback (if any) succeeds.
func (f *FSM) Do(event Event, args ...interface{}) (State, error) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	dst, ok := f.transitions[trKey{source: f.currentState, event: event}]
	if !ok {
		return f.currentState, fmt.Errorf("cannot execute event %q for state %q", event, f.currentState)
	}

	if callback, ok := f.callbacks[event]; ok {
		if err := callback(event, args...); err != nil {
			return f.currentState, err
		}
	}

	f.currentState = dst
	return f.currentState, nil
}

// Can reports whether the event is legal for the current state.
func (f *FSM) Can(event Event) bool {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	_, ok := f.transitions[trKey{source: f.currentState, event: event}]
	return ok
}

func (f *FSM) State() State {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.currentState
}

func (f *FSM) Name() string {
	return f.name
}

func (f *FSM) InitialState() State {
	return f.initialState
}
