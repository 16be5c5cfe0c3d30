// Package session implements the session coordinator: the leaderless
// propose/accept/reject protocol by which a set of devices agrees on an
// identical session definition before any cryptographic exchange starts.
//
// A node holds at most one active session. The proposer sorts the
// participant set lexicographically once; every receiver verifies that
// order and adopts it verbatim, because cryptographic participant indices
// derive from it.
package session

import (
	"fmt"
	"sort"

	"github.com/frostmesh/frostmesh/client/modules/logger"
	"github.com/frostmesh/frostmesh/fsm/fsm"
	"github.com/frostmesh/frostmesh/fsm/session_fsm"
	"github.com/frostmesh/frostmesh/signaling"
)

type Status string

const (
	StatusProposed Status = "proposed"
	StatusAccepted Status = "accepted"
)

// Info is the session definition shared by all participants. It is owned
// by the Coordinator and mutated only through its operations.
type Info struct {
	SessionID       string              `json:"session_id"`
	ProposerID      string              `json:"proposer_id"`
	Participants    []string            `json:"participants"`
	Threshold       int                 `json:"threshold"`
	Total           int                 `json:"total"`
	AcceptedDevices map[string]struct{} `json:"accepted_devices"`
	Status          Status              `json:"status"`
}

// HasParticipant reports whether id belongs to the session.
func (i *Info) HasParticipant(id string) bool {
	for _, p := range i.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// AllAccepted reports whether every participant has confirmed.
func (i *Info) AllAccepted() bool {
	return len(i.AcceptedDevices) == len(i.Participants)
}

// ParticipantIndex returns the cryptographic index of id, derived from the
// agreed participant order, or -1 when id is not a participant.
func (i *Info) ParticipantIndex(id string) int {
	for idx, p := range i.Participants {
		if p == id {
			return idx
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand to notification consumers.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	out := *i
	out.Participants = append([]string(nil), i.Participants...)
	out.AcceptedDevices = make(map[string]struct{}, len(i.AcceptedDevices))
	for d := range i.AcceptedDevices {
		out.AcceptedDevices[d] = struct{}{}
	}
	return &out
}

// Sender delivers a signaling message to one peer via the relay. A failed
// send to one peer never aborts a fan-out to the others.
type Sender func(peerID string, msg signaling.SignalingMessage) error

// ResponseOutcome tells the caller what a handled SessionResponse means
// for the surrounding coordination state.
type ResponseOutcome int

const (
	// ResponseIgnored: the response did not match any known session, or
	// came from a non-participant. Dropped with a log line.
	ResponseIgnored ResponseOutcome = iota
	// ResponseAccepted: the sender was recorded in accepted_devices.
	ResponseAccepted
	// ResponseAllAccepted: like ResponseAccepted, and the acceptance set
	// now covers all participants. Informational only; it does not by
	// itself authorize DKG.
	ResponseAllAccepted
	// ResponseRejected: a participant declined. The session is void and
	// the caller must tear everything down.
	ResponseRejected
	// ResponseInviteVoided: a decline arrived for a pending invite; the
	// invite was discarded.
	ResponseInviteVoided
)

// Coordinator owns the single local session and the queue of pending
// invites. It is not safe for concurrent use; the node event loop is its
// only caller.
type Coordinator struct {
	deviceID string
	machine  *fsm.FSM
	send     Sender
	logger   logger.Logger

	active      *Info
	invites     map[string]*Info
	inviteOrder []string
}

func NewCoordinator(deviceID string, send Sender, log logger.Logger) *Coordinator {
	return &Coordinator{
		deviceID: deviceID,
		machine:  session_fsm.New(),
		send:     send,
		logger:   log,
		invites:  make(map[string]*Info),
	}
}

// Active returns the active session, or nil.
func (c *Coordinator) Active() *Info {
	return c.active
}

// State returns the lifecycle state of the local session machine.
func (c *Coordinator) State() fsm.State {
	return c.machine.State()
}

// Invites returns pending invites in arrival order.
func (c *Coordinator) Invites() []*Info {
	out := make([]*Info, 0, len(c.inviteOrder))
	for _, id := range c.inviteOrder {
		if invite, ok := c.invites[id]; ok {
			out = append(out, invite)
		}
	}
	return out
}

// Propose creates a session with the local device as proposer, sorts the
// participant set, and fans the proposal out to every other participant.
// The proposer counts itself as accepted from the start.
func (c *Coordinator) Propose(sessionID string, threshold int, participants []string) (*Info, error) {
	if c.active != nil {
		return nil, fmt.Errorf("a session is already active: %s", c.active.SessionID)
	}

	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	if err := validateDefinition(sessionID, threshold, sorted); err != nil {
		return nil, err
	}
	if !contains(sorted, c.deviceID) {
		return nil, fmt.Errorf("local device %s is not in the participant set", c.deviceID)
	}

	if _, err := c.machine.Do(session_fsm.EventPropose); err != nil {
		return nil, fmt.Errorf("failed to enter proposed state: %w", err)
	}

	info := &Info{
		SessionID:       sessionID,
		ProposerID:      c.deviceID,
		Participants:    sorted,
		Threshold:       threshold,
		Total:           len(sorted),
		AcceptedDevices: map[string]struct{}{c.deviceID: {}},
		Status:          StatusProposed,
	}
	c.active = info

	proposal := signaling.SessionProposal{
		SessionID:    sessionID,
		Total:        info.Total,
		Threshold:    threshold,
		Participants: sorted,
	}
	c.fanOut(info, proposal)

	return info, nil
}

// HandleProposal validates an incoming proposal and stores it as an
// invite. Proposals for sessions this device does not belong to, or
// arriving while a session is active, are dropped with a log line and no
// state change. Returns the stored invite, or nil when dropped.
func (c *Coordinator) HandleProposal(from string, proposal signaling.SessionProposal) *Info {
	if !contains(proposal.Participants, c.deviceID) {
		c.logger.Log("Dropping proposal %s from %s: local device is not a participant", proposal.SessionID, from)
		return nil
	}
	if c.active != nil {
		c.logger.Log("Dropping proposal %s from %s: session %s is already active", proposal.SessionID, from, c.active.SessionID)
		return nil
	}
	if err := validateDefinition(proposal.SessionID, proposal.Threshold, proposal.Participants); err != nil {
		c.logger.Log("Dropping malformed proposal %s from %s: %v", proposal.SessionID, from, err)
		return nil
	}
	if proposal.Total != len(proposal.Participants) {
		c.logger.Log("Dropping proposal %s from %s: total %d does not match participant count %d",
			proposal.SessionID, from, proposal.Total, len(proposal.Participants))
		return nil
	}
	// The proposer is authoritative for ordering, but the deterministic
	// rule it applied is verifiable; an unsorted list means a diverging
	// implementation and must not be trusted.
	if !sort.StringsAreSorted(proposal.Participants) {
		c.logger.Log("Dropping proposal %s from %s: participant list is not in canonical order", proposal.SessionID, from)
		return nil
	}
	if !contains(proposal.Participants, from) {
		c.logger.Log("Dropping proposal %s from %s: proposer is not a participant", proposal.SessionID, from)
		return nil
	}

	if _, err := c.machine.Do(session_fsm.EventInviteReceived); err != nil {
		c.logger.Log("Dropping proposal %s from %s: %v", proposal.SessionID, from, err)
		return nil
	}

	invite := &Info{
		SessionID:       proposal.SessionID,
		ProposerID:      from,
		Participants:    append([]string(nil), proposal.Participants...),
		Threshold:       proposal.Threshold,
		Total:           proposal.Total,
		AcceptedDevices: map[string]struct{}{from: {}},
		Status:          StatusProposed,
	}

	if _, exists := c.invites[proposal.SessionID]; !exists {
		c.inviteOrder = append(c.inviteOrder, proposal.SessionID)
	}
	c.invites[proposal.SessionID] = invite

	return invite
}

// Accept promotes a pending invite to the active session and fans out an
// affirmative response to every other participant.
func (c *Coordinator) Accept(sessionID string) (*Info, error) {
	invite, ok := c.invites[sessionID]
	if !ok {
		return nil, fmt.Errorf("no invite found for session %s", sessionID)
	}
	if c.active != nil {
		return nil, fmt.Errorf("a session is already active: %s", c.active.SessionID)
	}

	if _, err := c.machine.Do(session_fsm.EventAccept); err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}

	c.removeInvite(sessionID)
	invite.AcceptedDevices[c.deviceID] = struct{}{}
	invite.Status = StatusAccepted
	c.active = invite

	c.fanOut(invite, signaling.SessionResponse{SessionID: sessionID, Accepted: true})

	return invite, nil
}

// Decline removes a pending invite and notifies every other participant,
// which voids the session for the whole group.
func (c *Coordinator) Decline(sessionID string) error {
	invite, ok := c.invites[sessionID]
	if !ok {
		return fmt.Errorf("no invite found for session %s", sessionID)
	}

	c.removeInvite(sessionID)
	c.fanOut(invite, signaling.SessionResponse{SessionID: sessionID, Accepted: false})

	if len(c.invites) == 0 && c.machine.State() == session_fsm.StateInvited {
		if _, err := c.machine.Do(session_fsm.EventInvitesCleared); err != nil {
			return fmt.Errorf("failed to leave invited state: %w", err)
		}
	}
	return nil
}

// HandleResponse applies a SessionResponse from a peer. A rejection voids
// the session: the caller is responsible for the actual teardown so that
// mesh and DKG state fall together with the session.
func (c *Coordinator) HandleResponse(from string, response signaling.SessionResponse) ResponseOutcome {
	if c.active != nil && c.active.SessionID == response.SessionID {
		if !c.active.HasParticipant(from) {
			c.logger.Log("Dropping response for session %s from non-participant %s", response.SessionID, from)
			return ResponseIgnored
		}
		if !response.Accepted {
			c.logger.Log("Participant %s rejected session %s", from, response.SessionID)
			return ResponseRejected
		}

		c.active.AcceptedDevices[from] = struct{}{}
		if c.active.AllAccepted() {
			if c.machine.State() == session_fsm.StateProposed {
				if _, err := c.machine.Do(session_fsm.EventAllAccepted); err != nil {
					c.logger.Log("Failed to record full acceptance for session %s: %v", response.SessionID, err)
					return ResponseAccepted
				}
			}
			c.active.Status = StatusAccepted
			return ResponseAllAccepted
		}
		return ResponseAccepted
	}

	if invite, ok := c.invites[response.SessionID]; ok && !response.Accepted {
		if !invite.HasParticipant(from) {
			c.logger.Log("Dropping response for invite %s from non-participant %s", response.SessionID, from)
			return ResponseIgnored
		}
		c.logger.Log("Participant %s rejected proposed session %s, discarding invite", from, response.SessionID)
		c.removeInvite(response.SessionID)
		if len(c.invites) == 0 && c.machine.State() == session_fsm.StateInvited {
			if _, err := c.machine.Do(session_fsm.EventInvitesCleared); err != nil {
				c.logger.Log("Failed to leave invited state: %v", err)
			}
		}
		return ResponseInviteVoided
	}

	c.logger.Log("Dropping response from %s for unknown session %s", from, response.SessionID)
	return ResponseIgnored
}

// Teardown clears the active session and all invites. Idempotent.
func (c *Coordinator) Teardown() {
	c.active = nil
	c.invites = make(map[string]*Info)
	c.inviteOrder = nil
	if _, err := c.machine.Do(session_fsm.EventTeardown); err != nil {
		// Teardown is legal from every state; this cannot happen with a
		// well-formed machine.
		c.logger.Log("Session teardown transition failed: %v", err)
	}
}

func (c *Coordinator) fanOut(info *Info, msg signaling.SignalingMessage) {
	for _, peer := range info.Participants {
		if peer == c.deviceID {
			continue
		}
		if err := c.send(peer, msg); err != nil {
			// Per-peer isolation: one unreachable device must not abort
			// the remaining sends.
			c.logger.Log("Failed to send %s to %s: %v", msg.Type(), peer, err)
		}
	}
}

func (c *Coordinator) removeInvite(sessionID string) {
	delete(c.invites, sessionID)
	for i, id := range c.inviteOrder {
		if id == sessionID {
			c.inviteOrder = append(c.inviteOrder[:i], c.inviteOrder[i+1:]...)
			break
		}
	}
}

func validateDefinition(sessionID string, threshold int, participants []string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if len(participants) < 2 {
		return fmt.Errorf("a session requires at least two participants")
	}
	if threshold < 1 || threshold > len(participants) {
		return fmt.Errorf("threshold %d out of range for %d participants", threshold, len(participants))
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p == "" {
			return fmt.Errorf("participant id cannot be empty")
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate participant %s", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

func contains(list []string, id string) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}
