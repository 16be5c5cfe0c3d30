package session

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frostmesh/frostmesh/client/modules/logger"
	"github.com/frostmesh/frostmesh/fsm/session_fsm"
	"github.com/frostmesh/frostmesh/signaling"
)

type sentMessage struct {
	peerID string
	msg    signaling.SignalingMessage
}

type recordingSender struct {
	sent    []sentMessage
	failFor map[string]bool
}

func (r *recordingSender) send(peerID string, msg signaling.SignalingMessage) error {
	if r.failFor[peerID] {
		return fmt.Errorf("peer %s unreachable", peerID)
	}
	r.sent = append(r.sent, sentMessage{peerID: peerID, msg: msg})
	return nil
}

func (r *recordingSender) sentTo(peerID string) []signaling.SignalingMessage {
	var out []signaling.SignalingMessage
	for _, s := range r.sent {
		if s.peerID == peerID {
			out = append(out, s.msg)
		}
	}
	return out
}

func newTestCoordinator(deviceID string) (*Coordinator, *recordingSender) {
	sender := &recordingSender{failFor: map[string]bool{}}
	c := NewCoordinator(deviceID, sender.send, logger.NewLoggerWithWriter(deviceID, io.Discard))
	return c, sender
}

func proposalFor(sessionID string, threshold int, participants ...string) signaling.SessionProposal {
	return signaling.SessionProposal{
		SessionID:    sessionID,
		Total:        len(participants),
		Threshold:    threshold,
		Participants: participants,
	}
}

func TestProposeSortsParticipantsAndFansOut(t *testing.T) {
	c, sender := newTestCoordinator("bob")

	info, err := c.Propose("s1", 2, []string{"carol", "alice", "bob"})
	require.NoError(t, err)

	require.Equal(t, []string{"alice", "bob", "carol"}, info.Participants)
	require.Equal(t, "bob", info.ProposerID)
	require.Equal(t, StatusProposed, info.Status)
	require.Equal(t, map[string]struct{}{"bob": {}}, info.AcceptedDevices)
	require.Equal(t, session_fsm.StateProposed, c.State())

	// The proposal goes to every participant except the proposer.
	require.Len(t, sender.sentTo("alice"), 1)
	require.Len(t, sender.sentTo("carol"), 1)
	require.Empty(t, sender.sentTo("bob"))

	proposal := sender.sentTo("alice")[0].(signaling.SessionProposal)
	require.Equal(t, []string{"alice", "bob", "carol"}, proposal.Participants)
	require.Equal(t, 3, proposal.Total)
}

func TestProposeValidation(t *testing.T) {
	c, _ := newTestCoordinator("bob")

	_, err := c.Propose("s1", 2, []string{"alice", "carol"})
	require.Error(t, err, "proposer must be a participant")

	_, err = c.Propose("s1", 0, []string{"alice", "bob"})
	require.Error(t, err)
	_, err = c.Propose("s1", 3, []string{"alice", "bob"})
	require.Error(t, err)
	_, err = c.Propose("s1", 1, []string{"bob"})
	require.Error(t, err)
	_, err = c.Propose("s1", 2, []string{"alice", "alice", "bob"})
	require.Error(t, err)
	_, err = c.Propose("", 2, []string{"alice", "bob"})
	require.Error(t, err)
}

func TestSingleActiveSession(t *testing.T) {
	c, _ := newTestCoordinator("bob")

	_, err := c.Propose("s1", 2, []string{"alice", "bob"})
	require.NoError(t, err)

	_, err = c.Propose("s2", 2, []string{"bob", "carol"})
	require.Error(t, err)
	require.Equal(t, "s1", c.Active().SessionID)
}

func TestHandleProposalStoresInvite(t *testing.T) {
	c, _ := newTestCoordinator("bob")

	invite := c.HandleProposal("alice", proposalFor("s1", 2, "alice", "bob", "carol"))
	require.NotNil(t, invite)
	require.Equal(t, "alice", invite.ProposerID)
	require.Equal(t, map[string]struct{}{"alice": {}}, invite.AcceptedDevices)
	require.Equal(t, session_fsm.StateInvited, c.State())
	require.Len(t, c.Invites(), 1)
}

func TestHandleProposalDrops(t *testing.T) {
	tests := []struct {
		name     string
		from     string
		proposal signaling.SessionProposal
	}{
		{"local device not a participant", "alice", proposalFor("s1", 2, "alice", "carol")},
		{"unsorted participant list", "alice", signaling.SessionProposal{
			SessionID: "s1", Total: 3, Threshold: 2, Participants: []string{"carol", "alice", "bob"},
		}},
		{"total mismatch", "alice", signaling.SessionProposal{
			SessionID: "s1", Total: 2, Threshold: 2, Participants: []string{"alice", "bob", "carol"},
		}},
		{"proposer not a participant", "dave", proposalFor("s1", 2, "alice", "bob", "carol")},
		{"threshold out of range", "alice", proposalFor("s1", 4, "alice", "bob", "carol")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestCoordinator("bob")
			require.Nil(t, c.HandleProposal(tc.from, tc.proposal))
			require.Empty(t, c.Invites())
			require.Equal(t, session_fsm.StateNoSession, c.State())
		})
	}
}

func TestHandleProposalDroppedWhileActive(t *testing.T) {
	c, _ := newTestCoordinator("bob")
	_, err := c.Propose("s1", 2, []string{"alice", "bob"})
	require.NoError(t, err)

	require.Nil(t, c.HandleProposal("carol", proposalFor("s2", 2, "bob", "carol")))
	require.Empty(t, c.Invites())
}

func TestAcceptPromotesInvite(t *testing.T) {
	c, sender := newTestCoordinator("bob")
	c.HandleProposal("alice", proposalFor("s1", 2, "alice", "bob", "carol"))

	info, err := c.Accept("s1")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, info.Status)
	require.Contains(t, info.AcceptedDevices, "bob")
	require.Contains(t, info.AcceptedDevices, "alice")
	require.Equal(t, session_fsm.StateActive, c.State())
	require.Empty(t, c.Invites())

	// The affirmative response goes to both other participants.
	require.Len(t, sender.sentTo("alice"), 1)
	require.Len(t, sender.sentTo("carol"), 1)
	response := sender.sentTo("alice")[0].(signaling.SessionResponse)
	require.True(t, response.Accepted)
}

func TestAcceptUnknownInvite(t *testing.T) {
	c, _ := newTestCoordinator("bob")
	_, err := c.Accept("nope")
	require.Error(t, err)
}

func TestDeclineNotifiesAndClearsState(t *testing.T) {
	c, sender := newTestCoordinator("bob")
	c.HandleProposal("alice", proposalFor("s1", 2, "alice", "bob", "carol"))

	require.NoError(t, c.Decline("s1"))
	require.Empty(t, c.Invites())
	require.Equal(t, session_fsm.StateNoSession, c.State())

	response := sender.sentTo("alice")[0].(signaling.SessionResponse)
	require.False(t, response.Accepted)
}

func TestDeclineKeepsInvitedStateWithRemainingInvites(t *testing.T) {
	c, _ := newTestCoordinator("bob")
	c.HandleProposal("alice", proposalFor("s1", 2, "alice", "bob"))
	c.HandleProposal("carol", proposalFor("s2", 2, "bob", "carol"))

	require.NoError(t, c.Decline("s1"))
	require.Equal(t, session_fsm.StateInvited, c.State())
	require.Len(t, c.Invites(), 1)
}

func TestHandleResponseAcceptanceFlow(t *testing.T) {
	c, _ := newTestCoordinator("alice")
	_, err := c.Propose("s1", 2, []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	require.Equal(t, ResponseAccepted,
		c.HandleResponse("bob", signaling.SessionResponse{SessionID: "s1", Accepted: true}))
	require.Equal(t, StatusProposed, c.Active().Status)

	require.Equal(t, ResponseAllAccepted,
		c.HandleResponse("carol", signaling.SessionResponse{SessionID: "s1", Accepted: true}))
	require.Equal(t, StatusAccepted, c.Active().Status)
	require.Equal(t, session_fsm.StateActive, c.State())
}

func TestHandleResponseRejection(t *testing.T) {
	c, _ := newTestCoordinator("alice")
	_, err := c.Propose("s1", 2, []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	require.Equal(t, ResponseRejected,
		c.HandleResponse("bob", signaling.SessionResponse{SessionID: "s1", Accepted: false}))
}

func TestHandleResponseIgnored(t *testing.T) {
	c, _ := newTestCoordinator("alice")
	_, err := c.Propose("s1", 2, []string{"alice", "bob"})
	require.NoError(t, err)

	require.Equal(t, ResponseIgnored,
		c.HandleResponse("dave", signaling.SessionResponse{SessionID: "s1", Accepted: true}))
	require.Equal(t, ResponseIgnored,
		c.HandleResponse("bob", signaling.SessionResponse{SessionID: "unknown", Accepted: true}))
}

func TestHandleResponseVoidsInvite(t *testing.T) {
	c, _ := newTestCoordinator("bob")
	c.HandleProposal("alice", proposalFor("s1", 2, "alice", "bob", "carol"))

	require.Equal(t, ResponseInviteVoided,
		c.HandleResponse("carol", signaling.SessionResponse{SessionID: "s1", Accepted: false}))
	require.Empty(t, c.Invites())
	require.Equal(t, session_fsm.StateNoSession, c.State())
}

func TestFanOutIsolatesPeerFailures(t *testing.T) {
	c, sender := newTestCoordinator("alice")
	sender.failFor["bob"] = true

	_, err := c.Propose("s1", 2, []string{"alice", "bob", "carol"})
	require.NoError(t, err, "one unreachable peer must not fail the proposal")
	require.Len(t, sender.sentTo("carol"), 1)
}

func TestTeardownIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator("bob")
	c.HandleProposal("alice", proposalFor("s1", 2, "alice", "bob"))
	_, err := c.Accept("s1")
	require.NoError(t, err)

	c.Teardown()
	require.Nil(t, c.Active())
	require.Empty(t, c.Invites())
	require.Equal(t, session_fsm.StateNoSession, c.State())

	c.Teardown()
	require.Equal(t, session_fsm.StateNoSession, c.State())
}

func TestParticipantIndexFollowsCanonicalOrder(t *testing.T) {
	c, _ := newTestCoordinator("bob")
	info, err := c.Propose("s1", 2, []string{"carol", "bob", "alice"})
	require.NoError(t, err)

	require.Equal(t, 0, info.ParticipantIndex("alice"))
	require.Equal(t, 1, info.ParticipantIndex("bob"))
	require.Equal(t, 2, info.ParticipantIndex("carol"))
	require.Equal(t, -1, info.ParticipantIndex("dave"))
}
