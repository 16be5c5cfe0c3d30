package mesh

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frostmesh/frostmesh/client/modules/logger"
	"github.com/frostmesh/frostmesh/signaling"
)

type fakeChannel struct {
	sent     [][]byte
	failSend bool
	closed   bool
}

func (f *fakeChannel) Send(data []byte) error {
	if f.failSend {
		return fmt.Errorf("send failed")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func (f *fakeChannel) messages(t *testing.T) []signaling.ApplicationMessage {
	t.Helper()
	out := make([]signaling.ApplicationMessage, 0, len(f.sent))
	for _, data := range f.sent {
		msg, err := signaling.UnmarshalApplication(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// newFakeMesh builds a coordinator for deviceID with fake, already
// attached channels to every other participant, bypassing negotiation.
func newFakeMesh(deviceID string, participants ...string) (*Coordinator, map[string]*fakeChannel) {
	c := NewCoordinator(Config{
		DeviceID:     deviceID,
		SessionID:    "s1",
		Participants: participants,
		Signal:       func(string, signaling.WebRTCSignal) error { return nil },
		Events:       make(chan Event, 16),
		Logger:       logger.NewLoggerWithWriter(deviceID, io.Discard),
	})
	channels := make(map[string]*fakeChannel)
	for _, peer := range participants {
		if peer == deviceID {
			continue
		}
		ch := &fakeChannel{}
		channels[peer] = ch
		c.links[peer] = &PeerLink{peerID: peer, channel: ch}
	}
	return c, channels
}

func TestInitiates(t *testing.T) {
	require.True(t, Initiates("alice", "bob"))
	require.False(t, Initiates("bob", "alice"))
}

func TestStatusFromReadySet(t *testing.T) {
	status := statusFromReadySet(map[string]struct{}{"bob": {}, "alice": {}}, 3)
	require.Equal(t, StatePartiallyReady, status.State)
	require.Equal(t, []string{"alice", "bob"}, status.ReadyPeers)
	require.Equal(t, 3, status.Total)

	status = statusFromReadySet(map[string]struct{}{"alice": {}, "bob": {}, "carol": {}}, 3)
	require.Equal(t, StateReady, status.State)
}

func TestReadinessProgression(t *testing.T) {
	c, channels := newFakeMesh("alice", "alice", "bob", "carol")
	require.Equal(t, StateIncomplete, c.Status().State)

	c.HandleChannelOpened("bob")
	require.Equal(t, StateIncomplete, c.Status().State, "one closed channel keeps the mesh incomplete")

	c.HandleChannelOpened("carol")
	status := c.Status()
	require.Equal(t, StatePartiallyReady, status.State)
	require.Equal(t, []string{"alice"}, status.ReadyPeers)

	// Every peer received the greeting and the readiness announcement.
	for peer, ch := range channels {
		messages := ch.messages(t)
		require.NotEmpty(t, messages, "peer %s got no messages", peer)
		var sawReady bool
		for _, msg := range messages {
			if ready, ok := msg.(signaling.MeshReady); ok {
				sawReady = true
				require.Equal(t, "alice", ready.PeerID)
				require.Equal(t, "s1", ready.SessionID)
			}
		}
		require.True(t, sawReady)
	}

	c.HandleMeshReady("bob", signaling.MeshReady{SessionID: "s1", PeerID: "bob"})
	require.Equal(t, StatePartiallyReady, c.Status().State)

	c.HandleMeshReady("carol", signaling.MeshReady{SessionID: "s1", PeerID: "carol"})
	status = c.Status()
	require.Equal(t, StateReady, status.State)
	require.Equal(t, []string{"alice", "bob", "carol"}, status.ReadyPeers)
}

func TestMeshReadyAnnouncedOnce(t *testing.T) {
	c, channels := newFakeMesh("alice", "alice", "bob")

	c.HandleChannelOpened("bob")
	c.HandleChannelOpened("bob")

	var announcements int
	for _, msg := range channels["bob"].messages(t) {
		if _, ok := msg.(signaling.MeshReady); ok {
			announcements++
		}
	}
	require.Equal(t, 1, announcements)
}

func TestChannelCloseRegressesReadiness(t *testing.T) {
	c, _ := newFakeMesh("alice", "alice", "bob", "carol")
	c.HandleChannelOpened("bob")
	c.HandleChannelOpened("carol")
	c.HandleMeshReady("bob", signaling.MeshReady{SessionID: "s1", PeerID: "bob"})
	c.HandleMeshReady("carol", signaling.MeshReady{SessionID: "s1", PeerID: "carol"})
	require.Equal(t, StateReady, c.Status().State)

	c.HandleChannelClosed("bob")
	require.Equal(t, StateIncomplete, c.Status().State)

	// Reopening restarts the handshake for this device and the peer, but
	// carol's earlier announcement still counts.
	c.HandleChannelOpened("bob")
	status := c.Status()
	require.Equal(t, StatePartiallyReady, status.State)
	require.Equal(t, []string{"alice", "carol"}, status.ReadyPeers)
}

func TestHandleMeshReadyValidation(t *testing.T) {
	c, _ := newFakeMesh("alice", "alice", "bob")
	c.HandleChannelOpened("bob")

	c.HandleMeshReady("bob", signaling.MeshReady{SessionID: "other", PeerID: "bob"})
	require.Equal(t, StatePartiallyReady, c.Status().State, "foreign session announcements are dropped")

	c.HandleMeshReady("bob", signaling.MeshReady{SessionID: "s1", PeerID: "dave"})
	require.Equal(t, StatePartiallyReady, c.Status().State, "non-participant announcements are dropped")

	c.HandleMeshReady("bob", signaling.MeshReady{SessionID: "s1", PeerID: "bob"})
	require.Equal(t, StateReady, c.Status().State)
}

func TestHandleMeshReadyOnlyCountsTheSender(t *testing.T) {
	c, _ := newFakeMesh("alice", "alice", "bob", "carol")
	c.HandleChannelOpened("bob")
	c.HandleChannelOpened("carol")

	// bob cannot announce readiness on carol's behalf.
	c.HandleMeshReady("bob", signaling.MeshReady{SessionID: "s1", PeerID: "carol"})
	status := c.Status()
	require.Equal(t, StatePartiallyReady, status.State)
	require.NotContains(t, status.ReadyPeers, "carol")

	c.HandleMeshReady("bob", signaling.MeshReady{SessionID: "s1", PeerID: "bob"})
	c.HandleMeshReady("carol", signaling.MeshReady{SessionID: "s1", PeerID: "carol"})
	require.Equal(t, StateReady, c.Status().State)
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	c, channels := newFakeMesh("alice", "alice", "bob", "carol")
	c.HandleChannelOpened("bob")
	c.HandleChannelOpened("carol")
	channels["bob"].failSend = true

	before := len(channels["carol"].sent)
	c.Broadcast(signaling.SimpleMessage{Text: "hi"})
	require.Len(t, channels["carol"].sent, before+1)
}

func TestSendToRequiresOpenChannel(t *testing.T) {
	c, _ := newFakeMesh("alice", "alice", "bob")

	err := c.SendTo("bob", signaling.SimpleMessage{Text: "hi"})
	require.Error(t, err, "channel not open yet")

	err = c.SendTo("dave", signaling.SimpleMessage{Text: "hi"})
	require.Error(t, err, "unknown peer")

	c.HandleChannelOpened("bob")
	require.NoError(t, c.SendTo("bob", signaling.SimpleMessage{Text: "hi"}))
}

func TestCloseResetsEverything(t *testing.T) {
	c, channels := newFakeMesh("alice", "alice", "bob")
	c.HandleChannelOpened("bob")

	c.Close()
	require.Equal(t, StateIncomplete, c.Status().State)
	require.True(t, channels["bob"].closed)

	c.Close()
}

// TestTwoPeerNegotiation runs a real negotiation between two in-process
// coordinators, with signals routed directly between them.
func TestTwoPeerNegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping transport integration test in short mode")
	}

	type harness struct {
		coord   *Coordinator
		events  chan Event
		signals chan signaling.WebRTCSignal
		ready   chan struct{}
	}

	newHarness := func(deviceID string, remote *harness) *harness {
		h := &harness{
			events:  make(chan Event, 64),
			signals: make(chan signaling.WebRTCSignal, 64),
			ready:   make(chan struct{}),
		}
		h.coord = NewCoordinator(Config{
			DeviceID:     deviceID,
			SessionID:    "s1",
			Participants: []string{"alice", "bob"},
			Signal: func(peerID string, sig signaling.WebRTCSignal) error {
				remote.signals <- sig
				return nil
			},
			Events: h.events,
			Logger: logger.NewLoggerWithWriter(deviceID, io.Discard),
		})
		return h
	}

	run := func(h *harness, remoteID string) {
		announced := false
		for {
			select {
			case ev := <-h.events:
				switch e := ev.(type) {
				case ChannelOpened:
					h.coord.HandleChannelOpened(e.PeerID)
				case ChannelClosed:
					h.coord.HandleChannelClosed(e.PeerID)
				case InboundMessage:
					if ready, ok := e.Message.(signaling.MeshReady); ok {
						h.coord.HandleMeshReady(e.PeerID, ready)
					}
				}
			case sig := <-h.signals:
				h.coord.HandleSignal(remoteID, sig)
			case <-time.After(30 * time.Second):
				return
			}
			if !announced && h.coord.Status().State == StateReady {
				announced = true
				close(h.ready)
			}
		}
	}

	alice := &harness{}
	bob := newHarness("bob", alice)
	*alice = *newHarness("alice", bob)

	go run(alice, "bob")
	go run(bob, "alice")

	require.NoError(t, alice.coord.Setup())
	require.NoError(t, bob.coord.Setup())
	defer alice.coord.Close()
	defer bob.coord.Close()

	for _, h := range []*harness{alice, bob} {
		select {
		case <-h.ready:
		case <-time.After(30 * time.Second):
			t.Fatal("mesh did not become ready in time")
		}
	}
}
