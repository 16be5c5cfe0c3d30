// Package mesh implements the mesh coordinator: it owns one PeerLink per
// remote participant of the active session, performs offer/answer/candidate
// signaling for each pairwise channel, and aggregates per-peer channel
// state into the group-wide MeshStatus that gates the DKG trigger.
//
// Initiation direction follows a politeness rule: for each pair, the peer
// with the lexicographically smaller device id creates the data channel
// and the offer; the other side waits. Both sides agree on the direction
// without any extra exchange, which rules out signaling glare.
package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/frostmesh/frostmesh/client/modules/logger"
	"github.com/frostmesh/frostmesh/signaling"
)

const channelLabel = "frostmesh"

// SignalSender delivers a WebRTC signal to one peer via the relay.
type SignalSender func(peerID string, sig signaling.WebRTCSignal) error

// Event is posted by transport callbacks into the node event loop, which
// applies it as one atomic step. Implementations: ChannelOpened,
// ChannelClosed, InboundMessage.
type Event interface {
	meshEvent()
}

// ChannelOpened reports that the local end of the channel to PeerID opened.
type ChannelOpened struct {
	PeerID string
}

func (ChannelOpened) meshEvent() {}

// ChannelClosed reports that the channel to PeerID closed or failed.
type ChannelClosed struct {
	PeerID string
}

func (ChannelClosed) meshEvent() {}

// InboundMessage carries a decoded application message from PeerID.
type InboundMessage struct {
	PeerID  string
	Message signaling.ApplicationMessage
}

func (InboundMessage) meshEvent() {}

// Config assembles a mesh coordinator for one session instance.
type Config struct {
	DeviceID     string
	SessionID    string
	Participants []string
	Signal       SignalSender
	Events       chan<- Event
	ICEServers   []webrtc.ICEServer
	Logger       logger.Logger
}

// Coordinator owns the pairwise channel mesh of the active session. All
// methods except the transport callbacks it installs are called from the
// node event loop only; the callbacks do not mutate coordination state,
// they post Events back into the loop.
type Coordinator struct {
	deviceID  string
	sessionID string

	participants []string
	links        map[string]*PeerLink

	signal SignalSender
	events chan<- Event
	logger logger.Logger

	api    *webrtc.API
	config webrtc.Configuration

	readyPeers map[string]struct{}
	announced  bool
	closed     bool
}

// Initiates reports which side of the pair (localID, peerID) creates the
// data channel and the offer.
func Initiates(localID, peerID string) bool {
	return localID < peerID
}

func NewCoordinator(cfg Config) *Coordinator {
	settings := webrtc.SettingEngine{}
	// Loopback candidates let nodes on one host (tests, demos) form a mesh.
	settings.SetIncludeLoopbackCandidate(true)

	return &Coordinator{
		deviceID:     cfg.DeviceID,
		sessionID:    cfg.SessionID,
		participants: append([]string(nil), cfg.Participants...),
		links:        make(map[string]*PeerLink),
		signal:       cfg.Signal,
		events:       cfg.Events,
		logger:       cfg.Logger,
		api:          webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config:       webrtc.Configuration{ICEServers: cfg.ICEServers},
		readyPeers:   make(map[string]struct{}),
	}
}

// SessionID returns the session this mesh belongs to.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Setup creates a PeerLink for every participant except self and starts
// negotiation on the pairs this device initiates.
func (c *Coordinator) Setup() error {
	for _, peer := range c.participants {
		if peer == c.deviceID {
			continue
		}
		if _, ok := c.links[peer]; ok {
			continue
		}
		link, err := c.createLink(peer)
		if err != nil {
			return fmt.Errorf("failed to create peer link to %s: %w", peer, err)
		}
		c.links[peer] = link

		if Initiates(c.deviceID, peer) {
			if err := c.sendOffer(link); err != nil {
				return fmt.Errorf("failed to start negotiation with %s: %w", peer, err)
			}
		}
	}
	return nil
}

func (c *Coordinator) createLink(peerID string) (*PeerLink, error) {
	pc, err := c.api.NewPeerConnection(c.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	link := &PeerLink{peerID: peerID, pc: pc}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		sig := signaling.WebRTCSignal{
			SessionID:     c.sessionID,
			Kind:          signaling.SignalCandidate,
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}
		if err := c.signal(peerID, sig); err != nil {
			c.logger.Log("Failed to send candidate to %s: %v", peerID, err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			// No automated reconnection here: the channel close event
			// degrades MeshStatus and readiness restarts for this peer.
			c.logger.Log("Peer connection to %s entered state %s", peerID, state)
		}
	})

	if Initiates(c.deviceID, peerID) {
		ordered := true
		dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		c.attachChannel(link, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != channelLabel {
				c.logger.Log("Ignoring unexpected data channel %q from %s", dc.Label(), peerID)
				return
			}
			c.attachChannel(link, dc)
		})
	}

	return link, nil
}

// attachChannel wires channel lifecycle callbacks. The callbacks run on
// transport goroutines and only post events into the node loop.
func (c *Coordinator) attachChannel(link *PeerLink, dc *webrtc.DataChannel) {
	peerID := link.peerID
	link.setChannel(dc)

	dc.OnOpen(func() {
		c.events <- ChannelOpened{PeerID: peerID}
	})
	dc.OnClose(func() {
		c.events <- ChannelClosed{PeerID: peerID}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		decoded, err := signaling.UnmarshalApplication(msg.Data)
		if err != nil {
			c.logger.Log("Dropping malformed application message from %s: %v", peerID, err)
			return
		}
		c.events <- InboundMessage{PeerID: peerID, Message: decoded}
	})
}

func (c *Coordinator) sendOffer(link *PeerLink) error {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	sig := signaling.WebRTCSignal{
		SessionID: c.sessionID,
		Kind:      signaling.SignalOffer,
		SDP:       offer.SDP,
	}
	if err := c.signal(link.peerID, sig); err != nil {
		return fmt.Errorf("failed to send offer to %s: %w", link.peerID, err)
	}
	return nil
}

// HandleSignal applies an Offer, Answer or Candidate from a peer.
// Signals for peers outside the active session are dropped with a log
// line, as are offers that violate the politeness rule.
func (c *Coordinator) HandleSignal(from string, sig signaling.WebRTCSignal) {
	link, ok := c.links[from]
	if !ok {
		c.logger.Log("Dropping %s signal from %s: no peer link", sig.Kind, from)
		return
	}
	if sig.SessionID != c.sessionID {
		c.logger.Log("Dropping %s signal from %s for unknown session %s", sig.Kind, from, sig.SessionID)
		return
	}

	switch sig.Kind {
	case signaling.SignalOffer:
		if Initiates(c.deviceID, from) {
			c.logger.Log("Dropping offer from %s: local device is the initiator for this pair", from)
			return
		}
		if err := c.handleOffer(link, sig); err != nil {
			c.logger.Log("Failed to handle offer from %s: %v", from, err)
		}
	case signaling.SignalAnswer:
		if err := link.setRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sig.SDP,
		}); err != nil {
			c.logger.Log("Failed to handle answer from %s: %v", from, err)
		}
	case signaling.SignalCandidate:
		candidate := webrtc.ICECandidateInit{
			Candidate:     sig.Candidate,
			SDPMid:        sig.SDPMid,
			SDPMLineIndex: sig.SDPMLineIndex,
		}
		if err := link.addCandidate(candidate); err != nil {
			c.logger.Log("Failed to handle candidate from %s: %v", from, err)
		}
	default:
		c.logger.Log("Dropping signal from %s with unknown kind %q", from, sig.Kind)
	}
}

func (c *Coordinator) handleOffer(link *PeerLink, sig signaling.WebRTCSignal) error {
	if err := link.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sig.SDP,
	}); err != nil {
		return err
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	out := signaling.WebRTCSignal{
		SessionID: c.sessionID,
		Kind:      signaling.SignalAnswer,
		SDP:       answer.SDP,
	}
	if err := c.signal(link.peerID, out); err != nil {
		return fmt.Errorf("failed to send answer to %s: %w", link.peerID, err)
	}
	return nil
}

// HandleChannelOpened marks the channel open, greets the peer, and — the
// first time every local channel is open — broadcasts MeshReady and
// records this device as ready.
func (c *Coordinator) HandleChannelOpened(peerID string) {
	link, ok := c.links[peerID]
	if !ok {
		return
	}
	link.open = true
	c.logger.Log("Channel to %s is open", peerID)

	if err := c.sendTo(link, signaling.ChannelOpen{PeerID: c.deviceID}); err != nil {
		c.logger.Log("Failed to greet %s: %v", peerID, err)
	}

	if c.allOpen() && !c.announced {
		c.announced = true
		c.readyPeers[c.deviceID] = struct{}{}
		c.logger.Log("All local channels open, announcing mesh readiness for session %s", c.sessionID)
		c.Broadcast(signaling.MeshReady{SessionID: c.sessionID, PeerID: c.deviceID})
	}
}

// HandleChannelClosed regresses the mesh for the affected pair: the peer
// and this device leave the ready set and the readiness handshake must
// restart once the channel reopens.
func (c *Coordinator) HandleChannelClosed(peerID string) {
	link, ok := c.links[peerID]
	if !ok {
		return
	}
	if !link.open {
		return
	}
	link.open = false
	c.logger.Log("Channel to %s closed", peerID)

	delete(c.readyPeers, peerID)
	delete(c.readyPeers, c.deviceID)
	c.announced = false
}

// HandleMeshReady records that peer reported a fully open mesh. The channel
// authenticates the sender, so a peer may only announce its own readiness.
func (c *Coordinator) HandleMeshReady(from string, msg signaling.MeshReady) {
	if msg.SessionID != c.sessionID {
		c.logger.Log("Dropping MeshReady from %s for unknown session %s", from, msg.SessionID)
		return
	}
	if msg.PeerID != from {
		c.logger.Log("Dropping MeshReady from %s claiming readiness for %s", from, msg.PeerID)
		return
	}
	if _, ok := c.links[msg.PeerID]; !ok {
		c.logger.Log("Dropping MeshReady from %s for non-participant %s", from, msg.PeerID)
		return
	}
	c.readyPeers[msg.PeerID] = struct{}{}
}

// Status aggregates per-peer channel state into the group-wide MeshStatus.
func (c *Coordinator) Status() Status {
	if c.closed || len(c.links) == 0 || !c.allOpen() || !c.announced {
		return statusIncomplete()
	}
	return statusFromReadySet(c.readyPeers, len(c.participants))
}

func (c *Coordinator) allOpen() bool {
	for _, link := range c.links {
		if !link.open {
			return false
		}
	}
	return len(c.links) > 0
}

// OpenPeers returns the participants with an open local channel.
func (c *Coordinator) OpenPeers() []string {
	peers := make([]string, 0, len(c.links))
	for id, link := range c.links {
		if link.open {
			peers = append(peers, id)
		}
	}
	return peers
}

// Broadcast sends an application message to every participant with an
// open channel. Per-peer failures are logged and do not abort the fan-out.
func (c *Coordinator) Broadcast(msg signaling.ApplicationMessage) {
	for _, link := range c.links {
		if !link.open {
			continue
		}
		if err := c.sendTo(link, msg); err != nil {
			c.logger.Log("Failed to send %s to %s: %v", msg.AppType(), link.peerID, err)
		}
	}
}

// SendTo sends an application message to one participant.
func (c *Coordinator) SendTo(peerID string, msg signaling.ApplicationMessage) error {
	link, ok := c.links[peerID]
	if !ok {
		return fmt.Errorf("no peer link to %s", peerID)
	}
	if !link.open {
		return fmt.Errorf("channel to %s is not open", peerID)
	}
	return c.sendTo(link, msg)
}

func (c *Coordinator) sendTo(link *PeerLink, msg signaling.ApplicationMessage) error {
	data, err := signaling.MarshalApplication(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.AppType(), err)
	}
	if err := link.Send(data); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.AppType(), link.peerID, err)
	}
	return nil
}

// Close tears down every peer link and resets readiness. Idempotent.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, link := range c.links {
		link.close()
	}
	c.links = make(map[string]*PeerLink)
	c.readyPeers = make(map[string]struct{})
	c.announced = false
}
