package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/frostmesh/frostmesh/client/modules/keystore"
	"github.com/frostmesh/frostmesh/dkg"
	"github.com/frostmesh/frostmesh/fsm/dkg_fsm"
	"github.com/frostmesh/frostmesh/mesh"
	"github.com/frostmesh/frostmesh/relay"
	"github.com/frostmesh/frostmesh/session"
	"github.com/frostmesh/frostmesh/signaling"
)

// sendSignaling wraps a signaling message in a signed envelope and relays
// it to one peer. It is the Sender both for the session coordinator's
// fan-outs and for mesh negotiation signals.
func (s *BaseNodeService) sendSignaling(peerID string, msg signaling.SignalingMessage) error {
	envelope, err := signaling.NewEnvelope(s.deviceID, s.keyPair.Pub, msg)
	if err != nil {
		return fmt.Errorf("failed to build envelope: %w", err)
	}
	envelope.Signature = ed25519.Sign(s.keyPair.Priv, envelope.SigningBytes())

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout())
	defer cancel()
	if err := s.transport.Send(ctx, peerID, data); err != nil {
		return fmt.Errorf("failed to relay message to %s: %w", peerID, err)
	}
	return nil
}

// handleInbound authenticates a relay frame and dispatches the signaling
// message inside it. The first envelope from a device pins its public key;
// any later envelope with a different key is dropped.
func (s *BaseNodeService) handleInbound(inbound relay.Inbound) {
	envelope, err := signaling.ParseEnvelope(inbound.Data)
	if err != nil {
		s.Logger.Log("Dropping malformed relay frame from %s: %v", inbound.From, err)
		return
	}
	if envelope.SenderID == "" {
		s.Logger.Log("Dropping relay frame without a sender id")
		return
	}
	if inbound.From != "" && inbound.From != envelope.SenderID {
		s.Logger.Log("Dropping relay frame: envelope sender %s does not match relay sender %s",
			envelope.SenderID, inbound.From)
		return
	}

	if pinnedKey, ok := s.pinned[envelope.SenderID]; ok {
		if !bytes.Equal(pinnedKey, envelope.PubKey) {
			s.Logger.Log("Dropping relay frame from %s: public key does not match the pinned one", envelope.SenderID)
			return
		}
	}
	if len(envelope.PubKey) != ed25519.PublicKeySize ||
		!ed25519.Verify(envelope.PubKey, envelope.SigningBytes(), envelope.Signature) {
		s.Logger.Log("Dropping relay frame from %s: bad signature", envelope.SenderID)
		return
	}
	if _, ok := s.pinned[envelope.SenderID]; !ok {
		s.pinned[envelope.SenderID] = append([]byte(nil), envelope.PubKey...)
		if err := s.state.SavePinnedKey(envelope.SenderID, envelope.PubKey); err != nil {
			s.Logger.Log("Failed to persist pinned key for %s: %v", envelope.SenderID, err)
		}
	}

	msg, err := envelope.Decode()
	if err != nil {
		s.Logger.Log("Dropping undecodable message from %s: %v", envelope.SenderID, err)
		return
	}

	switch m := msg.(type) {
	case signaling.SessionProposal:
		s.handleProposal(envelope.SenderID, m)
	case signaling.SessionResponse:
		s.handleResponse(envelope.SenderID, m)
	case signaling.WebRTCSignal:
		s.handleWebRTCSignal(envelope.SenderID, m)
	}
}

func (s *BaseNodeService) handleProposal(from string, proposal signaling.SessionProposal) {
	invite := s.sessions.HandleProposal(from, proposal)
	if invite == nil {
		return
	}
	s.notify(Notification{
		Kind:      NotificationInviteReceived,
		SessionID: invite.SessionID,
		Message:   fmt.Sprintf("session invite from %s (%d of %d)", from, invite.Threshold, invite.Total),
	})
}

func (s *BaseNodeService) handleResponse(from string, response signaling.SessionResponse) {
	switch s.sessions.HandleResponse(from, response) {
	case session.ResponseRejected:
		s.notify(Notification{
			Kind:      NotificationSessionRejected,
			SessionID: response.SessionID,
			Message:   fmt.Sprintf("session rejected by %s", from),
		})
		s.teardown(fmt.Sprintf("rejected by %s", from))
	case session.ResponseAllAccepted:
		s.stopAcceptanceTimer()
		s.persistSession()
		s.notify(Notification{
			Kind:      NotificationSessionActive,
			SessionID: response.SessionID,
			Message:   "all participants accepted",
		})
		if s.meshCoord == nil {
			if err := s.setupMesh(s.sessions.Active()); err != nil {
				s.Logger.Log("Failed to set up mesh for session %s: %v", response.SessionID, err)
				s.teardown(fmt.Sprintf("failed to set up mesh: %v", err))
			}
		}
	case session.ResponseAccepted:
		s.persistSession()
	case session.ResponseInviteVoided:
		s.notify(Notification{
			Kind:      NotificationInviteVoided,
			SessionID: response.SessionID,
			Message:   fmt.Sprintf("invite voided by %s", from),
		})
	}
}

// handleWebRTCSignal routes a negotiation signal to the mesh, or buffers
// it when it races ahead of the local session activation.
func (s *BaseNodeService) handleWebRTCSignal(from string, sig signaling.WebRTCSignal) {
	if s.meshCoord != nil && s.meshCoord.SessionID() == sig.SessionID {
		s.meshCoord.HandleSignal(from, sig)
		return
	}

	if s.knownSessionID(sig.SessionID) {
		buffered := s.pendingSignals[sig.SessionID]
		if len(buffered) >= maxBufferedSignals {
			s.Logger.Log("Dropping %s signal from %s: buffer for session %s is full", sig.Kind, from, sig.SessionID)
			return
		}
		s.pendingSignals[sig.SessionID] = append(buffered, bufferedSignal{from: from, signal: sig})
		return
	}

	s.Logger.Log("Dropping %s signal from %s for unknown session %s", sig.Kind, from, sig.SessionID)
}

func (s *BaseNodeService) knownSessionID(sessionID string) bool {
	if active := s.sessions.Active(); active != nil && active.SessionID == sessionID {
		return true
	}
	for _, invite := range s.sessions.Invites() {
		if invite.SessionID == sessionID {
			return true
		}
	}
	return false
}

// setupMesh builds the channel mesh for a locally active session and
// replays any negotiation signals that arrived early.
func (s *BaseNodeService) setupMesh(info *session.Info) error {
	iceServers := make([]webrtc.ICEServer, 0, len(s.conf.ICEServers))
	for _, u := range s.conf.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	s.meshCoord = mesh.NewCoordinator(mesh.Config{
		DeviceID:     s.deviceID,
		SessionID:    info.SessionID,
		Participants: info.Participants,
		Signal: func(peerID string, sig signaling.WebRTCSignal) error {
			return s.sendSignaling(peerID, sig)
		},
		Events:     s.meshEvents,
		ICEServers: iceServers,
		Logger:     s.Logger,
	})
	s.lastMeshStatus = mesh.Status{State: mesh.StateIncomplete}

	if err := s.meshCoord.Setup(); err != nil {
		s.meshCoord.Close()
		s.meshCoord = nil
		return err
	}

	for _, buffered := range s.pendingSignals[info.SessionID] {
		s.meshCoord.HandleSignal(buffered.from, buffered.signal)
	}
	delete(s.pendingSignals, info.SessionID)
	return nil
}

func (s *BaseNodeService) handleMeshEvent(ev mesh.Event) {
	if s.meshCoord == nil {
		return
	}
	switch e := ev.(type) {
	case mesh.ChannelOpened:
		s.meshCoord.HandleChannelOpened(e.PeerID)
	case mesh.ChannelClosed:
		s.meshCoord.HandleChannelClosed(e.PeerID)
		if dkg_fsm.InProgress(s.dkgMachine.State()) {
			s.failDkg(fmt.Sprintf("channel to %s closed during key generation", e.PeerID))
		}
	case mesh.InboundMessage:
		s.handleApplicationMessage(e.PeerID, e.Message)
	}
}

func (s *BaseNodeService) handleApplicationMessage(from string, msg signaling.ApplicationMessage) {
	switch m := msg.(type) {
	case signaling.ChannelOpen:
		s.Logger.Log("Peer %s confirmed its channel", from)
	case signaling.SimpleMessage:
		s.notify(Notification{
			Kind:    NotificationMessageReceived,
			Message: fmt.Sprintf("%s: %s", from, m.Text),
		})
	case signaling.MeshReady:
		s.meshCoord.HandleMeshReady(from, m)
	case signaling.DkgRound1Package:
		s.handleDkgRound1(from, m)
	case signaling.DkgRound2Package:
		s.handleDkgRound2(from, m)
	}
}

// afterStep runs after every loop iteration: it folds per-peer channel
// changes into the group mesh status and fires the key generation trigger
// when all three conditions line up.
func (s *BaseNodeService) afterStep() {
	status := s.currentMeshStatus()
	if !status.Equal(s.lastMeshStatus) {
		s.lastMeshStatus = status
		kind := NotificationMeshStatusChanged
		if status.State == mesh.StateReady {
			kind = NotificationMeshReady
		}
		sessionID := ""
		if s.meshCoord != nil {
			sessionID = s.meshCoord.SessionID()
		}
		s.notify(Notification{
			Kind:      kind,
			SessionID: sessionID,
			Message:   fmt.Sprintf("mesh is %s (%d/%d ready)", status.State, len(status.ReadyPeers), status.Total),
		})
	}
	s.checkTrigger()
}

// checkTrigger starts key generation exactly once per session: the session
// must be locally accepted, the mesh ready, and the round machine idle.
// The acceptance set is informational only; a ready mesh already proves
// every participant accepted, even if a response frame was lost.
func (s *BaseNodeService) checkTrigger() {
	active := s.sessions.Active()
	if active == nil || active.Status != session.StatusAccepted {
		return
	}
	if s.lastMeshStatus.State != mesh.StateReady {
		return
	}
	if s.dkgMachine.State() != dkg_fsm.StateIdle {
		return
	}
	s.startDkg(active)
}

func (s *BaseNodeService) startDkg(info *session.Info) {
	engine, err := dkg.New(dkg.Config{
		SessionID:    info.SessionID,
		DeviceID:     s.deviceID,
		Participants: info.Participants,
		Threshold:    info.Threshold,
	})
	if err != nil {
		s.Logger.Log("Failed to init key generation for session %s: %v", info.SessionID, err)
		return
	}
	s.engine = engine

	if _, err := s.dkgMachine.Do(dkg_fsm.EventStart); err != nil {
		s.Logger.Log("Failed to start key generation: %v", err)
		return
	}

	pkg, err := engine.Round1()
	if err != nil {
		s.failDkg(fmt.Sprintf("failed to build round 1 package: %v", err))
		return
	}

	s.Logger.Log("Starting key generation for session %s as participant %d", info.SessionID, engine.Index())
	s.notify(Notification{
		Kind:      NotificationDkgStarted,
		SessionID: info.SessionID,
		Message:   "key generation started",
	})

	s.meshCoord.Broadcast(signaling.DkgRound1Package{SessionID: info.SessionID, Package: pkg})
	// The ready mesh proves acceptance; a lost response frame must not
	// let the acceptance timer abandon a running key generation.
	s.stopAcceptanceTimer()
	s.startRoundTimer(info.SessionID)
	s.persistDkgState()

	// Peers that triggered earlier may have already sent their packages.
	for peer, data := range s.pendingRound1 {
		s.processRound1(peer, data)
		if s.dkgMachine.State() == dkg_fsm.StateFailed {
			break
		}
	}
	s.pendingRound1 = make(map[string][]byte)
}

func (s *BaseNodeService) handleDkgRound1(from string, msg signaling.DkgRound1Package) {
	if !s.dkgSessionMatch(msg.SessionID, from, "round 1") {
		return
	}
	switch s.dkgMachine.State() {
	case dkg_fsm.StateIdle:
		// The sender saw the full ready set before this device did.
		s.pendingRound1[from] = msg.Package
	case dkg_fsm.StateRound1InProgress:
		s.processRound1(from, msg.Package)
	default:
		s.Logger.Log("Dropping round 1 package from %s in state %s", from, s.dkgMachine.State())
	}
}

func (s *BaseNodeService) processRound1(from string, data []byte) {
	complete, err := s.engine.ProcessRound1(from, data)
	if err != nil {
		if errors.Is(err, dkg.ErrDuplicate) {
			s.Logger.Log("Ignoring duplicate round 1 package from %s", from)
			return
		}
		s.failDkg(fmt.Sprintf("round 1 package from %s: %v", from, err))
		return
	}
	if complete {
		s.advanceToRound2()
	}
}

func (s *BaseNodeService) advanceToRound2() {
	if _, err := s.dkgMachine.Do(dkg_fsm.EventRound1Complete); err != nil {
		s.failDkg(fmt.Sprintf("failed to complete round 1: %v", err))
		return
	}

	packages, err := s.engine.Round2Packages()
	if err != nil {
		s.failDkg(fmt.Sprintf("failed to build round 2 packages: %v", err))
		return
	}
	if _, err := s.dkgMachine.Do(dkg_fsm.EventRound2Start); err != nil {
		s.failDkg(fmt.Sprintf("failed to start round 2: %v", err))
		return
	}

	sessionID := s.meshCoord.SessionID()
	for peer, pkg := range packages {
		if err := s.meshCoord.SendTo(peer, signaling.DkgRound2Package{SessionID: sessionID, Package: pkg}); err != nil {
			// The round timer converts a missing share into a failure; a
			// single failed send must not abort the other deliveries.
			s.Logger.Log("Failed to send round 2 package to %s: %v", peer, err)
		}
	}

	s.startRoundTimer(sessionID)
	s.persistDkgState()

	for peer, data := range s.pendingRound2 {
		s.processRound2(peer, data)
		if s.dkgMachine.State() == dkg_fsm.StateFailed {
			break
		}
	}
	s.pendingRound2 = make(map[string][]byte)
}

func (s *BaseNodeService) handleDkgRound2(from string, msg signaling.DkgRound2Package) {
	if !s.dkgSessionMatch(msg.SessionID, from, "round 2") {
		return
	}
	switch s.dkgMachine.State() {
	case dkg_fsm.StateRound1InProgress, dkg_fsm.StateRound1Complete:
		// The sender finished round 1 before this device did.
		s.pendingRound2[from] = msg.Package
	case dkg_fsm.StateRound2InProgress:
		s.processRound2(from, msg.Package)
	default:
		s.Logger.Log("Dropping round 2 package from %s in state %s", from, s.dkgMachine.State())
	}
}

func (s *BaseNodeService) processRound2(from string, data []byte) {
	complete, err := s.engine.ProcessRound2(from, data)
	if err != nil {
		if errors.Is(err, dkg.ErrDuplicate) {
			s.Logger.Log("Ignoring duplicate round 2 package from %s", from)
			return
		}
		s.failDkg(fmt.Sprintf("round 2 package from %s: %v", from, err))
		return
	}
	if complete {
		s.finalizeDkg()
	}
}

func (s *BaseNodeService) finalizeDkg() {
	if _, err := s.dkgMachine.Do(dkg_fsm.EventRound2Complete); err != nil {
		s.failDkg(fmt.Sprintf("failed to complete round 2: %v", err))
		return
	}
	if _, err := s.dkgMachine.Do(dkg_fsm.EventFinalize); err != nil {
		s.failDkg(fmt.Sprintf("failed to enter finalization: %v", err))
		return
	}

	result, err := s.engine.Finalize()
	if err != nil {
		s.failDkg(fmt.Sprintf("failed to finalize key generation: %v", err))
		return
	}

	info := s.sessions.Active()
	wallet := &keystore.Wallet{
		ID:             uuid.New().String(),
		SessionID:      info.SessionID,
		Participants:   append([]string(nil), info.Participants...),
		Threshold:      info.Threshold,
		Index:          result.Index,
		GroupPublicKey: result.GroupPublicKey,
		KeyShare:       result.KeyShare,
		CreatedAt:      time.Now(),
	}
	// The group key exists on every participant at this point; a wallet
	// write problem is a local persistence issue, not a protocol failure.
	walletMsg := fmt.Sprintf("wallet %s created", wallet.ID)
	if s.keyStore.IsLocked() {
		walletMsg = "key store is locked, wallet not persisted"
		s.Logger.Log("Key store is locked, wallet for session %s not persisted", info.SessionID)
	} else if err := s.keyStore.AddWallet(wallet); err != nil {
		walletMsg = fmt.Sprintf("failed to store wallet: %v", err)
		s.Logger.Log("Failed to store wallet for session %s: %v", info.SessionID, err)
	}

	if _, err := s.dkgMachine.Do(dkg_fsm.EventComplete); err != nil {
		s.Logger.Log("Failed to record key generation completion: %v", err)
	}
	s.stopRoundTimer()
	s.persistDkgState()

	s.Logger.Log("Key generation for session %s complete, %s", info.SessionID, walletMsg)
	s.notify(Notification{
		Kind:      NotificationDkgCompleted,
		SessionID: info.SessionID,
		Message:   walletMsg,
	})
}

// dkgSessionMatch gates packages on the mesh session only. The engine may
// not exist yet when a package arrives: a peer that saw the full ready set
// first triggers before this device does, and its package must be buffered,
// not dropped.
func (s *BaseNodeService) dkgSessionMatch(sessionID, from, round string) bool {
	if s.meshCoord == nil || s.meshCoord.SessionID() != sessionID {
		s.Logger.Log("Dropping %s package from %s for unknown session %s", round, from, sessionID)
		return false
	}
	return true
}

func (s *BaseNodeService) failDkg(reason string) {
	if !dkg_fsm.InProgress(s.dkgMachine.State()) {
		return
	}
	if _, err := s.dkgMachine.Do(dkg_fsm.EventFail); err != nil {
		s.Logger.Log("Failed to record key generation failure: %v", err)
	}
	s.stopRoundTimer()
	s.engine = nil
	s.pendingRound1 = make(map[string][]byte)
	s.pendingRound2 = make(map[string][]byte)
	s.persistDkgState()

	sessionID := ""
	if s.meshCoord != nil {
		sessionID = s.meshCoord.SessionID()
	}
	s.Logger.Log("Key generation failed: %s", reason)
	s.notify(Notification{
		Kind:      NotificationDkgFailed,
		SessionID: sessionID,
		Message:   reason,
	})
}

// teardown clears the session, the mesh and the key generation machine in
// one step, so the three can never disagree about whether a session exists.
func (s *BaseNodeService) teardown(reason string) {
	sessionID := ""
	if active := s.sessions.Active(); active != nil {
		sessionID = active.SessionID
	}

	s.sessions.Teardown()
	if s.meshCoord != nil {
		s.meshCoord.Close()
		s.meshCoord = nil
	}
	s.lastMeshStatus = mesh.Status{State: mesh.StateIncomplete}
	if _, err := s.dkgMachine.Do(dkg_fsm.EventReset); err != nil {
		s.Logger.Log("Failed to reset key generation machine: %v", err)
	}
	s.engine = nil
	s.pendingSignals = make(map[string][]bufferedSignal)
	s.pendingRound1 = make(map[string][]byte)
	s.pendingRound2 = make(map[string][]byte)
	s.stopAcceptanceTimer()
	s.stopRoundTimer()
	s.persistSession()
	s.persistDkgState()

	s.Logger.Log("Session torn down: %s", reason)
	s.notify(Notification{
		Kind:      NotificationSessionTornDown,
		SessionID: sessionID,
		Message:   reason,
	})
}

func (s *BaseNodeService) onAcceptanceTimeout(sessionID string) {
	active := s.sessions.Active()
	if active == nil || active.SessionID != sessionID || active.AllAccepted() {
		return
	}
	s.teardown(fmt.Sprintf("session %s was not fully accepted in time", sessionID))
}

func (s *BaseNodeService) onRoundTimeout(sessionID string) {
	if s.meshCoord == nil || s.meshCoord.SessionID() != sessionID {
		return
	}
	if !dkg_fsm.InProgress(s.dkgMachine.State()) {
		return
	}
	s.failDkg("key generation round timed out")
}
