// Package signaling defines the two closed message families exchanged by
// frostmesh nodes: SignalingMessage (carried inside relay envelopes) and
// ApplicationMessage (carried over open pairwise data channels). Both are
// tagged unions with exhaustive dispatch; an unknown tag is a protocol
// violation and must be dropped by the caller.
package signaling

import (
	"encoding/json"
	"fmt"
)

// Signaling message type tags.
const (
	TypeSessionProposal = "session_proposal"
	TypeSessionResponse = "session_response"
	TypeWebRTCSignal    = "webrtc_signal"
)

// WebRTC signal kinds.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// SignalingMessage is the closed set of messages carried inside relay
// envelopes. Implementations: SessionProposal, SessionResponse, WebRTCSignal.
type SignalingMessage interface {
	signalingMessage()
	Type() string
}

// SessionProposal invites a fixed, ordered participant set to form a
// threshold session. Participants are sorted lexicographically by the
// proposer and must never be reordered: cryptographic participant indices
// derive from this order.
type SessionProposal struct {
	SessionID    string   `json:"session_id"`
	Total        int      `json:"total"`
	Threshold    int      `json:"threshold"`
	Participants []string `json:"participants"`
}

func (SessionProposal) signalingMessage() {}
func (SessionProposal) Type() string      { return TypeSessionProposal }

// SessionResponse accepts or rejects a proposed session. A single
// rejection voids the whole session on every peer.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
}

func (SessionResponse) signalingMessage() {}
func (SessionResponse) Type() string      { return TypeSessionResponse }

// WebRTCSignal carries ICE/SDP negotiation for one pairwise channel.
// Exactly one of SDP (for offers and answers) or Candidate is meaningful,
// selected by Kind.
type WebRTCSignal struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	SDP       string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (WebRTCSignal) signalingMessage() {}
func (WebRTCSignal) Type() string      { return TypeWebRTCSignal }

// Envelope is the wire form of a SignalingMessage, plus sender
// authentication. The signature covers the message type tag and payload.
type Envelope struct {
	MsgType   string          `json:"websocket_msg_type"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"sender_id"`
	PubKey    []byte          `json:"pub_key"`
	Signature []byte          `json:"signature,omitempty"`
}

// SigningBytes returns the byte string the envelope signature covers.
func (e *Envelope) SigningBytes() []byte {
	return append([]byte(e.MsgType), e.Payload...)
}

// NewEnvelope wraps a SignalingMessage for the wire. The envelope is
// returned unsigned; the node layer signs it with the device key.
func NewEnvelope(senderID string, pubKey []byte, msg SignalingMessage) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signaling payload: %w", err)
	}
	return &Envelope{
		MsgType:  msg.Type(),
		Payload:  payload,
		SenderID: senderID,
		PubKey:   pubKey,
	}, nil
}

// Decode parses the envelope payload into its concrete message type.
func (e *Envelope) Decode() (SignalingMessage, error) {
	switch e.MsgType {
	case TypeSessionProposal:
		var msg SessionProposal
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SessionProposal: %w", err)
		}
		return msg, nil
	case TypeSessionResponse:
		var msg SessionResponse
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SessionResponse: %w", err)
		}
		return msg, nil
	case TypeWebRTCSignal:
		var msg WebRTCSignal
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal WebRTCSignal: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown signaling message type %q", e.MsgType)
	}
}

// ParseEnvelope decodes a relay payload into an envelope without touching
// the inner message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signaling envelope: %w", err)
	}
	if e.MsgType == "" {
		return nil, fmt.Errorf("signaling envelope is missing a type tag")
	}
	return &e, nil
}
