package signaling

import (
	"encoding/json"
	"fmt"
)

// Application message type tags.
const (
	TypeSimpleMessage    = "simple_message"
	TypeChannelOpen      = "channel_open"
	TypeMeshReady        = "mesh_ready"
	TypeDkgRound1Package = "dkg_round1_package"
	TypeDkgRound2Package = "dkg_round2_package"
)

// ApplicationMessage is the closed set of messages carried over an open
// pairwise channel. Implementations: SimpleMessage, ChannelOpen, MeshReady,
// DkgRound1Package, DkgRound2Package.
type ApplicationMessage interface {
	applicationMessage()
	AppType() string
}

// SimpleMessage is a free-form text message, used for diagnostics.
type SimpleMessage struct {
	Text string `json:"text"`
}

func (SimpleMessage) applicationMessage() {}
func (SimpleMessage) AppType() string     { return TypeSimpleMessage }

// ChannelOpen is the greeting a peer sends as soon as its side of the
// channel opens.
type ChannelOpen struct {
	PeerID string `json:"peer_id"`
}

func (ChannelOpen) applicationMessage() {}
func (ChannelOpen) AppType() string     { return TypeChannelOpen }

// MeshReady announces that the sending peer has an open channel to every
// other participant of the session.
type MeshReady struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
}

func (MeshReady) applicationMessage() {}
func (MeshReady) AppType() string     { return TypeMeshReady }

// DkgRound1Package carries a round-1 package. The package bytes are opaque
// to the coordination layer and forwarded verbatim to the DKG engine.
type DkgRound1Package struct {
	SessionID string          `json:"session_id"`
	Package   json.RawMessage `json:"package"`
}

func (DkgRound1Package) applicationMessage() {}
func (DkgRound1Package) AppType() string     { return TypeDkgRound1Package }

// DkgRound2Package carries a round-2 package, opaque like round 1.
type DkgRound2Package struct {
	SessionID string          `json:"session_id"`
	Package   json.RawMessage `json:"package"`
}

func (DkgRound2Package) applicationMessage() {}
func (DkgRound2Package) AppType() string     { return TypeDkgRound2Package }

type appEnvelope struct {
	MsgType string          `json:"webrtc_msg_type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalApplication wraps an ApplicationMessage for a data channel.
func MarshalApplication(msg ApplicationMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal application payload: %w", err)
	}
	return json.Marshal(appEnvelope{MsgType: msg.AppType(), Payload: payload})
}

// UnmarshalApplication decodes a data channel frame into its concrete
// message type.
func UnmarshalApplication(data []byte) (ApplicationMessage, error) {
	var e appEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal application envelope: %w", err)
	}
	switch e.MsgType {
	case TypeSimpleMessage:
		var msg SimpleMessage
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SimpleMessage: %w", err)
		}
		return msg, nil
	case TypeChannelOpen:
		var msg ChannelOpen
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ChannelOpen: %w", err)
		}
		return msg, nil
	case TypeMeshReady:
		var msg MeshReady
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal MeshReady: %w", err)
		}
		return msg, nil
	case TypeDkgRound1Package:
		var msg DkgRound1Package
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal DkgRound1Package: %w", err)
		}
		return msg, nil
	case TypeDkgRound2Package:
		var msg DkgRound2Package
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal DkgRound2Package: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown application message type %q", e.MsgType)
	}
}
