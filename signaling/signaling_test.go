package signaling

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	proposal := SessionProposal{
		SessionID:    "s1",
		Total:        3,
		Threshold:    2,
		Participants: []string{"alice", "bob", "carol"},
	}

	envelope, err := NewEnvelope("alice", []byte("pubkey"), proposal)
	require.NoError(t, err)
	require.Equal(t, TypeSessionProposal, envelope.MsgType)

	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, "alice", parsed.SenderID)

	decoded, err := parsed.Decode()
	require.NoError(t, err)
	require.Equal(t, proposal, decoded)
}

func TestDecodeEveryMessageType(t *testing.T) {
	mid := "0"
	var line uint16 = 0
	messages := []SignalingMessage{
		SessionProposal{SessionID: "s1", Total: 2, Threshold: 2, Participants: []string{"a", "b"}},
		SessionResponse{SessionID: "s1", Accepted: true},
		SessionResponse{SessionID: "s1", Accepted: false},
		WebRTCSignal{SessionID: "s1", Kind: SignalOffer, SDP: "v=0"},
		WebRTCSignal{SessionID: "s1", Kind: SignalCandidate, Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &line},
	}
	for _, msg := range messages {
		envelope, err := NewEnvelope("sender", nil, msg)
		require.NoError(t, err)
		decoded, err := envelope.Decode()
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestDecodeUnknownTypeFails(t *testing.T) {
	envelope := &Envelope{MsgType: "no_such_type", Payload: []byte("{}")}
	_, err := envelope.Decode()
	require.Error(t, err)
}

func TestParseEnvelopeRejectsMissingType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"payload":{}}`))
	require.Error(t, err)

	_, err = ParseEnvelope([]byte("not json"))
	require.Error(t, err)
}

func TestSigningBytesCoverTypeAndPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	envelope, err := NewEnvelope("alice", pub, SessionResponse{SessionID: "s1", Accepted: true})
	require.NoError(t, err)
	envelope.Signature = ed25519.Sign(priv, envelope.SigningBytes())

	require.True(t, ed25519.Verify(pub, envelope.SigningBytes(), envelope.Signature))

	// Retagging the envelope must invalidate the signature.
	envelope.MsgType = TypeSessionProposal
	require.False(t, ed25519.Verify(pub, envelope.SigningBytes(), envelope.Signature))
}

func TestApplicationMessageRoundTrip(t *testing.T) {
	messages := []ApplicationMessage{
		SimpleMessage{Text: "hello"},
		ChannelOpen{PeerID: "alice"},
		MeshReady{SessionID: "s1", PeerID: "bob"},
		DkgRound1Package{SessionID: "s1", Package: json.RawMessage(`{"commitments":[]}`)},
		DkgRound2Package{SessionID: "s1", Package: json.RawMessage(`{"share":"AA=="}`)},
	}
	for _, msg := range messages {
		data, err := MarshalApplication(msg)
		require.NoError(t, err)
		decoded, err := UnmarshalApplication(data)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestUnmarshalApplicationUnknownType(t *testing.T) {
	_, err := UnmarshalApplication([]byte(`{"webrtc_msg_type":"bogus","payload":{}}`))
	require.Error(t, err)
}
