package mesh

import (
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func testOffer(t *testing.T) (webrtc.SessionDescription, func()) {
	t.Helper()
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	_, err = offerer.CreateDataChannel(channelLabel, nil)
	require.NoError(t, err)

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))
	return offer, func() { offerer.Close() }
}

func hostCandidate(port int) webrtc.ICECandidateInit {
	mid := "0"
	var line uint16 = 0
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", port),
		SDPMid:        &mid,
		SDPMLineIndex: &line,
	}
}

func TestCandidateQueueFlushesOnRemoteDescription(t *testing.T) {
	offer, cleanup := testOffer(t)
	defer cleanup()

	answerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer answerer.Close()

	link := &PeerLink{peerID: "peer", pc: answerer}

	// Candidates outrunning the offer are queued, not applied.
	require.NoError(t, link.addCandidate(hostCandidate(50001)))
	require.NoError(t, link.addCandidate(hostCandidate(50002)))
	require.Len(t, link.pending, 2)
	require.False(t, link.remoteSet)

	require.NoError(t, link.setRemoteDescription(offer))
	require.True(t, link.remoteSet)
	require.Empty(t, link.pending, "queued candidates are flushed with the description")

	// Once the description is in place candidates apply immediately.
	require.NoError(t, link.addCandidate(hostCandidate(50003)))
	require.Empty(t, link.pending)
}

func TestSendWithoutChannelFails(t *testing.T) {
	link := &PeerLink{peerID: "peer"}
	require.Error(t, link.Send([]byte("data")))

	ch := &fakeChannel{}
	link.setChannel(ch)
	require.NoError(t, link.Send([]byte("data")))
	require.Len(t, ch.sent, 1)
}

func TestCloseIsSafeWithoutConnection(t *testing.T) {
	ch := &fakeChannel{}
	link := &PeerLink{peerID: "peer", channel: ch, open: true}
	link.pending = append(link.pending, hostCandidate(50001))

	link.close()
	require.True(t, ch.closed)
	require.False(t, link.open)
	require.Empty(t, link.pending)
}
