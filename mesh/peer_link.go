package mesh

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// dataChannel is the subset of *webrtc.DataChannel the link needs for
// sending, extracted so tests can substitute a recording fake.
type dataChannel interface {
	Send(data []byte) error
	Close() error
}

// PeerLink is the per-participant transport state: the underlying peer
// connection, the single coordination data channel, and the FIFO queue of
// transport candidates that arrived before a remote description was set.
//
// The open flag and the candidate queue belong to the node event loop;
// the channel handle is additionally written from a pion callback on the
// answering side, hence the mutex around it.
type PeerLink struct {
	peerID string
	pc     *webrtc.PeerConnection

	channelMu sync.Mutex
	channel   dataChannel

	pending   []webrtc.ICECandidateInit
	remoteSet bool
	open      bool
}

func (l *PeerLink) setChannel(dc dataChannel) {
	l.channelMu.Lock()
	defer l.channelMu.Unlock()
	l.channel = dc
}

// Send delivers one frame over the link's data channel.
func (l *PeerLink) Send(data []byte) error {
	l.channelMu.Lock()
	dc := l.channel
	l.channelMu.Unlock()

	if dc == nil {
		return fmt.Errorf("no data channel to %s", l.peerID)
	}
	return dc.Send(data)
}

// setRemoteDescription applies the description and flushes the candidate
// queue in arrival order.
func (l *PeerLink) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description for %s: %w", l.peerID, err)
	}
	l.remoteSet = true

	for _, candidate := range l.pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("failed to apply queued candidate for %s: %w", l.peerID, err)
		}
	}
	l.pending = nil
	return nil
}

// addCandidate applies the candidate immediately when a remote description
// is set, and queues it otherwise.
func (l *PeerLink) addCandidate(candidate webrtc.ICECandidateInit) error {
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		return nil
	}
	if err := l.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to apply candidate for %s: %w", l.peerID, err)
	}
	return nil
}

func (l *PeerLink) close() {
	l.channelMu.Lock()
	dc := l.channel
	l.channel = nil
	l.channelMu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if l.pc != nil {
		l.pc.Close()
	}
	l.open = false
	l.remoteSet = false
	l.pending = nil
}
