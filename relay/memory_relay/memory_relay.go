// Package memory_relay is an in-process relay for tests and single-binary
// demos. It mirrors the websocket relay's semantics: addressed, at-most-once
// delivery, no history.
package memory_relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/frostmesh/frostmesh/relay"
)

const inboundBuffer = 64

// Hub routes payloads between in-process transports.
type Hub struct {
	mu      sync.Mutex
	devices map[string]*Transport
}

func NewHub() *Hub {
	return &Hub{
		devices: make(map[string]*Transport),
	}
}

// Connect registers deviceID on the hub and returns its transport.
func (h *Hub) Connect(deviceID string) *Transport {
	t := &Transport{
		hub:      h,
		deviceID: deviceID,
		inbound:  make(chan relay.Inbound, inboundBuffer),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	h.devices[deviceID] = t
	h.mu.Unlock()

	return t
}

func (h *Hub) deliver(from, to string, data []byte) error {
	h.mu.Lock()
	target, ok := h.devices[to]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown device %q", to)
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	select {
	case target.inbound <- relay.Inbound{From: from, Data: payload}:
		return nil
	case <-target.closed:
		return fmt.Errorf("device %q is closed", to)
	}
}

func (h *Hub) drop(deviceID string, t *Transport) {
	h.mu.Lock()
	if current, ok := h.devices[deviceID]; ok && current == t {
		delete(h.devices, deviceID)
	}
	h.mu.Unlock()
}

// Transport implements relay.Transport against a Hub.
type Transport struct {
	hub      *Hub
	deviceID string
	inbound  chan relay.Inbound

	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ relay.Transport    = (*Transport)(nil)
	_ relay.DeviceLister = (*Transport)(nil)
)

func (t *Transport) Send(ctx context.Context, peerID string, data []byte) error {
	select {
	case <-t.closed:
		return fmt.Errorf("relay transport is closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return t.hub.deliver(t.deviceID, peerID, data)
}

func (t *Transport) Inbound() <-chan relay.Inbound {
	return t.inbound
}

func (t *Transport) ListDevices(ctx context.Context) ([]string, error) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	devices := make([]string, 0, len(t.hub.devices))
	for id := range t.hub.devices {
		devices = append(devices, id)
	}
	return devices, nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.hub.drop(t.deviceID, t)
		close(t.inbound)
	})
	return nil
}
