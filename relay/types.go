// Package relay abstracts the rendezvous message relay used by frostmesh
// nodes to exchange signaling before any pairwise channel exists. The relay
// is addressable and at-most-once: a send either reaches the relay or
// fails, and there is no ordering guarantee across peers.
package relay

import (
	"context"
)

// Wire message types between a client and the relay service.
const (
	TypeRegister    = "register"
	TypeListDevices = "list_devices"
	TypeRelay       = "relay"
	TypeDevices     = "devices"
	TypeError       = "error"
)

// Envelope is the wire format of the relay protocol. Fields are populated
// according to Type. Data is opaque to the relay and travels base64
// encoded, so payloads need not be JSON themselves.
type Envelope struct {
	Type     string   `json:"type"`
	DeviceID string   `json:"device_id,omitempty"`
	To       string   `json:"to,omitempty"`
	From     string   `json:"from,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	Devices  []string `json:"devices,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Inbound is a payload delivered to this device through the relay.
type Inbound struct {
	From string
	Data []byte
}

// Transport is a connection to a relay. Implementations must keep Send
// safe for concurrent use; Inbound delivery order is only guaranteed
// per sending peer, if at all.
type Transport interface {
	// Send relays an opaque payload to the named peer. A failed send to
	// one peer never affects sends to other peers.
	Send(ctx context.Context, peerID string, data []byte) error

	// Inbound returns the stream of payloads addressed to this device.
	// The channel is closed when the transport shuts down.
	Inbound() <-chan Inbound

	Close() error
}

// DeviceLister is implemented by transports that can enumerate the devices
// currently known to the relay.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]string, error)
}
