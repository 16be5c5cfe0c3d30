// Package ws_relay implements the relay protocol over websockets: a
// standalone rendezvous server and the client used by nodes.
package ws_relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/frostmesh/frostmesh/relay"
)

const (
	wsReadLimit       = 1 << 20 // 1 MB, SDP payloads are small
	listDevicesWindow = 10 * time.Second
	inboundBuffer     = 64
)

// Client is a websocket connection to a relay server, registered under a
// device id. It implements relay.Transport and relay.DeviceLister.
type Client struct {
	deviceID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	inbound chan relay.Inbound

	// devicesCh receives list_devices answers from the read loop.
	devicesMu sync.Mutex
	devicesCh chan []string

	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ relay.Transport    = (*Client)(nil)
	_ relay.DeviceLister = (*Client)(nil)
)

// Dial connects to the relay at url and registers deviceID. The returned
// client owns the connection; callers drain Inbound until it is closed.
func Dial(ctx context.Context, url, deviceID string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay at %s: %w", url, err)
	}
	conn.SetReadLimit(wsReadLimit)

	c := &Client{
		deviceID: deviceID,
		conn:     conn,
		inbound:  make(chan relay.Inbound, inboundBuffer),
		closed:   make(chan struct{}),
	}

	if err := c.write(ctx, relay.Envelope{Type: relay.TypeRegister, DeviceID: deviceID}); err != nil {
		conn.Close(websocket.StatusInternalError, "register failed")
		return nil, fmt.Errorf("failed to register device %s: %w", deviceID, err)
	}

	go c.readLoop()

	return c, nil
}

func (c *Client) write(ctx context.Context, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

// Send relays data to peerID.
func (c *Client) Send(ctx context.Context, peerID string, data []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("relay client is closed")
	default:
	}
	return c.write(ctx, relay.Envelope{Type: relay.TypeRelay, To: peerID, Data: data})
}

// ListDevices asks the relay for the currently registered device ids.
func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listDevicesWindow)
	defer cancel()

	ch := make(chan []string, 1)
	c.devicesMu.Lock()
	c.devicesCh = ch
	c.devicesMu.Unlock()
	defer func() {
		c.devicesMu.Lock()
		c.devicesCh = nil
		c.devicesMu.Unlock()
	}()

	if err := c.write(ctx, relay.Envelope{Type: relay.TypeListDevices}); err != nil {
		return nil, err
	}

	select {
	case devices := <-ch:
		return devices, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to list devices: %w", ctx.Err())
	case <-c.closed:
		return nil, fmt.Errorf("relay client is closed")
	}
}

func (c *Client) Inbound() <-chan relay.Inbound {
	return c.inbound
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close(websocket.StatusNormalClosure, "client shutdown")
	})
	return nil
}

func (c *Client) readLoop() {
	defer close(c.inbound)
	ctx := context.Background()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.Close()
			}
			return
		}

		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames from the relay are dropped; the protocol
			// has no way to report them back.
			continue
		}

		switch env.Type {
		case relay.TypeRelay:
			select {
			case c.inbound <- relay.Inbound{From: env.From, Data: env.Data}:
			case <-c.closed:
				return
			}
		case relay.TypeDevices:
			c.devicesMu.Lock()
			ch := c.devicesCh
			c.devicesMu.Unlock()
			if ch != nil {
				select {
				case ch <- env.Devices:
				default:
				}
			}
		case relay.TypeError:
			// Relay-side errors (e.g. unknown recipient) are informational
			// for the sender; there is nothing to retry here.
		}
	}
}
