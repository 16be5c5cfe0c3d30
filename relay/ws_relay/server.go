package ws_relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/frostmesh/frostmesh/relay"
)

const writeTimeout = 10 * time.Second

// Server is a rendezvous relay: devices register under an id and the
// server forwards opaque payloads between them. It keeps no message
// history; a payload for an unknown device is answered with an error
// envelope and dropped.
type Server struct {
	mu      sync.Mutex
	devices map[string]*serverConn
}

type serverConn struct {
	deviceID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func NewServer() *Server {
	return &Server{
		devices: make(map[string]*serverConn),
	}
}

// ServeHTTP upgrades the request to a websocket and runs the per-device
// session until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sc := &serverConn{conn: conn}
	defer s.drop(sc)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sc.send(ctx, relay.Envelope{Type: relay.TypeError, Message: "malformed envelope"})
			continue
		}

		switch env.Type {
		case relay.TypeRegister:
			s.register(sc, env.DeviceID, ctx)
		case relay.TypeListDevices:
			sc.send(ctx, relay.Envelope{Type: relay.TypeDevices, Devices: s.listDevices()})
		case relay.TypeRelay:
			s.forward(ctx, sc, env)
		default:
			sc.send(ctx, relay.Envelope{Type: relay.TypeError, Message: fmt.Sprintf("unknown message type %q", env.Type)})
		}
	}
}

func (s *Server) register(sc *serverConn, deviceID string, ctx context.Context) {
	if deviceID == "" {
		sc.send(ctx, relay.Envelope{Type: relay.TypeError, Message: "register requires a device_id"})
		return
	}

	s.mu.Lock()
	// A re-register under the same id displaces the previous connection;
	// the stale one is closed so its read loop terminates.
	if prev, ok := s.devices[deviceID]; ok && prev != sc {
		prev.conn.Close(websocket.StatusPolicyViolation, "device re-registered")
	}
	sc.deviceID = deviceID
	s.devices[deviceID] = sc
	s.mu.Unlock()
}

func (s *Server) drop(sc *serverConn) {
	s.mu.Lock()
	if sc.deviceID != "" {
		if current, ok := s.devices[sc.deviceID]; ok && current == sc {
			delete(s.devices, sc.deviceID)
		}
	}
	s.mu.Unlock()
	sc.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) listDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]string, 0, len(s.devices))
	for id := range s.devices {
		devices = append(devices, id)
	}
	sort.Strings(devices)
	return devices
}

func (s *Server) forward(ctx context.Context, from *serverConn, env relay.Envelope) {
	if from.deviceID == "" {
		from.send(ctx, relay.Envelope{Type: relay.TypeError, Message: "relay before register"})
		return
	}

	s.mu.Lock()
	target, ok := s.devices[env.To]
	s.mu.Unlock()

	if !ok {
		from.send(ctx, relay.Envelope{Type: relay.TypeError, Message: fmt.Sprintf("unknown device %q", env.To)})
		return
	}

	target.send(ctx, relay.Envelope{
		Type: relay.TypeRelay,
		From: from.deviceID,
		Data: env.Data,
	})
}

func (sc *serverConn) send(ctx context.Context, env relay.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	// Write errors surface to the receiver's read loop; the relay offers
	// at-most-once delivery and does not retry.
	_ = sc.conn.Write(ctx, websocket.MessageText, data)
}
