// Package node implements the coordination core of a frostmesh device: a
// single event loop that owns the session coordinator, the channel mesh,
// and the key generation machine. Relay frames, mesh events, timer
// expirations and API calls all enter the loop as serialized steps, so no
// coordination state is ever touched concurrently.
package node

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/frostmesh/frostmesh/client/api/dto"
	"github.com/frostmesh/frostmesh/client/config"
	"github.com/frostmesh/frostmesh/client/modules/keystore"
	"github.com/frostmesh/frostmesh/client/modules/logger"
	"github.com/frostmesh/frostmesh/client/modules/state"
	"github.com/frostmesh/frostmesh/dkg"
	"github.com/frostmesh/frostmesh/fsm/dkg_fsm"
	"github.com/frostmesh/frostmesh/fsm/fsm"
	"github.com/frostmesh/frostmesh/mesh"
	"github.com/frostmesh/frostmesh/relay"
	"github.com/frostmesh/frostmesh/session"
	"github.com/frostmesh/frostmesh/signaling"
)

const (
	cmdQueueSize          = 64
	meshEventQueueSize    = 128
	notificationQueueSize = 64

	maxBufferedSignals = 256

	defaultAcceptanceTimeout = 60 * time.Second
	defaultRoundTimeout      = 120 * time.Second
	defaultSendTimeout       = 10 * time.Second
)

type NodeService interface {
	Run(ctx context.Context) error
	GetLogger() logger.Logger
	GetPubKey() ed25519.PublicKey
	GetDeviceID() string

	ProposeSession(dto *dto.ProposeSessionDTO) (*session.Info, error)
	AcceptSession(dto *dto.SessionIdDTO) (*session.Info, error)
	DeclineSession(dto *dto.SessionIdDTO) error
	ResetSession() error
	SendMessage(dto *dto.SendMessageDTO) error

	GetSessionInfo() (*SessionSnapshot, error)
	GetInvites() ([]*session.Info, error)
	GetMeshStatus() (mesh.Status, error)
	GetDkgState() (string, error)
	GetWallets() ([]*keystore.Wallet, error)
	GetDevices() ([]string, error)

	Notifications() <-chan Notification
}

// SessionSnapshot is a consistent view of the whole coordination state,
// taken in one loop step.
type SessionSnapshot struct {
	Session    *session.Info `json:"session,omitempty"`
	State      string        `json:"state"`
	MeshStatus mesh.Status   `json:"mesh_status"`
	DkgState   string        `json:"dkg_state"`
}

type bufferedSignal struct {
	from   string
	signal signaling.WebRTCSignal
}

type BaseNodeService struct {
	ctx      context.Context
	deviceID string
	conf     *config.Config
	keyPair  *keystore.KeyPair

	transport relay.Transport
	state     state.State
	keyStore  keystore.KeyStore
	Logger    logger.Logger

	cmds          chan func()
	meshEvents    chan mesh.Event
	notifications chan Notification

	sessions       *session.Coordinator
	meshCoord      *mesh.Coordinator
	lastMeshStatus mesh.Status
	dkgMachine     *fsm.FSM
	engine         *dkg.Engine

	pendingSignals map[string][]bufferedSignal
	pendingRound1  map[string][]byte
	pendingRound2  map[string][]byte
	pinned         map[string][]byte

	acceptanceTimer *time.Timer
	roundTimer      *time.Timer
}

func NewNode(ctx context.Context, conf *config.Config, transport relay.Transport,
	stateDb state.State, keyStore keystore.KeyStore, log logger.Logger) (NodeService, error) {
	keyPair, err := keyStore.LoadKeys(conf.DeviceID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to LoadKeys: %w", err)
	}

	pinned, err := stateDb.LoadPinnedKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to load pinned keys: %w", err)
	}

	s := &BaseNodeService{
		ctx:            ctx,
		deviceID:       conf.DeviceID,
		conf:           conf,
		keyPair:        keyPair,
		transport:      transport,
		state:          stateDb,
		keyStore:       keyStore,
		Logger:         log,
		cmds:           make(chan func(), cmdQueueSize),
		meshEvents:     make(chan mesh.Event, meshEventQueueSize),
		notifications:  make(chan Notification, notificationQueueSize),
		dkgMachine:     dkg_fsm.New(),
		lastMeshStatus: mesh.Status{State: mesh.StateIncomplete},
		pendingSignals: make(map[string][]bufferedSignal),
		pendingRound1:  make(map[string][]byte),
		pendingRound2:  make(map[string][]byte),
		pinned:         pinned,
	}
	s.sessions = session.NewCoordinator(conf.DeviceID, s.sendSignaling, log)

	return s, nil
}

func (s *BaseNodeService) GetLogger() logger.Logger {
	return s.Logger
}

func (s *BaseNodeService) GetPubKey() ed25519.PublicKey {
	return s.keyPair.Pub
}

func (s *BaseNodeService) GetDeviceID() string {
	return s.deviceID
}

func (s *BaseNodeService) Notifications() <-chan Notification {
	return s.notifications
}

// Run executes the node event loop until the context is canceled or the
// relay connection is lost. Every branch runs to completion before the
// next one is selected, which is what keeps the coordination state single
// threaded.
func (s *BaseNodeService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case fn := <-s.cmds:
			fn()
		case inbound, ok := <-s.transport.Inbound():
			if !ok {
				s.shutdown()
				return fmt.Errorf("relay connection closed")
			}
			s.handleInbound(inbound)
		case ev := <-s.meshEvents:
			s.handleMeshEvent(ev)
		}
		s.afterStep()
	}
}

func (s *BaseNodeService) shutdown() {
	s.stopAcceptanceTimer()
	s.stopRoundTimer()
	if s.meshCoord != nil {
		s.meshCoord.Close()
		s.meshCoord = nil
	}
}

// call runs fn inside the event loop and waits for it to finish.
func (s *BaseNodeService) call(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.cmds <- wrapped:
	case <-s.ctx.Done():
		return fmt.Errorf("node is shutting down")
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("node is shutting down")
	}
}

// post schedules fn on the event loop without waiting. Used by timer
// callbacks, which must never block a timer goroutine on a full queue.
func (s *BaseNodeService) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.ctx.Done():
	}
}

func (s *BaseNodeService) ProposeSession(req *dto.ProposeSessionDTO) (*session.Info, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	var (
		info *session.Info
		err  error
	)
	callErr := s.call(func() {
		info, err = s.sessions.Propose(sessionID, req.Threshold, req.Participants)
		if err != nil {
			return
		}
		s.persistSession()
		s.startAcceptanceTimer(sessionID)
	})
	if callErr != nil {
		return nil, callErr
	}
	if err != nil {
		return nil, err
	}
	return info.Clone(), nil
}

func (s *BaseNodeService) AcceptSession(req *dto.SessionIdDTO) (*session.Info, error) {
	var (
		info *session.Info
		err  error
	)
	callErr := s.call(func() {
		info, err = s.sessions.Accept(req.SessionID)
		if err != nil {
			return
		}
		s.persistSession()
		if !info.AllAccepted() {
			s.startAcceptanceTimer(req.SessionID)
		}
		if setupErr := s.setupMesh(info); setupErr != nil {
			err = setupErr
			s.teardown(fmt.Sprintf("failed to set up mesh: %v", setupErr))
		}
	})
	if callErr != nil {
		return nil, callErr
	}
	if err != nil {
		return nil, err
	}
	return info.Clone(), nil
}

func (s *BaseNodeService) DeclineSession(req *dto.SessionIdDTO) error {
	var err error
	callErr := s.call(func() {
		err = s.sessions.Decline(req.SessionID)
		if err == nil {
			delete(s.pendingSignals, req.SessionID)
		}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// ResetSession tears down the active session, the mesh and any key
// generation in flight. This is the only way out of a failed DKG.
func (s *BaseNodeService) ResetSession() error {
	return s.call(func() {
		s.teardown("reset by operator")
	})
}

// SendMessage delivers a text message over the open mesh, to one peer or
// to all of them when PeerID is empty.
func (s *BaseNodeService) SendMessage(req *dto.SendMessageDTO) error {
	var err error
	callErr := s.call(func() {
		if s.meshCoord == nil {
			err = fmt.Errorf("no active mesh")
			return
		}
		msg := signaling.SimpleMessage{Text: req.Text}
		if req.PeerID == "" {
			s.meshCoord.Broadcast(msg)
			return
		}
		err = s.meshCoord.SendTo(req.PeerID, msg)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (s *BaseNodeService) GetSessionInfo() (*SessionSnapshot, error) {
	var snapshot *SessionSnapshot
	err := s.call(func() {
		snapshot = &SessionSnapshot{
			Session:    s.sessions.Active().Clone(),
			State:      string(s.sessions.State()),
			MeshStatus: s.currentMeshStatus(),
			DkgState:   string(s.dkgMachine.State()),
		}
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *BaseNodeService) GetInvites() ([]*session.Info, error) {
	var invites []*session.Info
	err := s.call(func() {
		for _, invite := range s.sessions.Invites() {
			invites = append(invites, invite.Clone())
		}
	})
	if err != nil {
		return nil, err
	}
	return invites, nil
}

func (s *BaseNodeService) GetMeshStatus() (mesh.Status, error) {
	var status mesh.Status
	err := s.call(func() {
		status = s.currentMeshStatus()
	})
	return status, err
}

func (s *BaseNodeService) GetDkgState() (string, error) {
	var st string
	err := s.call(func() {
		st = string(s.dkgMachine.State())
	})
	return st, err
}

func (s *BaseNodeService) GetWallets() ([]*keystore.Wallet, error) {
	return s.keyStore.GetWallets()
}

func (s *BaseNodeService) GetDevices() ([]string, error) {
	lister, ok := s.transport.(relay.DeviceLister)
	if !ok {
		return nil, fmt.Errorf("the configured relay cannot enumerate devices")
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.sendTimeout())
	defer cancel()
	return lister.ListDevices(ctx)
}

func (s *BaseNodeService) currentMeshStatus() mesh.Status {
	if s.meshCoord == nil {
		return mesh.Status{State: mesh.StateIncomplete}
	}
	return s.meshCoord.Status()
}

func (s *BaseNodeService) acceptanceTimeout() time.Duration {
	if s.conf.Timeouts != nil && s.conf.Timeouts.Acceptance > 0 {
		return s.conf.Timeouts.Acceptance
	}
	return defaultAcceptanceTimeout
}

func (s *BaseNodeService) roundTimeout() time.Duration {
	if s.conf.Timeouts != nil && s.conf.Timeouts.Round > 0 {
		return s.conf.Timeouts.Round
	}
	return defaultRoundTimeout
}

func (s *BaseNodeService) sendTimeout() time.Duration {
	if s.conf.Relay != nil && s.conf.Relay.Timeout > 0 {
		return s.conf.Relay.Timeout
	}
	return defaultSendTimeout
}

func (s *BaseNodeService) startAcceptanceTimer(sessionID string) {
	s.stopAcceptanceTimer()
	s.acceptanceTimer = time.AfterFunc(s.acceptanceTimeout(), func() {
		s.post(func() {
			s.onAcceptanceTimeout(sessionID)
		})
	})
}

func (s *BaseNodeService) stopAcceptanceTimer() {
	if s.acceptanceTimer != nil {
		s.acceptanceTimer.Stop()
		s.acceptanceTimer = nil
	}
}

func (s *BaseNodeService) startRoundTimer(sessionID string) {
	s.stopRoundTimer()
	s.roundTimer = time.AfterFunc(s.roundTimeout(), func() {
		s.post(func() {
			s.onRoundTimeout(sessionID)
		})
	})
}

func (s *BaseNodeService) stopRoundTimer() {
	if s.roundTimer != nil {
		s.roundTimer.Stop()
		s.roundTimer = nil
	}
}

func (s *BaseNodeService) persistSession() {
	active := s.sessions.Active()
	if active == nil {
		if err := s.state.DeleteSession(); err != nil {
			s.Logger.Log("Failed to delete persisted session: %v", err)
		}
		return
	}
	if err := s.state.SaveSession(active); err != nil {
		s.Logger.Log("Failed to persist session %s: %v", active.SessionID, err)
	}
}

func (s *BaseNodeService) persistDkgState() {
	if err := s.state.SaveDkgState(string(s.dkgMachine.State())); err != nil {
		s.Logger.Log("Failed to persist dkg state: %v", err)
	}
}
