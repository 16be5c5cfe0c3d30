// Package state persists the node's coordination snapshot between
// restarts: the current session definition, the pinned peer public keys
// and the last recorded key generation state.
package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/frostmesh/frostmesh/session"
)

const (
	sessionKey    = "current_session"
	pinnedKeysKey = "pinned_keys"
	dkgStateKey   = "dkg_state"
)

type State interface {
	SaveSession(info *session.Info) error
	LoadSession() (*session.Info, bool, error)
	DeleteSession() error

	SavePinnedKey(deviceID string, pubKey []byte) error
	LoadPinnedKeys() (map[string][]byte, error)

	SaveDkgState(state string) error
	LoadDkgState() (string, error)

	Close() error
}

type LevelDBState struct {
	sync.Mutex
	stateDb *leveldb.DB
}

func NewLevelDBState(stateDbPath string) (State, error) {
	db, err := leveldb.OpenFile(stateDbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open stateDB: %w", err)
	}

	state := &LevelDBState{
		stateDb: db,
	}

	if _, err := db.Get([]byte(pinnedKeysKey), nil); err != nil {
		if err := state.initJsonKey(pinnedKeysKey, map[string][]byte{}); err != nil {
			return nil, fmt.Errorf("failed to init %s storage: %w", pinnedKeysKey, err)
		}
	}

	if _, err := db.Get([]byte(dkgStateKey), nil); err != nil {
		if err := db.Put([]byte(dkgStateKey), []byte{}, nil); err != nil {
			return nil, fmt.Errorf("failed to init %s storage: %w", dkgStateKey, err)
		}
	}

	return state, nil
}

func (s *LevelDBState) initJsonKey(key string, data interface{}) error {
	bz, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal storage structure: %w", err)
	}
	if err := s.stateDb.Put([]byte(key), bz, nil); err != nil {
		return fmt.Errorf("failed to init state: %w", err)
	}
	return nil
}

func (s *LevelDBState) SaveSession(info *session.Info) error {
	s.Lock()
	defer s.Unlock()

	bz, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.stateDb.Put([]byte(sessionKey), bz, nil); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *LevelDBState) LoadSession() (*session.Info, bool, error) {
	s.Lock()
	defer s.Unlock()

	bz, err := s.stateDb.Get([]byte(sessionKey), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session: %w", err)
	}

	var info session.Info
	if err := json.Unmarshal(bz, &info); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &info, true, nil
}

func (s *LevelDBState) DeleteSession() error {
	s.Lock()
	defer s.Unlock()

	if err := s.stateDb.Delete([]byte(sessionKey), nil); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *LevelDBState) SavePinnedKey(deviceID string, pubKey []byte) error {
	s.Lock()
	defer s.Unlock()

	keys, err := s.loadPinnedKeys()
	if err != nil {
		return err
	}
	keys[deviceID] = pubKey

	bz, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal pinned keys: %w", err)
	}
	if err := s.stateDb.Put([]byte(pinnedKeysKey), bz, nil); err != nil {
		return fmt.Errorf("failed to save pinned keys: %w", err)
	}
	return nil
}

func (s *LevelDBState) LoadPinnedKeys() (map[string][]byte, error) {
	s.Lock()
	defer s.Unlock()

	return s.loadPinnedKeys()
}

func (s *LevelDBState) loadPinnedKeys() (map[string][]byte, error) {
	bz, err := s.stateDb.Get([]byte(pinnedKeysKey), nil)
	if err == leveldb.ErrNotFound {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pinned keys: %w", err)
	}

	var keys map[string][]byte
	if err := json.Unmarshal(bz, &keys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pinned keys: %w", err)
	}
	if keys == nil {
		keys = map[string][]byte{}
	}
	return keys, nil
}

func (s *LevelDBState) SaveDkgState(state string) error {
	s.Lock()
	defer s.Unlock()

	if err := s.stateDb.Put([]byte(dkgStateKey), []byte(state), nil); err != nil {
		return fmt.Errorf("failed to save dkg state: %w", err)
	}
	return nil
}

func (s *LevelDBState) LoadDkgState() (string, error) {
	s.Lock()
	defer s.Unlock()

	bz, err := s.stateDb.Get([]byte(dkgStateKey), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read dkg state: %w", err)
	}
	return string(bz), nil
}

func (s *LevelDBState) Close() error {
	return s.stateDb.Close()
}
