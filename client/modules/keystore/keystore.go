// Package keystore keeps the device's long-term signing keys and the
// wallets produced by completed key generations.
package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	secretsKey = "secrets"
	walletsKey = "wallets"
)

type KeyStore interface {
	PutKeys(deviceID string, keyPair *KeyPair) error
	LoadKeys(deviceID, password string) (*KeyPair, error)

	AddWallet(wallet *Wallet) error
	GetWallets() ([]*Wallet, error)
	GetWallet(walletID string) (*Wallet, error)

	// IsLocked reports whether the store currently refuses writes of key
	// material. Callers check it before AddWallet; a locked store also
	// rejects the write itself.
	IsLocked() bool

	Close() error
}

// KeyPair is the device's long-term ed25519 identity used to sign relay
// envelopes.
type KeyPair struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

func NewKeyPair() *KeyPair {
	pub, priv, _ := ed25519.GenerateKey(nil)
	return &KeyPair{
		Pub:  pub,
		Priv: priv,
	}
}

func (p *KeyPair) GetAddr() string {
	return hex.EncodeToString(p.Pub)
}

// Wallet is the durable outcome of one key generation: the secret share
// stays on this device, the group public key is shared by all
// participants.
type Wallet struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Participants   []string  `json:"participants"`
	Threshold      int       `json:"threshold"`
	Index          int       `json:"index"`
	GroupPublicKey []byte    `json:"group_public_key"`
	KeyShare       []byte    `json:"key_share"`
	CreatedAt      time.Time `json:"created_at"`
}

// LevelDBKeyStore keeps hot key material unencrypted. The password
// argument of LoadKeys is reserved for the planned encrypted format.
type LevelDBKeyStore struct {
	sync.Mutex
	keystoreDb *leveldb.DB
	locked     bool
}

func NewLevelDBKeyStore(deviceID, keystorePath string) (KeyStore, error) {
	db, err := leveldb.OpenFile(keystorePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	keystore := &LevelDBKeyStore{
		keystoreDb: db,
	}

	if _, err := db.Get([]byte(secretsKey), nil); err != nil {
		if err := keystore.initJsonKey(secretsKey, map[string]*KeyPair{
			deviceID: NewKeyPair(),
		}); err != nil {
			return nil, fmt.Errorf("failed to init %s storage: %w", secretsKey, err)
		}
	}

	if _, err := db.Get([]byte(walletsKey), nil); err != nil {
		if err := keystore.initJsonKey(walletsKey, map[string]*Wallet{}); err != nil {
			return nil, fmt.Errorf("failed to init %s storage: %w", walletsKey, err)
		}
	}

	return keystore, nil
}

func (s *LevelDBKeyStore) initJsonKey(key string, data interface{}) error {
	bz, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal storage structure: %w", err)
	}
	if err := s.keystoreDb.Put([]byte(key), bz, nil); err != nil {
		return fmt.Errorf("failed to init keystore: %w", err)
	}
	return nil
}

func (s *LevelDBKeyStore) PutKeys(deviceID string, keyPair *KeyPair) error {
	s.Lock()
	defer s.Unlock()

	keyPairs, err := s.loadKeyPairs()
	if err != nil {
		return err
	}
	keyPairs[deviceID] = keyPair

	bz, err := json.Marshal(keyPairs)
	if err != nil {
		return fmt.Errorf("failed to marshal key pairs: %w", err)
	}
	if err := s.keystoreDb.Put([]byte(secretsKey), bz, nil); err != nil {
		return fmt.Errorf("failed to save key pairs: %w", err)
	}
	return nil
}

func (s *LevelDBKeyStore) LoadKeys(deviceID, password string) (*KeyPair, error) {
	s.Lock()
	defer s.Unlock()

	keyPairs, err := s.loadKeyPairs()
	if err != nil {
		return nil, err
	}

	keyPair, ok := keyPairs[deviceID]
	if !ok {
		return nil, fmt.Errorf("no key pair found for device %s", deviceID)
	}
	return keyPair, nil
}

func (s *LevelDBKeyStore) loadKeyPairs() (map[string]*KeyPair, error) {
	bz, err := s.keystoreDb.Get([]byte(secretsKey), nil)
	if err == leveldb.ErrNotFound {
		return map[string]*KeyPair{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var keyPairs map[string]*KeyPair
	if err := json.Unmarshal(bz, &keyPairs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key pairs: %w", err)
	}
	if keyPairs == nil {
		keyPairs = map[string]*KeyPair{}
	}
	return keyPairs, nil
}

// SetLocked toggles the write gate on key material.
func (s *LevelDBKeyStore) SetLocked(locked bool) {
	s.Lock()
	defer s.Unlock()
	s.locked = locked
}

func (s *LevelDBKeyStore) IsLocked() bool {
	s.Lock()
	defer s.Unlock()
	return s.locked
}

func (s *LevelDBKeyStore) AddWallet(wallet *Wallet) error {
	s.Lock()
	defer s.Unlock()

	if s.locked {
		return fmt.Errorf("key store is locked")
	}

	wallets, err := s.loadWallets()
	if err != nil {
		return err
	}
	if _, exists := wallets[wallet.ID]; exists {
		return fmt.Errorf("wallet %s already exists", wallet.ID)
	}
	wallets[wallet.ID] = wallet

	bz, err := json.Marshal(wallets)
	if err != nil {
		return fmt.Errorf("failed to marshal wallets: %w", err)
	}
	if err := s.keystoreDb.Put([]byte(walletsKey), bz, nil); err != nil {
		return fmt.Errorf("failed to save wallets: %w", err)
	}
	return nil
}

func (s *LevelDBKeyStore) GetWallets() ([]*Wallet, error) {
	s.Lock()
	defer s.Unlock()

	wallets, err := s.loadWallets()
	if err != nil {
		return nil, err
	}

	out := make([]*Wallet, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *LevelDBKeyStore) GetWallet(walletID string) (*Wallet, error) {
	s.Lock()
	defer s.Unlock()

	wallets, err := s.loadWallets()
	if err != nil {
		return nil, err
	}
	wallet, ok := wallets[walletID]
	if !ok {
		return nil, fmt.Errorf("no wallet found with id %s", walletID)
	}
	return wallet, nil
}

func (s *LevelDBKeyStore) loadWallets() (map[string]*Wallet, error) {
	bz, err := s.keystoreDb.Get([]byte(walletsKey), nil)
	if err == leveldb.ErrNotFound {
		return map[string]*Wallet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read wallets: %w", err)
	}

	var wallets map[string]*Wallet
	if err := json.Unmarshal(bz, &wallets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallets: %w", err)
	}
	if wallets == nil {
		wallets = map[string]*Wallet{}
	}
	return wallets, nil
}

func (s *LevelDBKeyStore) Close() error {
	return s.keystoreDb.Close()
}
