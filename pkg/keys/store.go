package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainsafe/transfer-relay/pkg/config"
)

// ErrUnknownHandle is returned for a key handle that was never loaded
var ErrUnknownHandle = errors.New("unknown key handle")

// Handle is a decrypted signer key scoped to one chain
type Handle struct {
	ID      string
	Chain   string
	Address string
	key     *ecdsa.PrivateKey
}

// PrivateKey returns the handle's signing key
func (h *Handle) PrivateKey() *ecdsa.PrivateKey { return h.key }

// Store holds the decrypted key handles loaded at startup
type Store struct {
	handles map[string]*Handle
}

// NewStore decrypts every configured handle with the master key
func NewStore(cfg config.KeysConfig) (*Store, error) {
	masterKey, err := MasterKeyFromHex(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	s := &Store{handles: make(map[string]*Handle, len(cfg.Handles))}
	for _, hc := range cfg.Handles {
		raw, err := DecryptPrivateKey(hc.EncryptedKey, masterKey, hc.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load key handle %s: %w", hc.ID, err)
		}
		if err := s.Add(hc.ID, hc.Chain, raw); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewMemoryStore creates an empty store (for testing)
func NewMemoryStore() *Store {
	return &Store{handles: make(map[string]*Handle)}
}

// Add registers a raw private key under id for chain
func (s *Store) Add(id, chain string, privateKey []byte) error {
	if _, dup := s.handles[id]; dup {
		return fmt.Errorf("duplicate key handle %q", id)
	}
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return fmt.Errorf("invalid private key for handle %s: %w", id, err)
	}
	s.handles[id] = &Handle{
		ID:      id,
		Chain:   chain,
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		key:     key,
	}
	return nil
}

// Get returns the handle with id
func (s *Store) Get(id string) (*Handle, error) {
	h, ok := s.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	return h, nil
}

// IDs returns the loaded handle ids in sorted order
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
