// Package trust implements the L1 peer trust store: trust-on-first-use
// identity tracking with change detection. Canonical comparison is always
// on raw decoded key bytes, never on base64 strings, so two different
// base64 encodings of the same bytes always compare equal.
package trust

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardentsec/cryptocore/internal/keystore"
)

var ErrNotInitialized = errors.New("trust: not initialized")

// Level mirrors the teacher's closed-tag-union convention for small,
// fixed enumerations.
type Level string

const (
	LevelTOFU     Level = "tofu"
	LevelVerified Level = "verified"
	LevelRevoked  Level = "revoked"
)

// Record is the persisted state for one peer identity.
type Record struct {
	PeerID       string    `json:"peerId"`
	Key          []byte    `json:"key"`
	Level        Level     `json:"level"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastVerified time.Time `json:"lastVerified"`
}

// StoreResult is returned by StoreIdentity.
type StoreResult struct {
	IsNew       bool
	HasChanged  bool
	PreviousKey []byte
}

// Status is returned by CheckIdentityStatus.
type Status struct {
	HasStored    bool
	Matches      bool
	IsVerified   bool
	FirstSeen    time.Time
	LastVerified time.Time
	PreviousKey  []byte
}

// Store is the peer trust store, persisted through the L0 keystore with
// one keystore key per peer ("peer_identity:<userId>").
type Store struct {
	mu    sync.Mutex
	store *keystore.KeyStore
}

func New(store *keystore.KeyStore) *Store {
	return &Store{store: store}
}

func keyFor(peerID string) string {
	return fmt.Sprintf("peer_identity:%s", peerID)
}

func (s *Store) load(peerID string) (*Record, error) {
	raw, err := s.store.Get(keyFor(peerID))
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("trust: corrupted record for %s: %w", peerID, err)
	}
	return &rec, nil
}

func (s *Store) save(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.Set(keyFor(rec.PeerID), data)
}

// StoreIdentity records peerID's identity key, never silently carrying
// trust across a key change.
func (s *Store) StoreIdentity(peerID string, key []byte) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(peerID)
	if err != nil {
		return StoreResult{}, err
	}

	now := time.Now().UTC()
	if existing == nil {
		rec := &Record{
			PeerID:    peerID,
			Key:       append([]byte(nil), key...),
			Level:     LevelTOFU,
			FirstSeen: now,
		}
		if err := s.save(rec); err != nil {
			return StoreResult{}, err
		}
		return StoreResult{IsNew: true}, nil
	}

	if bytes.Equal(existing.Key, key) {
		return StoreResult{IsNew: false, HasChanged: false}, nil
	}

	previous := append([]byte(nil), existing.Key...)
	rec := &Record{
		PeerID:    peerID,
		Key:       append([]byte(nil), key...),
		Level:     LevelTOFU,
		FirstSeen: existing.FirstSeen,
	}
	if err := s.save(rec); err != nil {
		return StoreResult{}, err
	}
	return StoreResult{IsNew: false, HasChanged: true, PreviousKey: previous}, nil
}

// GetStoredIdentity returns the current record for peerID, if any.
func (s *Store) GetStoredIdentity(peerID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(peerID)
}

// CheckIdentityStatus compares key against the stored record without
// mutating it.
func (s *Store) CheckIdentityStatus(peerID string, key []byte) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(peerID)
	if err != nil {
		return Status{}, err
	}
	if existing == nil {
		return Status{HasStored: false}, nil
	}
	matches := bytes.Equal(existing.Key, key)
	status := Status{
		HasStored:    true,
		Matches:      matches,
		IsVerified:   existing.Level == LevelVerified,
		FirstSeen:    existing.FirstSeen,
		LastVerified: existing.LastVerified,
	}
	if !matches {
		status.PreviousKey = append([]byte(nil), existing.Key...)
	}
	return status, nil
}

// MarkVerified promotes peerID's trust level to verified. Idempotent.
func (s *Store) MarkVerified(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(peerID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("trust: no stored identity for %s", peerID)
	}
	existing.Level = LevelVerified
	existing.LastVerified = time.Now().UTC()
	return s.save(existing)
}

// RevokeTrust demotes peerID to revoked, without deleting the record.
func (s *Store) RevokeTrust(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(peerID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("trust: no stored identity for %s", peerID)
	}
	existing.Level = LevelRevoked
	existing.LastVerified = time.Time{}
	return s.save(existing)
}

// DeleteIdentity removes peerID's trust record entirely.
func (s *Store) DeleteIdentity(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(keyFor(peerID))
}
