// Package session implements the L2 pairwise session engine: an X3DH-class
// handshake augmented with a post-quantum KEM secret, followed by a
// DH-ratcheting double ratchet for forward secrecy and post-compromise
// security.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardentsec/cryptocore/internal/keystore"
)

var (
	ErrInvalidBundle    = errors.New("session: invalid bundle")
	ErrPreKeyExhausted  = errors.New("session: pre-key exhausted")
	ErrSessionUnknown   = errors.New("session: unknown session")
	ErrMACFailure       = errors.New("session: mac failure")
	ErrIdentityMismatch = errors.New("session: peer identity mismatch")
	ErrDuplicateMessage = errors.New("session: duplicate message")
	ErrCorruption       = errors.New("session: corrupted record")
)

const (
	storeKeySessions  = "sessions"
	maxSeenMessageIDs = 1024
	maxSkipKeysTotal  = 2048
	maxSkipChainGap   = 2000
)

// Key addresses a session by (peer user id, peer device id).
type Key struct {
	PeerUserID   string
	PeerDeviceID uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.PeerUserID, k.PeerDeviceID)
}

// IdentityChangeNotifier is the trust-store hook the session engine calls
// on every freshly established session. hasChanged reports whether the
// peer's identity key differs from one already on file for this peer —
// the session engine treats that as a signal to refuse the session rather
// than silently carry trust across a key change.
type IdentityChangeNotifier interface {
	NotifyPeerIdentity(peerUserID string, identityKey []byte) (hasChanged bool, err error)
}

// Engine owns every pairwise session, persisted as one aggregate blob under
// the keystore key "sessions", matching the teacher's load-all/mutate/
// write-all FileSessionStore idiom.
type Engine struct {
	mu       sync.Mutex
	store    *keystore.KeyStore
	sessions map[string]*State
	notifier IdentityChangeNotifier

	// pendingInitial holds in-flight X3DH handshake metadata between
	// EstablishSession and the first EncryptDM call for a session; it is
	// never persisted, since a restart before the first send simply means
	// the caller establishes again.
	pendingInitial map[string]*pendingHandshake
}

func New(store *keystore.KeyStore, notifier IdentityChangeNotifier) *Engine {
	return &Engine{
		store:          store,
		sessions:       make(map[string]*State),
		notifier:       notifier,
		pendingInitial: make(map[string]*pendingHandshake),
	}
}

// Load reads the aggregate session blob from the keystore. Safe to call
// once at façade startup; a missing blob is not an error (no sessions yet).
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, err := e.store.Get(storeKeySessions)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			e.sessions = make(map[string]*State)
			return nil
		}
		return err
	}
	var sessions map[string]*State
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	e.sessions = sessions
	return nil
}

func (e *Engine) persistLocked() error {
	data, err := json.Marshal(e.sessions)
	if err != nil {
		return err
	}
	return e.store.Set(storeKeySessions, data)
}

func (e *Engine) get(key Key) (*State, bool) {
	s, ok := e.sessions[key.String()]
	return s, ok
}

// HasSession reports whether a session exists for key. At most one session
// is ever kept per (peer id, device id).
func (e *Engine) HasSession(key Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.get(key)
	return ok
}

// DeleteSession removes a session entirely, e.g. on IdentityMismatch or
// explicit reset.
func (e *Engine) DeleteSession(key Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, key.String())
	delete(e.pendingInitial, key.String())
	return e.persistLocked()
}

// State is one session's ratchet state: a DH-rotating double ratchet with a
// bounded skipped-message-key window, generalized from the teacher's
// symmetric-only chain ratchet (internal/crypto/session.go) into a full
// Signal-style construction with forward secrecy and post-compromise
// security.
type State struct {
	SessionID      string `json:"sessionId"`
	PeerUserID     string `json:"peerUserId"`
	PeerDeviceID   uint32 `json:"peerDeviceId"`
	PeerIdentity   []byte `json:"peerIdentity"`
	IsInitiator    bool   `json:"isInitiator"`
	SentFirstMsg   bool   `json:"sentFirstMsg"`
	ReceivedAnyMsg bool   `json:"receivedAnyMsg"`

	RootKey []byte `json:"rootKey"`

	DHSendPriv []byte `json:"dhSendPriv"`
	DHSendPub  []byte `json:"dhSendPub"`
	DHRecvPub  []byte `json:"dhRecvPub"` // initiator: peer's signed pre-key; responder: nil until the first inbound message

	SendChainKey []byte `json:"sendChainKey"` // nil until a DH ratchet step produces one
	RecvChainKey []byte `json:"recvChainKey"`

	SendCount uint64 `json:"sendCount"` // Ns
	RecvCount uint64 `json:"recvCount"` // Nr
	PrevCount uint64 `json:"prevCount"` // PN: length of the previous sending chain

	SkippedKeys    map[string][]byte `json:"skippedKeys"` // "<dhPubB64>:<n>" -> message key
	SeenMessageIDs []string          `json:"seenMessageIds"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func seenContains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func appendSeen(ids []string, id string, max int) []string {
	ids = append(ids, id)
	if len(ids) <= max {
		return ids
	}
	return append([]string(nil), ids[len(ids)-max:]...)
}
