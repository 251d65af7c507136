// Package facade implements the L3 crypto façade: the single object
// everything outside this module talks to. It owns the identity vault,
// trust store, pairwise session engine, group sender-key engine, and
// safety-number engine, enforces init-before-any-operation and
// setLocalUserId-before-group-operation, and serializes mutations with one
// mutex the way the teacher's identity `domain.Manager` guards its whole
// state with a single `sync.RWMutex` rather than one lock per sub-resource.
package facade

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ardentsec/cryptocore/internal/group"
	"github.com/ardentsec/cryptocore/internal/identity"
	"github.com/ardentsec/cryptocore/internal/keystore"
	"github.com/ardentsec/cryptocore/internal/platform/privacylog"
	"github.com/ardentsec/cryptocore/internal/safetynumber"
	"github.com/ardentsec/cryptocore/internal/session"
	"github.com/ardentsec/cryptocore/internal/trust"
)

var (
	ErrNotInitialized     = errors.New("facade: init must be called first")
	ErrNoLocalUserID      = errors.New("facade: setLocalUserId must be called before group operations")
	ErrBackendUnavailable = errors.New("facade: keystore backend unavailable")
)

// Facade is the process-wide boundary between the crypto core and
// everything else. Every exported method takes this lock for its
// duration, so no two mutations ever race on the same persistent record —
// a single mutex is the simplest implementation that satisfies that, the
// same choice the teacher's identity domain manager makes.
type Facade struct {
	mu sync.Mutex

	store  *keystore.KeyStore
	logger *slog.Logger

	vault        *identity.Vault
	trustStore   *trust.Store
	sessions     *session.Engine
	groups       *group.Engine
	safetyNumber *safetynumber.Engine

	initialized bool
	localUserID string
}

// New builds an uninitialized façade over appDataDir. Call Init before any
// other operation. The logger's handler is wrapped so that user/device/
// message identifiers never reach log output in the clear — the same
// never-log-plaintext-or-key-material discipline extended to identifiers
// that could deanonymize a peer from logs alone.
func New(appDataDir string, logger *slog.Logger) (*Facade, error) {
	return NewWithConfig(appDataDir, logger, Config{})
}

// NewWithConfig is New with an explicit policy Config, typically loaded via
// LoadConfig. A zero-value Config behaves identically to New (every
// threshold falls back to group.DefaultPolicy).
func NewWithConfig(appDataDir string, logger *slog.Logger, cfg Config) (*Facade, error) {
	if logger != nil {
		logger = slog.New(privacylog.WrapHandler(logger.Handler()))
	}
	backend := keystore.NewFileBackend(storePath(appDataDir))
	store := keystore.New(backend, keystore.WithLogger(logger))
	f := &Facade{
		store:        store,
		logger:       logger,
		vault:        identity.New(store, logger),
		trustStore:   trust.New(store),
		safetyNumber: safetynumber.New(),
	}
	f.sessions = session.New(store, trustNotifier{f.trustStore})
	f.groups = group.New(store, cfg.groupPolicy())
	return f, nil
}

func storePath(appDataDir string) string {
	return appDataDir + "/cryptocore.store"
}

// trustNotifier adapts *trust.Store to session.IdentityChangeNotifier,
// feeding every freshly established session's peer identity key into TOFU
// tracking and surfacing a key change as hasChanged so the session engine
// can refuse the session instead of silently trusting the new key.
type trustNotifier struct {
	store *trust.Store
}

func (n trustNotifier) NotifyPeerIdentity(peerUserID string, identityKey []byte) (bool, error) {
	result, err := n.store.StoreIdentity(peerUserID, identityKey)
	if err != nil {
		return false, err
	}
	return result.HasChanged, nil
}

// Init loads every persisted sub-engine's state, generating a fresh
// identity if none exists.
func (f *Facade) Init(appDataDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Init(appDataDir); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := f.vault.Initialize(); err != nil {
		return err
	}
	if err := f.sessions.Load(); err != nil {
		return err
	}
	if err := f.groups.Load(); err != nil {
		return err
	}
	f.initialized = true
	return nil
}

// SetLocalUserID records the caller's own stable user id, required before
// any group operation.
func (f *Facade) SetLocalUserID(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return err
	}
	f.localUserID = userID
	return nil
}

func (f *Facade) checkInitialized() error {
	if !f.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (f *Facade) checkLocalUserID() error {
	if f.localUserID == "" {
		return ErrNoLocalUserID
	}
	return nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
