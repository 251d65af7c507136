// Package keystore implements the L0 encrypted local key-value store: the
// single persistence primitive every higher crypto-core layer funnels
// through. It follows the teacher's persistence idiom — an in-memory map
// guarded by sync.RWMutex, mirrored to a single file on every mutation —
// generalized from per-feature stores (FileSessionStore, MessageStore,
// BlocklistStore) into one shared KV primitive.
package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/99designs/keyring"
)

var (
	ErrNotInitialized = errors.New("keystore: not initialized")
	ErrCorruption     = errors.New("keystore: corruption")
	ErrBackend        = errors.New("keystore: backend failure")
	ErrNotFound       = errors.New("keystore: key not found")
)

const (
	keyringService  = "cryptocore"
	keyringItemKey  = "cryptocore-master-key"
	masterKeySize   = 32
	shredPasses     = 3
	devFallbackName = ".cryptocore-devkey"
)

// Backend persists the sealed key-value map to stable storage. The
// default implementation is a single encrypted-at-rest JSON file, matching
// the teacher's FileSessionStore/BlocklistStore shape; tests use an
// in-memory backend.
type Backend interface {
	Load() (map[string][]byte, error)
	Save(map[string][]byte) error
	Destroy() error
}

// KeyStore is the L0 encrypted KV store.
type KeyStore struct {
	mu             sync.RWMutex
	backend        Backend
	values         map[string][]byte // ciphertext: nonce || aead-sealed(value)
	masterKey      []byte
	logger         *slog.Logger
	initialized    bool
	keyringBackend keyring.Keyring
	devFallback    bool
}

// Option configures a KeyStore at construction time.
type Option func(*KeyStore)

func WithLogger(logger *slog.Logger) Option {
	return func(k *KeyStore) {
		if logger != nil {
			k.logger = logger
		}
	}
}

func New(backend Backend, opts ...Option) *KeyStore {
	k := &KeyStore{
		backend: backend,
		values:  make(map[string][]byte),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Init loads (or creates) the master key from the OS keychain and loads
// any persisted values. If the keychain backend is unavailable, it falls
// back to an unprotected local file and logs a warning — this fallback is
// development-only.
func (k *KeyStore) Init(appDataDir string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              keyringService,
		FileDir:                  filepath.Join(appDataDir, "keyring"),
		FilePasswordFunc:         keyring.FixedStringPrompt(""),
		KeychainTrustApplication: true,
		LibSecretCollectionName:  keyringService,
	})
	if err != nil {
		k.logger.Warn("keystore: OS keychain unavailable, falling back to unprotected local master key (development only)", "err", err)
		key, ferr := loadOrCreateDevFallbackKey(appDataDir)
		if ferr != nil {
			return errors.Join(ErrBackend, ferr)
		}
		k.masterKey = key
		k.devFallback = true
	} else {
		k.keyringBackend = ring
		key, kerr := loadOrCreateKeyringKey(ring)
		if kerr != nil {
			return errors.Join(ErrBackend, kerr)
		}
		k.masterKey = key
	}

	values, err := k.backend.Load()
	if err != nil {
		return errors.Join(ErrBackend, err)
	}
	k.values = values
	k.initialized = true
	return nil
}

func loadOrCreateKeyringKey(ring keyring.Keyring) ([]byte, error) {
	item, err := ring.Get(keyringItemKey)
	if err == nil && len(item.Data) == masterKeySize {
		return append([]byte(nil), item.Data...), nil
	}
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := ring.Set(keyring.Item{Key: keyringItemKey, Data: key}); err != nil {
		return nil, err
	}
	return key, nil
}

func loadOrCreateDevFallbackKey(appDataDir string) ([]byte, error) {
	path := filepath.Join(appDataDir, devFallbackName)
	if data, err := os.ReadFile(path); err == nil && len(data) == masterKeySize {
		return data, nil
	}
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(appDataDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (k *KeyStore) checkInitialized() error {
	if !k.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Set encrypts and persists value under key, sealing it with a fresh
// random nonce every call.
func (k *KeyStore) Set(key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkInitialized(); err != nil {
		return err
	}
	sealed, err := k.seal(value)
	if err != nil {
		return errors.Join(ErrBackend, err)
	}
	k.values[key] = sealed
	return k.persistLocked()
}

// Get decrypts and returns the value stored under key.
func (k *KeyStore) Get(key string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.checkInitialized(); err != nil {
		return nil, err
	}
	sealed, ok := k.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	plain, err := k.open(sealed)
	if err != nil {
		// Corruption of one value never poisons others.
		return nil, ErrCorruption
	}
	return plain, nil
}

// Has reports whether key exists without decrypting it.
func (k *KeyStore) Has(key string) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.checkInitialized(); err != nil {
		return false, err
	}
	_, ok := k.values[key]
	return ok, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (k *KeyStore) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkInitialized(); err != nil {
		return err
	}
	delete(k.values, key)
	return k.persistLocked()
}

// ListKeys returns a snapshot of every key with the given prefix. Snapshot
// semantics only — not required to reflect concurrent mutation.
func (k *KeyStore) ListKeys(prefix string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.checkInitialized(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(k.values))
	for key := range k.values {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Clear removes every value but keeps the master key and backend alive.
func (k *KeyStore) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkInitialized(); err != nil {
		return err
	}
	k.values = make(map[string][]byte)
	return k.persistLocked()
}

// Shred performs the multi-pass destruction sequence. The guaranteed
// outcome is destruction of the master key; the storage overwrite passes
// are defense-in-depth and best-effort on flash media.
func (k *KeyStore) Shred() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkInitialized(); err != nil {
		return err
	}

	for key := range k.values {
		for pass := 0; pass < shredPasses; pass++ {
			junk := make([]byte, 64)
			_, _ = rand.Read(junk)
			sealed, err := k.seal(junk)
			if err == nil {
				k.values[key] = sealed
			}
			_ = k.persistLocked()
		}
		k.values[key] = make([]byte, len(k.values[key]))
		_ = k.persistLocked()
		delete(k.values, key)
	}
	_ = k.persistLocked()

	if err := k.backend.Destroy(); err != nil {
		k.logger.Warn("keystore: backend destroy was not fully successful (best-effort on this medium)", "err", err)
	}

	if k.keyringBackend != nil {
		if err := k.keyringBackend.Remove(keyringItemKey); err != nil {
			k.logger.Warn("keystore: failed to remove master key from OS keychain", "err", err)
		}
	}

	zero(k.masterKey)
	k.masterKey = nil
	k.values = make(map[string][]byte)
	k.initialized = false
	return nil
}

func (k *KeyStore) persistLocked() error {
	if err := k.backend.Save(k.values); err != nil {
		return errors.Join(ErrBackend, err)
	}
	return nil
}

func (k *KeyStore) seal(value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, value, nil), nil
}

func (k *KeyStore) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.masterKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, ErrCorruption
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// FileBackend is the default Backend, matching the teacher's single
// encrypted-JSON-file persistence shape.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Load() (map[string][]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]byte), nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return make(map[string][]byte), nil
	}
	var out map[string][]byte
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *FileBackend) Save(values map[string][]byte) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *FileBackend) Destroy() error {
	err := os.Remove(b.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryBackend is an in-process Backend used by tests.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

func (b *MemoryBackend) Load() (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte, len(b.values))
	for k, v := range b.values {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (b *MemoryBackend) Save(values map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values = make(map[string][]byte, len(values))
	for k, v := range values {
		b.values[k] = append([]byte(nil), v...)
	}
	return nil
}

func (b *MemoryBackend) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values = make(map[string][]byte)
	return nil
}
