package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/ardentsec/cryptocore/internal/keystore"
)

const (
	storeKeyIdentity = "identity"
	storeKeyDeviceID = "device_id"

	registrationIDMax = 0x3FFF // uniform in [1, 0x3FFF]
)

// Vault is the L1 identity and pre-key vault. It owns the identity
// keypair, the medium-lived signed/KEM pre-keys, the one-time pre-key
// pool, and the optional mnemonic backup, all persisted through the L0
// KeyStore.
type Vault struct {
	mu     sync.RWMutex
	store  *keystore.KeyStore
	logger *slog.Logger

	identityID     string
	signingPub     ed25519.PublicKey
	signingPriv    ed25519.PrivateKey
	dhPriv         []byte
	dhPub          []byte
	registrationID uint32
	deviceID       string

	preKeyIDCounter uint32
	signedPreKeyID  uint32
	kemPreKeyID     uint32
	signedPreKey    *SignedPreKey
	kemPreKey       *KEMPreKey
	oneTimePreKeys  map[uint32]*OneTimePreKey

	devices        map[string]devicePrivate
	activeDeviceID string

	seeds       *SeedManager
	initialized bool
}

// New constructs a Vault bound to a keystore. Call Initialize (fresh
// identity) or Load (existing identity) before any other operation.
func New(store *keystore.KeyStore, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:          store,
		logger:         logger,
		oneTimePreKeys: make(map[uint32]*OneTimePreKey),
		seeds:          NewSeedManager(),
	}
}

// Initialize loads an existing identity record if present, else generates
// a fresh one via CSPRNG and persists it.
func (v *Vault) Initialize() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	has, err := v.store.Has(storeKeyIdentity)
	if err != nil {
		return err
	}
	if has {
		return v.loadLocked()
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return err
	}
	keys, err := DeriveKeys(seed)
	if err != nil {
		return err
	}
	return v.bootstrapFromKeysLocked(keys, nil)
}

// InitializeFromMnemonic creates an identity derived from a BIP-39
// mnemonic instead of raw CSPRNG output. Additive to Initialize; never
// called implicitly.
func (v *Vault) InitializeFromMnemonic(mnemonic, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	normalized, keys, err := v.seeds.Import(mnemonic, password)
	if err != nil {
		return err
	}
	_ = normalized
	return v.bootstrapFromKeysLocked(keys, v.seeds.Envelope())
}

// ExportMnemonic decrypts and returns the identity's backup mnemonic,
// subject to password-attempt backoff.
func (v *Vault) ExportMnemonic(password string) (string, error) {
	return v.seeds.Export(password)
}

func (v *Vault) bootstrapFromKeysLocked(keys *DerivedKeys, seedEnv *EncryptedSeedEnvelope) error {
	id, err := BuildIdentityID(keys.SigningPublicKey)
	if err != nil {
		return err
	}
	dhPriv := append([]byte(nil), keys.EncryptionSeed...)
	dhPub, err := x25519PublicKeyFromScalar(dhPriv)
	if err != nil {
		return err
	}

	regID, err := randomRegistrationID()
	if err != nil {
		return err
	}

	v.identityID = id
	v.signingPub = append(ed25519.PublicKey(nil), keys.SigningPublicKey...)
	v.signingPriv = append(ed25519.PrivateKey(nil), keys.SigningPrivateKey...)
	v.dhPriv = dhPriv
	v.dhPub = dhPub
	v.registrationID = regID
	v.deviceID = "1"
	v.preKeyIDCounter = 1
	v.signedPreKeyID = 0
	v.kemPreKeyID = 0
	v.signedPreKey = nil
	v.kemPreKey = nil
	v.oneTimePreKeys = make(map[uint32]*OneTimePreKey)

	if err := v.initPrimaryDevice(); err != nil {
		return err
	}
	if seedEnv != nil {
		v.seeds.SetEnvelope(seedEnv)
	}
	v.initialized = true
	return v.persistLocked()
}

// Load reads an existing identity record from the keystore without
// generating anything new. Fails if none exists.
func (v *Vault) Load() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked()
}

func (v *Vault) loadLocked() error {
	raw, err := v.store.Get(storeKeyIdentity)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return ErrNotInitialized
		}
		return err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}

	v.identityID = rec.IdentityID
	v.signingPub = append(ed25519.PublicKey(nil), rec.SigningPublicKey...)
	v.signingPriv = append(ed25519.PrivateKey(nil), rec.SigningPrivateKey...)
	v.dhPriv = append([]byte(nil), rec.DHPrivateScalar...)
	v.dhPub = append([]byte(nil), rec.DHPublicKey...)
	v.registrationID = rec.RegistrationID
	v.deviceID = rec.DeviceID
	v.preKeyIDCounter = rec.PreKeyIDCounter
	v.signedPreKeyID = rec.SignedPreKeyID
	v.kemPreKeyID = rec.KEMPreKeyID
	if rec.SeedEnvelope != nil {
		v.seeds.SetEnvelope(rec.SeedEnvelope)
	}

	if err := v.loadPreKeysLocked(); err != nil {
		return err
	}
	if err := v.initPrimaryDevice(); err != nil {
		return err
	}
	v.initialized = true
	return nil
}

func (v *Vault) loadPreKeysLocked() error {
	if v.signedPreKeyID != 0 {
		raw, err := v.store.Get("signed_prekeys")
		if err == nil {
			var spk SignedPreKey
			if err := json.Unmarshal(raw, &spk); err == nil {
				v.signedPreKey = &spk
			}
		}
	}
	if v.kemPreKeyID != 0 {
		raw, err := v.store.Get("kyber_prekeys")
		if err == nil {
			var kpk KEMPreKey
			if err := json.Unmarshal(raw, &kpk); err == nil {
				v.kemPreKey = &kpk
			}
		}
	}
	raw, err := v.store.Get("prekeys")
	if err == nil {
		var otks map[uint32]*OneTimePreKey
		if err := json.Unmarshal(raw, &otks); err == nil {
			v.oneTimePreKeys = otks
		}
	} else {
		v.oneTimePreKeys = make(map[uint32]*OneTimePreKey)
	}
	return nil
}

func (v *Vault) persistLocked() error {
	rec := record{
		IdentityID:        v.identityID,
		SigningPublicKey:  v.signingPub,
		SigningPrivateKey: v.signingPriv,
		DHPrivateScalar:   v.dhPriv,
		DHPublicKey:       v.dhPub,
		RegistrationID:    v.registrationID,
		DeviceID:          v.deviceID,
		PreKeyIDCounter:   v.preKeyIDCounter,
		SignedPreKeyID:    v.signedPreKeyID,
		KEMPreKeyID:       v.kemPreKeyID,
		SeedEnvelope:      v.seeds.Envelope(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return v.store.Set(storeKeyIdentity, data)
}

func (v *Vault) persistPreKeysLocked() error {
	if v.signedPreKey != nil {
		data, err := json.Marshal(v.signedPreKey)
		if err != nil {
			return err
		}
		if err := v.store.Set("signed_prekeys", data); err != nil {
			return err
		}
	}
	if v.kemPreKey != nil {
		data, err := json.Marshal(v.kemPreKey)
		if err != nil {
			return err
		}
		if err := v.store.Set("kyber_prekeys", data); err != nil {
			return err
		}
	}
	data, err := json.Marshal(v.oneTimePreKeys)
	if err != nil {
		return err
	}
	return v.store.Set("prekeys", data)
}

func (v *Vault) checkInitialized() error {
	if !v.initialized {
		return ErrNotInitialized
	}
	return nil
}

// PublicKey returns the cached identity signing public key with no I/O
// (Open Question resolution in SPEC_FULL.md: cache at init, expose sync).
func (v *Vault) PublicKey() ed25519.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append(ed25519.PublicKey(nil), v.signingPub...)
}

// IdentityID returns the rendered identity id.
func (v *Vault) IdentityID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.identityID
}

// RegistrationID returns the identity's registration id.
func (v *Vault) RegistrationID() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.registrationID
}

// DeviceID returns the load-or-1 device id.
func (v *Vault) DeviceID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.deviceID
}

// DHPublicKey returns the X25519 public key used for X3DH.
func (v *Vault) DHPublicKey() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]byte(nil), v.dhPub...)
}

// DHPrivateKey returns the X25519 private scalar used for X3DH; callers in
// internal/session only.
func (v *Vault) DHPrivateKey() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]byte(nil), v.dhPriv...)
}

// SigningPrivateKey exposes the Ed25519 private key for signing outgoing
// session material (internal/session only).
func (v *Vault) SigningPrivateKey() ed25519.PrivateKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append(ed25519.PrivateKey(nil), v.signingPriv...)
}

func randomRegistrationID() (uint32, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}
	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return 1 + (v % registrationIDMax), nil
}

func x25519PublicKeyFromScalar(scalar []byte) ([]byte, error) {
	return curve25519.X25519(scalar, curve25519.Basepoint)
}
