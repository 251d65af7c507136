// Package identity implements the L1 identity and pre-key vault: the
// identity keypair, signed/KEM/one-time pre-keys, and upload-bundle
// construction.
package identity

import (
	"errors"
	"time"
)

var (
	ErrNotInitialized  = errors.New("identity: not initialized")
	ErrAlreadyLoaded    = errors.New("identity: identity already loaded")
	ErrPreKeyExhausted  = errors.New("identity: one-time pre-key exhausted")
	ErrInvalidSignature = errors.New("identity: invalid signature")
	ErrCorruption       = errors.New("identity: corrupted record")
)

// SignedPreKey is the medium-lived X25519 pre-key signed by the identity
// signing key.
type SignedPreKey struct {
	ID         uint32 `json:"id"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
	Signature  []byte `json:"signature"`
	CreatedAt  time.Time `json:"createdAt"`
}

// KEMPreKey is the post-quantum KEM augmentation of the handshake (ML-KEM
// via circl), signed the same way as the classical signed pre-key.
type KEMPreKey struct {
	ID         uint32    `json:"id"`
	PublicKey  []byte    `json:"publicKey"`
	PrivateKey []byte    `json:"privateKey"`
	Signature  []byte    `json:"signature"`
	CreatedAt  time.Time `json:"createdAt"`
}

// OneTimePreKey is a single-use X25519 pre-key. Consuming one deletes it
// from the vault.
type OneTimePreKey struct {
	ID         uint32 `json:"id"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

// OneTimePreKeyPublic is the public half exposed in an upload bundle.
type OneTimePreKeyPublic struct {
	ID        uint32 `json:"id"`
	PublicKey []byte `json:"publicKey"`
}

// UploadBundle is what a peer fetches to establish a session. Private
// halves never appear here.
type UploadBundle struct {
	IdentityPublicKey   []byte                `json:"identityPublicKey"`   // Ed25519, for signature verification
	IdentityDHPublicKey []byte                `json:"identityDhPublicKey"` // X25519, for X3DH's DH1-4
	RegistrationID      uint32                `json:"registrationId"`
	SignedPreKey        SignedPreKeyPublic    `json:"signedPreKey"`
	KEMPreKey           KEMPreKeyPublic       `json:"kemPreKey"`
	OneTimePreKeys      []OneTimePreKeyPublic `json:"oneTimePreKeys"`
}

type SignedPreKeyPublic struct {
	ID        uint32 `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

type KEMPreKeyPublic struct {
	ID        uint32 `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// DerivedKeys is the seed-derived key material for one identity, mirroring
// the teacher's split between a signing keypair and a DH encryption seed.
type DerivedKeys struct {
	SigningPrivateKey []byte // Ed25519 private key bytes (64)
	SigningPublicKey  []byte // Ed25519 public key bytes (32)
	EncryptionSeed    []byte // X25519 private scalar bytes (32)
}

// EncryptedSeedEnvelope is the Argon2id + XChaCha20-Poly1305 envelope
// wrapping a BIP-39 mnemonic at rest.
type EncryptedSeedEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Device is a local sub-identity certified by the main identity signing
// key. Orthogonal to the session layer's single (user id, device id)
// addressing.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PublicKey []byte    `json:"publicKey"`
	CertSig   []byte    `json:"certSig"`
	CreatedAt time.Time `json:"createdAt"`
	IsRevoked bool      `json:"isRevoked"`
	RevokedAt time.Time `json:"revokedAt,omitempty"`
}

type DeviceRevocation struct {
	IdentityID string    `json:"identityId"`
	DeviceID   string    `json:"deviceId"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  []byte    `json:"signature"`
}

// record is the durable, on-disk shape of the vault's identity keys, ids,
// pre-key counters and seed envelope. It is sealed as a single JSON blob
// under the keystore key "identity"; pre-keys are stored under their own
// keystore keys and are not part of it.
type record struct {
	IdentityID        string          `json:"identityId"`
	SigningPublicKey  []byte          `json:"signingPublicKey"`
	SigningPrivateKey []byte          `json:"signingPrivateKey"`
	DHPrivateScalar   []byte          `json:"dhPrivateScalar"`
	DHPublicKey       []byte          `json:"dhPublicKey"`
	RegistrationID    uint32          `json:"registrationId"`
	DeviceID          string          `json:"deviceId"`
	PreKeyIDCounter   uint32          `json:"preKeyIdCounter"`
	SignedPreKeyID    uint32          `json:"signedPreKeyId"`
	KEMPreKeyID       uint32          `json:"kemPreKeyId"`
	CreatedAt         time.Time       `json:"createdAt"`
	SeedEnvelope      *EncryptedSeedEnvelope `json:"seedEnvelope,omitempty"`
}
