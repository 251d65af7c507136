package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

var kemScheme = mlkem768.Scheme()

func generateX25519KeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// preKeySigningBytes binds a pre-key's signature to (id, pub) only: the
// upload bundle a verifying peer sees never carries CreatedAt, which is
// local bookkeeping and must not be part of the signed statement.
func preKeySigningBytes(id uint32, pub []byte) []byte {
	b := make([]byte, 0, 4+len(pub))
	b = appendUint32(b, id)
	b = append(b, pub...)
	return b
}

// generateSignedPreKey creates a new X25519 signed pre-key, signed by the
// identity's Ed25519 signing key.
func (v *Vault) generateSignedPreKey(id uint32) (*SignedPreKey, error) {
	priv, pub, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(v.signingPriv, preKeySigningBytes(id, pub))
	return &SignedPreKey{ID: id, PublicKey: pub, PrivateKey: priv, Signature: sig, CreatedAt: time.Now().UTC()}, nil
}

// generateKEMPreKey creates a new ML-KEM pre-key, signed by the identity's
// Ed25519 signing key the same way as the classical signed pre-key.
func (v *Vault) generateKEMPreKey(id uint32) (*KEMPreKey, error) {
	pub, priv, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(v.signingPriv, preKeySigningBytes(id, pubBytes))
	return &KEMPreKey{ID: id, PublicKey: pubBytes, PrivateKey: privBytes, Signature: sig, CreatedAt: time.Now().UTC()}, nil
}

// VerifySignedPreKey checks a peer's signed pre-key against their identity key.
func VerifySignedPreKey(identityPub []byte, spk SignedPreKeyPublic) bool {
	if len(identityPub) != ed25519.PublicKeySize || len(spk.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(identityPub, preKeySigningBytes(spk.ID, spk.PublicKey), spk.Signature)
}

// VerifyKEMPreKey checks a peer's KEM pre-key against their identity key.
func VerifyKEMPreKey(identityPub []byte, kpk KEMPreKeyPublic) bool {
	if len(identityPub) != ed25519.PublicKeySize || len(kpk.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(identityPub, preKeySigningBytes(kpk.ID, kpk.PublicKey), kpk.Signature)
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// UnmarshalKEMPublicKey reconstructs a kem.PublicKey from its wire bytes,
// used by the session engine when encapsulating to a peer's KEM pre-key.
func UnmarshalKEMPublicKey(data []byte) (kem.PublicKey, error) {
	return kemScheme.UnmarshalBinaryPublicKey(data)
}

// KEMCiphertextSize and KEMSharedKeySize expose the scheme's fixed sizes
// to the session engine without leaking the scheme type itself.
func KEMCiphertextSize() int { return kemScheme.CiphertextSize() }
func KEMSharedKeySize() int  { return kemScheme.SharedKeySize() }

// KEMEncapsulate produces a ciphertext and shared secret against a peer's
// KEM pre-key public key.
func KEMEncapsulate(peerPub kem.PublicKey) (ciphertext, sharedSecret []byte, err error) {
	return kemScheme.Encapsulate(peerPub)
}

// KEMDecapsulate recovers the shared secret from a ciphertext using the
// vault's own KEM pre-key private key bytes.
func KEMDecapsulate(privBytes, ciphertext []byte) ([]byte, error) {
	priv, err := kemScheme.UnmarshalBinaryPrivateKey(privBytes)
	if err != nil {
		return nil, err
	}
	return kemScheme.Decapsulate(priv, ciphertext)
}
