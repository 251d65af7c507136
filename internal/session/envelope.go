package session

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ratchetBlob is the opaque payload carried inside wire.DMEnvelope.Ciphertext.
// Everything the ratchet needs to catch the peer up — the DH header, the
// X3DH handshake metadata on the first message of a session — stays private
// to this package; the wire format only ever sees a byte blob.
type ratchetBlob struct {
	Initial    *initialMetadata `json:"initial,omitempty"`
	Header     ratchetHeader    `json:"header"`
	Nonce      []byte           `json:"nonce"`
	Ciphertext []byte           `json:"ciphertext"`
}

// initialMetadata carries the X3DH handshake material that only the first
// message of a session needs to transmit. The signing and DH identity keys
// are kept separate because the vault itself keeps them as separate
// keypairs (derive.go): SenderIdentitySigningPub is the long-term trust
// anchor TOFU pins, SenderIdentityDHPub is only used for the DH1-4 math.
type initialMetadata struct {
	SenderIdentitySigningPub []byte  `json:"senderIdentitySigningPub"`
	SenderIdentityDHPub      []byte  `json:"senderIdentityDhPub"`
	SenderEphemeralPub       []byte  `json:"senderEphemeralPub"`
	SignedPreKeyID           uint32  `json:"signedPreKeyId"`
	KEMPreKeyID              uint32  `json:"kemPreKeyId"`
	KEMCiphertext            []byte  `json:"kemCiphertext"`
	OneTimePreKeyID          *uint32 `json:"oneTimePreKeyId,omitempty"`
	RegistrationID           uint32  `json:"registrationId"`
}

// sealMessageKey encrypts plaintext under messageKey with XChaCha20-Poly1305,
// binding the ratchet header as associated data so a header substitution
// fails authentication instead of silently decrypting against the wrong
// chain position.
func sealMessageKey(messageKey, plaintext []byte, header ratchetHeader) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(messageKey)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	aad, err := json.Marshal(header)
	if err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

func openMessageKey(messageKey, nonce, ciphertext []byte, header ratchetHeader) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(messageKey)
	if err != nil {
		return nil, err
	}
	aad, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMACFailure, err)
	}
	return plaintext, nil
}
