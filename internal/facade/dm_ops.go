package facade

import (
	"encoding/json"
	"errors"

	"github.com/ardentsec/cryptocore/internal/identity"
	"github.com/ardentsec/cryptocore/internal/session"
	"github.com/ardentsec/cryptocore/internal/wire"
)

var ErrInvalidBundle = errors.New("facade: invalid pre-key bundle")

// primaryDeviceID is the numeric device id this façade uses for its own
// outgoing session traffic. Sessions are addressed by (peer user id, peer
// device id) as plain numbers; the vault's own DeviceID() is a string
// identifier from the orthogonal multi-device certificate subsystem, so
// the façade's numeric self-address is fixed at 1 rather than parsed out
// of that string.
const primaryDeviceID uint32 = 1

// EnsureDmSession establishes a pairwise session with (peerUserID,
// peerDeviceID) if one does not already exist, verifying the peer's
// signed and KEM pre-key signatures first.
func (f *Facade) EnsureDmSession(peerUserID string, peerDeviceID uint32, peerBundle identity.UploadBundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return err
	}

	key := session.Key{PeerUserID: peerUserID, PeerDeviceID: peerDeviceID}
	if f.sessions.HasSession(key) {
		return nil
	}
	if !identity.VerifySignedPreKey(peerBundle.IdentityPublicKey, peerBundle.SignedPreKey) {
		return ErrInvalidBundle
	}
	if !identity.VerifyKEMPreKey(peerBundle.IdentityPublicKey, peerBundle.KEMPreKey) {
		return ErrInvalidBundle
	}
	return f.sessions.EstablishSession(key, f.vault, peerBundle)
}

// EncryptDm seals plaintext for (peerUserID, peerDeviceID), returning the
// wire envelope JSON-encoded (ciphertext base64-encoded by encoding/json's
// []byte handling).
func (f *Facade) EncryptDm(peerUserID string, peerDeviceID uint32, plaintext []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return "", err
	}
	key := session.Key{PeerUserID: peerUserID, PeerDeviceID: peerDeviceID}
	envelope, err := f.sessions.EncryptDM(key, f.vault, primaryDeviceID, plaintext)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecryptDm opens a DM envelope from peerUserID, establishing a responder
// session on the fly for an *initial* envelope.
func (f *Facade) DecryptDm(peerUserID string, peerDeviceID uint32, envelopeJSON string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return nil, err
	}
	var envelope wire.DMEnvelope
	if err := json.Unmarshal([]byte(envelopeJSON), &envelope); err != nil {
		return nil, wire.ErrInvalidDMEnvelope
	}
	key := session.Key{PeerUserID: peerUserID, PeerDeviceID: peerDeviceID}
	plaintext, err := f.sessions.DecryptDM(key, f.vault, envelope)
	if err != nil {
		if errors.Is(err, session.ErrIdentityMismatch) && f.logger != nil {
			f.logger.Warn("facade: rejected dm with mismatched peer identity",
				"peerId", peerUserID, "peerDeviceId", peerDeviceID)
		}
		return nil, err
	}
	return plaintext, nil
}
