package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/ardentsec/cryptocore/internal/identity"
	"github.com/ardentsec/cryptocore/internal/wire"
)

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// EstablishSession runs the initiator side of X3DH against a freshly
// fetched peer bundle and seeds the double ratchet. The X3DH ephemeral key
// is used only for the handshake; the ratchet's own first sending key pair
// is a separately generated Diffie-Hellman pair, matching the reference
// Double Ratchet/X3DH integration (Bob's anchor key is his signed pre-key,
// so this DH output is never a repeat of one already folded into SK).
func (e *Engine) EstablishSession(key Key, vault *identity.Vault, peerBundle identity.UploadBundle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sharedSecret, _, ekPub, kemCiphertext, otpUsed, err := initiatorHandshake(vault.DHPrivateKey(), peerBundle)
	if err != nil {
		return err
	}

	ratchetPriv, ratchetPub, err := generateDHKeyPair()
	if err != nil {
		return err
	}
	rootKey, sendChainKey, err := deriveInitialSendChain(sharedSecret, ratchetPriv, peerBundle.SignedPreKey.PublicKey)
	if err != nil {
		return err
	}

	sid, err := newSessionID()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	state := &State{
		SessionID:    sid,
		PeerUserID:   key.PeerUserID,
		PeerDeviceID: key.PeerDeviceID,
		PeerIdentity: append([]byte(nil), peerBundle.IdentityPublicKey...),
		IsInitiator:  true,
		RootKey:      rootKey,
		DHSendPriv:   ratchetPriv,
		DHSendPub:    ratchetPub,
		DHRecvPub:    append([]byte(nil), peerBundle.SignedPreKey.PublicKey...),
		SendChainKey: sendChainKey,
		SkippedKeys:  make(map[string][]byte),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if e.pendingInitial == nil {
		e.pendingInitial = make(map[string]*pendingHandshake)
	}
	e.pendingInitial[key.String()] = &pendingHandshake{
		ephemeralPub:    ekPub,
		kemCiphertext:   kemCiphertext,
		signedPreKeyID:  peerBundle.SignedPreKey.ID,
		kemPreKeyID:     peerBundle.KEMPreKey.ID,
		oneTimePreKeyID: otpUsed,
	}
	e.sessions[key.String()] = state

	if e.notifier != nil {
		hasChanged, nerr := e.notifier.NotifyPeerIdentity(key.PeerUserID, state.PeerIdentity)
		if nerr != nil {
			delete(e.sessions, key.String())
			delete(e.pendingInitial, key.String())
			return nerr
		}
		if hasChanged {
			delete(e.sessions, key.String())
			delete(e.pendingInitial, key.String())
			return ErrIdentityMismatch
		}
	}
	return e.persistLocked()
}

// pendingHandshake carries the X3DH metadata an initiator must attach to the
// next outbound message, cleared once that message has gone out.
type pendingHandshake struct {
	ephemeralPub    []byte
	kemCiphertext   []byte
	signedPreKeyID  uint32
	kemPreKeyID     uint32
	oneTimePreKeyID *uint32
}

func deriveInitialSendChain(sharedSecret, dhSendPriv, dhRecvPub []byte) (rootKey, sendChainKey []byte, err error) {
	dh, err := combineDH(dhPair{priv: dhSendPriv, pub: dhRecvPub})
	if err != nil {
		return nil, nil, err
	}
	rk, ck := kdfRK(sharedSecret, dh)
	return rk, ck, nil
}

// EncryptDM seals plaintext for an established session, attaching X3DH
// handshake metadata and marking the envelope "prekey" on the very first
// outbound message of a session the local side initiated.
func (e *Engine) EncryptDM(key Key, vault *identity.Vault, localDeviceID uint32, plaintext []byte) (wire.DMEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.get(key)
	if !ok {
		return wire.DMEnvelope{}, ErrSessionUnknown
	}

	header, msgKey, err := ratchetEncrypt(state)
	if err != nil {
		return wire.DMEnvelope{}, err
	}
	nonce, ct, err := sealMessageKey(msgKey, plaintext, header)
	if err != nil {
		return wire.DMEnvelope{}, err
	}

	blob := ratchetBlob{Header: header, Nonce: nonce, Ciphertext: ct}
	msgType := wire.DMMessageTypeSubsequent
	registrationID := vault.RegistrationID()

	if state.IsInitiator && !state.SentFirstMsg {
		pending, ok := e.pendingInitial[key.String()]
		if !ok {
			return wire.DMEnvelope{}, ErrSessionUnknown
		}
		blob.Initial = &initialMetadata{
			SenderIdentitySigningPub: append([]byte(nil), vault.PublicKey()...),
			SenderIdentityDHPub:      append([]byte(nil), vault.DHPublicKey()...),
			SenderEphemeralPub:       append([]byte(nil), pending.ephemeralPub...),
			SignedPreKeyID:           pending.signedPreKeyID,
			KEMPreKeyID:              pending.kemPreKeyID,
			KEMCiphertext:            pending.kemCiphertext,
			OneTimePreKeyID:          pending.oneTimePreKeyID,
			RegistrationID:           registrationID,
		}
		msgType = wire.DMMessageTypeInitial
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return wire.DMEnvelope{}, err
	}

	state.SentFirstMsg = true
	state.UpdatedAt = time.Now().UTC()
	if err := e.persistLocked(); err != nil {
		return wire.DMEnvelope{}, err
	}
	delete(e.pendingInitial, key.String())

	return wire.DMEnvelope{
		Type:           msgType,
		Ciphertext:     data,
		SenderDeviceID: localDeviceID,
		RegistrationID: registrationID,
	}, nil
}

// DecryptDM opens an inbound envelope, transparently completing the
// responder side of X3DH and seeding the session on the first "prekey"
// message from a peer that has never messaged this device before. A
// resent "prekey" envelope for a session that already exists under a
// different peer identity key is rejected rather than silently decrypted
// against the old session.
func (e *Engine) DecryptDM(key Key, vault *identity.Vault, envelope wire.DMEnvelope) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := envelope.Validate(); err != nil {
		return nil, err
	}

	var blob ratchetBlob
	if err := json.Unmarshal(envelope.Ciphertext, &blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}

	state, exists := e.get(key)

	if envelope.Type == wire.DMMessageTypeInitial {
		if blob.Initial == nil {
			return nil, ErrInvalidBundle
		}
		if !exists {
			newState, err := e.beginResponderSessionLocked(key, vault, blob.Initial)
			if err != nil {
				return nil, err
			}
			state = newState
			if e.notifier != nil {
				hasChanged, nerr := e.notifier.NotifyPeerIdentity(key.PeerUserID, state.PeerIdentity)
				if nerr != nil {
					delete(e.sessions, key.String())
					return nil, nerr
				}
				if hasChanged {
					delete(e.sessions, key.String())
					return nil, ErrIdentityMismatch
				}
			}
		} else if !bytesEqual(state.PeerIdentity, blob.Initial.SenderIdentitySigningPub) {
			// A resent "initial" envelope for an existing session claiming a
			// different identity key than the one this session was built on.
			// Never decrypt against the old session under a new identity.
			return nil, ErrIdentityMismatch
		}
	}

	if state == nil {
		return nil, ErrSessionUnknown
	}

	msgID := fmt.Sprintf("%x:%d:%d", blob.Header.DHPub, blob.Header.N, envelope.SenderDeviceID)
	if seenContains(state.SeenMessageIDs, msgID) {
		return nil, ErrDuplicateMessage
	}

	working := cloneRatchetState(state)
	msgKey, err := ratchetDecrypt(working, blob.Header)
	if err != nil {
		return nil, err
	}
	plaintext, err := openMessageKey(msgKey, blob.Nonce, blob.Ciphertext, blob.Header)
	if err != nil {
		return nil, err
	}

	// Only now, with the ciphertext authenticated, commit the DH ratchet
	// turn and chain advance performed on the clone above.
	commitRatchetState(state, working)
	state.ReceivedAnyMsg = true
	state.SeenMessageIDs = appendSeen(state.SeenMessageIDs, msgID, maxSeenMessageIDs)
	state.UpdatedAt = time.Now().UTC()
	if err := e.persistLocked(); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// beginResponderSessionLocked runs the responder side of X3DH from an
// initial message's handshake metadata and seeds a fresh session. The
// responder's first sending keypair is the signed pre-key used in the
// handshake (DHSendPub must be recomputed from it, since the vault only
// hands back the private half). Caller holds e.mu.
func (e *Engine) beginResponderSessionLocked(key Key, vault *identity.Vault, meta *initialMetadata) (*State, error) {
	spkPriv, ok := vault.SignedPreKeyPrivate(meta.SignedPreKeyID)
	if !ok {
		return nil, ErrInvalidBundle
	}
	kemPriv, ok := vault.KEMPreKeyPrivate(meta.KEMPreKeyID)
	if !ok {
		return nil, ErrInvalidBundle
	}
	spkPub, err := curve25519.X25519(spkPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	var otpPriv []byte
	if meta.OneTimePreKeyID != nil {
		otk, err := vault.ConsumePreKey(*meta.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		otpPriv = otk.PrivateKey
	}

	sharedSecret, err := responderHandshake(
		vault.DHPrivateKey(),
		spkPriv,
		otpPriv,
		meta.SenderIdentityDHPub,
		meta.SenderEphemeralPub,
		kemPriv,
		meta.KEMCiphertext,
	)
	if err != nil {
		return nil, err
	}

	sid, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	state := &State{
		SessionID:    sid,
		PeerUserID:   key.PeerUserID,
		PeerDeviceID: key.PeerDeviceID,
		PeerIdentity: append([]byte(nil), meta.SenderIdentitySigningPub...),
		IsInitiator:  false,
		RootKey:      sharedSecret,
		DHSendPriv:   spkPriv,
		DHSendPub:    spkPub,
		SkippedKeys:  make(map[string][]byte),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.sessions[key.String()] = state
	return state, nil
}
