package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"io"
)

const (
	ratchetRootInfo  = "cryptocore/ratchet/root/v1"
	ratchetChainInfo = "cryptocore/ratchet/chain/v1"
	ratchetMsgInfo   = "cryptocore/ratchet/message/v1"
)

// kdfRK is Signal's KDF_RK: advances the root key and derives a fresh
// chain key from a new DH output.
func kdfRK(rootKey, dhOutput []byte) (newRootKey, chainKey []byte) {
	reader := hkdf.New(sha256.New, dhOutput, rootKey, []byte(ratchetRootInfo))
	out := make([]byte, 64)
	_, _ = io.ReadFull(reader, out)
	return out[:32], out[32:]
}

// kdfCK is Signal's KDF_CK: advances a chain key and derives the next
// message key, generalizing the teacher's deriveMessageKey (which only
// ever advanced a single symmetric chain, never rotated a DH keypair).
func kdfCK(chainKey []byte) (nextChainKey, messageKey []byte) {
	nextChainKey = kdf32(chainKey, []byte(ratchetChainInfo))
	messageKey = kdf32(chainKey, []byte(ratchetMsgInfo))
	return nextChainKey, messageKey
}

func generateDHKeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func skipKeyID(dhPub []byte, n uint64) string {
	return fmt.Sprintf("%s:%d", base64.StdEncoding.EncodeToString(dhPub), n)
}

// ratchetEncrypt advances the sending chain by one step, producing a
// message key and the header needed for the peer to catch up.
func ratchetEncrypt(s *State) (header ratchetHeader, messageKey []byte, err error) {
	if s.SendChainKey == nil {
		// No sending chain yet: this side has not performed its first DH
		// ratchet step (responder who has not sent anything since the
		// last inbound message). Derive one from the current root key and
		// the existing DH pair.
		if s.DHRecvPub == nil {
			return ratchetHeader{}, nil, ErrSessionUnknown
		}
		rk, ck, derr := stepSendChain(s)
		if derr != nil {
			return ratchetHeader{}, nil, derr
		}
		s.RootKey = rk
		s.SendChainKey = ck
	}

	nextCK, msgKey := kdfCK(s.SendChainKey)
	header = ratchetHeader{DHPub: append([]byte(nil), s.DHSendPub...), PN: s.PrevCount, N: s.SendCount}
	s.SendChainKey = nextCK
	s.SendCount++
	return header, msgKey, nil
}

func stepSendChain(s *State) (rootKey, chainKey []byte, err error) {
	dh, err := curve25519.X25519(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return nil, nil, err
	}
	rk, ck := kdfRK(s.RootKey, dh)
	return rk, ck, nil
}

// cloneRatchetState copies every field ratchetDecrypt may mutate, so a
// caller can attempt a DH ratchet turn and chain advance against the
// clone, authenticate the resulting message key, and only then write the
// clone's fields back onto the real session. A forged or corrupted
// envelope must never leave its mark on s.
func cloneRatchetState(s *State) *State {
	clone := &State{
		RootKey:      append([]byte(nil), s.RootKey...),
		DHSendPriv:   append([]byte(nil), s.DHSendPriv...),
		DHSendPub:    append([]byte(nil), s.DHSendPub...),
		DHRecvPub:    append([]byte(nil), s.DHRecvPub...),
		SendChainKey: append([]byte(nil), s.SendChainKey...),
		RecvChainKey: append([]byte(nil), s.RecvChainKey...),
		SendCount:    s.SendCount,
		RecvCount:    s.RecvCount,
		PrevCount:    s.PrevCount,
		SkippedKeys:  make(map[string][]byte, len(s.SkippedKeys)),
	}
	for id, key := range s.SkippedKeys {
		clone.SkippedKeys[id] = append([]byte(nil), key...)
	}
	return clone
}

// commitRatchetState writes a successfully-authenticated clone's mutated
// fields back onto the real session state.
func commitRatchetState(s *State, clone *State) {
	s.RootKey = clone.RootKey
	s.DHSendPriv = clone.DHSendPriv
	s.DHSendPub = clone.DHSendPub
	s.DHRecvPub = clone.DHRecvPub
	s.SendChainKey = clone.SendChainKey
	s.RecvChainKey = clone.RecvChainKey
	s.SendCount = clone.SendCount
	s.RecvCount = clone.RecvCount
	s.PrevCount = clone.PrevCount
	s.SkippedKeys = clone.SkippedKeys
}

// ratchetDecrypt resolves the message key for an inbound header, performing
// a DH ratchet step when the header announces a new sending key from the
// peer, and consulting/filling the skipped-key window otherwise — the same
// three-way dispatch (skipped / current chain / stale) as the teacher's
// Decrypt, generalized to operate across DH ratchet turns instead of one
// single symmetric chain. Callers that must not advance real session state
// until the message has been authenticated should pass a clone (see
// cloneRatchetState) and only commit it on AEAD success.
func ratchetDecrypt(s *State, header ratchetHeader) ([]byte, error) {
	if key, ok := s.SkippedKeys[skipKeyID(header.DHPub, header.N)]; ok {
		delete(s.SkippedKeys, skipKeyID(header.DHPub, header.N))
		return key, nil
	}

	if s.DHRecvPub == nil || !bytesEqual(s.DHRecvPub, header.DHPub) {
		if s.DHRecvPub != nil && s.RecvChainKey != nil {
			if err := skipMessageKeys(s, s.DHRecvPub, header.PN); err != nil {
				return nil, err
			}
		}
		if err := dhRatchetStep(s, header.DHPub); err != nil {
			return nil, err
		}
	}

	if err := skipMessageKeys(s, s.DHRecvPub, header.N); err != nil {
		return nil, err
	}

	if s.RecvChainKey == nil {
		return nil, ErrMACFailure
	}
	nextCK, msgKey := kdfCK(s.RecvChainKey)
	s.RecvChainKey = nextCK
	s.RecvCount++
	return msgKey, nil
}

// dhRatchetStep performs the full two-sided DH ratchet turn: finalize the
// receive chain against the peer's newly announced key, then immediately
// prepare this side's next sending chain against the same peer key —
// mirroring Signal's RatchetStep (skip -> DHr update -> new RK/CKr ->
// new DHs -> new RK/CKs).
func dhRatchetStep(s *State, newDHRecvPub []byte) error {
	s.PrevCount = s.SendCount
	s.SendCount = 0
	s.RecvCount = 0
	s.DHRecvPub = append([]byte(nil), newDHRecvPub...)

	dh1, err := curve25519.X25519(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return err
	}
	s.RootKey, s.RecvChainKey = kdfRK(s.RootKey, dh1)

	newPriv, newPub, err := generateDHKeyPair()
	if err != nil {
		return err
	}
	s.DHSendPriv, s.DHSendPub = newPriv, newPub

	dh2, err := curve25519.X25519(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return err
	}
	s.RootKey, s.SendChainKey = kdfRK(s.RootKey, dh2)
	return nil
}

// skipMessageKeys derives and stores message keys for every index in
// [current, until) on the receiving chain, bounding total stored skipped
// keys the same way the teacher's pruneSkippedKeys does.
func skipMessageKeys(s *State, dhPub []byte, until uint64) error {
	if s.RecvChainKey == nil {
		return nil
	}
	if until < s.RecvCount {
		return ErrMACFailure
	}
	if until-s.RecvCount > maxSkipChainGap {
		return ErrMACFailure
	}
	if s.SkippedKeys == nil {
		s.SkippedKeys = make(map[string][]byte)
	}
	for s.RecvCount < until {
		nextCK, msgKey := kdfCK(s.RecvChainKey)
		s.SkippedKeys[skipKeyID(dhPub, s.RecvCount)] = msgKey
		s.RecvChainKey = nextCK
		s.RecvCount++
	}
	pruneSkipped(s.SkippedKeys, maxSkipKeysTotal)
	return nil
}

func pruneSkipped(keys map[string][]byte, max int) {
	for len(keys) > max {
		var victim string
		for k := range keys {
			victim = k
			break
		}
		delete(keys, victim)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type ratchetHeader struct {
	DHPub []byte `json:"dhPub"`
	PN    uint64 `json:"pn"`
	N     uint64 `json:"n"`
}
