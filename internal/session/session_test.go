package session

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ardentsec/cryptocore/internal/identity"
	"github.com/ardentsec/cryptocore/internal/keystore"
	"github.com/ardentsec/cryptocore/internal/wire"
)

type recordingNotifier struct {
	seen map[string][]byte
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{seen: make(map[string][]byte)}
}

func (n *recordingNotifier) NotifyPeerIdentity(peerUserID string, identityKey []byte) (bool, error) {
	n.seen[peerUserID] = identityKey
	return false, nil
}

type party struct {
	vault    *identity.Vault
	engine   *Engine
	notifier *recordingNotifier
}

func newParty(t *testing.T, name string) *party {
	t.Helper()
	dir := t.TempDir()
	ks := keystore.New(keystore.NewFileBackend(filepath.Join(dir, "store.json")))
	if err := ks.Init(dir); err != nil {
		t.Fatalf("%s keystore Init: %v", name, err)
	}
	v := identity.New(ks, nil)
	if err := v.Initialize(); err != nil {
		t.Fatalf("%s Initialize: %v", name, err)
	}
	notifier := newRecordingNotifier()
	return &party{vault: v, engine: New(ks, notifier), notifier: notifier}
}

func TestSessionRoundTrip(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	bundle, err := bob.vault.GetPreKeyBundle(1)
	if err != nil {
		t.Fatalf("bob GetPreKeyBundle: %v", err)
	}

	key := Key{PeerUserID: bob.vault.IdentityID(), PeerDeviceID: 1}
	if err := alice.engine.EstablishSession(key, alice.vault, bundle); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	plaintext := []byte("hello bob")
	env, err := alice.engine.EncryptDM(key, alice.vault, 1, plaintext)
	if err != nil {
		t.Fatalf("EncryptDM: %v", err)
	}
	if env.Type != wire.DMMessageTypeInitial {
		t.Fatalf("expected initial message type, got %v", env.Type)
	}

	bobKey := Key{PeerUserID: alice.vault.IdentityID(), PeerDeviceID: 1}
	got, err := bob.engine.DecryptDM(bobKey, bob.vault, env)
	if err != nil {
		t.Fatalf("DecryptDM: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("expected %q, got %q", plaintext, got)
	}
	if _, ok := bob.notifier.seen[alice.vault.IdentityID()]; !ok {
		t.Fatal("expected bob's notifier to record alice's identity on session establishment")
	}

	reply := []byte("hello alice")
	envBack, err := bob.engine.EncryptDM(bobKey, bob.vault, 1, reply)
	if err != nil {
		t.Fatalf("bob EncryptDM: %v", err)
	}
	if envBack.Type != wire.DMMessageTypeSubsequent {
		t.Fatalf("expected subsequent message type, got %v", envBack.Type)
	}
	gotReply, err := alice.engine.DecryptDM(key, alice.vault, envBack)
	if err != nil {
		t.Fatalf("alice DecryptDM: %v", err)
	}
	if !bytes.Equal(gotReply, reply) {
		t.Fatalf("expected %q, got %q", reply, gotReply)
	}
}

func TestSessionOutOfOrderDeliveryWithinSkipWindow(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	bundle, err := bob.vault.GetPreKeyBundle(1)
	if err != nil {
		t.Fatalf("bob GetPreKeyBundle: %v", err)
	}
	key := Key{PeerUserID: bob.vault.IdentityID(), PeerDeviceID: 1}
	if err := alice.engine.EstablishSession(key, alice.vault, bundle); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	var envs []wire.DMEnvelope
	messages := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range messages {
		env, err := alice.engine.EncryptDM(key, alice.vault, 1, m)
		if err != nil {
			t.Fatalf("EncryptDM: %v", err)
		}
		envs = append(envs, env)
	}

	bobKey := Key{PeerUserID: alice.vault.IdentityID(), PeerDeviceID: 1}
	// Deliver out of order: 1, 3, 2. Message 1 is the only "prekey"
	// envelope, so it has to arrive first to create bob's session; 3 then
	// skips ahead of 2, which must be opened from the skipped-key cache.
	got1, err := bob.engine.DecryptDM(bobKey, bob.vault, envs[0])
	if err != nil {
		t.Fatalf("DecryptDM(1): %v", err)
	}
	if !bytes.Equal(got1, messages[0]) {
		t.Fatalf("expected %q, got %q", messages[0], got1)
	}

	got3, err := bob.engine.DecryptDM(bobKey, bob.vault, envs[2])
	if err != nil {
		t.Fatalf("DecryptDM(3): %v", err)
	}
	if !bytes.Equal(got3, messages[2]) {
		t.Fatalf("expected %q, got %q", messages[2], got3)
	}

	got2, err := bob.engine.DecryptDM(bobKey, bob.vault, envs[1])
	if err != nil {
		t.Fatalf("DecryptDM(2): %v", err)
	}
	if !bytes.Equal(got2, messages[1]) {
		t.Fatalf("expected %q, got %q", messages[1], got2)
	}
}

func TestSessionDuplicateMessageRejected(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	bundle, err := bob.vault.GetPreKeyBundle(1)
	if err != nil {
		t.Fatalf("bob GetPreKeyBundle: %v", err)
	}
	key := Key{PeerUserID: bob.vault.IdentityID(), PeerDeviceID: 1}
	if err := alice.engine.EstablishSession(key, alice.vault, bundle); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	env, err := alice.engine.EncryptDM(key, alice.vault, 1, []byte("once"))
	if err != nil {
		t.Fatalf("EncryptDM: %v", err)
	}

	bobKey := Key{PeerUserID: alice.vault.IdentityID(), PeerDeviceID: 1}
	if _, err := bob.engine.DecryptDM(bobKey, bob.vault, env); err != nil {
		t.Fatalf("first DecryptDM: %v", err)
	}
	if _, err := bob.engine.DecryptDM(bobKey, bob.vault, env); err != ErrDuplicateMessage {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestSessionIdentityMismatchOnResentInitial(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	bundle, err := bob.vault.GetPreKeyBundle(1)
	if err != nil {
		t.Fatalf("bob GetPreKeyBundle: %v", err)
	}
	key := Key{PeerUserID: bob.vault.IdentityID(), PeerDeviceID: 1}
	if err := alice.engine.EstablishSession(key, alice.vault, bundle); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	env, err := alice.engine.EncryptDM(key, alice.vault, 1, []byte("hello bob"))
	if err != nil {
		t.Fatalf("EncryptDM: %v", err)
	}

	bobKey := Key{PeerUserID: alice.vault.IdentityID(), PeerDeviceID: 1}
	if _, err := bob.engine.DecryptDM(bobKey, bob.vault, env); err != nil {
		t.Fatalf("first DecryptDM: %v", err)
	}

	var blob ratchetBlob
	if err := json.Unmarshal(env.Ciphertext, &blob); err != nil {
		t.Fatalf("unmarshal ratchetBlob: %v", err)
	}
	forgedKey := make([]byte, len(blob.Initial.SenderIdentitySigningPub))
	copy(forgedKey, blob.Initial.SenderIdentitySigningPub)
	forgedKey[0] ^= 0xFF
	blob.Initial.SenderIdentitySigningPub = forgedKey
	forgedCiphertext, err := json.Marshal(blob)
	if err != nil {
		t.Fatalf("marshal forged blob: %v", err)
	}
	forgedEnv := env
	forgedEnv.Ciphertext = forgedCiphertext

	if _, err := bob.engine.DecryptDM(bobKey, bob.vault, forgedEnv); err != ErrIdentityMismatch {
		t.Fatalf("want ErrIdentityMismatch, got %v", err)
	}
}

func TestSessionWithoutOneTimePreKey(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	bundle, err := bob.vault.GetPreKeyBundle(0)
	if err != nil {
		t.Fatalf("bob GetPreKeyBundle: %v", err)
	}
	if len(bundle.OneTimePreKeys) != 0 {
		t.Fatalf("expected no one-time pre-keys, got %d", len(bundle.OneTimePreKeys))
	}

	key := Key{PeerUserID: bob.vault.IdentityID(), PeerDeviceID: 1}
	if err := alice.engine.EstablishSession(key, alice.vault, bundle); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}
	env, err := alice.engine.EncryptDM(key, alice.vault, 1, []byte("no otp"))
	if err != nil {
		t.Fatalf("EncryptDM: %v", err)
	}

	bobKey := Key{PeerUserID: alice.vault.IdentityID(), PeerDeviceID: 1}
	got, err := bob.engine.DecryptDM(bobKey, bob.vault, env)
	if err != nil {
		t.Fatalf("DecryptDM: %v", err)
	}
	if !bytes.Equal(got, []byte("no otp")) {
		t.Fatalf("expected %q, got %q", "no otp", got)
	}
}
