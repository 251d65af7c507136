package group

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ardentsec/cryptocore/internal/keystore"
	"github.com/ardentsec/cryptocore/internal/wire"
)

func newTestEngine(t *testing.T, name string) *Engine {
	t.Helper()
	dir := t.TempDir()
	ks := keystore.New(keystore.NewFileBackend(filepath.Join(dir, name+".json")))
	if err := ks.Init(dir); err != nil {
		t.Fatalf("%s keystore Init: %v", name, err)
	}
	e := New(ks, DefaultPolicy())
	if err := e.Load(); err != nil {
		t.Fatalf("%s Load: %v", name, err)
	}
	return e
}

func fanOut(t *testing.T, to *Engine, distributionID string, dist SenderKeyDistribution) {
	t.Helper()
	if err := to.ProcessSenderKeyDistribution(distributionID, dist); err != nil {
		t.Fatalf("ProcessSenderKeyDistribution: %v", err)
	}
}

func TestChannelRoundTrip(t *testing.T) {
	const distID = "channel-1"
	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")

	dist, err := alice.EnsureChannelSession(distID, "alice", 1, nil)
	if err != nil {
		t.Fatalf("EnsureChannelSession: %v", err)
	}
	fanOut(t, bob, distID, dist)

	env, err := alice.EncryptChannel(distID, []byte("hello channel"))
	if err != nil {
		t.Fatalf("EncryptChannel: %v", err)
	}
	plaintext, err := bob.DecryptChannel(distID, "alice", 1, env)
	if err != nil {
		t.Fatalf("DecryptChannel: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello channel")) {
		t.Fatalf("plaintext mismatch: %q", plaintext)
	}
}

func TestChannelOutOfOrderDeliveryWithinSkipWindow(t *testing.T) {
	const distID = "channel-2"
	alice := newTestEngine(t, "alice2")
	bob := newTestEngine(t, "bob2")

	dist, err := alice.EnsureChannelSession(distID, "alice", 1, nil)
	if err != nil {
		t.Fatalf("EnsureChannelSession: %v", err)
	}
	fanOut(t, bob, distID, dist)

	plaintexts := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	envs := make([]wire.ChannelEnvelope, 0, len(plaintexts))
	for _, p := range plaintexts {
		env, err := alice.EncryptChannel(distID, p)
		if err != nil {
			t.Fatalf("EncryptChannel: %v", err)
		}
		envs = append(envs, env)
	}

	for _, idx := range []int{2, 0, 1} {
		got, err := bob.DecryptChannel(distID, "alice", 1, envs[idx])
		if err != nil {
			t.Fatalf("DecryptChannel(%d): %v", idx, err)
		}
		if !bytes.Equal(got, plaintexts[idx]) {
			t.Fatalf("DecryptChannel(%d): plaintext mismatch: %q", idx, got)
		}
	}
}

func TestChannelExactReplayRejected(t *testing.T) {
	const distID = "channel-3"
	alice := newTestEngine(t, "alice3")
	bob := newTestEngine(t, "bob3")

	dist, err := alice.EnsureChannelSession(distID, "alice", 1, nil)
	if err != nil {
		t.Fatalf("EnsureChannelSession: %v", err)
	}
	fanOut(t, bob, distID, dist)

	env, err := alice.EncryptChannel(distID, []byte("once"))
	if err != nil {
		t.Fatalf("EncryptChannel: %v", err)
	}
	if _, err := bob.DecryptChannel(distID, "alice", 1, env); err != nil {
		t.Fatalf("first DecryptChannel: %v", err)
	}
	if _, err := bob.DecryptChannel(distID, "alice", 1, env); err != ErrReplay {
		t.Fatalf("second DecryptChannel: want ErrReplay, got %v", err)
	}
}

func TestChannelTamperedCounterRejected(t *testing.T) {
	const distID = "channel-4"
	alice := newTestEngine(t, "alice4")
	bob := newTestEngine(t, "bob4")

	dist, err := alice.EnsureChannelSession(distID, "alice", 1, nil)
	if err != nil {
		t.Fatalf("EnsureChannelSession: %v", err)
	}
	fanOut(t, bob, distID, dist)

	first, err := alice.EncryptChannel(distID, []byte("first"))
	if err != nil {
		t.Fatalf("EncryptChannel: %v", err)
	}
	second, err := alice.EncryptChannel(distID, []byte("second"))
	if err != nil {
		t.Fatalf("EncryptChannel: %v", err)
	}
	// Deliver second before first: resolveMessageKey skip-caches first's
	// message key while advancing the chain to second's counter.
	if _, err := bob.DecryptChannel(distID, "alice", 1, second); err != nil {
		t.Fatalf("DecryptChannel(second): %v", err)
	}
	// Splice second's ciphertext onto first's counter. The skip cache still
	// holds first's real message key, so the AEAD tag binds to the wrong
	// key/AAD pair and authentication must fail rather than silently
	// accepting a counter that does not match the ciphertext it labels.
	tampered := second
	tampered.MessageCounter = first.MessageCounter
	if _, err := bob.DecryptChannel(distID, "alice", 1, tampered); err == nil {
		t.Fatalf("DecryptChannel(tampered): want error, got nil")
	}
}

func TestResolveMessageKeyCounterReuse(t *testing.T) {
	chainKey, err := generateChainKey()
	if err != nil {
		t.Fatalf("generateChainKey: %v", err)
	}
	state := &SenderKeyState{EpochNumber: 1, ChainKey: chainKey, SkippedKeys: make(map[uint64][]byte)}

	// Advance sequentially through counters 0 and 1, consuming each key
	// exactly once with no gap, so neither lands in the skipped-key cache.
	if _, err := resolveMessageKey(state, 0); err != nil {
		t.Fatalf("resolveMessageKey(0): %v", err)
	}
	if _, err := resolveMessageKey(state, 1); err != nil {
		t.Fatalf("resolveMessageKey(1): %v", err)
	}
	if _, err := resolveMessageKey(state, 0); err != ErrCounterReuse {
		t.Fatalf("resolveMessageKey(0) again: want ErrCounterReuse, got %v", err)
	}
}

func TestChannelUnknownSenderRejected(t *testing.T) {
	const distID = "channel-5"
	alice := newTestEngine(t, "alice5")
	bob := newTestEngine(t, "bob5")

	if _, err := alice.EnsureChannelSession(distID, "alice", 1, nil); err != nil {
		t.Fatalf("EnsureChannelSession: %v", err)
	}
	env, err := alice.EncryptChannel(distID, []byte("hi"))
	if err != nil {
		t.Fatalf("EncryptChannel: %v", err)
	}
	if _, err := bob.DecryptChannel(distID, "alice", 1, env); err != ErrChannelUnknown {
		t.Fatalf("want ErrChannelUnknown, got %v", err)
	}
}

func TestChannelRekeyRotatesEpoch(t *testing.T) {
	const distID = "channel-6"
	alice := newTestEngine(t, "alice6")
	bob := newTestEngine(t, "bob6")

	dist, err := alice.EnsureChannelSession(distID, "alice", 1, nil)
	if err != nil {
		t.Fatalf("EnsureChannelSession: %v", err)
	}
	fanOut(t, bob, distID, dist)

	rekeyed, err := alice.Rekey(distID, RekeyReasonMemberRemoved)
	if err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	if rekeyed.EpochNumber != dist.EpochNumber+1 {
		t.Fatalf("want epoch %d, got %d", dist.EpochNumber+1, rekeyed.EpochNumber)
	}
	fanOut(t, bob, distID, rekeyed)

	env, err := alice.EncryptChannel(distID, []byte("post-rekey"))
	if err != nil {
		t.Fatalf("EncryptChannel: %v", err)
	}
	if env.EpochNumber != rekeyed.EpochNumber {
		t.Fatalf("encrypted under epoch %d, want %d", env.EpochNumber, rekeyed.EpochNumber)
	}
	plaintext, err := bob.DecryptChannel(distID, "alice", 1, env)
	if err != nil {
		t.Fatalf("DecryptChannel: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("post-rekey")) {
		t.Fatalf("plaintext mismatch: %q", plaintext)
	}
}

func TestEnsureChannelSessionMemberRemovalForcesRekey(t *testing.T) {
	const distID = "channel-8"
	alice := newTestEngine(t, "alice8")
	bob := newTestEngine(t, "bob8")
	carol := newTestEngine(t, "carol8")

	dist, err := alice.EnsureChannelSession(distID, "alice", 1, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("EnsureChannelSession: %v", err)
	}
	fanOut(t, bob, distID, dist)

	bobDist, err := bob.EnsureChannelSession(distID, "bob", 1, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("bob EnsureChannelSession: %v", err)
	}
	fanOut(t, alice, distID, bobDist)
	fanOut(t, carol, distID, bobDist)

	carolDist, err := carol.EnsureChannelSession(distID, "carol", 1, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("carol EnsureChannelSession: %v", err)
	}
	fanOut(t, alice, distID, carolDist)
	fanOut(t, bob, distID, carolDist)

	env, err := bob.EncryptChannel(distID, []byte("before removal"))
	if err != nil {
		t.Fatalf("EncryptChannel: %v", err)
	}
	if _, err := alice.DecryptChannel(distID, "bob", 1, env); err != nil {
		t.Fatalf("alice DecryptChannel before removal: %v", err)
	}
	if _, present := alice.channels[distID].RemoteSenders["carol:1"]; !present {
		t.Fatal("expected alice to have carol's RemoteSenderState before removal")
	}

	// Carol is dropped from the roster. Alice's next EnsureChannelSession call
	// must evict carol's RemoteSenderState and force a mandatory rekey of
	// alice's own sending chain.
	rekeyed, err := alice.EnsureChannelSession(distID, "alice", 1, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("EnsureChannelSession after removal: %v", err)
	}
	if rekeyed.EpochNumber != dist.EpochNumber+1 {
		t.Fatalf("want epoch %d after mandatory rekey, got %d", dist.EpochNumber+1, rekeyed.EpochNumber)
	}
	if rekeyed.Reason != RekeyReasonMemberRemoved {
		t.Fatalf("want reason %q, got %q", RekeyReasonMemberRemoved, rekeyed.Reason)
	}

	cs := alice.channels[distID]
	if _, stillPresent := cs.RemoteSenders["carol:1"]; stillPresent {
		t.Fatal("carol's RemoteSenderState should have been evicted")
	}

	fanOut(t, bob, distID, rekeyed)
	env2, err := alice.EncryptChannel(distID, []byte("after removal"))
	if err != nil {
		t.Fatalf("EncryptChannel after rekey: %v", err)
	}
	plaintext, err := bob.DecryptChannel(distID, "alice", 1, env2)
	if err != nil {
		t.Fatalf("bob DecryptChannel after rekey: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("after removal")) {
		t.Fatalf("plaintext mismatch: %q", plaintext)
	}
}

func TestChannelStaleEpochRejectedAfterPruning(t *testing.T) {
	const distID = "channel-7"
	alice := newTestEngine(t, "alice7")
	bob := newTestEngine(t, "bob7")

	dist, err := alice.EnsureChannelSession(distID, "alice", 1, nil)
	if err != nil {
		t.Fatalf("EnsureChannelSession: %v", err)
	}
	fanOut(t, bob, distID, dist)

	staleEnv, err := alice.EncryptChannel(distID, []byte("from epoch 1"))
	if err != nil {
		t.Fatalf("EncryptChannel: %v", err)
	}

	// Rekey past maxRetainedEpochLag so epoch 1's chain state is pruned.
	for i := 0; i < maxRetainedEpochLag+1; i++ {
		rekeyed, err := alice.Rekey(distID, RekeyReasonRotation)
		if err != nil {
			t.Fatalf("Rekey: %v", err)
		}
		fanOut(t, bob, distID, rekeyed)
	}

	if _, err := bob.DecryptChannel(distID, "alice", 1, staleEnv); err != ErrStaleEpoch {
		t.Fatalf("want ErrStaleEpoch, got %v", err)
	}
}
