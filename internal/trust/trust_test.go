package trust

import (
	"path/filepath"
	"testing"

	"github.com/ardentsec/cryptocore/internal/keystore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	ks := keystore.New(keystore.NewFileBackend(filepath.Join(dir, "store.json")))
	if err := ks.Init(dir); err != nil {
		t.Fatalf("keystore Init: %v", err)
	}
	return New(ks)
}

func TestFirstStoreIsNew(t *testing.T) {
	s := newTestStore(t)
	res, err := s.StoreIdentity("alice", []byte("key-a"))
	if err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	if !res.IsNew || res.HasChanged {
		t.Fatalf("expected isNew=true hasChanged=false, got %+v", res)
	}
}

func TestRepeatedSameKeyIsNotChanged(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreIdentity("alice", []byte("key-a")); err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	res, err := s.StoreIdentity("alice", []byte("key-a"))
	if err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	if res.IsNew || res.HasChanged {
		t.Fatalf("expected isNew=false hasChanged=false, got %+v", res)
	}
}

func TestKeyChangeResetsVerificationAndTrust(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreIdentity("alice", []byte("key-a")); err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	if err := s.MarkVerified("alice"); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	res, err := s.StoreIdentity("alice", []byte("key-b"))
	if err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	if res.IsNew || !res.HasChanged {
		t.Fatalf("expected isNew=false hasChanged=true, got %+v", res)
	}
	if string(res.PreviousKey) != "key-a" {
		t.Fatalf("expected previous key key-a, got %q", res.PreviousKey)
	}

	status, err := s.CheckIdentityStatus("alice", []byte("key-b"))
	if err != nil {
		t.Fatalf("CheckIdentityStatus: %v", err)
	}
	if status.IsVerified {
		t.Fatal("trust must never be silently carried across an identity change")
	}
}

func TestCanonicalComparisonIsOnRawBytesNotEncoding(t *testing.T) {
	s := newTestStore(t)
	rawKey := []byte{0x01, 0x02, 0x03, 0xff}
	if _, err := s.StoreIdentity("alice", rawKey); err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	// A second call with an identical byte slice (simulating two different
	// base64 encodings decoded to the same bytes) must not register as a change.
	res, err := s.StoreIdentity("alice", append([]byte(nil), rawKey...))
	if err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	if res.HasChanged {
		t.Fatal("identical raw key bytes must compare equal regardless of origin encoding")
	}
}

func TestMarkVerifiedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreIdentity("alice", []byte("key-a")); err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	if err := s.MarkVerified("alice"); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if err := s.MarkVerified("alice"); err != nil {
		t.Fatalf("MarkVerified (second call): %v", err)
	}
	status, err := s.CheckIdentityStatus("alice", []byte("key-a"))
	if err != nil {
		t.Fatalf("CheckIdentityStatus: %v", err)
	}
	if !status.IsVerified {
		t.Fatal("expected verified status to persist")
	}
}

func TestDeleteIdentityRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreIdentity("alice", []byte("key-a")); err != nil {
		t.Fatalf("StoreIdentity: %v", err)
	}
	if err := s.DeleteIdentity("alice"); err != nil {
		t.Fatalf("DeleteIdentity: %v", err)
	}
	rec, err := s.GetStoredIdentity("alice")
	if err != nil {
		t.Fatalf("GetStoredIdentity: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record after delete")
	}
}
