package keystore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*KeyStore, string) {
	t.Helper()
	dir := t.TempDir()
	ks := New(NewFileBackend(filepath.Join(dir, "store.json")))
	if err := ks.Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return ks, dir
}

func TestSetGetRoundTrip(t *testing.T) {
	ks, _ := newTestStore(t)
	want := []byte("super secret value")
	if err := ks.Set("k1", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := ks.Get("k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGetMissingKey(t *testing.T) {
	ks, _ := newTestStore(t)
	if _, err := ks.Get("absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpsBeforeInitFail(t *testing.T) {
	ks := New(NewMemoryBackend())
	if _, err := ks.Get("k"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := ks.Set("k", []byte("v")); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDeleteAbsentKeyIsNotError(t *testing.T) {
	ks, _ := newTestStore(t)
	if err := ks.Delete("never-existed"); err != nil {
		t.Fatalf("Delete of absent key should not error: %v", err)
	}
}

func TestListKeysPrefixFilter(t *testing.T) {
	ks, _ := newTestStore(t)
	for _, k := range []string{"session/a", "session/b", "identity/seed"} {
		if err := ks.Set(k, []byte("v")); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	got, err := ks.ListKeys("session/")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(got) != 2 || got[0] != "session/a" || got[1] != "session/b" {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestClearRemovesAllValuesButKeepsStoreUsable(t *testing.T) {
	ks, _ := newTestStore(t)
	if err := ks.Set("k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ks.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := ks.Get("k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Clear, got %v", err)
	}
	if err := ks.Set("k2", []byte("v2")); err != nil {
		t.Fatalf("Set after Clear: %v", err)
	}
}

func TestShredDestroysBackendAndRequiresReinit(t *testing.T) {
	ks, dir := newTestStore(t)
	if err := ks.Set("k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ks.Shred(); err != nil {
		t.Fatalf("Shred: %v", err)
	}
	if _, err := ks.Get("k1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after Shred, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "store.json")); !os.IsNotExist(err) {
		t.Fatalf("expected backend file removed, stat err = %v", err)
	}
}

func TestValuesPersistAcrossReinit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	ks1 := New(NewFileBackend(path))
	if err := ks1.Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ks1.Set("k1", []byte("persisted")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ks2 := New(NewFileBackend(path))
	if err := ks2.Init(dir); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	got, err := ks2.Get("k1")
	if err != nil {
		t.Fatalf("Get after reinit: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("got %q", got)
	}
}

func TestCorruptedValueDoesNotPoisonOtherKeys(t *testing.T) {
	ks, _ := newTestStore(t)
	if err := ks.Set("good", []byte("fine")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ks.Set("bad", []byte("to be corrupted")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ks.mu.Lock()
	ks.values["bad"][len(ks.values["bad"])-1] ^= 0xFF
	ks.mu.Unlock()

	if _, err := ks.Get("bad"); !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
	got, err := ks.Get("good")
	if err != nil {
		t.Fatalf("Get(good) should still succeed: %v", err)
	}
	if string(got) != "fine" {
		t.Fatalf("got %q", got)
	}
}
