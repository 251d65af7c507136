package facade

// ClearAllData wipes every persisted record but leaves the façade usable
// for a fresh identity.
func (f *Facade) ClearAllData() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return err
	}
	return f.store.Clear()
}

// CryptoShred destroys the master key and best-effort scrubs storage — the
// real guarantee is destruction of the master key, not secure erasure of
// every disk block. The façade is left uninitialized afterward — callers
// must Init again before any other operation.
func (f *Facade) CryptoShred() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return err
	}
	err := f.store.Shred()
	f.initialized = false
	f.localUserID = ""
	return err
}
