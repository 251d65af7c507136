package facade

import "github.com/ardentsec/cryptocore/internal/trust"

// StoreIdentity records or checks a peer's identity key under TOFU.
// keyB64 is base64-encoded.
func (f *Facade) StoreIdentity(peerID, keyB64 string) (trust.StoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return trust.StoreResult{}, err
	}
	key, err := unb64(keyB64)
	if err != nil {
		return trust.StoreResult{}, err
	}
	return f.trustStore.StoreIdentity(peerID, key)
}

// CheckIdentityStatus reports a peer's trust state against keyB64 without
// mutating the record.
func (f *Facade) CheckIdentityStatus(peerID, keyB64 string) (trust.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return trust.Status{}, err
	}
	key, err := unb64(keyB64)
	if err != nil {
		return trust.Status{}, err
	}
	return f.trustStore.CheckIdentityStatus(peerID, key)
}

// MarkIdentityVerified promotes a peer's trust level to verified, e.g.
// after a successful safety-number comparison.
func (f *Facade) MarkIdentityVerified(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return err
	}
	return f.trustStore.MarkVerified(peerID)
}

// RevokeTrust marks a peer's identity as explicitly untrusted.
func (f *Facade) RevokeTrust(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return err
	}
	return f.trustStore.RevokeTrust(peerID)
}

// DeleteIdentity removes a peer's trust record entirely.
func (f *Facade) DeleteIdentity(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return err
	}
	return f.trustStore.DeleteIdentity(peerID)
}
