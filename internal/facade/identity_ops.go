package facade

import "github.com/ardentsec/cryptocore/internal/identity"

// GetIdentityPublicKey returns the local signing identity key, base64
// encoded. Cached at Init time, so this never touches the keystore.
func (f *Facade) GetIdentityPublicKey() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return "", err
	}
	return b64(f.vault.PublicKey()), nil
}

// GetPreKeyBundle builds the upload bundle a peer fetches to establish a
// session with this device.
func (f *Facade) GetPreKeyBundle(oneTimeCount int) (identity.UploadBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return identity.UploadBundle{}, err
	}
	return f.vault.GetPreKeyBundle(oneTimeCount)
}

// GenerateMorePreKeys replenishes the one-time pre-key pool.
func (f *Facade) GenerateMorePreKeys(n int) ([]identity.OneTimePreKeyPublic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return nil, err
	}
	return f.vault.GenerateMorePreKeys(n)
}
