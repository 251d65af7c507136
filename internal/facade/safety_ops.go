package facade

// ComputeSafetyNumber derives the 60-digit verification code for the local
// identity and a peer's identity key. It never touches the keystore and is
// safe to call repeatedly — the result is never cached.
func (f *Facade) ComputeSafetyNumber(peerID, peerKeyB64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return "", err
	}
	peerKey, err := unb64(peerKeyB64)
	if err != nil {
		return "", err
	}
	localUserID := f.localUserID
	sn, err := f.safetyNumber.Compute(localUserID, f.vault.PublicKey(), peerID, peerKey)
	if err != nil {
		return "", err
	}
	return sn.String(), nil
}
