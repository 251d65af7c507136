package identity

// GetPreKeyBundle builds the upload bundle a peer fetches to establish a
// session. It lazily generates the signed and KEM pre-keys on first call,
// and emits n one-time pre-keys, advancing the counter past the last id
// emitted.
func (v *Vault) GetPreKeyBundle(oneTimeCount int) (UploadBundle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkInitialized(); err != nil {
		return UploadBundle{}, err
	}

	if v.signedPreKey == nil {
		id := v.preKeyIDCounter
		v.preKeyIDCounter++
		spk, err := v.generateSignedPreKey(id)
		if err != nil {
			return UploadBundle{}, err
		}
		v.signedPreKey = spk
		v.signedPreKeyID = id
	}
	if v.kemPreKey == nil {
		id := v.preKeyIDCounter
		v.preKeyIDCounter++
		kpk, err := v.generateKEMPreKey(id)
		if err != nil {
			return UploadBundle{}, err
		}
		v.kemPreKey = kpk
		v.kemPreKeyID = id
	}

	var generated []OneTimePreKeyPublic
	if oneTimeCount > 0 {
		var err error
		generated, err = v.generateOneTimePreKeysLocked(oneTimeCount)
		if err != nil {
			return UploadBundle{}, err
		}
	}

	if err := v.persistPreKeysLocked(); err != nil {
		return UploadBundle{}, err
	}
	if err := v.persistLocked(); err != nil {
		return UploadBundle{}, err
	}

	return UploadBundle{
		IdentityPublicKey:   append([]byte(nil), v.signingPub...),
		IdentityDHPublicKey: append([]byte(nil), v.dhPub...),
		RegistrationID:      v.registrationID,
		SignedPreKey: SignedPreKeyPublic{
			ID:        v.signedPreKey.ID,
			PublicKey: append([]byte(nil), v.signedPreKey.PublicKey...),
			Signature: append([]byte(nil), v.signedPreKey.Signature...),
		},
		KEMPreKey: KEMPreKeyPublic{
			ID:        v.kemPreKey.ID,
			PublicKey: append([]byte(nil), v.kemPreKey.PublicKey...),
			Signature: append([]byte(nil), v.kemPreKey.Signature...),
		},
		OneTimePreKeys: generated,
	}, nil
}

// GenerateMorePreKeys replenishes the one-time pre-key pool: reads the
// counter, emits ids [counter, counter+n), persists the new keypairs, and
// advances the counter as the last step.
func (v *Vault) GenerateMorePreKeys(n int) ([]OneTimePreKeyPublic, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkInitialized(); err != nil {
		return nil, err
	}
	generated, err := v.generateOneTimePreKeysLocked(n)
	if err != nil {
		return nil, err
	}
	if err := v.persistPreKeysLocked(); err != nil {
		return nil, err
	}
	if err := v.persistLocked(); err != nil {
		return nil, err
	}
	return generated, nil
}

func (v *Vault) generateOneTimePreKeysLocked(n int) ([]OneTimePreKeyPublic, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]OneTimePreKeyPublic, 0, n)
	startID := v.preKeyIDCounter
	for i := 0; i < n; i++ {
		id := startID + uint32(i)
		priv, pub, err := generateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		v.oneTimePreKeys[id] = &OneTimePreKey{ID: id, PublicKey: pub, PrivateKey: priv}
		out = append(out, OneTimePreKeyPublic{ID: id, PublicKey: append([]byte(nil), pub...)})
	}
	// Counter write is the last step of the sequence.
	v.preKeyIDCounter = startID + uint32(n)
	return out, nil
}

// ConsumePreKey returns the one-time pre-key keypair referenced by id and
// deletes it. Double-consumption fails with ErrPreKeyExhausted.
func (v *Vault) ConsumePreKey(id uint32) (*OneTimePreKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkInitialized(); err != nil {
		return nil, err
	}
	otk, ok := v.oneTimePreKeys[id]
	if !ok {
		return nil, ErrPreKeyExhausted
	}
	delete(v.oneTimePreKeys, id)
	if err := v.persistPreKeysLocked(); err != nil {
		return nil, err
	}
	clone := *otk
	clone.PrivateKey = append([]byte(nil), otk.PrivateKey...)
	clone.PublicKey = append([]byte(nil), otk.PublicKey...)
	return &clone, nil
}

// SignedPreKeyPrivate returns the active signed pre-key's private key, for
// the session engine's responder-side handshake step.
func (v *Vault) SignedPreKeyPrivate(id uint32) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.signedPreKey == nil || v.signedPreKey.ID != id {
		return nil, false
	}
	return append([]byte(nil), v.signedPreKey.PrivateKey...), true
}

// KEMPreKeyPrivate returns the active KEM pre-key's private key bytes.
func (v *Vault) KEMPreKeyPrivate(id uint32) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.kemPreKey == nil || v.kemPreKey.ID != id {
		return nil, false
	}
	return append([]byte(nil), v.kemPreKey.PrivateKey...), true
}
