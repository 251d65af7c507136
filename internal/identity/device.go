package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrDeviceNotFound = errors.New("identity: device not found")
	ErrDeviceRevoked  = errors.New("identity: device revoked")
)

type devicePrivate struct {
	model Device
	priv  ed25519.PrivateKey
}

// initPrimaryDevice derives the vault's first device sub-identity
// deterministically from the identity signing key, so it never needs
// separate persistence.
func (v *Vault) initPrimaryDevice() error {
	if len(v.signingPriv) < 32 {
		return errors.New("identity: invalid identity private key")
	}
	seed := v.signingPriv[:32]
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	id := deviceIDFromPub(pub)
	certSig := ed25519.Sign(v.signingPriv, deviceCertBytes(v.identityID, id, pub))
	now := time.Now().UTC()
	v.devices = map[string]devicePrivate{
		id: {
			model: Device{
				ID:        id,
				Name:      "primary",
				PublicKey: append([]byte(nil), pub...),
				CertSig:   certSig,
				CreatedAt: now,
			},
			priv: append(ed25519.PrivateKey(nil), priv...),
		},
	}
	v.activeDeviceID = id
	return nil
}

// ListDevices returns every local device sub-identity, revoked or not.
func (v *Vault) ListDevices() []Device {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Device, 0, len(v.devices))
	for _, d := range v.devices {
		out = append(out, cloneDevice(d.model))
	}
	return out
}

// AddDevice derives and certifies a new local device sub-identity.
func (v *Vault) AddDevice(name string) (Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "device"
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	index := len(v.devices) + 1
	seed, err := deriveDeviceSeed(v.signingPriv[:32], index)
	if err != nil {
		return Device{}, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	id := deviceIDFromPub(pub)
	now := time.Now().UTC()
	device := Device{
		ID:        id,
		Name:      name,
		PublicKey: append([]byte(nil), pub...),
		CertSig:   ed25519.Sign(v.signingPriv, deviceCertBytes(v.identityID, id, pub)),
		CreatedAt: now,
	}
	v.devices[id] = devicePrivate{
		model: device,
		priv:  append(ed25519.PrivateKey(nil), priv...),
	}
	return cloneDevice(device), nil
}

// RevokeDevice marks a local device sub-identity revoked and returns a
// signed revocation record a peer can apply to their own trust state.
func (v *Vault) RevokeDevice(deviceID string) (DeviceRevocation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.devices[deviceID]
	if !ok {
		return DeviceRevocation{}, ErrDeviceNotFound
	}
	if !d.model.IsRevoked {
		d.model.IsRevoked = true
		d.model.RevokedAt = time.Now().UTC()
		v.devices[deviceID] = d
	}
	return v.buildRevocationLocked(deviceID), nil
}

// ActiveDeviceAuth signs payload with the currently active local device key.
func (v *Vault) ActiveDeviceAuth(payload []byte) (Device, []byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d, ok := v.devices[v.activeDeviceID]
	if !ok {
		return Device{}, nil, ErrDeviceNotFound
	}
	if d.model.IsRevoked {
		return Device{}, nil, ErrDeviceRevoked
	}
	sig := ed25519.Sign(d.priv, payload)
	return cloneDevice(d.model), sig, nil
}

func (v *Vault) buildRevocationLocked(deviceID string) DeviceRevocation {
	now := time.Now().UTC()
	return DeviceRevocation{
		IdentityID: v.identityID,
		DeviceID:   deviceID,
		Timestamp:  now,
		Signature:  ed25519.Sign(v.signingPriv, deviceRevocationBytes(v.identityID, deviceID, now)),
	}
}

func deviceIDFromPub(pub []byte) string {
	sum := sha256.Sum256(pub)
	return "dev1_" + hex.EncodeToString(sum[:8])
}

func deviceCertBytes(identityID, deviceID string, pub []byte) []byte {
	b := make([]byte, 0, len(identityID)+len(deviceID)+len(pub)+2)
	b = append(b, []byte(identityID)...)
	b = append(b, 0)
	b = append(b, []byte(deviceID)...)
	b = append(b, 0)
	b = append(b, pub...)
	return b
}

func deviceRevocationBytes(identityID, deviceID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", identityID, deviceID, ts.UnixNano()))
}

func deriveDeviceSeed(masterSeed []byte, index int) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterSeed, nil, []byte(fmt.Sprintf("cryptocore/device/%d", index)))
	out := make([]byte, 32)
	_, err := reader.Read(out)
	return out, err
}

func cloneDevice(d Device) Device {
	return Device{
		ID:        d.ID,
		Name:      d.Name,
		PublicKey: append([]byte(nil), d.PublicKey...),
		CertSig:   append([]byte(nil), d.CertSig...),
		CreatedAt: d.CreatedAt,
		IsRevoked: d.IsRevoked,
		RevokedAt: d.RevokedAt,
	}
}
