package session

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ardentsec/cryptocore/internal/identity"
)

const x3dhInfo = "cryptocore/x3dh/v1"

type dhPair struct {
	priv []byte
	pub  []byte
}

func combineDH(pairs ...dhPair) ([]byte, error) {
	material := make([]byte, 0, 32*len(pairs))
	for _, p := range pairs {
		dh, err := curve25519.X25519(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		material = append(material, dh...)
	}
	return material, nil
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

// initiatorHandshake runs the initiator side of X3DH against a peer's
// upload bundle: DH1 = IK_A x SPK_B, DH2 = EK_A x IK_B, DH3 = EK_A x SPK_B,
// optional DH4 = EK_A x OPK_B, then KEM encapsulation against the peer's
// KEM pre-key, which is always performed: a bundle without a valid signed
// KEM pre-key is rejected with ErrInvalidBundle. Grounded on the teacher's X3DHInitiatorSharedSecret
// and the DH1-4 structure from the X3DH reference implementation in the
// retrieved pack.
func initiatorHandshake(localIKPriv []byte, peerBundle identity.UploadBundle) (sharedSecret, ephemeralPriv, ephemeralPub []byte, kemCiphertext []byte, usedOPK *uint32, err error) {
	if !identity.VerifySignedPreKey(peerBundle.IdentityPublicKey, peerBundle.SignedPreKey) {
		return nil, nil, nil, nil, nil, ErrInvalidBundle
	}
	if !identity.VerifyKEMPreKey(peerBundle.IdentityPublicKey, peerBundle.KEMPreKey) {
		return nil, nil, nil, nil, nil, ErrInvalidBundle
	}

	ekPriv := make([]byte, 32)
	if _, err = rand.Read(ekPriv); err != nil {
		return nil, nil, nil, nil, nil, err
	}
	ekPub, err := curve25519.X25519(ekPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	material, err := combineDH(
		dhPair{priv: localIKPriv, pub: peerBundle.SignedPreKey.PublicKey},
		dhPair{priv: ekPriv, pub: peerBundle.IdentityDHPublicKey},
		dhPair{priv: ekPriv, pub: peerBundle.SignedPreKey.PublicKey},
	)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	var otpUsed *uint32
	if len(peerBundle.OneTimePreKeys) > 0 {
		otp := peerBundle.OneTimePreKeys[0]
		dh4, derr := curve25519.X25519(ekPriv, otp.PublicKey)
		if derr != nil {
			return nil, nil, nil, nil, nil, derr
		}
		material = append(material, dh4...)
		id := otp.ID
		otpUsed = &id
	}

	peerKEMPub, err := identity.UnmarshalKEMPublicKey(peerBundle.KEMPreKey.PublicKey)
	if err != nil {
		return nil, nil, nil, nil, nil, ErrInvalidBundle
	}
	ct, ss, err := identity.KEMEncapsulate(peerKEMPub)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	material = append(material, ss...)

	return kdf32(material, []byte(x3dhInfo)), ekPriv, ekPub, ct, otpUsed, nil
}

// responderHandshake runs the responder side of X3DH: DH1 = SPK_B x IK_A,
// DH2 = IK_B x EK_A, DH3 = SPK_B x EK_A, optional DH4 = OPK_B x EK_A,
// KEM decapsulation against the local KEM pre-key ciphertext.
func responderHandshake(localIKPriv, localSPKPriv []byte, localOPKPriv []byte, peerIKPub, peerEKPub []byte, kemPrivBytes, kemCiphertext []byte) ([]byte, error) {
	material, err := combineDH(
		dhPair{priv: localSPKPriv, pub: peerIKPub},
		dhPair{priv: localIKPriv, pub: peerEKPub},
		dhPair{priv: localSPKPriv, pub: peerEKPub},
	)
	if err != nil {
		return nil, err
	}
	if len(localOPKPriv) == 32 {
		dh4, derr := curve25519.X25519(localOPKPriv, peerEKPub)
		if derr != nil {
			return nil, derr
		}
		material = append(material, dh4...)
	}
	ss, err := identity.KEMDecapsulate(kemPrivBytes, kemCiphertext)
	if err != nil {
		return nil, err
	}
	material = append(material, ss...)
	return kdf32(material, []byte(x3dhInfo)), nil
}
