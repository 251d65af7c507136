package group

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	chainInfo   = "cryptocore/group/chain/v1"
	messageInfo = "cryptocore/group/message/v1"
)

func kdf32(input []byte, info string) []byte {
	reader := hkdf.New(sha256.New, input, nil, []byte(info))
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

// advanceChain derives the next chain key and the message key for the
// current counter position, the same two-output HKDF step as the pairwise
// ratchet's kdfCK, applied here to a single symmetric sender chain instead
// of a DH-rotating one — sender keys have no per-message DH step, so forward
// secrecy here comes purely from the epoch boundary, not from this step.
func advanceChain(chainKey []byte) (nextChainKey, messageKey []byte) {
	return kdf32(chainKey, chainInfo), kdf32(chainKey, messageInfo)
}

func generateChainKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
