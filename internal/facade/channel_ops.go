package facade

import (
	"encoding/json"

	"github.com/ardentsec/cryptocore/internal/group"
	"github.com/ardentsec/cryptocore/internal/wire"
)

// EnsureChannelSession seeds (or returns the existing) local sending chain
// for distributionID, to be fanned out to memberIDs over their pairwise
// sessions. Passing the current roster here lets the engine detect removed
// members and perform the mandatory rekey itself; omit memberIDs (nil) if
// the caller doesn't track membership and only wants the existing chain.
func (f *Facade) EnsureChannelSession(distributionID string, memberIDs []string) (group.SenderKeyDistribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return group.SenderKeyDistribution{}, err
	}
	if err := f.checkLocalUserID(); err != nil {
		return group.SenderKeyDistribution{}, err
	}
	dist, err := f.groups.EnsureChannelSession(distributionID, f.localUserID, primaryDeviceID, memberIDs)
	if err != nil {
		return group.SenderKeyDistribution{}, err
	}
	if f.logger != nil && len(memberIDs) > 0 {
		f.logger.Debug("facade: channel session ensured",
			"distributionId", distributionID, "epoch", dist.EpochNumber)
	}
	return dist, nil
}

// RekeyChannel forces distributionID's local sending chain to a new epoch
// for the given reason, regardless of whether EnsureChannelSession's
// membership diff would have triggered one on its own.
func (f *Facade) RekeyChannel(distributionID string, reason group.RekeyReason) (group.SenderKeyDistribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return group.SenderKeyDistribution{}, err
	}
	if err := f.checkLocalUserID(); err != nil {
		return group.SenderKeyDistribution{}, err
	}
	return f.groups.Rekey(distributionID, reason)
}

// ShouldRekeyChannel reports whether distributionID's local sending chain
// has crossed a policy threshold (message count or age) and, if so, the
// reason to pass to RekeyChannel.
func (f *Facade) ShouldRekeyChannel(distributionID string) (group.RekeyReason, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups.ShouldRekey(distributionID)
}

// EncryptChannel seals plaintext under distributionID's local sending
// chain, returning the wire envelope JSON-encoded for transport.
func (f *Facade) EncryptChannel(distributionID string, plaintext []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return "", err
	}
	if err := f.checkLocalUserID(); err != nil {
		return "", err
	}
	envelope, err := f.groups.EncryptChannel(distributionID, plaintext)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecryptChannel opens an inbound channel envelope from senderID, rejecting
// replays, stale epochs, and reused counters before attempting the AEAD
// open.
func (f *Facade) DecryptChannel(distributionID, senderID string, senderDeviceID uint32, envelopeJSON string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return nil, err
	}
	if err := f.checkLocalUserID(); err != nil {
		return nil, err
	}
	var envelope wire.ChannelEnvelope
	if err := json.Unmarshal([]byte(envelopeJSON), &envelope); err != nil {
		return nil, wire.ErrInvalidChannelEnvelope
	}
	return f.groups.DecryptChannel(distributionID, senderID, senderDeviceID, envelope)
}

// ProcessSenderKeyDistribution applies an incoming distribution message
// fanned out over an already-authenticated pairwise session.
func (f *Facade) ProcessSenderKeyDistribution(distributionID string, distJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialized(); err != nil {
		return err
	}
	if err := f.checkLocalUserID(); err != nil {
		return err
	}
	var dist group.SenderKeyDistribution
	if err := json.Unmarshal(distJSON, &dist); err != nil {
		return group.ErrInvalidDistribution
	}
	return f.groups.ProcessSenderKeyDistribution(distributionID, dist)
}
