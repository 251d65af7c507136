package group

import (
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ardentsec/cryptocore/internal/wire"
)

// EnsureChannelSession creates a channel's local sending chain if one does
// not exist yet (epoch 1, reason "initial"), returning the distribution
// message to fan out to every member. If a session already exists this
// compares memberIDs against the stored roster: any member no longer
// present has their RemoteSenderState evicted and a mandatory
// member-removal rekey is performed before returning. If nobody was
// removed but memberIDs names someone not on the stored roster and
// Policy.RekeyOnMemberAdd is set, a "member_added" rekey is performed.
// A nil or empty memberIDs leaves the roster and existing chain untouched,
// so callers that don't track membership keep the old no-op behavior.
// Creating the local chain keeps any remote senders' chains already
// recorded for the channel.
func (e *Engine) EnsureChannelSession(distributionID, localSenderID string, localDeviceID uint32, memberIDs []string) (SenderKeyDistribution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cs, ok := e.get(distributionID); ok && cs.LocalSendKey != nil {
		added := false
		for _, id := range memberIDs {
			if len(cs.Members) > 0 && !cs.Members[id] {
				added = true
			}
		}
		removed := cs.diffMembership(memberIDs)
		if len(removed) == 0 && added && e.policy.RekeyOnMemberAdd {
			return e.rekeyLocked(cs, RekeyReasonMemberAdded)
		}
		if len(removed) == 0 {
			if err := e.persistLocked(); err != nil {
				return SenderKeyDistribution{}, err
			}
			return SenderKeyDistribution{
				DistributionID: distributionID,
				SenderID:       cs.LocalSenderID,
				SenderDeviceID: cs.LocalDeviceID,
				EpochNumber:    cs.LocalSendKey.EpochNumber,
				ChainKey:       append([]byte(nil), cs.LocalSendKey.ChainKey...),
				Reason:         RekeyReasonInitial,
			}, nil
		}
		for _, senderID := range removed {
			cs.evictSender(senderID)
		}
		return e.rekeyLocked(cs, RekeyReasonMemberRemoved)
	}

	chainKey, err := generateChainKey()
	if err != nil {
		return SenderKeyDistribution{}, err
	}
	now := time.Now().UTC()
	cs, ok := e.get(distributionID)
	if !ok {
		cs = &ChannelSession{
			DistributionID: distributionID,
			RemoteSenders:  make(map[string]*RemoteSenderState),
			CreatedAt:      now,
		}
		e.channels[distributionID] = cs
	}
	cs.LocalSenderID = localSenderID
	cs.LocalDeviceID = localDeviceID
	cs.LocalSendKey = &SenderKeyState{EpochNumber: 1, ChainKey: chainKey}
	cs.EpochCreatedAt = now
	cs.diffMembership(memberIDs)
	if err := e.persistLocked(); err != nil {
		return SenderKeyDistribution{}, err
	}
	return SenderKeyDistribution{
		DistributionID: distributionID,
		SenderID:       localSenderID,
		SenderDeviceID: localDeviceID,
		EpochNumber:    1,
		ChainKey:       append([]byte(nil), chainKey...),
		Reason:         RekeyReasonInitial,
	}, nil
}

// Rekey advances the local sending chain to a new epoch. Caller decides the
// reason: member removal is mandatory; EnsureChannelSession applies the
// member-add rekey when Policy.RekeyOnMemberAdd is set, and ShouldRekey
// reports the policy's message/age thresholds.
func (e *Engine) Rekey(distributionID string, reason RekeyReason) (SenderKeyDistribution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.get(distributionID)
	if !ok || cs.LocalSendKey == nil {
		return SenderKeyDistribution{}, ErrChannelUnknown
	}
	return e.rekeyLocked(cs, reason)
}

// rekeyLocked performs the actual epoch advance; callers already hold e.mu
// and may have just mutated cs (e.g. evicting a removed member) in the same
// critical section.
func (e *Engine) rekeyLocked(cs *ChannelSession, reason RekeyReason) (SenderKeyDistribution, error) {
	chainKey, err := generateChainKey()
	if err != nil {
		return SenderKeyDistribution{}, err
	}
	nextEpoch := cs.LocalSendKey.EpochNumber + 1
	cs.LocalSendKey = &SenderKeyState{EpochNumber: nextEpoch, ChainKey: chainKey}
	cs.MessageCount = 0
	cs.EpochCreatedAt = time.Now().UTC()
	if err := e.persistLocked(); err != nil {
		return SenderKeyDistribution{}, err
	}
	return SenderKeyDistribution{
		DistributionID: cs.DistributionID,
		SenderID:       cs.LocalSenderID,
		SenderDeviceID: cs.LocalDeviceID,
		EpochNumber:    nextEpoch,
		ChainKey:       append([]byte(nil), chainKey...),
		Reason:         reason,
	}, nil
}

// ShouldRekey reports whether the local sending chain has crossed a
// policy-controlled threshold (max_messages, max_age).
// Removal-triggered rekeys bypass this check entirely — they are always
// mandatory regardless of policy.
func (e *Engine) ShouldRekey(distributionID string) (RekeyReason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.get(distributionID)
	if !ok || cs.LocalSendKey == nil {
		return "", false
	}
	if e.policy.MaxMessages > 0 && cs.MessageCount >= e.policy.MaxMessages {
		return RekeyReasonMaxMessages, true
	}
	if e.policy.MaxAge > 0 && time.Since(cs.EpochCreatedAt) >= e.policy.MaxAge {
		return RekeyReasonMaxAge, true
	}
	return "", false
}

// ProcessSenderKeyDistribution seeds or advances a remote sender's
// receiving chain from a fanned-out distribution message. Distribution
// messages travel over an already-authenticated pairwise session, so this
// never needs independent authentication of its own.
func (e *Engine) ProcessSenderKeyDistribution(distributionID string, dist SenderKeyDistribution) error {
	if err := dist.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.get(distributionID)
	if !ok {
		cs = &ChannelSession{
			DistributionID: distributionID,
			RemoteSenders:  make(map[string]*RemoteSenderState),
			CreatedAt:      time.Now().UTC(),
		}
		e.channels[distributionID] = cs
	}

	key := senderKey(dist.SenderID, dist.SenderDeviceID)
	rs, ok := cs.RemoteSenders[key]
	if !ok {
		rs = newRemoteSenderState(e.policy.ReplayWindowSize)
		cs.RemoteSenders[key] = rs
	}
	rs.Epochs[dist.EpochNumber] = &SenderKeyState{
		EpochNumber: dist.EpochNumber,
		ChainKey:    append([]byte(nil), dist.ChainKey...),
		SkippedKeys: make(map[uint64][]byte),
	}
	if dist.EpochNumber > rs.LastSeenEpoch {
		rs.LastSeenEpoch = dist.EpochNumber
	}
	rs.pruneOldEpochs()
	return e.persistLocked()
}

func channelAAD(distributionID string, epoch, counter uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d:%d", distributionID, epoch, counter))
}

// EncryptChannel seals plaintext under the local sending chain's current
// message key and advances the chain by one step.
func (e *Engine) EncryptChannel(distributionID string, plaintext []byte) (wire.ChannelEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.get(distributionID)
	if !ok || cs.LocalSendKey == nil {
		return wire.ChannelEnvelope{}, ErrChannelUnknown
	}

	state := cs.LocalSendKey
	nextChainKey, msgKey := advanceChain(state.ChainKey)
	counter := state.Counter

	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return wire.ChannelEnvelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return wire.ChannelEnvelope{}, err
	}
	aad := channelAAD(distributionID, state.EpochNumber, counter)
	sealed := aead.Seal(nil, nonce, plaintext, aad)

	state.ChainKey = nextChainKey
	state.Counter++
	cs.MessageCount++

	msgID, err := newMessageID()
	if err != nil {
		return wire.ChannelEnvelope{}, err
	}
	if err := e.persistLocked(); err != nil {
		return wire.ChannelEnvelope{}, err
	}

	return wire.ChannelEnvelope{
		Ciphertext:     append(nonce, sealed...),
		SenderDeviceID: cs.LocalDeviceID,
		DistributionID: distributionID,
		EpochNumber:    state.EpochNumber,
		MessageCounter: counter,
		MessageID:      msgID,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// DecryptChannel opens an inbound channel envelope from senderID/deviceID,
// validating in order: Replay, then StaleEpoch, then CounterReuse, then the
// AEAD open. The chain is only ever advanced, and skipped keys only ever
// consumed, after the AEAD open has authenticated the ciphertext — a forged
// or corrupted envelope must never move the receiving chain forward.
func (e *Engine) DecryptChannel(distributionID, senderID string, senderDeviceID uint32, envelope wire.ChannelEnvelope) ([]byte, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.get(distributionID)
	if !ok {
		return nil, ErrChannelUnknown
	}
	key := senderKey(senderID, senderDeviceID)
	rs, ok := cs.RemoteSenders[key]
	if !ok {
		return nil, ErrSenderKeyUnknown
	}

	replayKey := fmt.Sprintf("%d:%d", envelope.EpochNumber, envelope.MessageCounter)
	if rs.Replay.contains(replayKey) {
		recordRejection("replay")
		return nil, ErrReplay
	}

	if envelope.EpochNumber < rs.LastSeenEpoch && time.Since(envelope.Timestamp) > e.policy.OldEpochGracePeriod {
		recordRejection("stale_epoch")
		return nil, ErrStaleEpoch
	}
	state, ok := rs.Epochs[envelope.EpochNumber]
	if !ok {
		recordRejection("stale_epoch")
		return nil, ErrStaleEpoch
	}

	working := cloneSenderKeyState(state)
	msgKey, err := resolveMessageKey(working, envelope.MessageCounter)
	if err != nil {
		recordRejection("counter_reuse")
		return nil, err
	}

	if len(envelope.Ciphertext) < chacha20poly1305.NonceSizeX {
		recordRejection("corruption")
		return nil, ErrCorruption
	}
	nonce := envelope.Ciphertext[:chacha20poly1305.NonceSizeX]
	ciphertext := envelope.Ciphertext[chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return nil, err
	}
	aad := channelAAD(distributionID, envelope.EpochNumber, envelope.MessageCounter)
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		recordRejection("mac_failure")
		return nil, ErrMACFailure
	}

	// Only now, with the ciphertext authenticated, commit the chain advance
	// and the skipped-key consumption performed on the clone above.
	rs.Epochs[envelope.EpochNumber] = working
	rs.Replay.record(replayKey)
	if err := e.persistLocked(); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func cloneSenderKeyState(state *SenderKeyState) *SenderKeyState {
	clone := &SenderKeyState{
		EpochNumber: state.EpochNumber,
		ChainKey:    append([]byte(nil), state.ChainKey...),
		Counter:     state.Counter,
		SkippedKeys: make(map[uint64][]byte, len(state.SkippedKeys)),
	}
	for counter, key := range state.SkippedKeys {
		clone.SkippedKeys[counter] = append([]byte(nil), key...)
	}
	return clone
}

// resolveMessageKey returns the message key for counter, either from the
// skipped-key cache (out-of-order delivery) or by advancing the chain
// forward to it. A counter behind the chain's current position that is not
// in the skipped-key cache means its key was already derived and consumed:
// CounterReuse. Callers that must not advance real state until the message
// has been authenticated should pass a clone and only write it back on
// success.
func resolveMessageKey(state *SenderKeyState, counter uint64) ([]byte, error) {
	if counter < state.Counter {
		if key, ok := state.SkippedKeys[counter]; ok {
			delete(state.SkippedKeys, counter)
			return key, nil
		}
		return nil, ErrCounterReuse
	}
	if state.SkippedKeys == nil {
		state.SkippedKeys = make(map[uint64][]byte)
	}
	for state.Counter < counter {
		nextChainKey, skipKey := advanceChain(state.ChainKey)
		state.SkippedKeys[state.Counter] = skipKey
		state.ChainKey = nextChainKey
		state.Counter++
	}
	pruneOldestSkipped(state.SkippedKeys, maxSkippedKeysPerEpoch)

	nextChainKey, msgKey := advanceChain(state.ChainKey)
	state.ChainKey = nextChainKey
	state.Counter++
	return msgKey, nil
}

func pruneOldestSkipped(keys map[uint64][]byte, max int) {
	for len(keys) > max {
		var victim uint64
		first := true
		for k := range keys {
			if first || k < victim {
				victim = k
				first = false
			}
		}
		delete(keys, victim)
	}
}

func newMessageID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}
