// Package group implements the group sender-key engine: per-epoch symmetric
// chains distributed out of band, with mandatory rekey on member removal
// and a bounded per-sender replay window.
package group

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ardentsec/cryptocore/internal/keystore"
)

var (
	ErrChannelUnknown      = errors.New("group: unknown channel session")
	ErrSenderKeyUnknown    = errors.New("group: unknown sender key")
	ErrReplay              = errors.New("group: replayed message")
	ErrStaleEpoch          = errors.New("group: stale epoch")
	ErrCounterReuse        = errors.New("group: counter reuse")
	ErrMACFailure          = errors.New("group: mac failure")
	ErrCorruption          = errors.New("group: corrupted record")
	ErrInvalidDistribution = errors.New("group: invalid sender-key distribution")
)

const storeKeyChannels = "channels"

// RekeyReason mirrors the teacher's GroupEventType closed-tag-union
// convention, applied to why a sender-key epoch advanced.
type RekeyReason string

const (
	RekeyReasonInitial       RekeyReason = "initial"
	RekeyReasonMemberAdded   RekeyReason = "member_added"
	RekeyReasonMemberRemoved RekeyReason = "member_removed"
	RekeyReasonRotation      RekeyReason = "rotation"
	RekeyReasonMaxMessages   RekeyReason = "max_messages"
	RekeyReasonMaxAge        RekeyReason = "max_age"
)

// Policy controls the non-mandatory rekeys: RekeyOnMemberAdd is applied by
// EnsureChannelSession, and the message/age thresholds are reported by
// ShouldRekey. Removal is always mandatory regardless of policy.
type Policy struct {
	RekeyOnMemberAdd    bool
	MaxMessages         uint64
	MaxAge              time.Duration
	ReplayWindowSize    int
	OldEpochGracePeriod time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RekeyOnMemberAdd:    false,
		MaxMessages:         1000,
		MaxAge:              7 * 24 * time.Hour,
		ReplayWindowSize:    1000,
		OldEpochGracePeriod: 5 * time.Minute,
	}
}

// Engine owns every channel's sender-key state, persisted as one aggregate
// blob under the keystore key "channels" — the same load-all/mutate/
// write-all idiom as internal/session and internal/keystore's file backend.
type Engine struct {
	mu       sync.Mutex
	store    *keystore.KeyStore
	policy   Policy
	channels map[string]*ChannelSession
}

func New(store *keystore.KeyStore, policy Policy) *Engine {
	return &Engine{store: store, policy: policy, channels: make(map[string]*ChannelSession)}
}

func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, err := e.store.Get(storeKeyChannels)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			e.channels = make(map[string]*ChannelSession)
			return nil
		}
		return err
	}
	var channels map[string]*ChannelSession
	if err := json.Unmarshal(raw, &channels); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	e.channels = channels
	return nil
}

func (e *Engine) persistLocked() error {
	data, err := json.Marshal(e.channels)
	if err != nil {
		return err
	}
	return e.store.Set(storeKeyChannels, data)
}

// SenderKeyState is one sender's chain within a single epoch. SkippedKeys
// caches message keys derived ahead of Counter so a bounded amount of
// reordering within the epoch can still decrypt after a later message
// advances the chain past them.
type SenderKeyState struct {
	EpochNumber uint64            `json:"epochNumber"`
	ChainKey    []byte            `json:"chainKey"`
	Counter     uint64            `json:"counter"`
	SkippedKeys map[uint64][]byte `json:"skippedKeys"`
}

// RemoteSenderState tracks one remote (senderID, deviceID)'s epoch history:
// its live chain per retained epoch and how far it has advanced, so
// messages from a slightly stale epoch can still be decrypted before that
// epoch is pruned.
type RemoteSenderState struct {
	LastSeenEpoch uint64                     `json:"lastSeenEpoch"`
	Epochs        map[uint64]*SenderKeyState `json:"epochs"`
	Replay        *ReplayWindow              `json:"replay"`
}

// maxRetainedEpochLag is how far behind LastSeenEpoch an epoch's chain
// state is kept before being pruned.
const maxRetainedEpochLag = 2

// maxSkippedKeysPerEpoch bounds memory the same way the pairwise ratchet
// bounds its skipped-key map.
const maxSkippedKeysPerEpoch = 1000

func newRemoteSenderState(replayWindowSize int) *RemoteSenderState {
	if replayWindowSize <= 0 {
		replayWindowSize = 1000
	}
	return &RemoteSenderState{Epochs: make(map[uint64]*SenderKeyState), Replay: NewReplayWindow(replayWindowSize)}
}

func (r *RemoteSenderState) pruneOldEpochs() {
	if r.LastSeenEpoch <= maxRetainedEpochLag {
		return
	}
	floor := r.LastSeenEpoch - maxRetainedEpochLag
	for epoch := range r.Epochs {
		if epoch < floor {
			delete(r.Epochs, epoch)
		}
	}
}

// ReplayWindow is a merged ring-buffer/set of recently seen (epoch,
// counter) pairs for one remote sender, bounding memory while still
// catching replays and reordering within a fixed lookback.
type ReplayWindow struct {
	Size    int      `json:"size"`
	Seen    []string `json:"seen"`    // ring buffer of "epoch:counter" keys, oldest first
	seenSet map[string]bool
}

func NewReplayWindow(size int) *ReplayWindow {
	if size <= 0 {
		size = 1000
	}
	return &ReplayWindow{Size: size, seenSet: make(map[string]bool)}
}

func (w *ReplayWindow) ensureSet() {
	if w.seenSet == nil {
		w.seenSet = make(map[string]bool, len(w.Seen))
		for _, k := range w.Seen {
			w.seenSet[k] = true
		}
	}
}

func (w *ReplayWindow) contains(key string) bool {
	w.ensureSet()
	return w.seenSet[key]
}

func (w *ReplayWindow) record(key string) {
	w.ensureSet()
	if w.seenSet[key] {
		return
	}
	w.Seen = append(w.Seen, key)
	w.seenSet[key] = true
	for len(w.Seen) > w.Size {
		victim := w.Seen[0]
		w.Seen = w.Seen[1:]
		delete(w.seenSet, victim)
	}
}

// ChannelSession is one channel/distribution's full state from this
// device's point of view: the local sending chain (if this device has ever
// sent), every remote sender's current receiving chain, and a replay
// window per remote sender.
type ChannelSession struct {
	DistributionID string                        `json:"distributionId"`
	LocalSenderID  string                        `json:"localSenderId"`
	LocalDeviceID  uint32                        `json:"localDeviceId"`
	LocalSendKey   *SenderKeyState               `json:"localSendKey,omitempty"`
	RemoteSenders  map[string]*RemoteSenderState `json:"remoteSenders"` // "<senderId>:<deviceId>" -> state
	Members        map[string]bool               `json:"members"`       // current roster, senderID -> true
	MessageCount   uint64                        `json:"messageCount"`
	CreatedAt      time.Time                     `json:"createdAt"`
	EpochCreatedAt time.Time                     `json:"epochCreatedAt"`
}

func senderKey(senderID string, deviceID uint32) string {
	return fmt.Sprintf("%s:%d", senderID, deviceID)
}

// evictSender marks every retained epoch of senderID's chains as expired by
// dropping its RemoteSenderState entirely, for every device ID it has ever
// been seen under. A future distribution from a re-added member starts a
// fresh chain from scratch; a removed member's old chain can no longer
// decrypt anything past the rekey that follows.
func (cs *ChannelSession) evictSender(senderID string) {
	prefix := senderID + ":"
	for key := range cs.RemoteSenders {
		if strings.HasPrefix(key, prefix) {
			delete(cs.RemoteSenders, key)
		}
	}
}

// diffMembership compares the new roster against the stored one and
// returns the senderIDs that are no longer present. A nil or empty
// newMembers leaves the roster untouched (callers that don't track
// membership at all never trigger mandatory-removal rekeys).
func (cs *ChannelSession) diffMembership(newMembers []string) []string {
	if len(newMembers) == 0 {
		return nil
	}
	next := make(map[string]bool, len(newMembers))
	for _, id := range newMembers {
		next[id] = true
	}
	var removed []string
	for id := range cs.Members {
		if !next[id] {
			removed = append(removed, id)
		}
	}
	cs.Members = next
	return removed
}

func (e *Engine) get(distributionID string) (*ChannelSession, bool) {
	cs, ok := e.channels[distributionID]
	return cs, ok
}

func (e *Engine) HasChannel(distributionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.get(distributionID)
	return ok
}

func (e *Engine) DeleteChannel(distributionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, distributionID)
	return e.persistLocked()
}
