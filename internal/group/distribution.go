package group

// SenderKeyDistribution is the out-of-band message a sender fans out to
// every channel member whenever it (re)keys: the new epoch's chain key and
// starting counter, the way Signal's sender-key distribution message
// seeds every recipient's receiving chain.
type SenderKeyDistribution struct {
	DistributionID string      `json:"distributionId"`
	SenderID       string      `json:"senderId"`
	SenderDeviceID uint32      `json:"senderDeviceId"`
	EpochNumber    uint64      `json:"epochNumber"`
	ChainKey       []byte      `json:"chainKey"`
	Reason         RekeyReason `json:"reason"`
}

func (d SenderKeyDistribution) Validate() error {
	if d.DistributionID == "" || d.SenderID == "" {
		return ErrInvalidDistribution
	}
	if d.EpochNumber == 0 || len(d.ChainKey) != 32 {
		return ErrInvalidDistribution
	}
	return nil
}
