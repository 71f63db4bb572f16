package engine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// fingerprintInput is the frozen structure the plan fingerprint is computed
// over. Field order and canonicalized JSON keep the hash deterministic:
// compiling identical inputs always yields an identical fingerprint.
type fingerprintInput struct {
	DeviceIDs         []string        `json:"device_ids"`
	Topic             ChangeTopic     `json:"topic"`
	Desired           json.RawMessage `json:"desired"`
	Changes           []DeviceChange  `json:"changes"`
	BatchSize         int             `json:"batch_size"`
	PauseSeconds      int64           `json:"pause_seconds"`
	RollbackOnFailure bool            `json:"rollback_on_failure"`
}

// ComputeFingerprint computes the plan's content hash over its immutable inputs.
// Any recompilation with different devices, desired state, or batch
// parameters produces a different fingerprint, which invalidates approvals
// bound to the old one.
func (p *Plan) ComputeFingerprint() (string, error) {
	deviceIDs := p.DeviceIDs()

	changes := make([]DeviceChange, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if c, ok := p.DeviceChanges[id]; ok {
			changes = append(changes, c)
		}
	}

	desired, err := canonicalJSON(p.Desired)
	if err != nil {
		return "", NewPermanentError("failed to canonicalize desired state", err).
			WithCode(ErrCodeValidation)
	}

	in := fingerprintInput{
		DeviceIDs:         deviceIDs,
		Topic:             p.Topic,
		Desired:           desired,
		Changes:           changes,
		BatchSize:         p.BatchSize,
		PauseSeconds:      int64(p.PauseBetweenBatches.Seconds()),
		RollbackOnFailure: p.RollbackOnFailure,
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return "", NewPermanentError("failed to marshal fingerprint input", err).
			WithCode(ErrCodeInternal)
	}

	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON round-trips a raw message through an interface{} so that
// object keys serialize in sorted order regardless of input formatting.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
