package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is a stage in the run taxonomy.
type Type string

const (
	TypeStarted    Type = "started"
	TypeStep       Type = "step"
	TypeEvidence   Type = "evidence"
	TypeConfidence Type = "confidence"
	TypeProposal   Type = "proposal"
	TypeCompleted  Type = "completed"
	TypeFailed     Type = "failed"
)

// rank orders the stages; a run may only move to an equal or higher rank.
var rank = map[Type]int{
	TypeStarted:    0,
	TypeStep:       1,
	TypeEvidence:   2,
	TypeConfidence: 3,
	TypeProposal:   4,
	TypeCompleted:  5,
	TypeFailed:     5,
}

// Valid reports whether t belongs to the taxonomy.
func (t Type) Valid() bool {
	_, ok := rank[t]
	return ok
}

// IsTerminal reports whether t ends a run.
func (t Type) IsTerminal() bool {
	return t == TypeCompleted || t == TypeFailed
}

// Envelope is one event of one run. It is immutable once created.
type Envelope struct {
	RunID     string          `json:"runId"`
	Type      Type            `json:"type"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// NewEnvelope marshals payload and builds an envelope stamped with the
// current time. A nil payload is encoded as an absent field.
func NewEnvelope(runID string, t Type, seq uint64, payload any) (Envelope, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		RunID:     runID,
		Type:      t,
		Sequence:  seq,
		Payload:   raw,
		EmittedAt: time.Now().UTC(),
	}, nil
}

// MarshalPayload encodes payload as JSON. Raw JSON is copied, not re-encoded.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return copyValidJSON(p)
	case []byte:
		return copyValidJSON(p)
	default:
		return json.Marshal(p)
	}
}

func copyValidJSON(p []byte) (json.RawMessage, error) {
	if !json.Valid(p) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return append(json.RawMessage(nil), p...), nil
}

// IsTerminal reports whether the envelope ends its run.
func (e Envelope) IsTerminal() bool {
	return e.Type.IsTerminal()
}
