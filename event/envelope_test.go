package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("run-1", TypeStep, 3, StepPayload{StepID: "collect", Percent: 20})
	require.NoError(t, err)

	assert.Equal(t, "run-1", env.RunID)
	assert.Equal(t, uint64(3), env.Sequence)
	assert.False(t, env.EmittedAt.IsZero())
	assert.JSONEq(t, `{"stepId":"collect","percent":20}`, string(env.Payload))
	assert.False(t, env.IsTerminal())
}

func TestNewEnvelope_RawPayloadIsCopied(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	env, err := NewEnvelope("run-1", TypeEvidence, 1, raw)
	require.NoError(t, err)

	raw[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(env.Payload))
}

func TestNewEnvelope_InvalidBytes(t *testing.T) {
	_, err := NewEnvelope("run-1", TypeEvidence, 1, []byte("not json"))
	assert.Error(t, err)
}

func TestNewEnvelope_InvalidRawMessage(t *testing.T) {
	_, err := NewEnvelope("run-1", TypeEvidence, 1, json.RawMessage(`{"doc":`))
	assert.Error(t, err)

	_, err = MarshalPayload(json.RawMessage(`{"doc":`))
	assert.Error(t, err)
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope("run-1", TypeStarted, 0, nil)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "payload")
}
