package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGuard_FullSequence(t *testing.T) {
	var g Guard
	require.NoError(t, g.Admit(TypeStarted, 0))
	require.NoError(t, g.Admit(TypeStep, 10))
	require.NoError(t, g.Admit(TypeStep, 10))
	require.NoError(t, g.Admit(TypeStep, 55))
	require.NoError(t, g.Admit(TypeEvidence, 0))
	require.NoError(t, g.Admit(TypeEvidence, 0))
	require.NoError(t, g.Admit(TypeConfidence, 0))
	require.NoError(t, g.Admit(TypeProposal, 0))
	require.NoError(t, g.Admit(TypeCompleted, 0))

	assert.True(t, g.Terminated())
	assert.Equal(t, TypeCompleted, g.Stage())
}

func TestGuard_SkipsOptionalStages(t *testing.T) {
	var g Guard
	require.NoError(t, g.Admit(TypeStarted, 0))
	require.NoError(t, g.Admit(TypeCompleted, 0))
}

func TestGuard_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup []Type
		next  Type
	}{
		{"step before started", nil, TypeStep},
		{"completed before started", nil, TypeCompleted},
		{"started twice", []Type{TypeStarted}, TypeStarted},
		{"step after evidence", []Type{TypeStarted, TypeEvidence}, TypeStep},
		{"evidence after proposal", []Type{TypeStarted, TypeProposal}, TypeEvidence},
		{"confidence twice", []Type{TypeStarted, TypeConfidence}, TypeConfidence},
		{"event after completed", []Type{TypeStarted, TypeCompleted}, TypeStep},
		{"failed after completed", []Type{TypeStarted, TypeCompleted}, TypeFailed},
		{"completed after failed", []Type{TypeStarted, TypeFailed}, TypeCompleted},
		{"unknown type", []Type{TypeStarted}, Type("bogus")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g Guard
			for _, s := range tt.setup {
				require.NoError(t, g.Admit(s, 0))
			}
			before := g
			err := g.Admit(tt.next, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrOutOfOrder))
			assert.Equal(t, before, g, "rejected event must not change state")
		})
	}
}

func TestGuard_StepPercent(t *testing.T) {
	var g Guard
	require.NoError(t, g.Admit(TypeStarted, 0))
	require.NoError(t, g.Admit(TypeStep, 40))

	assert.Error(t, g.Admit(TypeStep, 39.5))
	assert.Error(t, g.Admit(TypeStep, 101))
	assert.NoError(t, g.Admit(TypeStep, 100))
}

func TestGuard_FailedBeforeStarted(t *testing.T) {
	var g Guard
	require.NoError(t, g.Admit(TypeFailed, 0))
	assert.True(t, g.Terminated())
}

// Every sequence the guard admits respects the taxonomy order and holds at
// most one terminal event, which is always last.
func TestGuard_AdmittedSequencesAreOrdered(t *testing.T) {
	all := []Type{TypeStarted, TypeStep, TypeEvidence, TypeConfidence, TypeProposal, TypeCompleted, TypeFailed}

	rapid.Check(t, func(t *rapid.T) {
		attempts := rapid.SliceOfN(rapid.SampledFrom(all), 0, 30).Draw(t, "attempts")

		var g Guard
		var admitted []Type
		percent := 0.0
		for _, typ := range attempts {
			if typ == TypeStep {
				percent += rapid.Float64Range(-5, 20).Draw(t, "delta")
			}
			if g.Admit(typ, percent) == nil {
				admitted = append(admitted, typ)
			}
		}

		terminals := 0
		for i, typ := range admitted {
			if typ.IsTerminal() {
				terminals++
				if i != len(admitted)-1 {
					t.Fatalf("terminal %s at %d is not last in %v", typ, i, admitted)
				}
			}
			if i > 0 && rank[typ] < rank[admitted[i-1]] {
				t.Fatalf("%s admitted after %s", typ, admitted[i-1])
			}
			if typ == TypeStarted && i != 0 {
				t.Fatalf("started admitted at %d", i)
			}
		}
		if terminals > 1 {
			t.Fatalf("%d terminals admitted", terminals)
		}
	})
}
