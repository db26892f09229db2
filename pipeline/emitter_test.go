package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/stream"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

func newTestEmitter(t *testing.T) (*Emitter, *stream.QueueRegistry, *stream.ResourceLog) {
	t.Helper()
	q := stream.NewQueueRegistry(zap.NewNop())
	q.Create("run-1")
	l := stream.NewResourceLog(20, zap.NewNop())
	return NewEmitter("run-1", "case-1", q, l, zap.NewNop()), q, l
}

func TestEmitter_SequencesAndMirrors(t *testing.T) {
	em, q, l := newTestEmitter(t)
	ctx := context.Background()

	require.NoError(t, em.Started(ctx, nil))
	require.NoError(t, em.Step(ctx, "collect", 30, "collecting ledgers"))
	require.NoError(t, em.Evidence(ctx, map[string]any{"doc": "inv-1"}))
	require.NoError(t, em.Confidence(ctx, 0.82, "consistent"))
	require.NoError(t, em.Complete(ctx, map[string]any{"verdict": "ok"}))

	assert.Equal(t, uint64(5), em.Sequence())
	assert.True(t, em.Terminated())

	for i := uint64(0); i < 5; i++ {
		env, ok := q.Pop(ctx, "run-1", time.Second)
		require.True(t, ok)
		assert.Equal(t, i, env.Sequence)
	}

	events := l.All("case-1")
	require.Len(t, events, 5)
	assert.Equal(t, "step", events[1].Type)
	assert.Equal(t, "collect", events[1].StepID)
	assert.Equal(t, "collecting ledgers", events[1].Message)
	assert.Equal(t, "run-1", events[1].RunID)

	term, ok := em.Terminal()
	require.True(t, ok)
	assert.JSONEq(t, `{"result":{"verdict":"ok"}}`, string(term.Payload))
}

func TestEmitter_RejectsMalformedRawPayload(t *testing.T) {
	em, q, _ := newTestEmitter(t)
	ctx := context.Background()

	require.NoError(t, em.Started(ctx, nil))
	err := em.Evidence(ctx, json.RawMessage(`{"doc":`))
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
	err = em.Complete(ctx, json.RawMessage(`[1,`))
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	assert.Equal(t, uint64(1), em.Sequence())
	assert.False(t, em.Terminated())
	assert.Equal(t, 1, q.Len("run-1"))
}

func TestEmitter_RejectsOutOfOrder(t *testing.T) {
	em, q, _ := newTestEmitter(t)
	ctx := context.Background()

	require.NoError(t, em.Started(ctx, nil))
	require.NoError(t, em.Proposal(ctx, event.ProposalPayload{ActionType: "refund"}))

	err := em.Evidence(ctx, map[string]any{})
	assert.True(t, errors.Is(err, event.ErrOutOfOrder))
	assert.Equal(t, 2, q.Len("run-1"), "rejected event is not queued")
	assert.Equal(t, uint64(2), em.Sequence())
}

func TestEmitter_StepPayloadType(t *testing.T) {
	em, _, _ := newTestEmitter(t)
	ctx := context.Background()
	require.NoError(t, em.Started(ctx, nil))

	err := em.Emit(ctx, event.TypeStep, map[string]any{"percent": 10})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
	assert.NoError(t, em.Emit(ctx, event.TypeStep, &event.StepPayload{StepID: "a", Percent: 5}))
}

func TestEmitter_FailPayload(t *testing.T) {
	em, _, l := newTestEmitter(t)
	ctx := context.Background()
	require.NoError(t, em.Started(ctx, nil))
	require.NoError(t, em.Evidence(ctx, nil))

	require.NoError(t, em.Fail(ctx, errors.New("ledger service down")))
	term, ok := em.Terminal()
	require.True(t, ok)

	fp, ok := terminalFailure(term)
	require.True(t, ok)
	assert.Equal(t, "PRODUCER_FAILURE", fp.Code)
	assert.Equal(t, "ledger service down", fp.Error)
	assert.Equal(t, "evidence", fp.Stage)

	events := l.All("case-1")
	assert.Equal(t, stream.LevelError, events[len(events)-1].Level)

	assert.Error(t, em.Fail(ctx, errors.New("again")), "second terminal is rejected")
}

func TestEmitter_FailTypedError(t *testing.T) {
	em, _, _ := newTestEmitter(t)
	ctx := context.Background()

	err := types.NewError(types.ErrApprovalTimeout, "approval timed out").WithStage("proposal").WithRetryable(true)
	require.NoError(t, em.Fail(ctx, err))

	term, _ := em.Terminal()
	fp, _ := terminalFailure(term)
	assert.Equal(t, "APPROVAL_TIMEOUT", fp.Code)
	assert.Equal(t, "approval timed out", fp.Error)
	assert.Equal(t, "proposal", fp.Stage)
	assert.True(t, fp.Recoverable)
}

func TestEmitter_WithoutResourceLog(t *testing.T) {
	q := stream.NewQueueRegistry(zap.NewNop())
	q.Create("run-1")
	em := NewEmitter("run-1", "", q, nil, nil)
	assert.NoError(t, em.Started(context.Background(), nil))
}
