package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []Frame
	failAt int
}

func (w *recordingWriter) WriteFrame(_ context.Context, f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAt > 0 && len(w.frames)+1 == w.failAt {
		return errors.New("client gone")
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *recordingWriter) events(t *testing.T) []event.Envelope {
	t.Helper()
	var out []event.Envelope
	for _, f := range w.frames {
		if f.Done {
			continue
		}
		var env event.Envelope
		require.NoError(t, json.Unmarshal(f.Data, &env))
		out = append(out, env)
	}
	return out
}

func TestRelay_ForwardsUntilTerminal(t *testing.T) {
	r := NewQueueRegistry(zap.NewNop())
	r.Create("run-1")
	r.Push(envelope("run-1", event.TypeStarted, 0))
	r.Push(envelope("run-1", event.TypeStep, 1))
	r.PushTerminal(envelope("run-1", event.TypeCompleted, 2))
	r.Push(envelope("run-1", event.TypeStep, 3))

	w := &recordingWriter{}
	res, err := Relay(context.Background(), r, "run-1", w, RelayOptions{PopTimeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, event.TypeCompleted, res.LastType)
	assert.False(t, res.Synthesized)
	require.Len(t, w.frames, 4)
	assert.True(t, w.frames[3].Done)
	assert.Equal(t, "completed", w.frames[2].Event)
}

// 生产者停在第 150 个事件：消费者收到全部 150 个事件，随后是合成的
// STREAM_TIMEOUT failed 帧和 [DONE]。
func TestRelay_TimeoutSynthesizesFailure(t *testing.T) {
	r := NewQueueRegistry(zap.NewNop())
	r.Create("run-1")
	r.Push(envelope("run-1", event.TypeStarted, 0))
	for i := uint64(1); i < 150; i++ {
		r.Push(envelope("run-1", event.TypeStep, i))
	}

	var observed int
	w := &recordingWriter{}
	res, err := Relay(context.Background(), r, "run-1", w, RelayOptions{
		PopTimeout: 100 * time.Millisecond,
		OnEvent:    func(event.Envelope) { observed++ },
	})

	require.ErrorIs(t, err, ErrStreamReadTimeout)
	assert.True(t, types.IsRetryable(err))
	assert.True(t, res.Synthesized)
	assert.Equal(t, 151, observed)

	events := w.events(t)
	require.Len(t, events, 151)
	for i := 0; i < 150; i++ {
		assert.Equal(t, uint64(i), events[i].Sequence)
	}

	last := events[150]
	assert.Equal(t, event.TypeFailed, last.Type)
	assert.Equal(t, uint64(150), last.Sequence)
	var payload event.FailedPayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "STREAM_TIMEOUT", payload.Code)
	assert.Equal(t, "step", payload.Stage)
	assert.True(t, payload.Recoverable)

	assert.True(t, w.frames[len(w.frames)-1].Done)
}

func TestRelay_QueueRemovedMidStream(t *testing.T) {
	r := NewQueueRegistry(zap.NewNop())
	r.Create("run-1")
	r.Push(envelope("run-1", event.TypeStarted, 0))

	go func() {
		time.Sleep(30 * time.Millisecond)
		r.Remove("run-1")
	}()

	w := &recordingWriter{}
	_, err := Relay(context.Background(), r, "run-1", w, RelayOptions{PopTimeout: 5 * time.Second})
	require.ErrorIs(t, err, ErrStreamReadTimeout)
	assert.True(t, w.frames[len(w.frames)-1].Done)
}

func TestRelay_UnknownRun(t *testing.T) {
	r := NewQueueRegistry(zap.NewNop())
	_, err := Relay(context.Background(), r, "nope", &recordingWriter{}, RelayOptions{})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRelay_ClientDisconnect(t *testing.T) {
	r := NewQueueRegistry(zap.NewNop())
	r.Create("run-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	w := &recordingWriter{}
	_, err := Relay(ctx, r, "run-1", w, RelayOptions{PopTimeout: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, w.frames, "no synthesized frame for a departed client")
}

func TestRelay_WriteError(t *testing.T) {
	r := NewQueueRegistry(zap.NewNop())
	r.Create("run-1")
	r.Push(envelope("run-1", event.TypeStarted, 0))
	r.Push(envelope("run-1", event.TypeStep, 1))

	_, err := Relay(context.Background(), r, "run-1", &recordingWriter{failAt: 2}, RelayOptions{PopTimeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client gone")
}

// 队列中混入无法编码的事件时，客户端仍收到合成的 failed 帧和 [DONE]。
func TestRelay_UnencodableEventEndsStream(t *testing.T) {
	r := NewQueueRegistry(zap.NewNop())
	r.Create("run-1")
	r.Push(envelope("run-1", event.TypeStarted, 0))
	bad := envelope("run-1", event.TypeEvidence, 1)
	bad.Payload = json.RawMessage(`{"doc":`)
	r.Push(bad)
	r.PushTerminal(envelope("run-1", event.TypeCompleted, 2))

	w := &recordingWriter{}
	res, err := Relay(context.Background(), r, "run-1", w, RelayOptions{PopTimeout: time.Second})
	require.ErrorIs(t, err, ErrFrameEncode)
	assert.Equal(t, types.ErrInternalError, types.GetErrorCode(err))
	assert.True(t, res.Synthesized)

	events := w.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeStarted, events[0].Type)
	assert.Equal(t, event.TypeFailed, events[1].Type)
	assert.Equal(t, uint64(1), events[1].Sequence)
	var payload event.FailedPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, "INTERNAL_ERROR", payload.Code)
	assert.Equal(t, "evidence", payload.Stage)

	assert.True(t, w.frames[len(w.frames)-1].Done)
}

func TestEncodeSSE(t *testing.T) {
	f, err := EnvelopeFrame(envelope("run-1", event.TypeStep, 7))
	require.NoError(t, err)

	out := string(EncodeSSE(f))
	assert.True(t, strings.HasPrefix(out, "event: step\ndata: {"))
	assert.NotContains(t, out, "id: ")
	assert.True(t, strings.HasSuffix(out, "}\n\n"))

	assert.Equal(t, "data: [DONE]\n\n", string(EncodeSSE(DoneFrame())))
}

func TestSSEWriter(t *testing.T) {
	var buf bytes.Buffer
	flushes := 0
	w := NewSSEWriter(&buf, func() error { flushes++; return nil })

	require.NoError(t, w.WriteFrame(context.Background(), DoneFrame()))
	require.NoError(t, w.WriteComment("keepalive"))

	assert.Equal(t, "data: [DONE]\n\n: keepalive\n\n", buf.String())
	assert.Equal(t, 2, flushes)
}
