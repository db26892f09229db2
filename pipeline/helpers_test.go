package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/hitl"
	"github.com/choijoonbin/aura-platform-sub000/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu     sync.Mutex
	frames []stream.Frame
}

func (c *collector) WriteFrame(_ context.Context, f stream.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *collector) envelopes(t *testing.T) []event.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Envelope
	for _, f := range c.frames {
		if f.Done {
			continue
		}
		var env event.Envelope
		require.NoError(t, json.Unmarshal(f.Data, &env))
		out = append(out, env)
	}
	return out
}

func (c *collector) done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames) > 0 && c.frames[len(c.frames)-1].Done
}

func typesOf(envs []event.Envelope) []event.Type {
	out := make([]event.Type, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

type recordedCallback struct {
	url     string
	payload any
	headers map[string]string
}

type fakeSender struct {
	mu    sync.Mutex
	calls []recordedCallback
}

func (f *fakeSender) PostWithRetry(_ context.Context, url string, payload any, headers map[string]string, _ []int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCallback{url: url, payload: payload, headers: headers})
	return true
}

func (f *fakeSender) snapshot() []recordedCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCallback(nil), f.calls...)
}

type fixture struct {
	manager     *Manager
	queues      *stream.QueueRegistry
	log         *stream.ResourceLog
	coordinator *hitl.Coordinator
	suspensions SuspensionStore
	sender      *fakeSender
}

func newFixture(t *testing.T, analyzer Analyzer, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		queues:      stream.NewQueueRegistry(zap.NewNop()),
		log:         stream.NewResourceLog(50, zap.NewNop()),
		coordinator: hitl.NewCoordinator(hitl.NewMemoryStore(), hitl.NewMemoryBus(), hitl.DefaultConfig(), zap.NewNop()),
		suspensions: NewMemorySuspensionStore(),
		sender:      &fakeSender{},
	}
	f.manager = f.newManager(analyzer, cfg)
	return f
}

// newManager builds another manager over the same stores, like a restarted process.
func (f *fixture) newManager(analyzer Analyzer, cfg Config) *Manager {
	return NewManager(f.queues, f.log, analyzer, cfg, zap.NewNop(),
		WithCoordinator(f.coordinator),
		WithSuspensionStore(f.suspensions),
		WithCallbackSender(f.sender))
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func relay(t *testing.T, f *fixture, runID string) *collector {
	t.Helper()
	c := &collector{}
	_, err := stream.Relay(context.Background(), f.queues, runID, c, stream.RelayOptions{PopTimeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}
