package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
)

// DefaultQueueCapacity bounds each run queue.
const DefaultQueueCapacity = 256

// QueueRegistry maps run ids to their event queues.
type QueueRegistry struct {
	mu       sync.RWMutex
	queues   map[string]*runQueue
	capacity int
	logger   *zap.Logger
	onDrop   func(runID string, env event.Envelope)
}

type runQueue struct {
	ch        chan event.Envelope
	done      chan struct{}
	closeOnce sync.Once
	// pushMu serializes producers so terminal eviction cannot interleave
	// with a regular push.
	pushMu sync.Mutex
}

// QueueOption configures a QueueRegistry.
type QueueOption func(*QueueRegistry)

// WithQueueCapacity overrides the per-run capacity.
func WithQueueCapacity(n int) QueueOption {
	return func(r *QueueRegistry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithDropHandler registers a hook invoked for every dropped event.
func WithDropHandler(fn func(runID string, env event.Envelope)) QueueOption {
	return func(r *QueueRegistry) {
		r.onDrop = fn
	}
}

// NewQueueRegistry creates an empty registry.
func NewQueueRegistry(logger *zap.Logger, opts ...QueueOption) *QueueRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &QueueRegistry{
		queues:   make(map[string]*runQueue),
		capacity: DefaultQueueCapacity,
		logger:   logger.With(zap.String("component", "queue_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a queue for runID. It returns false when one already exists.
func (r *QueueRegistry) Create(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[runID]; ok {
		return false
	}
	r.queues[runID] = &runQueue{
		ch:   make(chan event.Envelope, r.capacity),
		done: make(chan struct{}),
	}
	return true
}

// Exists reports whether runID has a live queue.
func (r *QueueRegistry) Exists(runID string) bool {
	return r.get(runID) != nil
}

// Len returns the number of buffered events for runID.
func (r *QueueRegistry) Len(runID string) int {
	q := r.get(runID)
	if q == nil {
		return 0
	}
	return len(q.ch)
}

// Count returns the number of live queues.
func (r *QueueRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// Push enqueues env without blocking. A missing queue or a full queue drops
// the event; the return value reports whether it was enqueued.
func (r *QueueRegistry) Push(env event.Envelope) bool {
	q := r.get(env.RunID)
	if q == nil {
		r.logger.Debug("push to unknown run dropped",
			zap.String("run_id", env.RunID),
			zap.String("type", string(env.Type)))
		return false
	}

	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	select {
	case q.ch <- env:
		return true
	default:
		r.drop(env, "queue full")
		return false
	}
}

// PushTerminal enqueues a terminal event, evicting the oldest buffered
// events if the queue is full. It only fails when the queue is gone.
func (r *QueueRegistry) PushTerminal(env event.Envelope) bool {
	q := r.get(env.RunID)
	if q == nil {
		r.logger.Warn("terminal event for unknown run dropped",
			zap.String("run_id", env.RunID),
			zap.String("type", string(env.Type)))
		return false
	}

	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	for {
		select {
		case q.ch <- env:
			return true
		default:
		}
		select {
		case evicted := <-q.ch:
			r.drop(evicted, "evicted for terminal event")
		default:
		}
	}
}

// Pop removes the next event for runID, waiting up to timeout. It returns
// false on timeout, on context cancellation, when the queue does not exist,
// or once the queue has been removed. A non-positive timeout does not wait.
func (r *QueueRegistry) Pop(ctx context.Context, runID string, timeout time.Duration) (event.Envelope, bool) {
	q := r.get(runID)
	if q == nil {
		return event.Envelope{}, false
	}

	select {
	case <-q.done:
		return event.Envelope{}, false
	default:
	}

	if timeout <= 0 {
		select {
		case env := <-q.ch:
			return env, true
		default:
			return event.Envelope{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-q.ch:
		return env, true
	case <-q.done:
		return event.Envelope{}, false
	case <-timer.C:
		return event.Envelope{}, false
	case <-ctx.Done():
		return event.Envelope{}, false
	}
}

// Remove deletes the queue for runID and wakes any blocked consumer.
// Removing an absent queue is a no-op.
func (r *QueueRegistry) Remove(runID string) bool {
	r.mu.Lock()
	q, ok := r.queues[runID]
	delete(r.queues, runID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	q.closeOnce.Do(func() { close(q.done) })
	return true
}

func (r *QueueRegistry) get(runID string) *runQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queues[runID]
}

func (r *QueueRegistry) drop(env event.Envelope, reason string) {
	r.logger.Warn("event dropped",
		zap.String("run_id", env.RunID),
		zap.String("type", string(env.Type)),
		zap.Uint64("sequence", env.Sequence),
		zap.String("reason", reason))
	if r.onDrop != nil {
		r.onDrop(env.RunID, env)
	}
}
