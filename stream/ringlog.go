package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRingCapacity bounds the per-resource history.
const DefaultRingCapacity = 200

// Level classifies a resource event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ResourceEvent is one entry of a resource's recent history.
type ResourceEvent struct {
	ID         string          `json:"id"`
	ResourceID string          `json:"resourceId"`
	RunID      string          `json:"runId,omitempty"`
	Type       string          `json:"type"`
	StepID     string          `json:"stepId,omitempty"`
	Message    string          `json:"message,omitempty"`
	Level      Level           `json:"level"`
	TraceID    string          `json:"traceId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EmittedAt  time.Time       `json:"emittedAt"`
}

// ResourceEventInput is what producers append; the log assigns ID and time.
type ResourceEventInput struct {
	RunID   string
	Type    string
	StepID  string
	Message string
	Level   Level
	TraceID string
	Payload json.RawMessage
}

// ResourceLog keeps a bounded, ordered history per resource.
type ResourceLog struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring
	watchers map[string]map[uint64]chan ResourceEvent
	nextSub  uint64
	logger   *zap.Logger
}

// NewResourceLog creates a log holding up to capacity events per resource.
func NewResourceLog(capacity int, logger *zap.Logger) *ResourceLog {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceLog{
		capacity: capacity,
		rings:    make(map[string]*ring),
		watchers: make(map[string]map[uint64]chan ResourceEvent),
		logger:   logger.With(zap.String("component", "resource_log")),
	}
}

// Append records an event for resourceID, evicting the oldest entry when
// the buffer is full, and fans it out to live subscribers.
func (l *ResourceLog) Append(resourceID string, in ResourceEventInput) ResourceEvent {
	if in.Level == "" {
		in.Level = LevelInfo
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev := ResourceEvent{
		ID:         newEventID(),
		ResourceID: resourceID,
		RunID:      in.RunID,
		Type:       in.Type,
		StepID:     in.StepID,
		Message:    in.Message,
		Level:      in.Level,
		TraceID:    in.TraceID,
		Payload:    in.Payload,
		EmittedAt:  time.Now().UTC(),
	}

	r, ok := l.rings[resourceID]
	if !ok {
		r = newRing(l.capacity)
		l.rings[resourceID] = r
	}
	r.push(ev)

	for id, ch := range l.watchers[resourceID] {
		select {
		case ch <- ev:
		default:
			l.logger.Debug("slow resource subscriber skipped",
				zap.String("resource_id", resourceID),
				zap.Uint64("subscriber", id))
		}
	}
	return ev
}

// All returns every buffered event for resourceID, oldest first.
func (l *ResourceLog) All(resourceID string) []ResourceEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.rings[resourceID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Since returns the events strictly after lastID. An empty or evicted
// lastID yields the whole buffer.
func (l *ResourceLog) Since(resourceID, lastID string) []ResourceEvent {
	events := l.All(resourceID)
	if lastID == "" {
		return events
	}
	for i, ev := range events {
		if ev.ID == lastID {
			return events[i+1:]
		}
	}
	return events
}

// Subscribe returns a channel receiving events appended after the call.
// A subscriber that falls behind by more than buffer events misses them;
// it can recover with Since. The returned cancel func closes the channel.
func (l *ResourceLog) Subscribe(resourceID string, buffer int) (<-chan ResourceEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ResourceEvent, buffer)

	l.mu.Lock()
	l.nextSub++
	id := l.nextSub
	if l.watchers[resourceID] == nil {
		l.watchers[resourceID] = make(map[uint64]chan ResourceEvent)
	}
	l.watchers[resourceID][id] = ch
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.watchers[resourceID], id)
			if len(l.watchers[resourceID]) == 0 {
				delete(l.watchers, resourceID)
			}
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Drop discards the history of resourceID.
func (l *ResourceLog) Drop(resourceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rings, resourceID)
}

// Resources returns the number of resources with buffered history.
func (l *ResourceLog) Resources() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rings)
}

// newEventID returns a time-ordered id. Callers hold the log lock, so ids
// within one resource follow insertion order.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type ring struct {
	buf   []ResourceEvent
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]ResourceEvent, capacity)}
}

func (r *ring) push(ev ResourceEvent) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []ResourceEvent {
	out := make([]ResourceEvent, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
