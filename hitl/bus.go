package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/internal/cache"
)

// SignalBus 审批信号的发布/订阅通道
type SignalBus interface {
	// Subscribe 返回时订阅已生效，之后发布的信号都会送达
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	// Publish 返回收到信号的订阅者数量
	Publish(ctx context.Context, sessionID string, sig *Signal) (int64, error)
}

// Subscription 单个会话的订阅
type Subscription interface {
	Signals() <-chan *Signal
	Close() error
}

// =============================================================================
// 📡 Redis Pub/Sub
// =============================================================================

// RedisBus 通过 hitl:approval:{sessionId} 频道传递信号
type RedisBus struct {
	cache  *cache.Manager
	logger *zap.Logger
}

// NewRedisBus 创建 Redis 信号总线
func NewRedisBus(m *cache.Manager, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{cache: m, logger: logger.With(zap.String("component", "hitl_bus"))}
}

func (b *RedisBus) channel(sessionID string) string {
	return b.cache.Key("hitl", "approval", sessionID)
}

func (b *RedisBus) Publish(ctx context.Context, sessionID string, sig *Signal) (int64, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return 0, fmt.Errorf("encode signal: %w", err)
	}
	return b.cache.Publish(ctx, b.channel(sessionID), data)
}

func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	ps, err := b.cache.Subscribe(ctx, b.channel(sessionID))
	if err != nil {
		return nil, err
	}

	sub := &redisSubscription{
		ps:      ps,
		signals: make(chan *Signal, 1),
		done:    make(chan struct{}),
	}
	go sub.forward(b.logger, sessionID)
	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	signals   chan *Signal
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) forward(logger *zap.Logger, sessionID string) {
	defer close(s.signals)
	for msg := range s.ps.Channel() {
		var sig Signal
		if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
			logger.Warn("malformed approval signal ignored",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		select {
		case s.signals <- &sig:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Signals() <-chan *Signal { return s.signals }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// =============================================================================
// 🧠 进程内总线
// =============================================================================

// MemoryBus 进程内信号总线
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus 创建进程内信号总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBus) Subscribe(_ context.Context, sessionID string) (Subscription, error) {
	sub := &memorySubscription{bus: b, sessionID: sessionID, signals: make(chan *Signal, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*memorySubscription]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBus) Publish(_ context.Context, sessionID string, sig *Signal) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var delivered int64
	for sub := range b.subs[sessionID] {
		cp := *sig
		select {
		case sub.signals <- &cp:
			delivered++
		default:
		}
	}
	return delivered, nil
}

type memorySubscription struct {
	bus       *MemoryBus
	sessionID string
	signals   chan *Signal
	closeOnce sync.Once
}

func (s *memorySubscription) Signals() <-chan *Signal { return s.signals }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.sessionID], s)
		if len(s.bus.subs[s.sessionID]) == 0 {
			delete(s.bus.subs, s.sessionID)
		}
		s.bus.mu.Unlock()
	})
	return nil
}
