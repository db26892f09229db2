package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/choijoonbin/aura-platform-sub000/internal/cache"
)

// Store 审批请求与信号的持久化
type Store interface {
	// SaveRequest 保存请求，并建立 session → request 的索引
	SaveRequest(ctx context.Context, req *Request, requestTTL, sessionTTL time.Duration) error
	GetRequest(ctx context.Context, requestID string) (*Request, error)
	RequestIDForSession(ctx context.Context, sessionID string) (string, error)
	// TransitionStatus 仅当当前状态为 from 时迁移到 to，否则返回 ErrStatusConflict
	TransitionStatus(ctx context.Context, requestID string, from, to Status, mutate func(*Request)) (*Request, error)
	SaveSignal(ctx context.Context, sessionID string, sig *Signal, ttl time.Duration) error
	GetSignal(ctx context.Context, sessionID string) (*Signal, error)
}

// =============================================================================
// 🗄️ Redis 存储
// =============================================================================

// RedisStore 基于共享 Redis 管理器的存储
//
// 键布局：
//
//	hitl:request:{requestId}  请求 JSON
//	hitl:session:{sessionId}  requestId
//	hitl:signal:{sessionId}   信号 JSON
type RedisStore struct {
	cache *cache.Manager
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(m *cache.Manager) *RedisStore {
	return &RedisStore{cache: m}
}

func (s *RedisStore) requestKey(id string) string { return s.cache.Key("hitl", "request", id) }
func (s *RedisStore) sessionKey(id string) string { return s.cache.Key("hitl", "session", id) }
func (s *RedisStore) signalKey(id string) string  { return s.cache.Key("hitl", "signal", id) }

func (s *RedisStore) SaveRequest(ctx context.Context, req *Request, requestTTL, sessionTTL time.Duration) error {
	if err := s.cache.SetJSON(ctx, s.requestKey(req.RequestID), req, requestTTL); err != nil {
		return fmt.Errorf("save approval request: %w", err)
	}
	if err := s.cache.Set(ctx, s.sessionKey(req.SessionID), req.RequestID, sessionTTL); err != nil {
		return fmt.Errorf("save approval session: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	var req Request
	if err := s.cache.GetJSON(ctx, s.requestKey(requestID), &req); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (s *RedisStore) RequestIDForSession(ctx context.Context, sessionID string) (string, error) {
	id, err := s.cache.Get(ctx, s.sessionKey(sessionID))
	if cache.IsCacheMiss(err) {
		return "", ErrRequestNotFound
	}
	return id, err
}

func (s *RedisStore) TransitionStatus(ctx context.Context, requestID string, from, to Status, mutate func(*Request)) (*Request, error) {
	var req Request
	err := s.cache.UpdateJSON(ctx, s.requestKey(requestID), &req, func() error {
		if req.Status != from {
			return ErrStatusConflict
		}
		req.Status = to
		if mutate != nil {
			mutate(&req)
		}
		return nil
	})
	switch {
	case err == nil:
		return &req, nil
	case cache.IsCacheMiss(err):
		return nil, ErrRequestNotFound
	case errors.Is(err, cache.ErrConflict):
		return nil, ErrStatusConflict
	default:
		return nil, err
	}
}

func (s *RedisStore) SaveSignal(ctx context.Context, sessionID string, sig *Signal, ttl time.Duration) error {
	return s.cache.SetJSON(ctx, s.signalKey(sessionID), sig, ttl)
}

func (s *RedisStore) GetSignal(ctx context.Context, sessionID string) (*Signal, error) {
	var sig Signal
	if err := s.cache.GetJSON(ctx, s.signalKey(sessionID), &sig); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, ErrSignalNotFound
		}
		return nil, err
	}
	return &sig, nil
}

// =============================================================================
// 🧠 内存存储
// =============================================================================

type expiring[T any] struct {
	value     T
	expiresAt time.Time
}

func (e expiring[T]) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore 进程内存储，用于单实例部署和测试
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]expiring[Request]
	sessions map[string]expiring[string]
	signals  map[string]expiring[Signal]
	now      func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]expiring[Request]),
		sessions: make(map[string]expiring[string]),
		signals:  make(map[string]expiring[Signal]),
		now:      time.Now,
	}
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) SaveRequest(_ context.Context, req *Request, requestTTL, sessionTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.RequestID] = expiring[Request]{value: *req, expiresAt: s.deadline(requestTTL)}
	s.sessions[req.SessionID] = expiring[string]{value: req.RequestID, expiresAt: s.deadline(sessionTTL)}
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, requestID string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[requestID]
	if !ok || !e.live(s.now()) {
		return nil, ErrRequestNotFound
	}
	req := e.value
	return &req, nil
}

func (s *MemoryStore) RequestIDForSession(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok || !e.live(s.now()) {
		return "", ErrRequestNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, requestID string, from, to Status, mutate func(*Request)) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[requestID]
	if !ok || !e.live(s.now()) {
		return nil, ErrRequestNotFound
	}
	if e.value.Status != from {
		return nil, ErrStatusConflict
	}
	e.value.Status = to
	if mutate != nil {
		mutate(&e.value)
	}
	s.requests[requestID] = e
	req := e.value
	return &req, nil
}

func (s *MemoryStore) SaveSignal(_ context.Context, sessionID string, sig *Signal, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sessionID] = expiring[Signal]{value: *sig, expiresAt: s.deadline(ttl)}
	return nil
}

func (s *MemoryStore) GetSignal(_ context.Context, sessionID string) (*Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.signals[sessionID]
	if !ok || !e.live(s.now()) {
		return nil, ErrSignalNotFound
	}
	sig := e.value
	return &sig, nil
}
