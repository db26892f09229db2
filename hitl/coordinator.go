package hitl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/types"
)

const instrumentationName = "github.com/choijoonbin/aura-platform-sub000/hitl"

// Config 审批协调配置
type Config struct {
	RequestTTL  time.Duration
	SessionTTL  time.Duration
	WaitTimeout time.Duration
	// ExpireTimeout 超时后将请求置为 expired 的操作上限
	ExpireTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		RequestTTL:    30 * time.Minute,
		SessionTTL:    60 * time.Minute,
		WaitTimeout:   4 * time.Minute,
		ExpireTimeout: 2 * time.Second,
	}
}

// Outcome 审批等待结果，用于指标
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCanceled Outcome = "canceled"
)

// Coordinator 审批协调器
//
// 流水线通过 WaitForApprovalSignal 暂停（流本身不暂停），外部决策经
// Resolve 写入状态后通过 SignalBus 唤醒等待方。订阅生效后会再检查一次
// 持久化状态，因此在订阅之前完成的决策不会丢失。
type Coordinator struct {
	store     Store
	bus       SignalBus
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	onOutcome func(Outcome)
}

// Option 协调器选项
type Option func(*Coordinator)

// WithOutcomeHook 注册等待结果回调
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(c *Coordinator) { c.onOutcome = fn }
}

// NewCoordinator 创建审批协调器
func NewCoordinator(store Store, bus SignalBus, config Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.RequestTTL <= 0 {
		config.RequestTTL = def.RequestTTL
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = def.SessionTTL
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = def.WaitTimeout
	}
	if config.ExpireTimeout <= 0 {
		config.ExpireTimeout = def.ExpireTimeout
	}
	c := &Coordinator{
		store:  store,
		bus:    bus,
		config: config,
		logger: logger.With(zap.String("component", "hitl")),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// 📝 请求
// =============================================================================

// SaveApprovalRequest 保存 pending 状态的审批请求。未指定的 RequestID 和
// SessionID 会自动生成。
func (c *Coordinator) SaveApprovalRequest(ctx context.Context, in NewRequest) (*Request, error) {
	if in.ActionType == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "action type is required")
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	if in.SessionID == "" {
		in.SessionID = in.RequestID
	}

	req := &Request{
		RequestID:  in.RequestID,
		SessionID:  in.SessionID,
		RunID:      in.RunID,
		ActionType: in.ActionType,
		Context:    in.Context,
		UserID:     in.UserID,
		TenantID:   in.TenantID,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.SaveRequest(ctx, req, c.config.RequestTTL, c.config.SessionTTL); err != nil {
		return nil, err
	}

	c.logger.Info("approval requested",
		zap.String("request_id", req.RequestID),
		zap.String("session_id", req.SessionID),
		zap.String("run_id", req.RunID),
		zap.String("action_type", req.ActionType))
	return req, nil
}

// GetApprovalRequest 查询审批请求
func (c *Coordinator) GetApprovalRequest(ctx context.Context, requestID string) (*Request, error) {
	return c.store.GetRequest(ctx, requestID)
}

// GetSignal 查询会话最近一次记录的信号
func (c *Coordinator) GetSignal(ctx context.Context, sessionID string) (*Signal, error) {
	return c.store.GetSignal(ctx, sessionID)
}

// =============================================================================
// ⏳ 等待
// =============================================================================

// WaitForApprovalSignal 等待会话的审批信号。超时返回 (nil, nil)，并将仍为
// pending 的请求置为 expired；ctx 取消时返回 ctx.Err()。timeout 不大于 0
// 时使用配置的默认值。订阅在所有路径上都会释放。
func (c *Coordinator) WaitForApprovalSignal(ctx context.Context, sessionID string, timeout time.Duration) (*Signal, error) {
	if timeout <= 0 {
		timeout = c.config.WaitTimeout
	}

	ctx, span := c.tracer.Start(ctx, "hitl.wait",
		trace.WithAttributes(
			attribute.String("hitl.session_id", sessionID),
			attribute.String("hitl.timeout", timeout.String()),
		))
	defer span.End()

	sub, err := c.bus.Subscribe(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe failed")
		return nil, fmt.Errorf("subscribe approval channel: %w", err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			c.logger.Debug("close approval subscription", zap.Error(err))
		}
	}()

	// 订阅生效后检查持久化状态，覆盖订阅前已完成的决策
	if sig := c.resolvedSignal(ctx, sessionID); sig != nil {
		c.observe(span, sessionID, sig)
		return sig, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig, ok := <-sub.Signals():
		if !ok {
			err := errors.New("approval subscription closed")
			span.RecordError(err)
			return nil, err
		}
		c.observe(span, sessionID, sig)
		return sig, nil

	case <-timer.C:
		if sig := c.expire(sessionID); sig != nil {
			c.observe(span, sessionID, sig)
			return sig, nil
		}
		c.logger.Warn("approval wait timed out",
			zap.String("session_id", sessionID),
			zap.Duration("timeout", timeout))
		span.SetAttributes(attribute.String("hitl.outcome", string(OutcomeTimeout)))
		c.record(OutcomeTimeout)
		return nil, nil

	case <-ctx.Done():
		span.SetAttributes(attribute.String("hitl.outcome", string(OutcomeCanceled)))
		c.record(OutcomeCanceled)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) resolvedSignal(ctx context.Context, sessionID string) *Signal {
	requestID, err := c.store.RequestIDForSession(ctx, sessionID)
	if err != nil {
		return nil
	}
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil || !req.Status.Resolved() {
		return nil
	}
	c.logger.Debug("approval already resolved before wait",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID))
	return signalFromRequest(req)
}

// expire 将仍为 pending 的请求置为 expired。等待期间已落库的决策（发布失败
// 或与计时器竞争）以信号形式返回。
func (c *Coordinator) expire(sessionID string) *Signal {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ExpireTimeout)
	defer cancel()

	requestID, err := c.store.RequestIDForSession(ctx, sessionID)
	if err != nil {
		return nil
	}
	_, err = c.store.TransitionStatus(ctx, requestID, StatusPending, StatusExpired, func(r *Request) {
		now := time.Now().UTC()
		r.ResolvedAt = &now
	})
	switch {
	case err == nil, errors.Is(err, ErrRequestNotFound):
		return nil
	case errors.Is(err, ErrStatusConflict):
		req, err := c.store.GetRequest(ctx, requestID)
		if err != nil || !req.Status.Resolved() {
			return nil
		}
		c.logger.Info("approval decided during wait without signal delivery",
			zap.String("session_id", sessionID),
			zap.String("request_id", requestID),
			zap.String("status", string(req.Status)))
		return signalFromRequest(req)
	default:
		c.logger.Warn("failed to expire approval request",
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil
	}
}

func (c *Coordinator) observe(span trace.Span, sessionID string, sig *Signal) {
	outcome := OutcomeRejected
	if sig.Approved {
		outcome = OutcomeApproved
	}
	span.SetAttributes(attribute.String("hitl.outcome", string(outcome)))
	c.logger.Info("approval signal received",
		zap.String("session_id", sessionID),
		zap.String("request_id", sig.RequestID),
		zap.Bool("approved", sig.Approved))
	c.record(outcome)
}

func (c *Coordinator) record(o Outcome) {
	if c.onOutcome != nil {
		c.onOutcome(o)
	}
}

// =============================================================================
// ✅ 决策
// =============================================================================

// Resolve 是审批状态的唯一迁移入口：pending → approved|rejected，记录信号后
// 发布给等待方。请求已不是 pending 时返回 ErrAlreadyResolved。
func (c *Coordinator) Resolve(ctx context.Context, requestID string, approved bool, reason, userID string) (*Request, error) {
	ctx, span := c.tracer.Start(ctx, "hitl.resolve",
		trace.WithAttributes(
			attribute.String("hitl.request_id", requestID),
			attribute.Bool("hitl.approved", approved),
		))
	defer span.End()

	to := StatusRejected
	if approved {
		to = StatusApproved
	}

	req, err := c.store.TransitionStatus(ctx, requestID, StatusPending, to, func(r *Request) {
		now := time.Now().UTC()
		r.ResolvedAt = &now
		r.ResolvedBy = userID
		r.Reason = reason
	})
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			err = ErrAlreadyResolved
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, err
	}

	sig := signalFromRequest(req)
	if err := c.store.SaveSignal(ctx, req.SessionID, sig, c.config.SessionTTL); err != nil {
		c.logger.Warn("failed to record approval signal",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
	}

	delivered, err := c.bus.Publish(ctx, req.SessionID, sig)
	if err != nil {
		// 状态已持久化，等待方在订阅后或超时时会读到
		c.logger.Warn("failed to publish approval signal",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
	} else if delivered == 0 {
		c.logger.Info("approval resolved with no active waiter",
			zap.String("request_id", requestID),
			zap.String("session_id", req.SessionID))
	}

	c.logger.Info("approval resolved",
		zap.String("request_id", requestID),
		zap.String("status", string(req.Status)),
		zap.String("resolved_by", userID))
	return req, nil
}
