package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/choijoonbin/aura-platform-sub000/callback"
	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/hitl"
	"github.com/choijoonbin/aura-platform-sub000/internal/ctxkeys"
	"github.com/choijoonbin/aura-platform-sub000/stream"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

const instrumentationName = "github.com/choijoonbin/aura-platform-sub000/pipeline"

// Config tunes the run manager.
type Config struct {
	// GracePeriod keeps a finished run's queue alive for late consumers.
	GracePeriod time.Duration
	// MaxConcurrentRuns bounds analyses running at once; 0 means unbounded.
	MaxConcurrentRuns int
	// ApprovalTimeout is the default wait in AwaitApproval.
	ApprovalTimeout time.Duration
	// CallbackBudget bounds the whole callback delivery of one run.
	CallbackBudget time.Duration
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		GracePeriod:     30 * time.Second,
		ApprovalTimeout: 4 * time.Minute,
		CallbackBudget:  2 * time.Minute,
	}
}

// CallbackSender delivers the terminal notification of a run.
type CallbackSender interface {
	PostWithRetry(ctx context.Context, url string, payload any, headers map[string]string, successCodes []int) bool
}

// Hooks observe run lifecycle transitions.
type Hooks struct {
	OnRunStarted  func()
	OnRunFinished func(state State, d time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithCoordinator enables AwaitApproval.
func WithCoordinator(c *hitl.Coordinator) Option {
	return func(m *Manager) { m.coordinator = c }
}

// WithSuspensionStore enables Resume.
func WithSuspensionStore(s SuspensionStore) Option {
	return func(m *Manager) { m.suspensions = s }
}

// WithCallbackSender enables terminal callbacks.
func WithCallbackSender(s CallbackSender) Option {
	return func(m *Manager) { m.callbacks = s }
}

// WithHooks registers lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// Manager owns the runs of this process: it starts analyses in the
// background, guarantees each run exactly one terminal event, delivers the
// terminal callback at most once and retires queues after a grace period.
type Manager struct {
	queues      *stream.QueueRegistry
	log         *stream.ResourceLog
	analyzer    Analyzer
	coordinator *hitl.Coordinator
	suspensions SuspensionStore
	callbacks   CallbackSender
	hooks       Hooks
	config      Config
	logger      *zap.Logger
	tracer      trace.Tracer
	sem         *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	runWG   sync.WaitGroup
	cbWG    sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*runEntry
}

type runEntry struct {
	mu            sync.RWMutex
	run           Run
	emitter       *Emitter
	callbackURL   string
	callbackToken string
	removeOnce    sync.Once
	callbackOnce  sync.Once
}

func (e *runEntry) snapshot() Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.run
	return r
}

func (e *runEntry) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.run.State.Finished() {
		e.run.State = s
	}
}

// NewManager creates a manager. log may be nil to skip resource mirroring.
func NewManager(queues *stream.QueueRegistry, log *stream.ResourceLog, analyzer Analyzer, config Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.GracePeriod <= 0 {
		config.GracePeriod = def.GracePeriod
	}
	if config.ApprovalTimeout <= 0 {
		config.ApprovalTimeout = def.ApprovalTimeout
	}
	if config.CallbackBudget <= 0 {
		config.CallbackBudget = def.CallbackBudget
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		queues:   queues,
		log:      log,
		analyzer: analyzer,
		config:   config,
		logger:   logger.With(zap.String("component", "pipeline")),
		tracer:   otel.Tracer(instrumentationName),
		baseCtx:  ctx,
		cancel:   cancel,
		runs:     make(map[string]*runEntry),
	}
	if config.MaxConcurrentRuns > 0 {
		m.sem = semaphore.NewWeighted(int64(config.MaxConcurrentRuns))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Queues exposes the run queue registry to stream consumers.
func (m *Manager) Queues() *stream.QueueRegistry { return m.queues }

// ResourceLog exposes the resource history, which may be nil.
func (m *Manager) ResourceLog() *stream.ResourceLog { return m.log }

// =============================================================================
// 🚀 触发与恢复
// =============================================================================

// Trigger registers a run and starts its analysis in the background. A
// trigger repeating a live RunID returns the existing run without starting
// new work.
func (m *Manager) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	if req.ResourceID == "" {
		return TriggerResult{}, types.NewError(types.ErrInvalidRequest, "resourceId is required")
	}
	if m.baseCtx.Err() != nil {
		return TriggerResult{}, ErrShuttingDown
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	entry, created, err := m.register(req.RunID, Run{
		ResourceID: req.ResourceID,
		TenantID:   req.TenantID,
		UserID:     req.UserID,
	}, req.CallbackURL, req.CallbackToken)
	if err != nil {
		return TriggerResult{}, err
	}
	result := TriggerResult{Accepted: true, RunID: req.RunID, StreamPath: StreamPath(req.RunID)}
	if !created {
		result.Duplicate = true
		m.logger.Info("duplicate trigger ignored", zap.String("run_id", req.RunID))
		return result, nil
	}

	m.logger.Info("run triggered",
		zap.String("run_id", req.RunID),
		zap.String("resource_id", req.ResourceID),
		zap.String("tenant_id", req.TenantID))
	m.start(entry, req.Input, nil)
	return result, nil
}

// Resume re-enters a suspended run under a new run id. The approval
// request must still exist and not be rejected; a request still pending is
// awaited again by the resumed analysis.
func (m *Manager) Resume(ctx context.Context, req ResumeRequest) (TriggerResult, error) {
	if m.suspensions == nil || m.coordinator == nil {
		return TriggerResult{}, types.NewError(types.ErrServiceUnavailable, "resume is not configured")
	}
	if m.baseCtx.Err() != nil {
		return TriggerResult{}, ErrShuttingDown
	}

	sus, err := m.suspensions.Get(ctx, req.Token)
	if err != nil {
		return TriggerResult{}, err
	}
	if sus.Status != SuspensionSuspended {
		return TriggerResult{}, types.NewError(types.ErrConflict,
			fmt.Sprintf("suspension is %s", sus.Status))
	}
	if m.active(sus.RunID) {
		return TriggerResult{}, types.NewError(types.ErrConflict, "suspended run is still active")
	}

	approval, err := m.coordinator.GetApprovalRequest(ctx, sus.RequestID)
	switch {
	case errors.Is(err, hitl.ErrRequestNotFound):
		_ = m.suspensions.Transition(ctx, sus.Token, SuspensionSuspended, SuspensionTimedOut)
		return TriggerResult{}, types.NewError(types.ErrApprovalTimeout, "approval request expired")
	case err != nil:
		return TriggerResult{}, err
	case approval.Status == hitl.StatusRejected:
		_ = m.suspensions.Transition(ctx, sus.Token, SuspensionSuspended, SuspensionRejected)
		return TriggerResult{}, types.NewError(types.ErrApprovalRejected, "approval request was rejected")
	case approval.Status == hitl.StatusExpired:
		_ = m.suspensions.Transition(ctx, sus.Token, SuspensionSuspended, SuspensionTimedOut)
		return TriggerResult{}, types.NewError(types.ErrApprovalTimeout, "approval request expired")
	}

	if err := m.suspensions.Transition(ctx, sus.Token, SuspensionSuspended, SuspensionResuming); err != nil {
		if errors.Is(err, ErrSuspensionConflict) {
			return TriggerResult{}, types.NewError(types.ErrConflict, "suspension already resumed")
		}
		return TriggerResult{}, err
	}
	sus.Status = SuspensionResuming

	var input map[string]any
	if sus.Input != "" {
		if err := json.Unmarshal([]byte(sus.Input), &input); err != nil {
			m.logger.Warn("suspension input not decodable", zap.String("token", sus.Token), zap.Error(err))
		}
	}

	runID := uuid.NewString()
	entry, _, err := m.register(runID, Run{
		ResourceID:  sus.ResourceID,
		TenantID:    sus.TenantID,
		UserID:      sus.UserID,
		ResumedFrom: sus.RunID,
	}, req.CallbackURL, req.CallbackToken)
	if err != nil {
		_ = m.suspensions.Transition(ctx, sus.Token, SuspensionResuming, SuspensionSuspended)
		return TriggerResult{}, err
	}

	m.logger.Info("run resumed",
		zap.String("run_id", runID),
		zap.String("resumed_from", sus.RunID),
		zap.String("step", sus.Step),
		zap.String("approval_status", string(approval.Status)))
	m.start(entry, input, sus)
	return TriggerResult{Accepted: true, RunID: runID, StreamPath: StreamPath(runID)}, nil
}

func (m *Manager) register(runID string, run Run, callbackURL, callbackToken string) (*runEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseCtx.Err() != nil {
		return nil, false, ErrShuttingDown
	}
	if e, ok := m.runs[runID]; ok {
		return e, false, nil
	}
	if !m.queues.Create(runID) {
		return nil, false, types.NewError(types.ErrConflict, "run queue already exists")
	}

	run.RunID = runID
	run.State = StatePending
	run.CreatedAt = time.Now().UTC()
	e := &runEntry{
		run:           run,
		emitter:       NewEmitter(runID, run.ResourceID, m.queues, m.log, m.logger),
		callbackURL:   callbackURL,
		callbackToken: callbackToken,
	}
	m.runs[runID] = e
	m.runWG.Add(1)
	return e, true, nil
}

func (m *Manager) start(e *runEntry, input map[string]any, resumeFrom *Suspension) {
	go m.execute(e, input, resumeFrom)
}

// =============================================================================
// ⚙️ 执行
// =============================================================================

func (m *Manager) execute(e *runEntry, input map[string]any, resumeFrom *Suspension) {
	defer m.runWG.Done()

	run := e.snapshot()
	ctx := ctxkeys.WithRunID(m.baseCtx, run.RunID)
	ctx = ctxkeys.WithResourceID(ctx, run.ResourceID)
	if run.TenantID != "" {
		ctx = ctxkeys.WithTenantID(ctx, run.TenantID)
	}
	if run.UserID != "" {
		ctx = ctxkeys.WithUserID(ctx, run.UserID)
	}

	ctx, span := m.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", run.RunID),
			attribute.String("run.resource_id", run.ResourceID),
			attribute.Bool("run.resumed", resumeFrom != nil),
		))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
	}

	start := time.Now()
	logger := m.logger.With(zap.String("run_id", run.RunID))
	em := e.emitter

	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			_ = em.Fail(ctx, types.NewError(types.ErrRunAbandoned, "run abandoned before start").WithCause(err))
			m.finish(e, start, span)
			return
		}
		defer m.sem.Release(1)
	}

	e.setState(StateRunning)
	if m.hooks.OnRunStarted != nil {
		m.hooks.OnRunStarted()
	}

	started := map[string]any{"runId": run.RunID, "resourceId": run.ResourceID}
	if resumeFrom != nil {
		started["resumedFrom"] = resumeFrom.RunID
		started["step"] = resumeFrom.Step
	}
	err := em.Started(ctx, started)
	if err == nil {
		rc := &RunContext{
			Run:         e.snapshot(),
			Input:       input,
			Emitter:     em,
			Logger:      logger,
			ResumeFrom:  resumeFrom,
			coordinator: m.coordinator,
			suspensions: m.suspensions,
			waitTimeout: m.config.ApprovalTimeout,
			setState:    e.setState,
		}
		err = m.analyze(ctx, rc)
	}

	if em.Terminated() {
		if err != nil {
			logger.Warn("analyzer returned error after terminal event", zap.Error(err))
		}
	} else {
		switch {
		case err == nil:
			err = em.Complete(ctx, nil)
		case m.baseCtx.Err() != nil:
			err = em.Fail(ctx, types.NewError(types.ErrRunAbandoned, "run abandoned during shutdown").WithCause(err))
		default:
			logger.Error("analysis failed", zap.Error(err))
			err = em.Fail(ctx, err)
		}
		if err != nil {
			// 只有已终止时 Fail/Complete 才会失败，此处不应发生
			logger.Error("failed to emit terminal event", zap.Error(err))
		}
	}

	m.finish(e, start, span)
}

// analyze runs the analyzer, converting a panic into a producer failure.
func (m *Manager) analyze(ctx context.Context, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			rc.Logger.Error("analyzer panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = types.NewError(types.ErrProducerFailure, fmt.Sprintf("analyzer panic: %v", r))
		}
	}()
	return m.analyzer.Analyze(ctx, rc)
}

func (m *Manager) finish(e *runEntry, start time.Time, span trace.Span) {
	terminal, _ := e.emitter.Terminal()
	state := StateCompleted
	var errMsg string
	if fp, ok := terminalFailure(terminal); ok {
		state = StateFailed
		if fp.Code == string(types.ErrRunAbandoned) {
			state = StateAbandoned
		}
		errMsg = fp.Error
		span.SetStatus(codes.Error, fp.Code)
	}

	now := time.Now().UTC()
	e.mu.Lock()
	e.run.State = state
	e.run.LastEvent = terminal.Type
	e.run.Error = errMsg
	e.run.FinishedAt = &now
	runID := e.run.RunID
	e.mu.Unlock()

	duration := time.Since(start)
	span.SetAttributes(attribute.String("run.state", string(state)))
	m.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.String("state", string(state)),
		zap.Duration("duration", duration))
	if m.hooks.OnRunFinished != nil {
		m.hooks.OnRunFinished(state, duration)
	}

	time.AfterFunc(m.config.GracePeriod, func() { m.retire(e) })
	m.notify(e, terminal)
}

// retire removes the run's queue and snapshot, at most once.
func (m *Manager) retire(e *runEntry) {
	e.removeOnce.Do(func() {
		runID := e.snapshot().RunID
		m.queues.Remove(runID)
		m.mu.Lock()
		if m.runs[runID] == e {
			delete(m.runs, runID)
		}
		m.mu.Unlock()
		m.logger.Debug("run retired", zap.String("run_id", runID))
	})
}

// notify sends the terminal callback in the background, at most once per run.
func (m *Manager) notify(e *runEntry, terminal event.Envelope) {
	if m.callbacks == nil || e.callbackURL == "" {
		return
	}
	e.callbackOnce.Do(func() {
		run := e.snapshot()
		payload := callback.Payload{
			RunID:    run.RunID,
			CaseID:   run.ResourceID,
			TenantID: run.TenantID,
			Status:   callback.StatusCompleted,
		}
		if fp, ok := terminalFailure(terminal); ok {
			payload.Status = callback.StatusFailed
			payload.Error = &callback.ErrorBody{Code: fp.Code, Message: fp.Error, Stage: fp.Stage}
		} else {
			var cp event.CompletedPayload
			if err := json.Unmarshal(terminal.Payload, &cp); err == nil {
				payload.Result = cp.Result
			}
		}

		m.cbWG.Add(1)
		go func() {
			defer m.cbWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.config.CallbackBudget)
			defer cancel()
			m.callbacks.PostWithRetry(ctx, e.callbackURL, payload, callback.BearerHeaders(e.callbackToken), nil)
		}()
	})
}

// =============================================================================
// 🔍 查询与关闭
// =============================================================================

// Get returns a snapshot of runID while it is retained.
func (m *Manager) Get(runID string) (Run, bool) {
	m.mu.RLock()
	e, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return Run{}, false
	}
	return e.snapshot(), true
}

// Active returns the number of runs not yet finished.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.runs {
		if !e.snapshot().State.Finished() {
			n++
		}
	}
	return n
}

func (m *Manager) active(runID string) bool {
	run, ok := m.Get(runID)
	return ok && !run.State.Finished()
}

// Shutdown cancels running analyses, which end with RUN_ABANDONED, and
// waits for them and for in-flight callbacks until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.runWG.Wait()
		m.cbWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("pipeline stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("pipeline shutdown timed out", zap.Int("active_runs", m.Active()))
		return ctx.Err()
	}
}
