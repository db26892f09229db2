package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/internal/ctxkeys"
	"github.com/choijoonbin/aura-platform-sub000/stream"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

// Emitter is the single producer of one run's events. It enforces stage
// order, numbers events, pushes them to the run queue and mirrors them into
// the resource log. It is safe for concurrent use.
type Emitter struct {
	mu         sync.Mutex
	runID      string
	resourceID string
	guard      event.Guard
	seq        uint64
	queues     *stream.QueueRegistry
	log        *stream.ResourceLog
	logger     *zap.Logger
	terminal   *event.Envelope
}

// NewEmitter creates an emitter for runID. log may be nil.
func NewEmitter(runID, resourceID string, queues *stream.QueueRegistry, log *stream.ResourceLog, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		runID:      runID,
		resourceID: resourceID,
		queues:     queues,
		log:        log,
		logger:     logger,
	}
}

// Emit publishes one event. Step payloads must be event.StepPayload so the
// percent can be checked. Events violating the stage order are rejected with
// an error matching event.ErrOutOfOrder and are not published.
func (e *Emitter) Emit(ctx context.Context, t event.Type, payload any) error {
	percent := 0.0
	if t == event.TypeStep {
		switch p := payload.(type) {
		case event.StepPayload:
			percent = p.Percent
		case *event.StepPayload:
			percent = p.Percent
		default:
			return types.NewError(types.ErrInvalidRequest, "step payload must be event.StepPayload")
		}
	}

	raw, err := event.MarshalPayload(payload)
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "payload is not encodable").WithCause(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard.Admit(t, percent); err != nil {
		e.logger.Warn("event rejected",
			zap.String("run_id", e.runID),
			zap.String("type", string(t)),
			zap.Error(err))
		return err
	}

	env, _ := event.NewEnvelope(e.runID, t, e.seq, raw)
	e.seq++

	if t.IsTerminal() {
		e.terminal = &env
		e.queues.PushTerminal(env)
	} else {
		e.queues.Push(env)
	}
	e.mirror(ctx, env, payload)
	return nil
}

func (e *Emitter) mirror(ctx context.Context, env event.Envelope, payload any) {
	if e.log == nil || e.resourceID == "" {
		return
	}
	in := stream.ResourceEventInput{
		RunID:   e.runID,
		Type:    string(env.Type),
		Level:   stream.LevelInfo,
		Payload: env.Payload,
	}
	if traceID, ok := ctxkeys.TraceID(ctx); ok {
		in.TraceID = traceID
	}
	switch p := payload.(type) {
	case event.StepPayload:
		in.StepID, in.Message = p.StepID, p.Message
	case *event.StepPayload:
		in.StepID, in.Message = p.StepID, p.Message
	case event.FailedPayload:
		in.Level, in.Message = stream.LevelError, p.Error
	case event.ProposalPayload:
		in.Message = p.Summary
		if p.Status == event.ProposalPendingApproval {
			in.Level = stream.LevelWarn
		}
	}
	e.log.Append(e.resourceID, in)
}

// Started emits the started event.
func (e *Emitter) Started(ctx context.Context, payload any) error {
	return e.Emit(ctx, event.TypeStarted, payload)
}

// Step emits a progress event.
func (e *Emitter) Step(ctx context.Context, stepID string, percent float64, message string) error {
	return e.Emit(ctx, event.TypeStep, event.StepPayload{StepID: stepID, Percent: percent, Message: message})
}

// Evidence emits one piece of evidence.
func (e *Emitter) Evidence(ctx context.Context, payload any) error {
	return e.Emit(ctx, event.TypeEvidence, payload)
}

// Confidence emits the confidence score.
func (e *Emitter) Confidence(ctx context.Context, score float64, rationale string) error {
	return e.Emit(ctx, event.TypeConfidence, event.ConfidencePayload{Score: score, Rationale: rationale})
}

// Proposal emits a proposed action.
func (e *Emitter) Proposal(ctx context.Context, p event.ProposalPayload) error {
	return e.Emit(ctx, event.TypeProposal, p)
}

// Complete emits the completed event.
func (e *Emitter) Complete(ctx context.Context, result any) error {
	raw, err := event.MarshalPayload(result)
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "result is not encodable").WithCause(err)
	}
	return e.Emit(ctx, event.TypeCompleted, event.CompletedPayload{Result: raw})
}

// Fail emits the failed event describing err.
func (e *Emitter) Fail(ctx context.Context, err error) error {
	return e.Emit(ctx, event.TypeFailed, e.failure(err))
}

func (e *Emitter) failure(err error) event.FailedPayload {
	p := event.FailedPayload{
		Code:        string(types.ErrProducerFailure),
		Recoverable: types.IsRetryable(err),
	}
	var te *types.Error
	if errors.As(err, &te) {
		p.Code = string(te.Code)
		p.Error = te.Message
		p.Stage = te.Stage
		if te.Cause != nil && p.Error == "" {
			p.Error = te.Cause.Error()
		}
	}
	if p.Error == "" && err != nil {
		p.Error = err.Error()
	}
	if p.Stage == "" {
		e.mu.Lock()
		p.Stage = string(e.guard.Stage())
		e.mu.Unlock()
	}
	return p
}

// Stage returns the last admitted stage.
func (e *Emitter) Stage() event.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.Stage()
}

// Terminated reports whether a terminal event was emitted.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.Terminated()
}

// Terminal returns the terminal envelope once emitted.
func (e *Emitter) Terminal() (event.Envelope, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal == nil {
		return event.Envelope{}, false
	}
	return *e.terminal, true
}

// Sequence returns the number of events emitted.
func (e *Emitter) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// terminalFailure decodes the failed payload of a terminal envelope.
func terminalFailure(env event.Envelope) (event.FailedPayload, bool) {
	if env.Type != event.TypeFailed {
		return event.FailedPayload{}, false
	}
	var p event.FailedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return event.FailedPayload{}, false
	}
	return p, true
}
