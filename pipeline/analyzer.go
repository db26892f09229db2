package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/hitl"
)

// Analyzer produces a run's events. The manager has already emitted started
// when Analyze is called. Returning nil without a terminal event completes
// the run; returning an error fails it.
type Analyzer interface {
	Analyze(ctx context.Context, rc *RunContext) error
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, rc *RunContext) error

func (f AnalyzerFunc) Analyze(ctx context.Context, rc *RunContext) error {
	return f(ctx, rc)
}

// RunContext is what an analyzer sees of its run.
type RunContext struct {
	Run     Run
	Input   map[string]any
	Emitter *Emitter
	Logger  *zap.Logger

	// ResumeFrom is set when the run re-enters a suspended approval step.
	ResumeFrom *Suspension

	coordinator *hitl.Coordinator
	suspensions SuspensionStore
	waitTimeout time.Duration
	setState    func(State)
	resumeOnce  sync.Once
}
