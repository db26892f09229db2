package pipeline

import (
	"fmt"
	"time"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Finished reports whether s is a final state.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateAbandoned
}

// Run is a snapshot of one analysis run.
type Run struct {
	RunID       string     `json:"runId"`
	ResourceID  string     `json:"resourceId"`
	TenantID    string     `json:"tenantId,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	State       State      `json:"state"`
	LastEvent   event.Type `json:"lastEvent,omitempty"`
	ResumedFrom string     `json:"resumedFrom,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// TriggerRequest starts a run for a resource.
type TriggerRequest struct {
	// RunID is optional; retrying a trigger with the same RunID is a no-op.
	RunID         string         `json:"runId,omitempty"`
	ResourceID    string         `json:"resourceId"`
	TenantID      string         `json:"tenantId,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	CallbackURL   string         `json:"callbackUrl,omitempty"`
	CallbackToken string         `json:"callbackToken,omitempty"`
}

// ResumeRequest re-enters a suspended run.
type ResumeRequest struct {
	Token         string `json:"token"`
	CallbackURL   string `json:"callbackUrl,omitempty"`
	CallbackToken string `json:"callbackToken,omitempty"`
}

// TriggerResult acknowledges a trigger or resume.
type TriggerResult struct {
	Accepted   bool   `json:"accepted"`
	RunID      string `json:"runId"`
	StreamPath string `json:"streamPath"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// StreamPath is where clients read a run's events.
func StreamPath(runID string) string {
	return fmt.Sprintf("/api/v1/runs/%s/stream", runID)
}

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = types.NewError(types.ErrNotFound, "run not found")

	// ErrShuttingDown rejects new work after Shutdown.
	ErrShuttingDown = types.NewError(types.ErrServiceUnavailable, "pipeline is shutting down")
)
