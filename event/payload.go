package event

import "encoding/json"

// StepPayload reports analysis progress.
type StepPayload struct {
	StepID  string  `json:"stepId"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// ConfidencePayload carries the overall confidence score of the analysis.
type ConfidencePayload struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

// ProposalPayload describes a proposed action. Risky actions carry the
// approval request they are waiting on.
type ProposalPayload struct {
	ActionType  string         `json:"actionType"`
	Summary     string         `json:"summary,omitempty"`
	Status      string         `json:"status,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	ResumeToken string         `json:"resumeToken,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Proposal statuses.
const (
	ProposalPendingApproval = "pending_approval"
	ProposalApproved        = "approved"
)

// CompletedPayload wraps the final analysis result.
type CompletedPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// FailedPayload describes why a run failed.
type FailedPayload struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Stage       string `json:"stage,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	Synthetic   bool   `json:"synthetic,omitempty"`
}
