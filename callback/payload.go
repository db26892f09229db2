package callback

import "encoding/json"

// Status is the terminal outcome reported to the external system.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ErrorBody describes a failed run.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// Payload is the body posted once per run when it reaches a terminal state.
type Payload struct {
	RunID    string          `json:"runId"`
	CaseID   string          `json:"caseId,omitempty"`
	TenantID string          `json:"tenantId,omitempty"`
	Status   Status          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

// BearerHeaders returns the Authorization header for token, or nil.
func BearerHeaders(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}
