package hitl

import (
	"time"

	"github.com/choijoonbin/aura-platform-sub000/types"
)

// Status 审批请求状态
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Resolved 是否已有人工决策
func (s Status) Resolved() bool {
	return s == StatusApproved || s == StatusRejected
}

// Request 审批请求
type Request struct {
	RequestID  string         `json:"requestId"`
	SessionID  string         `json:"sessionId"`
	RunID      string         `json:"runId,omitempty"`
	ActionType string         `json:"actionType"`
	Context    map[string]any `json:"context,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	TenantID   string         `json:"tenantId,omitempty"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// SignalType 审批信号类型
type SignalType string

const (
	SignalApproval  SignalType = "approval"
	SignalRejection SignalType = "rejection"
)

// Signal 审批决策信号
type Signal struct {
	Type      SignalType `json:"type"`
	Approved  bool       `json:"approved"`
	RequestID string     `json:"requestId,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	DecidedBy string     `json:"decidedBy,omitempty"`
	DecidedAt time.Time  `json:"decidedAt"`
}

// signalFromRequest 由已决策的请求还原信号
func signalFromRequest(req *Request) *Signal {
	sig := &Signal{
		Type:      SignalRejection,
		Approved:  req.Status == StatusApproved,
		RequestID: req.RequestID,
		Reason:    req.Reason,
		DecidedBy: req.ResolvedBy,
	}
	if sig.Approved {
		sig.Type = SignalApproval
	}
	if req.ResolvedAt != nil {
		sig.DecidedAt = *req.ResolvedAt
	}
	return sig
}

// NewRequest 创建审批请求的输入
type NewRequest struct {
	RequestID  string
	SessionID  string
	RunID      string
	ActionType string
	Context    map[string]any
	UserID     string
	TenantID   string
}

var (
	// ErrRequestNotFound 请求不存在或已过期
	ErrRequestNotFound = types.NewError(types.ErrNotFound, "approval request not found")

	// ErrSignalNotFound 会话没有记录的信号
	ErrSignalNotFound = types.NewError(types.ErrNotFound, "approval signal not found")

	// ErrAlreadyResolved 请求已不处于 pending 状态
	ErrAlreadyResolved = types.NewError(types.ErrConflict, "approval request already resolved")

	// ErrStatusConflict 状态迁移前置条件不满足
	ErrStatusConflict = types.NewError(types.ErrConflict, "approval request status changed")
)
