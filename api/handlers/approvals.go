package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/hitl"
	"github.com/choijoonbin/aura-platform-sub000/internal/ctxkeys"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

// =============================================================================
// ✋ 人工审批 Handler
// =============================================================================

// ApprovalService 审批查询与决策，由 hitl.Coordinator 实现
type ApprovalService interface {
	GetApprovalRequest(ctx context.Context, requestID string) (*hitl.Request, error)
	GetSignal(ctx context.Context, sessionID string) (*hitl.Signal, error)
	Resolve(ctx context.Context, requestID string, approved bool, reason, userID string) (*hitl.Request, error)
}

// ApprovalHandler 审批接口处理器
type ApprovalHandler struct {
	approvals ApprovalService
	logger    *zap.Logger
}

// NewApprovalHandler 创建审批处理器
func NewApprovalHandler(approvals ApprovalService, logger *zap.Logger) *ApprovalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalHandler{
		approvals: approvals,
		logger:    logger.With(zap.String("handler", "approvals")),
	}
}

// decisionBody 审批决策请求体
type decisionBody struct {
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// HandleGet 处理 GET /api/v1/approvals/{requestId}
func (h *ApprovalHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.approvals.GetApprovalRequest(r.Context(), r.PathValue("requestId"))
	if err != nil {
		WriteRequestError(w, r, AsAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, req)
}

// HandleDecision 处理 POST /api/v1/approvals/{requestId}/decision
//
// 只有 pending 请求可以决策，重复决策返回 409。
func (h *ApprovalHandler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var body decisionBody
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.Approved == nil {
		WriteRequestError(w, r, types.NewError(types.ErrInvalidRequest, "approved is required"), h.logger)
		return
	}

	userID := identity(r.Context(), ctxkeys.UserID, body.UserID)
	req, err := h.approvals.Resolve(r.Context(), r.PathValue("requestId"), *body.Approved, body.Reason, userID)
	if err != nil {
		WriteRequestError(w, r, AsAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, req)
}

// HandleSignal 处理 GET /api/v1/sessions/{sessionId}/signal
//
// 返回会话最近一次决策信号，供错过推送的调用方补查。
func (h *ApprovalHandler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := h.approvals.GetSignal(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		WriteRequestError(w, r, AsAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, sig)
}
