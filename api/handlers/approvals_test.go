package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/hitl"
	"github.com/choijoonbin/aura-platform-sub000/internal/ctxkeys"
)

func newApprovalFixture(t *testing.T) (*hitl.Coordinator, *http.ServeMux) {
	t.Helper()
	c := hitl.NewCoordinator(hitl.NewMemoryStore(), hitl.NewMemoryBus(), hitl.DefaultConfig(), zap.NewNop())
	h := NewApprovalHandler(c, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/approvals/{requestId}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/approvals/{requestId}/decision", h.HandleDecision)
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}/signal", h.HandleSignal)
	return c, mux
}

func decide(ctx context.Context, mux *http.ServeMux, requestID, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/"+requestID+"/decision", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r.WithContext(ctx))
	return w
}

func TestApprovalHandler_GetRequest(t *testing.T) {
	c, mux := newApprovalFixture(t)
	req, err := c.SaveApprovalRequest(context.Background(), hitl.NewRequest{
		RequestID:  "req-1",
		SessionID:  "sess-1",
		ActionType: "freeze_account",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/approvals/"+req.RequestID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data hitl.Request `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, hitl.StatusPending, resp.Data.Status)
	assert.Equal(t, "freeze_account", resp.Data.ActionType)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/approvals/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalHandler_Decision(t *testing.T) {
	c, mux := newApprovalFixture(t)
	_, err := c.SaveApprovalRequest(context.Background(), hitl.NewRequest{
		RequestID:  "req-1",
		SessionID:  "sess-1",
		ActionType: "freeze_account",
	})
	require.NoError(t, err)

	ctx := ctxkeys.WithUserID(context.Background(), "reviewer-7")
	w := decide(ctx, mux, "req-1", `{"approved":true,"reason":"verified","userId":"ignored"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, err := c.GetApprovalRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusApproved, stored.Status)
	assert.Equal(t, "reviewer-7", stored.ResolvedBy)
	assert.Equal(t, "verified", stored.Reason)

	// 重复决策
	w = decide(context.Background(), mux, "req-1", `{"approved":false}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// 信号可补查
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1/signal", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data hitl.Signal `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Data.Approved)
	assert.Equal(t, hitl.SignalApproval, resp.Data.Type)
}

func TestApprovalHandler_DecisionValidation(t *testing.T) {
	_, mux := newApprovalFixture(t)

	w := decide(context.Background(), mux, "req-1", `{"reason":"no verdict"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = decide(context.Background(), mux, "missing", `{"approved":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalHandler_SignalNotFound(t *testing.T) {
	_, mux := newApprovalFixture(t)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/none/signal", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
