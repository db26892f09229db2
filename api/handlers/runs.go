package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/internal/ctxkeys"
	"github.com/choijoonbin/aura-platform-sub000/pipeline"
	"github.com/choijoonbin/aura-platform-sub000/stream"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

// =============================================================================
// 🏃 运行接口 Handler
// =============================================================================

// RunService 运行管理能力，由 pipeline.Manager 实现
type RunService interface {
	Trigger(ctx context.Context, req pipeline.TriggerRequest) (pipeline.TriggerResult, error)
	Resume(ctx context.Context, req pipeline.ResumeRequest) (pipeline.TriggerResult, error)
	Get(runID string) (pipeline.Run, bool)
	Queues() *stream.QueueRegistry
}

// StreamObserver 流指标回调，由 metrics.Collector 实现
type StreamObserver interface {
	StreamOpened(channel string) func()
	RecordStreamFrame(channel, event string)
	RecordStreamTimeout()
}

type nopObserver struct{}

func (nopObserver) StreamOpened(string) func() { return func() {} }

func (nopObserver) RecordStreamFrame(string, string) {}

func (nopObserver) RecordStreamTimeout() {}

// StreamOptions 流式接口参数
type StreamOptions struct {
	// PopTimeout 单次等待事件的上限
	PopTimeout time.Duration
	// MaxDuration 单个连接的最长持续时间，0 表示不限
	MaxDuration time.Duration
	// Keepalive 资源流保活注释间隔
	Keepalive time.Duration
}

const (
	channelRun      = "run"
	channelResource = "resource"
)

// RunHandler 运行触发、快照与运行级事件流
type RunHandler struct {
	runs     RunService
	options  StreamOptions
	observer StreamObserver
	logger   *zap.Logger
}

// NewRunHandler 创建运行处理器，observer 可为 nil
func NewRunHandler(runs RunService, options StreamOptions, observer StreamObserver, logger *zap.Logger) *RunHandler {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runs:     runs,
		options:  options,
		observer: observer,
		logger:   logger.With(zap.String("handler", "runs")),
	}
}

// triggerBody 触发请求体，身份字段优先取认证中间件写入的上下文
type triggerBody struct {
	RunID         string         `json:"runId,omitempty"`
	ResourceID    string         `json:"resourceId"`
	TenantID      string         `json:"tenantId,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	CallbackURL   string         `json:"callbackUrl,omitempty"`
	CallbackToken string         `json:"callbackToken,omitempty"`
}

// HandleTrigger 处理 POST /api/v1/runs
//
// 响应体为 {accepted, runId, streamPath}，状态码 202。
func (h *RunHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var body triggerBody
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.ResourceID == "" {
		WriteRequestError(w, r, types.NewError(types.ErrInvalidRequest, "resourceId is required"), h.logger)
		return
	}

	req := pipeline.TriggerRequest{
		RunID:         body.RunID,
		ResourceID:    body.ResourceID,
		TenantID:      identity(r.Context(), ctxkeys.TenantID, body.TenantID),
		UserID:        identity(r.Context(), ctxkeys.UserID, body.UserID),
		Input:         body.Input,
		CallbackURL:   body.CallbackURL,
		CallbackToken: body.CallbackToken,
	}

	result, err := h.runs.Trigger(r.Context(), req)
	if err != nil {
		WriteRequestError(w, r, AsAPIError(err), h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}

// HandleResume 处理 POST /api/v1/runs/resume
func (h *RunHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req pipeline.ResumeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Token == "" {
		WriteRequestError(w, r, types.NewError(types.ErrInvalidRequest, "token is required"), h.logger)
		return
	}

	result, err := h.runs.Resume(r.Context(), req)
	if err != nil {
		WriteRequestError(w, r, AsAPIError(err), h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}

// HandleGet 处理 GET /api/v1/runs/{runId}
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runs.Get(r.PathValue("runId"))
	if !ok {
		WriteRequestError(w, r, types.NewError(types.ErrNotFound, "run not found"), h.logger)
		return
	}
	WriteSuccess(w, run)
}

// =============================================================================
// 📡 运行级事件流
// =============================================================================

// HandleStream 处理 GET /api/v1/runs/{runId}/stream
//
// 按顺序输出 event: <type> 帧，终态事件后以 data: [DONE] 结束。
func (h *RunHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if !h.runs.Queues().Exists(runID) {
		WriteRequestError(w, r, types.NewError(types.ErrNotFound, "run not found"), h.logger)
		return
	}

	rc := http.NewResponseController(w)
	// 流式响应不受服务器 WriteTimeout 约束
	_ = rc.SetWriteDeadline(time.Time{})

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	sse := stream.NewSSEWriter(w, rc.Flush)
	if err := sse.Flush(); err != nil {
		h.logger.Warn("streaming not supported", zap.Error(err))
		return
	}

	ctx, cancel := h.streamContext(r.Context())
	defer cancel()
	h.relay(ctx, runID, sse)
}

// HandleWebSocket 处理 GET /api/v1/runs/{runId}/ws，帧内容与 SSE 相同
func (h *RunHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if !h.runs.Queues().Exists(runID) {
		WriteRequestError(w, r, types.NewError(types.ErrNotFound, "run not found"), h.logger)
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端不发送数据，CloseRead 负责处理控制帧并在断开时取消 ctx
	ctx, cancel := h.streamContext(conn.CloseRead(r.Context()))
	defer cancel()

	if h.relay(ctx, runID, &wsFrameWriter{conn: conn}) {
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}
}

// relay 将运行队列转发给客户端，返回是否正常写完 [DONE]
func (h *RunHandler) relay(ctx context.Context, runID string, w stream.FrameWriter) bool {
	done := h.observer.StreamOpened(channelRun)
	defer done()

	res, err := stream.Relay(ctx, h.runs.Queues(), runID, w, stream.RelayOptions{
		PopTimeout: h.options.PopTimeout,
		Logger:     h.logger,
		OnEvent: func(env event.Envelope) {
			h.observer.RecordStreamFrame(channelRun, string(env.Type))
		},
	})

	switch {
	case err == nil:
		h.observer.RecordStreamFrame(channelRun, "done")
		h.logger.Debug("run stream finished",
			zap.String("run_id", runID),
			zap.Int("frames", res.Frames),
			zap.String("last_type", string(res.LastType)))
		return true
	case errors.Is(err, stream.ErrStreamReadTimeout):
		h.observer.RecordStreamTimeout()
		return true
	case errors.Is(err, stream.ErrFrameEncode):
		h.logger.Error("run stream closed on unencodable event", zap.String("run_id", runID), zap.Error(err))
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Debug("run stream closed by client",
			zap.String("run_id", runID),
			zap.Int("frames", res.Frames))
	default:
		h.logger.Warn("run stream aborted", zap.String("run_id", runID), zap.Error(err))
	}
	return false
}

func (h *RunHandler) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.options.MaxDuration > 0 {
		return context.WithTimeout(parent, h.options.MaxDuration)
	}
	return context.WithCancel(parent)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// wsFrameWriter 以 JSON 文本消息写出帧
type wsFrameWriter struct {
	conn *websocket.Conn
}

// wsFrame WebSocket 帧结构，Done 帧只带 done: true
type wsFrame struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Done  bool            `json:"done,omitempty"`
}

func (w *wsFrameWriter) WriteFrame(ctx context.Context, f stream.Frame) error {
	data, err := json.Marshal(wsFrame{ID: f.ID, Event: f.Event, Data: f.Data, Done: f.Done})
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
}

// identity 优先使用认证上下文中的身份，其次是请求体
func identity(ctx context.Context, get func(context.Context) (string, bool), fallback string) string {
	if v, ok := get(ctx); ok {
		return v
	}
	return fallback
}
