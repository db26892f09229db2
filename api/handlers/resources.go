package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/stream"
)

// =============================================================================
// 🗂️ 资源级事件流 Handler
// =============================================================================

// ResourceHandler 可重放的资源事件流
type ResourceHandler struct {
	log      *stream.ResourceLog
	options  StreamOptions
	observer StreamObserver
	logger   *zap.Logger
}

// NewResourceHandler 创建资源流处理器，observer 可为 nil
func NewResourceHandler(log *stream.ResourceLog, options StreamOptions, observer StreamObserver, logger *zap.Logger) *ResourceHandler {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.Keepalive <= 0 {
		options.Keepalive = 15 * time.Second
	}
	return &ResourceHandler{
		log:      log,
		options:  options,
		observer: observer,
		logger:   logger.With(zap.String("handler", "resources")),
	}
}

// HandleStream 处理 GET /api/v1/resources/{resourceId}/stream
//
// 先重放 Last-Event-ID 之后的缓冲事件，再持续推送新事件，空闲时写保活注释。
// 客户端无法设置请求头时可用 lastEventId 查询参数。
func (h *ResourceHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	resourceID := r.PathValue("resourceId")
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("lastEventId")
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	sse := stream.NewSSEWriter(w, rc.Flush)
	if err := sse.Flush(); err != nil {
		h.logger.Warn("streaming not supported", zap.Error(err))
		return
	}

	done := h.observer.StreamOpened(channelResource)
	defer done()

	ctx := r.Context()
	if h.options.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.options.MaxDuration)
		defer cancel()
	}

	// 先订阅再重放，重放与订阅之间追加的事件靠 seen 去重
	live, unsubscribe := h.log.Subscribe(resourceID, 0)
	defer unsubscribe()

	backlog := h.log.Since(resourceID, lastID)
	seen := make(map[string]struct{}, len(backlog))
	for _, ev := range backlog {
		seen[ev.ID] = struct{}{}
		if !h.write(ctx, sse, ev) {
			return
		}
	}
	h.logger.Debug("resource stream replayed",
		zap.String("resource_id", resourceID),
		zap.String("last_event_id", lastID),
		zap.Int("replayed", len(backlog)))

	keepalive := time.NewTicker(h.options.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if _, dup := seen[ev.ID]; dup {
				delete(seen, ev.ID)
				continue
			}
			if !h.write(ctx, sse, ev) {
				return
			}
		case <-keepalive.C:
			if err := sse.WriteComment("keepalive"); err != nil {
				return
			}
		}
	}
}

func (h *ResourceHandler) write(ctx context.Context, sse *stream.SSEWriter, ev stream.ResourceEvent) bool {
	frame, err := stream.ResourceFrame(ev)
	if err != nil {
		h.logger.Error("encode resource frame", zap.String("event_id", ev.ID), zap.Error(err))
		return true
	}
	if err := sse.WriteFrame(ctx, frame); err != nil {
		return false
	}
	h.observer.RecordStreamFrame(channelResource, ev.Type)
	return true
}
