package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/hitl"
	"github.com/choijoonbin/aura-platform-sub000/internal/ctxkeys"
	"github.com/choijoonbin/aura-platform-sub000/pipeline"
	"github.com/choijoonbin/aura-platform-sub000/stream"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type recordingObserver struct {
	mu       sync.Mutex
	frames   map[string][]string
	open     map[string]int
	timeouts int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{frames: map[string][]string{}, open: map[string]int{}}
}

func (o *recordingObserver) StreamOpened(channel string) func() {
	o.mu.Lock()
	o.open[channel]++
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		o.open[channel]--
		o.mu.Unlock()
	}
}

func (o *recordingObserver) RecordStreamFrame(channel, event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[channel] = append(o.frames[channel], event)
}

func (o *recordingObserver) RecordStreamTimeout() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timeouts++
}

type runFixture struct {
	manager   *pipeline.Manager
	log       *stream.ResourceLog
	observer  *recordingObserver
	mux       *http.ServeMux
	runs      *RunHandler
	resources *ResourceHandler
}

func newRunFixture(t *testing.T, analyzer pipeline.Analyzer, options StreamOptions) *runFixture {
	t.Helper()
	logger := zap.NewNop()
	queues := stream.NewQueueRegistry(logger)
	log := stream.NewResourceLog(50, logger)
	coordinator := hitl.NewCoordinator(hitl.NewMemoryStore(), hitl.NewMemoryBus(), hitl.DefaultConfig(), logger)

	f := &runFixture{
		manager: pipeline.NewManager(queues, log, analyzer, pipeline.DefaultConfig(), logger,
			pipeline.WithCoordinator(coordinator),
			pipeline.WithSuspensionStore(pipeline.NewMemorySuspensionStore())),
		log:      log,
		observer: newRecordingObserver(),
		mux:      http.NewServeMux(),
	}
	f.runs = NewRunHandler(f.manager, options, f.observer, logger)
	f.resources = NewResourceHandler(log, options, f.observer, logger)

	f.mux.HandleFunc("POST /api/v1/runs", f.runs.HandleTrigger)
	f.mux.HandleFunc("POST /api/v1/runs/resume", f.runs.HandleResume)
	f.mux.HandleFunc("GET /api/v1/runs/{runId}", f.runs.HandleGet)
	f.mux.HandleFunc("GET /api/v1/runs/{runId}/stream", f.runs.HandleStream)
	f.mux.HandleFunc("GET /api/v1/runs/{runId}/ws", f.runs.HandleWebSocket)
	f.mux.HandleFunc("GET /api/v1/resources/{resourceId}/stream", f.resources.HandleStream)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
	})
	return f
}

func (f *runFixture) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func (f *runFixture) trigger(t *testing.T, body string) pipeline.TriggerResult {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := f.do(r)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var result pipeline.TriggerResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	return result
}

func stepAnalyzer() pipeline.Analyzer {
	return pipeline.AnalyzerFunc(func(ctx context.Context, rc *pipeline.RunContext) error {
		return rc.Emitter.Step(ctx, "collect", 10, "collecting evidence")
	})
}

// sseEvents 提取 SSE 响应中的 event 名与 data 行
func sseEvents(body string) (events []string, data []string) {
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	return events, data
}

// =============================================================================
// 🧪 触发与快照
// =============================================================================

func TestRunHandler_TriggerThenStream(t *testing.T) {
	f := newRunFixture(t, stepAnalyzer(), StreamOptions{PopTimeout: 5 * time.Second})

	result := f.trigger(t, `{"runId":"R1","resourceId":"C1"}`)
	assert.True(t, result.Accepted)
	assert.Equal(t, "R1", result.RunID)
	assert.Equal(t, "/api/v1/runs/R1/stream", result.StreamPath)

	w := f.do(httptest.NewRequest(http.MethodGet, result.StreamPath, nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events, data := sseEvents(w.Body.String())
	assert.Equal(t, []string{"started", "step", "completed"}, events)
	require.Len(t, data, 4)
	assert.Equal(t, "[DONE]", data[3])
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	assert.Equal(t, []string{"started", "step", "completed", "done"}, f.observer.frames[channelRun])
	assert.Zero(t, f.observer.open[channelRun])
}

func TestRunHandler_TriggerValidation(t *testing.T) {
	f := newRunFixture(t, stepAnalyzer(), StreamOptions{})

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{name: "missing resource", contentType: "application/json", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", contentType: "application/json", body: `{"resourceId":"C1","extra":1}`, wantStatus: http.StatusBadRequest},
		{name: "wrong content type", contentType: "text/plain", body: `{"resourceId":"C1"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.contentType)
			w := f.do(r)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
		})
	}
}

func TestRunHandler_DuplicateTrigger(t *testing.T) {
	block := make(chan struct{})
	f := newRunFixture(t, pipeline.AnalyzerFunc(func(ctx context.Context, rc *pipeline.RunContext) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}), StreamOptions{})
	defer close(block)

	first := f.trigger(t, `{"runId":"R1","resourceId":"C1"}`)
	second := f.trigger(t, `{"runId":"R1","resourceId":"C1"}`)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestRunHandler_TriggerTakesIdentityFromContext(t *testing.T) {
	f := newRunFixture(t, stepAnalyzer(), StreamOptions{})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/runs",
		strings.NewReader(`{"runId":"R1","resourceId":"C1","tenantId":"spoofed"}`))
	r.Header.Set("Content-Type", "application/json")
	ctx := ctxkeys.WithTenantID(r.Context(), "tenant-a")
	ctx = ctxkeys.WithUserID(ctx, "user-1")
	w := f.do(r.WithContext(ctx))
	require.Equal(t, http.StatusAccepted, w.Code)

	run, ok := f.manager.Get("R1")
	require.True(t, ok)
	assert.Equal(t, "tenant-a", run.TenantID)
	assert.Equal(t, "user-1", run.UserID)
}

func TestRunHandler_Get(t *testing.T) {
	f := newRunFixture(t, stepAnalyzer(), StreamOptions{PopTimeout: 5 * time.Second})
	f.trigger(t, `{"runId":"R1","resourceId":"C1"}`)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs/R1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool         `json:"success"`
		Data    pipeline.Run `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "R1", resp.Data.RunID)
	assert.Equal(t, "C1", resp.Data.ResourceID)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// 🧪 流
// =============================================================================

func TestRunHandler_StreamUnknownRun(t *testing.T) {
	f := newRunFixture(t, stepAnalyzer(), StreamOptions{})

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope/stream", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestRunHandler_StreamTimeoutSynthesizesFailure(t *testing.T) {
	f := newRunFixture(t, pipeline.AnalyzerFunc(func(ctx context.Context, rc *pipeline.RunContext) error {
		<-ctx.Done()
		return ctx.Err()
	}), StreamOptions{PopTimeout: 50 * time.Millisecond})

	f.trigger(t, `{"runId":"R1","resourceId":"C1"}`)
	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs/R1/stream", nil))

	events, data := sseEvents(w.Body.String())
	assert.Equal(t, []string{"started", "failed"}, events)
	assert.Equal(t, "[DONE]", data[len(data)-1])
	assert.Contains(t, data[1], "STREAM_TIMEOUT")

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	assert.Equal(t, 1, f.observer.timeouts)
}

func TestRunHandler_StreamMaxDuration(t *testing.T) {
	f := newRunFixture(t, pipeline.AnalyzerFunc(func(ctx context.Context, rc *pipeline.RunContext) error {
		<-ctx.Done()
		return ctx.Err()
	}), StreamOptions{PopTimeout: time.Minute, MaxDuration: 50 * time.Millisecond})

	f.trigger(t, `{"runId":"R1","resourceId":"C1"}`)

	start := time.Now()
	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/runs/R1/stream", nil))
	assert.Less(t, time.Since(start), 5*time.Second)

	events, data := sseEvents(w.Body.String())
	assert.Equal(t, []string{"started"}, events)
	assert.NotContains(t, data, "[DONE]")
}

func TestRunHandler_WebSocket(t *testing.T) {
	f := newRunFixture(t, stepAnalyzer(), StreamOptions{PopTimeout: 5 * time.Second})
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	f.trigger(t, `{"runId":"R1","resourceId":"C1"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/runs/R1/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var events []string
	for {
		_, msg, err := conn.Read(ctx)
		require.NoError(t, err)

		var frame wsFrame
		require.NoError(t, json.Unmarshal(msg, &frame))
		if frame.Done {
			break
		}
		events = append(events, frame.Event)
	}
	assert.Equal(t, []string{"started", "step", "completed"}, events)
}

// =============================================================================
// 🧪 恢复
// =============================================================================

func TestRunHandler_Resume(t *testing.T) {
	f := newRunFixture(t, stepAnalyzer(), StreamOptions{})

	post := func(body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/runs/resume", bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
		return f.do(r)
	}

	assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
	assert.Equal(t, http.StatusNotFound, post(`{"token":"unknown"}`).Code)
}
