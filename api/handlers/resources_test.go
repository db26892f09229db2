package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/stream"
)

// sseIDs 提取 SSE 响应中的 id 行
func sseIDs(body string) []string {
	var ids []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	return ids
}

func seedResource(log *stream.ResourceLog, resourceID string, n int) []stream.ResourceEvent {
	out := make([]stream.ResourceEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, log.Append(resourceID, stream.ResourceEventInput{
			RunID: "R1",
			Type:  "step",
			Level: stream.LevelInfo,
		}))
	}
	return out
}

func TestResourceHandler_ReplaysAfterLastEventID(t *testing.T) {
	log := stream.NewResourceLog(50, zap.NewNop())
	events := seedResource(log, "C1", 4)
	h := NewResourceHandler(log, StreamOptions{MaxDuration: 50 * time.Millisecond}, nil, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/resources/C1/stream", nil)
	r.SetPathValue("resourceId", "C1")
	r.Header.Set("Last-Event-ID", events[1].ID)
	w := httptest.NewRecorder()

	h.HandleStream(w, r)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, []string{events[2].ID, events[3].ID}, sseIDs(w.Body.String()))
}

func TestResourceHandler_QueryParamAndUnknownID(t *testing.T) {
	log := stream.NewResourceLog(50, zap.NewNop())
	events := seedResource(log, "C1", 3)
	h := NewResourceHandler(log, StreamOptions{MaxDuration: 50 * time.Millisecond}, nil, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/resources/C1/stream?lastEventId="+events[0].ID, nil)
	r.SetPathValue("resourceId", "C1")
	w := httptest.NewRecorder()
	h.HandleStream(w, r)
	assert.Equal(t, []string{events[1].ID, events[2].ID}, sseIDs(w.Body.String()))

	// 已被淘汰或未知的 id 重放全部缓冲
	r = httptest.NewRequest(http.MethodGet, "/api/v1/resources/C1/stream", nil)
	r.SetPathValue("resourceId", "C1")
	r.Header.Set("Last-Event-ID", "evicted")
	w = httptest.NewRecorder()
	h.HandleStream(w, r)
	assert.Len(t, sseIDs(w.Body.String()), 3)
}

func TestResourceHandler_FollowsLiveEvents(t *testing.T) {
	log := stream.NewResourceLog(50, zap.NewNop())
	seedResource(log, "C1", 1)
	observer := newRecordingObserver()
	h := NewResourceHandler(log, StreamOptions{Keepalive: 20 * time.Millisecond}, observer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/api/v1/resources/C1/stream", nil).WithContext(ctx)
	r.SetPathValue("resourceId", "C1")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleStream(w, r)
	}()

	// 等待订阅建立后再追加
	require.Eventually(t, func() bool {
		observer.mu.Lock()
		defer observer.mu.Unlock()
		return len(observer.frames[channelResource]) == 1
	}, 2*time.Second, 5*time.Millisecond)

	live := seedResource(log, "C1", 1)[0]
	require.Eventually(t, func() bool {
		observer.mu.Lock()
		defer observer.mu.Unlock()
		return len(observer.frames[channelResource]) == 2
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	ids := sseIDs(body)
	require.Len(t, ids, 2)
	assert.Equal(t, live.ID, ids[1])
	assert.Contains(t, body, ": keepalive\n\n")

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Zero(t, observer.open[channelResource])
}
