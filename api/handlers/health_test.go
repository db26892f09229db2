package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/internal/cache"
)

// readinessFixture 按服务启动时的顺序注册 drain、Redis 与数据库检查
type readinessFixture struct {
	handler *HealthHandler
	drain   *ShutdownCheck
	redis   *miniredis.Miniredis
	dbMock  sqlmock.Sqlmock
}

func newReadinessFixture(t *testing.T) *readinessFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), PoolSize: 2}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &readinessFixture{
		handler: NewHealthHandler(zap.NewNop()),
		drain:   &ShutdownCheck{},
		redis:   mr,
		dbMock:  mock,
	}
	f.handler.RegisterCheck(f.drain)
	f.handler.RegisterCheck(NewPingCheck("redis", m.Ping))
	f.handler.RegisterCheck(NewPingCheck("database", db.PingContext))
	return f
}

func (f *readinessFixture) ready(t *testing.T) (int, ServiceHealthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	f.handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var status ServiceHealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func TestHealthHandler_LivenessIgnoresDependencies(t *testing.T) {
	f := newReadinessFixture(t)
	f.redis.Close()
	f.drain.Drain()

	for path, handle := range map[string]http.HandlerFunc{
		"/health":  f.handler.HandleHealth,
		"/healthz": f.handler.HandleHealthz,
	} {
		w := httptest.NewRecorder()
		handle(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)

		var status ServiceHealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.Equal(t, "healthy", status.Status)
		assert.Empty(t, status.Checks)
		assert.False(t, status.Timestamp.IsZero())
	}
}

func TestHealthHandler_ReadyWithEngineChecks(t *testing.T) {
	f := newReadinessFixture(t)
	f.dbMock.ExpectPing()

	code, status := f.ready(t)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status.Status)
	require.Len(t, status.Checks, 3)
	for _, name := range []string{"shutdown", "redis", "database"} {
		assert.Equal(t, "pass", status.Checks[name].Status, name)
		assert.NotEmpty(t, status.Checks[name].Latency, name)
	}
	assert.NoError(t, f.dbMock.ExpectationsWereMet())
}

func TestHealthHandler_ReadyReportsFailedDependency(t *testing.T) {
	tests := []struct {
		name    string
		degrade func(f *readinessFixture)
		failed  string
	}{
		{
			name: "redis unreachable",
			degrade: func(f *readinessFixture) {
				f.redis.Close()
				f.dbMock.ExpectPing()
			},
			failed: "redis",
		},
		{
			name: "database ping error",
			degrade: func(f *readinessFixture) {
				f.dbMock.ExpectPing().WillReturnError(errors.New("connection refused"))
			},
			failed: "database",
		},
		{
			name: "draining",
			degrade: func(f *readinessFixture) {
				f.drain.Drain()
				f.dbMock.ExpectPing()
			},
			failed: "shutdown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReadinessFixture(t)
			tt.degrade(f)

			code, status := f.ready(t)
			assert.Equal(t, http.StatusServiceUnavailable, code)
			assert.Equal(t, "unhealthy", status.Status)
			require.Len(t, status.Checks, 3)
			for name, res := range status.Checks {
				if name == tt.failed {
					assert.Equal(t, "fail", res.Status, name)
					assert.NotEmpty(t, res.Message, name)
					continue
				}
				assert.Equal(t, "pass", res.Status, name)
			}
		})
	}
}

func TestHealthHandler_ReadyRecoversAfterRedisRestart(t *testing.T) {
	f := newReadinessFixture(t)

	f.redis.Close()
	f.dbMock.ExpectPing()
	code, _ := f.ready(t)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	require.NoError(t, f.redis.Restart())
	f.dbMock.ExpectPing()
	code, status := f.ready(t)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pass", status.Checks["redis"].Status)
}

func TestHealthHandler_ReadyBoundsSlowCheck(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.timeout = 50 * time.Millisecond
	h.RegisterCheck(NewPingCheck("database", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status ServiceHealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["database"].Message)
}

func TestHealthHandler_ReadyConcurrentWithDrain(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	drain := &ShutdownCheck{}
	h.RegisterCheck(drain)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
		}()
	}
	drain.Drain()
	wg.Wait()

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleVersion("1.4.0", "2026-01-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.4.0", data["version"])
	assert.Equal(t, "2026-01-01T00:00:00Z", data["build_time"])
	assert.Equal(t, "abc123", data["git_commit"])
}
