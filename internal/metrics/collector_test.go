package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordHTTPRequest("GET", "/api/v1/runs", 200, 100*time.Millisecond, 1024, 2048)
	c.RecordHTTPRequest("GET", "/api/v1/runs", 201, 50*time.Millisecond, 512, 1024)
	c.RecordHTTPRequest("POST", "/api/v1/runs", 503, 5*time.Millisecond, 0, 64)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/api/v1/runs", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/runs", "5xx")))
}

func TestCollector_RunLifecycle(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordRunStarted(false)
	c.RecordRunStarted(true)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsActive))

	c.RecordRunFinished("completed", time.Second)
	c.RecordRunFinished("abandoned", 2*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.runsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsStarted.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("completed")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.runDuration))
}

func TestCollector_StreamMetrics(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordQueueDrop("step")
	c.RecordStreamFrame("run", "started")
	c.RecordStreamFrame("run", "done")
	c.RecordStreamTimeout()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueDropped.WithLabelValues("step")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.streamFrames))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.streamTimeouts))

	closeRun := c.StreamOpened("run")
	closeRes := c.StreamOpened("resource")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.streamConnections.WithLabelValues("run")))
	closeRun()
	closeRes()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.streamConnections.WithLabelValues("run")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.streamConnections.WithLabelValues("resource")))
}

func TestCollector_ApprovalAndCallback(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordApprovalOutcome("approved")
	c.RecordApprovalOutcome("timeout")
	c.RecordCallbackAttempt("status")
	c.RecordCallbackAttempt("success")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.approvalOutcomes.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callbackAttempts.WithLabelValues("success")))
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordDBConnections("suspensions", 10, 5)

	assert.Equal(t, 10.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("suspensions")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("suspensions")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			c.RecordStreamFrame("run", "step")
			c.RecordRunStarted(false)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.streamFrames.WithLabelValues("run", "step")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.runsActive))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(200))
	assert.Equal(t, "3xx", statusCode(304))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(504))
	assert.Equal(t, "unknown", statusCode(0))
}
