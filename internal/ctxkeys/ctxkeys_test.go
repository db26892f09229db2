package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithTenantID(ctx, "tenant-1")
	ctx = WithResourceID(ctx, "case-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithRequestID(ctx, "req-1")

	v, ok := TraceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "trace-1", v)

	v, ok = RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", v)

	v, ok = TenantID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "tenant-1", v)

	v, ok = ResourceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "case-1", v)

	v, ok = UserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "user-1", v)

	v, ok = RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", v)
}

func TestContextKeys_EmptyIsAbsent(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	_, ok := TraceID(ctx)
	assert.False(t, ok)

	_, ok = RunID(context.Background())
	assert.False(t, ok)
}
