package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidbz/chatrelay/internal/observability"
)

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	observability.SetLogger(zap.New(core))
	t.Cleanup(func() { observability.SetLogger(zap.NewNop()) })

	ctx := context.Background()
	ctx = observability.WithRequestID(ctx, "req-1")
	ctx = observability.WithProvider(ctx, "api.example.com")
	ctx = observability.WithModel(ctx, "gpt-4o-mini")
	ctx = observability.WithSessionKey(ctx, "session-1")

	observability.FromContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "req-1", fields["request_id"])
	require.Equal(t, "api.example.com", fields["provider"])
	require.Equal(t, "gpt-4o-mini", fields["model"])
	require.Equal(t, "session-1", fields["session_key"])
	require.NotContains(t, fields, "trace_id")
}

func TestGenerateIDs(t *testing.T) {
	require.Len(t, observability.GenerateTraceID(), 32)
	require.Len(t, observability.GenerateSpanID(), 16)
	require.NotEqual(t, observability.GenerateRequestID(), observability.GenerateRequestID())
}
