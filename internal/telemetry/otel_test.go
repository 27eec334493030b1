package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/chatrelay/internal/telemetry"
)

func TestInitTracer(t *testing.T) {
	t.Run("should be a no-op without an exporter", func(t *testing.T) {
		shutdown, err := telemetry.InitTracer(&telemetry.Config{Exporter: telemetry.ExporterNone})

		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	})

	t.Run("should install the stdout exporter", func(t *testing.T) {
		shutdown, err := telemetry.InitTracer(&telemetry.Config{
			Exporter:       telemetry.ExporterStdout,
			ServiceName:    "chatrelay-test",
			ServiceVersion: "test",
		})

		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	})

	t.Run("should reject unknown exporters", func(t *testing.T) {
		shutdown, err := telemetry.InitTracer(&telemetry.Config{Exporter: "zipkin"})

		require.Error(t, err)
		require.Nil(t, shutdown)
	})
}
