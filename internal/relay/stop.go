package relay

import (
	"context"
	"fmt"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/observability"
)

// StopResult reports what a stop request did. Stopping nothing is not an error.
type StopResult struct {
	StoppedCount     int
	RemainingStreams int
	Message          string
}

// Stopper cancels in-flight streams.
type Stopper struct {
	registry domain.StreamRegistry
}

// NewStopper creates a new stopper (DI constructor).
func NewStopper(registry domain.StreamRegistry) *Stopper {
	return &Stopper{registry: registry}
}

// Stop cancels the stream of sessionKey, or every stream when sessionKey is empty.
func (s *Stopper) Stop(ctx context.Context, sessionKey string) StopResult {
	logger := observability.FromContext(ctx)

	var result StopResult

	switch {
	case sessionKey == "":
		result.StoppedCount = s.registry.CancelAll(ctx)
		result.Message = fmt.Sprintf("stopped %d active streams", result.StoppedCount)
	case s.registry.Cancel(ctx, sessionKey):
		result.StoppedCount = 1
		result.Message = fmt.Sprintf("stopped stream for session %s", sessionKey)
	default:
		result.Message = fmt.Sprintf("no active stream for session %s", sessionKey)
	}

	result.RemainingStreams = s.registry.Len()

	logger.Info("stop requested",
		observability.String("session_key", sessionKey),
		observability.Int("stopped", result.StoppedCount),
		observability.Int("remaining", result.RemainingStreams),
	)

	return result
}
