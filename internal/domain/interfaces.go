package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// RegisterOptions describes a stream being added to a StreamRegistry.
type RegisterOptions struct {
	SessionKey string
	RequestID  string
	Provider   string
	Model      string

	// Notifier is told about explicit cancellations. Optional.
	Notifier CancelNotifier
}

// StreamRegistry tracks in-flight cancellable streams keyed by session.
type StreamRegistry interface {
	// Register adds a stream and returns its session key. The entry is removed
	// automatically once streamCtx is done.
	Register(streamCtx context.Context, cancel context.CancelFunc, opts RegisterOptions) string

	// SetRequestID records the upstream-assigned id of a live stream.
	SetRequestID(sessionKey, requestID string)

	// Cancel stops a single stream. It reports false when the key is unknown.
	Cancel(ctx context.Context, sessionKey string) bool

	// CancelAll stops every live stream and returns how many were stopped.
	CancelAll(ctx context.Context) int

	// Len returns the number of live streams.
	Len() int

	// Snapshot returns the live registrations, oldest first.
	Snapshot() []StreamRegistration
}

// CancelNotifier tells the upstream provider that a generation was abandoned.
type CancelNotifier interface {
	NotifyCancel(ctx context.Context, reg StreamRegistration) error
}

// Upstream performs raw chat completion calls against an OpenAI-compatible API.
type Upstream interface {
	// ChatCompletions posts body to {baseUrl}/chat/completions. Non-success
	// statuses are returned as *UpstreamError with the body already closed.
	ChatCompletions(ctx context.Context, cfg ProviderConfig, body []byte) (*http.Response, error)

	// Notifier returns a CancelNotifier bound to the given provider.
	Notifier(cfg ProviderConfig) CancelNotifier
}

// CatalogCache stores rendered model catalogs.
type CatalogCache interface {
	// Get returns the cached catalog or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the catalog for ttl.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// Prober tests connectivity against a user-supplied upstream.
type Prober interface {
	Probe(ctx context.Context, req ProbeRequest) ProbeResult
}

// ModelLister fetches the raw model list of an upstream.
type ModelLister interface {
	// ListModels returns the raw JSON object of every listed model.
	ListModels(ctx context.Context, cfg ProviderConfig) ([]json.RawMessage, error)
}
