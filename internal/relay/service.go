// Package relay proxies chat completions to an OpenAI-compatible upstream,
// registering streaming calls so they can be stopped out of band and piping
// their event streams through the SSE rewriter.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/observability"
	"github.com/davidbz/chatrelay/internal/sse"
	"github.com/davidbz/chatrelay/internal/tokens"
)

const tracerName = "github.com/davidbz/chatrelay/internal/relay"

// Upstream headers that may carry the provider's generation id.
var requestIDHeaders = []string{"X-Request-Id", "X-Generation-Id", "Openai-Request-Id"}

// Result is the outcome of a relayed call. Exactly one of Body, Stream or
// Aborted is set.
type Result struct {
	// Body is the upstream JSON of a non-streaming call.
	Body json.RawMessage

	// Stream is the rewritten event stream. It ends with domain.ErrAborted
	// when the stream is cancelled. Callers must Close it.
	Stream io.ReadCloser

	// SessionKey identifies a streaming call in the registry.
	SessionKey string

	// Aborted reports a deliberate cancellation before any data arrived.
	Aborted bool
}

// Service relays chat completions.
type Service struct {
	registry domain.StreamRegistry
	upstream domain.Upstream
	config   *Config
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates a new relay service (DI constructor).
func NewService(registry domain.StreamRegistry, upstream domain.Upstream, config *Config) *Service {
	if config == nil {
		config = &Config{}
	}

	return &Service{
		registry: registry,
		upstream: upstream,
		config:   config,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

type upstreamRequest struct {
	Model         string           `json:"model"`
	Messages      []domain.Message `json:"messages"`
	Temperature   float64          `json:"temperature"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Relay sends req to the upstream described by provider.
func (s *Service) Relay(
	ctx context.Context,
	req *domain.ChatRequest,
	provider domain.ProviderConfig,
) (*Result, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	upstreamReq, err := s.buildRequest(req, provider)
	if err != nil {
		return nil, err
	}

	if provider.APIKey == "" {
		return nil, domain.NewConfigurationError("no API key is configured for the upstream provider")
	}

	body, err := json.Marshal(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	label := ProviderLabel(provider.BaseURL)
	ctx = observability.WithProvider(ctx, label)
	ctx = observability.WithModel(ctx, upstreamReq.Model)

	// The stream context is cancelled by the registry, by the caller going
	// away, or when the stream ends.
	streamCtx, cancel := context.WithCancel(ctx)

	var sessionKey string
	if req.Stream {
		sessionKey = s.registry.Register(streamCtx, cancel, domain.RegisterOptions{
			SessionKey: req.SessionID,
			Provider:   label,
			Model:      upstreamReq.Model,
			Notifier:   s.upstream.Notifier(provider),
		})
		streamCtx = observability.WithSessionKey(streamCtx, sessionKey)
	}

	streamCtx, span := s.tracer.Start(streamCtx, "relay.chat_completion", trace.WithAttributes(
		attribute.String("upstream.provider", label),
		attribute.String("upstream.model", upstreamReq.Model),
		attribute.Bool("relay.stream", req.Stream),
		attribute.Int("relay.messages", len(upstreamReq.Messages)),
	))

	logger := observability.FromContext(streamCtx)
	start := s.now()

	resp, err := s.upstream.ChatCompletions(streamCtx, provider, body)
	if err != nil {
		aborted := streamCtx.Err() != nil
		cancel()
		defer span.End()

		if aborted {
			logger.Info("chat completion aborted before response")
			span.SetAttributes(attribute.Bool("relay.aborted", true))
			return &Result{SessionKey: sessionKey, Aborted: true}, nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream call failed")
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	if req.Stream {
		s.registry.SetRequestID(sessionKey, upstreamRequestID(resp))

		rewriter := sse.NewRewriter(sse.Options{
			HideModelIdentity: s.config.HideModelIdentity,
			PromptTokens:      tokens.EstimatePromptTokens(upstreamReq.Messages),
			Start:             start,
			Now:               s.now,
		})

		return &Result{
			Stream:     s.pump(streamCtx, cancel, span, resp, rewriter),
			SessionKey: sessionKey,
		}, nil
	}

	defer span.End()
	defer cancel()

	return s.readBody(streamCtx, resp, span)
}

func (s *Service) buildRequest(req *domain.ChatRequest, provider domain.ProviderConfig) (*upstreamRequest, error) {
	messages := make([]domain.Message, 0, len(req.Messages)+1)
	if s.config.SystemPrompt != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: s.config.SystemPrompt})
	}

	kept := 0
	for _, msg := range req.Messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		messages = append(messages, msg)
		kept++
	}

	if kept == 0 {
		return nil, domain.NewValidationError("no messages left after discarding empty content")
	}

	model := provider.ModelID
	if model == "" {
		model = req.Model
	}
	if model == "" {
		return nil, domain.NewValidationError("model is required")
	}

	temperature := s.config.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	out := &upstreamRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}

	if req.Stream && s.config.StreamIncludeUsage {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	return out, nil
}

// pump runs the rewriter in its own goroutine and hands back the read side.
func (s *Service) pump(
	ctx context.Context,
	cancel context.CancelFunc,
	span trace.Span,
	resp *http.Response,
	rewriter *sse.Rewriter,
) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer span.End()
		defer cancel()
		defer resp.Body.Close()

		err := rewriter.Pipe(ctx, resp.Body, pw)

		stats := rewriter.Stats()
		logger := observability.FromContext(ctx)
		span.SetAttributes(
			attribute.Bool("relay.usage_reported", rewriter.UsageSeen()),
			attribute.Int64("relay.first_token_ms", stats.FirstTokenTime),
			attribute.Int64("relay.total_ms", stats.TotalTime),
		)

		switch {
		case err == nil:
			logger.Info("stream completed",
				observability.Bool("usage_reported", rewriter.UsageSeen()),
				observability.Int("estimated_completion_tokens", stats.CompletionTokens),
				observability.Int64("first_token_ms", stats.FirstTokenTime),
				observability.Int64("total_ms", stats.TotalTime),
			)
		case errors.Is(err, domain.ErrAborted):
			span.SetAttributes(attribute.Bool("relay.aborted", true))
			logger.Info("stream aborted", observability.Int64("total_ms", stats.TotalTime))
		case errors.Is(err, io.ErrClosedPipe):
			logger.Info("stream reader went away")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
			logger.Error("stream failed", observability.Error(err))
		}

		_ = pw.CloseWithError(err)
	}()

	return &stream{PipeReader: pr, cancel: cancel}
}

func (s *Service) readBody(ctx context.Context, resp *http.Response, span trace.Span) (*Result, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Aborted: true}, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	if !gjson.ValidBytes(body) {
		return nil, &domain.UpstreamError{
			StatusCode: http.StatusBadGateway,
			Message:    "upstream returned an invalid JSON body",
			Body:       body,
		}
	}

	if s.config.HideModelIdentity && gjson.GetBytes(body, "model").Exists() {
		stripped, stripErr := sjson.DeleteBytes(body, "model")
		if stripErr != nil {
			return nil, fmt.Errorf("failed to strip model identity: %w", stripErr)
		}
		body = stripped
	}

	observability.FromContext(ctx).Info("chat completion succeeded",
		observability.Int64("total_tokens", gjson.GetBytes(body, "usage.total_tokens").Int()),
	)

	return &Result{Body: body}, nil
}

func upstreamRequestID(resp *http.Response) string {
	for _, header := range requestIDHeaders {
		if id := resp.Header.Get(header); id != "" {
			return id
		}
	}
	return ""
}

// stream cancels the upstream call when the reader is closed early.
type stream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *stream) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}
