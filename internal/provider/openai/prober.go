// Package openai talks to OpenAI-compatible upstreams. Relayed completions go
// through the raw HTTP Client so their bodies stay untouched; connectivity
// tests and model listing use the official SDK.
package openai

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/observability"
)

const (
	tracerName = "github.com/davidbz/chatrelay/internal/provider/openai"

	probeModelsTimeout     = 5 * time.Second
	probeCompletionTimeout = 10 * time.Second
	probeMaxTokens         = 5
	probePrompt            = "Hi"

	// FallbackProbeModel is used when neither the caller nor the upstream names a model.
	FallbackProbeModel = "gpt-4o-mini"
)

// Prober tests user-supplied upstreams and lists models using the SDK.
type Prober struct {
	maxRetries int
	timeout    time.Duration
}

// NewProber creates a new prober (DI constructor).
func NewProber(config *Config) *Prober {
	p := &Prober{}
	if config != nil {
		p.maxRetries = config.MaxRetries
		p.timeout = config.requestTimeout()
	}
	return p
}

func (p *Prober) client(baseURL, apiKey string, extra ...option.RequestOption) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(strings.TrimSuffix(baseURL, "/") + "/"),
		option.WithMaxRetries(p.maxRetries),
	}

	if p.timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(p.timeout))
	}

	return openai.NewClient(append(opts, extra...)...)
}

// Probe lists the upstream models, then sends a minimal completion.
func (p *Prober) Probe(ctx context.Context, req domain.ProbeRequest) domain.ProbeResult {
	if strings.TrimSpace(req.APIBaseURL) == "" || strings.TrimSpace(req.APIKey) == "" {
		return domain.ProbeResult{
			Success: false,
			Error:   "missing required parameters: API base URL or API key",
		}
	}

	baseURL := domain.NormalizeBaseURL(req.APIBaseURL)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "openai.probe")
	defer span.End()
	span.SetAttributes(attribute.String("upstream.base_url", baseURL))

	logger := observability.FromContext(ctx)

	// Probes must answer within their own deadlines, so no retries.
	client := p.client(baseURL, req.APIKey, option.WithMaxRetries(0))

	available := p.probeModels(ctx, client)
	model := chooseProbeModel(req.Model, available)
	span.SetAttributes(attribute.String("upstream.model", model))

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(model),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(probePrompt)},
		MaxTokens: openai.Int(probeMaxTokens),
	}, option.WithRequestTimeout(probeCompletionTimeout))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
		logger.Info("connectivity test failed",
			observability.String("base_url", baseURL),
			observability.Error(err),
		)
		return domain.ProbeResult{Success: false, Error: probeErrorMessage(err)}
	}

	if resp.ID == "" && len(resp.Choices) == 0 && resp.Model == "" {
		return domain.ProbeResult{Success: false, Error: "API returned an unexpected response format"}
	}

	message := "test succeeded"
	if len(available) > 0 {
		message = fmt.Sprintf("test succeeded (%d models available)", len(available))
	}

	logger.Info("connectivity test succeeded",
		observability.String("base_url", baseURL),
		observability.String("probe_model", model),
	)

	return domain.ProbeResult{Success: true, Message: message}
}

// probeModels is best effort: a failed listing only loses the model hint.
func (p *Prober) probeModels(ctx context.Context, client openai.Client) []string {
	page, err := client.Models.List(ctx, option.WithRequestTimeout(probeModelsTimeout))
	if err != nil {
		observability.FromContext(ctx).Debug("models list unavailable", observability.Error(err))
		return nil
	}

	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}

	return ids
}

func chooseProbeModel(requested string, available []string) string {
	if requested != "" && (len(available) == 0 || slices.Contains(available, requested)) {
		return requested
	}

	if len(available) > 0 {
		return available[0]
	}

	return FallbackProbeModel
}

func probeErrorMessage(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fmt.Sprintf("test failed: API returned status %d", apiErr.StatusCode)
	}

	if IsTimeout(err) {
		return "request timed out, check the API URL or your network connection"
	}

	var certErr *x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) {
		return "TLS certificate verification failed, check the API server configuration"
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return "cannot connect to the API server, check the URL"
	}

	return err.Error()
}

// ListModels returns the raw JSON of every model the upstream lists.
func (p *Prober) ListModels(ctx context.Context, cfg domain.ProviderConfig) ([]json.RawMessage, error) {
	if cfg.BaseURL == "" {
		return nil, domain.NewConfigurationError("no upstream base URL configured")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "openai.list_models")
	defer span.End()

	client := p.client(cfg.BaseURL, cfg.APIKey)
	page, err := client.Models.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list models failed")

		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &domain.UpstreamError{
				StatusCode: apiErr.StatusCode,
				Message:    "failed to fetch models: " + apiErr.Message,
			}
		}
		return nil, fmt.Errorf("failed to fetch models: %w", err)
	}

	models := make([]json.RawMessage, 0, len(page.Data))
	for _, m := range page.Data {
		if raw := m.RawJSON(); raw != "" {
			models = append(models, json.RawMessage(raw))
		}
	}

	span.SetAttributes(attribute.Int("upstream.models", len(models)))

	return models, nil
}

var (
	_ domain.Prober      = (*Prober)(nil)
	_ domain.ModelLister = (*Prober)(nil)
)
