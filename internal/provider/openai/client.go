package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/observability"
)

const maxErrorBodySize = 1 << 20

// Client performs raw HTTP calls against OpenAI-compatible APIs. Response
// bodies are returned untouched so the event stream can be rewritten byte for
// byte.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new upstream HTTP client (DI constructor).
// The client has no overall timeout: streams are bounded only by cancellation.
func NewClient(config *Config) *Client {
	var timeout time.Duration
	if config != nil {
		timeout = config.requestTimeout()
	}

	return &Client{
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// ChatCompletions posts body to {baseUrl}/chat/completions.
func (c *Client) ChatCompletions(
	ctx context.Context,
	cfg domain.ProviderConfig,
	body []byte,
) (*http.Response, error) {
	stream := gjson.GetBytes(body, "stream").Bool()

	// Non-streaming calls get the request timeout; it is released when the
	// caller closes the body.
	var cancel context.CancelFunc = func() {}
	if !stream && c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint(cfg.BaseURL, "/chat/completions"),
		bytes.NewReader(body),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer cancel()
		return nil, upstreamError(resp)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

	return resp, nil
}

// Notifier returns a CancelNotifier bound to cfg.
func (c *Client) Notifier(cfg domain.ProviderConfig) domain.CancelNotifier {
	return &cancelNotifier{
		httpClient: c.httpClient,
		cfg:        cfg,
	}
}

type cancelRequest struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

type cancelNotifier struct {
	httpClient *http.Client
	cfg        domain.ProviderConfig
}

// NotifyCancel posts to {baseUrl}/generation/cancel. The caller bounds ctx.
func (n *cancelNotifier) NotifyCancel(ctx context.Context, reg domain.StreamRegistration) error {
	payload, err := json.Marshal(cancelRequest{
		RequestID: reg.RequestID,
		SessionID: reg.SessionKey,
		Model:     reg.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cancel request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint(n.cfg.BaseURL, "/generation/cancel"),
		bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to create cancel request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("cancel endpoint returned status %d", resp.StatusCode)
	}

	observability.FromContext(ctx).Debug("upstream notified of cancellation",
		observability.String("session_key", reg.SessionKey),
	)

	return nil
}

// upstreamError consumes and closes the body of a failed response.
func upstreamError(resp *http.Response) error {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = "API error: " + statusText(resp)
	}

	return &domain.UpstreamError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Body:       body,
	}
}

func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

// endpoint joins a base URL and a path without doubling slashes.
func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// IsTimeout reports whether err came from a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

var _ domain.Upstream = (*Client)(nil)
