package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/davidbz/chatrelay/internal/catalog"
	"github.com/davidbz/chatrelay/internal/config"
	"github.com/davidbz/chatrelay/internal/domain"
	relayhttp "github.com/davidbz/chatrelay/internal/http"
	"github.com/davidbz/chatrelay/internal/http/middleware"
	"github.com/davidbz/chatrelay/internal/provider/echo"
	"github.com/davidbz/chatrelay/internal/provider/openai"
	"github.com/davidbz/chatrelay/internal/relay"
	"github.com/davidbz/chatrelay/internal/streams"
)

type testServer struct {
	url      string
	registry *streams.Registry
	upstream *echo.Upstream
}

func newTestServer(t *testing.T, opts echo.Options, apiKey string) *testServer {
	t.Helper()

	if opts.ChunkDelay == 0 {
		opts.ChunkDelay = time.Millisecond
	}
	upstream := echo.NewUpstream(opts)
	upstreamServer := httptest.NewServer(upstream)
	t.Cleanup(upstreamServer.Close)

	upstreamCfg := &openai.Config{
		APIKey:     apiKey,
		BaseURL:    upstreamServer.URL,
		Model:      echo.ModelName,
		Timeout:    30,
		MaxRetries: 0,
	}

	registry := streams.NewRegistry(&streams.Config{CancelNotifyTimeout: time.Second})
	prober := openai.NewProber(upstreamCfg)

	handler := relayhttp.NewHandler(
		relay.NewService(registry, openai.NewClient(upstreamCfg), &relay.Config{
			SystemPrompt:       "You are a helpful assistant.",
			HideModelIdentity:  true,
			DefaultTemperature: 0.3,
			StreamIncludeUsage: true,
		}),
		relay.NewStopper(registry),
		prober,
		catalog.NewService(prober, catalog.NewMemoryCache(), &catalog.Config{TTL: time.Minute}),
		registry,
		upstreamCfg,
		&config.ServerConfig{MaxBodyBytes: 1 << 20},
	)

	server := relayhttp.NewServer(
		&config.ServerConfig{},
		&config.EchoConfig{Enabled: true},
		handler,
		middleware.Chain(middleware.SecurityHeaders(), middleware.Trace()),
	)

	relayServer := httptest.NewServer(server.Routes())
	t.Cleanup(relayServer.Close)

	return &testServer{url: relayServer.URL, registry: registry, upstream: upstream}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func chatBody(content string, stream bool) map[string]any {
	return map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": content}},
		"stream":   stream,
	}
}

func dataPayloads(raw string) []string {
	var payloads []string
	for _, line := range strings.Split(raw, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			payloads = append(payloads, payload)
		}
	}
	return payloads
}

func TestHandleChatCompletions_Stream(t *testing.T) {
	t.Run("should stream deltas and usage followed by one sentinel", func(t *testing.T) {
		ts := newTestServer(t, echo.Options{IncludeUsage: true}, "sk-default")

		resp := postJSON(t, ts.url+"/api/chat/completions", chatBody("Hello world", true))

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		require.NotEmpty(t, resp.Header.Get("X-Session-Key"))
		require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		payloads := dataPayloads(string(raw))
		require.Equal(t, "[DONE]", payloads[len(payloads)-1])
		require.Equal(t, 1, strings.Count(string(raw), "[DONE]"))
		require.True(t, gjson.Get(payloads[len(payloads)-2], "usage").Exists())
		require.NotContains(t, string(raw), `"model"`)

		body, auth := ts.upstream.LastRequest()
		require.Equal(t, "Bearer sk-default", auth)
		require.Equal(t, echo.ModelName, gjson.GetBytes(body, "model").String())
	})

	t.Run("should use per-request credentials", func(t *testing.T) {
		ts := newTestServer(t, echo.Options{}, "")

		req := chatBody("Hi", false)
		req["customApiConfig"] = map[string]any{
			"useCustomApi": true,
			"apiKey":       "sk-user",
			"apiBaseUrl":   ts.url + "/echo/v1/",
			"modelId":      "custom-model",
		}

		resp := postJSON(t, ts.url+"/api/chat/completions", req)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.NotContains(t, body, "model")
		require.Zero(t, ts.upstream.Requests(), "the default upstream must not be called")
	})

	t.Run("should end the stream quietly when stopped", func(t *testing.T) {
		hold := make(chan struct{})
		defer close(hold)

		ts := newTestServer(t, echo.Options{Hold: hold}, "sk-default")

		req := chatBody("one two three", true)
		req["sessionId"] = "session-42"

		type streamResult struct {
			raw string
			err error
		}
		done := make(chan streamResult, 1)
		go func() {
			payload, _ := json.Marshal(req)
			resp, err := http.Post(ts.url+"/api/chat/completions", "application/json", bytes.NewReader(payload))
			if err != nil {
				done <- streamResult{err: err}
				return
			}
			defer resp.Body.Close()
			raw, err := io.ReadAll(resp.Body)
			done <- streamResult{raw: string(raw), err: err}
		}()

		require.Eventually(t, func() bool { return ts.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

		stop := postJSON(t, ts.url+"/api/chat/stop", map[string]string{"sessionId": "session-42"})
		require.Equal(t, http.StatusOK, stop.StatusCode)

		var stopped map[string]any
		require.NoError(t, json.NewDecoder(stop.Body).Decode(&stopped))
		require.Equal(t, true, stopped["success"])
		require.InDelta(t, 1, stopped["stoppedCount"], 0)
		require.InDelta(t, 0, stopped["remainingStreams"], 0)
		require.NotEmpty(t, stopped["timestamp"])

		select {
		case result := <-done:
			require.NoError(t, result.err)
			require.NotContains(t, result.raw, "[DONE]")
			require.NotContains(t, result.raw, "event: error")
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not end after stop")
		}
	})
}

func TestHandleChatCompletions_Errors(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		opts       echo.Options
		body       any
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "should reject messages that are all blank",
			apiKey:     "sk-default",
			body:       chatBody("   ", true),
			wantStatus: http.StatusBadRequest,
			wantMsg:    "no messages left",
		},
		{
			name:       "should report a missing default key",
			body:       chatBody("Hi", true),
			wantStatus: http.StatusBadRequest,
			wantMsg:    "DEFAULT_API_KEY",
		},
		{
			name:       "should reject a malformed body",
			apiKey:     "sk-default",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
			wantMsg:    "invalid request body",
		},
		{
			name:       "should surface the upstream status and message",
			apiKey:     "sk-default",
			opts:       echo.Options{FailStatus: http.StatusTooManyRequests, FailMessage: "quota exceeded"},
			body:       chatBody("Hi", false),
			wantStatus: http.StatusTooManyRequests,
			wantMsg:    "quota exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.opts, tt.apiKey)

			resp := postJSON(t, ts.url+"/api/chat/completions", tt.body)

			require.Equal(t, tt.wantStatus, resp.StatusCode)

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.InDelta(t, tt.wantStatus, body["statusCode"], 0)
			require.Equal(t, http.StatusText(tt.wantStatus), body["statusMessage"])
			require.Contains(t, body["message"], tt.wantMsg)
		})
	}
}

func TestHandleStop(t *testing.T) {
	t.Run("should accept an empty body and stop nothing", func(t *testing.T) {
		ts := newTestServer(t, echo.Options{}, "sk-default")

		resp, err := http.Post(ts.url+"/api/chat/stop", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, true, body["success"])
		require.InDelta(t, 0, body["stoppedCount"], 0)
		require.Equal(t, "stopped 0 active streams", body["message"])
	})

	t.Run("should report an unknown session as a normal outcome", func(t *testing.T) {
		ts := newTestServer(t, echo.Options{}, "sk-default")

		resp := postJSON(t, ts.url+"/api/chat/stop", map[string]string{"sessionId": "missing"})

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.InDelta(t, 0, body["stoppedCount"], 0)
		require.Contains(t, body["message"], "no active stream")
	})
}

func TestHandleTestAPI(t *testing.T) {
	ts := newTestServer(t, echo.Options{}, "")

	resp := postJSON(t, ts.url+"/api/chat/test-api", domain.ProbeRequest{
		APIBaseURL: ts.url + "/echo/v1",
		APIKey:     "sk-user",
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result domain.ProbeResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.True(t, result.Success, result.Error)
	require.Contains(t, result.Message, "models available")
}

func TestHandleModels(t *testing.T) {
	t.Run("should group the default upstream's models", func(t *testing.T) {
		ts := newTestServer(t, echo.Options{
			Models: []echo.ModelInfo{
				{ID: "openai/gpt-4o", Name: "OpenAI: GPT-4o", Prompt: "0.0000025", Completion: "0.00001"},
			},
		}, "sk-default")

		resp, err := http.Get(ts.url + "/api/models")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "openai", gjson.GetBytes(raw, "providers.0.id").String())
		require.Equal(t, "GPT-4o", gjson.GetBytes(raw, "providers.0.models.0.name").String())
		require.InDelta(t, 2.5, gjson.GetBytes(raw, "providers.0.models.0.pricing.input").Float(), 1e-9)
	})

	t.Run("should require some credentials", func(t *testing.T) {
		ts := newTestServer(t, echo.Options{}, "")

		resp, err := http.Get(ts.url + "/api/models")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, echo.Options{}, "")

	resp, err := http.Get(ts.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
	require.InDelta(t, 0, body["activeStreams"], 0)
}
