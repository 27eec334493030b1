package openai_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/provider/echo"
	"github.com/davidbz/chatrelay/internal/provider/openai"
)

func TestClient_ChatCompletions(t *testing.T) {
	t.Run("should pass the stream through untouched", func(t *testing.T) {
		upstream := echo.NewUpstream(echo.Options{IncludeUsage: true})
		server := httptest.NewServer(upstream)
		defer server.Close()

		client := openai.NewClient(&openai.Config{Timeout: 60})

		resp, err := client.ChatCompletions(context.Background(), domain.ProviderConfig{
			APIKey:  "sk-test",
			BaseURL: server.URL + "/",
		}, []byte(`{"model":"echo-1","stream":true,"messages":[{"role":"user","content":"Hi"}]}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Contains(t, string(raw), "data: [DONE]\n\n")
		require.Equal(t, "echo-1", resp.Header.Get("X-Request-Id"))

		_, auth := upstream.LastRequest()
		require.Equal(t, "Bearer sk-test", auth)
	})

	t.Run("should return a non-streaming body", func(t *testing.T) {
		server := httptest.NewServer(echo.NewUpstream(echo.Options{}))
		defer server.Close()

		client := openai.NewClient(&openai.Config{Timeout: 60})

		resp, err := client.ChatCompletions(context.Background(), domain.ProviderConfig{
			APIKey:  "sk-test",
			BaseURL: server.URL,
		}, []byte(`{"model":"echo-1","messages":[{"role":"user","content":"Hello"}]}`))
		require.NoError(t, err)

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, "Hello", gjson.GetBytes(raw, "choices.0.message.content").String())
	})
}

func TestClient_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{
			name:        "error envelope",
			status:      http.StatusUnauthorized,
			body:        `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`,
			wantMessage: "Incorrect API key provided",
		},
		{
			name:        "unparseable body",
			status:      http.StatusBadGateway,
			body:        `<html>bad gateway</html>`,
			wantMessage: "API error: Bad Gateway",
		},
		{
			name:        "envelope without message",
			status:      http.StatusTooManyRequests,
			body:        `{"error":{}}`,
			wantMessage: "API error: Too Many Requests",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client := openai.NewClient(&openai.Config{})

			resp, err := client.ChatCompletions(context.Background(), domain.ProviderConfig{
				APIKey:  "sk-test",
				BaseURL: server.URL,
			}, []byte(`{"stream":true}`))

			require.Nil(t, resp)

			var upstreamErr *domain.UpstreamError
			require.ErrorAs(t, err, &upstreamErr)
			require.Equal(t, tt.status, upstreamErr.StatusCode)
			require.Equal(t, tt.wantMessage, upstreamErr.Message)
			require.Equal(t, tt.status, domain.StatusCode(err))
		})
	}
}

func TestClient_Notifier(t *testing.T) {
	t.Run("should post the cancelled session upstream", func(t *testing.T) {
		upstream := echo.NewUpstream(echo.Options{})
		server := httptest.NewServer(upstream)
		defer server.Close()

		notifier := openai.NewClient(nil).Notifier(domain.ProviderConfig{APIKey: "sk-test", BaseURL: server.URL})

		err := notifier.NotifyCancel(context.Background(), domain.StreamRegistration{
			SessionKey: "session-1",
			RequestID:  "echo-1",
		})

		require.NoError(t, err)
		require.Equal(t, []string{"session-1"}, upstream.Cancelled())
	})

	t.Run("should report a failing cancel endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		notifier := openai.NewClient(nil).Notifier(domain.ProviderConfig{BaseURL: server.URL})

		err := notifier.NotifyCancel(context.Background(), domain.StreamRegistration{SessionKey: "session-1"})

		require.Error(t, err)
		require.Contains(t, err.Error(), "404")
	})
}
