package domain_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/chatrelay/internal/domain"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", domain.NewValidationError("model is required"), http.StatusBadRequest},
		{"configuration", domain.NewConfigurationError("no key"), http.StatusBadRequest},
		{"wrapped upstream", fmt.Errorf("chat completion failed: %w", &domain.UpstreamError{StatusCode: 429, Message: "slow down"}), 429},
		{"upstream without an error status", &domain.UpstreamError{StatusCode: 200}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, domain.StatusCode(tt.err))
		})
	}
}

func TestPublicMessage(t *testing.T) {
	require.Equal(t, "model is required", domain.PublicMessage(domain.NewValidationError("model is required")))
	require.Equal(t, "no key for gpt-4o", domain.PublicMessage(domain.NewConfigurationError("no key for %s", "gpt-4o")))
	require.Equal(t, "Invalid API key",
		domain.PublicMessage(fmt.Errorf("wrap: %w", &domain.UpstreamError{StatusCode: 401, Message: "Invalid API key"})))
	require.Equal(t, "failed to process chat completion", domain.PublicMessage(errors.New("dial tcp: refused")))
}

func TestErrorStrings(t *testing.T) {
	require.Equal(t, "invalid request: bad", domain.NewValidationError("bad").Error())
	require.Equal(t, "configuration error: missing", domain.NewConfigurationError("missing").Error())
	require.Equal(t, "upstream returned status 502: bad gateway",
		(&domain.UpstreamError{StatusCode: 502, Message: "bad gateway"}).Error())
}
