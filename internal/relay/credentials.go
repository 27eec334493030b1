package relay

import (
	"net/url"
	"strings"

	"github.com/davidbz/chatrelay/internal/domain"
)

// ResolveProvider picks the upstream for a request: the caller's own
// credentials when it opts in, otherwise the deployment default.
func ResolveProvider(req *domain.ChatRequest, defaults domain.ProviderConfig) (domain.ProviderConfig, error) {
	if req != nil && req.CustomAPIConfig != nil && req.CustomAPIConfig.UseCustomAPI {
		custom := req.CustomAPIConfig
		if strings.TrimSpace(custom.APIKey) == "" {
			return domain.ProviderConfig{}, domain.NewConfigurationError("custom API is enabled but no API key was supplied")
		}

		baseURL := domain.NormalizeBaseURL(custom.APIBaseURL)
		if baseURL == "" {
			baseURL = defaults.BaseURL
		}

		return domain.ProviderConfig{
			APIKey:  strings.TrimSpace(custom.APIKey),
			BaseURL: baseURL,
			ModelID: custom.ModelID,
		}, nil
	}

	if defaults.APIKey == "" {
		return domain.ProviderConfig{}, domain.NewConfigurationError("no default API key is configured; set DEFAULT_API_KEY")
	}

	return defaults, nil
}

// ProviderLabel names an upstream after its host.
func ProviderLabel(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return "custom"
	}
	return u.Hostname()
}
