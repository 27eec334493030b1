package openai

import (
	"time"

	"github.com/davidbz/chatrelay/internal/domain"
)

// Config contains the deployment default upstream.
// Timeout and MaxRetries map to SDK options for the prober:
//   - Timeout: option.WithRequestTimeout() (in seconds), also the non-streaming relay bound
//   - MaxRetries: option.WithMaxRetries()
type Config struct {
	APIKey     string `env:"DEFAULT_API_KEY"`
	BaseURL    string `env:"DEFAULT_BASE_URL"     envDefault:"https://api.openai.com/v1"`
	Model      string `env:"DEFAULT_MODEL"`
	Timeout    int    `env:"UPSTREAM_TIMEOUT"     envDefault:"60"`
	MaxRetries int    `env:"UPSTREAM_MAX_RETRIES" envDefault:"2"`
}

// Defaults returns the deployment upstream as a provider config.
func (c *Config) Defaults() domain.ProviderConfig {
	return domain.ProviderConfig{
		APIKey:  c.APIKey,
		BaseURL: c.BaseURL,
		ModelID: c.Model,
	}
}

func (c *Config) requestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
