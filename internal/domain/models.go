package domain

import (
	"strings"
	"time"
)

// Message roles accepted by the relay.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest represents an inbound chat completion request.
type ChatRequest struct {
	Model           string           `json:"model"`
	Messages        []Message        `json:"messages"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	SessionID       string           `json:"sessionId,omitempty"`
	CustomAPIConfig *CustomAPIConfig `json:"customApiConfig,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// CustomAPIConfig carries per-request credentials supplied by the browser client.
type CustomAPIConfig struct {
	UseCustomAPI bool   `json:"useCustomApi"`
	APIKey       string `json:"apiKey,omitempty"`
	APIBaseURL   string `json:"apiBaseUrl,omitempty"`
	ModelID      string `json:"modelId,omitempty"`
}

// ProviderConfig is the resolved upstream the relay talks to.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	ModelID string // optional override of the requested model
}

// StreamRegistration is a live, cancellable upstream stream.
type StreamRegistration struct {
	SessionKey string    `json:"sessionKey"`
	RequestID  string    `json:"requestId,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	StartTime  time.Time `json:"startTime"`
}

// UsageStats is the per-stream accounting attached to the outgoing SSE stream.
// Token counts may be heuristic estimates and are display data only.
type UsageStats struct {
	PromptTokens     int   `json:"promptTokens"`
	CachedTokens     int   `json:"cachedTokens"`
	CompletionTokens int   `json:"completionTokens"`
	FirstTokenTime   int64 `json:"firstTokenTime"`
	TotalTime        int64 `json:"totalTime"`
}

// StreamStats is the timing block attached to usage events.
type StreamStats struct {
	FirstTokenTime int64 `json:"firstTokenTime"`
	TotalTime      int64 `json:"totalTime"`
}

// Usage mirrors the OpenAI usage block.
type Usage struct {
	PromptTokens        int                 `json:"prompt_tokens"`
	CompletionTokens    int                 `json:"completion_tokens"`
	TotalTokens         int                 `json:"total_tokens"`
	PromptTokensDetails PromptTokensDetails `json:"prompt_tokens_details"`
}

// PromptTokensDetails mirrors the OpenAI prompt token breakdown.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// Stats converts the usage stats into the wire timing block.
func (u UsageStats) Stats() StreamStats {
	return StreamStats{
		FirstTokenTime: u.FirstTokenTime,
		TotalTime:      u.TotalTime,
	}
}

// Usage converts the usage stats into the wire usage block.
func (u UsageStats) Usage() Usage {
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.PromptTokens + u.CompletionTokens,
		PromptTokensDetails: PromptTokensDetails{
			CachedTokens: u.CachedTokens,
		},
	}
}

// CatalogProvider groups catalog models by vendor.
type CatalogProvider struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Icon   string         `json:"icon"`
	Models []CatalogModel `json:"models"`
}

// CatalogModel is a single model entry of the catalog.
type CatalogModel struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Pricing ModelPricing `json:"pricing"`
}

// ModelPricing is expressed in USD per million tokens.
type ModelPricing struct {
	Input       float64 `json:"input"`
	CachedInput float64 `json:"cachedInput"`
	Output      float64 `json:"output"`
}

// ProbeRequest asks whether an upstream is reachable and usable.
type ProbeRequest struct {
	APIBaseURL string `json:"apiBaseUrl"`
	APIKey     string `json:"apiKey"`
	Model      string `json:"model,omitempty"`
}

// ProbeResult is the outcome of a connectivity test. Failures are results, not errors.
type ProbeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NormalizeBaseURL adds a missing https scheme and strips a trailing slash.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return strings.TrimSuffix(base, "/")
}
