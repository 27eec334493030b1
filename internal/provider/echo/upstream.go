// Package echo provides an in-process OpenAI-compatible upstream that echoes
// the last user message back, word by word. It makes no external calls and
// gives deterministic responses for tests and local development.
package echo

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/davidbz/chatrelay/internal/observability"
)

const (
	// ModelName is the model the echo upstream reports.
	ModelName = "echo-1"

	defaultChunkDelay = 10 * time.Millisecond
)

// ModelInfo is one entry of the /models listing.
type ModelInfo struct {
	ID   string
	Name string

	// OpenRouter-style per-token prices, as decimal strings.
	Prompt     string
	Completion string
	CacheRead  string
}

// Options shapes the fake upstream's behavior.
type Options struct {
	// ChunkDelay is the pause between streamed chunks.
	ChunkDelay time.Duration

	// IncludeUsage sends a usage-bearing chunk after the content.
	IncludeUsage bool

	// OmitDone leaves out the [DONE] sentinel.
	OmitDone bool

	// Hold, when set, pauses the stream after the first content chunk until
	// it is closed or the client goes away.
	Hold <-chan struct{}

	// FailStatus makes every completion fail with this status and FailMessage.
	FailStatus  int
	FailMessage string

	// Models is served by GET /models. Defaults to ModelName alone.
	Models []ModelInfo
}

// Upstream is an http.Handler serving /chat/completions, /models and
// /generation/cancel.
type Upstream struct {
	opts Options
	mux  *http.ServeMux

	requests atomic.Int64

	mu          sync.Mutex
	lastBody    []byte
	lastAuth    string
	cancelled   []string
	streamsDone atomic.Int64
}

// NewUpstream creates a new echo upstream.
func NewUpstream(opts Options) *Upstream {
	if opts.ChunkDelay == 0 {
		opts.ChunkDelay = defaultChunkDelay
	}
	if len(opts.Models) == 0 {
		opts.Models = []ModelInfo{{ID: ModelName, Name: "Echo 1"}}
	}

	u := &Upstream{opts: opts, mux: http.NewServeMux()}
	u.mux.HandleFunc("POST /chat/completions", u.handleCompletions)
	u.mux.HandleFunc("GET /models", u.handleModels)
	u.mux.HandleFunc("POST /generation/cancel", u.handleCancel)

	return u
}

func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mux.ServeHTTP(w, r)
}

// Requests returns how many completion calls were received.
func (u *Upstream) Requests() int {
	return int(u.requests.Load())
}

// LastRequest returns the body and Authorization header of the latest completion call.
func (u *Upstream) LastRequest() ([]byte, string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.lastBody, u.lastAuth
}

// Cancelled returns the session ids posted to /generation/cancel.
func (u *Upstream) Cancelled() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]string(nil), u.cancelled...)
}

// StreamsFinished returns how many streams ran to completion.
func (u *Upstream) StreamsFinished() int {
	return int(u.streamsDone.Load())
}

func (u *Upstream) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	id := u.requests.Add(1)

	u.mu.Lock()
	u.lastBody = body
	u.lastAuth = r.Header.Get("Authorization")
	u.mu.Unlock()

	if u.opts.FailStatus != 0 {
		writeJSON(w, u.opts.FailStatus, map[string]any{
			"error": map[string]string{"message": u.opts.FailMessage, "type": "echo_error"},
		})
		return
	}

	req := gjson.ParseBytes(body)
	model := req.Get("model").String()
	if model == "" {
		model = ModelName
	}

	content := lastUserContent(req)
	requestID := fmt.Sprintf("echo-%d", id)
	w.Header().Set("X-Request-Id", requestID)

	logger := observability.FromContext(r.Context())
	logger.Debug("echo completion",
		observability.String("echo_model", model),
		observability.Bool("stream", req.Get("stream").Bool()),
	)

	if !req.Get("stream").Bool() {
		writeJSON(w, http.StatusOK, completion{
			ID:      requestID,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []choice{{
				Message:      &message{Role: "assistant", Content: content},
				FinishReason: "stop",
			}},
			Usage: usageFor(req, content),
		})
		return
	}

	u.stream(w, r, requestID, model, content, usageFor(req, content))
}

func (u *Upstream) stream(w http.ResponseWriter, r *http.Request, id, model, content string, usage *usage) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	send := func(v any) bool {
		data, _ := json.Marshal(v)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(u.opts.ChunkDelay):
			return true
		}
	}

	chunk := func(d delta, finish string) completion {
		c := completion{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []choice{{Delta: &d}},
		}
		if finish != "" {
			c.Choices[0].FinishReason = finish
		}
		return c
	}

	if !send(chunk(delta{Role: "assistant"}, "")) {
		return
	}

	words := strings.Fields(content)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		if !send(chunk(delta{Content: word}, "")) {
			return
		}

		if i == 0 && u.opts.Hold != nil {
			select {
			case <-u.opts.Hold:
			case <-ctx.Done():
				return
			}
		}
	}

	if !send(chunk(delta{}, "stop")) {
		return
	}

	if u.opts.IncludeUsage {
		if !send(completion{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []choice{},
			Usage:   usage,
		}) {
			return
		}
	}

	if !u.opts.OmitDone {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	u.streamsDone.Add(1)
}

func (u *Upstream) handleModels(w http.ResponseWriter, _ *http.Request) {
	data := make([]map[string]any, 0, len(u.opts.Models))
	for _, m := range u.opts.Models {
		entry := map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  0,
			"owned_by": "echo",
		}
		if m.Name != "" {
			entry["name"] = m.Name
		}
		if m.Prompt != "" || m.Completion != "" {
			pricing := map[string]string{"prompt": m.Prompt, "completion": m.Completion}
			if m.CacheRead != "" {
				pricing["input_cache_read"] = m.CacheRead
			}
			entry["pricing"] = pricing
		}
		data = append(data, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (u *Upstream) handleCancel(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	u.cancelled = append(u.cancelled, gjson.GetBytes(body, "session_id").String())
	u.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Index        int      `json:"index"`
	Message      *message `json:"message,omitempty"`
	Delta        *delta   `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// lastUserContent returns the content of the last user message.
func lastUserContent(req gjson.Result) string {
	content := ""
	req.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "user" {
			content = msg.Get("content").String()
		}
		return true
	})
	return content
}

// usageFor performs simple word-based token counting.
func usageFor(req gjson.Result, content string) *usage {
	prompt := 0
	req.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		prompt += len(strings.Fields(msg.Get("content").String()))
		return true
	})

	completionTokens := len(strings.Fields(content))

	return &usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
