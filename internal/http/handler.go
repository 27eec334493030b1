package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davidbz/chatrelay/internal/catalog"
	"github.com/davidbz/chatrelay/internal/config"
	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/observability"
	"github.com/davidbz/chatrelay/internal/provider/openai"
	"github.com/davidbz/chatrelay/internal/relay"
)

const (
	streamBufferSize = 32 * 1024
	abortedMessage   = "request was cancelled by the user"
)

// Handler handles HTTP requests.
type Handler struct {
	relay        *relay.Service
	stopper      *relay.Stopper
	prober       domain.Prober
	catalog      *catalog.Service
	registry     domain.StreamRegistry
	defaults     domain.ProviderConfig
	maxBodyBytes int64
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(
	relayService *relay.Service,
	stopper *relay.Stopper,
	prober domain.Prober,
	catalogService *catalog.Service,
	registry domain.StreamRegistry,
	upstream *openai.Config,
	server *config.ServerConfig,
) *Handler {
	var defaults domain.ProviderConfig
	if upstream != nil {
		defaults = upstream.Defaults()
	}

	var maxBodyBytes int64
	if server != nil {
		maxBodyBytes = int64(server.MaxBodyBytes)
	}

	return &Handler{
		relay:        relayService,
		stopper:      stopper,
		prober:       prober,
		catalog:      catalogService,
		registry:     registry,
		defaults:     defaults,
		maxBodyBytes: maxBodyBytes,
	}
}

type errorResponse struct {
	StatusCode    int    `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
	Message       string `json:"message"`
}

type abortedResponse struct {
	Aborted bool   `json:"aborted"`
	Message string `json:"message"`
}

type stopRequest struct {
	SessionID string `json:"sessionId"`
}

type stopResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	StoppedCount     int    `json:"stoppedCount"`
	RemainingStreams int    `json:"remainingStreams"`
	Timestamp        string `json:"timestamp"`
}

type modelsResponse struct {
	Providers []domain.CatalogProvider `json:"providers"`
}

// HandleChatCompletions relays a chat completion, streaming or not.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ChatRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	provider, err := relay.ResolveProvider(&req, h.defaults)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	logger := observability.FromContext(ctx)
	logger.Info("chat completion request received",
		observability.String("model", req.Model),
		observability.Bool("stream", req.Stream),
		observability.Int("messages", len(req.Messages)),
		observability.Bool("custom_api", req.CustomAPIConfig != nil && req.CustomAPIConfig.UseCustomAPI),
	)

	result, err := h.relay.Relay(ctx, &req, provider)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	switch {
	case result.Aborted:
		writeJSON(ctx, w, http.StatusOK, abortedResponse{Aborted: true, Message: abortedMessage})
	case result.Stream != nil:
		h.writeStream(ctx, w, result)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, writeErr := w.Write(result.Body); writeErr != nil {
			logger.Warn("failed to write completion body", observability.Error(writeErr))
		}
	}
}

func (h *Handler) writeStream(ctx context.Context, w http.ResponseWriter, result *relay.Result) {
	defer result.Stream.Close()

	logger := observability.FromContext(observability.WithSessionKey(ctx, result.SessionKey))

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		h.writeError(ctx, w, errors.New("streaming not supported"))
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-Key", result.SessionKey)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, streamBufferSize)
	for {
		n, err := result.Stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				logger.Info("client went away mid-stream", observability.Error(writeErr))
				return
			}
			flusher.Flush()
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, domain.ErrAborted):
			logger.Info("stream stopped")
			return
		default:
			logger.Error("stream failed", observability.Error(err))
			payload, _ := json.Marshal(map[string]string{"message": domain.PublicMessage(err)})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
	}
}

// HandleStop stops one stream by session key, or every live stream when no key is given.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req stopRequest
	if err := h.decode(w, r, &req, true); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	result := h.stopper.Stop(ctx, strings.TrimSpace(req.SessionID))

	writeJSON(ctx, w, http.StatusOK, stopResponse{
		Success:          true,
		Message:          result.Message,
		StoppedCount:     result.StoppedCount,
		RemainingStreams: result.RemainingStreams,
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// HandleTestAPI checks that an upstream is reachable with the given credentials.
// Failures are reported in the body with status 200.
func (h *Handler) HandleTestAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ProbeRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	result := h.prober.Probe(ctx, req)
	if !result.Success {
		observability.FromContext(ctx).Info("connectivity test failed",
			observability.String("error", result.Error),
		)
	}

	writeJSON(ctx, w, http.StatusOK, result)
}

// HandleModels returns the grouped model catalog. Credentials may be supplied
// with the X-Api-Key and X-Api-Base-Url headers; otherwise the defaults apply.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	provider := h.defaults
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		provider = domain.ProviderConfig{APIKey: key, BaseURL: h.defaults.BaseURL}
		if base := domain.NormalizeBaseURL(r.Header.Get("X-Api-Base-Url")); base != "" {
			provider.BaseURL = base
		}
	}

	if provider.APIKey == "" {
		h.writeError(ctx, w, domain.NewConfigurationError("no API key is available to list models"))
		return
	}

	providers, err := h.catalog.Providers(ctx, provider)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, modelsResponse{Providers: providers})
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"activeStreams": h.registry.Len(),
	})
}

// decode reads a JSON body. With optional set, an empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	err := json.NewDecoder(body).Decode(v)
	switch {
	case err == nil:
		return nil
	case optional && errors.Is(err, io.EOF):
		return nil
	default:
		return domain.NewValidationError("invalid request body: %v", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := domain.StatusCode(err)

	logger := observability.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", observability.Error(err), observability.Int("status", status))
	} else {
		logger.Warn("request rejected", observability.Error(err), observability.Int("status", status))
	}

	writeJSON(ctx, w, status, errorResponse{
		StatusCode:    status,
		StatusMessage: http.StatusText(status),
		Message:       domain.PublicMessage(err),
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Already written status, can't change it, just log.
		observability.FromContext(ctx).Warn("failed to encode response", observability.Error(err))
	}
}
