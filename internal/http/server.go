package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/davidbz/chatrelay/internal/config"
	"github.com/davidbz/chatrelay/internal/http/middleware"
	"github.com/davidbz/chatrelay/internal/observability"
	"github.com/davidbz/chatrelay/internal/provider/echo"
)

// EchoPrefix is where the built-in echo upstream is mounted when enabled.
const EchoPrefix = "/echo/v1"

const echoChunkDelay = 40 * time.Millisecond

// Server represents the HTTP server.
type Server struct {
	config      config.ServerConfig
	echo        bool
	handler     *Handler
	middlewares middleware.Middleware

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates a new HTTP server (DI constructor).
func NewServer(
	cfg *config.ServerConfig,
	echoCfg *config.EchoConfig,
	handler *Handler,
	middlewares middleware.Middleware,
) *Server {
	return &Server{
		config:      *cfg,
		echo:        echoCfg != nil && echoCfg.Enabled,
		handler:     handler,
		middlewares: middlewares,
	}
}

// Routes returns the routed handler wrapped in the middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat/completions", s.handler.HandleChatCompletions)
	mux.HandleFunc("POST /api/chat/stop", s.handler.HandleStop)
	mux.HandleFunc("POST /api/chat/test-api", s.handler.HandleTestAPI)
	mux.HandleFunc("GET /api/models", s.handler.HandleModels)
	mux.HandleFunc("GET /health", s.handler.HandleHealth)

	if s.echo {
		upstream := echo.NewUpstream(echo.Options{ChunkDelay: echoChunkDelay, IncludeUsage: true})
		mux.Handle(EchoPrefix+"/", http.StripPrefix(EchoPrefix, upstream))
	}

	if s.middlewares == nil {
		return mux
	}
	return s.middlewares(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	// Only the header read is bounded; a connection read deadline would cancel
	// long-lived streams once it expires.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(s.config.IdleTimeout) * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	observability.FromContext(context.Background()).Info("starting HTTP server",
		observability.Int("port", s.config.Port),
		observability.Bool("echo_upstream", s.echo),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
