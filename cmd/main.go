package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	rediscache "github.com/davidbz/chatrelay/internal/cache/redis"
	"github.com/davidbz/chatrelay/internal/catalog"
	"github.com/davidbz/chatrelay/internal/config"
	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/http"
	"github.com/davidbz/chatrelay/internal/http/middleware"
	"github.com/davidbz/chatrelay/internal/observability"
	"github.com/davidbz/chatrelay/internal/provider/echo"
	"github.com/davidbz/chatrelay/internal/provider/openai"
	"github.com/davidbz/chatrelay/internal/relay"
	"github.com/davidbz/chatrelay/internal/streams"
	"github.com/davidbz/chatrelay/internal/telemetry"
)

func main() {
	container := buildContainer()

	if err := container.Invoke(run); err != nil {
		log.Fatalf("Application failed: %v", err)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(loadConfig); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Provide(telemetry.InitTracer); err != nil {
		log.Fatalf("Failed to provide tracer: %v", err)
	}

	// Stream Registry
	if err := container.Provide(func(cfg *streams.Config) domain.StreamRegistry {
		return streams.NewRegistry(cfg)
	}); err != nil {
		log.Fatalf("Failed to provide stream registry: %v", err)
	}

	// Upstream
	if err := container.Provide(func(cfg *openai.Config) domain.Upstream {
		return openai.NewClient(cfg)
	}); err != nil {
		log.Fatalf("Failed to provide upstream client: %v", err)
	}
	if err := container.Provide(
		openai.NewProber,
		dig.As(new(domain.Prober), new(domain.ModelLister)),
	); err != nil {
		log.Fatalf("Failed to provide prober: %v", err)
	}

	// Catalog
	if err := container.Provide(newCatalogCache); err != nil {
		log.Fatalf("Failed to provide catalog cache: %v", err)
	}
	if err := container.Provide(catalog.NewService); err != nil {
		log.Fatalf("Failed to provide catalog service: %v", err)
	}

	// Domain Services
	if err := container.Provide(relay.NewService); err != nil {
		log.Fatalf("Failed to provide relay service: %v", err)
	}
	if err := container.Provide(relay.NewStopper); err != nil {
		log.Fatalf("Failed to provide stopper: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(middleware.BuildMiddlewareChain); err != nil {
		log.Fatalf("Failed to provide middleware chain: %v", err)
	}
	if err := container.Provide(http.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(http.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}

// loadConfig points the default upstream at the mounted echo upstream when it
// is enabled and no real key is configured.
func loadConfig() *config.Config {
	cfg := config.Load()

	if cfg.Echo.Enabled && cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = "echo"
		cfg.Upstream.BaseURL = fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Server.Port, http.EchoPrefix)
		cfg.Upstream.Model = echo.ModelName
	}

	return cfg
}

func newCatalogCache(cfg *rediscache.Config) domain.CatalogCache {
	if cfg.Enabled() {
		return rediscache.NewCatalogStore(rediscache.NewClient(cfg), cfg.KeyPrefix)
	}
	return catalog.NewMemoryCache()
}

func run(
	logger *zap.Logger,
	shutdownTracer telemetry.Shutdown,
	registry domain.StreamRegistry,
	server *http.Server,
	serverCfg *config.ServerConfig,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(serverCfg.ShutdownTimeout)*time.Second,
	)
	defer cancel()

	for _, reg := range registry.Snapshot() {
		logger.Info("cancelling live stream on shutdown",
			zap.String("session_key", reg.SessionKey),
			zap.String("model", reg.Model),
			zap.Duration("age", time.Since(reg.StartTime)),
		)
	}

	stopped := registry.CancelAll(shutdownCtx)
	logger.Info("cancelled live streams", zap.Int("count", stopped))

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", zap.Error(err))
	}

	_ = logger.Sync()
	return nil
}
