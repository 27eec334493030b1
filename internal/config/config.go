package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	rediscache "github.com/davidbz/chatrelay/internal/cache/redis"
	"github.com/davidbz/chatrelay/internal/catalog"
	"github.com/davidbz/chatrelay/internal/observability"
	"github.com/davidbz/chatrelay/internal/provider/openai"
	"github.com/davidbz/chatrelay/internal/relay"
	"github.com/davidbz/chatrelay/internal/streams"
	"github.com/davidbz/chatrelay/internal/telemetry"
)

// Config represents the relay configuration.
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Echo      EchoConfig
	Upstream  openai.Config
	Relay     relay.Config
	Streams   streams.Config
	Catalog   catalog.Config
	Redis     rediscache.Config
	Telemetry telemetry.Config
	Log       observability.LogConfig
}

// ServerConfig contains HTTP server settings. Timeouts are in seconds.
// ReadTimeout bounds reading request headers.
// WriteTimeout defaults to zero so long-lived streams are not cut off.
type ServerConfig struct {
	Port            int `env:"SERVER_PORT"             envDefault:"8080"`
	ReadTimeout     int `env:"SERVER_READ_TIMEOUT"     envDefault:"30"`
	WriteTimeout    int `env:"SERVER_WRITE_TIMEOUT"    envDefault:"0"`
	IdleTimeout     int `env:"SERVER_IDLE_TIMEOUT"     envDefault:"120"`
	ShutdownTimeout int `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10"`
	MaxBodyBytes    int `env:"SERVER_MAX_BODY_BYTES"   envDefault:"1048576"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"false"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// RateLimitConfig limits requests per client IP. A zero RPS disables limiting.
// X-Forwarded-For is only honoured when the peer is in TrustedProxies, a list
// of CIDRs or bare addresses.
type RateLimitConfig struct {
	RPS            float64  `env:"RATE_LIMIT_RPS"             envDefault:"10"`
	Burst          int      `env:"RATE_LIMIT_BURST"           envDefault:"20"`
	TrustedProxies []string `env:"RATE_LIMIT_TRUSTED_PROXIES" envSeparator:","`
}

// EchoConfig mounts the built-in echo upstream for local development.
type EchoConfig struct {
	Enabled bool `env:"ECHO_UPSTREAM" envDefault:"false"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out

	Server    *ServerConfig
	CORS      *CORSConfig
	RateLimit *RateLimitConfig
	Echo      *EchoConfig
	Upstream  *openai.Config
	Relay     *relay.Config
	Streams   *streams.Config
	Catalog   *catalog.Config
	Redis     *rediscache.Config
	Telemetry *telemetry.Config
	Log       *observability.LogConfig
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:    &cfg.Server,
		CORS:      &cfg.CORS,
		RateLimit: &cfg.RateLimit,
		Echo:      &cfg.Echo,
		Upstream:  &cfg.Upstream,
		Relay:     &cfg.Relay,
		Streams:   &cfg.Streams,
		Catalog:   &cfg.Catalog,
		Redis:     &cfg.Redis,
		Telemetry: &cfg.Telemetry,
		Log:       &cfg.Log,
	}
}
