// Package redis stores rendered model catalogs in Redis so several relay
// instances share one upstream fetch.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/observability"
)

// Config contains Redis connection settings. An empty Addr disables Redis.
type Config struct {
	Addr        string        `env:"REDIS_ADDR"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB"           envDefault:"0"`
	KeyPrefix   string        `env:"REDIS_KEY_PREFIX"   envDefault:"chatrelay:"`
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"2s"`
}

// Enabled reports whether a Redis address is configured.
func (c *Config) Enabled() bool {
	return c != nil && c.Addr != ""
}

// NewClient creates a Redis client from cfg.
func NewClient(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}

// CatalogStore implements domain.CatalogCache on Redis hashes.
type CatalogStore struct {
	client *redis.Client
	prefix string
}

// NewCatalogStore creates a new Redis catalog store.
func NewCatalogStore(client *redis.Client, prefix string) *CatalogStore {
	return &CatalogStore{
		client: client,
		prefix: prefix,
	}
}

// Get returns the cached catalog or domain.ErrCacheMiss.
func (s *CatalogStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.prefix+key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	return data, nil
}

// Set stores the catalog for ttl.
func (s *CatalogStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	logger := observability.FromContext(ctx)

	pipe := s.client.Pipeline()

	pipe.HSet(ctx, s.prefix+key,
		"data", string(data),
		"indexed_at", time.Now().Unix(),
	)

	if ttl > 0 {
		pipe.Expire(ctx, s.prefix+key, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("catalog store failed", observability.Error(err))
		return fmt.Errorf("failed to store catalog: %w", err)
	}

	logger.Debug("catalog stored",
		observability.String("key", key),
		observability.Int("data_size", len(data)),
	)

	return nil
}

var _ domain.CatalogCache = (*CatalogStore)(nil)
