// Package catalog builds the model picker catalog from an upstream's model
// list and caches the rendered result.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/observability"
)

const cacheKeyPrefix = "catalog:"

// Config contains catalog settings.
type Config struct {
	TTL time.Duration `env:"CATALOG_TTL" envDefault:"10m"`
}

// Service serves the grouped model catalog.
type Service struct {
	lister domain.ModelLister
	cache  domain.CatalogCache
	ttl    time.Duration
}

// NewService creates a new catalog service (DI constructor).
func NewService(lister domain.ModelLister, cache domain.CatalogCache, cfg *Config) *Service {
	var ttl time.Duration
	if cfg != nil {
		ttl = cfg.TTL
	}

	return &Service{
		lister: lister,
		cache:  cache,
		ttl:    ttl,
	}
}

// Providers returns the catalog of provider, served from cache when possible.
// Cache failures are logged and never fail the request.
func (s *Service) Providers(ctx context.Context, provider domain.ProviderConfig) ([]domain.CatalogProvider, error) {
	logger := observability.FromContext(ctx)
	key := cacheKey(provider)

	cached, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var providers []domain.CatalogProvider
		if unmarshalErr := json.Unmarshal(cached, &providers); unmarshalErr == nil {
			logger.Debug("catalog cache hit")
			return providers, nil
		}
		logger.Warn("discarding unreadable cached catalog")
	case !errors.Is(err, domain.ErrCacheMiss):
		logger.Warn("catalog cache read failed, fetching upstream", observability.Error(err))
	}

	models, err := s.lister.ListModels(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	providers := Transform(models, provider.BaseURL)

	data, err := json.Marshal(providers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal catalog: %w", err)
	}

	if setErr := s.cache.Set(ctx, key, data, s.ttl); setErr != nil {
		logger.Warn("failed to cache catalog", observability.Error(setErr))
	}

	logger.Info("catalog fetched",
		observability.Int("models", len(models)),
		observability.Int("providers", len(providers)),
	)

	return providers, nil
}

// cacheKey identifies an upstream and credential pair without storing the key itself.
func cacheKey(provider domain.ProviderConfig) string {
	sum := sha256.Sum256([]byte(provider.BaseURL + "\x00" + provider.APIKey))
	return cacheKeyPrefix + hex.EncodeToString(sum[:8])
}
