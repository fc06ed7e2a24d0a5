package domain

import (
	"context"
	"time"
)

// Cache defines the optional score-cache boundary. The Tier 2 scorer is
// deterministic for a given history, so its output can be cached keyed on
// insider identity plus a hash of the feature matrix without changing the
// engine contract.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetScore retrieves a cached Tier 2 score. Returns nil, nil on miss.
	GetScore(ctx context.Context, key string) (*MLScore, error)

	// SetScore caches a Tier 2 score.
	SetScore(ctx context.Context, key string, score *MLScore, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
