// Package cache provides the key-value store behind the response cache and
// the realtime analytics counters.
package cache

import (
	"context"
	"errors"
	"time"

	"jugarenchile.com/tawk-relay/internal/logging"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is a string-keyed byte store with per-key TTL. A zero TTL means
// the key never expires. Implementations are safe for concurrent use.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr adds one to the integer stored at key, creating it at 1.
	// An existing TTL is preserved.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	FlushAll(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Options select the backend. RedisURL wins over Dir; with neither set the
// in-process memory backend is used.
type Options struct {
	RedisURL string
	Dir      string
	// JanitorInterval controls expired-key sweeps for the memory backend.
	JanitorInterval time.Duration
}

// Open selects the backend once at startup. A configured backend that cannot
// be reached falls back to memory so the relay keeps serving.
func Open(ctx context.Context, opts Options) Backend {
	if opts.RedisURL != "" {
		b, err := NewRedisBackend(ctx, opts.RedisURL)
		if err == nil {
			logging.Info().Str("backend", b.Name()).Msg("Cache connected")
			return b
		}
		logging.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory cache")
	} else if opts.Dir != "" {
		b, err := NewBadgerBackend(BadgerConfig{Path: opts.Dir})
		if err == nil {
			logging.Info().Str("backend", b.Name()).Str("path", opts.Dir).Msg("Cache opened")
			return b
		}
		logging.Warn().Err(err).Msg("Badger cache unavailable, falling back to in-memory cache")
	}
	return NewMemoryBackend(opts.JanitorInterval)
}
