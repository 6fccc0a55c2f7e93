package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const responseKeyPrefix = "response:"

// Snippet is a retrieval hit stored alongside a cached response.
type Snippet struct {
	ChunkID    int     `json:"chunkId"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Entry is the stored form of a generated response.
type Entry struct {
	Response   string    `json:"response"`
	Snippets   []Snippet `json:"snippets,omitempty"`
	StoredAt   time.Time `json:"storedAt"`
	TTLSeconds int64     `json:"ttlSeconds"`
}

// ResponseKey derives the cache key from the exact query bytes. Queries that
// differ only in case or whitespace get different keys.
func ResponseKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return responseKeyPrefix + hex.EncodeToString(sum[:])
}

// ResponseCache stores generated responses keyed by query.
type ResponseCache struct {
	backend Backend
	ttl     time.Duration
}

func NewResponseCache(backend Backend, ttl time.Duration) *ResponseCache {
	return &ResponseCache{backend: backend, ttl: ttl}
}

// Get returns ErrMiss when nothing usable is stored. Undecodable entries are
// treated as misses.
func (c *ResponseCache) Get(ctx context.Context, query string) (*Entry, error) {
	raw, err := c.backend.Get(ctx, ResponseKey(query))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, ErrMiss
	}
	return &e, nil
}

func (c *ResponseCache) Set(ctx context.Context, query string, e Entry) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	e.TTLSeconds = int64(c.ttl / time.Second)
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return c.backend.Set(ctx, ResponseKey(query), raw, c.ttl)
}

// Size counts cached responses.
func (c *ResponseCache) Size(ctx context.Context) (int, error) {
	keys, err := c.backend.Keys(ctx, responseKeyPrefix)
	return len(keys), err
}
