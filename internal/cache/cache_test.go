package cache

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	mr := miniredis.RunT(t)
	rb, err := NewRedisBackend(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)

	bb, err := NewBadgerBackend(BadgerConfig{InMemory: true})
	require.NoError(t, err)

	all := map[string]Backend{
		"memory": NewMemoryBackend(time.Minute),
		"badger": bb,
		"redis":  rb,
	}
	t.Cleanup(func() {
		for _, b := range all {
			_ = b.Close()
		}
	})
	return all
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, name, b.Name())
			require.NoError(t, b.Ping(ctx))

			_, err := b.Get(ctx, "absent")
			assert.ErrorIs(t, err, ErrMiss)

			require.NoError(t, b.Set(ctx, "response:a", []byte("uno"), time.Hour))
			require.NoError(t, b.Set(ctx, "response:b", []byte("dos"), 0))
			require.NoError(t, b.Set(ctx, "other", []byte("x"), 0))

			got, err := b.Get(ctx, "response:a")
			require.NoError(t, err)
			assert.Equal(t, []byte("uno"), got)

			require.NoError(t, b.Set(ctx, "response:a", []byte("tres"), time.Hour))
			got, err = b.Get(ctx, "response:a")
			require.NoError(t, err)
			assert.Equal(t, []byte("tres"), got, "last writer wins")

			keys, err := b.Keys(ctx, "response:")
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{"response:a", "response:b"}, keys)

			require.NoError(t, b.Delete(ctx, "response:b"))
			_, err = b.Get(ctx, "response:b")
			assert.ErrorIs(t, err, ErrMiss)

			n, err := b.Incr(ctx, "analytics:error:count")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			require.NoError(t, b.Expire(ctx, "analytics:error:count", 24*time.Hour))
			n, err = b.Incr(ctx, "analytics:error:count")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			raw, err := b.Get(ctx, "analytics:error:count")
			require.NoError(t, err)
			assert.Equal(t, "2", string(raw))

			require.NoError(t, b.FlushAll(ctx))
			keys, err = b.Keys(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestMemoryBackendExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(10 * time.Millisecond)
	defer m.Close()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	keys, err := m.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryBackendIncrKeepsTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(time.Hour)
	defer m.Close()

	_, err := m.Incr(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, m.Expire(ctx, "c", 30*time.Millisecond))
	_, err = m.Incr(ctx, "c")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = m.Get(ctx, "c")
	assert.ErrorIs(t, err, ErrMiss)

	n, err := m.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts")
}

func TestMemoryBackendConcurrentIncr(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(time.Hour)
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Incr(ctx, "hits")
		}()
	}
	wg.Wait()

	raw, err := m.Get(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, "50", string(raw))
}

func TestRedisBackendTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rb, err := NewRedisBackend(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, rb.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err = rb.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestOpenFallsBackToMemory(t *testing.T) {
	b := Open(context.Background(), Options{RedisURL: "redis://127.0.0.1:1/0"})
	defer b.Close()
	assert.Equal(t, "memory", b.Name())

	b2 := Open(context.Background(), Options{Dir: t.TempDir()})
	defer b2.Close()
	assert.Equal(t, "badger", b2.Name())
}

func TestResponseCache(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(time.Hour)
	defer m.Close()
	rc := NewResponseCache(m, time.Hour)

	_, err := rc.Get(ctx, "¿Cómo deposito?")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, rc.Set(ctx, "¿Cómo deposito?", Entry{
		Response: "Puedes depositar con Webpay.",
		Snippets: []Snippet{{ChunkID: 4, Text: "Webpay", Similarity: 0.91}},
	}))

	e, err := rc.Get(ctx, "¿Cómo deposito?")
	require.NoError(t, err)
	assert.Equal(t, "Puedes depositar con Webpay.", e.Response)
	assert.Equal(t, int64(3600), e.TTLSeconds)
	assert.False(t, e.StoredAt.IsZero())
	require.Len(t, e.Snippets, 1)
	assert.Equal(t, 4, e.Snippets[0].ChunkID)

	_, err = rc.Get(ctx, "¿cómo deposito?")
	assert.ErrorIs(t, err, ErrMiss, "keys are case sensitive")

	size, err := rc.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestResponseKey(t *testing.T) {
	k := ResponseKey("hola")
	assert.Equal(t, k, ResponseKey("hola"))
	assert.NotEqual(t, k, ResponseKey("hola "))
	assert.Len(t, k, len("response:")+64)
}
