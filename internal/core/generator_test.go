package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jugarenchile.com/tawk-relay/internal/cache"
)

type fakeModel struct {
	mu       sync.Mutex
	name     string
	reply    string
	tokens   int
	err      error
	requests []ChatRequest
}

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Complete(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &ChatResponse{Text: m.reply, TokensUsed: m.tokens}, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e *fakeEmbedder) Name() string { return "fake-embedder" }

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, e.err
}

func newTestGenerator(t *testing.T, model ChatModel, retriever Retriever) (*ResponseGenerator, *cache.ResponseCache) {
	t.Helper()
	backend := cache.NewMemoryBackend(time.Minute)
	t.Cleanup(func() { _ = backend.Close() })
	rc := cache.NewResponseCache(backend, time.Hour)
	return NewResponseGenerator(model, retriever, rc, GeneratorConfig{TopK: 3, ContextBudget: 1500, HistoryTurns: 4, MaxTokens: 500, Temperature: 0.7}), rc
}

func TestGenerateCacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{name: "gpt-4", reply: "Aceptamos WebPay " + ClosingPhrase, tokens: 1000}
	g, _ := newTestGenerator(t, model, nil)

	first := g.Generate(ctx, "¿Cómo deposito?", nil)
	require.NoError(t, first.Err)
	assert.False(t, first.FromCache)
	assert.Equal(t, 1000, first.TokensUsed)
	assert.InDelta(t, 0.045, first.Cost, 1e-9)

	second := g.Generate(ctx, "¿Cómo deposito?", nil)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Text, second.Text)
	assert.Zero(t, second.TokensUsed)
	assert.Zero(t, second.Cost)
	assert.Equal(t, 1, model.calls())

	stats := g.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1000), stats.TotalTokens)
	assert.InDelta(t, 0.045, stats.EstimatedCost, 1e-9)
	assert.Equal(t, 50.0, stats.CacheHitRate)
	assert.Equal(t, int64(1000), stats.AvgTokensPerRequest)
	assert.Equal(t, "gpt-4", stats.Model)

	g.ResetStats()
	assert.Zero(t, g.Stats().TotalRequests)
	assert.Zero(t, g.Stats().EstimatedCost)
}

func TestGenerateFallbackIsNotCached(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{name: "gpt-4", err: errors.New("rate limited")}
	g, rc := newTestGenerator(t, model, nil)

	res := g.Generate(ctx, "quiero retirar mis ganancias", nil)
	require.Error(t, res.Err)
	assert.Contains(t, res.Text, "retiros")
	assert.True(t, strings.HasSuffix(res.Text, ClosingPhrase))
	assert.Zero(t, res.TokensUsed)
	assert.Contains(t, res.Degraded, "model")

	_, err := rc.Get(ctx, "quiero retirar mis ganancias")
	assert.ErrorIs(t, err, cache.ErrMiss)

	model.err = nil
	model.reply = "ok"
	res = g.Generate(ctx, "quiero retirar mis ganancias", nil)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, model.calls())
}

func TestGenerateUsesRetrievalContextAndHistory(t *testing.T) {
	ctx := context.Background()
	store := NewChunkStore("")
	require.NoError(t, store.Load(writeCorpus(t, t.TempDir(), vectorCorpus())))

	model := &fakeModel{name: "gpt-3.5-turbo", reply: "respuesta", tokens: 10}
	g, rc := newTestGenerator(t, model, &VectorRetriever{store: store, embedder: &fakeEmbedder{vec: []float32{0, 1, 0}}})

	history := []Turn{
		{Role: RoleUser, Content: "t1"}, {Role: RoleAssistant, Content: "t2"},
		{Role: RoleUser, Content: "t3"}, {Role: RoleAssistant, Content: "t4"},
		{Role: RoleUser, Content: "t5"}, {Role: RoleAssistant, Content: "t6"},
	}
	res := g.Generate(ctx, "¿Cuánto tarda un retiro?", history)
	require.NoError(t, res.Err)
	require.Len(t, res.Snippets, 3)
	assert.Equal(t, 1, res.Snippets[0].ChunkID)

	req := model.requests[0]
	assert.Contains(t, req.System, "[Contexto 1]\nRetiros en 24-48 horas")
	assert.Contains(t, req.System, ClosingPhrase)
	require.Len(t, req.History, 4)
	assert.Equal(t, "t3", req.History[0].Content)
	assert.Equal(t, "¿Cuánto tarda un retiro?", req.Message)
	assert.Equal(t, 500, req.MaxTokens)

	entry, err := rc.Get(ctx, "¿Cuánto tarda un retiro?")
	require.NoError(t, err)
	assert.Len(t, entry.Snippets, 3)
}

func TestGenerateRetrievalFailureDegrades(t *testing.T) {
	ctx := context.Background()
	store := NewChunkStore("")
	require.NoError(t, store.Load(writeCorpus(t, t.TempDir(), vectorCorpus())))

	model := &fakeModel{name: "gpt-4", reply: "sin contexto", tokens: 5}
	g, _ := newTestGenerator(t, model, &VectorRetriever{store: store, embedder: &fakeEmbedder{err: errors.New("embedding down")}})

	res := g.Generate(ctx, "hola", nil)
	require.NoError(t, res.Err)
	assert.Empty(t, res.Snippets)
	assert.Equal(t, []string{"retrieval"}, res.Degraded)
	assert.NotContains(t, model.requests[0].System, "[Contexto")
}

func TestGenerateConcurrentStats(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{name: "gpt-4-turbo-preview", reply: "ok", tokens: 100}
	g, _ := newTestGenerator(t, model, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g.Generate(ctx, strings.Repeat("q", i+1), nil)
		}(i)
	}
	wg.Wait()

	stats := g.Stats()
	assert.Equal(t, int64(20), stats.TotalRequests)
	assert.Equal(t, int64(2000), stats.TotalTokens)
	assert.InDelta(t, 20*EstimateCost(100, "gpt-4-turbo-preview"), stats.EstimatedCost, 1e-9)
}

func TestCannedModelIsFree(t *testing.T) {
	g, _ := newTestGenerator(t, CannedModel{}, nil)
	res := g.Generate(context.Background(), "¿Qué bonos tienen?", nil)
	require.NoError(t, res.Err)
	assert.Contains(t, res.Text, "bonos")
	assert.Zero(t, res.Cost)
	assert.True(t, g.Stats().Offline)
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 0.02, EstimateCost(1000, "gpt-4-turbo-preview"), 1e-12)
	assert.InDelta(t, 0.045, EstimateCost(1000, "gpt-4"), 1e-12)
	assert.InDelta(t, 0.001, EstimateCost(1000, "gpt-3.5-turbo"), 1e-12)
	assert.Equal(t, EstimateCost(500, "gpt-4-turbo-preview"), EstimateCost(500, "some-new-model"))
	assert.Zero(t, EstimateCost(0, "gpt-4"))
}

func TestBuildContextBudget(t *testing.T) {
	long := strings.Repeat("ñ", 1000)
	ctxText := BuildContext([]RetrievalResult{{Text: long}, {Text: long}}, 1500)
	assert.Equal(t, 1500, len([]rune(ctxText)))
	assert.True(t, strings.HasPrefix(ctxText, "[Contexto 1]\n"))

	assert.Empty(t, BuildContext(nil, 1500))
	assert.Equal(t, basePrompt, BuildSystemPrompt(""))
}

func TestNewRetrieverModes(t *testing.T) {
	store := NewChunkStore("")
	r, err := NewRetriever("auto", store, &fakeEmbedder{})
	require.NoError(t, err)
	assert.Equal(t, "keyword", r.Mode(), "no corpus loaded yet")

	require.NoError(t, store.Load(writeCorpus(t, t.TempDir(), vectorCorpus())))
	r, err = NewRetriever("auto", store, &fakeEmbedder{})
	require.NoError(t, err)
	assert.Equal(t, "vector", r.Mode())

	r, err = NewRetriever("auto", store, nil)
	require.NoError(t, err)
	assert.Equal(t, "keyword", r.Mode())

	_, err = NewRetriever("vector", store, nil)
	assert.Error(t, err)
}
