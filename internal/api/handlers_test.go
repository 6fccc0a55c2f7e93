package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jugarenchile.com/tawk-relay/internal/auth"
	"jugarenchile.com/tawk-relay/internal/cache"
	"jugarenchile.com/tawk-relay/internal/core"
	"jugarenchile.com/tawk-relay/internal/store"
	"jugarenchile.com/tawk-relay/internal/tawk"
	"jugarenchile.com/tawk-relay/internal/telemetry"
)

const testSecret = "webhook-secret"

// countingBackend records every call made to the wrapped backend.
type countingBackend struct {
	cache.Backend
	calls atomic.Int64
}

func (b *countingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.calls.Add(1)
	return b.Backend.Get(ctx, key)
}

func (b *countingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.calls.Add(1)
	return b.Backend.Set(ctx, key, value, ttl)
}

func (b *countingBackend) Incr(ctx context.Context, key string) (int64, error) {
	b.calls.Add(1)
	return b.Backend.Incr(ctx, key)
}

func (b *countingBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	b.calls.Add(1)
	return b.Backend.Keys(ctx, prefix)
}

type countingModel struct {
	calls atomic.Int64
	reply string
}

func (m *countingModel) Name() string { return "gpt-3.5-turbo" }

func (m *countingModel) Complete(context.Context, core.ChatRequest) (*core.ChatResponse, error) {
	m.calls.Add(1)
	return &core.ChatResponse{Text: m.reply, TokensUsed: 120}, nil
}

type fakeConversations struct {
	mu       sync.Mutex
	calls    int
	messages []store.Message
}

func (f *fakeConversations) UpsertConversation(context.Context, *store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeConversations) CreateMessage(_ context.Context, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeConversations) GetLastNMessages(context.Context, string, int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, nil
}

func (f *fakeConversations) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDelivery struct {
	mu      sync.Mutex
	sent    map[string]string
	read    []string
	err     error
	readErr error
}

func (d *fakeDelivery) SendMessage(_ context.Context, chatID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.sent == nil {
		d.sent = map[string]string{}
	}
	d.sent[chatID] = text
	return nil
}

func (d *fakeDelivery) MarkChatAsRead(_ context.Context, chatID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return d.readErr
	}
	d.read = append(d.read, chatID)
	return nil
}

func (d *fakeDelivery) ConfigStatus() tawk.ConfigStatus {
	return tawk.ConfigStatus{APIKeyConfigured: true, PropertyIDConfigured: true, FullyConfigured: true}
}

type fakeWriter struct {
	mu     sync.Mutex
	events []store.AnalyticsEvent
}

func (w *fakeWriter) InsertEvents(_ context.Context, events []store.AnalyticsEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func (w *fakeWriter) types() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.events))
	for _, ev := range w.events {
		out = append(out, ev.Type)
	}
	return out
}

type testEnv struct {
	handler  *APIHandler
	router   http.Handler
	cache    *countingBackend
	model    *countingModel
	convs    *fakeConversations
	delivery *fakeDelivery
	writer   *fakeWriter
	sink     *telemetry.Sink
	corpus   *core.ChunkStore
}

func newTestEnv(t *testing.T, adminSecret string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	corpusPath := filepath.Join(dir, "corpus.json")
	corpusFile := core.CorpusFile{
		Metadata: core.CorpusMetadata{Model: "keyword", TotalChunks: 2},
		Chunks: []core.ChunkRecord{
			{ID: 0, Text: "Los retiros se procesan en 24 a 48 horas hábiles."},
			{ID: 1, Text: "Los depósitos con WebPay son instantáneos."},
		},
	}
	raw, err := json.Marshal(corpusFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(corpusPath, raw, 0o644))

	corpus := core.NewChunkStore(corpusPath)
	require.NoError(t, corpus.Load(corpusPath))
	retriever, err := core.NewRetriever("keyword", corpus, nil)
	require.NoError(t, err)

	mem := cache.NewMemoryBackend(time.Minute)
	counting := &countingBackend{Backend: mem}
	counters := cache.NewMemoryBackend(time.Minute)
	t.Cleanup(func() {
		_ = mem.Close()
		_ = counters.Close()
	})

	model := &countingModel{reply: "Los retiros tardan 24-48 horas para jugar en jugarenchile.com"}
	gen := core.NewResponseGenerator(model, retriever, cache.NewResponseCache(counting, time.Hour), core.GeneratorConfig{HistoryTurns: 4})

	writer := &fakeWriter{}
	sink := telemetry.NewSink(writer, counters, telemetry.Config{FlushInterval: time.Hour})
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	convs := &fakeConversations{}
	delivery := &fakeDelivery{}

	h := NewAPIHandler(Options{
		WebhookSecret: testSecret,
		AdminSecret:   adminSecret,
		Provider:      "openai",
		Safety:        core.NewSafetyClassifier(nil),
		Generator:     gen,
		Chats:         core.NewChatService(convs, 4),
		Corpus:        corpus,
		Cache:         counting,
		Delivery:      delivery,
		Telemetry:     sink,
	})

	return &testEnv{
		handler:  h,
		router:   NewRouter(h, RouterConfig{}),
		cache:    counting,
		model:    model,
		convs:    convs,
		delivery: delivery,
		writer:   writer,
		sink:     sink,
		corpus:   corpus,
	}
}

func webhookBody(text string) []byte {
	return []byte(`{"event":"chat:message","chatId":"chat-1","message":{"text":"` + text + `","type":"visitor"},"visitor":{"id":"v1","name":"Ana"}}`)
}

func (e *testEnv) postWebhook(t *testing.T, body []byte, signature string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(auth.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestWebhookCacheMissThenHit(t *testing.T) {
	env := newTestEnv(t, "")
	body := webhookBody("¿Cuánto tardan los retiros?")

	rec, resp := env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, false, resp["fromCache"])
	assert.Equal(t, float64(120), resp["tokensUsed"])
	assert.Greater(t, resp["cost"].(float64), 0.0)
	assert.Equal(t, true, resp["responseSent"])
	assert.Equal(t, true, resp["delivered"])
	assert.Equal(t, "Ana", resp["visitor"])
	assert.Empty(t, resp["degraded"])
	assert.NotEmpty(t, resp["timestamp"])

	rec, resp = env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["fromCache"])
	assert.Equal(t, float64(0), resp["tokensUsed"])
	assert.Equal(t, float64(0), resp["cost"])
	assert.Equal(t, int64(1), env.model.calls.Load())

	stats := env.handler.generator.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.CacheHits)

	assert.Equal(t, env.model.reply, env.delivery.sent["chat-1"])
	assert.Equal(t, []string{"chat-1", "chat-1"}, env.delivery.read)

	// Two turns stored per webhook: the visitor's message and the reply.
	roles := []string{}
	for _, m := range env.convs.messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{store.RoleVisitor, store.RoleAssistant, store.RoleVisitor, store.RoleAssistant}, roles)

	require.NoError(t, env.sink.Flush(context.Background()))
	assert.Equal(t, []string{telemetry.EventMessageProcessed, telemetry.EventMessageProcessed}, env.writer.types())
}

func TestWebhookSafetyBranch(t *testing.T) {
	env := newTestEnv(t, "")
	body := webhookBody("no puedo parar de apostar, he perdido mucho")

	rec, resp := env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["safetyTriggered"])
	assert.Equal(t, float64(0), resp["tokensUsed"])
	assert.Equal(t, false, resp["fromCache"])

	assert.Contains(t, env.delivery.sent["chat-1"], "600 360 7777")
	assert.Zero(t, env.model.calls.Load(), "model must not be called")
	assert.Zero(t, env.cache.calls.Load(), "response cache must not be touched")

	require.NoError(t, env.sink.Flush(context.Background()))
	assert.Contains(t, env.writer.types(), telemetry.EventSafetyTriggered)

	last := env.convs.messages[len(env.convs.messages)-1]
	assert.True(t, last.SafetyTriggered)
}

func TestWebhookMissingVisitor(t *testing.T) {
	env := newTestEnv(t, "")
	body := []byte(`{"chatId":"chat-1","message":{"text":"hola","type":"visitor"}}`)

	rec, resp := env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "visitor", resp["field"])
	assert.Contains(t, resp["error"], "visitor")
	assert.Zero(t, env.model.calls.Load())
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t, "")
	body := webhookBody("¿Cuánto tardan los retiros?")

	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong secret", auth.SignWebhookBody(body, "other-secret")},
		{"tampered body", auth.SignWebhookBody(webhookBody("otra cosa"), testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.postWebhook(t, body, tt.signature)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, false, resp["success"])
		})
	}

	assert.Zero(t, env.convs.callCount(), "no database calls")
	assert.Zero(t, env.cache.calls.Load(), "no cache calls")
	assert.Zero(t, env.model.calls.Load(), "no model calls")
	assert.Empty(t, env.delivery.sent)
	assert.Empty(t, env.delivery.read)
	assert.Zero(t, env.sink.Pending())
}

func TestWebhookIgnoredMessages(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"agent message", `{"chatId":"c","message":{"text":"hola","sender":"agent"},"visitor":{"id":"v"}}`},
		{"system message", `{"chatId":"c","message":{"text":"[Sistema] chat cerrado"},"visitor":{"id":"v"}}`},
		{"whitespace", `{"chatId":"c","message":{"text":"   "},"visitor":{"id":"v"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			rec, resp := env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, true, resp["ignored"])
			assert.NotEmpty(t, resp["reason"])
		})
	}
	assert.Zero(t, env.model.calls.Load())
	assert.Zero(t, env.convs.callCount())
}

func TestWebhookMalformedJSON(t *testing.T) {
	env := newTestEnv(t, "")
	body := []byte(`{"chatId":`)
	rec, resp := env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, resp["success"])
}

func TestWebhookWithoutDatabaseOrDelivery(t *testing.T) {
	env := newTestEnv(t, "")
	env.handler.chats = core.NewChatService(nil, 4)
	env.delivery.err = &tawk.APIError{StatusCode: http.StatusBadGateway, Body: "down"}

	body := webhookBody("¿Cómo deposito?")
	rec, resp := env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, false, resp["delivered"])
	assert.Equal(t, []any{"database"}, resp["degraded"])

	require.NoError(t, env.sink.Flush(context.Background()))
	assert.Contains(t, env.writer.types(), telemetry.EventDeliveryFailed)
}

func TestWebhookMarkReadFailureIsBestEffort(t *testing.T) {
	env := newTestEnv(t, "")
	env.delivery.readErr = &tawk.APIError{StatusCode: http.StatusBadGateway, Body: "down"}

	body := webhookBody("¿Cuánto tardan los retiros?")
	rec, resp := env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["delivered"])
	assert.Empty(t, resp["degraded"])

	require.NoError(t, env.sink.Flush(context.Background()))
	assert.NotContains(t, env.writer.types(), telemetry.EventDeliveryFailed)
}

func TestTestEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/test", bytes.NewBufferString(`{"message":"¿Cuánto tardan los retiros?"}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, env.model.reply, resp["aiResponse"])
	assert.NotEmpty(t, resp["relevantChunks"])
	assert.Empty(t, env.delivery.sent)

	req = httptest.NewRequest(http.MethodPost, "/api/test", bytes.NewBufferString(`{}`))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["field"])
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "gpt-3.5-turbo", resp["model"])
	assert.Equal(t, "keyword", resp["retrievalMode"])
	assert.Equal(t, true, resp["corpusReady"])

	cacheStatus := resp["cache"].(map[string]any)
	assert.Equal(t, "memory", cacheStatus["backend"])
	assert.Equal(t, true, cacheStatus["connected"])

	db := resp["database"].(map[string]any)
	assert.Equal(t, false, db["available"])
}

func TestAnalyticsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	dir := t.TempDir()
	db, err := store.NewSQLiteStore(filepath.Join(dir, "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	env.handler.analytics = db

	require.NoError(t, db.InsertEvents(context.Background(), []store.AnalyticsEvent{
		{Type: telemetry.EventMessageProcessed, Data: map[string]any{"processingTime": 120, "tokensUsed": 50, "fromCache": false}, UserID: "v1", CreatedAt: time.Now()},
	}))
	_, err = env.cache.Incr(context.Background(), telemetry.CounterKey(telemetry.EventMessageProcessed))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analytics?period=weekly&days=3", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "weekly", resp["period"])
	assert.Len(t, resp["report"], 7)
	assert.Equal(t, float64(1), resp["realtime"].(map[string]any)[telemetry.EventMessageProcessed])
	assert.NotEmpty(t, resp["topEvents"])
	assert.Empty(t, resp["degraded"])

	for _, q := range []string{"period=monthly", "days=0", "days=abc"} {
		rec = httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analytics?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestAdminRoutes(t *testing.T) {
	t.Run("not mounted without secret", func(t *testing.T) {
		env := newTestEnv(t, "")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/cache/flush", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	env := newTestEnv(t, "admin-secret")
	token, err := auth.GenerateOperatorJWT("ops", "admin-secret")
	require.NoError(t, err)

	call := func(path, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call("/api/admin/stats/reset", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call("/api/admin/stats/reset", "garbage").Code)

	body := webhookBody("¿Cuánto tardan los retiros?")
	env.postWebhook(t, body, auth.SignWebhookBody(body, testSecret))
	require.Equal(t, int64(1), env.handler.generator.Stats().TotalRequests)

	assert.Equal(t, http.StatusOK, call("/api/admin/stats/reset", token).Code)
	assert.Zero(t, env.handler.generator.Stats().TotalRequests)

	rec := call("/api/admin/rag/reload", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.corpus.IsReady())
	var reloaded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reloaded))
	assert.Equal(t, "keyword", reloaded["retrievalMode"])
	assert.NotContains(t, reloaded, "warning")

	assert.Equal(t, http.StatusOK, call("/api/admin/cache/flush", token).Code)
	keys, err := env.cache.Keys(context.Background(), "response:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestReloadReportsFixedRetrievalMode(t *testing.T) {
	env := newTestEnv(t, "admin-secret")
	token, err := auth.GenerateOperatorJWT("ops", "admin-secret")
	require.NoError(t, err)

	vectorCorpus := core.CorpusFile{
		Metadata: core.CorpusMetadata{Model: "text-embedding-3-large", EmbeddingDimension: 2, TotalChunks: 2},
		Chunks: []core.ChunkRecord{
			{ID: 0, Text: "Los retiros se procesan en 24 a 48 horas hábiles.", Vector: []float32{1, 0}},
			{ID: 1, Text: "Los depósitos con WebPay son instantáneos.", Vector: []float32{0, 1}},
		},
	}
	raw, err := json.Marshal(vectorCorpus)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.corpus.Info().Path, raw, 0o644))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/rag/reload", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "keyword", resp["retrievalMode"])
	assert.NotEmpty(t, resp["warning"])
	assert.Equal(t, 2, env.corpus.Info().EmbeddingDimension)
}

func TestHealthAndRoot(t *testing.T) {
	env := newTestEnv(t, "")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/webhook")
}

func TestRecovererReturnsJSON(t *testing.T) {
	h := jsonRecoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}
