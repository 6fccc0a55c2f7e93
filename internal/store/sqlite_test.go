package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv := &Conversation{ID: "chat-1", VisitorID: "v1", VisitorName: "Visitante"}
	require.NoError(t, s.UpsertConversation(ctx, conv))

	conv2 := &Conversation{ID: "chat-1", VisitorID: "v1", VisitorName: "Ana"}
	require.NoError(t, s.UpsertConversation(ctx, conv2))

	got, err := s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ana", got.VisitorName)

	missing, err := s.GetConversation(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMessagesHistoryOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i, content := range []string{"uno", "dos", "tres", "cuatro"} {
		role := RoleVisitor
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.CreateMessage(ctx, &Message{
			ConversationID: "chat-1",
			Role:           role,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.CreateMessage(ctx, &Message{ConversationID: "chat-2", Role: RoleVisitor, Content: "otro"}))

	msgs, err := s.GetLastNMessages(ctx, "chat-1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "dos", msgs[0].Content)
	assert.Equal(t, "cuatro", msgs[2].Content)
	assert.NotEmpty(t, msgs[0].ID)
}

func TestInsertEventsAndReports(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	events := []AnalyticsEvent{
		{Type: "message_processed", UserID: "v1", SessionID: "c1", CreatedAt: now,
			Data: map[string]any{"processingTime": 100, "tokensUsed": 40, "fromCache": false}},
		{Type: "message_processed", UserID: "v2", SessionID: "c2", CreatedAt: now,
			Data: map[string]any{"processingTime": 300, "tokensUsed": 0, "fromCache": true}},
		{Type: "safety_triggered", UserID: "v1", CreatedAt: now},
		{Type: "message_processed", UserID: "v3", CreatedAt: now.Add(-48 * time.Hour),
			Data: map[string]any{"processingTime": 9000, "tokensUsed": 10, "fromCache": false}},
	}
	require.NoError(t, s.InsertEvents(ctx, events))

	top, err := s.TopEvents(ctx, 10, 7)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "message_processed", top[0].EventType)
	assert.Equal(t, int64(3), top[0].Count)
	assert.Equal(t, int64(3), top[0].UniqueUsers)

	perf, err := s.PerformanceMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), perf.TotalRequests)
	assert.InDelta(t, 200.0, perf.AvgProcessingTime, 0.001)
	assert.Equal(t, int64(300), perf.MaxProcessingTime)
	assert.Equal(t, int64(100), perf.MinProcessingTime)
	assert.InDelta(t, 20.0, perf.AvgTokens, 0.001)
	assert.Equal(t, int64(1), perf.CacheHits)

	daily, err := s.DailyReport(ctx, now)
	require.NoError(t, err)
	total := int64(0)
	for _, row := range daily {
		total += row.Count
	}
	// The 48h-old event never lands on today's UTC date.
	assert.Equal(t, int64(3), total)
}

func TestInsertEventsIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	events := []AnalyticsEvent{
		{Type: "error", Data: map[string]any{"error": "x"}},
		{Type: "error", Data: map[string]any{"bad": make(chan int)}},
	}
	require.Error(t, s.InsertEvents(ctx, events))

	top, err := s.TopEvents(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestPerformanceMetricsEmpty(t *testing.T) {
	s := newTestStore(t)
	perf, err := s.PerformanceMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, perf.TotalRequests)
	assert.Zero(t, perf.AvgProcessingTime)
}

func TestPoolStats(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	assert.GreaterOrEqual(t, s.PoolStats().OpenConnections, 0)
}
