package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) PoolStats() PoolStats {
	st := s.db.Stats()
	return PoolStats{
		MaxOpenConnections: st.MaxOpenConnections,
		OpenConnections:    st.OpenConnections,
		InUse:              st.InUse,
		Idle:               st.Idle,
		WaitCount:          st.WaitCount,
	}
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY,
        visitor_id TEXT NOT NULL DEFAULT '',
        visitor_name TEXT NOT NULL DEFAULT '',
        visitor_email TEXT NOT NULL DEFAULT '',
        property_id TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('visitor', 'assistant')),
        content TEXT NOT NULL,
        tokens_used INTEGER NOT NULL DEFAULT 0,
        from_cache BOOLEAN NOT NULL DEFAULT FALSE,
        safety_triggered BOOLEAN NOT NULL DEFAULT FALSE,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

    CREATE TABLE IF NOT EXISTS analytics (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        event_type TEXT NOT NULL,
        event_data TEXT NOT NULL DEFAULT '{}', -- JSON object
        user_id TEXT,
        session_id TEXT,
        ip_address TEXT,
        user_agent TEXT,
        created_at INTEGER NOT NULL -- unix milliseconds
    );
    CREATE INDEX IF NOT EXISTS idx_analytics_type_created ON analytics (event_type, created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Conversation methods

// UpsertConversation records a chat the first time it is seen and refreshes
// the visitor details on later messages.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO conversations (id, visitor_id, visitor_name, visitor_email, property_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            visitor_id = excluded.visitor_id,
            visitor_name = excluded.visitor_name,
            visitor_email = excluded.visitor_email,
            updated_at = excluded.updated_at`,
		conv.ID, conv.VisitorID, conv.VisitorName, conv.VisitorEmail, conv.PropertyID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, visitor_id, visitor_name, visitor_email, property_id, created_at, updated_at FROM conversations WHERE id = ?", id).
		Scan(&conv.ID, &conv.VisitorID, &conv.VisitorName, &conv.VisitorEmail, &conv.PropertyID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// Message methods
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO messages (id, conversation_id, role, content, tokens_used, from_cache, safety_triggered, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.TokensUsed, msg.FromCache, msg.SafetyTriggered, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	return nil
}

// GetLastNMessages returns up to n most recent messages of a conversation,
// oldest first.
func (s *SQLiteStore) GetLastNMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	query := `
        SELECT id, conversation_id, role, content, tokens_used, from_cache, safety_triggered, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?
    `

	rows, err := s.db.QueryContext(ctx, query, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.TokensUsed, &msg.FromCache, &msg.SafetyTriggered, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Analytics methods

// InsertEvents writes a batch in a single transaction: either every event is
// stored or none is.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin analytics tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO analytics (event_type, event_data, user_id, session_id, ip_address, user_agent, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare analytics insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		data := ev.Data
		if data == nil {
			data = map[string]any{}
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s event data: %w", ev.Type, err)
		}
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, ev.Type, string(raw),
			nullString(ev.UserID), nullString(ev.SessionID), nullString(ev.IPAddress), nullString(ev.UserAgent),
			createdAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert analytics event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit analytics batch: %w", err)
	}
	return nil
}

// TopEvents ranks event types over the last days.
func (s *SQLiteStore) TopEvents(ctx context.Context, limit, days int) ([]EventCount, error) {
	since := time.Now().AddDate(0, 0, -days).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
        SELECT event_type, COUNT(*) AS count, COUNT(DISTINCT user_id) AS unique_users
        FROM analytics
        WHERE created_at >= ?
        GROUP BY event_type
        ORDER BY count DESC, event_type ASC
        LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top events: %w", err)
	}
	defer rows.Close()

	out := make([]EventCount, 0)
	for rows.Next() {
		var ec EventCount
		if err := rows.Scan(&ec.EventType, &ec.Count, &ec.UniqueUsers); err != nil {
			return nil, fmt.Errorf("failed to scan top event row: %w", err)
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// DailyReport aggregates the UTC calendar day containing day.
func (s *SQLiteStore) DailyReport(ctx context.Context, day time.Time) ([]EventCount, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	rows, err := s.db.QueryContext(ctx, `
        SELECT event_type, COUNT(*) AS count,
               COUNT(DISTINCT user_id) AS unique_users,
               COUNT(DISTINCT session_id) AS unique_sessions
        FROM analytics
        WHERE created_at >= ? AND created_at < ?
        GROUP BY event_type
        ORDER BY count DESC, event_type ASC`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query daily report: %w", err)
	}
	defer rows.Close()

	out := make([]EventCount, 0)
	for rows.Next() {
		var ec EventCount
		if err := rows.Scan(&ec.EventType, &ec.Count, &ec.UniqueUsers, &ec.UniqueSessions); err != nil {
			return nil, fmt.Errorf("failed to scan daily report row: %w", err)
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// PerformanceMetrics summarizes processed messages over the last 24 hours.
func (s *SQLiteStore) PerformanceMetrics(ctx context.Context) (*PerformanceMetrics, error) {
	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	var (
		avgTime, avgTokens sql.NullFloat64
		maxTime, minTime   sql.NullInt64
		cacheHits          sql.NullInt64
		pm                 PerformanceMetrics
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT
            AVG(json_extract(event_data, '$.processingTime')),
            MAX(json_extract(event_data, '$.processingTime')),
            MIN(json_extract(event_data, '$.processingTime')),
            AVG(json_extract(event_data, '$.tokensUsed')),
            SUM(CASE WHEN json_extract(event_data, '$.fromCache') THEN 1 ELSE 0 END),
            COUNT(*)
        FROM analytics
        WHERE event_type = 'message_processed' AND created_at >= ?`, since).
		Scan(&avgTime, &maxTime, &minTime, &avgTokens, &cacheHits, &pm.TotalRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance metrics: %w", err)
	}
	pm.AvgProcessingTime = avgTime.Float64
	pm.MaxProcessingTime = maxTime.Int64
	pm.MinProcessingTime = minTime.Int64
	pm.AvgTokens = avgTokens.Float64
	pm.CacheHits = cacheHits.Int64
	return &pm, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
