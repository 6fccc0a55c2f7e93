package store

import "time"

// Message roles.
const (
	RoleVisitor   = "visitor"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID           string    `json:"id"` // chat id assigned by the widget
	VisitorID    string    `json:"visitor_id"`
	VisitorName  string    `json:"visitor_name"`
	VisitorEmail string    `json:"visitor_email,omitempty"`
	PropertyID   string    `json:"property_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Message struct {
	ID              string    `json:"id"` // UUID
	ConversationID  string    `json:"conversation_id"`
	Role            string    `json:"role"` // "visitor" or "assistant"
	Content         string    `json:"content"`
	TokensUsed      int       `json:"tokens_used"`
	FromCache       bool      `json:"from_cache"`
	SafetyTriggered bool      `json:"safety_triggered"`
	CreatedAt       time.Time `json:"created_at"`
}

// AnalyticsEvent is one telemetry record. Data is stored as JSON.
type AnalyticsEvent struct {
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"event_data"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventCount struct {
	EventType      string `json:"event_type"`
	Count          int64  `json:"count"`
	UniqueUsers    int64  `json:"unique_users"`
	UniqueSessions int64  `json:"unique_sessions,omitempty"`
}

type PerformanceMetrics struct {
	AvgProcessingTime float64 `json:"avg_processing_time"`
	MaxProcessingTime int64   `json:"max_processing_time"`
	MinProcessingTime int64   `json:"min_processing_time"`
	AvgTokens         float64 `json:"avg_tokens"`
	CacheHits         int64   `json:"cache_hits"`
	TotalRequests     int64   `json:"total_requests"`
}

type PoolStats struct {
	MaxOpenConnections int   `json:"maxOpenConnections"`
	OpenConnections    int   `json:"openConnections"`
	InUse              int   `json:"inUse"`
	Idle               int   `json:"idle"`
	WaitCount          int64 `json:"waitCount"`
}
