package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"jugarenchile.com/tawk-relay/internal/cache"
	"jugarenchile.com/tawk-relay/internal/core"
	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/store"
	"jugarenchile.com/tawk-relay/internal/tawk"
	"jugarenchile.com/tawk-relay/internal/telemetry"
)

// maxWebhookBody bounds how much of a request body is read.
const maxWebhookBody = 1 << 20

// Deliverer posts replies back to the chat widget.
type Deliverer interface {
	SendMessage(ctx context.Context, chatID, text string) error
	MarkChatAsRead(ctx context.Context, chatID string) error
	ConfigStatus() tawk.ConfigStatus
}

// AnalyticsStore serves the reporting endpoints.
type AnalyticsStore interface {
	Ping(ctx context.Context) error
	PoolStats() store.PoolStats
	TopEvents(ctx context.Context, limit, days int) ([]store.EventCount, error)
	DailyReport(ctx context.Context, day time.Time) ([]store.EventCount, error)
	PerformanceMetrics(ctx context.Context) (*store.PerformanceMetrics, error)
}

// Options wires the handler. Analytics may be nil when the database could not
// be opened; everything else is required.
type Options struct {
	WebhookSecret string
	AdminSecret   string
	Provider      string

	Safety    *core.SafetyClassifier
	Generator *core.ResponseGenerator
	Chats     *core.ChatService
	Corpus    *core.ChunkStore
	Cache     cache.Backend
	Delivery  Deliverer
	Telemetry *telemetry.Sink
	Analytics AnalyticsStore
}

type APIHandler struct {
	webhookSecret string
	adminSecret   string
	provider      string

	safety    *core.SafetyClassifier
	generator *core.ResponseGenerator
	chats     *core.ChatService
	corpus    *core.ChunkStore
	cache     cache.Backend
	delivery  Deliverer
	telemetry *telemetry.Sink
	analytics AnalyticsStore

	startedAt time.Time
}

func NewAPIHandler(opts Options) *APIHandler {
	return &APIHandler{
		webhookSecret: opts.WebhookSecret,
		adminSecret:   opts.AdminSecret,
		provider:      opts.Provider,
		safety:        opts.Safety,
		generator:     opts.Generator,
		chats:         opts.Chats,
		corpus:        opts.Corpus,
		cache:         opts.Cache,
		delivery:      opts.Delivery,
		telemetry:     opts.Telemetry,
		analytics:     opts.Analytics,
		startedAt:     time.Now(),
	}
}

// AdminEnabled reports whether the operator routes are mounted.
func (h *APIHandler) AdminEnabled() bool { return h.adminSecret != "" }

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// respondJSON writes body as JSON. A "timestamp" field is added to map bodies
// that lack one.
func respondJSON(w http.ResponseWriter, status int, body map[string]any) {
	if _, ok := body["timestamp"]; !ok {
		body["timestamp"] = timestamp()
	}
	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondError sends the error envelope; extra fields are merged in.
func respondError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	body := map[string]any{
		"success": false,
		"error":   message,
	}
	for k, v := range extra {
		body[k] = v
	}
	respondJSON(w, status, body)
}

func clientMetadata(r *http.Request, userID, sessionID string) telemetry.Metadata {
	return telemetry.Metadata{
		UserID:    userID,
		SessionID: sessionID,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

// appendUnique adds items to list, skipping ones already present.
func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
