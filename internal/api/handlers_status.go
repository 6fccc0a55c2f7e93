package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/store"
	"jugarenchile.com/tawk-relay/internal/telemetry"
)

const serviceName = "Tawk.to RAG Relay - Jugar en Chile"

type TestRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

// TestHandler runs the generation path for a message without a webhook,
// persistence or delivery.
func (h *APIHandler) TestHandler(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "Cuerpo JSON inválido", nil)
		return
	}
	if err := validateStruct(&req); err != nil {
		var fe *FieldError
		if errors.As(err, &fe) {
			respondError(w, http.StatusBadRequest, fe.Error(), map[string]any{"field": fe.Field})
			return
		}
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	res := h.generator.Generate(context.WithoutCancel(r.Context()), req.Message, nil)
	resp := map[string]any{
		"success":        true,
		"userMessage":    req.Message,
		"aiResponse":     res.Text,
		"relevantChunks": res.Snippets,
		"usage":          map[string]any{"totalTokens": res.TokensUsed},
		"cost":           res.Cost,
		"fromCache":      res.FromCache,
		"degraded":       res.Degraded,
	}
	if res.Err != nil {
		resp["modelError"] = res.Err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// StatusHandler reports the configuration and health of every dependency.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cacheStatus := map[string]any{"backend": h.cache.Name(), "connected": true}
	if err := h.cache.Ping(ctx); err != nil {
		cacheStatus["connected"] = false
		cacheStatus["error"] = err.Error()
	}

	dbStatus := map[string]any{"available": h.analytics != nil, "connected": false}
	if h.analytics != nil {
		if err := h.analytics.Ping(ctx); err != nil {
			dbStatus["error"] = err.Error()
		} else {
			dbStatus["connected"] = true
		}
		dbStatus["pool"] = h.analytics.PoolStats()
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"service":       serviceName,
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		"model":         h.generator.ModelName(),
		"provider":      h.provider,
		"retrievalMode": h.generator.RetrievalMode(),
		"tawk":          h.delivery.ConfigStatus(),
		"cache":         cacheStatus,
		"database":      dbStatus,
		"corpus":        h.corpus.Info(),
		"corpusReady":   h.corpus.IsReady(),
		"usage":         h.generator.Stats(),
		"telemetry":     map[string]any{"pending": h.telemetry.Pending()},
	})
}

type AnalyticsQuery struct {
	Period string `json:"period" validate:"oneof=daily weekly"`
	Days   int    `json:"days" validate:"min=1,max=90"`
}

func parseAnalyticsQuery(r *http.Request) (AnalyticsQuery, error) {
	q := AnalyticsQuery{Period: "daily", Days: 7}
	if p := r.URL.Query().Get("period"); p != "" {
		q.Period = p
	}
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return q, &FieldError{Field: "days", Tag: "numeric"}
		}
		q.Days = n
	}
	return q, validateStruct(&q)
}

// AnalyticsHandler combines the realtime counters with the stored reports.
// Without a database only the counters and usage stats are returned.
func (h *APIHandler) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	q, err := parseAnalyticsQuery(r)
	if err != nil {
		var fe *FieldError
		if errors.As(err, &fe) {
			respondError(w, http.StatusBadRequest, fe.Error(), map[string]any{"field": fe.Field})
			return
		}
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	ctx := r.Context()
	log := logging.Ctx(ctx)
	degraded := []string{}

	realtime, err := telemetry.RealtimeCounts(ctx, h.cache)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read realtime counters")
		degraded = append(degraded, "cache")
		realtime = map[string]int64{}
	}

	resp := map[string]any{
		"success":  true,
		"period":   q.Period,
		"days":     q.Days,
		"realtime": realtime,
		"usage":    h.generator.Stats(),
	}

	if h.analytics == nil {
		resp["degraded"] = append(degraded, "database")
		respondJSON(w, http.StatusOK, resp)
		return
	}

	dbFailed := false
	top, err := h.analytics.TopEvents(ctx, 10, q.Days)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load top events")
		dbFailed = true
	}
	resp["topEvents"] = top

	perf, err := h.analytics.PerformanceMetrics(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load performance metrics")
		dbFailed = true
	}
	resp["performance"] = perf

	report, err := h.report(ctx, q.Period)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build report")
		dbFailed = true
	}
	resp["report"] = report

	if dbFailed {
		degraded = append(degraded, "database")
	}
	resp["degraded"] = degraded
	respondJSON(w, http.StatusOK, resp)
}

type dayReport struct {
	Date   string             `json:"date"`
	Events []store.EventCount `json:"events"`
}

// report returns today's counts for "daily" and one entry per day for the
// last seven days for "weekly", newest first.
func (h *APIHandler) report(ctx context.Context, period string) ([]dayReport, error) {
	days := 1
	if period == "weekly" {
		days = 7
	}
	today := time.Now().UTC()
	out := make([]dayReport, 0, days)
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, -i)
		events, err := h.analytics.DailyReport(ctx, day)
		if err != nil {
			return out, err
		}
		out = append(out, dayReport{Date: day.Format("2006-01-02"), Events: events})
	}
	return out, nil
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *APIHandler) RootHandler(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"webhook":   "POST /api/webhook",
		"test":      "POST /api/test",
		"status":    "GET /api/status",
		"analytics": "GET /api/analytics",
		"health":    "GET /health",
		"metrics":   "GET /metrics",
	}
	if h.AdminEnabled() {
		endpoints["admin"] = "POST /api/admin/{stats/reset,rag/reload,cache/flush}"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"service":   serviceName,
		"status":    "running",
		"endpoints": endpoints,
	})
}
