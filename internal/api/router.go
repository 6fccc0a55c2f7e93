package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// RateLimitPerMinute applies per client IP to the webhook and test
	// routes. Zero disables the limit.
	RateLimitPerMinute int
}

func NewRouter(apiHandler *APIHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StripSlashes)
	r.Use(requestLogger)
	r.Use(jsonRecoverer)

	r.Get("/", apiHandler.RootHandler)
	r.Get("/health", apiHandler.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.RateLimitPerMinute > 0 {
				r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
			}
			r.Post("/webhook", apiHandler.WebhookHandler)
			r.Post("/test", apiHandler.TestHandler)
		})

		r.Get("/status", apiHandler.StatusHandler)
		r.Get("/analytics", apiHandler.AnalyticsHandler)

		if apiHandler.AdminEnabled() {
			r.Route("/admin", func(r chi.Router) {
				r.Use(apiHandler.OperatorAuthMiddleware)
				r.Post("/stats/reset", apiHandler.ResetStatsHandler)
				r.Post("/rag/reload", apiHandler.ReloadCorpusHandler)
				r.Post("/cache/flush", apiHandler.FlushCacheHandler)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "Ruta no encontrada", nil)
	})

	return r
}
