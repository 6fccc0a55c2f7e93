package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jugarenchile.com/tawk-relay/internal/auth"
	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/metrics"
)

type contextKey string

const operatorKey contextKey = "operator"

// OperatorFromContext returns the subject of the operator token, if any.
func OperatorFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(operatorKey).(string)
	return sub
}

// OperatorAuthMiddleware requires a bearer token signed with the admin secret.
func (h *APIHandler) OperatorAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, "Se requiere el encabezado Authorization", nil)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		subject, err := auth.ValidateOperatorJWT(tokenString, h.adminSecret)
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("Operator token rejected")
			respondError(w, http.StatusUnauthorized, "Token inválido", nil)
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger attaches the chi request id to the logging context and emits
// one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		logging.Ctx(ctx).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// jsonRecoverer turns a handler panic into a 500 error envelope.
func jsonRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from handler panic")
			respondError(w, http.StatusInternalServerError, "Error interno del servidor", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
