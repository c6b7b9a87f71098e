package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/auth"
	"github.com/parsgate/payamak/internal/faults"
	"github.com/parsgate/payamak/internal/metrics"
)

type ctxKey int

const identityKey ctxKey = iota

// IdentityFrom returns the authenticated caller stored by the auth
// middleware.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// Authenticate resolves the X-Api-Key header and stores the caller identity
// on the request context. Unknown keys get 401 without detail.
func Authenticate(a *auth.Authenticator, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r.Context(), r.Header.Get("X-Api-Key"))
			if err == auth.ErrInvalidKey {
				writeError(logger, w, http.StatusUnauthorized, "unauthorized", "invalid api key")
				return
			}
			if err != nil {
				logger.Error().Err(err).Msg("authentication failed")
				writeError(logger, w, http.StatusInternalServerError, string(faults.KindInternal), "internal error")
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit enforces the per-account fixed window. The limit headers are set
// on every authenticated response; a limiter outage lets traffic through.
func RateLimit(rl *auth.RateLimiter, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, limit, remaining, err := rl.Allow(r.Context(), identity.ID, identity.RateLimit)
			if err != nil {
				logger.Warn().Err(err).Int64("account_id", identity.ID).Msg("rate limiter unavailable, letting request through")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(60-time.Now().Second()))

			if !allowed {
				metrics.RateLimited.Inc()
				writeError(logger, w, http.StatusTooManyRequests, string(faults.KindRateLimited),
					fmt.Sprintf("rate limit of %d requests per minute exceeded", limit))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger emits one structured line per request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// Metrics records request counts and latency per route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
