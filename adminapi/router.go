/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Minimal chi-routed admin surface: unauthenticated
             liveness and a peer-listing endpoint that exercises
             the §6.4 snapshot contract.
Root Cause:  §4.8 Admin surface (supplemented, minimal) — the
             proxy's management/observability HTTP surface is
             named out of scope in spec.md §1, so only the
             snapshot contract itself is exposed here.
Context:     Grounded on router/router.go's middleware chain
             (RequestID, Recoverer, request logger) and its
             unauthenticated /healthz convention, generalized
             from the gateway's full API surface down to the two
             routes this system actually needs.
Suitability: L3 — thin HTTP surface, no business logic.
──────────────────────────────────────────────────────────────
*/

package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/alfred/services/slotproxy/peerpool"
)

// NewRouter returns a chi Router exposing the admin/observability
// surface: liveness and the peer snapshot listing.
func NewRouter(pool *peerpool.Pool, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"slotproxy"}`))
	})

	r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
		snap := pool.Snapshot(time.Now())
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logger.Error().Err(err).Msg("failed to encode peer snapshot")
		}
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("admin request completed")
		})
	}
}
