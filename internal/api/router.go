/**
 * @description
 * This file sets up the HTTP router. Users confirm or report held transfers with a
 * bearer token; operations approve false positives with the internal API key. Every
 * hold action requires an Idempotency-Key header.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes creates the service router. metrics may be nil.
func Routes(h *HoldHandlers, metrics http.Handler, jwtSigningKey, internalAPIKey string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(TraceMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Trace-Id"},
		ExposedHeaders:   []string{"X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSigningKey))
		r.Post("/holds/{sagaID}/confirm", h.ConfirmHandler)
		r.Post("/holds/{sagaID}/report-fraud", h.ReportFraudHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))
		r.Post("/internal/holds/{sagaID}/approve", h.ApproveHandler)
	})

	return r
}
