/**
 * @description
 * HTTP router setup for the settlement service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new Chi router and registers settlement routes.
func NewRouter(h *Handler, auth AuthConfig, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/settlement", func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(auth))

		r.Post("/events", h.handleSettle)
		r.Get("/events/{eventID}", h.handleGetEvent)
		r.Post("/calculate", h.handleCalculate)

		r.Get("/creators/{creatorID}", h.handleCreatorSummary)
		r.Get("/creators/{creatorID}/history", h.handleCreatorHistory)
		r.Get("/referrers/{referrerID}", h.handleReferrerSummary)
		r.Get("/risk-pool", h.handleRiskPool)
		r.Post("/release-held", h.handleReleaseHeld)

		r.Post("/batches", h.handleCreateBatch)
		r.Get("/batches", h.handleListBatches)
		r.Get("/batches/{batchID}", h.handleGetBatch)
		r.Post("/batches/{batchID}/confirm", h.handleConfirmBatch)
		r.Post("/batches/{batchID}/discard", h.handleDiscardBatch)
		r.Post("/payouts/{payoutID}/complete", h.handleCompletePayout)
		r.Post("/deductions", h.handleDeduction)
		r.Get("/stats", h.handleStats)

		r.Get("/constants", h.handleGetConstants)
		r.Put("/constants", h.handleUpdateConstants)
	})

	return r
}
