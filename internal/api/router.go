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
)

// NewRouter creates a new Chi router and registers the settlement routes.
func NewRouter(h *Handler, webhooks *WebhookHandler, jwtOpts JWTOptions, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})

	// Authenticated by the platform signature, not by middleware.
	r.Post("/webhooks/stripe", webhooks.handleStripeWebhook)

	r.Route("/internal/settlements", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/fees/calculate", h.handleCalculateFee)
		r.Post("/payments/{paymentID}/initiate", h.handleInitiatePayment)
		r.Post("/payments/{paymentID}/refund", h.handleRefundPayment)
		r.Get("/owners/{ownerID}/account", h.handleGetOwnerAccount)
		r.Post("/owners/{ownerID}/account", h.handleCreateOwnerAccount)
		r.Post("/accounts/{accountID}/onboarding", h.handleBeginOnboarding)
		r.Post("/accounts/{accountID}/refresh", h.handleRefreshAccount)
		r.Post("/accounts/{accountID}/disable", h.handleDisableAccount)
		r.Post("/accounts/{accountID}/enable", h.handleEnableAccount)
		r.Get("/fee-schedules", h.handleListFeeSchedules)
		r.Post("/fee-schedules", h.handleCreateFeeSchedule)
		r.Post("/fee-schedules/{scheduleID}/deactivate", h.handleDeactivateFeeSchedule)
		r.Post("/sweep/pending", h.handleSweepPending)
	})

	r.Route("/settlements/me", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtOpts))
		r.Get("/account", h.handleMyAccount)
		r.Post("/onboarding", h.handleMyOnboarding)
		r.Post("/login-link", h.handleMyLoginLink)
		r.Get("/balance", h.handleMyBalance)
		r.Get("/payouts", h.handleMyPayouts)
		r.Post("/payouts", h.handleMyCreatePayout)
	})

	return r
}
