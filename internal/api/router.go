/**
 * @description
 * This file sets up the HTTP router for the donation-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanachain/donation-service/internal/config"
)

// DonationRoutes creates and returns the router for the donation service.
func DonationRoutes(h *DonationHandlers, wh *WebhookHandlers, cfg config.Config) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Gateway-facing webhook endpoints: authenticated by signature, not JWT.
		r.Post("/webhooks/payment", wh.PaymentWebhookHandler)
		r.Get("/webhooks/payment/status", wh.WebhookStatusHandler)

		// Donor endpoints. Anonymous donors are allowed; an attached bearer
		// token binds the donation to the member.
		r.Group(func(r chi.Router) {
			r.Use(OptionalAuthMiddleware(cfg.JWKSURL, cfg.JWTIssuer))
			r.Post("/donations", h.CreateDonationHandler)
			r.Post("/donations/approve", h.ApprovePaymentHandler)
		})

		// Admin endpoints.
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWKSURL, cfg.JWTIssuer))
			r.Use(AdminOnlyMiddleware)
			r.Post("/admin/donations/{donationID}/approve", h.ManualApproveHandler)
			r.Post("/admin/donations/{donationID}/refund", h.RefundHandler)
			r.Post("/admin/donations/{donationID}/fds-override", h.FdsOverrideHandler)
			r.Get("/admin/donations/{donationID}/fds-detail", h.FdsDetailHandler)
		})

		// Service-to-service endpoints.
		r.Group(func(r chi.Router) {
			r.Use(InternalAPIKeyMiddleware(cfg.InternalAPIKey))
			r.Post("/internal/campaigns/{campaignID}/register", h.RegisterCampaignHandler)
		})
	})

	return r
}
