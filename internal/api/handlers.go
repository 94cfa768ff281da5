/**
 * @description
 * This file contains the HTTP handlers for the donation-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hanachain/donation-service/internal/app"
	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
)

// DonationHandlers holds the application service that handlers will use.
type DonationHandlers struct {
	service *app.Service
}

// NewDonationHandlers creates a new instance of DonationHandlers.
func NewDonationHandlers(service *app.Service) *DonationHandlers {
	return &DonationHandlers{service: service}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *DonationHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *DonationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps well-known service errors onto HTTP statuses.
func (h *DonationHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var rateLimited *app.RateLimitedError

	switch {
	case errors.Is(err, store.ErrCampaignNotFound), errors.Is(err, store.ErrDonationNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicatePaymentID):
		h.writeError(w, http.StatusConflict, "payment id already registered")
	case errors.Is(err, app.ErrCampaignNotAcceptingDonations):
		h.writeError(w, http.StatusUnprocessableEntity, "campaign is not accepting donations")
	case errors.Is(err, domain.ErrInvalidDonationAmount):
		h.writeError(w, http.StatusUnprocessableEntity, "donation amount must be positive")
	case errors.Is(err, app.ErrDonationNotPending),
		errors.Is(err, app.ErrDonationNotCompleted),
		errors.Is(err, app.ErrOverrideNotAllowed):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrApprovalNotOwner):
		h.writeError(w, http.StatusForbidden, "payment belongs to a different donor")
	case errors.Is(err, app.ErrApprovalWindowExpired):
		h.writeError(w, http.StatusUnprocessableEntity, "payment approval window has expired")
	case errors.Is(err, app.ErrPaymentNotConfirmed):
		h.writeError(w, http.StatusConflict, "payment gateway has not confirmed this payment")
	case errors.Is(err, app.ErrGatewayCancelFailed):
		h.writeError(w, http.StatusBadGateway, "payment gateway refused the cancellation")
	case errors.Is(err, app.ErrAmountMismatch):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "too many approval attempts; slow down")
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// CreateDonationHandler handles requests to create a new donation. The caller
// may be anonymous; authenticated donors are attached by id.
func (h *DonationHandlers) CreateDonationHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_donation outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var userID *uuid.UUID
	if id, ok := GetUserID(r.Context()); ok {
		userID = &id
	}

	donation, err := h.service.CreateDonation(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, donation)
}

type approvePaymentRequest struct {
	PaymentID   string `json:"payment_id"`
	GatewayTxID string `json:"gateway_tx_id"`
}

// ApprovePaymentHandler handles client-trusted immediate approval right after
// the gateway SDK reports success on the donor's device.
func (h *DonationHandlers) ApprovePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req approvePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PaymentID == "" {
		h.writeError(w, http.StatusBadRequest, "payment_id is required")
		return
	}

	var callerID *uuid.UUID
	if id, ok := GetUserID(r.Context()); ok {
		callerID = &id
	}

	donation, err := h.service.ApprovePaymentByID(r.Context(), req.PaymentID, req.GatewayTxID, callerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, donation)
}

// ManualApproveHandler lets an admin settle a PENDING donation whose payment
// verifiably succeeded out of band.
func (h *DonationHandlers) ManualApproveHandler(w http.ResponseWriter, r *http.Request) {
	donationID, ok := h.parseDonationID(w, r)
	if !ok {
		return
	}

	donation, err := h.service.ManualApprovePayment(r.Context(), donationID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, donation)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// RefundHandler reverses a completed donation through the payment gateway.
func (h *DonationHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	donationID, ok := h.parseDonationID(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	donation, err := h.service.RefundDonation(r.Context(), donationID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, donation)
}

// FdsOverrideHandler lets an admin replace a fraud verdict.
func (h *DonationHandlers) FdsOverrideHandler(w http.ResponseWriter, r *http.Request) {
	donationID, ok := h.parseDonationID(w, r)
	if !ok {
		return
	}

	adminID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req domain.FdsOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	donation, err := h.service.OverrideFdsResult(r.Context(), donationID, req, adminID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, donation)
}

// FdsDetailHandler returns the stored fraud verification detail for audit.
func (h *DonationHandlers) FdsDetailHandler(w http.ResponseWriter, r *http.Request) {
	donationID, ok := h.parseDonationID(w, r)
	if !ok {
		return
	}

	detail, err := h.service.GetFdsDetail(r.Context(), donationID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// RegisterCampaignHandler triggers blockchain registration for an approved
// campaign. Called service-to-service by the campaign management backend.
func (h *DonationHandlers) RegisterCampaignHandler(w http.ResponseWriter, r *http.Request) {
	campaignIDStr := chi.URLParam(r, "campaignID")
	campaignID, err := uuid.Parse(campaignIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	if err := h.service.RegisterCampaign(r.Context(), campaignID); err != nil {
		if errors.Is(err, app.ErrMissingBeneficiary) {
			h.writeError(w, http.StatusUnprocessableEntity, "campaign has no beneficiary address")
			return
		}
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "registration started"})
}

func (h *DonationHandlers) parseDonationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	donationIDStr := chi.URLParam(r, "donationID")
	donationID, err := uuid.Parse(donationIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid donation id")
		return uuid.Nil, false
	}
	return donationID, true
}
