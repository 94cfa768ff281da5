/**
 * @description
 * This file implements donation creation and payment settlement: the signed
 * webhook report processor, admin manual approval, and the client-trusted
 * immediate approval path. Settlement is idempotent on the gateway payment id;
 * the donation status transition and the campaign aggregate increment happen
 * in one store transaction so a replayed report can never double-count.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
)

// Routing keys for donation lifecycle events.
const (
	routingKeyDonationCompleted = "donation.payment.completed"
	routingKeyDonationRefunded  = "donation.refunded"
)

// CreateDonation registers a new pending donation against an active campaign
// and dispatches fraud verification in the background. The donation is keyed
// by the gateway payment id; a duplicate id is rejected before any write.
func (s *Service) CreateDonation(ctx context.Context, userID *uuid.UUID, req domain.CreateDonationRequest) (*domain.Donation, error) {
	if strings.TrimSpace(req.PaymentID) == "" {
		return nil, fmt.Errorf("payment id is required")
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, domain.ErrInvalidDonationAmount
	}

	if existing, err := s.repo.FindDonationByPaymentID(ctx, req.PaymentID); err == nil && existing != nil {
		return nil, store.ErrDuplicatePaymentID
	} else if err != nil && !errors.Is(err, store.ErrDonationNotFound) {
		return nil, err
	}

	campaign, err := s.repo.FindCampaignByID(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.IsAcceptingDonations() {
		log.Printf("level=warn component=payment flow=create_donation outcome=reject reason=campaign_not_active campaign_id=%s status=%s", campaign.ID, campaign.Status)
		return nil, ErrCampaignNotAcceptingDonations
	}

	donorName := strings.TrimSpace(req.DonorName)
	if req.Anonymous || donorName == "" {
		donorName = "Anonymous"
	}

	donation := &domain.Donation{
		ID:            uuid.New(),
		CampaignID:    campaign.ID,
		UserID:        userID,
		DonorName:     donorName,
		Anonymous:     req.Anonymous || userID == nil,
		Amount:        req.Amount,
		Message:       req.Message,
		PaymentID:     strings.TrimSpace(req.PaymentID),
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: domain.PaymentStatusPending,
		FdsStatus:     domain.FdsStatusPending,
	}

	if err := s.repo.CreateDonation(ctx, donation); err != nil {
		return nil, err
	}
	log.Printf("level=info component=payment flow=create_donation outcome=created donation_id=%s campaign_id=%s payment_id=%s amount=%s anonymous=%t",
		donation.ID, donation.CampaignID, donation.PaymentID, donation.Amount, donation.Anonymous)

	// Fraud verification never blocks donation creation.
	go s.VerifyDonationAsync(*donation)

	return donation, nil
}

// ProcessPayment applies a gateway-confirmed payment report to the matching
// donation. Amount mismatches always reject, even on replays. A donation that
// is already COMPLETED is returned unchanged. Unrecognized gateway statuses
// are logged and leave the donation PENDING for a later report.
func (s *Service) ProcessPayment(ctx context.Context, report domain.PaymentReport) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByPaymentID(ctx, report.PaymentID)
	if err != nil {
		return nil, err
	}

	// The integrity check runs before the idempotency return so a mismatched
	// replay is surfaced instead of silently accepted.
	if !donation.Amount.Equal(report.Amount) {
		log.Printf("level=error component=payment flow=process_payment outcome=reject reason=amount_mismatch payment_id=%s expected=%s reported=%s",
			report.PaymentID, donation.Amount, report.Amount)
		return nil, fmt.Errorf("%w: expected %s, reported %s", ErrAmountMismatch, donation.Amount, report.Amount)
	}

	if donation.PaymentStatus == domain.PaymentStatusCompleted {
		log.Printf("level=info component=payment flow=process_payment outcome=replay_ignored payment_id=%s donation_id=%s", report.PaymentID, donation.ID)
		return donation, nil
	}

	// REFUNDED and CANCELLED are terminal. The gateway echoes our own
	// cancellation back as a "cancelled" report after a refund, and that echo
	// must never rewrite the refund bookkeeping.
	switch donation.PaymentStatus {
	case domain.PaymentStatusRefunded, domain.PaymentStatusCancelled:
		log.Printf("level=info component=payment flow=process_payment outcome=terminal_ignored payment_id=%s donation_id=%s payment_status=%s", report.PaymentID, donation.ID, donation.PaymentStatus)
		return donation, nil
	}

	switch strings.ToLower(strings.TrimSpace(report.Status)) {
	case "paid":
		return s.settlePayment(ctx, donation, report)
	case "failed":
		reason := report.FailureCause
		if reason == "" {
			reason = "payment failed at gateway"
		}
		if err := s.repo.MarkDonationFailed(ctx, donation.ID, reason); err != nil {
			return nil, err
		}
		log.Printf("level=warn component=payment flow=process_payment outcome=failed payment_id=%s donation_id=%s reason=%q", report.PaymentID, donation.ID, reason)
		return s.repo.FindDonationByID(ctx, donation.ID)
	case "cancelled", "canceled":
		reason := report.FailureCause
		if reason == "" {
			reason = "payment cancelled at gateway"
		}
		if err := s.repo.MarkDonationCancelled(ctx, donation.ID, reason); err != nil {
			return nil, err
		}
		log.Printf("level=warn component=payment flow=process_payment outcome=cancelled payment_id=%s donation_id=%s reason=%q", report.PaymentID, donation.ID, reason)
		return s.repo.FindDonationByID(ctx, donation.ID)
	default:
		log.Printf("level=warn component=payment flow=process_payment outcome=ignored reason=unrecognized_status payment_id=%s status=%q", report.PaymentID, report.Status)
		return donation, nil
	}
}

func (s *Service) settlePayment(ctx context.Context, donation *domain.Donation, report domain.PaymentReport) (*domain.Donation, error) {
	paidAt := s.now().UTC()
	if report.PaidAt != nil {
		paidAt = report.PaidAt.UTC()
	}

	transitioned, err := s.repo.CompleteDonationPayment(ctx, donation.ID, donation.CampaignID, donation.Amount, paidAt)
	if err != nil {
		return nil, fmt.Errorf("failed to settle payment %s: %w", report.PaymentID, err)
	}
	if !transitioned {
		// Lost the race with a concurrent report for the same payment.
		log.Printf("level=info component=payment flow=process_payment outcome=replay_ignored payment_id=%s donation_id=%s", report.PaymentID, donation.ID)
		return s.repo.FindDonationByID(ctx, donation.ID)
	}

	updated, err := s.repo.FindDonationByID(ctx, donation.ID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=payment flow=process_payment outcome=completed payment_id=%s donation_id=%s campaign_id=%s amount=%s",
		report.PaymentID, donation.ID, donation.CampaignID, donation.Amount)

	s.publishDonationEvent(ctx, routingKeyDonationCompleted, domain.DonationEvent{
		EventID:    uuid.NewString(),
		EventType:  "donation.payment.completed",
		DonationID: donation.ID.String(),
		CampaignID: donation.CampaignID.String(),
		PaymentID:  donation.PaymentID,
		Status:     domain.PaymentStatusCompleted,
		Amount:     donation.Amount.String(),
		OccurredAt: paidAt,
	})
	return updated, nil
}

// ManualApprovePayment marks a PENDING donation as paid without a gateway
// report. Used by admins when a payment verifiably settled out of band. A
// donation that already COMPLETED is returned unchanged.
func (s *Service) ManualApprovePayment(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if donation.PaymentStatus == domain.PaymentStatusCompleted {
		return donation, nil
	}
	if donation.PaymentStatus != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrDonationNotPending, donation.PaymentStatus)
	}

	report := domain.PaymentReport{
		PaymentID: donation.PaymentID,
		Status:    "paid",
		Amount:    donation.Amount,
	}
	updated, err := s.settlePayment(ctx, donation, report)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=payment flow=manual_approve outcome=completed donation_id=%s payment_id=%s", donation.ID, donation.PaymentID)
	return updated, nil
}

// ApprovePaymentByID is the client-trusted immediate approval path invoked
// right after the gateway's client SDK reports success. It enforces ownership
// (unless the donation is anonymous), a creation-time window, and a
// per-caller rate limit. The authoritative signed webhook remains the source
// of truth and replays through ProcessPayment stay harmless.
func (s *Service) ApprovePaymentByID(ctx context.Context, paymentID, gatewayTxID string, callerID *uuid.UUID) (*domain.Donation, error) {
	if s.rateLimiter != nil && s.approvalRateLimit > 0 {
		subject := paymentID
		if callerID != nil {
			subject = callerID.String()
		}
		decision, err := s.rateLimiter.ConsumeRateLimit(ctx, "approval", subject, s.approvalRateLimit, s.approvalRateWindow)
		if err != nil {
			log.Printf("level=warn component=payment flow=approve_by_id msg=\"rate limiter unavailable; allowing\" payment_id=%s err=%v", paymentID, err)
		} else if decision.Exceeded(s.approvalRateLimit) {
			return nil, &RateLimitedError{RetryAfterSeconds: decision.RetryAfterSeconds}
		}
	}

	donation, err := s.repo.FindDonationByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if donation.PaymentStatus == domain.PaymentStatusCompleted {
		return donation, nil
	}
	if donation.PaymentStatus != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrDonationNotPending, donation.PaymentStatus)
	}

	// Ownership: a member donation may only be approved by its donor. An
	// anonymous donation has no identity to check beyond the time window.
	if donation.UserID != nil {
		if callerID == nil || *callerID != *donation.UserID {
			log.Printf("level=warn component=payment flow=approve_by_id outcome=reject reason=ownership payment_id=%s donation_id=%s", paymentID, donation.ID)
			return nil, ErrApprovalNotOwner
		}
	}

	if s.now().Sub(donation.CreatedAt) > s.approvalWindow {
		log.Printf("level=warn component=payment flow=approve_by_id outcome=reject reason=window_expired payment_id=%s created_at=%s", paymentID, donation.CreatedAt)
		return nil, ErrApprovalWindowExpired
	}

	// Verify against the gateway's server-side record before trusting the
	// client's report. A lookup failure only degrades to client trust; the
	// signed webhook still settles the authoritative state later.
	var gatewayPaidAt *time.Time
	if s.gateway != nil {
		info, err := s.gateway.GetPayment(ctx, paymentID)
		switch {
		case err != nil:
			log.Printf("level=warn component=payment flow=approve_by_id msg=\"gateway lookup failed; trusting client report\" payment_id=%s err=%v", paymentID, err)
		case !strings.EqualFold(info.Status, "paid"):
			log.Printf("level=warn component=payment flow=approve_by_id outcome=reject reason=gateway_status payment_id=%s gateway_status=%q", paymentID, info.Status)
			return nil, fmt.Errorf("%w: gateway reports status %s", ErrPaymentNotConfirmed, info.Status)
		case !info.Amount.Equal(donation.Amount):
			log.Printf("level=error component=payment flow=approve_by_id outcome=reject reason=amount_mismatch payment_id=%s expected=%s gateway=%s", paymentID, donation.Amount, info.Amount)
			return nil, fmt.Errorf("%w: expected %s, gateway reports %s", ErrAmountMismatch, donation.Amount, info.Amount)
		default:
			gatewayPaidAt = info.PaidAt
		}
	}

	report := domain.PaymentReport{
		PaymentID:   paymentID,
		GatewayTxID: gatewayTxID,
		Status:      "paid",
		Amount:      donation.Amount,
		PaidAt:      gatewayPaidAt,
	}
	updated, err := s.settlePayment(ctx, donation, report)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=payment flow=approve_by_id outcome=completed donation_id=%s payment_id=%s gateway_tx_id=%s", donation.ID, paymentID, gatewayTxID)
	return updated, nil
}

func (s *Service) publishDonationEvent(ctx context.Context, routingKey string, event domain.DonationEvent) {
	if err := s.eventProducer.PublishDonationEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=payment msg=\"failed to publish donation event\" routing_key=%s donation_id=%s err=%v", routingKey, event.DonationID, err)
	}
}
