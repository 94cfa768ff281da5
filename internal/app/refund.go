/**
 * @description
 * This file implements refunds and admin fraud-verdict overrides. A refund is
 * strictly ordered: the gateway cancellation must succeed before any local
 * state changes, then the campaign aggregate is reverted, then the donation is
 * marked REFUNDED. Overrides respect a one-way APPROVE ratchet and never touch
 * donations already REFUNDED or CANCELLED.
 *
 * @dependencies
 * - context, errors, fmt, log: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
)

// RefundDonation reverses a COMPLETED donation. The gateway cancel is the
// commit point: if it is refused or unreachable, nothing is mutated locally
// and the donation stays COMPLETED.
func (s *Service) RefundDonation(ctx context.Context, donationID uuid.UUID, reason string) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if donation.PaymentStatus != domain.PaymentStatusCompleted {
		return nil, fmt.Errorf("%w: status is %s", ErrDonationNotCompleted, donation.PaymentStatus)
	}

	if reason == "" {
		reason = "refund requested"
	}

	ok, err := s.gateway.CancelPayment(ctx, donation.PaymentID, reason, &donation.Amount)
	if err != nil {
		log.Printf("level=error component=refund flow=refund outcome=abort reason=gateway_error donation_id=%s payment_id=%s err=%v", donation.ID, donation.PaymentID, err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayCancelFailed, err)
	}
	if !ok {
		log.Printf("level=warn component=refund flow=refund outcome=abort reason=gateway_refused donation_id=%s payment_id=%s", donation.ID, donation.PaymentID)
		return nil, ErrGatewayCancelFailed
	}

	// Money has moved at the gateway; from here every local step must be
	// driven to completion. Aggregate underflow is tolerated rather than
	// leaving the refund half-applied.
	if err := s.repo.RevertCampaignDonation(ctx, donation.CampaignID, donation.Amount); err != nil {
		if errors.Is(err, store.ErrCampaignTotalUnderflow) {
			log.Printf("level=error component=refund flow=refund msg=\"campaign total below refund amount; flooring\" donation_id=%s campaign_id=%s amount=%s", donation.ID, donation.CampaignID, donation.Amount)
		} else {
			log.Printf("level=error component=refund flow=refund msg=\"CRITICAL: gateway cancelled but aggregate revert failed\" donation_id=%s campaign_id=%s err=%v", donation.ID, donation.CampaignID, err)
			return nil, fmt.Errorf("gateway cancelled but aggregate revert failed: %w", err)
		}
	}

	if err := s.repo.MarkDonationRefunded(ctx, donation.ID, reason); err != nil {
		log.Printf("level=error component=refund flow=refund msg=\"CRITICAL: gateway cancelled but refund status write failed\" donation_id=%s err=%v", donation.ID, err)
		return nil, fmt.Errorf("gateway cancelled but refund status write failed: %w", err)
	}

	updated, err := s.repo.FindDonationByID(ctx, donation.ID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=refund flow=refund outcome=refunded donation_id=%s payment_id=%s amount=%s reason=%q", donation.ID, donation.PaymentID, donation.Amount, reason)

	s.publishDonationEvent(ctx, routingKeyDonationRefunded, domain.DonationEvent{
		EventID:    uuid.NewString(),
		EventType:  "donation.refunded",
		DonationID: donation.ID.String(),
		CampaignID: donation.CampaignID.String(),
		PaymentID:  donation.PaymentID,
		Status:     domain.PaymentStatusRefunded,
		Amount:     donation.Amount.String(),
		Reason:     reason,
		OccurredAt: s.now().UTC(),
	})
	return updated, nil
}

// OverrideFdsResult lets an admin replace a fraud verdict. APPROVE is a
// one-way ratchet; REFUNDED and CANCELLED donations are immutable. A BLOCK
// override on a COMPLETED donation performs the full refund sequence.
func (s *Service) OverrideFdsResult(ctx context.Context, donationID uuid.UUID, req domain.FdsOverrideRequest, adminID uuid.UUID) (*domain.Donation, error) {
	action := strings.ToUpper(strings.TrimSpace(req.Action))
	if action != domain.FdsActionApprove && action != domain.FdsActionBlock && action != domain.FdsActionManualReview {
		return nil, fmt.Errorf("unsupported override action %q", req.Action)
	}

	donation, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return nil, err
	}

	if donation.IsTerminal() {
		log.Printf("level=warn component=refund flow=fds_override outcome=reject reason=terminal_payment donation_id=%s status=%s admin_id=%s", donation.ID, donation.PaymentStatus, adminID)
		return nil, fmt.Errorf("%w: payment is %s", ErrOverrideNotAllowed, donation.PaymentStatus)
	}
	if donation.FdsAction != nil && *donation.FdsAction == domain.FdsActionApprove {
		log.Printf("level=warn component=refund flow=fds_override outcome=reject reason=approve_ratchet donation_id=%s admin_id=%s", donation.ID, adminID)
		return nil, fmt.Errorf("%w: verdict already APPROVE", ErrOverrideNotAllowed)
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin override"
	}
	explanation := fmt.Sprintf("admin override to %s: %s", action, reason)

	switch action {
	case domain.FdsActionApprove:
		// APPROVE is only meaningful while the payment can still settle.
		if donation.PaymentStatus == domain.PaymentStatusCompleted {
			return nil, fmt.Errorf("%w: payment already completed", ErrOverrideNotAllowed)
		}
		if err := s.repo.UpdateDonationFdsAction(ctx, donation.ID, action, explanation); err != nil {
			return nil, err
		}

	case domain.FdsActionManualReview:
		if err := s.repo.UpdateDonationFdsAction(ctx, donation.ID, action, explanation); err != nil {
			return nil, err
		}

	case domain.FdsActionBlock:
		switch donation.PaymentStatus {
		case domain.PaymentStatusCompleted:
			// The money already moved; blocking means refunding it.
			if _, err := s.RefundDonation(ctx, donation.ID, explanation); err != nil {
				return nil, err
			}
			if err := s.repo.UpdateDonationFdsAction(ctx, donation.ID, action, explanation); err != nil {
				return nil, err
			}
		case domain.PaymentStatusPending:
			if err := s.repo.MarkDonationCancelled(ctx, donation.ID, explanation); err != nil {
				return nil, err
			}
			if err := s.repo.UpdateDonationFdsAction(ctx, donation.ID, action, explanation); err != nil {
				return nil, err
			}
		default:
			// FAILED payments need no money movement; record the verdict only.
			if err := s.repo.UpdateDonationFdsAction(ctx, donation.ID, action, explanation); err != nil {
				return nil, err
			}
		}
	}

	updated, err := s.repo.FindDonationByID(ctx, donation.ID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=refund flow=fds_override outcome=applied donation_id=%s action=%s admin_id=%s payment_status=%s", donation.ID, action, adminID, updated.PaymentStatus)
	return updated, nil
}
