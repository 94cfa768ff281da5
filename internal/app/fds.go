/**
 * @description
 * This file implements the asynchronous fraud verification pipeline. Every new
 * donation is scored in the background under a hard deadline so a slow or
 * down scorer can never delay payment processing. The verdict, the Q-values
 * and a fixed-width snapshot of the feature vector are persisted for audit;
 * high-risk verdicts are surfaced to operators, never auto-reversed.
 *
 * @dependencies
 * - context, encoding/json, errors, log, time: Standard Go libraries.
 * - internal/domain: For domain models.
 * - pkg/fdsclient: The fraud scorer client.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/pkg/fdsclient"
)

// expectedFeatureCount is the fixed width of the persisted feature snapshot.
// The model contract is 17 features; anything else is padded or truncated so
// downstream analytics can rely on the shape.
const expectedFeatureCount = 17

// highRiskScoreThreshold marks verdicts surfaced to operators even when the
// model did not choose BLOCK outright.
const highRiskScoreThreshold = 0.7

const routingKeyFraudAlert = "fraud.alert"

// anonymousUserSentinel is sent to the scorer in place of a user id for
// anonymous donations.
const anonymousUserSentinel = int64(-1)

// fdsDetail is the persisted JSON snapshot of a completed verification.
type fdsDetail struct {
	Action         string    `json:"action"`
	RiskScore      float64   `json:"risk_score"`
	Confidence     float64   `json:"confidence"`
	Explanation    string    `json:"explanation"`
	Features       []float64 `json:"features"`
	QValues        qValues   `json:"q_values"`
	ModelTimestamp string    `json:"model_timestamp"`
}

type qValues struct {
	Approve      float64 `json:"approve"`
	ManualReview float64 `json:"manual_review"`
	Block        float64 `json:"block"`
}

// VerifyDonationAsync scores a donation in the background. Intended to be
// launched as a goroutine from donation creation; it is also the entry point
// the consumer uses when re-driving verification.
func (s *Service) VerifyDonationAsync(donation domain.Donation) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fdsTimeout)
	defer cancel()

	request := fdsclient.ScoreRequest{
		Amount:     donation.Amount.InexactFloat64(),
		CampaignID: donation.CampaignID.String(),
		UserID:     anonymousUserSentinel,
	}
	if donation.UserID != nil {
		// The scorer keys its history on a stable numeric id derived from the
		// member uuid.
		request.UserID = int64(donation.UserID.ID())
	}
	if donation.PaymentMethod != nil {
		request.PayMethod = *donation.PaymentMethod
	}

	prediction, err := s.fraudScorer.Score(ctx, request)

	// Persist against a fresh context: the scoring deadline must not cancel
	// the bookkeeping write.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()

	// Re-fetch before mutating so a donation deleted or refunded mid-flight
	// is not resurrected.
	if _, fetchErr := s.repo.FindDonationByID(persistCtx, donation.ID); fetchErr != nil {
		log.Printf("level=warn component=fds flow=verify msg=\"donation vanished before verdict persisted\" donation_id=%s err=%v", donation.ID, fetchErr)
		return
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			msg := fmt.Sprintf("verification timed out after %s", s.fdsTimeout)
			if updateErr := s.repo.UpdateDonationFdsStatus(persistCtx, donation.ID, domain.FdsStatusTimeout, &msg); updateErr != nil {
				log.Printf("level=error component=fds flow=verify msg=\"failed to record timeout\" donation_id=%s err=%v", donation.ID, updateErr)
			}
			log.Printf("level=warn component=fds flow=verify outcome=timeout donation_id=%s timeout=%s", donation.ID, s.fdsTimeout)
			return
		}
		msg := err.Error()
		if updateErr := s.repo.UpdateDonationFdsStatus(persistCtx, donation.ID, domain.FdsStatusFailed, &msg); updateErr != nil {
			log.Printf("level=error component=fds flow=verify msg=\"failed to record failure\" donation_id=%s err=%v", donation.ID, updateErr)
		}
		log.Printf("level=warn component=fds flow=verify outcome=failed donation_id=%s err=%v", donation.ID, err)
		return
	}

	detailJSON := s.buildFdsDetail(donation.ID, prediction)
	checkedAt := s.now().UTC()
	if updateErr := s.repo.UpdateDonationFdsResult(persistCtx, donation.ID,
		prediction.Action, prediction.RiskScore, prediction.Confidence,
		prediction.Explanation, detailJSON, checkedAt); updateErr != nil {
		log.Printf("level=error component=fds flow=verify msg=\"failed to persist verdict\" donation_id=%s err=%v", donation.ID, updateErr)
		return
	}
	log.Printf("level=info component=fds flow=verify outcome=completed donation_id=%s action=%s risk_score=%.3f confidence=%.3f",
		donation.ID, prediction.Action, prediction.RiskScore, prediction.Confidence)

	if prediction.Action == domain.FdsActionBlock || prediction.RiskScore >= highRiskScoreThreshold {
		log.Printf("level=warn component=fds flow=verify outcome=high_risk donation_id=%s campaign_id=%s action=%s risk_score=%.3f",
			donation.ID, donation.CampaignID, prediction.Action, prediction.RiskScore)
		s.publishDonationEvent(persistCtx, routingKeyFraudAlert, domain.DonationEvent{
			EventID:    uuid.NewString(),
			EventType:  "donation.fraud.alert",
			DonationID: donation.ID.String(),
			CampaignID: donation.CampaignID.String(),
			PaymentID:  donation.PaymentID,
			Status:     donation.PaymentStatus,
			Amount:     donation.Amount.String(),
			FdsAction:  prediction.Action,
			RiskScore:  prediction.RiskScore,
			OccurredAt: checkedAt,
		})
	}
}

// buildFdsDetail serializes the verdict with a fixed-width feature snapshot.
func (s *Service) buildFdsDetail(donationID uuid.UUID, prediction *fdsclient.Prediction) string {
	features := normalizeFeatures(donationID, prediction.Features)
	detail := fdsDetail{
		Action:      prediction.Action,
		RiskScore:   prediction.RiskScore,
		Confidence:  prediction.Confidence,
		Explanation: prediction.Explanation,
		Features:    features,
		QValues: qValues{
			Approve:      prediction.QValues.Approve,
			ManualReview: prediction.QValues.ManualReview,
			Block:        prediction.QValues.Block,
		},
		ModelTimestamp: prediction.Timestamp,
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		log.Printf("level=error component=fds flow=verify msg=\"failed to marshal detail snapshot\" donation_id=%s err=%v", donationID, err)
		return "{}"
	}
	return string(raw)
}

// normalizeFeatures forces the feature vector to the expected width, zero
// padding short vectors and truncating long ones.
func normalizeFeatures(donationID uuid.UUID, features []float64) []float64 {
	normalized := make([]float64, expectedFeatureCount)
	copy(normalized, features)
	if len(features) < expectedFeatureCount {
		log.Printf("level=warn component=fds flow=verify msg=\"feature vector shorter than expected; zero padding\" donation_id=%s got=%d want=%d", donationID, len(features), expectedFeatureCount)
	} else if len(features) > expectedFeatureCount {
		log.Printf("level=warn component=fds flow=verify msg=\"feature vector longer than expected; truncating\" donation_id=%s got=%d want=%d", donationID, len(features), expectedFeatureCount)
	}
	return normalized
}

// FdsDetail is the parsed audit view returned to admins.
type FdsDetail struct {
	Status         string    `json:"status"`
	Action         *string   `json:"action,omitempty"`
	RiskScore      *float64  `json:"risk_score,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Explanation    *string   `json:"explanation,omitempty"`
	Features       []float64 `json:"features,omitempty"`
	QValues        *qValues  `json:"q_values,omitempty"`
	ModelTimestamp string    `json:"model_timestamp,omitempty"`
}

// GetFdsDetail returns the persisted verification detail for a donation. A
// verification still pending, timed out or failed yields only the status.
func (s *Service) GetFdsDetail(ctx context.Context, donationID uuid.UUID) (*FdsDetail, error) {
	donation, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return nil, err
	}

	result := &FdsDetail{Status: donation.FdsStatus}
	if donation.FdsStatus != domain.FdsStatusCompleted || donation.FdsDetailJSON == nil {
		return result, nil
	}

	var detail fdsDetail
	if err := json.Unmarshal([]byte(*donation.FdsDetailJSON), &detail); err != nil {
		return nil, fmt.Errorf("failed to parse stored fds detail for %s: %w", donationID, err)
	}
	result.Action = &detail.Action
	result.RiskScore = &detail.RiskScore
	result.Confidence = &detail.Confidence
	result.Explanation = &detail.Explanation
	result.Features = detail.Features
	result.QValues = &detail.QValues
	result.ModelTimestamp = detail.ModelTimestamp
	return result, nil
}
