/**
 * @description
 * This file implements campaign blockchain registration: submitting the
 * creation transaction, classifying submission failures, the single delayed
 * retry for transient failures, the synchronous backoff retry loop used by
 * batch tooling, and the confirmation monitor that waits for the transaction
 * to land and activates the campaign.
 *
 * Submission and confirmation both run in goroutines so API callers get an
 * immediate answer; the periodic reconciliation monitor is the safety net for
 * anything lost to a crash in between.
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

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
)

// Blockchain error classes assigned to failed registrations.
const (
	chainErrorNetwork             = "network"
	chainErrorGas                 = "gas"
	chainErrorInsufficientBalance = "insufficient-balance"
	chainErrorContractRevert      = "contract-revert"
	chainErrorAddress             = "address"
	chainErrorUnknown             = "unknown"
)

// Routing keys for campaign lifecycle events.
const (
	routingKeyCampaignActive = "campaign.blockchain.active"
	routingKeyCampaignFailed = "campaign.blockchain.failed"
)

// RegisterCampaign starts blockchain registration for a campaign. It is
// idempotent: a campaign already PROCESSING or ACTIVE on-chain is left alone.
// The adapter call runs asynchronously; the returned error only covers the
// pre-flight checks and the transition to PENDING.
func (s *Service) RegisterCampaign(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign for registration: %w", err)
	}

	switch campaign.BlockchainStatus {
	case domain.BlockchainStatusProcessing, domain.BlockchainStatusActive:
		log.Printf("level=info component=registrar flow=register outcome=skip campaign_id=%s blockchain_status=%s", campaignID, campaign.BlockchainStatus)
		return nil
	}

	processedAt := s.now().UTC()

	if strings.TrimSpace(campaign.BeneficiaryAddress) == "" {
		msg := "beneficiary wallet address is not set"
		if err := s.repo.UpdateCampaignBlockchainState(ctx, campaignID, store.UpdateCampaignBlockchainStateParams{
			Status:       domain.BlockchainStatusFailed,
			ErrorMessage: &msg,
			ProcessedAt:  &processedAt,
		}); err != nil {
			return err
		}
		log.Printf("level=warn component=registrar flow=register outcome=reject reason=missing_beneficiary campaign_id=%s", campaignID)
		return ErrMissingBeneficiary
	}

	if err := s.repo.UpdateCampaignBlockchainState(ctx, campaignID, store.UpdateCampaignBlockchainStateParams{
		Status:      domain.BlockchainStatusPending,
		ProcessedAt: &processedAt,
	}); err != nil {
		return fmt.Errorf("failed to mark campaign pending: %w", err)
	}

	goalUnits := s.toChainUnits(campaign.TargetAmount)
	durationSecs := int64(campaign.EndAt.Sub(s.now()).Seconds())
	if durationSecs < 1 {
		durationSecs = 1
	}
	beneficiary := strings.TrimSpace(campaign.BeneficiaryAddress)

	log.Printf("level=info component=registrar flow=register outcome=submitting campaign_id=%s goal_units=%d duration_secs=%d", campaignID, goalUnits, durationSecs)

	go func() {
		submitCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		txHash, submitErr := s.chainClient.SubmitCampaignCreation(submitCtx, beneficiary, goalUnits, durationSecs)
		s.HandleRegistrationResult(campaignID, txHash, submitErr)
	}()

	return nil
}

// HandleRegistrationResult records the outcome of a registration submission.
// It always re-fetches the campaign by id so a stale in-memory copy can never
// clobber newer state written while the submission was in flight.
func (s *Service) HandleRegistrationResult(campaignID uuid.UUID, txHash string, submitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil && errors.Is(err, store.ErrCampaignNotFound) {
		// The row may not be visible yet if the caller's transaction raced us.
		time.Sleep(100 * time.Millisecond)
		campaign, err = s.repo.FindCampaignByID(ctx, campaignID)
	}
	if err != nil {
		log.Printf("level=error component=registrar flow=registration_result msg=\"failed to re-fetch campaign\" campaign_id=%s err=%v", campaignID, err)
		return
	}

	if submitErr != nil {
		s.handleRegistrationFailure(ctx, campaign.ID, submitErr)
		return
	}

	processedAt := s.now().UTC()
	if err := s.repo.UpdateCampaignBlockchainState(ctx, campaign.ID, store.UpdateCampaignBlockchainStateParams{
		Status:      domain.BlockchainStatusProcessing,
		TxHash:      &txHash,
		ProcessedAt: &processedAt,
	}); err != nil {
		log.Printf("level=error component=registrar flow=registration_result msg=\"failed to mark campaign processing\" campaign_id=%s tx_hash=%s err=%v", campaign.ID, txHash, err)
		return
	}
	log.Printf("level=info component=registrar flow=registration_result outcome=processing campaign_id=%s tx_hash=%s", campaign.ID, txHash)

	go s.awaitConfirmation(campaign.ID, txHash)
}

func (s *Service) handleRegistrationFailure(ctx context.Context, campaignID uuid.UUID, submitErr error) {
	class, transient := classifyChainError(submitErr)
	msg := fmt.Sprintf("%s: %v", class, submitErr)
	processedAt := s.now().UTC()

	if err := s.repo.UpdateCampaignBlockchainState(ctx, campaignID, store.UpdateCampaignBlockchainStateParams{
		Status:       domain.BlockchainStatusFailed,
		ErrorMessage: &msg,
		ProcessedAt:  &processedAt,
	}); err != nil {
		log.Printf("level=error component=registrar flow=registration_result msg=\"failed to mark campaign failed\" campaign_id=%s err=%v", campaignID, err)
		return
	}
	log.Printf("level=warn component=registrar flow=registration_result outcome=failed campaign_id=%s class=%s transient=%t err=%v", campaignID, class, transient, submitErr)

	s.publishCampaignEvent(ctx, routingKeyCampaignFailed, domain.CampaignEvent{
		EventID:          uuid.NewString(),
		EventType:        "campaign.registration.failed",
		CampaignID:       campaignID.String(),
		BlockchainStatus: domain.BlockchainStatusFailed,
		Reason:           msg,
		OccurredAt:       s.now().UTC(),
	})

	if !transient {
		return
	}

	// One delayed retry for transient failures. The still-FAILED check keeps
	// it from stomping on an operator who already re-registered manually.
	time.AfterFunc(s.registrationRetryWait, func() {
		retryCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		current, err := s.repo.FindCampaignByID(retryCtx, campaignID)
		if err != nil {
			log.Printf("level=warn component=registrar flow=delayed_retry msg=\"failed to re-fetch campaign\" campaign_id=%s err=%v", campaignID, err)
			return
		}
		if current.BlockchainStatus != domain.BlockchainStatusFailed {
			log.Printf("level=info component=registrar flow=delayed_retry outcome=skip campaign_id=%s blockchain_status=%s", campaignID, current.BlockchainStatus)
			return
		}
		log.Printf("level=info component=registrar flow=delayed_retry outcome=retrying campaign_id=%s", campaignID)
		if err := s.RegisterCampaign(retryCtx, campaignID); err != nil {
			log.Printf("level=warn component=registrar flow=delayed_retry msg=\"retry submission failed\" campaign_id=%s err=%v", campaignID, err)
		}
	})
}

// RetryRegistrationWithBackoff retries registration synchronously up to
// maxAttempts times, sleeping attempt*2s before each retry. It returns the
// last pre-flight error once the attempts are exhausted.
func (s *Service) RetryRegistrationWithBackoff(ctx context.Context, campaignID uuid.UUID, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt) * 2 * time.Second
			log.Printf("level=info component=registrar flow=backoff_retry campaign_id=%s attempt=%d wait=%s", campaignID, attempt, wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = s.RegisterCampaign(ctx, campaignID)
		if lastErr == nil {
			return nil
		}
		// A missing beneficiary will not fix itself between attempts.
		if errors.Is(lastErr, ErrMissingBeneficiary) {
			return lastErr
		}
	}
	return fmt.Errorf("registration failed after %d attempts: %w", maxAttempts, lastErr)
}

// awaitConfirmation blocks until the registration transaction confirms or the
// configured timeout elapses, then transitions the campaign accordingly.
func (s *Service) awaitConfirmation(campaignID uuid.UUID, txHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.confirmationTimeout+30*time.Second)
	defer cancel()

	receipt, err := s.chainClient.AwaitTransaction(ctx, txHash, s.confirmationTimeout)

	campaign, fetchErr := s.repo.FindCampaignByID(ctx, campaignID)
	if fetchErr != nil {
		log.Printf("level=error component=registrar flow=confirmation msg=\"failed to re-fetch campaign\" campaign_id=%s tx_hash=%s err=%v", campaignID, txHash, fetchErr)
		return
	}
	if campaign.BlockchainStatus != domain.BlockchainStatusProcessing {
		log.Printf("level=info component=registrar flow=confirmation outcome=skip campaign_id=%s blockchain_status=%s", campaignID, campaign.BlockchainStatus)
		return
	}

	if err != nil {
		msg := fmt.Sprintf("confirmation failed: %v", err)
		failedAt := s.now().UTC()
		if updateErr := s.repo.UpdateCampaignBlockchainState(ctx, campaignID, store.UpdateCampaignBlockchainStateParams{
			Status:       domain.BlockchainStatusFailed,
			ErrorMessage: &msg,
			ProcessedAt:  &failedAt,
		}); updateErr != nil {
			log.Printf("level=error component=registrar flow=confirmation msg=\"failed to mark campaign failed\" campaign_id=%s err=%v", campaignID, updateErr)
			return
		}
		log.Printf("level=warn component=registrar flow=confirmation outcome=failed campaign_id=%s tx_hash=%s err=%v", campaignID, txHash, err)
		return
	}

	if !receipt.Successful {
		msg := "transaction execution failed"
		if receipt.ErrorMessage != nil && *receipt.ErrorMessage != "" {
			msg = *receipt.ErrorMessage
		}
		failedAt := s.now().UTC()
		if updateErr := s.repo.UpdateCampaignBlockchainState(ctx, campaignID, store.UpdateCampaignBlockchainStateParams{
			Status:       domain.BlockchainStatusFailed,
			ErrorMessage: &msg,
			ProcessedAt:  &failedAt,
		}); updateErr != nil {
			log.Printf("level=error component=registrar flow=confirmation msg=\"failed to mark campaign failed\" campaign_id=%s err=%v", campaignID, updateErr)
			return
		}
		log.Printf("level=warn component=registrar flow=confirmation outcome=reverted campaign_id=%s tx_hash=%s reason=%q", campaignID, txHash, msg)
		return
	}

	processedAt := s.now().UTC()
	if updateErr := s.repo.UpdateCampaignBlockchainState(ctx, campaignID, store.UpdateCampaignBlockchainStateParams{
		Status:               domain.BlockchainStatusActive,
		BlockchainCampaignID: receipt.CampaignID,
		ContractAddress:      receipt.ContractAddress,
		ProcessedAt:          &processedAt,
	}); updateErr != nil {
		log.Printf("level=error component=registrar flow=confirmation msg=\"failed to mark campaign active\" campaign_id=%s err=%v", campaignID, updateErr)
		return
	}
	log.Printf("level=info component=registrar flow=confirmation outcome=active campaign_id=%s tx_hash=%s on_chain_id=%v", campaignID, txHash, receipt.CampaignID)

	s.publishCampaignEvent(ctx, routingKeyCampaignActive, domain.CampaignEvent{
		EventID:              uuid.NewString(),
		EventType:            "campaign.registration.active",
		CampaignID:           campaignID.String(),
		BlockchainStatus:     domain.BlockchainStatusActive,
		BlockchainCampaignID: receipt.CampaignID,
		TxHash:               txHash,
		OccurredAt:           processedAt,
	})
}

// FinalizeCampaign submits the on-chain finalization transaction for a
// campaign past its deadline and watches its confirmation.
func (s *Service) FinalizeCampaign(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if !campaign.HasOnChainIdentity() {
		return fmt.Errorf("campaign %s has no on-chain identity to finalize", campaignID)
	}

	onChainID := *campaign.BlockchainCampaignID
	go func() {
		submitCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		txHash, submitErr := s.chainClient.SubmitFinalization(submitCtx, onChainID)
		if submitErr != nil {
			class, _ := classifyChainError(submitErr)
			log.Printf("level=warn component=registrar flow=finalize outcome=failed campaign_id=%s class=%s err=%v", campaignID, class, submitErr)
			return
		}
		log.Printf("level=info component=registrar flow=finalize outcome=submitted campaign_id=%s tx_hash=%s", campaignID, txHash)

		receipt, waitErr := s.chainClient.AwaitTransaction(submitCtx, txHash, s.confirmationTimeout)
		if waitErr != nil || !receipt.Successful {
			log.Printf("level=warn component=registrar flow=finalize outcome=unconfirmed campaign_id=%s tx_hash=%s err=%v", campaignID, txHash, waitErr)
			return
		}
		// The full sync job flips the campaign to COMPLETED once the snapshot
		// reports it finalized.
		log.Printf("level=info component=registrar flow=finalize outcome=confirmed campaign_id=%s tx_hash=%s", campaignID, txHash)
	}()
	return nil
}

// classifyChainError maps an adapter error onto a coarse failure class and
// reports whether the failure is transient enough to retry automatically.
func classifyChainError(err error) (class string, transient bool) {
	if err == nil {
		return chainErrorUnknown, false
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient balance"):
		return chainErrorInsufficientBalance, false
	case strings.Contains(msg, "gas"):
		// An out-of-gas submission fails identically on resubmission, so the
		// class is diagnostic only.
		return chainErrorGas, false
	case strings.Contains(msg, "revert"), strings.Contains(msg, "execution failed"):
		return chainErrorContractRevert, false
	case strings.Contains(msg, "invalid address"), strings.Contains(msg, "bad address"), strings.Contains(msg, "checksum"):
		return chainErrorAddress, false
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection"), strings.Contains(msg, "network"),
		strings.Contains(msg, "refused"), strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "eof"):
		return chainErrorNetwork, true
	default:
		return chainErrorUnknown, false
	}
}

func (s *Service) publishCampaignEvent(ctx context.Context, routingKey string, event domain.CampaignEvent) {
	if err := s.eventProducer.PublishCampaignEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=registrar msg=\"failed to publish campaign event\" routing_key=%s campaign_id=%s err=%v", routingKey, event.CampaignID, err)
	}
}
