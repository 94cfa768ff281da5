/**
 * @description
 * This file implements the periodic reconciliation jobs that keep the
 * database and the chain in agreement:
 *
 *   - MonitorProcessingCampaigns re-checks in-flight registration
 *     transactions and settles campaigns whose confirmation watcher was lost
 *     to a restart.
 *   - SynchronizeActiveCampaigns compares every active campaign against its
 *     on-chain snapshot, adopting the chain total when the drift is material
 *     and completing campaigns the chain reports finalized.
 *   - CleanupStalePendingDonations expires donations the gateway never
 *     settled.
 *   - CompleteExpiredCampaigns submits finalization for campaigns past their
 *     deadline.
 *
 * Every job isolates per-item failures: one bad campaign never starves the
 * rest of the batch.
 *
 * @dependencies
 * - context, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
)

// MonitorResult summarizes one run of the processing-campaign monitor.
type MonitorResult struct {
	Examined  int
	Activated int
	Failed    int
	Pending   int
	Errors    int
}

// SyncResult summarizes one run of the active-campaign full sync.
type SyncResult struct {
	Examined  int
	Adjusted  int
	Completed int
	Skipped   int
	Errors    int
}

// MonitorProcessingCampaigns polls the transaction status of every campaign
// stuck in PROCESSING and settles the ones whose transaction has confirmed.
func (s *Service) MonitorProcessingCampaigns(ctx context.Context) (MonitorResult, error) {
	var result MonitorResult

	campaigns, err := s.repo.FindCampaignsByBlockchainStatus(ctx, domain.BlockchainStatusProcessing, 200)
	if err != nil {
		return result, fmt.Errorf("failed to list processing campaigns: %w", err)
	}

	for i := range campaigns {
		campaign := campaigns[i]
		result.Examined++

		if campaign.BlockchainTxHash == nil || *campaign.BlockchainTxHash == "" {
			log.Printf("level=warn component=reconciler flow=monitor msg=\"processing campaign has no tx hash\" campaign_id=%s", campaign.ID)
			result.Errors++
			continue
		}
		txHash := *campaign.BlockchainTxHash

		status, err := s.chainClient.GetTransactionStatus(ctx, txHash)
		if err != nil {
			log.Printf("level=warn component=reconciler flow=monitor msg=\"status lookup failed\" campaign_id=%s tx_hash=%s err=%v", campaign.ID, txHash, err)
			result.Errors++
			continue
		}
		if !status.Confirmed {
			result.Pending++
			continue
		}

		if status.Successful {
			if err := s.activateConfirmedCampaign(ctx, campaign, txHash); err != nil {
				log.Printf("level=error component=reconciler flow=monitor msg=\"failed to activate campaign\" campaign_id=%s err=%v", campaign.ID, err)
				result.Errors++
				continue
			}
			result.Activated++
			continue
		}

		msg := "transaction execution failed"
		if status.ErrorMessage != nil && *status.ErrorMessage != "" {
			msg = *status.ErrorMessage
		}
		failedAt := s.now().UTC()
		if err := s.repo.UpdateCampaignBlockchainState(ctx, campaign.ID, store.UpdateCampaignBlockchainStateParams{
			Status:       domain.BlockchainStatusFailed,
			ErrorMessage: &msg,
			ProcessedAt:  &failedAt,
		}); err != nil {
			log.Printf("level=error component=reconciler flow=monitor msg=\"failed to mark campaign failed\" campaign_id=%s err=%v", campaign.ID, err)
			result.Errors++
			continue
		}
		log.Printf("level=warn component=reconciler flow=monitor outcome=failed campaign_id=%s tx_hash=%s reason=%q", campaign.ID, txHash, msg)
		result.Failed++
	}

	log.Printf("level=info component=reconciler flow=monitor examined=%d activated=%d failed=%d pending=%d errors=%d",
		result.Examined, result.Activated, result.Failed, result.Pending, result.Errors)
	return result, nil
}

func (s *Service) activateConfirmedCampaign(ctx context.Context, campaign domain.Campaign, txHash string) error {
	params := store.UpdateCampaignBlockchainStateParams{
		Status: domain.BlockchainStatusActive,
	}
	processedAt := s.now().UTC()
	params.ProcessedAt = &processedAt

	// Backfill the on-chain identity from the receipt when the original
	// confirmation watcher never got to record it.
	if campaign.BlockchainCampaignID == nil {
		receipt, err := s.chainClient.AwaitTransaction(ctx, txHash, 10*time.Second)
		if err == nil && receipt.Successful {
			params.BlockchainCampaignID = receipt.CampaignID
			params.ContractAddress = receipt.ContractAddress
		} else if err != nil {
			log.Printf("level=warn component=reconciler flow=monitor msg=\"receipt lookup failed; activating without on-chain id\" campaign_id=%s err=%v", campaign.ID, err)
		}
	}

	if err := s.repo.UpdateCampaignBlockchainState(ctx, campaign.ID, params); err != nil {
		return err
	}
	log.Printf("level=info component=reconciler flow=monitor outcome=activated campaign_id=%s tx_hash=%s", campaign.ID, txHash)
	return nil
}

// SynchronizeActiveCampaigns reconciles every ACTIVE campaign with its
// on-chain snapshot. A compare-and-swap on the last-run timestamp admits at
// most one full sync per configured interval even when scheduler ticks
// overlap or multiple instances share the work.
func (s *Service) SynchronizeActiveCampaigns(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	nowUnix := s.now().Unix()
	last := s.lastFullSyncUnix.Load()
	if last != 0 && nowUnix-last < int64(s.fullSyncInterval.Seconds()) {
		log.Printf("level=info component=reconciler flow=full_sync outcome=skip reason=interval_guard last_run_unix=%d", last)
		return result, nil
	}
	if !s.lastFullSyncUnix.CompareAndSwap(last, nowUnix) {
		log.Printf("level=info component=reconciler flow=full_sync outcome=skip reason=lost_cas")
		return result, nil
	}

	campaigns, err := s.repo.FindActiveCampaignsWithOnChainID(ctx, 1000)
	if err != nil {
		return result, fmt.Errorf("failed to list active campaigns: %w", err)
	}

	for i := range campaigns {
		campaign := campaigns[i]
		result.Examined++
		if err := s.syncCampaignWithChain(ctx, campaign, &result); err != nil {
			// Per-campaign isolation: log and keep going.
			log.Printf("level=warn component=reconciler flow=full_sync msg=\"campaign sync failed\" campaign_id=%s err=%v", campaign.ID, err)
			result.Errors++
		}
	}

	log.Printf("level=info component=reconciler flow=full_sync examined=%d adjusted=%d completed=%d skipped=%d errors=%d",
		result.Examined, result.Adjusted, result.Completed, result.Skipped, result.Errors)
	return result, nil
}

func (s *Service) syncCampaignWithChain(ctx context.Context, campaign domain.Campaign, result *SyncResult) error {
	snapshot, err := s.chainClient.GetCampaignSnapshot(ctx, *campaign.BlockchainCampaignID)
	if err != nil {
		return fmt.Errorf("snapshot lookup failed: %w", err)
	}
	if !snapshot.Exists {
		log.Printf("level=warn component=reconciler flow=full_sync msg=\"campaign missing on-chain\" campaign_id=%s on_chain_id=%d", campaign.ID, *campaign.BlockchainCampaignID)
		result.Skipped++
		return nil
	}

	chainAmount := s.fromChainUnits(snapshot.TotalRaised)
	drift := chainAmount.Sub(campaign.CurrentAmount).Abs()
	if drift.GreaterThanOrEqual(s.materialityThreshold) {
		if err := s.repo.UpdateCampaignCurrentAmount(ctx, campaign.ID, chainAmount); err != nil {
			return fmt.Errorf("amount adjustment failed: %w", err)
		}
		log.Printf("level=warn component=reconciler flow=full_sync outcome=adjusted campaign_id=%s db_amount=%s chain_amount=%s drift=%s",
			campaign.ID, campaign.CurrentAmount, chainAmount, drift)
		result.Adjusted++
	}

	// Goal and deadline live in the database; a mismatch is an anomaly worth
	// flagging but never overwritten from the chain.
	goal := s.fromChainUnits(snapshot.GoalAmount)
	if !goal.Equal(campaign.TargetAmount.Round(2)) {
		log.Printf("level=warn component=reconciler flow=full_sync msg=\"goal mismatch\" campaign_id=%s db_goal=%s chain_goal=%s", campaign.ID, campaign.TargetAmount, goal)
	}
	if snapshot.Deadline > 0 {
		chainDeadline := time.Unix(snapshot.Deadline, 0).UTC()
		if dbDeadline := campaign.EndAt.UTC().Truncate(time.Second); !dbDeadline.Equal(chainDeadline) {
			log.Printf("level=warn component=reconciler flow=full_sync msg=\"deadline mismatch\" campaign_id=%s db_deadline=%s chain_deadline=%s", campaign.ID, dbDeadline, chainDeadline)
		}
	}

	if snapshot.Finalized && campaign.Status == domain.CampaignStatusActive {
		if err := s.repo.UpdateCampaignStatus(ctx, campaign.ID, domain.CampaignStatusCompleted); err != nil {
			return fmt.Errorf("completion update failed: %w", err)
		}
		log.Printf("level=info component=reconciler flow=full_sync outcome=completed campaign_id=%s", campaign.ID)
		result.Completed++
	}
	return nil
}

// CleanupStalePendingDonations fails donations the gateway never settled
// within the cleanup window.
func (s *Service) CleanupStalePendingDonations(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	donations, err := s.repo.FindStalePendingDonations(ctx, cutoff, 1000)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending donations: %w", err)
	}

	cleaned := 0
	for i := range donations {
		donation := donations[i]
		if err := s.repo.MarkDonationFailed(ctx, donation.ID, "payment timeout"); err != nil {
			log.Printf("level=warn component=reconciler flow=cleanup msg=\"failed to expire donation\" donation_id=%s err=%v", donation.ID, err)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		log.Printf("level=info component=reconciler flow=cleanup expired=%d cutoff=%s", cleaned, cutoff.UTC().Format(time.RFC3339))
	}
	return cleaned, nil
}

// CompleteExpiredCampaigns submits on-chain finalization for ACTIVE campaigns
// past their deadline. The full sync flips them to COMPLETED once the chain
// confirms the finalization.
func (s *Service) CompleteExpiredCampaigns(ctx context.Context) (int, error) {
	campaigns, err := s.repo.FindExpiredActiveCampaigns(ctx, s.now(), 200)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired campaigns: %w", err)
	}

	submitted := 0
	for i := range campaigns {
		campaign := campaigns[i]
		if !campaign.HasOnChainIdentity() {
			// Never registered on-chain; complete it locally.
			if err := s.repo.UpdateCampaignStatus(ctx, campaign.ID, domain.CampaignStatusCompleted); err != nil {
				log.Printf("level=warn component=reconciler flow=expiry msg=\"failed to complete off-chain campaign\" campaign_id=%s err=%v", campaign.ID, err)
			}
			continue
		}
		if err := s.FinalizeCampaign(ctx, campaign.ID); err != nil {
			log.Printf("level=warn component=reconciler flow=expiry msg=\"finalization submit failed\" campaign_id=%s err=%v", campaign.ID, err)
			continue
		}
		submitted++
	}
	if submitted > 0 {
		log.Printf("level=info component=reconciler flow=expiry finalizations_submitted=%d", submitted)
	}
	return submitted, nil
}
