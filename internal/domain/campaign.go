/**
 * @description
 * This file defines the core data models for campaigns within the donation-service.
 * A campaign carries both the fundraising state (target, running total, donor count)
 * and the blockchain registration lifecycle state used by the registrar and the
 * reconciliation jobs.
 *
 * @dependencies
 * - github.com/google/uuid: For campaign identifiers.
 * - github.com/shopspring/decimal: For exact monetary amounts.
 */

package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Campaign lifecycle statuses.
const (
	CampaignStatusDraft           = "DRAFT"
	CampaignStatusPendingApproval = "PENDING_APPROVAL"
	CampaignStatusActive          = "ACTIVE"
	CampaignStatusPaused          = "PAUSED"
	CampaignStatusCompleted       = "COMPLETED"
	CampaignStatusCancelled       = "CANCELLED"
)

// Blockchain registration statuses for a campaign. NONE means registration has
// never been attempted, PENDING that a submission is being prepared, PROCESSING
// that a transaction is in flight, ACTIVE that the campaign is live on-chain.
const (
	BlockchainStatusNone       = "NONE"
	BlockchainStatusPending    = "PENDING"
	BlockchainStatusProcessing = "PROCESSING"
	BlockchainStatusActive     = "ACTIVE"
	BlockchainStatusFailed     = "FAILED"
)

var (
	// ErrInvalidDonationAmount is returned when an aggregate mutation is asked
	// to apply a zero or negative amount.
	ErrInvalidDonationAmount = errors.New("donation amount must be positive")
	// ErrDonationExceedsTotal is returned when cancelling a donation would drive
	// the campaign total below zero.
	ErrDonationExceedsTotal = errors.New("cancel amount exceeds campaign total")
)

// Campaign represents a fundraising campaign and its blockchain mirror state.
type Campaign struct {
	ID                    uuid.UUID       `json:"id"`
	Title                 string          `json:"title"`
	Description           string          `json:"description,omitempty"`
	BeneficiaryAddress    string          `json:"beneficiary_address"`
	TargetAmount          decimal.Decimal `json:"target_amount"`
	CurrentAmount         decimal.Decimal `json:"current_amount"`
	DonorCount            int             `json:"donor_count"`
	StartAt               time.Time       `json:"start_at"`
	EndAt                 time.Time       `json:"end_at"`
	Status                string          `json:"status"`
	BlockchainStatus      string          `json:"blockchain_status"`
	BlockchainTxHash      *string         `json:"blockchain_tx_hash,omitempty"`
	BlockchainCampaignID  *int64          `json:"blockchain_campaign_id,omitempty"`
	ContractAddress       *string         `json:"contract_address,omitempty"`
	BlockchainError       *string         `json:"blockchain_error,omitempty"`
	BlockchainProcessedAt *time.Time      `json:"blockchain_processed_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// AddDonation records a completed donation against the campaign aggregate.
// The amount must be strictly positive; recording never decreases the total.
func (c *Campaign) AddDonation(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidDonationAmount
	}
	c.CurrentAmount = c.CurrentAmount.Add(amount)
	c.DonorCount++
	return nil
}

// CancelDonation reverses a previously recorded donation. The amount must be
// strictly positive and must not exceed the current total. The donor count is
// floored at zero.
func (c *Campaign) CancelDonation(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidDonationAmount
	}
	if amount.GreaterThan(c.CurrentAmount) {
		return ErrDonationExceedsTotal
	}
	c.CurrentAmount = c.CurrentAmount.Sub(amount)
	if c.DonorCount > 0 {
		c.DonorCount--
	}
	return nil
}

// IsAcceptingDonations reports whether new donations may be created.
func (c *Campaign) IsAcceptingDonations() bool {
	return c.Status == CampaignStatusActive
}

// HasOnChainIdentity reports whether the campaign is addressable on-chain.
func (c *Campaign) HasOnChainIdentity() bool {
	return c.BlockchainCampaignID != nil
}
