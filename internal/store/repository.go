/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the donation-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - github.com/shopspring/decimal: For exact monetary amounts.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hanachain/donation-service/internal/domain"
)

// UpdateCampaignBlockchainStateParams carries the blockchain lifecycle fields
// updated together when a registration or confirmation outcome is recorded.
// Nil pointers leave the corresponding column untouched; ProcessedAt is the
// exception and is stamped with the write time when nil.
type UpdateCampaignBlockchainStateParams struct {
	Status               string
	TxHash               *string
	BlockchainCampaignID *int64
	ContractAddress      *string
	ErrorMessage         *string
	ProcessedAt          *time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Campaign methods
	FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error)
	FindCampaignsByBlockchainStatus(ctx context.Context, blockchainStatus string, limit int) ([]domain.Campaign, error)
	FindActiveCampaignsWithOnChainID(ctx context.Context, limit int) ([]domain.Campaign, error)
	FindExpiredActiveCampaigns(ctx context.Context, asOf time.Time, limit int) ([]domain.Campaign, error)
	UpdateCampaignBlockchainState(ctx context.Context, campaignID uuid.UUID, params UpdateCampaignBlockchainStateParams) error
	UpdateCampaignStatus(ctx context.Context, campaignID uuid.UUID, status string) error
	UpdateCampaignCurrentAmount(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal) error
	// RevertCampaignDonation mutates the campaign aggregate with a single
	// conditional statement so concurrent refund processing cannot interleave
	// partial updates. The forward increment rides inside
	// CompleteDonationPayment's transaction.
	RevertCampaignDonation(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal) error

	// Donation methods
	CreateDonation(ctx context.Context, donation *domain.Donation) error
	FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)
	FindDonationByPaymentID(ctx context.Context, paymentID string) (*domain.Donation, error)
	// CompleteDonationPayment transitions a PENDING donation to COMPLETED and
	// applies the campaign aggregate increment in one transaction. It returns
	// false when the donation was not PENDING, in which case nothing changed.
	CompleteDonationPayment(ctx context.Context, donationID uuid.UUID, campaignID uuid.UUID, amount decimal.Decimal, paidAt time.Time) (bool, error)
	MarkDonationFailed(ctx context.Context, donationID uuid.UUID, reason string) error
	MarkDonationCancelled(ctx context.Context, donationID uuid.UUID, reason string) error
	MarkDonationRefunded(ctx context.Context, donationID uuid.UUID, reason string) error
	FindStalePendingDonations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Donation, error)

	// Fraud verification methods
	UpdateDonationFdsResult(ctx context.Context, donationID uuid.UUID, action string, riskScore, confidence float64, explanation string, detailJSON string, checkedAt time.Time) error
	UpdateDonationFdsStatus(ctx context.Context, donationID uuid.UUID, fdsStatus string, explanation *string) error
	UpdateDonationFdsAction(ctx context.Context, donationID uuid.UUID, action string, explanation string) error
}
