/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to campaigns, donations and fraud verification results.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hanachain/donation-service/internal/domain"
)

var (
	ErrCampaignNotFound       = errors.New("campaign not found")
	ErrDonationNotFound       = errors.New("donation not found")
	ErrDuplicatePaymentID     = errors.New("payment id already registered")
	ErrCampaignTotalUnderflow = errors.New("campaign total would go negative")
)

const campaignColumns = `
	id, title, description, beneficiary_address, target_amount, current_amount,
	donor_count, start_at, end_at, status, blockchain_status, blockchain_tx_hash,
	blockchain_campaign_id, contract_address, blockchain_error, blockchain_processed_at,
	created_at, updated_at
`

const donationColumns = `
	id, campaign_id, user_id, donor_name, anonymous, amount, message,
	payment_id, payment_method, payment_status, paid_at, cancelled_at, failure_reason,
	tx_hash, token_type, token_amount, gas_fee, donor_wallet_address,
	fds_action, fds_risk_score, fds_confidence, fds_explanation, fds_status,
	fds_checked_at, fds_detail_json, created_at, updated_at
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Description,
		&c.BeneficiaryAddress,
		&c.TargetAmount,
		&c.CurrentAmount,
		&c.DonorCount,
		&c.StartAt,
		&c.EndAt,
		&c.Status,
		&c.BlockchainStatus,
		&c.BlockchainTxHash,
		&c.BlockchainCampaignID,
		&c.ContractAddress,
		&c.BlockchainError,
		&c.BlockchainProcessedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanDonation(row pgx.Row) (*domain.Donation, error) {
	var d domain.Donation
	err := row.Scan(
		&d.ID,
		&d.CampaignID,
		&d.UserID,
		&d.DonorName,
		&d.Anonymous,
		&d.Amount,
		&d.Message,
		&d.PaymentID,
		&d.PaymentMethod,
		&d.PaymentStatus,
		&d.PaidAt,
		&d.CancelledAt,
		&d.FailureReason,
		&d.TxHash,
		&d.TokenType,
		&d.TokenAmount,
		&d.GasFee,
		&d.DonorWalletAddress,
		&d.FdsAction,
		&d.FdsRiskScore,
		&d.FdsConfidence,
		&d.FdsExplanation,
		&d.FdsStatus,
		&d.FdsCheckedAt,
		&d.FdsDetailJSON,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return &d, nil
}

// FindCampaignByID retrieves a campaign by its primary key.
func (r *PostgresRepository) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(r.db.QueryRow(ctx, query, campaignID))
}

// FindCampaignsByBlockchainStatus lists campaigns in a given blockchain
// lifecycle state, oldest first, used by the reconciliation monitor.
func (r *PostgresRepository) FindCampaignsByBlockchainStatus(ctx context.Context, blockchainStatus string, limit int) ([]domain.Campaign, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE blockchain_status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, blockchainStatus, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// FindActiveCampaignsWithOnChainID lists ACTIVE campaigns that have an
// on-chain identifier assigned, for the full synchronization job.
func (r *PostgresRepository) FindActiveCampaignsWithOnChainID(ctx context.Context, limit int) ([]domain.Campaign, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = $1 AND blockchain_campaign_id IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, domain.CampaignStatusActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// FindExpiredActiveCampaigns lists ACTIVE campaigns whose deadline has passed.
func (r *PostgresRepository) FindExpiredActiveCampaigns(ctx context.Context, asOf time.Time, limit int) ([]domain.Campaign, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = $1 AND end_at < $2
		ORDER BY end_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.CampaignStatusActive, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaignBlockchainState records the outcome of a registration,
// confirmation or reconciliation step. Nil optional fields leave their
// columns untouched, except blockchain_processed_at: every status transition
// stamps it, falling back to NOW() when the caller passed no timestamp.
func (r *PostgresRepository) UpdateCampaignBlockchainState(ctx context.Context, campaignID uuid.UUID, params UpdateCampaignBlockchainStateParams) error {
	query := `
		UPDATE campaigns
		SET blockchain_status = $2,
		    blockchain_tx_hash = COALESCE($3, blockchain_tx_hash),
		    blockchain_campaign_id = COALESCE($4, blockchain_campaign_id),
		    contract_address = COALESCE($5, contract_address),
		    blockchain_error = $6,
		    blockchain_processed_at = COALESCE($7, NOW()),
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, campaignID,
		params.Status, params.TxHash, params.BlockchainCampaignID,
		params.ContractAddress, params.ErrorMessage, params.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// UpdateCampaignStatus changes the campaign lifecycle status.
func (r *PostgresRepository) UpdateCampaignStatus(ctx context.Context, campaignID uuid.UUID, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`,
		campaignID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// UpdateCampaignCurrentAmount overwrites the campaign running total. Used only
// by the full synchronization job when the on-chain total is authoritative.
func (r *PostgresRepository) UpdateCampaignCurrentAmount(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET current_amount = $2, updated_at = NOW() WHERE id = $1`,
		campaignID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// RevertCampaignDonation decrements the campaign aggregate, refusing to drive
// the total below zero and flooring the donor count at zero.
func (r *PostgresRepository) RevertCampaignDonation(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.ErrInvalidDonationAmount
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE campaigns
		SET current_amount = current_amount - $2,
		    donor_count = GREATEST(donor_count - 1, 0),
		    updated_at = NOW()
		WHERE id = $1 AND current_amount >= $2
	`, campaignID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the campaign is missing or the decrement would underflow.
		if _, findErr := r.FindCampaignByID(ctx, campaignID); findErr != nil {
			return findErr
		}
		return ErrCampaignTotalUnderflow
	}
	return nil
}

// CreateDonation inserts a new PENDING donation row. A duplicate payment id
// maps the unique violation to ErrDuplicatePaymentID.
func (r *PostgresRepository) CreateDonation(ctx context.Context, donation *domain.Donation) error {
	query := `
		INSERT INTO donations (
			id, campaign_id, user_id, donor_name, anonymous, amount, message,
			payment_id, payment_method, payment_status, fds_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		donation.ID, donation.CampaignID, donation.UserID, donation.DonorName,
		donation.Anonymous, donation.Amount, donation.Message, donation.PaymentID,
		donation.PaymentMethod, donation.PaymentStatus, donation.FdsStatus)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePaymentID
		}
		return fmt.Errorf("failed to create donation: %w", err)
	}
	return nil
}

// FindDonationByID retrieves a donation by its primary key.
func (r *PostgresRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE id = $1`
	return scanDonation(r.db.QueryRow(ctx, query, donationID))
}

// FindDonationByPaymentID retrieves a donation by its gateway payment id.
func (r *PostgresRepository) FindDonationByPaymentID(ctx context.Context, paymentID string) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE payment_id = $1`
	return scanDonation(r.db.QueryRow(ctx, query, paymentID))
}

// CompleteDonationPayment transitions a PENDING donation to COMPLETED and
// applies the campaign aggregate increment in the same transaction. The
// conditional update makes replayed webhooks a no-op: the aggregate moves
// exactly once per donation.
func (r *PostgresRepository) CompleteDonationPayment(ctx context.Context, donationID uuid.UUID, campaignID uuid.UUID, amount decimal.Decimal, paidAt time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE donations
		SET payment_status = $2, paid_at = $3, updated_at = NOW()
		WHERE id = $1 AND payment_status = $4
	`, donationID, domain.PaymentStatusCompleted, paidAt, domain.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET current_amount = current_amount + $2,
		    donor_count = donor_count + 1,
		    updated_at = NOW()
		WHERE id = $1
	`, campaignID, amount)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrCampaignNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// MarkDonationFailed records a failed payment with its reason. Only a PENDING
// donation can fail; a replay against a settled row changes nothing.
func (r *PostgresRepository) MarkDonationFailed(ctx context.Context, donationID uuid.UUID, reason string) error {
	return r.markDonationTerminal(ctx, donationID, domain.PaymentStatusFailed, reason, domain.PaymentStatusPending)
}

// MarkDonationCancelled records a cancelled payment with its reason. Only a
// PENDING donation can be cancelled.
func (r *PostgresRepository) MarkDonationCancelled(ctx context.Context, donationID uuid.UUID, reason string) error {
	return r.markDonationTerminal(ctx, donationID, domain.PaymentStatusCancelled, reason, domain.PaymentStatusPending)
}

// MarkDonationRefunded records a refunded payment with its reason. Only a
// COMPLETED donation can be refunded.
func (r *PostgresRepository) MarkDonationRefunded(ctx context.Context, donationID uuid.UUID, reason string) error {
	return r.markDonationTerminal(ctx, donationID, domain.PaymentStatusRefunded, reason, domain.PaymentStatusCompleted)
}

// markDonationTerminal transitions a donation into a terminal payment status.
// The transition is conditional on the current status so REFUNDED and
// CANCELLED rows can never be rewritten by a late gateway report. Zero
// affected rows for an existing donation is treated as an ignored replay.
func (r *PostgresRepository) markDonationTerminal(ctx context.Context, donationID uuid.UUID, status, reason string, allowedFrom ...string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE donations
		SET payment_status = $2, failure_reason = $3, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND payment_status = ANY($4)
	`, donationID, status, reason, allowedFrom)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current string
		if err := r.db.QueryRow(ctx, `SELECT payment_status FROM donations WHERE id = $1`, donationID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrDonationNotFound
			}
			return err
		}
		log.Printf("level=warn component=store flow=mark_terminal outcome=skip donation_id=%s current_status=%s requested_status=%s", donationID, current, status)
	}
	return nil
}

// FindStalePendingDonations lists donations stuck in PENDING since before the
// cutoff, for the daily cleanup job.
func (r *PostgresRepository) FindStalePendingDonations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Donation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE payment_status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.PaymentStatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var donations []domain.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, *d)
	}
	return donations, rows.Err()
}

// UpdateDonationFdsResult records a completed fraud verification verdict.
func (r *PostgresRepository) UpdateDonationFdsResult(ctx context.Context, donationID uuid.UUID, action string, riskScore, confidence float64, explanation string, detailJSON string, checkedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE donations
		SET fds_action = $2, fds_risk_score = $3, fds_confidence = $4,
		    fds_explanation = $5, fds_detail_json = $6, fds_checked_at = $7,
		    fds_status = $8, updated_at = NOW()
		WHERE id = $1
	`, donationID, action, riskScore, confidence, explanation, detailJSON,
		checkedAt, domain.FdsStatusCompleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDonationNotFound
	}
	return nil
}

// UpdateDonationFdsStatus records a verification lifecycle change without a
// verdict, used for timeouts and scorer failures.
func (r *PostgresRepository) UpdateDonationFdsStatus(ctx context.Context, donationID uuid.UUID, fdsStatus string, explanation *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE donations
		SET fds_status = $2,
		    fds_explanation = COALESCE($3, fds_explanation),
		    fds_checked_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, donationID, fdsStatus, explanation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDonationNotFound
	}
	return nil
}

// UpdateDonationFdsAction overwrites the fraud verdict, used by the admin
// override flow.
func (r *PostgresRepository) UpdateDonationFdsAction(ctx context.Context, donationID uuid.UUID, action string, explanation string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE donations
		SET fds_action = $2, fds_explanation = $3, fds_checked_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, donationID, action, explanation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDonationNotFound
	}
	return nil
}
