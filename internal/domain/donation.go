/**
 * @description
 * This file defines the donation model and the payloads exchanged with the
 * payment gateway and the fraud detection system. A donation is keyed by the
 * gateway payment ID for idempotent webhook processing, and carries the fraud
 * verification verdict alongside the payment state.
 *
 * @dependencies
 * - github.com/google/uuid: For donation and campaign identifiers.
 * - github.com/shopspring/decimal: For exact monetary amounts.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment statuses for a donation.
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"
	PaymentStatusRefunded  = "REFUNDED"
)

// Fraud verification lifecycle statuses.
const (
	FdsStatusPending   = "PENDING"
	FdsStatusCompleted = "COMPLETED"
	FdsStatusTimeout   = "TIMEOUT"
	FdsStatusFailed    = "FAILED"
)

// Fraud verdict actions.
const (
	FdsActionApprove      = "APPROVE"
	FdsActionManualReview = "MANUAL_REVIEW"
	FdsActionBlock        = "BLOCK"
)

// Donation represents a single donation and its payment, blockchain echo and
// fraud verification state. UserID is nil for anonymous donations.
type Donation struct {
	ID            uuid.UUID       `json:"id"`
	CampaignID    uuid.UUID       `json:"campaign_id"`
	UserID        *uuid.UUID      `json:"user_id,omitempty"`
	DonorName     string          `json:"donor_name"`
	Anonymous     bool            `json:"anonymous"`
	Amount        decimal.Decimal `json:"amount"`
	Message       *string         `json:"message,omitempty"`
	PaymentID     string          `json:"payment_id"`
	PaymentMethod *string         `json:"payment_method,omitempty"`
	PaymentStatus string          `json:"payment_status"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`

	// Blockchain echo fields, populated when the donation is mirrored on-chain.
	TxHash             *string          `json:"tx_hash,omitempty"`
	TokenType          *string          `json:"token_type,omitempty"`
	TokenAmount        *decimal.Decimal `json:"token_amount,omitempty"`
	GasFee             *decimal.Decimal `json:"gas_fee,omitempty"`
	DonorWalletAddress *string          `json:"donor_wallet_address,omitempty"`

	FdsAction      *string    `json:"fds_action,omitempty"`
	FdsRiskScore   *float64   `json:"fds_risk_score,omitempty"`
	FdsConfidence  *float64   `json:"fds_confidence,omitempty"`
	FdsExplanation *string    `json:"fds_explanation,omitempty"`
	FdsStatus      string     `json:"fds_status"`
	FdsCheckedAt   *time.Time `json:"fds_checked_at,omitempty"`
	FdsDetailJSON  *string    `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the payment has reached a state that must never
// be transitioned again by webhook or override processing.
func (d *Donation) IsTerminal() bool {
	return d.PaymentStatus == PaymentStatusRefunded || d.PaymentStatus == PaymentStatusCancelled
}

// CreateDonationRequest is the payload for creating a new donation.
type CreateDonationRequest struct {
	CampaignID    uuid.UUID       `json:"campaign_id"`
	Amount        decimal.Decimal `json:"amount"`
	DonorName     string          `json:"donor_name"`
	Anonymous     bool            `json:"anonymous"`
	Message       *string         `json:"message,omitempty"`
	PaymentID     string          `json:"payment_id"`
	PaymentMethod *string         `json:"payment_method,omitempty"`
}

// PaymentReport is a gateway-confirmed view of a payment, delivered either by
// the signed webhook or by the gateway's message queue bridge.
type PaymentReport struct {
	PaymentID    string          `json:"merchantUid"`
	GatewayTxID  string          `json:"impUid"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	PayMethod    string          `json:"payMethod,omitempty"`
	PaidAt       *time.Time      `json:"paidAt,omitempty"`
	FailureCause string          `json:"failureCause,omitempty"`
}

// FdsOverrideRequest is the admin payload for overriding a fraud verdict.
type FdsOverrideRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}
