/**
 * @description
 * This file contains the core business logic wiring for the donation-service.
 * The `Service` struct orchestrates campaign blockchain registration, donation
 * payment processing, fraud verification and refunds, coordinating between the
 * database repository, the blockchain adapter, the payment gateway, the fraud
 * scorer and the message broker.
 *
 * Key features:
 * - Narrow client interfaces so tests can substitute fakes for the adapter,
 *   the gateway and the scorer.
 * - Amount conversion between platform decimals and scaled on-chain units.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, log, time: Standard Go libraries.
 * - github.com/shopspring/decimal: For exact monetary amounts.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/chainclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanachain/donation-service/internal/store"
	"github.com/hanachain/donation-service/pkg/chainclient"
	"github.com/hanachain/donation-service/pkg/fdsclient"
	"github.com/hanachain/donation-service/pkg/paymentclient"
	"github.com/hanachain/donation-service/pkg/rabbitmq"
)

var (
	ErrCampaignNotAcceptingDonations = errors.New("campaign is not accepting donations")
	ErrAmountMismatch                = errors.New("reported amount does not match donation amount")
	ErrDonationNotPending            = errors.New("donation is not pending")
	ErrDonationNotCompleted          = errors.New("donation is not completed")
	ErrGatewayCancelFailed           = errors.New("payment gateway refused the cancellation")
	ErrApprovalWindowExpired         = errors.New("payment approval window has expired")
	ErrPaymentNotConfirmed           = errors.New("gateway has not confirmed the payment")
	ErrApprovalNotOwner              = errors.New("payment belongs to a different donor")
	ErrOverrideNotAllowed            = errors.New("fraud verdict can no longer be overridden")
	ErrMissingBeneficiary            = errors.New("campaign has no beneficiary address")
)

// ChainClient is the subset of the blockchain adapter used by the service.
type ChainClient interface {
	SubmitCampaignCreation(ctx context.Context, beneficiary string, goalUnits, durationSecs int64) (string, error)
	SubmitFinalization(ctx context.Context, campaignID int64) (string, error)
	AwaitTransaction(ctx context.Context, txHash string, timeout time.Duration) (*chainclient.Receipt, error)
	GetTransactionStatus(ctx context.Context, txHash string) (*chainclient.TxStatus, error)
	GetCampaignSnapshot(ctx context.Context, campaignID int64) (*chainclient.CampaignSnapshot, error)
}

// PaymentGateway is the subset of the payment gateway API used by the service.
type PaymentGateway interface {
	CancelPayment(ctx context.Context, paymentID, reason string, amount *decimal.Decimal) (bool, error)
	GetPayment(ctx context.Context, paymentID string) (*paymentclient.PaymentInfo, error)
}

// FraudScorer is the subset of the fraud detection API used by the service.
type FraudScorer interface {
	Score(ctx context.Context, request fdsclient.ScoreRequest) (*fdsclient.Prediction, error)
}

// RateLimiter bounds abuse of the client-trusted approval endpoint. A nil
// limiter disables rate limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error)
}

// Service provides the core business logic for donations and campaign
// blockchain reconciliation.
type Service struct {
	repo          store.Repository
	chainClient   ChainClient
	gateway       PaymentGateway
	fraudScorer   FraudScorer
	eventProducer rabbitmq.Publisher
	rateLimiter   RateLimiter

	tokenDecimals         int
	materialityThreshold  decimal.Decimal
	confirmationTimeout   time.Duration
	registrationRetryWait time.Duration
	fdsTimeout            time.Duration
	approvalWindow        time.Duration
	approvalRateLimit     int
	approvalRateWindow    time.Duration
	fullSyncInterval      time.Duration

	// lastFullSyncUnix guards the hourly full sync with a compare-and-swap so
	// overlapping scheduler ticks run at most one sync per interval.
	lastFullSyncUnix atomic.Int64

	// now is swapped out in tests.
	now func() time.Time
}

// ServiceParams bundles the dependencies and tuning knobs for NewService.
type ServiceParams struct {
	Repo          store.Repository
	ChainClient   ChainClient
	Gateway       PaymentGateway
	FraudScorer   FraudScorer
	EventProducer rabbitmq.Publisher
	RateLimiter   RateLimiter

	TokenDecimals         int
	MaterialityThreshold  decimal.Decimal
	ConfirmationTimeout   time.Duration
	RegistrationRetryWait time.Duration
	FdsTimeout            time.Duration
	ApprovalWindow        time.Duration
	ApprovalRateLimit     int
	ApprovalRateWindow    time.Duration
	FullSyncInterval      time.Duration
}

// NewService creates a new donation service instance.
func NewService(params ServiceParams) *Service {
	s := &Service{
		repo:          params.Repo,
		chainClient:   params.ChainClient,
		gateway:       params.Gateway,
		fraudScorer:   params.FraudScorer,
		eventProducer: params.EventProducer,
		rateLimiter:   params.RateLimiter,

		tokenDecimals:         params.TokenDecimals,
		materialityThreshold:  params.MaterialityThreshold,
		confirmationTimeout:   params.ConfirmationTimeout,
		registrationRetryWait: params.RegistrationRetryWait,
		fdsTimeout:            params.FdsTimeout,
		approvalWindow:        params.ApprovalWindow,
		approvalRateLimit:     params.ApprovalRateLimit,
		approvalRateWindow:    params.ApprovalRateWindow,
		fullSyncInterval:      params.FullSyncInterval,

		now: time.Now,
	}
	if s.eventProducer == nil {
		s.eventProducer = &rabbitmq.EventProducerFallback{}
	}
	if s.tokenDecimals <= 0 {
		s.tokenDecimals = 6
	}
	if s.materialityThreshold.LessThanOrEqual(decimal.Zero) {
		s.materialityThreshold = decimal.NewFromInt(1)
	}
	if s.confirmationTimeout <= 0 {
		s.confirmationTimeout = 300 * time.Second
	}
	if s.registrationRetryWait <= 0 {
		s.registrationRetryWait = 30 * time.Second
	}
	if s.fdsTimeout <= 0 {
		s.fdsTimeout = 3 * time.Second
	}
	if s.approvalWindow <= 0 {
		s.approvalWindow = 60 * time.Minute
	}
	if s.approvalRateWindow <= 0 {
		s.approvalRateWindow = time.Minute
	}
	if s.fullSyncInterval <= 0 {
		s.fullSyncInterval = time.Hour
	}
	return s
}

// toChainUnits converts a platform decimal amount into scaled on-chain token
// units, truncating toward zero. 10.5 at 6 decimals becomes 10_500_000.
func (s *Service) toChainUnits(amount decimal.Decimal) int64 {
	return amount.Shift(int32(s.tokenDecimals)).IntPart()
}

// fromChainUnits converts scaled on-chain token units back into a platform
// decimal amount, rounded half-up to two decimal places.
func (s *Service) fromChainUnits(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Shift(-int32(s.tokenDecimals)).Round(2)
}
