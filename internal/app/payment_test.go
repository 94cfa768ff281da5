package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
	"github.com/hanachain/donation-service/pkg/paymentclient"
)

// recordingPublisher captures published events for assertions. Shared by the
// app package tests.
type recordingPublisher struct {
	donationEvents []string
	campaignEvents []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *recordingPublisher) PublishDonationEvent(ctx context.Context, routingKey string, event domain.DonationEvent) error {
	p.donationEvents = append(p.donationEvents, routingKey)
	return nil
}

func (p *recordingPublisher) PublishCampaignEvent(ctx context.Context, routingKey string, event domain.CampaignEvent) error {
	p.campaignEvents = append(p.campaignEvents, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

type paymentRepoStub struct {
	store.Repository

	donation *domain.Donation

	completeCalled   bool
	completeResult   bool
	completedPaidAt  time.Time
	markFailedCalled bool
	failedReason     string
	markCancelled    bool
	cancelledReason  string
}

func (s *paymentRepoStub) FindDonationByPaymentID(ctx context.Context, paymentID string) (*domain.Donation, error) {
	if s.donation == nil || s.donation.PaymentID != paymentID {
		return nil, store.ErrDonationNotFound
	}
	copied := *s.donation
	return &copied, nil
}

func (s *paymentRepoStub) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	if s.donation == nil || s.donation.ID != donationID {
		return nil, store.ErrDonationNotFound
	}
	copied := *s.donation
	return &copied, nil
}

func (s *paymentRepoStub) CompleteDonationPayment(ctx context.Context, donationID uuid.UUID, campaignID uuid.UUID, amount decimal.Decimal, paidAt time.Time) (bool, error) {
	s.completeCalled = true
	s.completedPaidAt = paidAt
	if s.completeResult {
		s.donation.PaymentStatus = domain.PaymentStatusCompleted
		s.donation.PaidAt = &paidAt
	}
	return s.completeResult, nil
}

func (s *paymentRepoStub) MarkDonationFailed(ctx context.Context, donationID uuid.UUID, reason string) error {
	s.markFailedCalled = true
	s.failedReason = reason
	s.donation.PaymentStatus = domain.PaymentStatusFailed
	return nil
}

func (s *paymentRepoStub) MarkDonationCancelled(ctx context.Context, donationID uuid.UUID, reason string) error {
	s.markCancelled = true
	s.cancelledReason = reason
	s.donation.PaymentStatus = domain.PaymentStatusCancelled
	return nil
}

func pendingDonation(amount string) *domain.Donation {
	return &domain.Donation{
		ID:            uuid.New(),
		CampaignID:    uuid.New(),
		Amount:        decimal.RequireFromString(amount),
		PaymentID:     "merchant_abc",
		PaymentStatus: domain.PaymentStatusPending,
		FdsStatus:     domain.FdsStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

func newPaymentTestService(repo store.Repository, publisher *recordingPublisher) *Service {
	return NewService(ServiceParams{
		Repo:          repo,
		EventProducer: publisher,
	})
}

func TestProcessPayment_CompletesPendingDonation(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: true}
	publisher := &recordingPublisher{}
	service := newPaymentTestService(repo, publisher)

	paidAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updated, err := service.ProcessPayment(context.Background(), domain.PaymentReport{
		PaymentID: "merchant_abc",
		Status:    "paid",
		Amount:    decimal.RequireFromString("50.00"),
		PaidAt:    &paidAt,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.completeCalled {
		t.Fatal("expected settlement transaction to run")
	}
	if !repo.completedPaidAt.Equal(paidAt) {
		t.Fatalf("expected gateway paid-at %s to be recorded, got %s", paidAt, repo.completedPaidAt)
	}
	if updated.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected status COMPLETED, got %s", updated.PaymentStatus)
	}
	if len(publisher.donationEvents) != 1 || publisher.donationEvents[0] != routingKeyDonationCompleted {
		t.Fatalf("expected one %s event, got %v", routingKeyDonationCompleted, publisher.donationEvents)
	}
}

func TestProcessPayment_AmountMismatchRejectsEvenOnReplay(t *testing.T) {
	donation := pendingDonation("50.00")
	donation.PaymentStatus = domain.PaymentStatusCompleted
	repo := &paymentRepoStub{donation: donation}
	service := newPaymentTestService(repo, &recordingPublisher{})

	_, err := service.ProcessPayment(context.Background(), domain.PaymentReport{
		PaymentID: "merchant_abc",
		Status:    "paid",
		Amount:    decimal.RequireFromString("45.00"),
	})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement for a mismatched report")
	}
}

func TestProcessPayment_ReplayOnCompletedDonationIsIgnored(t *testing.T) {
	donation := pendingDonation("50.00")
	donation.PaymentStatus = domain.PaymentStatusCompleted
	repo := &paymentRepoStub{donation: donation}
	publisher := &recordingPublisher{}
	service := newPaymentTestService(repo, publisher)

	updated, err := service.ProcessPayment(context.Background(), domain.PaymentReport{
		PaymentID: "merchant_abc",
		Status:    "paid",
		Amount:    decimal.RequireFromString("50.00"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement transaction on replay")
	}
	if updated.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected status COMPLETED, got %s", updated.PaymentStatus)
	}
	if len(publisher.donationEvents) != 0 {
		t.Fatalf("did not expect events on replay, got %v", publisher.donationEvents)
	}
}

func TestProcessPayment_CancelledReportOnRefundedDonationIsIgnored(t *testing.T) {
	donation := pendingDonation("50.00")
	donation.PaymentStatus = domain.PaymentStatusRefunded
	repo := &paymentRepoStub{donation: donation}
	service := newPaymentTestService(repo, &recordingPublisher{})

	// The gateway echoes our own cancellation back after a refund.
	updated, err := service.ProcessPayment(context.Background(), domain.PaymentReport{
		PaymentID: "merchant_abc",
		Status:    "cancelled",
		Amount:    decimal.RequireFromString("50.00"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.markCancelled {
		t.Fatal("did not expect a refunded donation to be rewritten")
	}
	if updated.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected status REFUNDED, got %s", updated.PaymentStatus)
	}
}

func TestProcessPayment_FailedReportOnCancelledDonationIsIgnored(t *testing.T) {
	donation := pendingDonation("50.00")
	donation.PaymentStatus = domain.PaymentStatusCancelled
	repo := &paymentRepoStub{donation: donation}
	service := newPaymentTestService(repo, &recordingPublisher{})

	updated, err := service.ProcessPayment(context.Background(), domain.PaymentReport{
		PaymentID: "merchant_abc",
		Status:    "failed",
		Amount:    decimal.RequireFromString("50.00"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.markFailedCalled {
		t.Fatal("did not expect a cancelled donation to be rewritten")
	}
	if updated.PaymentStatus != domain.PaymentStatusCancelled {
		t.Fatalf("expected status CANCELLED, got %s", updated.PaymentStatus)
	}
}

func TestProcessPayment_ConcurrentSettlementLosesRaceQuietly(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: false}
	publisher := &recordingPublisher{}
	service := newPaymentTestService(repo, publisher)

	_, err := service.ProcessPayment(context.Background(), domain.PaymentReport{
		PaymentID: "merchant_abc",
		Status:    "paid",
		Amount:    decimal.RequireFromString("50.00"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.completeCalled {
		t.Fatal("expected settlement attempt")
	}
	if len(publisher.donationEvents) != 0 {
		t.Fatalf("did not expect events when the settlement race was lost, got %v", publisher.donationEvents)
	}
}

func TestProcessPayment_FailedStatusMarksDonationFailed(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00")}
	service := newPaymentTestService(repo, &recordingPublisher{})

	updated, err := service.ProcessPayment(context.Background(), domain.PaymentReport{
		PaymentID: "merchant_abc",
		Status:    "failed",
		Amount:    decimal.RequireFromString("50.00"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.markFailedCalled {
		t.Fatal("expected donation to be marked failed")
	}
	if repo.failedReason != "payment failed at gateway" {
		t.Fatalf("expected default failure reason, got %q", repo.failedReason)
	}
	if updated.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected status FAILED, got %s", updated.PaymentStatus)
	}
}

func TestProcessPayment_UnknownStatusLeavesDonationPending(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00")}
	service := newPaymentTestService(repo, &recordingPublisher{})

	updated, err := service.ProcessPayment(context.Background(), domain.PaymentReport{
		PaymentID: "merchant_abc",
		Status:    "ready",
		Amount:    decimal.RequireFromString("50.00"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.completeCalled || repo.markFailedCalled || repo.markCancelled {
		t.Fatal("did not expect any mutation for an unrecognized status")
	}
	if updated.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected status to stay PENDING, got %s", updated.PaymentStatus)
	}
}

func TestManualApprovePayment_RejectsNonPendingDonation(t *testing.T) {
	donation := pendingDonation("50.00")
	donation.PaymentStatus = domain.PaymentStatusRefunded
	repo := &paymentRepoStub{donation: donation}
	service := newPaymentTestService(repo, &recordingPublisher{})

	_, err := service.ManualApprovePayment(context.Background(), donation.ID)
	if !errors.Is(err, ErrDonationNotPending) {
		t.Fatalf("expected ErrDonationNotPending, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement for a refunded donation")
	}
}

func TestManualApprovePayment_CompletedDonationReturnedUnchanged(t *testing.T) {
	donation := pendingDonation("50.00")
	donation.PaymentStatus = domain.PaymentStatusCompleted
	repo := &paymentRepoStub{donation: donation}
	service := newPaymentTestService(repo, &recordingPublisher{})

	updated, err := service.ManualApprovePayment(context.Background(), donation.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement for an already completed donation")
	}
	if updated.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected status COMPLETED, got %s", updated.PaymentStatus)
	}
}

func TestApprovePaymentByID_RejectsForeignCaller(t *testing.T) {
	owner := uuid.New()
	donation := pendingDonation("50.00")
	donation.UserID = &owner
	repo := &paymentRepoStub{donation: donation, completeResult: true}
	service := newPaymentTestService(repo, &recordingPublisher{})

	stranger := uuid.New()
	_, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", &stranger)
	if !errors.Is(err, ErrApprovalNotOwner) {
		t.Fatalf("expected ErrApprovalNotOwner, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement for a foreign caller")
	}
}

func TestApprovePaymentByID_AnonymousDonationSkipsOwnershipCheck(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: true}
	service := newPaymentTestService(repo, &recordingPublisher{})

	updated, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected status COMPLETED, got %s", updated.PaymentStatus)
	}
}

func TestApprovePaymentByID_RejectsExpiredWindow(t *testing.T) {
	donation := pendingDonation("50.00")
	donation.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	repo := &paymentRepoStub{donation: donation, completeResult: true}
	service := newPaymentTestService(repo, &recordingPublisher{})

	_, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", nil)
	if !errors.Is(err, ErrApprovalWindowExpired) {
		t.Fatalf("expected ErrApprovalWindowExpired, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement outside the approval window")
	}
}

type countingRateLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *countingRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	return RateLimitDecision{Count: l.count, RetryAfterSeconds: l.retryAfter}, l.err
}

func TestApprovePaymentByID_RateLimited(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: true}
	service := NewService(ServiceParams{
		Repo:              repo,
		EventProducer:     &recordingPublisher{},
		RateLimiter:       &countingRateLimiter{count: 31, retryAfter: 42},
		ApprovalRateLimit: 30,
	})

	_, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", nil)
	var rateLimited *RateLimitedError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rateLimited.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry-after 42, got %d", rateLimited.RetryAfterSeconds)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement for a rate limited caller")
	}
}

func TestApprovePaymentByID_LimiterOutageAllowsApproval(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: true}
	service := NewService(ServiceParams{
		Repo:              repo,
		EventProducer:     &recordingPublisher{},
		RateLimiter:       &countingRateLimiter{err: errors.New("redis unavailable")},
		ApprovalRateLimit: 30,
	})

	updated, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected status COMPLETED, got %s", updated.PaymentStatus)
	}
}

func TestRateLimitDecisionExceeded(t *testing.T) {
	if (RateLimitDecision{Count: 30}).Exceeded(30) {
		t.Fatal("a count at the limit is not exceeded")
	}
	if !(RateLimitDecision{Count: 31}).Exceeded(30) {
		t.Fatal("a count past the limit is exceeded")
	}
	if (RateLimitDecision{Count: 100}).Exceeded(0) {
		t.Fatal("a zero limit disables limiting")
	}
}

func TestApprovePaymentByID_GatewayConfirmsAndSuppliesPaidAt(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: true}
	paidAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gateway := &gatewayStub{payment: &paymentclient.PaymentInfo{
		PaymentID: "merchant_abc",
		Status:    "paid",
		Amount:    decimal.RequireFromString("50.00"),
		PaidAt:    &paidAt,
	}}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	updated, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected status COMPLETED, got %s", updated.PaymentStatus)
	}
	if !repo.completedPaidAt.Equal(paidAt) {
		t.Fatalf("expected the gateway paid-at %s to be recorded, got %s", paidAt, repo.completedPaidAt)
	}
}

func TestApprovePaymentByID_GatewayUnpaidRejects(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: true}
	gateway := &gatewayStub{payment: &paymentclient.PaymentInfo{
		PaymentID: "merchant_abc",
		Status:    "ready",
		Amount:    decimal.RequireFromString("50.00"),
	}}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	_, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", nil)
	if !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected ErrPaymentNotConfirmed, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement for an unconfirmed payment")
	}
}

func TestApprovePaymentByID_GatewayAmountMismatchRejects(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: true}
	gateway := &gatewayStub{payment: &paymentclient.PaymentInfo{
		PaymentID: "merchant_abc",
		Status:    "paid",
		Amount:    decimal.RequireFromString("45.00"),
	}}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	_, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", nil)
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement for a mismatched gateway amount")
	}
}

func TestApprovePaymentByID_GatewayOutageFallsBackToClientTrust(t *testing.T) {
	repo := &paymentRepoStub{donation: pendingDonation("50.00"), completeResult: true}
	gateway := &gatewayStub{lookupErr: errors.New("gateway unreachable")}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	updated, err := service.ApprovePaymentByID(context.Background(), "merchant_abc", "imp_123", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected status COMPLETED, got %s", updated.PaymentStatus)
	}
}
