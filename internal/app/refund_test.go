package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
	"github.com/hanachain/donation-service/pkg/paymentclient"
)

type refundRepoStub struct {
	store.Repository

	donation *domain.Donation

	revertCalled     bool
	revertErr        error
	markRefunded     bool
	refundReason     string
	markCancelled    bool
	fdsActionCalled  bool
	updatedFdsAction string
}

func (s *refundRepoStub) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	if s.donation == nil || s.donation.ID != donationID {
		return nil, store.ErrDonationNotFound
	}
	copied := *s.donation
	return &copied, nil
}

func (s *refundRepoStub) RevertCampaignDonation(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal) error {
	s.revertCalled = true
	return s.revertErr
}

func (s *refundRepoStub) MarkDonationRefunded(ctx context.Context, donationID uuid.UUID, reason string) error {
	s.markRefunded = true
	s.refundReason = reason
	s.donation.PaymentStatus = domain.PaymentStatusRefunded
	return nil
}

func (s *refundRepoStub) MarkDonationCancelled(ctx context.Context, donationID uuid.UUID, reason string) error {
	s.markCancelled = true
	s.donation.PaymentStatus = domain.PaymentStatusCancelled
	return nil
}

func (s *refundRepoStub) UpdateDonationFdsAction(ctx context.Context, donationID uuid.UUID, action string, explanation string) error {
	s.fdsActionCalled = true
	s.updatedFdsAction = action
	s.donation.FdsAction = &action
	return nil
}

type gatewayStub struct {
	cancelOK     bool
	cancelErr    error
	cancelCalled bool
	cancelReason string

	payment   *paymentclient.PaymentInfo
	lookupErr error
}

func (g *gatewayStub) CancelPayment(ctx context.Context, paymentID, reason string, amount *decimal.Decimal) (bool, error) {
	g.cancelCalled = true
	g.cancelReason = reason
	return g.cancelOK, g.cancelErr
}

func (g *gatewayStub) GetPayment(ctx context.Context, paymentID string) (*paymentclient.PaymentInfo, error) {
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	if g.payment == nil {
		return nil, errors.New("payment not found at gateway")
	}
	return g.payment, nil
}

func completedDonation() *domain.Donation {
	return &domain.Donation{
		ID:            uuid.New(),
		CampaignID:    uuid.New(),
		Amount:        decimal.RequireFromString("75.00"),
		PaymentID:     "merchant_refund",
		PaymentStatus: domain.PaymentStatusCompleted,
		FdsStatus:     domain.FdsStatusCompleted,
	}
}

func TestRefundDonation_HappyPath(t *testing.T) {
	repo := &refundRepoStub{donation: completedDonation()}
	gateway := &gatewayStub{cancelOK: true}
	publisher := &recordingPublisher{}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: publisher})

	updated, err := service.RefundDonation(context.Background(), repo.donation.ID, "donor request")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !gateway.cancelCalled {
		t.Fatal("expected gateway cancellation")
	}
	if !repo.revertCalled {
		t.Fatal("expected campaign aggregate revert")
	}
	if !repo.markRefunded {
		t.Fatal("expected donation to be marked refunded")
	}
	if updated.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected status REFUNDED, got %s", updated.PaymentStatus)
	}
	if len(publisher.donationEvents) != 1 || publisher.donationEvents[0] != routingKeyDonationRefunded {
		t.Fatalf("expected one %s event, got %v", routingKeyDonationRefunded, publisher.donationEvents)
	}
}

func TestRefundDonation_GatewayRefusalLeavesStateUntouched(t *testing.T) {
	repo := &refundRepoStub{donation: completedDonation()}
	gateway := &gatewayStub{cancelOK: false}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	_, err := service.RefundDonation(context.Background(), repo.donation.ID, "donor request")
	if !errors.Is(err, ErrGatewayCancelFailed) {
		t.Fatalf("expected ErrGatewayCancelFailed, got %v", err)
	}
	if repo.revertCalled || repo.markRefunded {
		t.Fatal("did not expect any local mutation after gateway refusal")
	}
	if repo.donation.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected donation to stay COMPLETED, got %s", repo.donation.PaymentStatus)
	}
}

func TestRefundDonation_GatewayErrorLeavesStateUntouched(t *testing.T) {
	repo := &refundRepoStub{donation: completedDonation()}
	gateway := &gatewayStub{cancelErr: errors.New("gateway unreachable")}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	_, err := service.RefundDonation(context.Background(), repo.donation.ID, "donor request")
	if !errors.Is(err, ErrGatewayCancelFailed) {
		t.Fatalf("expected ErrGatewayCancelFailed, got %v", err)
	}
	if repo.revertCalled || repo.markRefunded {
		t.Fatal("did not expect any local mutation after gateway error")
	}
}

func TestRefundDonation_AggregateUnderflowStillRefunds(t *testing.T) {
	repo := &refundRepoStub{donation: completedDonation(), revertErr: store.ErrCampaignTotalUnderflow}
	gateway := &gatewayStub{cancelOK: true}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	updated, err := service.RefundDonation(context.Background(), repo.donation.ID, "donor request")
	if err != nil {
		t.Fatalf("expected underflow to be tolerated, got %v", err)
	}
	if !repo.markRefunded {
		t.Fatal("expected donation to be marked refunded despite underflow")
	}
	if updated.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected status REFUNDED, got %s", updated.PaymentStatus)
	}
}

func TestRefundDonation_RejectsNonCompletedDonation(t *testing.T) {
	donation := completedDonation()
	donation.PaymentStatus = domain.PaymentStatusPending
	repo := &refundRepoStub{donation: donation}
	gateway := &gatewayStub{cancelOK: true}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	_, err := service.RefundDonation(context.Background(), donation.ID, "donor request")
	if !errors.Is(err, ErrDonationNotCompleted) {
		t.Fatalf("expected ErrDonationNotCompleted, got %v", err)
	}
	if gateway.cancelCalled {
		t.Fatal("did not expect gateway call for a pending donation")
	}
}

func TestOverrideFdsResult_BlockOnCompletedRefundsAndRecordsVerdict(t *testing.T) {
	repo := &refundRepoStub{donation: completedDonation()}
	gateway := &gatewayStub{cancelOK: true}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	updated, err := service.OverrideFdsResult(context.Background(), repo.donation.ID,
		domain.FdsOverrideRequest{Action: "BLOCK", Reason: "confirmed fraud"}, uuid.New())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !gateway.cancelCalled {
		t.Fatal("expected blocking a completed donation to refund it")
	}
	if !repo.fdsActionCalled || repo.updatedFdsAction != domain.FdsActionBlock {
		t.Fatalf("expected verdict BLOCK to be recorded, got %q", repo.updatedFdsAction)
	}
	if updated.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected status REFUNDED, got %s", updated.PaymentStatus)
	}
}

func TestOverrideFdsResult_BlockOnPendingCancels(t *testing.T) {
	donation := completedDonation()
	donation.PaymentStatus = domain.PaymentStatusPending
	repo := &refundRepoStub{donation: donation}
	gateway := &gatewayStub{cancelOK: true}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	updated, err := service.OverrideFdsResult(context.Background(), donation.ID,
		domain.FdsOverrideRequest{Action: "BLOCK", Reason: "confirmed fraud"}, uuid.New())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gateway.cancelCalled {
		t.Fatal("did not expect a gateway call for a pending donation")
	}
	if !repo.markCancelled {
		t.Fatal("expected donation to be cancelled")
	}
	if updated.PaymentStatus != domain.PaymentStatusCancelled {
		t.Fatalf("expected status CANCELLED, got %s", updated.PaymentStatus)
	}
}

func TestOverrideFdsResult_ApproveRatchetRejectsSecondOverride(t *testing.T) {
	donation := completedDonation()
	donation.PaymentStatus = domain.PaymentStatusPending
	approve := domain.FdsActionApprove
	donation.FdsAction = &approve
	repo := &refundRepoStub{donation: donation}
	service := NewService(ServiceParams{Repo: repo, Gateway: &gatewayStub{}, EventProducer: &recordingPublisher{}})

	_, err := service.OverrideFdsResult(context.Background(), donation.ID,
		domain.FdsOverrideRequest{Action: "BLOCK", Reason: "second thoughts"}, uuid.New())
	if !errors.Is(err, ErrOverrideNotAllowed) {
		t.Fatalf("expected ErrOverrideNotAllowed, got %v", err)
	}
	if repo.fdsActionCalled || repo.markCancelled {
		t.Fatal("did not expect any mutation after the APPROVE ratchet")
	}
}

func TestOverrideFdsResult_TerminalDonationIsImmutable(t *testing.T) {
	donation := completedDonation()
	donation.PaymentStatus = domain.PaymentStatusRefunded
	repo := &refundRepoStub{donation: donation}
	service := NewService(ServiceParams{Repo: repo, Gateway: &gatewayStub{}, EventProducer: &recordingPublisher{}})

	_, err := service.OverrideFdsResult(context.Background(), donation.ID,
		domain.FdsOverrideRequest{Action: "APPROVE", Reason: "late approval"}, uuid.New())
	if !errors.Is(err, ErrOverrideNotAllowed) {
		t.Fatalf("expected ErrOverrideNotAllowed, got %v", err)
	}
}

func TestOverrideFdsResult_ApproveOnCompletedRejected(t *testing.T) {
	repo := &refundRepoStub{donation: completedDonation()}
	service := NewService(ServiceParams{Repo: repo, Gateway: &gatewayStub{}, EventProducer: &recordingPublisher{}})

	_, err := service.OverrideFdsResult(context.Background(), repo.donation.ID,
		domain.FdsOverrideRequest{Action: "APPROVE", Reason: "looks fine"}, uuid.New())
	if !errors.Is(err, ErrOverrideNotAllowed) {
		t.Fatalf("expected ErrOverrideNotAllowed, got %v", err)
	}
}

func TestOverrideFdsResult_BlockOnFailedRecordsVerdictOnly(t *testing.T) {
	donation := completedDonation()
	donation.PaymentStatus = domain.PaymentStatusFailed
	repo := &refundRepoStub{donation: donation}
	gateway := &gatewayStub{cancelOK: true}
	service := NewService(ServiceParams{Repo: repo, Gateway: gateway, EventProducer: &recordingPublisher{}})

	_, err := service.OverrideFdsResult(context.Background(), donation.ID,
		domain.FdsOverrideRequest{Action: "BLOCK", Reason: "confirmed fraud"}, uuid.New())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gateway.cancelCalled || repo.markCancelled {
		t.Fatal("expected no money movement for a failed payment")
	}
	if !repo.fdsActionCalled || repo.updatedFdsAction != domain.FdsActionBlock {
		t.Fatalf("expected verdict BLOCK to be recorded, got %q", repo.updatedFdsAction)
	}
}

func TestOverrideFdsResult_RejectsUnknownAction(t *testing.T) {
	repo := &refundRepoStub{donation: completedDonation()}
	service := NewService(ServiceParams{Repo: repo, Gateway: &gatewayStub{}, EventProducer: &recordingPublisher{}})

	_, err := service.OverrideFdsResult(context.Background(), repo.donation.ID,
		domain.FdsOverrideRequest{Action: "ESCALATE", Reason: "unsure"}, uuid.New())
	if err == nil {
		t.Fatal("expected error for an unsupported action")
	}
}
