package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
	"github.com/hanachain/donation-service/pkg/fdsclient"
)

// createRepoStub implements the full creation path including the background
// fraud verification writes, which run on their own goroutine.
type createRepoStub struct {
	store.Repository

	mu       sync.Mutex
	campaign *domain.Campaign
	existing *domain.Donation
	created  *domain.Donation

	fdsPersisted chan struct{}
}

func newCreateRepoStub(campaign *domain.Campaign) *createRepoStub {
	return &createRepoStub{campaign: campaign, fdsPersisted: make(chan struct{})}
}

func (s *createRepoStub) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	if s.campaign == nil || s.campaign.ID != campaignID {
		return nil, store.ErrCampaignNotFound
	}
	copied := *s.campaign
	return &copied, nil
}

func (s *createRepoStub) FindDonationByPaymentID(ctx context.Context, paymentID string) (*domain.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing != nil && s.existing.PaymentID == paymentID {
		copied := *s.existing
		return &copied, nil
	}
	return nil, store.ErrDonationNotFound
}

func (s *createRepoStub) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created == nil || s.created.ID != donationID {
		return nil, store.ErrDonationNotFound
	}
	copied := *s.created
	return &copied, nil
}

func (s *createRepoStub) CreateDonation(ctx context.Context, donation *domain.Donation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *donation
	s.created = &copied
	return nil
}

func (s *createRepoStub) UpdateDonationFdsResult(ctx context.Context, donationID uuid.UUID, action string, riskScore, confidence float64, explanation string, detailJSON string, checkedAt time.Time) error {
	s.mu.Lock()
	s.created.FdsStatus = domain.FdsStatusCompleted
	s.created.FdsAction = &action
	s.mu.Unlock()
	close(s.fdsPersisted)
	return nil
}

func (s *createRepoStub) UpdateDonationFdsStatus(ctx context.Context, donationID uuid.UUID, fdsStatus string, explanation *string) error {
	s.mu.Lock()
	s.created.FdsStatus = fdsStatus
	s.mu.Unlock()
	close(s.fdsPersisted)
	return nil
}

type immediateScorer struct {
	prediction *fdsclient.Prediction
}

func (f *immediateScorer) Score(ctx context.Context, request fdsclient.ScoreRequest) (*fdsclient.Prediction, error) {
	return f.prediction, nil
}

func acceptingCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:            uuid.New(),
		Status:        domain.CampaignStatusActive,
		TargetAmount:  decimal.RequireFromString("1000"),
		CurrentAmount: decimal.Zero,
	}
}

func TestCreateDonation_CreatesPendingDonationAndScoresIt(t *testing.T) {
	repo := newCreateRepoStub(acceptingCampaign())
	scorer := &immediateScorer{prediction: &fdsclient.Prediction{Action: domain.FdsActionApprove, RiskScore: 0.1}}
	service := NewService(ServiceParams{Repo: repo, FraudScorer: scorer, EventProducer: &recordingPublisher{}})

	userID := uuid.New()
	donation, err := service.CreateDonation(context.Background(), &userID, domain.CreateDonationRequest{
		CampaignID: repo.campaign.ID,
		Amount:     decimal.RequireFromString("25.00"),
		DonorName:  "Jamie",
		PaymentID:  "merchant_new",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if donation.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected PENDING, got %s", donation.PaymentStatus)
	}
	if donation.DonorName != "Jamie" {
		t.Fatalf("expected donor name Jamie, got %q", donation.DonorName)
	}

	select {
	case <-repo.fdsPersisted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the fraud verdict to persist")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.created.FdsStatus != domain.FdsStatusCompleted {
		t.Fatalf("expected fds status COMPLETED, got %s", repo.created.FdsStatus)
	}
}

func TestCreateDonation_AnonymousFallsBackToAnonymousName(t *testing.T) {
	repo := newCreateRepoStub(acceptingCampaign())
	scorer := &immediateScorer{prediction: &fdsclient.Prediction{Action: domain.FdsActionApprove}}
	service := NewService(ServiceParams{Repo: repo, FraudScorer: scorer, EventProducer: &recordingPublisher{}})

	donation, err := service.CreateDonation(context.Background(), nil, domain.CreateDonationRequest{
		CampaignID: repo.campaign.ID,
		Amount:     decimal.RequireFromString("25.00"),
		DonorName:  "  ",
		PaymentID:  "merchant_anon",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if donation.DonorName != "Anonymous" {
		t.Fatalf("expected Anonymous, got %q", donation.DonorName)
	}
	if !donation.Anonymous {
		t.Fatal("expected a donation without a user to be anonymous")
	}

	<-repo.fdsPersisted
}

func TestCreateDonation_RejectsDuplicatePaymentID(t *testing.T) {
	repo := newCreateRepoStub(acceptingCampaign())
	repo.existing = &domain.Donation{ID: uuid.New(), PaymentID: "merchant_dup"}
	service := NewService(ServiceParams{Repo: repo, EventProducer: &recordingPublisher{}})

	_, err := service.CreateDonation(context.Background(), nil, domain.CreateDonationRequest{
		CampaignID: repo.campaign.ID,
		Amount:     decimal.RequireFromString("25.00"),
		PaymentID:  "merchant_dup",
	})
	if !errors.Is(err, store.ErrDuplicatePaymentID) {
		t.Fatalf("expected ErrDuplicatePaymentID, got %v", err)
	}
	if repo.created != nil {
		t.Fatal("did not expect a donation to be created")
	}
}

func TestCreateDonation_RejectsInactiveCampaign(t *testing.T) {
	campaign := acceptingCampaign()
	campaign.Status = domain.CampaignStatusPaused
	repo := newCreateRepoStub(campaign)
	service := NewService(ServiceParams{Repo: repo, EventProducer: &recordingPublisher{}})

	_, err := service.CreateDonation(context.Background(), nil, domain.CreateDonationRequest{
		CampaignID: campaign.ID,
		Amount:     decimal.RequireFromString("25.00"),
		PaymentID:  "merchant_paused",
	})
	if !errors.Is(err, ErrCampaignNotAcceptingDonations) {
		t.Fatalf("expected ErrCampaignNotAcceptingDonations, got %v", err)
	}
}

func TestCreateDonation_RejectsNonPositiveAmount(t *testing.T) {
	repo := newCreateRepoStub(acceptingCampaign())
	service := NewService(ServiceParams{Repo: repo, EventProducer: &recordingPublisher{}})

	_, err := service.CreateDonation(context.Background(), nil, domain.CreateDonationRequest{
		CampaignID: repo.campaign.ID,
		Amount:     decimal.Zero,
		PaymentID:  "merchant_zero",
	})
	if !errors.Is(err, domain.ErrInvalidDonationAmount) {
		t.Fatalf("expected ErrInvalidDonationAmount, got %v", err)
	}
}
