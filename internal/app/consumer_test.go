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
)

type consumerRepoStub struct {
	store.Repository

	donation    *domain.Donation
	completeErr error

	completeCalled bool
}

func (s *consumerRepoStub) FindDonationByPaymentID(ctx context.Context, paymentID string) (*domain.Donation, error) {
	if s.donation == nil || s.donation.PaymentID != paymentID {
		return nil, store.ErrDonationNotFound
	}
	copied := *s.donation
	return &copied, nil
}

func (s *consumerRepoStub) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	copied := *s.donation
	return &copied, nil
}

func (s *consumerRepoStub) CompleteDonationPayment(ctx context.Context, donationID uuid.UUID, campaignID uuid.UUID, amount decimal.Decimal, paidAt time.Time) (bool, error) {
	s.completeCalled = true
	if s.completeErr != nil {
		return false, s.completeErr
	}
	s.donation.PaymentStatus = domain.PaymentStatusCompleted
	return true, nil
}

func newConsumerUnderTest(repo store.Repository) *PaymentEventConsumer {
	service := NewService(ServiceParams{Repo: repo, EventProducer: &recordingPublisher{}})
	return NewPaymentEventConsumer(service)
}

func TestHandleMessage_PaidEventSettlesAndAcks(t *testing.T) {
	repo := &consumerRepoStub{donation: pendingDonation("50.00")}
	consumer := newConsumerUnderTest(repo)

	body := []byte(`{"merchantUid":"merchant_abc","impUid":"imp_9","status":"paid","amount":"50.00"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack for a settled payment event")
	}
	if !repo.completeCalled {
		t.Fatal("expected the settlement transaction to run")
	}
}

func TestHandleMessage_MalformedPayloadIsDropped(t *testing.T) {
	repo := &consumerRepoStub{donation: pendingDonation("50.00")}
	consumer := newConsumerUnderTest(repo)

	if !consumer.HandleMessage([]byte(`{not json`)) {
		t.Fatal("expected malformed payload to be acked and dropped")
	}
	if repo.completeCalled {
		t.Fatal("did not expect processing of a malformed payload")
	}
}

func TestHandleMessage_MissingPaymentIDIsDropped(t *testing.T) {
	repo := &consumerRepoStub{donation: pendingDonation("50.00")}
	consumer := newConsumerUnderTest(repo)

	if !consumer.HandleMessage([]byte(`{"status":"paid","amount":"50.00"}`)) {
		t.Fatal("expected an event without a merchant uid to be dropped")
	}
}

func TestHandleMessage_UnknownPaymentIsDropped(t *testing.T) {
	repo := &consumerRepoStub{}
	consumer := newConsumerUnderTest(repo)

	body := []byte(`{"merchantUid":"merchant_unknown","status":"paid","amount":"50.00"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected an unknown payment id to be dropped, not re-queued")
	}
}

func TestHandleMessage_AmountMismatchIsDropped(t *testing.T) {
	repo := &consumerRepoStub{donation: pendingDonation("50.00")}
	consumer := newConsumerUnderTest(repo)

	body := []byte(`{"merchantUid":"merchant_abc","status":"paid","amount":"49.00"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected a permanent integrity failure to be dropped")
	}
	if repo.completeCalled {
		t.Fatal("did not expect settlement for a mismatched amount")
	}
}

func TestHandleMessage_TransientFailureIsRequeued(t *testing.T) {
	repo := &consumerRepoStub{donation: pendingDonation("50.00"), completeErr: errors.New("connection reset")}
	consumer := newConsumerUnderTest(repo)

	body := []byte(`{"merchantUid":"merchant_abc","status":"paid","amount":"50.00"}`)
	if consumer.HandleMessage(body) {
		t.Fatal("expected a transient failure to be nacked for redelivery")
	}
}
