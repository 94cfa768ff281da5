/**
 * @description
 * This file implements the RabbitMQ consumer for gateway payment status
 * events. Some deployments bridge the payment gateway's notifications onto
 * the message bus instead of (or in addition to) the signed webhook; both
 * paths converge on the same idempotent ProcessPayment, so double delivery is
 * harmless.
 *
 * @dependencies
 * - context, encoding/json, errors, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/hanachain/donation-service/internal/domain"
	"github.com/hanachain/donation-service/internal/store"
)

// PaymentEventConsumer processes payment status events from the message bus.
type PaymentEventConsumer struct {
	service *Service
}

// NewPaymentEventConsumer creates a consumer bound to the donation service.
func NewPaymentEventConsumer(service *Service) *PaymentEventConsumer {
	return &PaymentEventConsumer{service: service}
}

// HandleMessage processes one delivery. The returned bool is the ack signal:
// true acks (including permanently unprocessable messages, which are dropped
// after logging), false nacks for redelivery.
func (c *PaymentEventConsumer) HandleMessage(body []byte) bool {
	var report domain.PaymentReport
	if err := json.Unmarshal(body, &report); err != nil {
		log.Printf("level=error component=payment_consumer msg=\"malformed payment event; dropping\" err=%v", err)
		return true
	}
	if report.PaymentID == "" {
		log.Printf("level=error component=payment_consumer msg=\"payment event missing merchant uid; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.service.ProcessPayment(ctx, report)
	if err == nil {
		return true
	}

	switch {
	case errors.Is(err, store.ErrDonationNotFound):
		// Unknown payment id: nothing to retry against, drop it.
		log.Printf("level=warn component=payment_consumer msg=\"no donation for payment event; dropping\" payment_id=%s", report.PaymentID)
		return true
	case errors.Is(err, ErrAmountMismatch):
		// Permanent integrity failure; redelivery cannot fix it.
		log.Printf("level=error component=payment_consumer msg=\"amount mismatch on payment event; dropping\" payment_id=%s err=%v", report.PaymentID, err)
		return true
	default:
		log.Printf("level=warn component=payment_consumer msg=\"transient failure; re-queuing payment event\" payment_id=%s err=%v", report.PaymentID, err)
		return false
	}
}
