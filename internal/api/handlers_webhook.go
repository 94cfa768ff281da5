/**
 * @description
 * This file contains the payment gateway webhook handler. The gateway signs
 * each notification with HMAC-SHA256 over merchantUid + amount + status; in
 * production the signature is mandatory. Processing failures are deliberately
 * swallowed into a 200 response so the gateway stops redelivering a
 * notification we will never be able to process; the reconciliation jobs and
 * the cleanup job are the safety net for anything dropped this way.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/base64: Signature verification.
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: Service logic and models.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/hanachain/donation-service/internal/app"
	"github.com/hanachain/donation-service/internal/domain"
)

// signatureHeader carries the gateway's HMAC over the notification.
const signatureHeader = "X-Webhook-Signature"

// WebhookHandlers holds the dependencies for the webhook endpoints.
type WebhookHandlers struct {
	service       *app.Service
	webhookSecret string
	enforceSig    bool
}

// NewWebhookHandlers creates webhook handlers. Signature enforcement is
// enabled for production deployments.
func NewWebhookHandlers(service *app.Service, webhookSecret string, enforceSig bool) *WebhookHandlers {
	return &WebhookHandlers{
		service:       service,
		webhookSecret: webhookSecret,
		enforceSig:    enforceSig,
	}
}

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// PaymentWebhookHandler ingests a payment status notification.
func (h *WebhookHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("level=warn component=webhook outcome=reject reason=unreadable_body err=%v", err)
		h.respond(w, webhookResponse{Status: "error", Message: "unreadable body"})
		return
	}

	var report domain.PaymentReport
	if err := json.Unmarshal(body, &report); err != nil {
		log.Printf("level=warn component=webhook outcome=reject reason=invalid_json err=%v", err)
		h.respond(w, webhookResponse{Status: "error", Message: "invalid payload"})
		return
	}

	if h.enforceSig {
		signature := r.Header.Get(signatureHeader)
		if !h.verifySignature(report, signature) {
			// A bad signature is the one case that must NOT return 200: the
			// sender is not the gateway.
			log.Printf("level=error component=webhook outcome=reject reason=invalid_signature payment_id=%s", report.PaymentID)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	log.Printf("level=info component=webhook outcome=received payment_id=%s status=%s amount=%s", report.PaymentID, report.Status, report.Amount)

	if _, err := h.service.ProcessPayment(r.Context(), report); err != nil {
		// Swallowed on purpose: a non-2xx would make the gateway redeliver a
		// notification that will keep failing.
		log.Printf("level=error component=webhook outcome=error payment_id=%s err=%v", report.PaymentID, err)
		h.respond(w, webhookResponse{Status: "error", Message: "processing failed"})
		return
	}

	h.respond(w, webhookResponse{Status: "ok"})
}

// WebhookStatusHandler is the gateway-facing health probe.
func (h *WebhookHandlers) WebhookStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.respond(w, webhookResponse{Status: "ok"})
}

func (h *WebhookHandlers) respond(w http.ResponseWriter, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=webhook msg=\"failed to encode response\" err=%v", err)
	}
}

// verifySignature checks the HMAC-SHA256 over merchantUid + amount + status,
// Base64 encoded, in constant time.
func (h *WebhookHandlers) verifySignature(report domain.PaymentReport, signature string) bool {
	if signature == "" || h.webhookSecret == "" {
		return false
	}
	expected := ComputeWebhookSignature(h.webhookSecret, report.PaymentID, report.Amount.String(), report.Status)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ComputeWebhookSignature derives the gateway's signature for a notification.
// Exported for gateway simulators and tests.
func ComputeWebhookSignature(secret, merchantUID, amount, status string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(merchantUID + amount + status))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
