/**
 * @description
 * This package provides a client for the payment gateway's server-side API.
 * It is used to cancel (refund) payments and to look up payment details when
 * verifying client-reported approvals. Cancellation answers with an explicit
 * ok/refused signal so callers can distinguish a gateway refusal from a
 * transport failure.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: For exact payment amounts.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway error codes surfaced as refusals rather than transport failures.
const (
	codeCancelExceedsCancellable = "CANCEL_AMOUNT_EXCEEDS_CANCELLABLE_AMOUNT"
	codeAlreadyCancelled         = "PAYMENT_ALREADY_CANCELLED"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APISecret  string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiSecret string) *Client {
	return &Client{
		BaseURL:   baseURL,
		APISecret: apiSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CancelRequest is the payload for a payment cancellation. A nil Amount asks
// for a full cancel.
type CancelRequest struct {
	Reason string           `json:"reason"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// PaymentInfo is the gateway's view of a payment.
type PaymentInfo struct {
	PaymentID   string          `json:"merchantUid"`
	GatewayTxID string          `json:"impUid"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	PayMethod   string          `json:"payMethod"`
	PaidAt      *time.Time      `json:"paidAt,omitempty"`
}

// ErrorResponse represents an error from the payment gateway API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("payment gateway error: %s - %s", e.Code, e.Message)
}

// CancelPayment asks the gateway to cancel (refund) a payment. It returns
// (true, nil) when the gateway accepted the cancel, (false, nil) when the
// gateway refused it for a business reason, and (false, err) on transport or
// unexpected failures. Callers must not mutate local state unless ok is true.
func (c *Client) CancelPayment(ctx context.Context, paymentID, reason string, amount *decimal.Decimal) (bool, error) {
	body, err := json.Marshal(CancelRequest{Reason: reason, Amount: amount})
	if err != nil {
		return false, fmt.Errorf("failed to marshal cancel request: %w", err)
	}

	url := c.BaseURL + "/payments/" + paymentID + "/cancel"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return false, fmt.Errorf("failed to create cancel request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute cancel request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read cancel response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
		log.Printf("level=warn component=payment_client op=cancel payment_id=%s status=%d msg=\"non-2xx response (unparsable error body)\"", paymentID, resp.StatusCode)
		return false, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
	}

	switch errResp.Code {
	case codeCancelExceedsCancellable, codeAlreadyCancelled:
		log.Printf("level=warn component=payment_client op=cancel payment_id=%s outcome=refused code=%s detail=%q", paymentID, errResp.Code, errResp.Message)
		return false, nil
	default:
		log.Printf("level=warn component=payment_client op=cancel payment_id=%s status=%d code=%q detail=%q", paymentID, resp.StatusCode, errResp.Code, errResp.Message)
		return false, &errResp
	}
}

// GetPayment fetches the gateway's record of a payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*PaymentInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/payments/"+paymentID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment lookup request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payment lookup request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment lookup response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=payment_client op=get_payment payment_id=%s status=%d msg=\"non-2xx response (unparsable error body)\"", paymentID, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=payment_client op=get_payment payment_id=%s status=%d code=%q detail=%q", paymentID, resp.StatusCode, errResp.Code, errResp.Message)
		return nil, &errResp
	}

	var info PaymentInfo
	if err := json.Unmarshal(bodyBytes, &info); err != nil {
		return nil, fmt.Errorf("failed to decode payment lookup response: %w", err)
	}
	return &info, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "PortOne "+c.APISecret)
}
