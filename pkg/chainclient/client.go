/**
 * @description
 * This package provides a client for the blockchain adapter API, which fronts
 * the donation platform's on-chain campaign contracts. It encapsulates the
 * logic for making authenticated HTTP requests, handling request body
 * construction, and parsing responses, plus a polling helper that waits for a
 * transaction to confirm.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the blockchain adapter API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// PollInterval controls how often AwaitTransaction re-checks a pending
	// transaction. Zero means the 5s default.
	PollInterval time.Duration
}

// NewClient creates a new blockchain adapter client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CampaignCreationRequest represents the payload for registering a campaign
// on-chain through the adapter.
type CampaignCreationRequest struct {
	Beneficiary  string `json:"beneficiary"`
	GoalUnits    int64  `json:"goal_units"`
	DurationSecs int64  `json:"duration_secs"`
}

// SubmissionResponse is returned by the adapter's write endpoints once the
// transaction has been broadcast.
type SubmissionResponse struct {
	TxHash string `json:"tx_hash"`
}

// TxStatus is the adapter's view of a broadcast transaction.
type TxStatus struct {
	Confirmed    bool    `json:"confirmed"`
	Successful   bool    `json:"successful"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Receipt is the decoded outcome of a confirmed transaction. For campaign
// creation the adapter decodes the CampaignCreated event and echoes the
// assigned on-chain campaign id and contract address.
type Receipt struct {
	TxHash          string  `json:"tx_hash"`
	Successful      bool    `json:"successful"`
	CampaignID      *int64  `json:"campaign_id,omitempty"`
	ContractAddress *string `json:"contract_address,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
}

// CampaignSnapshot is the adapter's view of a campaign's on-chain state.
// TotalRaised and GoalAmount are in scaled token units.
type CampaignSnapshot struct {
	Exists      bool  `json:"exists"`
	TotalRaised int64 `json:"total_raised"`
	GoalAmount  int64 `json:"goal_amount"`
	Deadline    int64 `json:"deadline"`
	Finalized   bool  `json:"finalized"`
}

// ErrorResponse represents an error from the blockchain adapter API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chain adapter error: %s - %s", e.Code, e.Message)
	}
	return "unknown chain adapter error"
}

// ErrConfirmationTimeout is returned by AwaitTransaction when the transaction
// does not confirm within the caller's timeout.
type ErrConfirmationTimeout struct {
	TxHash  string
	Elapsed time.Duration
}

func (e *ErrConfirmationTimeout) Error() string {
	return fmt.Sprintf("transaction %s not confirmed after %s", e.TxHash, e.Elapsed)
}

// SubmitCampaignCreation broadcasts a campaign registration transaction and
// returns its hash. Confirmation is observed separately via AwaitTransaction
// or GetTransactionStatus.
func (c *Client) SubmitCampaignCreation(ctx context.Context, beneficiary string, goalUnits, durationSecs int64) (string, error) {
	payload := CampaignCreationRequest{
		Beneficiary:  beneficiary,
		GoalUnits:    goalUnits,
		DurationSecs: durationSecs,
	}
	var resp SubmissionResponse
	if err := c.do(ctx, "POST", "/api/v1/campaigns", "submit_campaign", payload, &resp); err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("chain adapter returned empty transaction hash")
	}
	return resp.TxHash, nil
}

// SubmitFinalization broadcasts a finalization transaction for an on-chain
// campaign past its deadline.
func (c *Client) SubmitFinalization(ctx context.Context, campaignID int64) (string, error) {
	var resp SubmissionResponse
	path := fmt.Sprintf("/api/v1/campaigns/%d/finalize", campaignID)
	if err := c.do(ctx, "POST", path, "submit_finalization", struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("chain adapter returned empty transaction hash")
	}
	return resp.TxHash, nil
}

// GetTransactionStatus fetches the confirmation state of a transaction.
func (c *Client) GetTransactionStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	var status TxStatus
	if err := c.do(ctx, "GET", "/api/v1/transactions/"+txHash, "get_tx_status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetCampaignSnapshot fetches the current on-chain state of a campaign.
func (c *Client) GetCampaignSnapshot(ctx context.Context, campaignID int64) (*CampaignSnapshot, error) {
	var snapshot CampaignSnapshot
	path := fmt.Sprintf("/api/v1/campaigns/%d", campaignID)
	if err := c.do(ctx, "GET", path, "get_campaign", nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// AwaitTransaction polls the adapter until the transaction confirms or the
// timeout elapses. On confirmation it fetches the decoded receipt.
func (c *Client) AwaitTransaction(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetTransactionStatus(ctx, txHash)
		if err != nil {
			log.Printf("level=warn component=chain_client op=await_tx tx_hash=%s msg=\"status poll failed\" err=%v", txHash, err)
		} else if status.Confirmed {
			return c.getReceipt(ctx, txHash)
		}

		if time.Now().After(deadline) {
			return nil, &ErrConfirmationTimeout{TxHash: txHash, Elapsed: timeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var receipt Receipt
	if err := c.do(ctx, "GET", "/api/v1/transactions/"+txHash+"/receipt", "get_receipt", nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) do(ctx context.Context, method, path, op string, payload, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reqBody = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-adapter-key", c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=chain_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=chain_client op=%s status=%d code=%q detail=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		return &errResp
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}
