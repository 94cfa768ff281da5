/**
 * @description
 * This package provides a client for the fraud detection scoring service. The
 * scorer exposes a single /predict endpoint that returns a verdict, a risk
 * score, the feature vector the model saw and the per-action Q-values. Callers
 * enforce their own hard deadline through the request context.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package fdsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the fraud detection scoring API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new fraud scorer client. The HTTP timeout is generous;
// callers bound each scoring call with a context deadline instead.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ScoreRequest is the payload for a fraud prediction. UserID carries -1 for
// anonymous donations.
type ScoreRequest struct {
	Amount     float64 `json:"amount"`
	CampaignID string  `json:"campaign_id"`
	UserID     int64   `json:"user_id"`
	PayMethod  string  `json:"pay_method"`
}

// QValues are the model's per-action values.
type QValues struct {
	Approve      float64 `json:"approve"`
	ManualReview float64 `json:"manual_review"`
	Block        float64 `json:"block"`
}

// Prediction is the scorer's verdict for a donation.
type Prediction struct {
	Action      string    `json:"action"`
	RiskScore   float64   `json:"risk_score"`
	Confidence  float64   `json:"confidence"`
	Explanation string    `json:"explanation"`
	Features    []float64 `json:"features"`
	QValues     QValues   `json:"q_values"`
	Timestamp   string    `json:"timestamp"`
}

// Score requests a fraud prediction for a donation.
func (c *Client) Score(ctx context.Context, request ScoreRequest) (*Prediction, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/predict", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute score request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read score response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fraud scorer returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var prediction Prediction
	if err := json.Unmarshal(bodyBytes, &prediction); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	return &prediction, nil
}

// Health checks whether the scorer is reachable and ready.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fraud scorer unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
