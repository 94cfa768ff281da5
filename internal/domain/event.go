package domain

import "time"

// DonationEvent is the message emitted on the donation.events exchange for
// donation lifecycle updates (payment completed, refunded, fraud alerts).
type DonationEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	DonationID string    `json:"donation_id"`
	CampaignID string    `json:"campaign_id"`
	PaymentID  string    `json:"payment_id"`
	Status     string    `json:"status"`
	Amount     string    `json:"amount"`
	FdsAction  string    `json:"fds_action,omitempty"`
	RiskScore  float64   `json:"risk_score,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CampaignEvent is the message emitted for campaign blockchain lifecycle
// updates (registered on-chain, registration failed, finalized).
type CampaignEvent struct {
	EventID              string    `json:"event_id"`
	EventType            string    `json:"event_type"`
	CampaignID           string    `json:"campaign_id"`
	BlockchainStatus     string    `json:"blockchain_status"`
	BlockchainCampaignID *int64    `json:"blockchain_campaign_id,omitempty"`
	TxHash               string    `json:"tx_hash,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	OccurredAt           time.Time `json:"occurred_at"`
}
