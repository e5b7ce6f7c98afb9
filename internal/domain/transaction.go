package domain

import (
	"time"
)

// Transaction represents an incoming transaction to be analyzed.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Transaction type (e.g., "payment", "transfer", "withdrawal")
	Type string `json:"type"`

	// Parties involved
	UserID         string `json:"userId"`
	CounterpartyID string `json:"counterpartyId"`
	MerchantID     string `json:"merchantId,omitempty"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Context consumed by fraud rules
	Location  string `json:"location,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// Outcome status ("completed" or "failed"); failed transactions feed
	// the failed-attempt comparator.
	Status string `json:"status"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Transaction status values.
const (
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Hour returns the hour of day the transaction occurred (0-23).
func (t *Transaction) Hour() int {
	return t.Timestamp.Hour()
}

// PaymentRequest is a payment submitted for verification.
type PaymentRequest struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenantId"`
	UserID     string  `json:"userId"`
	MerchantID string  `json:"merchantId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Method     string  `json:"method,omitempty"`

	Location  string `json:"location,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToTransaction converts a payment request to a Transaction for risk analysis.
func (p *PaymentRequest) ToTransaction() *Transaction {
	now := time.Now().UTC()
	ts := p.CreatedAt
	if ts.IsZero() {
		ts = now
	}
	return &Transaction{
		ID:             p.ID,
		TenantID:       p.TenantID,
		Type:           "payment",
		UserID:         p.UserID,
		CounterpartyID: p.MerchantID,
		MerchantID:     p.MerchantID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Location:       p.Location,
		DeviceID:       p.DeviceID,
		IPAddress:      p.IPAddress,
		SessionID:      p.SessionID,
		Status:         TxStatusCompleted,
		Timestamp:      ts,
		CreatedAt:      now,
		Metadata:       p.Metadata,
	}
}
