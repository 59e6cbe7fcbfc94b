package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/trending-tracker/internal/trending"
)

// RoutingKeyReceiptSubmitted routes ReceiptSubmittedMessage
const RoutingKeyReceiptSubmitted = "receipt.submitted"

// ReceiptSubmittedMessage announces an accepted receipt and the business
// aggregate it produced
type ReceiptSubmittedMessage struct {
	ReceiptID    int64           `json:"receiptId"`
	UserID       int64           `json:"userId"`
	BusinessID   int64           `json:"businessId"`
	Amount       decimal.Decimal `json:"amount"`
	TotalSpent   decimal.Decimal `json:"totalSpent"`
	Points       float64         `json:"points"`
	ReceiptCount int             `json:"receiptCount"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewReceiptSubmittedMessage builds the message for a receipt and its aggregate
func NewReceiptSubmittedMessage(r *trending.Receipt, a *trending.Aggregate, now time.Time) *ReceiptSubmittedMessage {
	return &ReceiptSubmittedMessage{
		ReceiptID:    r.ID,
		UserID:       r.UserID,
		BusinessID:   r.BusinessID,
		Amount:       r.Amount,
		TotalSpent:   a.TotalSpent,
		Points:       a.Points,
		ReceiptCount: a.ReceiptCount,
		Timestamp:    now,
	}
}

// ToJSON converts the message to JSON bytes
func (m *ReceiptSubmittedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ReceiptSubmittedMessageFromJSON decodes a message body
func ReceiptSubmittedMessageFromJSON(data []byte) (*ReceiptSubmittedMessage, error) {
	var msg ReceiptSubmittedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
