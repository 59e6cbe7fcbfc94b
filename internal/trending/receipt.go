package trending

import (
	"time"

	"github.com/shopspring/decimal"
)

// Receipt is a single purchase submitted by a user at a business
type Receipt struct {
	ID          int64           `json:"receiptId"`
	UserID      int64           `json:"userId"`
	BusinessID  int64           `json:"businessId"`
	Amount      decimal.Decimal `json:"amount"`
	ImagePath   string          `json:"receiptImagePath"`
	SubmittedAt time.Time       `json:"submittedAt"`
	Verified    bool            `json:"verified"`
}

// Aggregate is the per-business summary derived from all of its receipts
type Aggregate struct {
	BusinessID   int64           `json:"businessId"`
	TotalSpent   decimal.Decimal `json:"totalSpent"`
	Points       float64         `json:"points"`
	ReceiptCount int             `json:"receiptCount"`
}

// Verification records the outcome of scanning a receipt image and
// comparing the scanned total with the submitted amount
type Verification struct {
	ReceiptID     int64           `json:"receiptId"`
	Merchant      string          `json:"merchant"`
	ScannedAmount decimal.Decimal `json:"scannedAmount"`
	Matched       bool            `json:"matched"`
	CheckedAt     time.Time       `json:"checkedAt"`
}

// emptyAggregate is the zero-valued stats placeholder for a business
// that has no receipts yet
func emptyAggregate(businessID int64) *Aggregate {
	return &Aggregate{
		BusinessID: businessID,
		TotalSpent: decimal.Zero,
	}
}

// aggregate builds the summary for one business from its receipts
func aggregate(businessID int64, receipts []*Receipt) *Aggregate {
	total := decimal.Zero
	for _, r := range receipts {
		total = total.Add(r.Amount)
	}
	return &Aggregate{
		BusinessID:   businessID,
		TotalSpent:   total,
		Points:       Points(total),
		ReceiptCount: len(receipts),
	}
}

// aggregateAll groups receipts by business in first-seen order and builds
// one aggregate per business
func aggregateAll(receipts []*Receipt) []*Aggregate {
	order := make([]int64, 0)
	byBusiness := make(map[int64][]*Receipt)
	for _, r := range receipts {
		if _, ok := byBusiness[r.BusinessID]; !ok {
			order = append(order, r.BusinessID)
		}
		byBusiness[r.BusinessID] = append(byBusiness[r.BusinessID], r)
	}

	aggregates := make([]*Aggregate, 0, len(order))
	for _, id := range order {
		aggregates = append(aggregates, aggregate(id, byBusiness[id]))
	}
	return aggregates
}
