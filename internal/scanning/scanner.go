package scanning

import "context"

// ReceiptData is what a scanner could read off a receipt image
type ReceiptData struct {
	Merchant string  `json:"merchant"`
	Date     string  `json:"date"` // YYYY-MM-DD
	Amount   float64 `json:"amount"`
}

// Scanner reads the merchant, date and total from a receipt image or PDF
type Scanner interface {
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close releases the scanner's resources
	Close() error
}
