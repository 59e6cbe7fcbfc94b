package trending

import "errors"

var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrMissingField         = errors.New("missing required field")
	ErrReceiptNotFound      = errors.New("receipt not found")
	ErrAggregateNotFound    = errors.New("aggregate not found")
	ErrDuplicateReceipt     = errors.New("receipt id already exists")
	ErrVerificationNotFound = errors.New("verification not found")
	ErrScannerDisabled      = errors.New("receipt scanner is not configured")
)
