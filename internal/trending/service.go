package trending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zombor/trending-tracker/internal/scanning"
)

const (
	// DefaultTrendingLimit is the listing size used when a caller gives none
	DefaultTrendingLimit = 50

	// maxIDAttempts bounds how often Submit redraws an id that is already taken
	maxIDAttempts = 5
)

// verifyTolerance is the largest difference between scanned and submitted
// amounts that still counts as a match
var verifyTolerance = decimal.New(1, -2)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() int64
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Notifier is told about every accepted receipt together with the
// aggregate it produced
type Notifier interface {
	ReceiptSubmitted(ctx context.Context, receipt *Receipt, aggregate *Aggregate) error
}

// snowflakeIDGenerator hands out time-ordered 64-bit ids
type snowflakeIDGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeIDGenerator creates an IDGenerator for the given node number (0-1023)
func NewSnowflakeIDGenerator(nodeID int64) (IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("creating snowflake node: %w", err)
	}
	return &snowflakeIDGenerator{node: node}, nil
}

func (g *snowflakeIDGenerator) Generate() int64 {
	return g.node.Generate().Int64()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// WallClock returns the TimeSource backed by the system clock, in UTC
func WallClock() TimeSource {
	return &defaultTimeSource{}
}

// Service runs receipt submission, aggregation and the trending queries.
// Every mutation holds mu, so there is a single writer at a time.
type Service struct {
	mu          sync.Mutex
	db          DB
	storage     Storage
	scanner     scanning.Scanner
	notifier    Notifier
	idGenerator IDGenerator
	timeSource  TimeSource
	tracer      trace.Tracer
}

// NewService creates a new Service with a snowflake ID generator on node 1
// and the wall clock. scanner may be nil when verification is not configured.
func NewService(db DB, storage Storage, scanner scanning.Scanner) *Service {
	idGen, err := NewSnowflakeIDGenerator(1)
	if err != nil {
		panic(err)
	}
	return NewServiceWithDeps(db, storage, scanner, idGen, WallClock())
}

// NewServiceWithDeps creates a new Service with custom dependencies
func NewServiceWithDeps(db DB, storage Storage, scanner scanning.Scanner, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		scanner:     scanner,
		idGenerator: idGen,
		timeSource:  timeSrc,
		tracer:      otel.Tracer("github.com/zombor/trending-tracker/internal/trending"),
	}
}

// UseNotifier registers the notifier told about accepted receipts
func (s *Service) UseNotifier(n Notifier) {
	s.notifier = n
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Submit validates and records one receipt. The receipt and the recomputed
// aggregate of its business are written together or not at all.
func (s *Service) Submit(ctx context.Context, userID, businessID int64, amount decimal.Decimal, imagePath string) (*Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "trending.Submit", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("business.id", businessID),
		attribute.String("receipt.amount", amount.String()),
	))
	defer span.End()

	if err := validateSubmission(userID, businessID, amount); err != nil {
		return nil, fail(span, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	receipt := &Receipt{
		UserID:      userID,
		BusinessID:  businessID,
		Amount:      amount,
		ImagePath:   imagePath,
		SubmittedAt: s.timeSource.Now(),
		Verified:    false,
	}

	var (
		agg *Aggregate
		err error
	)
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		receipt.ID = s.idGenerator.Generate()
		agg, err = s.db.InsertReceipt(receipt)
		if !errors.Is(err, ErrDuplicateReceipt) {
			break
		}
		slog.Warn("Receipt id collision, drawing a new one", "receipt_id", receipt.ID, "attempt", attempt+1)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("saving receipt: %w", err))
	}
	span.SetAttributes(attribute.Int64("receipt.id", receipt.ID))

	slog.Info("Receipt submitted",
		"receipt_id", receipt.ID,
		"user_id", userID,
		"business_id", businessID,
		"amount", amount.String(),
		"total_spent", agg.TotalSpent.String(),
		"points", agg.Points,
	)

	if s.notifier != nil {
		if err := s.notifier.ReceiptSubmitted(ctx, receipt, agg); err != nil {
			slog.Warn("Failed to publish receipt event", "receipt_id", receipt.ID, "error", err)
		}
	}

	return receipt, nil
}

// SubmitUpload stores an uploaded receipt image under receipts/ and submits
// the receipt pointing at it. The image is removed again if the submission
// is rejected or fails.
func (s *Service) SubmitUpload(ctx context.Context, userID, businessID int64, amount decimal.Decimal, filename string, data []byte) (*Receipt, error) {
	if err := validateSubmission(userID, businessID, amount); err != nil {
		return nil, err
	}

	savedPath, err := s.storage.Save(newImagePath(filename), data)
	if err != nil {
		return nil, fmt.Errorf("saving receipt image: %w", err)
	}

	receipt, err := s.Submit(ctx, userID, businessID, amount, savedPath)
	if err != nil {
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to delete receipt image", "path", savedPath, "error", delErr)
		}
		return nil, err
	}
	return receipt, nil
}

func validateSubmission(userID, businessID int64, amount decimal.Decimal) error {
	if userID <= 0 {
		return fmt.Errorf("%w: userId", ErrMissingField)
	}
	if businessID <= 0 {
		return fmt.Errorf("%w: businessId", ErrMissingField)
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// newImagePath names a stored receipt image by a random UUID, keeping the
// extension of the uploaded file when it is a plain one
func newImagePath(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !extPattern.MatchString(ext) {
		ext = ".jpg"
	}
	return "receipts/" + strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}

// Recompute rebuilds the aggregate for one business from all of its receipts
func (s *Service) Recompute(ctx context.Context, businessID int64) (*Aggregate, error) {
	_, span := s.tracer.Start(ctx, "trending.Recompute", trace.WithAttributes(
		attribute.Int64("business.id", businessID),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, err := s.recompute(businessID)
	if err != nil {
		return nil, fail(span, err)
	}
	return agg, nil
}

// recompute must be called with mu held
func (s *Service) recompute(businessID int64) (*Aggregate, error) {
	receipts, err := s.db.ListReceiptsByBusiness(businessID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts for business %d: %w", businessID, err)
	}

	agg := aggregate(businessID, receipts)
	if err := s.db.SaveAggregate(agg); err != nil {
		return nil, fmt.Errorf("saving aggregate for business %d: %w", businessID, err)
	}
	return agg, nil
}

// RecomputeAll rebuilds the whole aggregate collection from the receipts,
// replacing whatever was stored before
func (s *Service) RecomputeAll(ctx context.Context) ([]*Aggregate, error) {
	_, span := s.tracer.Start(ctx, "trending.RecomputeAll")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing receipts: %w", err))
	}

	aggregates := aggregateAll(receipts)
	if err := s.db.ReplaceAggregates(aggregates); err != nil {
		return nil, fail(span, fmt.Errorf("replacing aggregates: %w", err))
	}

	span.SetAttributes(attribute.Int("aggregate.count", len(aggregates)))
	slog.Info("Recomputed all aggregates", "businesses", len(aggregates), "receipts", len(receipts))
	return aggregates, nil
}

// Trending returns up to limit aggregates ordered by points, highest first.
// Equal points keep storage order.
func (s *Service) Trending(ctx context.Context, limit int) ([]*Aggregate, error) {
	_, span := s.tracer.Start(ctx, "trending.Trending", trace.WithAttributes(
		attribute.Int("limit", limit),
	))
	defer span.End()

	if limit <= 0 {
		return []*Aggregate{}, nil
	}

	aggregates, err := s.db.ListAggregates()
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing aggregates: %w", err))
	}

	sort.SliceStable(aggregates, func(i, j int) bool {
		return aggregates[i].Points > aggregates[j].Points
	})
	if len(aggregates) > limit {
		aggregates = aggregates[:limit]
	}
	return aggregates, nil
}

// Stats returns the aggregate for a business, or a zero-valued placeholder
// when the business has no receipts
func (s *Service) Stats(ctx context.Context, businessID int64) (*Aggregate, error) {
	_, span := s.tracer.Start(ctx, "trending.Stats", trace.WithAttributes(
		attribute.Int64("business.id", businessID),
	))
	defer span.End()

	agg, err := s.db.GetAggregate(businessID)
	if errors.Is(err, ErrAggregateNotFound) {
		return emptyAggregate(businessID), nil
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("getting aggregate: %w", err))
	}
	return agg, nil
}

// UserReceipts returns every receipt a user has submitted
func (s *Service) UserReceipts(ctx context.Context, userID int64) ([]*Receipt, error) {
	_, span := s.tracer.Start(ctx, "trending.UserReceipts", trace.WithAttributes(
		attribute.Int64("user.id", userID),
	))
	defer span.End()

	receipts, err := s.db.ListReceiptsByUser(userID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing receipts for user %d: %w", userID, err))
	}
	return receipts, nil
}

// Receipt retrieves a receipt by ID
func (s *Service) Receipt(ctx context.Context, id int64) (*Receipt, error) {
	_, span := s.tracer.Start(ctx, "trending.Receipt", trace.WithAttributes(
		attribute.Int64("receipt.id", id),
	))
	defer span.End()

	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fail(span, fmt.Errorf("getting receipt: %w", err))
	}
	return receipt, nil
}

// ReceiptImage retrieves the stored image of a receipt and its content type
func (s *Service) ReceiptImage(ctx context.Context, id int64) ([]byte, string, error) {
	ctx, span := s.tracer.Start(ctx, "trending.ReceiptImage", trace.WithAttributes(
		attribute.Int64("receipt.id", id),
	))
	defer span.End()

	receipt, err := s.Receipt(ctx, id)
	if err != nil {
		return nil, "", fail(span, err)
	}
	data, contentType, err := s.image(receipt)
	if err != nil {
		return nil, "", fail(span, err)
	}
	return data, contentType, nil
}

func (s *Service) image(receipt *Receipt) ([]byte, string, error) {
	data, err := s.storage.Get(receipt.ImagePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt image: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

// VerifyReceipt scans the stored image of a receipt and records whether the
// scanned total matches the submitted amount. The receipt itself is not
// modified.
func (s *Service) VerifyReceipt(ctx context.Context, id int64) (*Verification, error) {
	ctx, span := s.tracer.Start(ctx, "trending.VerifyReceipt", trace.WithAttributes(
		attribute.Int64("receipt.id", id),
	))
	defer span.End()

	if s.scanner == nil {
		return nil, fail(span, ErrScannerDisabled)
	}

	receipt, err := s.Receipt(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	data, contentType, err := s.image(receipt)
	if err != nil {
		return nil, fail(span, err)
	}

	scanned, err := s.scanner.ScanReceipt(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"receipt_id", id,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, fail(span, fmt.Errorf("scanning receipt: %w", err))
	}

	scannedAmount := decimal.NewFromFloat(scanned.Amount).Round(2)
	verification := &Verification{
		ReceiptID:     id,
		Merchant:      scanned.Merchant,
		ScannedAmount: scannedAmount,
		Matched:       scannedAmount.Sub(receipt.Amount).Abs().LessThanOrEqual(verifyTolerance),
		CheckedAt:     s.timeSource.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.SaveVerification(verification); err != nil {
		return nil, fail(span, fmt.Errorf("saving verification: %w", err))
	}

	span.SetAttributes(attribute.Bool("verification.matched", verification.Matched))
	return verification, nil
}

// Verification returns the latest verification recorded for a receipt
func (s *Service) Verification(ctx context.Context, id int64) (*Verification, error) {
	_, span := s.tracer.Start(ctx, "trending.Verification", trace.WithAttributes(
		attribute.Int64("receipt.id", id),
	))
	defer span.End()

	verification, err := s.db.GetVerification(id)
	if err != nil {
		return nil, fail(span, fmt.Errorf("getting verification: %w", err))
	}
	return verification, nil
}
