package trending

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const receiptColumns = "id, user_id, business_id, amount, image_path, submitted_at, verified"

// SQLiteDB implements the DB interface on top of SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database at path and applies pending migrations
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// One connection keeps writers serialized inside SQLite as well
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := RunMigrations(path); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r           Receipt
		amount      string
		submittedAt string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.BusinessID, &amount, &r.ImagePath, &submittedAt, &r.Verified); err != nil {
		return nil, err
	}

	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing amount of receipt %d: %w", r.ID, err)
	}
	if r.SubmittedAt, err = time.Parse(time.RFC3339Nano, submittedAt); err != nil {
		return nil, fmt.Errorf("parsing submitted_at of receipt %d: %w", r.ID, err)
	}
	return &r, nil
}

// InsertReceipt stores a receipt unless its id already exists and upserts
// its business aggregate in the same transaction
func (s *SQLiteDB) InsertReceipt(receipt *Receipt) (*Aggregate, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow("SELECT EXISTS(SELECT 1 FROM receipts WHERE id = ?)", receipt.ID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking receipt id: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateReceipt, receipt.ID)
	}

	_, err = tx.Exec(
		"INSERT INTO receipts ("+receiptColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		receipt.ID,
		receipt.UserID,
		receipt.BusinessID,
		receipt.Amount.String(),
		receipt.ImagePath,
		receipt.SubmittedAt.UTC().Format(time.RFC3339Nano),
		receipt.Verified,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting receipt: %w", err)
	}

	receipts, err := queryReceipts(tx, "SELECT "+receiptColumns+" FROM receipts WHERE business_id = ? ORDER BY id", receipt.BusinessID)
	if err != nil {
		return nil, err
	}
	agg := aggregate(receipt.BusinessID, receipts)
	if _, err := tx.Exec(upsertAggregate, agg.BusinessID, agg.TotalSpent.String(), agg.Points, agg.ReceiptCount); err != nil {
		return nil, fmt.Errorf("saving aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing receipt: %w", err)
	}
	return agg, nil
}

// GetReceipt retrieves a receipt by ID
func (s *SQLiteDB) GetReceipt(id int64) (*Receipt, error) {
	row := s.db.QueryRow("SELECT "+receiptColumns+" FROM receipts WHERE id = ?", id)
	receipt, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrReceiptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading receipt %d: %w", id, err)
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (s *SQLiteDB) ListReceipts() ([]*Receipt, error) {
	return queryReceipts(s.db, "SELECT "+receiptColumns+" FROM receipts ORDER BY id")
}

// ListReceiptsByBusiness returns every receipt for one business
func (s *SQLiteDB) ListReceiptsByBusiness(businessID int64) ([]*Receipt, error) {
	return queryReceipts(s.db, "SELECT "+receiptColumns+" FROM receipts WHERE business_id = ? ORDER BY id", businessID)
}

// ListReceiptsByUser returns every receipt submitted by one user
func (s *SQLiteDB) ListReceiptsByUser(userID int64) ([]*Receipt, error) {
	return queryReceipts(s.db, "SELECT "+receiptColumns+" FROM receipts WHERE user_id = ? ORDER BY id", userID)
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryReceipts(q querier, query string, args ...any) ([]*Receipt, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]*Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating receipts: %w", err)
	}
	return receipts, nil
}

const upsertAggregate = `INSERT INTO aggregates (business_id, total_spent, points, receipt_count)
VALUES (?, ?, ?, ?)
ON CONFLICT(business_id) DO UPDATE SET
    total_spent = excluded.total_spent,
    points = excluded.points,
    receipt_count = excluded.receipt_count`

// SaveAggregate inserts or replaces the aggregate for its business
func (s *SQLiteDB) SaveAggregate(aggregate *Aggregate) error {
	_, err := s.db.Exec(upsertAggregate,
		aggregate.BusinessID, aggregate.TotalSpent.String(), aggregate.Points, aggregate.ReceiptCount)
	if err != nil {
		return fmt.Errorf("saving aggregate: %w", err)
	}
	return nil
}

// ReplaceAggregates swaps the whole aggregate collection in one transaction
func (s *SQLiteDB) ReplaceAggregates(aggregates []*Aggregate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM aggregates"); err != nil {
		return fmt.Errorf("clearing aggregates: %w", err)
	}
	for _, a := range aggregates {
		if _, err := tx.Exec(upsertAggregate, a.BusinessID, a.TotalSpent.String(), a.Points, a.ReceiptCount); err != nil {
			return fmt.Errorf("inserting aggregate %d: %w", a.BusinessID, err)
		}
	}
	return tx.Commit()
}

func scanAggregate(row rowScanner) (*Aggregate, error) {
	var (
		a     Aggregate
		total string
	)
	if err := row.Scan(&a.BusinessID, &total, &a.Points, &a.ReceiptCount); err != nil {
		return nil, err
	}
	var err error
	if a.TotalSpent, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parsing total_spent of business %d: %w", a.BusinessID, err)
	}
	return &a, nil
}

// GetAggregate retrieves the aggregate for a business
func (s *SQLiteDB) GetAggregate(businessID int64) (*Aggregate, error) {
	row := s.db.QueryRow(
		"SELECT business_id, total_spent, points, receipt_count FROM aggregates WHERE business_id = ?", businessID)
	aggregate, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrAggregateNotFound, businessID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading aggregate %d: %w", businessID, err)
	}
	return aggregate, nil
}

// ListAggregates returns all aggregates
func (s *SQLiteDB) ListAggregates() ([]*Aggregate, error) {
	rows, err := s.db.Query("SELECT business_id, total_spent, points, receipt_count FROM aggregates ORDER BY business_id")
	if err != nil {
		return nil, fmt.Errorf("querying aggregates: %w", err)
	}
	defer rows.Close()

	aggregates := make([]*Aggregate, 0)
	for rows.Next() {
		aggregate, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning aggregate: %w", err)
		}
		aggregates = append(aggregates, aggregate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aggregates: %w", err)
	}
	return aggregates, nil
}

// SaveVerification stores the latest verification for a receipt
func (s *SQLiteDB) SaveVerification(v *Verification) error {
	_, err := s.db.Exec(`INSERT INTO verifications (receipt_id, merchant, scanned_amount, matched, checked_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(receipt_id) DO UPDATE SET
    merchant = excluded.merchant,
    scanned_amount = excluded.scanned_amount,
    matched = excluded.matched,
    checked_at = excluded.checked_at`,
		v.ReceiptID, v.Merchant, v.ScannedAmount.String(), v.Matched, v.CheckedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving verification: %w", err)
	}
	return nil
}

// GetVerification retrieves the latest verification for a receipt
func (s *SQLiteDB) GetVerification(receiptID int64) (*Verification, error) {
	var (
		v         Verification
		scanned   string
		checkedAt string
	)
	err := s.db.QueryRow(
		"SELECT receipt_id, merchant, scanned_amount, matched, checked_at FROM verifications WHERE receipt_id = ?",
		receiptID,
	).Scan(&v.ReceiptID, &v.Merchant, &scanned, &v.Matched, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrVerificationNotFound, receiptID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading verification %d: %w", receiptID, err)
	}
	if v.ScannedAmount, err = decimal.NewFromString(scanned); err != nil {
		return nil, fmt.Errorf("parsing scanned_amount: %w", err)
	}
	if v.CheckedAt, err = time.Parse(time.RFC3339Nano, checkedAt); err != nil {
		return nil, fmt.Errorf("parsing checked_at: %w", err)
	}
	return &v, nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
