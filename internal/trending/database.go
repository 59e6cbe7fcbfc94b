package trending

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptBucketName      = "receipts"
	aggregateBucketName    = "aggregates"
	verificationBucketName = "verifications"
)

// DB defines the interface for receipt and aggregate persistence.
// List methods return records in storage order: receipts by id,
// aggregates by business id.
type DB interface {
	// InsertReceipt appends a new receipt and rebuilds the aggregate of its
	// business in the same transaction, returning that aggregate. It fails
	// with ErrDuplicateReceipt when the id is taken; on any failure neither
	// the receipt nor the aggregate is written.
	InsertReceipt(receipt *Receipt) (*Aggregate, error)

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id int64) (*Receipt, error)

	// ListReceipts returns all receipts
	ListReceipts() ([]*Receipt, error)

	// ListReceiptsByBusiness returns every receipt for one business
	ListReceiptsByBusiness(businessID int64) ([]*Receipt, error)

	// ListReceiptsByUser returns every receipt submitted by one user
	ListReceiptsByUser(userID int64) ([]*Receipt, error)

	// SaveAggregate inserts or replaces the aggregate for its business
	SaveAggregate(aggregate *Aggregate) error

	// ReplaceAggregates swaps the whole aggregate collection in one step
	ReplaceAggregates(aggregates []*Aggregate) error

	// GetAggregate retrieves the aggregate for a business
	GetAggregate(businessID int64) (*Aggregate, error)

	// ListAggregates returns all aggregates
	ListAggregates() ([]*Aggregate, error)

	// SaveVerification stores the latest verification for a receipt
	SaveVerification(verification *Verification) error

	// GetVerification retrieves the latest verification for a receipt
	GetVerification(receiptID int64) (*Verification, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptBucketName, aggregateBucketName, verificationBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// itob encodes an id as a big-endian key so bucket iteration follows id order
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// InsertReceipt stores a receipt unless its id already exists and upserts
// its business aggregate within one update transaction
func (b *BoltDB) InsertReceipt(receipt *Receipt) (*Aggregate, error) {
	var agg *Aggregate
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucketName))
		key := itob(receipt.ID)
		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: %d", ErrDuplicateReceipt, receipt.ID)
		}
		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("storing receipt: %w", err)
		}

		receipts, err := collectReceipts(bucket, func(r *Receipt) bool { return r.BusinessID == receipt.BusinessID })
		if err != nil {
			return err
		}
		agg = aggregate(receipt.BusinessID, receipts)
		return putAggregate(tx.Bucket([]byte(aggregateBucketName)), agg)
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id int64) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(receiptBucketName)).Get(itob(id))
		if data == nil {
			return fmt.Errorf("%w: %d", ErrReceiptNotFound, id)
		}
		if err := json.Unmarshal(data, &receipt); err != nil {
			return fmt.Errorf("unmarshaling receipt %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	return b.filterReceipts(func(*Receipt) bool { return true })
}

// ListReceiptsByBusiness returns every receipt for one business
func (b *BoltDB) ListReceiptsByBusiness(businessID int64) ([]*Receipt, error) {
	return b.filterReceipts(func(r *Receipt) bool { return r.BusinessID == businessID })
}

// ListReceiptsByUser returns every receipt submitted by one user
func (b *BoltDB) ListReceiptsByUser(userID int64) ([]*Receipt, error) {
	return b.filterReceipts(func(r *Receipt) bool { return r.UserID == userID })
}

func (b *BoltDB) filterReceipts(keep func(*Receipt) bool) ([]*Receipt, error) {
	var receipts []*Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipts, err = collectReceipts(tx.Bucket([]byte(receiptBucketName)), keep)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

func collectReceipts(bucket *bbolt.Bucket, keep func(*Receipt) bool) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := bucket.ForEach(func(k, v []byte) error {
		var receipt Receipt
		if err := json.Unmarshal(v, &receipt); err != nil {
			return fmt.Errorf("unmarshaling receipt: %w", err)
		}
		if keep(&receipt) {
			receipts = append(receipts, &receipt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// SaveAggregate inserts or replaces the aggregate for its business
func (b *BoltDB) SaveAggregate(aggregate *Aggregate) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putAggregate(tx.Bucket([]byte(aggregateBucketName)), aggregate)
	})
}

// ReplaceAggregates drops the aggregate bucket and rebuilds it in the same
// transaction, so readers see either the old or the new collection
func (b *BoltDB) ReplaceAggregates(aggregates []*Aggregate) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(aggregateBucketName)); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("dropping aggregates: %w", err)
		}
		bucket, err := tx.CreateBucket([]byte(aggregateBucketName))
		if err != nil {
			return fmt.Errorf("recreating aggregates: %w", err)
		}
		for _, aggregate := range aggregates {
			if err := putAggregate(bucket, aggregate); err != nil {
				return err
			}
		}
		return nil
	})
}

func putAggregate(bucket *bbolt.Bucket, aggregate *Aggregate) error {
	data, err := json.Marshal(aggregate)
	if err != nil {
		return fmt.Errorf("marshaling aggregate: %w", err)
	}
	return bucket.Put(itob(aggregate.BusinessID), data)
}

// GetAggregate retrieves the aggregate for a business
func (b *BoltDB) GetAggregate(businessID int64) (*Aggregate, error) {
	var aggregate *Aggregate
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(aggregateBucketName)).Get(itob(businessID))
		if data == nil {
			return fmt.Errorf("%w: %d", ErrAggregateNotFound, businessID)
		}
		if err := json.Unmarshal(data, &aggregate); err != nil {
			return fmt.Errorf("unmarshaling aggregate %d: %w", businessID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return aggregate, nil
}

// ListAggregates returns all aggregates
func (b *BoltDB) ListAggregates() ([]*Aggregate, error) {
	aggregates := make([]*Aggregate, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(aggregateBucketName)).ForEach(func(k, v []byte) error {
			var aggregate Aggregate
			if err := json.Unmarshal(v, &aggregate); err != nil {
				return fmt.Errorf("unmarshaling aggregate: %w", err)
			}
			aggregates = append(aggregates, &aggregate)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return aggregates, nil
}

// SaveVerification stores the latest verification for a receipt
func (b *BoltDB) SaveVerification(verification *Verification) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(verification)
		if err != nil {
			return fmt.Errorf("marshaling verification: %w", err)
		}
		return tx.Bucket([]byte(verificationBucketName)).Put(itob(verification.ReceiptID), data)
	})
}

// GetVerification retrieves the latest verification for a receipt
func (b *BoltDB) GetVerification(receiptID int64) (*Verification, error) {
	var verification *Verification
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(verificationBucketName)).Get(itob(receiptID))
		if data == nil {
			return fmt.Errorf("%w: %d", ErrVerificationNotFound, receiptID)
		}
		return json.Unmarshal(data, &verification)
	})
	if err != nil {
		return nil, err
	}
	return verification, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
