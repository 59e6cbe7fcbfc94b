package trending

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("Integration", func() {
	var (
		ctx     context.Context
		tempDir string
		db      *BoltDB
		store   *LocalStorage
		service *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		tempDir = GinkgoT().TempDir()

		var err error
		db, err = NewBoltDB(filepath.Join(tempDir, "trending.db"))
		Expect(err).NotTo(HaveOccurred())

		store, err = NewLocalStorage(filepath.Join(tempDir, "uploads"))
		Expect(err).NotTo(HaveOccurred())

		idGen, err := NewSnowflakeIDGenerator(3)
		Expect(err).NotTo(HaveOccurred())
		service = NewServiceWithDeps(db, store, nil, idGen, &mockTimeSource{now: time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)})
	})

	AfterEach(func() {
		db.Close()
	})

	It("tracks the running total of one business", func() {
		steps := []struct {
			amount string
			total  string
			points float64
		}{
			{"20", "20", 0.25},
			{"80", "100", 6.06},
			{"900", "1000", 198.10},
			{"4000", "5000", 505.78},
		}

		for i, step := range steps {
			_, err := service.SubmitUpload(ctx, 1, 77, decimal.RequireFromString(step.amount), "r.jpg", []byte("img"))
			Expect(err).NotTo(HaveOccurred())

			stats, err := service.Stats(ctx, 77)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.TotalSpent.Equal(decimal.RequireFromString(step.total))).To(BeTrue(), "total after step %d", i)
			Expect(stats.Points).To(Equal(step.points), "points after step %d", i)
			Expect(stats.ReceiptCount).To(Equal(i + 1))
		}
	})

	It("keeps cents exact across many small receipts", func() {
		for i := 0; i < 10; i++ {
			_, err := service.Submit(ctx, 1, 5, decimal.RequireFromString("0.10"), "receipts/x.jpg")
			Expect(err).NotTo(HaveOccurred())
		}
		stats, err := service.Stats(ctx, 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.TotalSpent.String()).To(Equal("1"))
	})

	It("leaves the store untouched on a rejected submission", func() {
		_, err := service.SubmitUpload(ctx, 1, 77, decimal.RequireFromString("-1"), "r.jpg", []byte("img"))
		Expect(err).To(MatchError(ErrInvalidAmount))

		receipts, err := db.ListReceipts()
		Expect(err).NotTo(HaveOccurred())
		Expect(receipts).To(BeEmpty())

		aggregates, err := db.ListAggregates()
		Expect(err).NotTo(HaveOccurred())
		Expect(aggregates).To(BeEmpty())

		Expect(filepath.Join(tempDir, "uploads", "receipts")).NotTo(BeADirectory())
	})

	It("ranks businesses and rebuilds the same ranking from scratch", func() {
		submit := func(businessID int64, amount string) {
			_, err := service.Submit(ctx, 9, businessID, decimal.RequireFromString(amount), "receipts/x.jpg")
			Expect(err).NotTo(HaveOccurred())
		}
		submit(1, "100")
		submit(2, "5000")
		submit(3, "400")
		submit(1, "300")

		before, err := service.Trending(ctx, DefaultTrendingLimit)
		Expect(err).NotTo(HaveOccurred())
		Expect(before).To(HaveLen(3))
		Expect(before[0].BusinessID).To(Equal(int64(2)))
		// 1 and 3 tie at 400 total, storage order breaks the tie
		Expect(before[1].BusinessID).To(Equal(int64(1)))
		Expect(before[2].BusinessID).To(Equal(int64(3)))

		_, err = service.RecomputeAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = service.RecomputeAll(ctx)
		Expect(err).NotTo(HaveOccurred())

		after, err := service.Trending(ctx, DefaultTrendingLimit)
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(HaveLen(len(before)))
		for i := range after {
			Expect(after[i].BusinessID).To(Equal(before[i].BusinessID))
			Expect(after[i].TotalSpent.Equal(before[i].TotalSpent)).To(BeTrue())
			Expect(after[i].Points).To(Equal(before[i].Points))
			Expect(after[i].ReceiptCount).To(Equal(before[i].ReceiptCount))
		}
	})

	It("serializes concurrent submissions", func() {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				_, err := service.Submit(ctx, 1, 42, decimal.RequireFromString("5"), "receipts/x.jpg")
				Expect(err).NotTo(HaveOccurred())
			}()
		}
		wg.Wait()

		stats, err := service.Stats(ctx, 42)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.ReceiptCount).To(Equal(20))
		Expect(stats.TotalSpent.Equal(decimal.NewFromInt(100))).To(BeTrue())
	})
})
