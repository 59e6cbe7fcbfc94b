package trending

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// describeDB runs the DB contract against one backend
func describeDB(name string, open func(dir string) (DB, error)) {
	Describe(name, func() {
		var db DB

		BeforeEach(func() {
			var err error
			db, err = open(GinkgoT().TempDir())
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			if db != nil {
				db.Close()
			}
		})

		newReceipt := func(id, userID, businessID int64, amount string) *Receipt {
			return &Receipt{
				ID:          id,
				UserID:      userID,
				BusinessID:  businessID,
				Amount:      dec(amount),
				ImagePath:   "receipts/r.jpg",
				SubmittedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			}
		}

		insert := func(receipt *Receipt) {
			_, err := db.InsertReceipt(receipt)
			Expect(err).NotTo(HaveOccurred())
		}

		Describe("InsertReceipt", func() {
			It("should store the receipt", func() {
				insert(newReceipt(10, 1, 2, "19.99"))

				saved, err := db.GetReceipt(10)
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.UserID).To(Equal(int64(1)))
				Expect(saved.BusinessID).To(Equal(int64(2)))
				Expect(saved.Amount.Equal(dec("19.99"))).To(BeTrue())
				Expect(saved.ImagePath).To(Equal("receipts/r.jpg"))
				Expect(saved.SubmittedAt.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))).To(BeTrue())
				Expect(saved.Verified).To(BeFalse())
			})

			It("returns ErrDuplicateReceipt for a taken id", func() {
				insert(newReceipt(10, 1, 2, "19.99"))
				_, err := db.InsertReceipt(newReceipt(10, 3, 4, "5"))
				Expect(err).To(MatchError(ErrDuplicateReceipt))

				saved, err := db.GetReceipt(10)
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.UserID).To(Equal(int64(1)))

				_, err = db.GetAggregate(4)
				Expect(err).To(MatchError(ErrAggregateNotFound))
			})

			It("should store the rebuilt aggregate of the business", func() {
				insert(newReceipt(10, 1, 2, "20"))
				agg, err := db.InsertReceipt(newReceipt(11, 3, 2, "80"))
				Expect(err).NotTo(HaveOccurred())
				Expect(agg.BusinessID).To(Equal(int64(2)))
				Expect(agg.TotalSpent.Equal(dec("100"))).To(BeTrue())
				Expect(agg.Points).To(Equal(6.06))
				Expect(agg.ReceiptCount).To(Equal(2))

				saved, err := db.GetAggregate(2)
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.TotalSpent.Equal(dec("100"))).To(BeTrue())
				Expect(saved.Points).To(Equal(6.06))
				Expect(saved.ReceiptCount).To(Equal(2))
			})

			It("should leave other businesses alone", func() {
				insert(newReceipt(10, 1, 2, "20"))
				insert(newReceipt(11, 1, 3, "400"))

				saved, err := db.GetAggregate(2)
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.ReceiptCount).To(Equal(1))
				Expect(saved.Points).To(Equal(0.25))
			})
		})

		Describe("GetReceipt", func() {
			It("returns ErrReceiptNotFound for an unknown id", func() {
				_, err := db.GetReceipt(404)
				Expect(err).To(MatchError(ErrReceiptNotFound))
			})
		})

		Describe("listing receipts", func() {
			BeforeEach(func() {
				insert(newReceipt(30, 1, 5, "1"))
				insert(newReceipt(10, 2, 5, "2"))
				insert(newReceipt(20, 1, 6, "3"))
			})

			ids := func(receipts []*Receipt) []int64 {
				out := make([]int64, 0, len(receipts))
				for _, r := range receipts {
					out = append(out, r.ID)
				}
				return out
			}

			It("should list every receipt in id order", func() {
				receipts, err := db.ListReceipts()
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(receipts)).To(Equal([]int64{10, 20, 30}))
			})

			It("should list receipts of one business", func() {
				receipts, err := db.ListReceiptsByBusiness(5)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(receipts)).To(Equal([]int64{10, 30}))
			})

			It("should list receipts of one user", func() {
				receipts, err := db.ListReceiptsByUser(1)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(receipts)).To(Equal([]int64{20, 30}))
			})

			It("should return an empty list when nothing matches", func() {
				receipts, err := db.ListReceiptsByUser(99)
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).NotTo(BeNil())
				Expect(receipts).To(BeEmpty())
			})
		})

		Describe("aggregates", func() {
			It("returns ErrAggregateNotFound for an unknown business", func() {
				_, err := db.GetAggregate(7)
				Expect(err).To(MatchError(ErrAggregateNotFound))
			})

			It("should insert and then replace an aggregate", func() {
				Expect(db.SaveAggregate(&Aggregate{BusinessID: 7, TotalSpent: dec("100"), Points: 6.06, ReceiptCount: 1})).To(Succeed())
				Expect(db.SaveAggregate(&Aggregate{BusinessID: 7, TotalSpent: dec("400"), Points: 69.31, ReceiptCount: 2})).To(Succeed())

				agg, err := db.GetAggregate(7)
				Expect(err).NotTo(HaveOccurred())
				Expect(agg.TotalSpent.Equal(dec("400"))).To(BeTrue())
				Expect(agg.Points).To(Equal(69.31))
				Expect(agg.ReceiptCount).To(Equal(2))

				all, err := db.ListAggregates()
				Expect(err).NotTo(HaveOccurred())
				Expect(all).To(HaveLen(1))
			})

			It("should list aggregates in business id order", func() {
				Expect(db.SaveAggregate(&Aggregate{BusinessID: 9, TotalSpent: dec("1")})).To(Succeed())
				Expect(db.SaveAggregate(&Aggregate{BusinessID: 3, TotalSpent: dec("1")})).To(Succeed())

				all, err := db.ListAggregates()
				Expect(err).NotTo(HaveOccurred())
				Expect(all).To(HaveLen(2))
				Expect(all[0].BusinessID).To(Equal(int64(3)))
				Expect(all[1].BusinessID).To(Equal(int64(9)))
			})

			It("should replace the whole collection", func() {
				Expect(db.SaveAggregate(&Aggregate{BusinessID: 1, TotalSpent: dec("1")})).To(Succeed())
				Expect(db.ReplaceAggregates([]*Aggregate{
					{BusinessID: 2, TotalSpent: dec("20"), Points: 0.25, ReceiptCount: 1},
				})).To(Succeed())

				_, err := db.GetAggregate(1)
				Expect(err).To(MatchError(ErrAggregateNotFound))

				all, err := db.ListAggregates()
				Expect(err).NotTo(HaveOccurred())
				Expect(all).To(HaveLen(1))
				Expect(all[0].BusinessID).To(Equal(int64(2)))
			})

			It("should clear everything when replaced with nothing", func() {
				Expect(db.SaveAggregate(&Aggregate{BusinessID: 1, TotalSpent: dec("1")})).To(Succeed())
				Expect(db.ReplaceAggregates(nil)).To(Succeed())

				all, err := db.ListAggregates()
				Expect(err).NotTo(HaveOccurred())
				Expect(all).To(BeEmpty())
			})
		})

		Describe("verifications", func() {
			It("returns ErrVerificationNotFound before one is saved", func() {
				_, err := db.GetVerification(1)
				Expect(err).To(MatchError(ErrVerificationNotFound))
			})

			It("should keep the latest verification", func() {
				checked := time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)
				Expect(db.SaveVerification(&Verification{ReceiptID: 1, Merchant: "A", ScannedAmount: dec("9.99"), CheckedAt: checked})).To(Succeed())
				Expect(db.SaveVerification(&Verification{ReceiptID: 1, Merchant: "B", ScannedAmount: dec("10.00"), Matched: true, CheckedAt: checked})).To(Succeed())

				v, err := db.GetVerification(1)
				Expect(err).NotTo(HaveOccurred())
				Expect(v.Merchant).To(Equal("B"))
				Expect(v.Matched).To(BeTrue())
				Expect(v.ScannedAmount.Equal(dec("10"))).To(BeTrue())
				Expect(v.CheckedAt.Equal(checked)).To(BeTrue())
			})
		})
	})
}

var _ = Describe("DB", func() {
	describeDB("BoltDB", func(dir string) (DB, error) {
		return NewBoltDB(filepath.Join(dir, "trending.db"))
	})

	describeDB("SQLiteDB", func(dir string) (DB, error) {
		return NewSQLiteDB(filepath.Join(dir, "data", "trending.sqlite"))
	})
})
