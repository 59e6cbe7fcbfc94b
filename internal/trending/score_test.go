package trending

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("Score", func() {
	DescribeTable("reference totals",
		func(total string, expected float64) {
			Expect(Points(decimal.RequireFromString(total))).To(Equal(expected))
		},
		Entry("20", "20", 0.25),
		Entry("100", "100", 6.06),
		Entry("400", "400", 69.31),
		Entry("1000", "1000", 198.10),
		Entry("5000", "5000", 505.78),
	)

	It("scores zero for zero spend", func() {
		Expect(Score(0)).To(BeZero())
		Expect(Points(decimal.Zero)).To(BeZero())
	})

	It("scores zero for negative or NaN input", func() {
		Expect(Score(-10)).To(BeZero())
		Expect(Score(math.NaN())).To(BeZero())
	})

	It("equals A*ln 2 at the threshold", func() {
		Expect(Score(PointsThreshold)).To(BeNumerically("~", PointsScale*math.Ln2, 1e-9))
	})

	It("increases with spend", func() {
		prev := Score(0)
		for _, x := range []float64{0.01, 1, 10, 50, 200, 399, 400, 401, 2000, 1e6} {
			next := Score(x)
			Expect(next).To(BeNumerically(">", prev))
			prev = next
		}
	})

	It("rounds stored points to two decimals", func() {
		p := Points(decimal.RequireFromString("123.45"))
		Expect(p * 100).To(BeNumerically("~", math.Round(p*100), 1e-9))
	})
})
