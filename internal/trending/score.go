package trending

import (
	"math"

	"github.com/shopspring/decimal"
)

// Scoring constants for points = A * ln(1 + (x / T)^n)
const (
	PointsScale     = 100.0 // A
	PointsThreshold = 400.0 // T, in currency units
	PointsSteepness = 2.0   // n
)

// Score maps a total spend to trending points. Small totals score close to
// zero, totals near the threshold rise quickly and large totals flatten out.
func Score(totalSpent float64) float64 {
	if totalSpent <= 0 || math.IsNaN(totalSpent) {
		return 0
	}
	ratio := totalSpent / PointsThreshold
	return PointsScale * math.Log1p(math.Pow(ratio, PointsSteepness))
}

// Points is the stored form of Score: computed from an exact total and
// rounded to two decimal places
func Points(totalSpent decimal.Decimal) float64 {
	return round2(Score(totalSpent.InexactFloat64()))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
