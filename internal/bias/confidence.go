package bias

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// ConfidenceWindow is the age at which a funding observation carries no weight.
	ConfidenceWindow = 24 * time.Hour
	// saturationRate is the absolute funding rate at which magnitude confidence peaks.
	saturationRate = 0.05
)

// Confidence scores a funding observation in [0, 1]:
//
//	decay(age) * (0.5 + 0.5*min(1, |rate|/0.05))
//
// decay falls linearly from 1 to 0 across ConfidenceWindow. Observations
// stamped in the future count as age zero.
func Confidence(rate decimal.Decimal, age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	decay := 1 - age.Seconds()/ConfidenceWindow.Seconds()
	if decay <= 0 {
		return 0
	}
	magnitude := math.Min(1, math.Abs(rate.InexactFloat64())/saturationRate)
	score := decay * (0.5 + 0.5*magnitude)
	return math.Max(0, math.Min(1, score))
}
