package bias

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Calculate maps a funding rate to a long/short split:
//
//	long = 0.5 + tanh(rate*100*scaleFactor) * maxAdjustment
//	short = 1 - long
//
// long is computed in float64 and converted to decimal once. short is
// always derived by decimal subtraction so the pair sums to exactly 1.
func Calculate(rate decimal.Decimal, scaleFactor, maxAdjustment float64) (Adjustment, error) {
	if err := checkParams(scaleFactor, maxAdjustment); err != nil {
		return Adjustment{}, err
	}
	pct := rate.Shift(2).InexactFloat64()
	x := math.Tanh(pct * scaleFactor)
	long := decimal.NewFromFloat(0.5 + x*maxAdjustment).Round(RatioPlaces)

	lo, hi := bounds(maxAdjustment)
	if long.LessThan(lo) {
		long = lo
	}
	if long.GreaterThan(hi) {
		long = hi
	}
	adj := Adjustment{
		FundingInput:  rate,
		ScaleFactor:   scaleFactor,
		MaxAdjustment: maxAdjustment,
		Status:        StatusApplied,
	}
	return adj.withLong(long), nil
}

// RateFromFloat converts a float funding rate, rejecting NaN and infinities.
func RateFromFloat(rate float64) (decimal.Decimal, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return decimal.Decimal{}, fmt.Errorf("%w: funding rate %v is not finite", ErrInvalidInput, rate)
	}
	return decimal.NewFromFloat(rate), nil
}

func checkParams(scaleFactor, maxAdjustment float64) error {
	if math.IsNaN(scaleFactor) || math.IsInf(scaleFactor, 0) || scaleFactor <= 0 {
		return fmt.Errorf("%w: scale factor %v must be > 0", ErrInvalidInput, scaleFactor)
	}
	if math.IsNaN(maxAdjustment) || maxAdjustment <= 0 || maxAdjustment > MaxAdjustmentLimit {
		return fmt.Errorf("%w: max adjustment %v must be in (0, %.2f]", ErrInvalidInput, maxAdjustment, MaxAdjustmentLimit)
	}
	return nil
}

// Calculator applies outlier capping and confidence scoring around Calculate.
// It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	scaleFactor   float64
	maxAdjustment float64
	outlierCap    decimal.Decimal
	now           func() time.Time
}

func NewCalculator(scaleFactor, maxAdjustment, outlierCap float64) (*Calculator, error) {
	if err := checkParams(scaleFactor, maxAdjustment); err != nil {
		return nil, err
	}
	if math.IsNaN(outlierCap) || math.IsInf(outlierCap, 0) || outlierCap <= 0 {
		return nil, fmt.Errorf("%w: outlier cap %v must be > 0", ErrInvalidInput, outlierCap)
	}
	return &Calculator{
		scaleFactor:   scaleFactor,
		maxAdjustment: maxAdjustment,
		outlierCap:    decimal.NewFromFloat(outlierCap),
		now:           time.Now,
	}, nil
}

// WithClock returns a copy of the calculator reading time from now.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	cp := *c
	cp.now = now
	return &cp
}

// Calculate clamps rate to the outlier cap, derives the split and scores
// confidence by the age of observedAt. FundingInput keeps the raw rate.
func (c *Calculator) Calculate(rate decimal.Decimal, observedAt time.Time) (Adjustment, error) {
	capped := Clamp(rate, c.outlierCap)
	adj, err := Calculate(capped, c.scaleFactor, c.maxAdjustment)
	if err != nil {
		return Adjustment{}, err
	}
	now := c.now()
	adj.FundingInput = rate
	adj.AppliedAt = now.UTC()
	adj.Confidence = Confidence(capped, now.Sub(observedAt))
	return adj, nil
}

// Clamp limits rate to [-limit, limit].
func Clamp(rate, limit decimal.Decimal) decimal.Decimal {
	if rate.GreaterThan(limit) {
		return limit
	}
	if neg := limit.Neg(); rate.LessThan(neg) {
		return neg
	}
	return rate
}
