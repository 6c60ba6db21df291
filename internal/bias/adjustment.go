package bias

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput = errors.New("bias: invalid input")
	ErrInvariant    = errors.New("bias: ratio invariant violated")
)

// RatioPlaces is the decimal precision of long and short ratios.
const RatioPlaces = 8

// MaxAdjustmentLimit caps how far a ratio may move away from 0.5.
const MaxAdjustmentLimit = 0.30

var (
	one  = decimal.NewFromInt(1)
	half = decimal.NewFromFloat(0.5)
)

type Status string

const (
	// StatusApplied is a bias derived from a fresh funding rate.
	StatusApplied Status = "applied"
	// StatusStale is a bias derived from a last-known-good funding rate.
	StatusStale Status = "stale"
	// StatusDisabled is the neutral split returned when the bias stage is off.
	StatusDisabled Status = "disabled"
	// StatusDegraded is the neutral split returned when no funding rate is available.
	StatusDegraded Status = "degraded"
)

// Adjustment is the long/short split derived from one funding observation.
// LongRatio + ShortRatio is exactly 1.
type Adjustment struct {
	FundingInput  decimal.Decimal `json:"funding_input"`
	LongRatio     decimal.Decimal `json:"long_ratio"`
	ShortRatio    decimal.Decimal `json:"short_ratio"`
	Confidence    float64         `json:"confidence"`
	AppliedAt     time.Time       `json:"applied_at"`
	ScaleFactor   float64         `json:"scale_factor"`
	MaxAdjustment float64         `json:"max_adjustment"`
	Status        Status          `json:"status"`
	Smoothed      bool            `json:"smoothed"`
}

// Neutral returns a 50/50 split with zero confidence.
func Neutral(at time.Time, status Status) Adjustment {
	return Adjustment{
		FundingInput: decimal.Zero,
		LongRatio:    half,
		ShortRatio:   half,
		Confidence:   0,
		AppliedAt:    at,
		Status:       status,
	}
}

// IsNeutral reports whether the adjustment carries no sentiment signal.
func (a Adjustment) IsNeutral() bool {
	return a.Status == StatusDisabled || a.Status == StatusDegraded
}

func (a Adjustment) withLong(long decimal.Decimal) Adjustment {
	a.LongRatio = long
	a.ShortRatio = one.Sub(long)
	return a
}

// Validate checks the exact-sum invariant, the ratio bounds and the
// confidence range. A failure here is a defect, never a data problem.
func Validate(a Adjustment) error {
	if !a.LongRatio.Add(a.ShortRatio).Equal(one) {
		return fmt.Errorf("%w: long %s + short %s != 1", ErrInvariant, a.LongRatio, a.ShortRatio)
	}
	if !a.IsNeutral() {
		lo, hi := bounds(a.MaxAdjustment)
		for _, r := range []decimal.Decimal{a.LongRatio, a.ShortRatio} {
			if r.LessThan(lo) || r.GreaterThan(hi) {
				return fmt.Errorf("%w: ratio %s outside [%s, %s]", ErrInvariant, r, lo, hi)
			}
		}
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvariant, a.Confidence)
	}
	return nil
}

func bounds(maxAdjustment float64) (decimal.Decimal, decimal.Decimal) {
	m := decimal.NewFromFloat(maxAdjustment)
	return half.Sub(m), half.Add(m)
}
