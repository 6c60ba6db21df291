package bias

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Smoother averages the long ratio over the most recent adjustments. By
// default it uses EWMA weights with alpha = 2/(periods+1); explicit weights
// are ordered oldest to newest.
type Smoother struct {
	enabled bool
	periods int
	weights []float64
}

func NewSmoother(enabled bool, periods int, weights []float64) (*Smoother, error) {
	if periods < 1 || periods > HistoryCapacity {
		return nil, fmt.Errorf("%w: smoothing periods %d must be in [1, %d]", ErrInvalidInput, periods, HistoryCapacity)
	}
	if len(weights) > 0 {
		if len(weights) != periods {
			return nil, fmt.Errorf("%w: %d smoothing weights for %d periods", ErrInvalidInput, len(weights), periods)
		}
		var sum float64
		for _, w := range weights {
			if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
				return nil, fmt.Errorf("%w: smoothing weight %v", ErrInvalidInput, w)
			}
			sum += w
		}
		if sum <= 0 {
			return nil, fmt.Errorf("%w: smoothing weights sum to zero", ErrInvalidInput)
		}
	}
	cp := append([]float64(nil), weights...)
	return &Smoother{enabled: enabled, periods: periods, weights: cp}, nil
}

func (s *Smoother) Enabled() bool {
	return s != nil && s.enabled
}

func (s *Smoother) Periods() int {
	return s.periods
}

// Smooth returns the newest entry of history with its long ratio replaced by
// the weighted average over the last periods entries. The short ratio is
// re-derived as 1 - long. When disabled the newest entry passes through.
func (s *Smoother) Smooth(history []Adjustment) (Adjustment, error) {
	if len(history) == 0 {
		return Adjustment{}, fmt.Errorf("%w: empty smoothing history", ErrInvalidInput)
	}
	latest := history[len(history)-1]
	if !s.Enabled() {
		return latest, nil
	}
	window := history
	if len(window) > s.periods {
		window = window[len(window)-s.periods:]
	}
	if len(window) == 1 {
		return latest, nil
	}
	weights := s.windowWeights(len(window))
	num := decimal.Zero
	den := decimal.Zero
	for i, a := range window {
		w := decimal.NewFromFloat(weights[i])
		num = num.Add(a.LongRatio.Mul(w))
		den = den.Add(w)
	}
	if den.Sign() <= 0 {
		return latest, nil
	}
	long := num.DivRound(den, RatioPlaces)
	lo, hi := bounds(latest.MaxAdjustment)
	if long.LessThan(lo) {
		long = lo
	}
	if long.GreaterThan(hi) {
		long = hi
	}
	out := latest.withLong(long)
	out.Smoothed = true
	return out, nil
}

// windowWeights returns n weights, oldest first. Explicit weights are
// trimmed to the newest n when fewer entries are available.
func (s *Smoother) windowWeights(n int) []float64 {
	if len(s.weights) > 0 {
		return s.weights[len(s.weights)-n:]
	}
	return EWMAWeights(s.periods)[s.periods-n:]
}

// EWMAWeights returns normalized exponential weights for n periods, oldest
// first, with the newest weighted highest.
func EWMAWeights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	alpha := 2.0 / float64(n+1)
	weights := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		weights[i] = math.Pow(1-alpha, float64(n-1-i))
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}
