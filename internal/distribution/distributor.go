package distribution

import (
	"errors"
	"fmt"
	"sort"

	"liqmap/internal/bias"
	"liqmap/internal/config"
	"liqmap/internal/margin"
	"liqmap/internal/profile"

	"github.com/shopspring/decimal"
)

var ErrInvalidInput = errors.New("distribution: invalid input")

// OIPlaces is the decimal precision of allocated open interest.
const OIPlaces = 8

type LeverageWeight struct {
	Leverage int             `json:"leverage"`
	Weight   decimal.Decimal `json:"weight"`
}

// Level is the open interest expected to liquidate at LiquidationPrice for
// positions entered in PriceBin at Leverage.
type Level struct {
	PriceBin         decimal.Decimal `json:"price_bin"`
	Leverage         int             `json:"leverage"`
	Side             margin.Side     `json:"side"`
	AllocatedOI      decimal.Decimal `json:"allocated_oi"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

// Distributor spreads open interest over price bins and leverage tiers. It is
// immutable after construction and safe for concurrent use.
type Distributor struct {
	calc             *margin.Calculator
	weights          []LeverageWeight
	weightSum        decimal.Decimal
	positionNotional decimal.Decimal
}

// NewDistributor keeps weights with a positive share, ordered by leverage.
// positionNotional selects the margin tier; zero means each cell's own
// allocated OI is used.
func NewDistributor(calc *margin.Calculator, weights []LeverageWeight, positionNotional decimal.Decimal) (*Distributor, error) {
	if calc == nil {
		return nil, fmt.Errorf("%w: margin calculator is required", ErrInvalidInput)
	}
	if positionNotional.Sign() < 0 {
		return nil, fmt.Errorf("%w: position notional %s must be >= 0", ErrInvalidInput, positionNotional)
	}
	seen := make(map[int]struct{}, len(weights))
	kept := make([]LeverageWeight, 0, len(weights))
	sum := decimal.Zero
	for _, w := range weights {
		if w.Leverage < 1 {
			return nil, fmt.Errorf("%w: leverage %d must be >= 1", ErrInvalidInput, w.Leverage)
		}
		if w.Weight.Sign() < 0 {
			return nil, fmt.Errorf("%w: weight %s for %dx must be >= 0", ErrInvalidInput, w.Weight, w.Leverage)
		}
		if _, ok := seen[w.Leverage]; ok {
			return nil, fmt.Errorf("%w: duplicate leverage %dx", ErrInvalidInput, w.Leverage)
		}
		seen[w.Leverage] = struct{}{}
		if w.Weight.IsZero() {
			continue
		}
		kept = append(kept, w)
		sum = sum.Add(w.Weight)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: leverage weights must have a positive sum", ErrInvalidInput)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Leverage < kept[j].Leverage })
	return &Distributor{calc: calc, weights: kept, weightSum: sum, positionNotional: positionNotional}, nil
}

func NewFromConfig(calc *margin.Calculator, cfg config.DistributionConfig) (*Distributor, error) {
	weights := make([]LeverageWeight, len(cfg.LeverageWeights))
	for i, lw := range cfg.LeverageWeights {
		weights[i] = LeverageWeight{Leverage: lw.Leverage, Weight: decimal.NewFromFloat(lw.Weight)}
	}
	return NewDistributor(calc, weights, decimal.NewFromFloat(cfg.PositionNotional))
}

// Weights returns the active leverage weights in ascending leverage order.
func (d *Distributor) Weights() []LeverageWeight {
	return append([]LeverageWeight(nil), d.weights...)
}

type bin struct {
	price  decimal.Decimal
	volume decimal.Decimal
}

// Distribute splits totalOI into long and short by adj, then over price bins
// by volume share and over leverage tiers by weight. Every cell is truncated
// to OIPlaces and the last cell of each side takes the remainder, so the
// allocated total equals totalOI exactly.
//
// Levels are ordered longs first by ascending price, then shorts by
// descending price; leverage ascends within a bin. Bins without positive
// volume or price are skipped. Zero OI or an empty profile yields no levels.
func (d *Distributor) Distribute(totalOI decimal.Decimal, adj bias.Adjustment, entries []profile.Entry) ([]Level, error) {
	if totalOI.Sign() < 0 {
		return nil, fmt.Errorf("%w: total open interest %s must be >= 0", ErrInvalidInput, totalOI)
	}
	if err := bias.Validate(adj); err != nil {
		return nil, err
	}
	levels := []Level{}
	if totalOI.IsZero() {
		return levels, nil
	}
	bins, totalVolume := usableBins(entries)
	if len(bins) == 0 || totalVolume.Sign() <= 0 {
		return levels, nil
	}

	longOI := totalOI.Mul(adj.LongRatio).Round(OIPlaces)
	shortOI := totalOI.Sub(longOI)

	longs, err := d.allocate(margin.Long, longOI, bins, totalVolume)
	if err != nil {
		return nil, err
	}
	descending := make([]bin, len(bins))
	for i := range bins {
		descending[i] = bins[len(bins)-1-i]
	}
	shorts, err := d.allocate(margin.Short, shortOI, descending, totalVolume)
	if err != nil {
		return nil, err
	}
	levels = append(levels, longs...)
	levels = append(levels, shorts...)
	return levels, nil
}

func (d *Distributor) allocate(side margin.Side, sideOI decimal.Decimal, bins []bin, totalVolume decimal.Decimal) ([]Level, error) {
	if sideOI.Sign() <= 0 {
		return nil, nil
	}
	denom := totalVolume.Mul(d.weightSum)
	levels := make([]Level, 0, len(bins)*len(d.weights))
	allocated := decimal.Zero
	for bi, b := range bins {
		for wi, w := range d.weights {
			var oi decimal.Decimal
			if bi == len(bins)-1 && wi == len(d.weights)-1 {
				oi = sideOI.Sub(allocated)
			} else {
				oi, _ = sideOI.Mul(b.volume).Mul(w.Weight).QuoRem(denom, OIPlaces)
			}
			allocated = allocated.Add(oi)
			notional := d.positionNotional
			if notional.IsZero() {
				notional = oi
			}
			if notional.Sign() <= 0 {
				continue
			}
			price, err := d.calc.LiquidationPrice(side, b.price, notional, w.Leverage)
			if err != nil {
				return nil, fmt.Errorf("liquidation price %s %s %dx: %w", side, b.price, w.Leverage, err)
			}
			levels = append(levels, Level{
				PriceBin:         b.price,
				Leverage:         w.Leverage,
				Side:             side,
				AllocatedOI:      oi,
				LiquidationPrice: price,
			})
		}
	}
	return levels, nil
}

func usableBins(entries []profile.Entry) ([]bin, decimal.Decimal) {
	merged := profile.Merge(entries)
	bins := make([]bin, 0, len(merged))
	total := decimal.Zero
	for _, e := range merged {
		if e.Volume.Sign() <= 0 || e.PriceBin.Sign() <= 0 {
			continue
		}
		bins = append(bins, bin{price: e.PriceBin, volume: e.Volume})
		total = total.Add(e.Volume)
	}
	return bins, total
}
