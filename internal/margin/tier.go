package margin

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTier  = errors.New("margin: invalid tier")
	ErrInvalidInput = errors.New("margin: invalid input")
)

// Tier is one notional bracket. A position of notional N in this tier needs
// N*MaintenanceMarginRate - MaintenanceAmount of maintenance margin.
type Tier struct {
	MaxNotional           decimal.Decimal `json:"max_notional"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate"`
	MaintenanceAmount     decimal.Decimal `json:"maintenance_amount"`
	MaxLeverage           int             `json:"max_leverage"`
}

// TierSpec is a tier as configured. A nil MaintenanceAmount is derived.
type TierSpec struct {
	MaxNotional           decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	MaintenanceAmount     *decimal.Decimal
	MaxLeverage           int
}

// TierTable is an ordered, non-overlapping set of tiers. It is immutable
// after construction.
type TierTable struct {
	tiers []Tier
}

// NewTierTable validates specs and fills in maintenance amounts so the
// maintenance margin is continuous at every boundary:
//
//	amt[i] = amt[i-1] + max[i-1] * (rate[i] - rate[i-1])
//
// The first tier's amount defaults to zero. A configured amount that does
// not match the derived value is rejected.
func NewTierTable(specs []TierSpec) (*TierTable, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidTier)
	}
	tiers := make([]Tier, len(specs))
	for i, spec := range specs {
		if spec.MaxNotional.Sign() <= 0 {
			return nil, fmt.Errorf("%w: tier %d max notional %s must be > 0", ErrInvalidTier, i, spec.MaxNotional)
		}
		if i > 0 && !spec.MaxNotional.GreaterThan(specs[i-1].MaxNotional) {
			return nil, fmt.Errorf("%w: tier %d max notional %s not above %s", ErrInvalidTier, i, spec.MaxNotional, specs[i-1].MaxNotional)
		}
		if spec.MaintenanceMarginRate.Sign() <= 0 || spec.MaintenanceMarginRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: tier %d maintenance rate %s must be in (0, 1)", ErrInvalidTier, i, spec.MaintenanceMarginRate)
		}
		if spec.MaxLeverage < 1 {
			return nil, fmt.Errorf("%w: tier %d max leverage %d must be >= 1", ErrInvalidTier, i, spec.MaxLeverage)
		}

		amount := decimal.Zero
		if i > 0 {
			prev := tiers[i-1]
			amount = prev.MaintenanceAmount.Add(prev.MaxNotional.Mul(spec.MaintenanceMarginRate.Sub(prev.MaintenanceMarginRate)))
		}
		if spec.MaintenanceAmount != nil {
			if spec.MaintenanceAmount.Sign() < 0 {
				return nil, fmt.Errorf("%w: tier %d maintenance amount %s must be >= 0", ErrInvalidTier, i, spec.MaintenanceAmount)
			}
			if i == 0 {
				amount = *spec.MaintenanceAmount
			} else if !spec.MaintenanceAmount.Equal(amount) {
				return nil, fmt.Errorf("%w: tier %d maintenance amount %s breaks continuity, expected %s", ErrInvalidTier, i, spec.MaintenanceAmount, amount)
			}
		}
		tiers[i] = Tier{
			MaxNotional:           spec.MaxNotional,
			MaintenanceMarginRate: spec.MaintenanceMarginRate,
			MaintenanceAmount:     amount,
			MaxLeverage:           spec.MaxLeverage,
		}
	}
	return &TierTable{tiers: tiers}, nil
}

// TierFor returns the tier with the smallest max notional >= notional. Notional
// above every bound maps to the last tier.
func (t *TierTable) TierFor(notional decimal.Decimal) (Tier, error) {
	if notional.Sign() < 0 {
		return Tier{}, fmt.Errorf("%w: notional %s must be >= 0", ErrInvalidInput, notional)
	}
	i := sort.Search(len(t.tiers), func(i int) bool {
		return t.tiers[i].MaxNotional.GreaterThanOrEqual(notional)
	})
	if i == len(t.tiers) {
		i = len(t.tiers) - 1
	}
	return t.tiers[i], nil
}

// Tiers returns a copy of the table.
func (t *TierTable) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// Boundaries returns each tier's max notional except the last.
func (t *TierTable) Boundaries() []decimal.Decimal {
	if len(t.tiers) < 2 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(t.tiers)-1)
	for _, tier := range t.tiers[:len(t.tiers)-1] {
		out = append(out, tier.MaxNotional)
	}
	return out
}
