package margin

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PricePlaces is the decimal precision of liquidation prices.
const PricePlaces = 8

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

func (s Side) Valid() bool {
	return s == Long || s == Short
}

// Calculator computes isolated-margin liquidation prices against a tier table.
type Calculator struct {
	table *TierTable
}

func NewCalculator(table *TierTable) *Calculator {
	return &Calculator{table: table}
}

func (c *Calculator) Table() *TierTable {
	return c.table
}

// LiquidationPrice returns the price at which a position opened at entry is
// liquidated:
//
//	long:  entry*(1 - 1/L + mmr) - entry*amt/notional
//	short: entry*(1 + 1/L - mmr) + entry*amt/notional
//
// mmr and amt come from the tier for notional. The amt term keeps the price
// continuous across tier boundaries. Negative long prices floor at zero.
func (c *Calculator) LiquidationPrice(side Side, entry, notional decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Decimal{}, fmt.Errorf("%w: side %q", ErrInvalidInput, side)
	}
	if entry.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: entry price %s must be > 0", ErrInvalidInput, entry)
	}
	if notional.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: notional %s must be > 0", ErrInvalidInput, notional)
	}
	if leverage < 1 {
		return decimal.Decimal{}, fmt.Errorf("%w: leverage %d must be >= 1", ErrInvalidInput, leverage)
	}
	tier, err := c.table.TierFor(notional)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return liquidationPrice(side, entry, notional, leverage, tier), nil
}

func liquidationPrice(side Side, entry, notional decimal.Decimal, leverage int, tier Tier) decimal.Decimal {
	one := decimal.NewFromInt(1)
	inv := one.Div(decimal.NewFromInt(int64(leverage)))
	offset := entry.Mul(tier.MaintenanceAmount).Div(notional)
	var price decimal.Decimal
	if side == Long {
		price = entry.Mul(one.Sub(inv).Add(tier.MaintenanceMarginRate)).Sub(offset)
		if price.Sign() < 0 {
			price = decimal.Zero
		}
	} else {
		price = entry.Mul(one.Add(inv).Sub(tier.MaintenanceMarginRate)).Add(offset)
	}
	return price.Round(PricePlaces)
}
