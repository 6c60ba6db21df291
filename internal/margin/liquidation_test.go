package margin

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiquidationPriceFirstTier(t *testing.T) {
	calc := NewCalculator(defaultTable(t))

	long, err := calc.LiquidationPrice(Long, d("60000"), d("10000"), 10)
	require.NoError(t, err)
	// 60000 * (1 - 0.1 + 0.004) - 0
	assert.True(t, long.Equal(d("54240")), "long=%s", long)

	short, err := calc.LiquidationPrice(Short, d("60000"), d("10000"), 10)
	require.NoError(t, err)
	// 60000 * (1 + 0.1 - 0.004) + 0
	assert.True(t, short.Equal(d("65760")), "short=%s", short)
}

func TestLiquidationPriceIncludesMaintenanceAmount(t *testing.T) {
	calc := NewCalculator(defaultTable(t))

	long, err := calc.LiquidationPrice(Long, d("100"), d("200000"), 20)
	require.NoError(t, err)
	// 100 * (1 - 0.05 + 0.005) - 100*50/200000
	assert.True(t, long.Equal(d("95.475")), "long=%s", long)

	short, err := calc.LiquidationPrice(Short, d("100"), d("200000"), 20)
	require.NoError(t, err)
	// 100 * (1 + 0.05 - 0.005) + 100*50/200000
	assert.True(t, short.Equal(d("104.525")), "short=%s", short)
}

func TestLiquidationPriceContinuousAtEveryBoundary(t *testing.T) {
	table := defaultTable(t)
	tiers := table.Tiers()
	entry := d("65000")
	tolerance := d("0.000001")
	for i, boundary := range table.Boundaries() {
		for _, side := range []Side{Long, Short} {
			for _, leverage := range []int{1, 5, 20, 100} {
				below := liquidationPrice(side, entry, boundary, leverage, tiers[i])
				above := liquidationPrice(side, entry, boundary, leverage, tiers[i+1])
				diff := below.Sub(above).Abs()
				assert.True(t, diff.LessThanOrEqual(tolerance),
					"boundary %s side %s leverage %d: below %s above %s", boundary, side, leverage, below, above)
			}
		}
	}
}

func TestLiquidationPriceContinuousThroughLookup(t *testing.T) {
	calc := NewCalculator(defaultTable(t))
	entry := d("65000")
	step := d("0.01")
	for _, boundary := range calc.Table().Boundaries() {
		below, err := calc.LiquidationPrice(Long, entry, boundary, 10)
		require.NoError(t, err)
		above, err := calc.LiquidationPrice(Long, entry, boundary.Add(step), 10)
		require.NoError(t, err)
		assert.True(t, below.Sub(above).Abs().LessThan(d("0.001")),
			"boundary %s: below %s above %s", boundary, below, above)
	}
}

func TestNaiveRateOnlyFormulaJumps(t *testing.T) {
	tiers := defaultTable(t).Tiers()
	boundary := tiers[0].MaxNotional
	naive := tiers[1]
	naive.MaintenanceAmount = decimal.Zero
	below := liquidationPrice(Long, d("65000"), boundary, 10, tiers[0])
	above := liquidationPrice(Long, d("65000"), boundary, 10, naive)
	assert.True(t, below.Sub(above).Abs().GreaterThan(d("1")), "expected a jump without the amount term")
}

func TestLiquidationPriceLongFloorsAtZero(t *testing.T) {
	amount := d("20")
	table, err := NewTierTable([]TierSpec{
		{MaxNotional: d("1000"), MaintenanceMarginRate: d("0.01"), MaintenanceAmount: &amount, MaxLeverage: 10},
	})
	require.NoError(t, err)
	calc := NewCalculator(table)
	// 100*(1 - 1 + 0.01) - 100*20/1000 < 0
	price, err := calc.LiquidationPrice(Long, d("100"), d("1000"), 1)
	require.NoError(t, err)
	assert.True(t, price.IsZero(), "price=%s", price)
}

func TestLiquidationPriceRejectsInvalidInput(t *testing.T) {
	calc := NewCalculator(defaultTable(t))
	cases := []struct {
		name     string
		side     Side
		entry    string
		notional string
		leverage int
	}{
		{"bad side", Side("flat"), "100", "1000", 10},
		{"zero entry", Long, "0", "1000", 10},
		{"zero notional", Long, "100", "0", 10},
		{"negative notional", Short, "100", "-5", 10},
		{"zero leverage", Short, "100", "1000", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := calc.LiquidationPrice(tc.side, d(tc.entry), d(tc.notional), tc.leverage)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
