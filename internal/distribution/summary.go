package distribution

import (
	"sort"

	"liqmap/internal/margin"

	"github.com/shopspring/decimal"
)

type LeverageTotal struct {
	Leverage int             `json:"leverage"`
	LongOI   decimal.Decimal `json:"long_oi"`
	ShortOI  decimal.Decimal `json:"short_oi"`
}

type Summary struct {
	Levels     int             `json:"levels"`
	LongOI     decimal.Decimal `json:"long_oi"`
	ShortOI    decimal.Decimal `json:"short_oi"`
	TotalOI    decimal.Decimal `json:"total_oi"`
	ByLeverage []LeverageTotal `json:"by_leverage"`
	// Nearest long and short liquidation prices, zero when a side is empty.
	HighestLongLiquidation decimal.Decimal `json:"highest_long_liquidation"`
	LowestShortLiquidation decimal.Decimal `json:"lowest_short_liquidation"`
}

func Summarize(levels []Level) Summary {
	s := Summary{
		Levels:  len(levels),
		LongOI:  decimal.Zero,
		ShortOI: decimal.Zero,
	}
	byLev := make(map[int]*LeverageTotal)
	for _, l := range levels {
		lt, ok := byLev[l.Leverage]
		if !ok {
			lt = &LeverageTotal{Leverage: l.Leverage, LongOI: decimal.Zero, ShortOI: decimal.Zero}
			byLev[l.Leverage] = lt
		}
		switch l.Side {
		case margin.Long:
			s.LongOI = s.LongOI.Add(l.AllocatedOI)
			lt.LongOI = lt.LongOI.Add(l.AllocatedOI)
			if l.LiquidationPrice.GreaterThan(s.HighestLongLiquidation) {
				s.HighestLongLiquidation = l.LiquidationPrice
			}
		case margin.Short:
			s.ShortOI = s.ShortOI.Add(l.AllocatedOI)
			lt.ShortOI = lt.ShortOI.Add(l.AllocatedOI)
			if s.LowestShortLiquidation.IsZero() || l.LiquidationPrice.LessThan(s.LowestShortLiquidation) {
				s.LowestShortLiquidation = l.LiquidationPrice
			}
		}
	}
	s.TotalOI = s.LongOI.Add(s.ShortOI)
	s.ByLeverage = make([]LeverageTotal, 0, len(byLev))
	for _, lt := range byLev {
		s.ByLeverage = append(s.ByLeverage, *lt)
	}
	sort.Slice(s.ByLeverage, func(i, j int) bool { return s.ByLeverage[i].Leverage < s.ByLeverage[j].Leverage })
	return s
}
