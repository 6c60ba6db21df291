package margin

import (
	"liqmap/internal/config"

	"github.com/shopspring/decimal"
)

func SpecsFromConfig(tiers []config.TierConfig) []TierSpec {
	specs := make([]TierSpec, len(tiers))
	for i, t := range tiers {
		specs[i] = TierSpec{
			MaxNotional:           decimal.NewFromFloat(t.MaxNotional),
			MaintenanceMarginRate: decimal.NewFromFloat(t.MaintenanceMarginRate),
			MaxLeverage:           t.MaxLeverage,
		}
		if t.MaintenanceAmount != nil {
			amt := decimal.NewFromFloat(*t.MaintenanceAmount)
			specs[i].MaintenanceAmount = &amt
		}
	}
	return specs
}

func NewTierTableFromConfig(tiers []config.TierConfig) (*TierTable, error) {
	return NewTierTable(SpecsFromConfig(tiers))
}
