package engine

import (
	"fmt"
	"strconv"
	"time"

	"liqmap/internal/bias"
	"liqmap/internal/config"
	"liqmap/internal/distribution"
	"liqmap/internal/margin"

	"go.uber.org/zap"
)

// Params is the reloadable part of the engine. A new value is swapped in
// whole between calculations.
type Params struct {
	Enabled     bool
	Calculator  *bias.Calculator
	Smoother    *bias.Smoother
	Distributor *distribution.Distributor
	Lookback    time.Duration
}

func ParamsFromConfig(cfg *config.Config) (Params, error) {
	calc, err := bias.NewCalculator(cfg.Bias.Sensitivity, cfg.Bias.MaxAdjustment, cfg.Bias.OutlierCap)
	if err != nil {
		return Params{}, fmt.Errorf("bias calculator: %w", err)
	}
	smoother, err := bias.NewSmoother(cfg.Bias.SmoothingEnabled, cfg.Bias.SmoothingPeriods, cfg.Bias.SmoothingWeights)
	if err != nil {
		return Params{}, fmt.Errorf("bias smoother: %w", err)
	}
	table, err := margin.NewTierTableFromConfig(cfg.Tiers)
	if err != nil {
		return Params{}, fmt.Errorf("margin tiers: %w", err)
	}
	dist, err := distribution.NewFromConfig(margin.NewCalculator(table), cfg.Distribution)
	if err != nil {
		return Params{}, fmt.Errorf("distribution: %w", err)
	}
	return Params{
		Enabled:     cfg.Bias.EnabledValue(),
		Calculator:  calc,
		Smoother:    smoother,
		Distributor: dist,
		Lookback:    cfg.Distribution.Lookback,
	}, nil
}

func (p Params) validate() error {
	if p.Calculator == nil || p.Smoother == nil || p.Distributor == nil {
		return fmt.Errorf("%w: calculator, smoother and distributor are required", ErrInvalidInput)
	}
	return nil
}

// LogFields describes the active params for startup and reload logs.
func (p Params) LogFields() []zap.Field {
	weights := p.Distributor.Weights()
	leverage := make([]string, len(weights))
	for i, w := range weights {
		leverage[i] = strconv.Itoa(w.Leverage) + "x=" + w.Weight.String()
	}
	return []zap.Field{
		zap.Bool("bias_enabled", p.Enabled),
		zap.Bool("smoothing", p.Smoother.Enabled()),
		zap.Int("smoothing_periods", p.Smoother.Periods()),
		zap.Strings("leverage_weights", leverage),
		zap.Duration("lookback", p.Lookback),
	}
}
