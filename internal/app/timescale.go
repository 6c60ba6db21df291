package app

import (
	"context"

	"liqmap/internal/config"
	"liqmap/internal/engine"
	"liqmap/internal/timescale"

	"go.uber.org/zap"
)

// openTimescale returns the writer and the sink the engine should use. Both
// are nil when the audit log is disabled.
func openTimescale(cfg config.TimescaleConfig, log *zap.Logger) (*timescale.Writer, engine.Sink, error) {
	writer, err := timescale.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if writer == nil {
		return nil, nil, nil
	}
	log.Info("timescale audit log enabled", zap.String("schema", cfg.Schema), zap.Int("queue_size", cfg.QueueSize))
	return writer, writer, nil
}

func (a *App) startTimescale(ctx context.Context) {
	if a.timescale == nil {
		return
	}
	a.timescale.Start(ctx)
}

func (a *App) timescaleDropped() uint64 {
	return a.timescale.Dropped()
}
