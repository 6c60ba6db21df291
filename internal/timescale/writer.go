package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"liqmap/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Adjustment is one bias audit row.
type Adjustment struct {
	CalculationID string
	Time          time.Time
	Symbol        string
	Status        string
	FundingRate   decimal.Decimal
	LongRatio     decimal.Decimal
	ShortRatio    decimal.Decimal
	Confidence    float64
	Smoothed      bool
	TotalOI       decimal.Decimal
}

type Level struct {
	PriceBin         decimal.Decimal
	Leverage         int
	Side             string
	AllocatedOI      decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// Calculation groups the audit row with the levels it produced. Both are
// written in one transaction.
type Calculation struct {
	Adjustment Adjustment
	Levels     []Level
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	queue   chan Calculation
	started atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// New returns nil when the sink is disabled. All Writer methods accept a
// nil receiver.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		queue:  make(chan Calculation, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Enqueue never blocks. A full queue drops the calculation and counts it.
func (w *Writer) Enqueue(calc Calculation) bool {
	if w == nil {
		return false
	}
	select {
	case w.queue <- calc:
		return true
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("timescale queue full", zap.String("symbol", calc.Adjustment.Symbol))
		}
		return false
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) Written() uint64 {
	if w == nil {
		return 0
	}
	return w.written.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case calc := <-w.queue:
			if err := w.write(ctx, calc); err != nil {
				w.log.Warn("timescale write failed",
					zap.String("symbol", calc.Adjustment.Symbol),
					zap.String("calculation_id", calc.Adjustment.CalculationID),
					zap.Error(err),
				)
				continue
			}
			w.written.Add(1)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		calculation_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		funding_rate NUMERIC NOT NULL,
		long_ratio NUMERIC NOT NULL,
		short_ratio NUMERIC NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		smoothed BOOLEAN NOT NULL,
		total_oi NUMERIC NOT NULL
	)`, w.table("bias_adjustments"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		calculation_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price_bin NUMERIC NOT NULL,
		leverage INTEGER NOT NULL,
		allocated_oi NUMERIC NOT NULL,
		liquidation_price NUMERIC NOT NULL
	)`, w.table("liquidation_levels"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"bias_adjustments", "liquidation_levels"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) write(ctx context.Context, calc Calculation) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	a := calc.Adjustment
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		ts, calculation_id, symbol, status, funding_rate, long_ratio, short_ratio, confidence, smoothed, total_oi
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("bias_adjustments")),
		a.Time, a.CalculationID, a.Symbol, a.Status,
		a.FundingRate, a.LongRatio, a.ShortRatio, a.Confidence, a.Smoothed, a.TotalOI,
	); err != nil {
		return fmt.Errorf("insert adjustment: %w", err)
	}
	for i, batch := range levelBatches(calc.Levels, maxLevelRows) {
		query, args := w.levelInsert(a, batch)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert levels batch %d: %w", i, err)
		}
	}
	return tx.Commit()
}

const (
	levelColumns = 8
	// Postgres caps a statement at 65535 bind parameters.
	maxLevelRows = 65535 / levelColumns
)

func levelBatches(levels []Level, size int) [][]Level {
	var batches [][]Level
	for len(levels) > 0 {
		n := min(size, len(levels))
		batches = append(batches, levels[:n])
		levels = levels[n:]
	}
	return batches
}

func (w *Writer) levelInsert(a Adjustment, levels []Level) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (ts, calculation_id, symbol, side, price_bin, leverage, allocated_oi, liquidation_price) VALUES ", w.table("liquidation_levels"))
	args := make([]any, 0, len(levels)*levelColumns)
	for i, lvl := range levels {
		if i > 0 {
			b.WriteString(",")
		}
		base := i * levelColumns
		b.WriteString("(")
		for j := 1; j <= levelColumns; j++ {
			if j > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", base+j)
		}
		b.WriteString(")")
		args = append(args, a.Time, a.CalculationID, a.Symbol, lvl.Side, lvl.PriceBin, lvl.Leverage, lvl.AllocatedOI, lvl.LiquidationPrice)
	}
	return b.String(), args
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
