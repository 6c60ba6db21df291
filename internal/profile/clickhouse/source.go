package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"liqmap/internal/config"
	"liqmap/internal/profile"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// querier is the subset of driver.Conn the source needs.
type querier interface {
	Select(ctx context.Context, dest any, query string, args ...any) error
}

type volumeRow struct {
	PriceBin float64 `ch:"price_bin"`
	Volume   float64 `ch:"volume"`
}

type openInterestRow struct {
	OpenInterest float64   `ch:"open_interest"`
	Time         time.Time `ch:"ts"`
}

// Source reads volume profiles from an aggregated trades table and the
// latest open interest from a snapshot table.
//
// Expected columns: trades (symbol, price, quantity, trade_time) and
// open interest (symbol, open_interest, ts).
type Source struct {
	conn    driver.Conn
	q       querier
	log     *zap.Logger
	trades  string
	oi      string
	binSize decimal.Decimal
	now     func() time.Time
}

func Open(ctx context.Context, cfg config.ClickHouseConfig, binSize float64, log *zap.Logger) (*Source, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	src, err := newSource(conn, cfg, binSize, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	src.conn = conn
	return src, nil
}

func newSource(q querier, cfg config.ClickHouseConfig, binSize float64, log *zap.Logger) (*Source, error) {
	if !identPattern.MatchString(cfg.TradesTable) {
		return nil, fmt.Errorf("clickhouse trades table %q is not a valid identifier", cfg.TradesTable)
	}
	if !identPattern.MatchString(cfg.OpenInterestTable) {
		return nil, fmt.Errorf("clickhouse open interest table %q is not a valid identifier", cfg.OpenInterestTable)
	}
	if binSize <= 0 {
		return nil, errors.New("clickhouse bin size must be > 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		q:       q,
		log:     log,
		trades:  cfg.TradesTable,
		oi:      cfg.OpenInterestTable,
		binSize: decimal.NewFromFloat(binSize),
		now:     time.Now,
	}, nil
}

func (s *Source) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Source) VolumeProfile(ctx context.Context, symbol string, lookback time.Duration) ([]profile.Entry, error) {
	size, _ := s.binSize.Float64()
	query := fmt.Sprintf(`
		SELECT floor(price / ?) * ? AS price_bin, sum(quantity) AS volume
		FROM %s
		WHERE symbol = ? AND trade_time >= ?
		GROUP BY price_bin
		ORDER BY price_bin`, s.trades)
	since := s.now().Add(-lookback).UTC()
	var rows []volumeRow
	if err := s.q.Select(ctx, &rows, query, size, size, symbol, since); err != nil {
		return nil, fmt.Errorf("volume profile %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no trades for %s since %s", profile.ErrNoData, symbol, since.Format(time.RFC3339))
	}
	entries := make([]profile.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, profile.Entry{
			PriceBin: profile.Bin(decimal.NewFromFloat(row.PriceBin), s.binSize),
			Volume:   decimal.NewFromFloat(row.Volume),
		})
	}
	s.log.Debug("volume profile loaded", zap.String("symbol", symbol), zap.Int("bins", len(entries)))
	return profile.Merge(entries), nil
}

func (s *Source) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := fmt.Sprintf(`
		SELECT open_interest, ts
		FROM %s
		WHERE symbol = ?
		ORDER BY ts DESC
		LIMIT 1`, s.oi)
	var rows []openInterestRow
	if err := s.q.Select(ctx, &rows, query, symbol); err != nil {
		return decimal.Decimal{}, fmt.Errorf("open interest %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: no open interest for %s", profile.ErrNoData, symbol)
	}
	return decimal.NewFromFloat(rows[0].OpenInterest), nil
}
