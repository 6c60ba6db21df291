package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"liqmap/internal/alerts"
	"liqmap/internal/bias"
	"liqmap/internal/config"
	"liqmap/internal/distribution"
	"liqmap/internal/funding"
	"liqmap/internal/metrics"
	"liqmap/internal/profile"
	"liqmap/internal/state"
	"liqmap/internal/timescale"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidInput = errors.New("engine: invalid input")

// FundingCache is satisfied by *funding.Cache.
type FundingCache interface {
	Get(ctx context.Context, symbol string) funding.Result
}

// Sink receives finished calculations for the audit log. It must not block.
type Sink interface {
	Enqueue(calc timescale.Calculation) bool
}

// Notifier is satisfied by *alerts.FundingNotifier.
type Notifier interface {
	Observe(obs alerts.ExtremeFunding) bool
}

// Result is one calculation: the bias applied and the levels it produced.
type Result struct {
	CalculationID string               `json:"calculation_id"`
	Symbol        string               `json:"symbol"`
	CalculatedAt  time.Time            `json:"calculated_at"`
	Funding       *funding.Rate        `json:"funding,omitempty"`
	FundingStatus funding.Status       `json:"funding_status"`
	Adjustment    bias.Adjustment      `json:"adjustment"`
	Extreme       bool                 `json:"extreme"`
	TotalOI       decimal.Decimal      `json:"total_oi"`
	Levels        []distribution.Level `json:"levels"`
	Summary       distribution.Summary `json:"summary"`
}

type Deps struct {
	Cache    FundingCache
	Profiles profile.Source
	Store    state.Store
	Sink     Sink
	Notifier Notifier
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

type symbolState struct {
	history     *bias.History
	lastFetched time.Time
}

// Engine runs the calculation pipeline. Calculate may be called
// concurrently; only per-symbol history is shared between calls.
type Engine struct {
	cache    FundingCache
	profiles profile.Source
	store    state.Store
	sink     Sink
	notifier Notifier
	log      *zap.Logger
	m        *metrics.Metrics
	now      func() time.Time

	paramsMu sync.RWMutex
	params   Params

	mu      sync.Mutex
	symbols map[string]*symbolState
}

func New(params Params, deps Deps) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("%w: funding cache is required", ErrInvalidInput)
	}
	if deps.Profiles == nil {
		return nil, fmt.Errorf("%w: profile source is required", ErrInvalidInput)
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cache:    deps.Cache,
		profiles: deps.Profiles,
		store:    deps.Store,
		sink:     deps.Sink,
		notifier: deps.Notifier,
		log:      log,
		m:        metrics.OrNoop(deps.Metrics),
		now:      time.Now,
		params:   params,
		symbols:  make(map[string]*symbolState),
	}, nil
}

// SetParams swaps the reloadable parameters. Calculations already running
// keep the parameters they started with.
func (e *Engine) SetParams(params Params) error {
	if err := params.validate(); err != nil {
		return err
	}
	e.paramsMu.Lock()
	e.params = params
	e.paramsMu.Unlock()
	return nil
}

func (e *Engine) currentParams() Params {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.params
}

// Restore loads persisted smoother history for symbols.
func (e *Engine) Restore(ctx context.Context, symbols ...string) error {
	for _, symbol := range symbols {
		symbol = normalize(symbol)
		history, err := state.LoadHistory(ctx, e.store, symbol)
		if err != nil {
			return fmt.Errorf("restore history %s: %w", symbol, err)
		}
		if len(history) == 0 {
			continue
		}
		st := e.symbolState(symbol)
		for _, a := range history {
			st.history.Push(a)
		}
		e.log.Info("bias history restored", zap.String("symbol", symbol), zap.Int("entries", len(history)))
	}
	return nil
}

// History returns the retained raw adjustments for symbol, oldest first.
func (e *Engine) History(symbol string) []bias.Adjustment {
	return e.symbolState(normalize(symbol)).history.Snapshot()
}

func (e *Engine) symbolState(symbol string) *symbolState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[symbol]
	if !ok {
		st = &symbolState{history: bias.NewHistory()}
		e.symbols[symbol] = st
	}
	return st
}

// Calculate produces the liquidation levels for symbol. Funding problems
// degrade to a neutral split; only invalid input, profile source failures
// and invariant violations are returned as errors.
func (e *Engine) Calculate(ctx context.Context, symbol string) (Result, error) {
	symbol = normalize(symbol)
	if !config.ValidSymbol(symbol) {
		return Result{}, fmt.Errorf("%w: %w: %q", ErrInvalidInput, funding.ErrInvalidSymbol, symbol)
	}
	params := e.currentParams()
	now := e.now().UTC()

	res := Result{
		CalculationID: uuid.NewString(),
		Symbol:        symbol,
		CalculatedAt:  now,
	}

	adj, fetched, err := e.adjustment(ctx, params, symbol, now, &res)
	if err != nil {
		return e.fail(res, err)
	}
	res.Adjustment = adj

	totalOI, entries, err := e.inputs(ctx, params, symbol)
	if err != nil {
		return e.fail(res, err)
	}
	res.TotalOI = totalOI

	if res.Funding != nil && e.notifier != nil {
		res.Extreme = e.notifier.Observe(alerts.ExtremeFunding{
			Symbol:       symbol,
			Rate:         res.Funding.Rate,
			LongRatio:    adj.LongRatio,
			ShortRatio:   adj.ShortRatio,
			OpenInterest: totalOI,
			ObservedAt:   res.Funding.ObservedAt,
		})
		if res.Extreme {
			e.m.ExtremeFunding.Inc()
		}
	}

	levels, err := params.Distributor.Distribute(totalOI, adj, entries)
	if err != nil {
		return e.fail(res, err)
	}
	res.Levels = levels
	res.Summary = distribution.Summarize(levels)
	if len(levels) > 0 && !res.Summary.TotalOI.Equal(totalOI) {
		return e.fail(res, fmt.Errorf("%w: allocated %s != total %s", bias.ErrInvariant, res.Summary.TotalOI, totalOI))
	}

	e.persist(ctx, res, fetched)
	e.enqueue(res)

	long, _ := adj.LongRatio.Float64()
	e.m.Calculations.Inc()
	e.m.LongRatio.Set(long)
	e.m.Confidence.Set(adj.Confidence)
	e.log.Info("calculation complete",
		zap.String("symbol", symbol),
		zap.String("calculation_id", res.CalculationID),
		zap.String("status", string(adj.Status)),
		zap.String("long_ratio", adj.LongRatio.String()),
		zap.String("short_ratio", adj.ShortRatio.String()),
		zap.Float64("confidence", adj.Confidence),
		zap.String("total_oi", totalOI.String()),
		zap.Int("levels", len(levels)),
	)
	return res, nil
}

// adjustment resolves the bias for this calculation. fetched reports
// whether the funding rate came from a new fetch rather than the cache.
func (e *Engine) adjustment(ctx context.Context, params Params, symbol string, now time.Time, res *Result) (bias.Adjustment, bool, error) {
	if !params.Enabled {
		return bias.Neutral(now, bias.StatusDisabled), false, nil
	}
	fr := e.cache.Get(ctx, symbol)
	res.FundingStatus = fr.Status
	if !fr.Available() {
		e.m.NeutralFallbacks.Inc()
		e.log.Warn("funding unavailable, using neutral bias", zap.String("symbol", symbol), zap.Error(fr.Err))
		return bias.Neutral(now, bias.StatusDegraded), false, nil
	}
	rate := fr.Rate
	res.Funding = &rate

	raw, err := params.Calculator.Calculate(rate.Rate, rate.ObservedAt)
	if err != nil {
		e.m.NeutralFallbacks.Inc()
		e.log.Warn("funding rejected by calculator, using neutral bias",
			zap.String("symbol", symbol),
			zap.String("rate", rate.Rate.String()),
			zap.Error(err),
		)
		return bias.Neutral(now, bias.StatusDegraded), false, nil
	}
	if fr.Status == funding.StatusStale {
		raw.Status = bias.StatusStale
	}

	st := e.symbolState(symbol)
	fetched := fr.Status == funding.StatusFresh && e.markFetched(st, fr.FetchedAt)
	window := st.history.Snapshot()
	if fetched {
		st.history.Push(raw)
		window = append(window, raw)
	} else if len(window) > 0 {
		// Same observation as the newest entry: refresh its confidence
		// without growing the history.
		window[len(window)-1] = raw
	} else {
		window = []bias.Adjustment{raw}
	}
	adj, err := params.Smoother.Smooth(window)
	if err != nil {
		return bias.Adjustment{}, false, err
	}
	if err := bias.Validate(adj); err != nil {
		return bias.Adjustment{}, false, err
	}
	return adj, fetched, nil
}

// markFetched records fetchedAt for st and reports whether it is new.
func (e *Engine) markFetched(st *symbolState, fetchedAt time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fetchedAt.Equal(st.lastFetched) {
		return false
	}
	st.lastFetched = fetchedAt
	return true
}

func (e *Engine) inputs(ctx context.Context, params Params, symbol string) (decimal.Decimal, []profile.Entry, error) {
	totalOI, err := e.profiles.OpenInterest(ctx, symbol)
	if err != nil {
		if !errors.Is(err, profile.ErrNoData) {
			return decimal.Decimal{}, nil, fmt.Errorf("open interest: %w", err)
		}
		e.log.Warn("no open interest data", zap.String("symbol", symbol), zap.Error(err))
		totalOI = decimal.Zero
	}
	if totalOI.Sign() < 0 {
		return decimal.Decimal{}, nil, fmt.Errorf("%w: open interest %s must be >= 0", ErrInvalidInput, totalOI)
	}
	entries, err := e.profiles.VolumeProfile(ctx, symbol, params.Lookback)
	if err != nil {
		if !errors.Is(err, profile.ErrNoData) {
			return decimal.Decimal{}, nil, fmt.Errorf("volume profile: %w", err)
		}
		e.log.Warn("no volume profile data", zap.String("symbol", symbol), zap.Error(err))
		entries = nil
	}
	return totalOI, profile.Merge(entries), nil
}

func (e *Engine) fail(res Result, err error) (Result, error) {
	e.m.CalculationFailures.Inc()
	if errors.Is(err, bias.ErrInvariant) {
		e.m.InvariantViolations.Inc()
		e.log.Error("invariant violated",
			zap.String("symbol", res.Symbol),
			zap.String("calculation_id", res.CalculationID),
			zap.Error(err),
		)
	} else {
		e.log.Warn("calculation failed", zap.String("symbol", res.Symbol), zap.Error(err))
	}
	return Result{}, err
}

func (e *Engine) persist(ctx context.Context, res Result, fetched bool) {
	if e.store == nil {
		return
	}
	if fetched && res.Funding != nil {
		if err := state.SaveLastFunding(ctx, e.store, *res.Funding); err != nil {
			e.log.Warn("save last funding failed", zap.String("symbol", res.Symbol), zap.Error(err))
		}
		if err := state.SaveHistory(ctx, e.store, res.Symbol, e.History(res.Symbol)); err != nil {
			e.log.Warn("save bias history failed", zap.String("symbol", res.Symbol), zap.Error(err))
		}
	}
	snap := state.CalculationSnapshot{
		CalculationID: res.CalculationID,
		Symbol:        res.Symbol,
		Status:        string(res.Adjustment.Status),
		FundingRate:   res.Adjustment.FundingInput.String(),
		LongRatio:     res.Adjustment.LongRatio.String(),
		ShortRatio:    res.Adjustment.ShortRatio.String(),
		Confidence:    res.Adjustment.Confidence,
		TotalOI:       res.TotalOI.String(),
		LongOI:        res.Summary.LongOI.String(),
		ShortOI:       res.Summary.ShortOI.String(),
		Levels:        len(res.Levels),
		UpdatedAtMS:   res.CalculatedAt.UnixMilli(),
	}
	if err := state.SaveCalculationSnapshot(ctx, e.store, snap); err != nil {
		e.log.Warn("save calculation snapshot failed", zap.String("symbol", res.Symbol), zap.Error(err))
	}
}

func (e *Engine) enqueue(res Result) {
	if e.sink == nil {
		return
	}
	levels := make([]timescale.Level, len(res.Levels))
	for i, l := range res.Levels {
		levels[i] = timescale.Level{
			PriceBin:         l.PriceBin,
			Leverage:         l.Leverage,
			Side:             string(l.Side),
			AllocatedOI:      l.AllocatedOI,
			LiquidationPrice: l.LiquidationPrice,
		}
	}
	e.sink.Enqueue(timescale.Calculation{
		Adjustment: timescale.Adjustment{
			CalculationID: res.CalculationID,
			Time:          res.CalculatedAt,
			Symbol:        res.Symbol,
			Status:        string(res.Adjustment.Status),
			FundingRate:   res.Adjustment.FundingInput,
			LongRatio:     res.Adjustment.LongRatio,
			ShortRatio:    res.Adjustment.ShortRatio,
			Confidence:    res.Adjustment.Confidence,
			Smoothed:      res.Adjustment.Smoothed,
			TotalOI:       res.TotalOI,
		},
		Levels: levels,
	})
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
