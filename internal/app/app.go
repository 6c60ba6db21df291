package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"liqmap/internal/alerts"
	"liqmap/internal/config"
	"liqmap/internal/engine"
	"liqmap/internal/exchange/rest"
	"liqmap/internal/exchange/ws"
	"liqmap/internal/funding"
	"liqmap/internal/metrics"
	"liqmap/internal/profile"
	"liqmap/internal/profile/clickhouse"
	"liqmap/internal/state"
	"liqmap/internal/state/sqlite"
	"liqmap/internal/timescale"

	"go.uber.org/zap"
)

const (
	wsReconnectDelay = 5 * time.Second
	wsPingInterval   = 30 * time.Second
	profileTimeout   = 10 * time.Second
)

// Options overrides external dependencies. Zero values use the configured
// backends.
type Options struct {
	Profiles profile.Source
	Metrics  *metrics.Prometheus
}

type App struct {
	reloader  *config.Reloader
	log       *zap.Logger
	store     *sqlite.Store
	cache     *funding.Cache
	stream    *funding.StreamSource
	wsClient  *ws.Client
	profiles  profile.Source
	closeCH   func() error
	engine    *engine.Engine
	notifier  *alerts.FundingNotifier
	timescale *timescale.Writer
	prom      *metrics.Prometheus

	mu      sync.Mutex
	symbols []string

	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, reloader *config.Reloader, log *zap.Logger, opts Options) (*App, error) {
	cfg := reloader.Current()
	if log == nil {
		log = zap.NewNop()
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a := &App{
		reloader: reloader,
		log:      log,
		store:    store,
		prom:     opts.Metrics,
	}
	if a.prom == nil && cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
	}
	m := metrics.NewNoop()
	if a.prom != nil {
		m = a.prom.Metrics
	}

	source := a.fundingSource(cfg)
	a.cache = funding.NewCache(source, funding.CacheConfigFrom(cfg.Bias, cfg.Funding), log, m)

	a.profiles = opts.Profiles
	if a.profiles == nil {
		chCtx, cancel := context.WithTimeout(ctx, cfg.ClickHouse.DialTimeout+profileTimeout)
		src, err := clickhouse.Open(chCtx, cfg.ClickHouse, cfg.Distribution.BinSize, log)
		cancel()
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.profiles = src
		a.closeCH = src.Close
	}

	writer, sink, err := openTimescale(cfg.Timescale, log)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	a.timescale = writer

	telegram, err := alerts.NewTelegram(cfg.Telegram, log)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	var sender alerts.Sender
	if telegram.Enabled() {
		sender = telegram
	}
	a.notifier = alerts.NewFundingNotifier(sender, cfg.Bias.ExtremeAlertThreshold, log)

	params, err := engine.ParamsFromConfig(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.engine, err = engine.New(params, engine.Deps{
		Cache:    a.cache,
		Profiles: a.profiles,
		Store:    store,
		Sink:     sink,
		Notifier: a.notifier,
		Log:      log,
		Metrics:  m,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	log.Info("engine params", params.LogFields()...)
	if err := a.primeCache(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.restore(ctx, cfg.App.Symbols); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) fundingSource(cfg *config.Config) funding.Source {
	switch cfg.Funding.Source {
	case "binance":
		return funding.NewBinanceSource(cfg.Funding.BaseURL, cfg.Funding.Timeout)
	case "stream":
		a.wsClient = ws.New(cfg.Funding.WSURL, wsReconnectDelay, wsPingInterval, a.log)
		a.stream = funding.NewStreamSource(a.wsClient, cfg.Funding.StreamMaxAge, a.log)
		return a.stream
	default:
		client := rest.New(cfg.Funding.BaseURL, cfg.Funding.Timeout, cfg.Funding.RequestsPerMinute, a.log)
		return funding.NewRESTSource(client)
	}
}

// primeCache seeds the funding cache with every stored last-known-good rate.
func (a *App) primeCache(ctx context.Context) error {
	symbols, err := state.FundingSymbols(ctx, a.store)
	if err != nil {
		return fmt.Errorf("list stored funding: %w", err)
	}
	var rates []funding.Rate
	for _, symbol := range symbols {
		rate, ok, err := state.LoadLastFunding(ctx, a.store, symbol)
		if err != nil {
			a.log.Warn("load last funding failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if ok {
			rates = append(rates, rate)
		}
	}
	if len(rates) > 0 {
		a.cache.Prime(rates...)
		a.log.Info("funding cache primed", zap.Int("rates", len(rates)))
	}
	return nil
}

// restore reloads smoother history and stream subscriptions for symbols
// not seen before.
func (a *App) restore(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	var fresh []string
	for _, symbol := range symbols {
		if !slices.Contains(a.symbols, symbol) {
			fresh = append(fresh, symbol)
			a.symbols = append(a.symbols, symbol)
		}
	}
	a.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	if err := a.engine.Restore(ctx, fresh...); err != nil {
		return err
	}
	if a.stream != nil {
		return a.stream.Watch(ctx, fresh...)
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	a.startTimescale(ctx)
	a.startStream(ctx)
	a.serveMetrics(ctx)

	interval := a.reloader.Current().App.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.calculateAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if next := a.reload(ctx); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
			a.calculateAll(ctx)
		}
	}
}

// Once runs a single calculation for symbol.
func (a *App) Once(ctx context.Context, symbol string) (engine.Result, error) {
	if err := a.restore(ctx, []string{symbol}); err != nil {
		return engine.Result{}, err
	}
	a.startStream(ctx)
	return a.engine.Calculate(ctx, symbol)
}

func (a *App) calculateAll(ctx context.Context) []engine.Result {
	cfg := a.reloader.Current()
	results := make([]engine.Result, 0, len(cfg.App.Symbols))
	for _, symbol := range cfg.App.Symbols {
		if ctx.Err() != nil {
			break
		}
		res, err := a.engine.Calculate(ctx, symbol)
		if err != nil {
			a.log.Warn("calculation failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		results = append(results, res)
	}
	if dropped := a.timescaleDropped(); dropped > 0 {
		a.log.Debug("timescale drops", zap.Uint64("dropped", dropped))
	}
	return results
}

// reload applies a changed config file between calculations and returns the
// interval to use next. An invalid file keeps the current config.
func (a *App) reload(ctx context.Context) time.Duration {
	var params engine.Params
	changed, err := a.reloader.Reload(func(cfg *config.Config) error {
		next, err := engine.ParamsFromConfig(cfg)
		if err != nil {
			return err
		}
		if err := a.engine.SetParams(next); err != nil {
			return err
		}
		params = next
		return nil
	})
	cfg := a.reloader.Current()
	if err != nil {
		a.log.Warn("config reload rejected", zap.Error(err))
		return cfg.App.Interval
	}
	if !changed {
		return cfg.App.Interval
	}
	a.cache.SetTTL(cfg.Bias.CacheTTL())
	a.notifier.SetThreshold(cfg.Bias.ExtremeAlertThreshold)
	if err := a.restore(ctx, cfg.App.Symbols); err != nil {
		a.log.Warn("restore after reload failed", zap.Error(err))
	}
	fields := append(params.LogFields(),
		zap.Float64("sensitivity", cfg.Bias.Sensitivity),
		zap.Float64("max_adjustment", cfg.Bias.MaxAdjustment),
		zap.Strings("symbols", cfg.App.Symbols),
	)
	a.log.Info("config reloaded", fields...)
	return cfg.App.Interval
}

func (a *App) startStream(ctx context.Context) {
	if a.stream == nil {
		return
	}
	go func() {
		if err := a.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("funding stream stopped", zap.Error(err))
		}
	}()
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	cfg := a.reloader.Current().Metrics
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, a.prom.Handler())
	srv := &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.log.Info("metrics server listening", zap.String("address", cfg.Address), zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
}

func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.wsClient != nil {
			errs = append(errs, a.wsClient.Close())
		}
		if a.closeCH != nil {
			errs = append(errs, a.closeCH())
		}
		if a.notifier != nil {
			a.notifier.Close()
		}
		if a.timescale != nil {
			errs = append(errs, a.timescale.Close())
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
