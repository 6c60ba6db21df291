package funding

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"liqmap/internal/config"
	"liqmap/internal/metrics"

	"go.uber.org/zap"
)

const (
	DefaultTTL        = 300 * time.Second
	DefaultMaxEntries = 256
)

// Status classifies a cache lookup.
type Status string

const (
	StatusFresh       Status = "fresh"
	StatusStale       Status = "stale"
	StatusUnavailable Status = "unavailable"
)

// EntryState is the lifecycle of one symbol inside the cache.
type EntryState string

const (
	StateEmpty     EntryState = "empty"
	StateFresh     EntryState = "fresh"
	StateStale     EntryState = "stale"
	StateRefreshed EntryState = "refreshed"
)

// Result is the outcome of Cache.Get. Rate is set unless Status is
// StatusUnavailable. Err carries the fetch failure behind a stale or
// unavailable result.
type Result struct {
	Rate      Rate
	Status    Status
	State     EntryState
	FetchedAt time.Time
	Err       error
}

func (r Result) Available() bool {
	return r.Status != StatusUnavailable
}

func (r Result) Degraded() bool {
	return r.Status != StatusFresh
}

type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Size          int    `json:"size"`
	FetchFailures uint64 `json:"fetch_failures"`
	StaleServed   uint64 `json:"stale_served"`
}

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	Retry      RetryConfig
}

func CacheConfigFrom(bias config.AdjustmentConfig, f config.FundingConfig) CacheConfig {
	return CacheConfig{
		TTL:        bias.CacheTTL(),
		MaxEntries: f.CacheMaxEntries,
		Retry: RetryConfig{
			Attempts:  f.RetryAttempts,
			BaseDelay: f.RetryBaseDelay,
			MaxDelay:  f.RetryMaxDelay,
			Timeout:   f.Timeout,
		},
	}
}

type cacheEntry struct {
	rate      Rate
	fetchedAt time.Time
	expiresAt time.Time
	refreshed bool
}

// Cache is a TTL and LRU bounded funding rate cache in front of a Source.
// Expired entries are kept as last-known-good values and served as stale
// when a refresh fails. No lock is held while the source is called;
// concurrent refreshes of one symbol are allowed and the last writer wins.
type Cache struct {
	source Source
	log    *zap.Logger
	m      *metrics.Metrics
	now    func() time.Time

	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	retry      RetryConfig
	entries    map[string]*list.Element
	order      *list.List
	stats      Stats
}

type lruItem struct {
	symbol string
	entry  cacheEntry
}

func NewCache(source Source, cfg CacheConfig, log *zap.Logger, m *metrics.Metrics) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &Cache{
		source:     source,
		log:        log,
		m:          metrics.OrNoop(m),
		now:        time.Now,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		retry:      cfg.Retry,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetTTL applies a reloaded TTL to future lookups.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Get returns the cached rate while it is within TTL, otherwise fetches a
// new one. On fetch failure the expired value is returned as stale, or the
// result is unavailable when nothing was ever cached.
func (c *Cache) Get(ctx context.Context, symbol string) Result {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !config.ValidSymbol(symbol) {
		return Result{Status: StatusUnavailable, State: StateEmpty, Err: fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)}
	}

	c.mu.Lock()
	now := c.now()
	if el, ok := c.entries[symbol]; ok {
		item := el.Value.(*lruItem)
		if now.Before(item.entry.expiresAt) {
			c.order.MoveToFront(el)
			c.stats.Hits++
			res := freshResult(item.entry)
			c.mu.Unlock()
			c.m.CacheHits.Inc()
			return res
		}
	}
	c.stats.Misses++
	retry := c.retry
	c.mu.Unlock()
	c.m.CacheMisses.Inc()

	rate, attempts, err := fetchWithRetry(ctx, c.source, symbol, retry)
	if err == nil && rate.Symbol != symbol {
		err = fmt.Errorf("%w: source returned %s for %s", ErrInvalidSymbol, rate.Symbol, symbol)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return c.fallback(symbol, attempts, err)
	}
	return c.store(symbol, rate)
}

func (c *Cache) store(symbol string, rate Rate) Result {
	c.mu.Lock()
	now := c.now()
	entry := cacheEntry{rate: rate, fetchedAt: now, expiresAt: now.Add(c.ttl)}
	if el, ok := c.entries[symbol]; ok {
		entry.refreshed = true
		el.Value.(*lruItem).entry = entry
		c.order.MoveToFront(el)
	} else {
		c.entries[symbol] = c.order.PushFront(&lruItem{symbol: symbol, entry: entry})
		c.evictLocked()
	}
	size := len(c.entries)
	c.stats.Size = size
	c.mu.Unlock()
	c.m.CacheSize.Set(float64(size))
	return freshResult(entry)
}

func (c *Cache) fallback(symbol string, attempts int, err error) Result {
	c.mu.Lock()
	c.stats.FetchFailures++
	el, ok := c.entries[symbol]
	var res Result
	if ok {
		item := el.Value.(*lruItem)
		c.stats.StaleServed++
		res = Result{
			Rate:      item.entry.rate,
			Status:    StatusStale,
			State:     StateStale,
			FetchedAt: item.entry.fetchedAt,
			Err:       err,
		}
	} else {
		res = Result{Status: StatusUnavailable, State: StateEmpty, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	c.mu.Unlock()

	c.m.FetchFailures.Inc()
	if ok {
		c.m.StaleServed.Inc()
		c.log.Warn("funding fetch failed, serving stale rate",
			zap.String("symbol", symbol),
			zap.Int("attempts", attempts),
			zap.Time("fetched_at", res.FetchedAt),
			zap.Error(err),
		)
	} else {
		c.log.Warn("funding fetch failed, no cached rate",
			zap.String("symbol", symbol),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	return res
}

func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxEntries {
		back := c.order.Back()
		if back == nil {
			return
		}
		item := back.Value.(*lruItem)
		c.order.Remove(back)
		delete(c.entries, item.symbol)
		c.log.Debug("funding cache evicted", zap.String("symbol", item.symbol))
	}
}

// Prime seeds last-known-good rates. They start out stale, so the first Get
// for each symbol refreshes but can fall back to the primed value.
func (c *Cache) Prime(rates ...Rate) {
	c.mu.Lock()
	for _, rate := range rates {
		if _, ok := c.entries[rate.Symbol]; ok {
			continue
		}
		entry := cacheEntry{rate: rate, fetchedAt: rate.ObservedAt}
		c.entries[rate.Symbol] = c.order.PushBack(&lruItem{symbol: rate.Symbol, entry: entry})
	}
	c.evictLocked()
	size := len(c.entries)
	c.stats.Size = size
	c.mu.Unlock()
	c.m.CacheSize.Set(float64(size))
}

// State reports the lifecycle state of symbol without fetching.
func (c *Cache) State(symbol string) EntryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[strings.ToUpper(symbol)]
	if !ok {
		return StateEmpty
	}
	entry := el.Value.(*lruItem).entry
	if !c.now().Before(entry.expiresAt) {
		return StateStale
	}
	if entry.refreshed {
		return StateRefreshed
	}
	return StateFresh
}

// Invalidate drops one symbol.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	if el, ok := c.entries[strings.ToUpper(symbol)]; ok {
		c.order.Remove(el)
		delete(c.entries, strings.ToUpper(symbol))
	}
	size := len(c.entries)
	c.stats.Size = size
	c.mu.Unlock()
	c.m.CacheSize.Set(float64(size))
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.stats.Size = 0
	c.mu.Unlock()
	c.m.CacheSize.Set(0)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

func freshResult(entry cacheEntry) Result {
	state := StateFresh
	if entry.refreshed {
		state = StateRefreshed
	}
	return Result{Rate: entry.rate, Status: StatusFresh, State: state, FetchedAt: entry.fetchedAt}
}
