package funding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"liqmap/internal/exchange/rest"

	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedSource struct {
	calls atomic.Int32
	mu    sync.Mutex
	fn    func(call int, symbol string) (Rate, error)
}

func (s *scriptedSource) Fetch(ctx context.Context, symbol string) (Rate, error) {
	call := int(s.calls.Add(1))
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	return fn(call, symbol)
}

func (s *scriptedSource) set(fn func(call int, symbol string) (Rate, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func mustRate(t *testing.T, symbol, rate string) Rate {
	t.Helper()
	r, err := NewRate(symbol, decimal.RequireFromString(rate), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "test")
	if err != nil {
		t.Fatalf("new rate: %v", err)
	}
	return r
}

func okSource(t *testing.T, rate string) *scriptedSource {
	return &scriptedSource{fn: func(_ int, symbol string) (Rate, error) {
		return mustRate(t, symbol, rate), nil
	}}
}

func newTestCache(src Source, clock *fakeClock, maxEntries int) *Cache {
	c := NewCache(src, CacheConfig{
		TTL:        time.Minute,
		MaxEntries: maxEntries,
		Retry:      RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, nil, nil)
	c.SetClock(clock.Now)
	return c
}

func TestCacheHitWithinTTL(t *testing.T) {
	clock := newFakeClock()
	src := okSource(t, "0.0001")
	cache := newTestCache(src, clock, 0)

	first := cache.Get(context.Background(), "BTCUSDT")
	if first.Status != StatusFresh || first.State != StateFresh {
		t.Fatalf("expected fresh result, got %+v", first)
	}
	clock.Advance(30 * time.Second)
	second := cache.Get(context.Background(), "btcusdt")
	if second.Status != StatusFresh {
		t.Fatalf("expected fresh hit, got %+v", second)
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCacheRefreshAfterTTL(t *testing.T) {
	clock := newFakeClock()
	src := okSource(t, "0.0001")
	cache := newTestCache(src, clock, 0)

	cache.Get(context.Background(), "BTCUSDT")
	clock.Advance(time.Minute)
	if state := cache.State("BTCUSDT"); state != StateStale {
		t.Fatalf("expected stale state after ttl, got %s", state)
	}
	res := cache.Get(context.Background(), "BTCUSDT")
	if res.Status != StatusFresh || res.State != StateRefreshed {
		t.Fatalf("expected refreshed result, got %+v", res)
	}
	if state := cache.State("BTCUSDT"); state != StateRefreshed {
		t.Fatalf("expected refreshed state, got %s", state)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("expected two fetches, got %d", got)
	}
}

func TestCacheServesStaleOnFailure(t *testing.T) {
	clock := newFakeClock()
	src := okSource(t, "0.0003")
	cache := newTestCache(src, clock, 0)
	cache.Get(context.Background(), "BTCUSDT")

	src.set(func(int, string) (Rate, error) { return Rate{}, errors.New("http 503") })
	clock.Advance(2 * time.Minute)
	res := cache.Get(context.Background(), "BTCUSDT")
	if res.Status != StatusStale || !res.Degraded() || !res.Available() {
		t.Fatalf("expected degraded stale result, got %+v", res)
	}
	if !res.Rate.Rate.Equal(decimal.RequireFromString("0.0003")) {
		t.Fatalf("expected last known rate, got %s", res.Rate.Rate)
	}
	if res.Err == nil {
		t.Fatalf("expected fetch error on stale result")
	}
	if state := cache.State("BTCUSDT"); state != StateStale {
		t.Fatalf("expected entry to stay stale, got %s", state)
	}
	stats := cache.Stats()
	if stats.FetchFailures != 1 || stats.StaleServed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCacheUnavailableWithoutHistory(t *testing.T) {
	src := &scriptedSource{fn: func(int, string) (Rate, error) { return Rate{}, errors.New("timeout") }}
	cache := newTestCache(src, newFakeClock(), 0)
	res := cache.Get(context.Background(), "ETHUSDT")
	if res.Status != StatusUnavailable || res.Available() {
		t.Fatalf("expected unavailable, got %+v", res)
	}
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", res.Err)
	}
	if got := src.calls.Load(); got != MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", MaxAttempts, got)
	}
	if state := cache.State("ETHUSDT"); state != StateEmpty {
		t.Fatalf("expected empty state, got %s", state)
	}
}

func TestCacheRetriesThenSucceeds(t *testing.T) {
	src := &scriptedSource{}
	src.set(func(call int, symbol string) (Rate, error) {
		if call < 3 {
			return Rate{}, errors.New("connection reset")
		}
		return mustRate(t, symbol, "-0.0002"), nil
	})
	cache := newTestCache(src, newFakeClock(), 0)
	res := cache.Get(context.Background(), "BTCUSDT")
	if res.Status != StatusFresh {
		t.Fatalf("expected fresh after retries, got %+v", res)
	}
	if got := src.calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestCacheAttemptsCapped(t *testing.T) {
	src := &scriptedSource{fn: func(int, string) (Rate, error) { return Rate{}, errors.New("down") }}
	cache := NewCache(src, CacheConfig{TTL: time.Minute, Retry: RetryConfig{Attempts: 10}}, nil, nil)
	cache.Get(context.Background(), "BTCUSDT")
	if got := src.calls.Load(); got != MaxAttempts {
		t.Fatalf("expected attempts capped at %d, got %d", MaxAttempts, got)
	}
}

func TestCacheDoesNotRetryInvalidRate(t *testing.T) {
	src := &scriptedSource{fn: func(int, string) (Rate, error) { return Rate{}, ErrInvalidRate }}
	cache := newTestCache(src, newFakeClock(), 0)
	cache.Get(context.Background(), "BTCUSDT")
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestCacheDoesNotRetryPermanentHTTPError(t *testing.T) {
	src := &scriptedSource{fn: func(int, string) (Rate, error) {
		return Rate{}, &rest.StatusError{Code: 400, Body: "bad symbol"}
	}}
	cache := newTestCache(src, newFakeClock(), 0)
	cache.Get(context.Background(), "BTCUSDT")
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestCacheRejectsInvalidSymbol(t *testing.T) {
	src := okSource(t, "0.0001")
	cache := newTestCache(src, newFakeClock(), 0)
	res := cache.Get(context.Background(), "BTC-PERP")
	if res.Status != StatusUnavailable || !errors.Is(res.Err, ErrInvalidSymbol) {
		t.Fatalf("expected invalid symbol, got %+v", res)
	}
	if got := src.calls.Load(); got != 0 {
		t.Fatalf("expected no fetch, got %d", got)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	src := okSource(t, "0.0001")
	cache := newTestCache(src, newFakeClock(), 2)
	ctx := context.Background()
	cache.Get(ctx, "AAAUSDT")
	cache.Get(ctx, "BBBUSDT")
	cache.Get(ctx, "AAAUSDT")
	cache.Get(ctx, "CCCUSDT")

	if state := cache.State("BBBUSDT"); state != StateEmpty {
		t.Fatalf("expected least recently used entry evicted, got %s", state)
	}
	if state := cache.State("AAAUSDT"); state != StateFresh {
		t.Fatalf("expected AAAUSDT retained, got %s", state)
	}
	if size := cache.Stats().Size; size != 2 {
		t.Fatalf("expected size 2, got %d", size)
	}
}

func TestCacheClearAndInvalidate(t *testing.T) {
	src := okSource(t, "0.0001")
	cache := newTestCache(src, newFakeClock(), 0)
	ctx := context.Background()
	cache.Get(ctx, "BTCUSDT")
	cache.Get(ctx, "ETHUSDT")

	cache.Invalidate("ethusdt")
	if state := cache.State("ETHUSDT"); state != StateEmpty {
		t.Fatalf("expected invalidated entry empty, got %s", state)
	}
	cache.Clear()
	if state := cache.State("BTCUSDT"); state != StateEmpty {
		t.Fatalf("expected cleared entry empty, got %s", state)
	}
	stats := cache.Stats()
	if stats.Size != 0 || stats.Misses != 2 {
		t.Fatalf("unexpected stats after clear: %+v", stats)
	}
}

func TestCachePrimeServesStale(t *testing.T) {
	src := &scriptedSource{fn: func(int, string) (Rate, error) { return Rate{}, errors.New("offline") }}
	cache := newTestCache(src, newFakeClock(), 0)
	cache.Prime(mustRate(t, "BTCUSDT", "0.0005"))

	if state := cache.State("BTCUSDT"); state != StateStale {
		t.Fatalf("expected primed entry stale, got %s", state)
	}
	res := cache.Get(context.Background(), "BTCUSDT")
	if res.Status != StatusStale || !res.Rate.Rate.Equal(decimal.RequireFromString("0.0005")) {
		t.Fatalf("expected primed rate served stale, got %+v", res)
	}
}

func TestCacheCancelledFetchDoesNotWrite(t *testing.T) {
	started := make(chan struct{})
	src := SourceFunc(func(ctx context.Context, symbol string) (Rate, error) {
		close(started)
		<-ctx.Done()
		return Rate{}, ctx.Err()
	})
	cache := newTestCache(src, newFakeClock(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- cache.Get(ctx, "BTCUSDT") }()
	<-started
	cancel()

	select {
	case res := <-done:
		if res.Status != StatusUnavailable {
			t.Fatalf("expected unavailable after cancel, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("get did not return after cancel")
	}
	if state := cache.State("BTCUSDT"); state != StateEmpty {
		t.Fatalf("expected no cache write, got %s", state)
	}
}

func TestCacheLateSuccessAfterCancelIsDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := SourceFunc(func(_ context.Context, symbol string) (Rate, error) {
		cancel()
		return mustRate(t, symbol, "0.0001"), nil
	})
	cache := newTestCache(src, newFakeClock(), 0)
	res := cache.Get(ctx, "BTCUSDT")
	if res.Status != StatusUnavailable {
		t.Fatalf("expected discarded result, got %+v", res)
	}
	if state := cache.State("BTCUSDT"); state != StateEmpty {
		t.Fatalf("expected no cache write, got %s", state)
	}
}

func TestCacheConcurrentGets(t *testing.T) {
	src := okSource(t, "0.0001")
	cache := newTestCache(src, newFakeClock(), 0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := cache.Get(context.Background(), "BTCUSDT"); res.Status != StatusFresh {
				t.Errorf("expected fresh result, got %+v", res)
			}
		}()
	}
	wg.Wait()
	if size := cache.Stats().Size; size != 1 {
		t.Fatalf("expected one entry, got %d", size)
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := RetryConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}.normalized()
	if d := cfg.delay(0); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", d)
	}
	if d := cfg.delay(1); d != 200*time.Millisecond {
		t.Fatalf("expected 200ms, got %s", d)
	}
	if d := cfg.delay(2); d != 300*time.Millisecond {
		t.Fatalf("expected capped 300ms, got %s", d)
	}
}
