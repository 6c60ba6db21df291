package funding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"liqmap/internal/exchange/rest"
	"liqmap/internal/exchange/ws"

	"github.com/shopspring/decimal"
)

func TestNewRateValidates(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := NewRate("BTCUSDT", decimal.RequireFromString("0.1"), at, "test"); err != nil {
		t.Fatalf("expected boundary rate accepted, got %v", err)
	}
	if _, err := NewRate("BTCUSDT", decimal.RequireFromString("-0.1001"), at, "test"); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if _, err := NewRate("BTCUSD", decimal.Zero, at, "test"); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("expected ErrInvalidSymbol, got %v", err)
	}
	if _, err := NewRate("BTCUSDT", decimal.Zero, time.Time{}, "test"); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for zero time, got %v", err)
	}
	r, err := NewRate(" ethusdt ", decimal.Zero, at, "test")
	if err != nil {
		t.Fatalf("new rate: %v", err)
	}
	if r.Symbol != "ETHUSDT" {
		t.Fatalf("expected normalized symbol, got %q", r.Symbol)
	}
}

func newFundingServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/fundingRate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected symbol %q", r.URL.Query().Get("symbol"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRESTSourceParsesArray(t *testing.T) {
	srv := newFundingServer(t, http.StatusOK, `[
		{"symbol":"BTCUSDT","fundingRate":"0.00010000","fundingTime":1700000000000},
		{"symbol":"BTCUSDT","fundingRate":"0.00030000","fundingTime":1700028800000}
	]`)
	src := NewRESTSource(rest.New(srv.URL, time.Second, 0, nil))
	rate, err := src.Fetch(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !rate.Rate.Equal(decimal.RequireFromString("0.0003")) {
		t.Fatalf("expected newest rate 0.0003, got %s", rate.Rate)
	}
	if !rate.ObservedAt.Equal(time.UnixMilli(1700028800000)) {
		t.Fatalf("unexpected observed time %s", rate.ObservedAt)
	}
	if rate.Source != "rest" {
		t.Fatalf("expected rest source, got %q", rate.Source)
	}
}

func TestRESTSourceParsesObject(t *testing.T) {
	srv := newFundingServer(t, http.StatusOK, `{"symbol":"BTCUSDT","fundingRate":-0.0002,"fundingTime":1700000000}`)
	src := NewRESTSource(rest.New(srv.URL, time.Second, 0, nil))
	rate, err := src.Fetch(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !rate.Rate.Equal(decimal.RequireFromString("-0.0002")) {
		t.Fatalf("expected -0.0002, got %s", rate.Rate)
	}
}

func TestRESTSourceErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"empty array", http.StatusOK, `[]`, ErrNoData},
		{"other symbol", http.StatusOK, `[{"symbol":"ETHUSDT","fundingRate":"0.0001","fundingTime":1700000000000}]`, ErrNoData},
		{"out of range", http.StatusOK, `[{"symbol":"BTCUSDT","fundingRate":"0.5","fundingTime":1700000000000}]`, ErrInvalidRate},
		{"malformed rate", http.StatusOK, `[{"symbol":"BTCUSDT","fundingRate":"abc","fundingTime":1700000000000}]`, ErrNoData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newFundingServer(t, tc.status, tc.body)
			src := NewRESTSource(rest.New(srv.URL, time.Second, 0, nil))
			if _, err := src.Fetch(context.Background(), "BTCUSDT"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRESTSourceServerErrorIsTemporary(t *testing.T) {
	srv := newFundingServer(t, http.StatusInternalServerError, `oops`)
	src := NewRESTSource(rest.New(srv.URL, time.Second, 0, nil))
	_, err := src.Fetch(context.Background(), "BTCUSDT")
	if err == nil || !retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestBinanceSourceFetch(t *testing.T) {
	srv := newFundingServer(t, http.StatusOK, `[{"symbol":"BTCUSDT","fundingRate":"0.00012000","fundingTime":1700000000000,"markPrice":"37000"}]`)
	src := NewBinanceSource(srv.URL, time.Second)
	rate, err := src.Fetch(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !rate.Rate.Equal(decimal.RequireFromString("0.00012")) || rate.Source != "binance" {
		t.Fatalf("unexpected rate %+v", rate)
	}
}

func TestStreamSourceHandlesMarkPrice(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	src := NewStreamSource(ws.New("ws://127.0.0.1:0", time.Millisecond, 0, nil), time.Minute, nil)
	src.now = func() time.Time { return now }

	if _, err := src.Fetch(context.Background(), "BTCUSDT"); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData before first update, got %v", err)
	}

	src.handle([]byte(`{"result":null,"id":1}`))
	src.handle([]byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","E":1709280000000,"s":"BTCUSDT","p":"61000","r":"0.00025000"}}`))

	rate, err := src.Fetch(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !rate.Rate.Equal(decimal.RequireFromString("0.00025")) || rate.Source != "stream" {
		t.Fatalf("unexpected rate %+v", rate)
	}

	src.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := src.Fetch(context.Background(), "BTCUSDT"); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData for old update, got %v", err)
	}
}
