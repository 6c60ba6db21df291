package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []ExtremeFunding
	block chan struct{}
}

func (r *recordingSender) SendFunding(_ context.Context, obs ExtremeFunding) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, obs)
	return nil
}

func (r *recordingSender) rates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, obs := range r.sent {
		out[i] = obs.Symbol + " " + obs.Rate.String()
	}
	return out
}

func observation(rate string) ExtremeFunding {
	return ExtremeFunding{
		Symbol:       "BTCUSDT",
		Rate:         decimal.RequireFromString(rate),
		LongRatio:    decimal.RequireFromString("0.8"),
		ShortRatio:   decimal.RequireFromString("0.2"),
		OpenInterest: decimal.NewFromInt(1_500_000),
	}
}

func TestFundingNotifierSendsOncePerCrossing(t *testing.T) {
	sender := &recordingSender{}
	n := NewFundingNotifier(sender, 0.01, nil)

	if n.Observe(observation("0.005")) {
		t.Fatalf("normal rate flagged as extreme")
	}
	if !n.Observe(observation("0.012")) {
		t.Fatalf("expected extreme")
	}
	if !n.Observe(observation("0.015")) {
		t.Fatalf("expected extreme")
	}
	n.Observe(observation("0.001"))
	n.Observe(observation("-0.02"))
	n.Close()

	got := sender.rates()
	if len(got) != 2 || got[0] != "BTCUSDT 0.012" || got[1] != "BTCUSDT -0.02" {
		t.Fatalf("expected one alert per crossing, got %v", got)
	}
}

func TestFundingNotifierTracksSymbolsIndependently(t *testing.T) {
	sender := &recordingSender{}
	n := NewFundingNotifier(sender, 0.01, nil)

	btc := observation("0.02")
	eth := observation("0.02")
	eth.Symbol = "ETHUSDT"
	n.Observe(btc)
	n.Observe(eth)
	n.Observe(btc)
	n.Close()
	if got := sender.rates(); len(got) != 2 {
		t.Fatalf("expected one alert per symbol, got %v", got)
	}
}

func TestFundingNotifierDoesNotWaitForSender(t *testing.T) {
	sender := &recordingSender{block: make(chan struct{})}
	n := NewFundingNotifier(sender, 0.01, nil)

	start := time.Now()
	for i := 0; i < queueSize+5; i++ {
		obs := observation("0.02")
		obs.Symbol = "SYM" + decimal.NewFromInt(int64(i)).String() + "USDT"
		if !n.Observe(obs) {
			t.Fatalf("expected extreme")
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("observe blocked on the sender for %s", elapsed)
	}
	// One alert is held by the blocked sender and queueSize are buffered.
	if got := n.Dropped(); got < 4 || got > 5 {
		t.Fatalf("expected 4 or 5 dropped alerts, got %d", got)
	}
	close(sender.block)
	n.Close()
	if got := uint64(len(sender.rates())) + n.Dropped(); got != queueSize+5 {
		t.Fatalf("expected every alert sent or dropped, got %d", got)
	}
}

func TestFundingNotifierIgnoresObservationsAfterClose(t *testing.T) {
	sender := &recordingSender{}
	n := NewFundingNotifier(sender, 0.01, nil)
	n.Close()
	if !n.Observe(observation("0.02")) {
		t.Fatalf("expected extreme")
	}
	n.Close()
	if got := sender.rates(); len(got) != 0 {
		t.Fatalf("expected no alerts after close, got %v", got)
	}
}

func TestFundingNotifierThresholdUpdate(t *testing.T) {
	n := NewFundingNotifier(nil, 0.01, nil)
	defer n.Close()
	rate := decimal.RequireFromString("0.006")
	if n.Extreme(rate) {
		t.Fatalf("unexpected extreme")
	}
	n.SetThreshold(0.005)
	if !n.Extreme(rate) {
		t.Fatalf("expected extreme after threshold change")
	}
}
