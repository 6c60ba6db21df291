package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStaticSource(t *testing.T) {
	src := NewStatic()
	src.Set("BTCUSDT", Snapshot{
		Entries:      []Entry{{PriceBin: decimal.NewFromInt(60000), Volume: decimal.NewFromInt(5)}},
		OpenInterest: decimal.NewFromInt(1_000_000),
	})
	entries, err := src.VolumeProfile(context.Background(), "BTCUSDT", time.Hour)
	if err != nil {
		t.Fatalf("volume profile: %v", err)
	}
	if len(entries) != 1 || !entries[0].Volume.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	oi, err := src.OpenInterest(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("open interest: %v", err)
	}
	if !oi.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("expected oi 1000000, got %s", oi)
	}
	if _, err := src.VolumeProfile(context.Background(), "ETHUSDT", time.Hour); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if _, err := src.OpenInterest(context.Background(), "ETHUSDT"); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestBin(t *testing.T) {
	got := Bin(decimal.RequireFromString("60123.45"), decimal.NewFromInt(100))
	if !got.Equal(decimal.NewFromInt(60100)) {
		t.Fatalf("expected 60100, got %s", got)
	}
	same := Bin(decimal.RequireFromString("1.5"), decimal.Zero)
	if !same.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected passthrough for zero size, got %s", same)
	}
}

func TestMerge(t *testing.T) {
	merged := Merge([]Entry{
		{PriceBin: decimal.NewFromInt(200), Volume: decimal.NewFromInt(1)},
		{PriceBin: decimal.NewFromInt(100), Volume: decimal.NewFromInt(2)},
		{PriceBin: decimal.RequireFromString("200.0"), Volume: decimal.NewFromInt(3)},
	})
	if len(merged) != 2 {
		t.Fatalf("expected 2 bins, got %d", len(merged))
	}
	if !merged[0].PriceBin.Equal(decimal.NewFromInt(100)) || !merged[1].Volume.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
}
