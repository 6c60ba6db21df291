package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNoData = errors.New("profile: no data")

// Entry is the traded volume observed in one price bin over the lookback
// window.
type Entry struct {
	PriceBin decimal.Decimal `json:"price_bin"`
	Volume   decimal.Decimal `json:"volume"`
}

// Source provides the read-only inputs of one calculation.
type Source interface {
	VolumeProfile(ctx context.Context, symbol string, lookback time.Duration) ([]Entry, error)
	OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Snapshot is one symbol's stored inputs for the static source.
type Snapshot struct {
	Entries      []Entry
	OpenInterest decimal.Decimal
}

// Static serves fixed snapshots. It backs tests and offline runs.
type Static struct {
	mu   sync.RWMutex
	data map[string]Snapshot
}

func NewStatic() *Static {
	return &Static{data: make(map[string]Snapshot)}
}

func (s *Static) Set(symbol string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[symbol] = Snapshot{
		Entries:      append([]Entry(nil), snap.Entries...),
		OpenInterest: snap.OpenInterest,
	}
}

func (s *Static) VolumeProfile(_ context.Context, symbol string, _ time.Duration) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return append([]Entry(nil), snap.Entries...), nil
}

func (s *Static) OpenInterest(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return snap.OpenInterest, nil
}

// Bin snaps price down to a multiple of size.
func Bin(price, size decimal.Decimal) decimal.Decimal {
	if size.Sign() <= 0 {
		return price
	}
	return price.Div(size).Floor().Mul(size)
}

// Merge sums entries that share a price bin and returns them in ascending
// price order.
func Merge(entries []Entry) []Entry {
	byBin := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		key := e.PriceBin.String()
		if i, ok := byBin[key]; ok {
			out[i].Volume = out[i].Volume.Add(e.Volume)
			continue
		}
		byBin[key] = len(out)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PriceBin.LessThan(out[j].PriceBin)
	})
	return out
}
