package state

import (
	"context"
	"strings"

	"liqmap/internal/funding"
)

const fundingKeyPrefix = "funding:last:"

func FundingKey(symbol string) string {
	return fundingKeyPrefix + strings.ToUpper(symbol)
}

// LoadLastFunding returns the last successfully fetched rate for symbol.
// Stored values that no longer validate are ignored.
func LoadLastFunding(ctx context.Context, store Store, symbol string) (funding.Rate, bool, error) {
	var stored funding.Rate
	ok, err := loadJSON(ctx, store, FundingKey(symbol), &stored)
	if err != nil || !ok {
		return funding.Rate{}, false, err
	}
	rate, err := funding.NewRate(stored.Symbol, stored.Rate, stored.ObservedAt, stored.Source)
	if err != nil {
		return funding.Rate{}, false, nil
	}
	return rate, true, nil
}

func SaveLastFunding(ctx context.Context, store Store, rate funding.Rate) error {
	return saveJSON(ctx, store, FundingKey(rate.Symbol), rate)
}

// FundingSymbols lists every symbol with a stored last funding rate.
func FundingSymbols(ctx context.Context, store Store) ([]string, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	keys, err := store.Keys(ctx, fundingKeyPrefix)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(keys))
	for _, key := range keys {
		symbols = append(symbols, strings.TrimPrefix(key, fundingKeyPrefix))
	}
	return symbols, nil
}
