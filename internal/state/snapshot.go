package state

import (
	"context"
	"encoding/json"
	"strings"
)

const calculationKeyPrefix = "calculation:last:"

// CalculationSnapshot summarizes the last calculation for a symbol.
type CalculationSnapshot struct {
	CalculationID string  `json:"calculation_id"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	FundingRate   string  `json:"funding_rate"`
	LongRatio     string  `json:"long_ratio"`
	ShortRatio    string  `json:"short_ratio"`
	Confidence    float64 `json:"confidence"`
	TotalOI       string  `json:"total_oi"`
	LongOI        string  `json:"long_oi"`
	ShortOI       string  `json:"short_oi"`
	Levels        int     `json:"levels"`
	UpdatedAtMS   int64   `json:"updated_at_ms"`
}

func CalculationKey(symbol string) string {
	return calculationKeyPrefix + strings.ToUpper(symbol)
}

func LoadCalculationSnapshot(ctx context.Context, store Store, symbol string) (CalculationSnapshot, bool, error) {
	var snapshot CalculationSnapshot
	ok, err := loadJSON(ctx, store, CalculationKey(symbol), &snapshot)
	if err != nil || !ok {
		return CalculationSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCalculationSnapshot(ctx context.Context, store Store, snapshot CalculationSnapshot) error {
	return saveJSON(ctx, store, CalculationKey(snapshot.Symbol), snapshot)
}

func loadJSON(ctx context.Context, store Store, key string, v any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, err
	}
	return true, nil
}

func saveJSON(ctx context.Context, store Store, key string, v any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
