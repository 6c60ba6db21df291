package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"liqmap/internal/bias"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

const historyKeyPrefix = "bias:history:"

type historyRecord struct {
	FundingInput  string  `msgpack:"f"`
	LongRatio     string  `msgpack:"l"`
	Confidence    float64 `msgpack:"c"`
	AppliedAtMS   int64   `msgpack:"t"`
	ScaleFactor   float64 `msgpack:"s"`
	MaxAdjustment float64 `msgpack:"m"`
	Status        string  `msgpack:"st"`
}

func HistoryKey(symbol string) string {
	return historyKeyPrefix + strings.ToUpper(symbol)
}

// SaveHistory stores raw bias adjustments, oldest first, as base64 msgpack.
// Only the long ratio is kept; the short ratio is re-derived on load.
func SaveHistory(ctx context.Context, store Store, symbol string, history []bias.Adjustment) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	records := make([]historyRecord, len(history))
	for i, a := range history {
		records[i] = historyRecord{
			FundingInput:  a.FundingInput.String(),
			LongRatio:     a.LongRatio.String(),
			Confidence:    a.Confidence,
			AppliedAtMS:   a.AppliedAt.UnixMilli(),
			ScaleFactor:   a.ScaleFactor,
			MaxAdjustment: a.MaxAdjustment,
			Status:        string(a.Status),
		}
	}
	payload, err := msgpack.Marshal(records)
	if err != nil {
		return err
	}
	return store.Set(ctx, HistoryKey(symbol), base64.StdEncoding.EncodeToString(payload))
}

func LoadHistory(ctx context.Context, store Store, symbol string) ([]bias.Adjustment, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, HistoryKey(symbol))
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return nil, err
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	var records []historyRecord
	if err := msgpack.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	out := make([]bias.Adjustment, 0, len(records))
	one := decimal.NewFromInt(1)
	for _, r := range records {
		long, err := decimal.NewFromString(r.LongRatio)
		if err != nil {
			return nil, fmt.Errorf("history long ratio %q: %w", r.LongRatio, err)
		}
		input, err := decimal.NewFromString(r.FundingInput)
		if err != nil {
			return nil, fmt.Errorf("history funding input %q: %w", r.FundingInput, err)
		}
		out = append(out, bias.Adjustment{
			FundingInput:  input,
			LongRatio:     long,
			ShortRatio:    one.Sub(long),
			Confidence:    r.Confidence,
			AppliedAt:     time.UnixMilli(r.AppliedAtMS).UTC(),
			ScaleFactor:   r.ScaleFactor,
			MaxAdjustment: r.MaxAdjustment,
			Status:        bias.Status(r.Status),
		})
	}
	return out, nil
}
