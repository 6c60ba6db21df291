package funding

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"liqmap/internal/config"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRate   = errors.New("funding: invalid rate")
	ErrInvalidSymbol = errors.New("funding: invalid symbol")
	ErrUnavailable   = errors.New("funding: rate unavailable")
	ErrNoData        = errors.New("funding: no data")
)

// MaxAbsRate bounds accepted funding rates to [-0.10, 0.10].
var MaxAbsRate = decimal.RequireFromString("0.10")

// Rate is one funding observation. Build it with NewRate.
type Rate struct {
	Symbol     string          `json:"symbol"`
	Rate       decimal.Decimal `json:"rate"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     string          `json:"source"`
}

func NewRate(symbol string, rate decimal.Decimal, observedAt time.Time, source string) (Rate, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !config.ValidSymbol(symbol) {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if rate.Abs().GreaterThan(MaxAbsRate) {
		return Rate{}, fmt.Errorf("%w: %s outside [-%s, %s]", ErrInvalidRate, rate, MaxAbsRate, MaxAbsRate)
	}
	if observedAt.IsZero() {
		return Rate{}, fmt.Errorf("%w: missing observation time", ErrInvalidRate)
	}
	return Rate{Symbol: symbol, Rate: rate, ObservedAt: observedAt.UTC(), Source: source}, nil
}
