package funding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// BinanceSource reads funding history through the go-binance futures SDK.
type BinanceSource struct {
	client *futures.Client
}

// NewBinanceSource builds an unauthenticated futures client. An empty
// baseURL keeps the SDK default endpoint.
func NewBinanceSource(baseURL string, timeout time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: timeout}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		client.SetApiEndpoint(base)
	}
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Fetch(ctx context.Context, symbol string) (Rate, error) {
	res, err := s.client.NewFundingRateService().Symbol(symbol).Limit(1).Do(ctx)
	if err != nil {
		return Rate{}, err
	}
	var latest *futures.FundingRate
	for _, item := range res {
		if item == nil || !strings.EqualFold(item.Symbol, symbol) {
			continue
		}
		if latest == nil || item.FundingTime > latest.FundingTime {
			latest = item
		}
	}
	if latest == nil {
		return Rate{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	rate, err := decimal.NewFromString(latest.FundingRate)
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %q: %v", ErrInvalidRate, latest.FundingRate, err)
	}
	return NewRate(symbol, rate, time.UnixMilli(latest.FundingTime), "binance")
}
