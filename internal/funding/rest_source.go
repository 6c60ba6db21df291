package funding

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"liqmap/internal/exchange/rest"

	"github.com/shopspring/decimal"
)

const fundingRatePath = "/fapi/v1/fundingRate"

// RESTSource reads the last settled funding rate from a Binance-compatible
// /fapi/v1/fundingRate endpoint.
type RESTSource struct {
	client *rest.Client
}

func NewRESTSource(client *rest.Client) *RESTSource {
	return &RESTSource{client: client}
}

func (s *RESTSource) Fetch(ctx context.Context, symbol string) (Rate, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("limit", "1")
	payload, err := s.client.GetAny(ctx, fundingRatePath, query)
	if err != nil {
		return Rate{}, err
	}
	return parseFundingPayload(symbol, payload, "rest")
}

type fundingItem struct {
	symbol string
	rate   decimal.Decimal
	at     time.Time
}

// parseFundingPayload accepts an array of {symbol, fundingRate, fundingTime}
// objects, a single object, or either wrapped under "data". The newest item
// for symbol wins.
func parseFundingPayload(symbol string, payload any, source string) (Rate, error) {
	items := collectFundingItems(payload)
	var best *fundingItem
	for i := range items {
		item := items[i]
		if item.symbol != "" && !strings.EqualFold(item.symbol, symbol) {
			continue
		}
		if best == nil || item.at.After(best.at) {
			best = &item
		}
	}
	if best == nil {
		return Rate{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return NewRate(symbol, best.rate, best.at, source)
}

func collectFundingItems(payload any) []fundingItem {
	switch data := payload.(type) {
	case map[string]any:
		if nested, ok := data["data"]; ok {
			return collectFundingItems(nested)
		}
		if item, ok := parseFundingItem(data); ok {
			return []fundingItem{item}
		}
		return nil
	case []any:
		out := make([]fundingItem, 0, len(data))
		for _, entry := range data {
			m, ok := toMap(entry)
			if !ok {
				continue
			}
			if item, ok := parseFundingItem(m); ok {
				out = append(out, item)
			}
		}
		return out
	default:
		return nil
	}
}

func parseFundingItem(m map[string]any) (fundingItem, bool) {
	rate, ok := decimalFromMap(m, "fundingRate", "lastFundingRate", "r")
	if !ok {
		return fundingItem{}, false
	}
	at, ok := timeFromMap(m, "fundingTime", "time", "E")
	if !ok {
		return fundingItem{}, false
	}
	return fundingItem{
		symbol: stringFromMap(m, "symbol", "s"),
		rate:   rate,
		at:     at,
	}, true
}
