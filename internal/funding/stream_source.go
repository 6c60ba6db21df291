package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"liqmap/internal/exchange/ws"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type markPricePayload struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	FundingRate string `json:"r"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type streamUpdate struct {
	rate       decimal.Decimal
	eventTime  time.Time
	receivedAt time.Time
}

// StreamSource serves the predicted funding rate carried by markPrice
// stream updates. Fetch subscribes symbols on first use and returns
// ErrNoData until an update younger than maxAge has arrived.
type StreamSource struct {
	client *ws.Client
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	latest  map[string]streamUpdate
	watched map[string]struct{}
}

func NewStreamSource(client *ws.Client, maxAge time.Duration, log *zap.Logger) *StreamSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamSource{
		client:  client,
		maxAge:  maxAge,
		log:     log,
		now:     time.Now,
		latest:  make(map[string]streamUpdate),
		watched: make(map[string]struct{}),
	}
}

// Run reads the stream until ctx ends, reconnecting on failure.
func (s *StreamSource) Run(ctx context.Context) error {
	return s.client.Run(ctx, s.handle)
}

// Watch subscribes to the markPrice stream of each symbol once.
func (s *StreamSource) Watch(ctx context.Context, symbols ...string) error {
	var streams []string
	s.mu.Lock()
	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)
		if _, ok := s.watched[symbol]; ok {
			continue
		}
		s.watched[symbol] = struct{}{}
		streams = append(streams, strings.ToLower(symbol)+"@markPrice")
	}
	s.mu.Unlock()
	if len(streams) == 0 {
		return nil
	}
	return s.client.Subscribe(ctx, streams...)
}

func (s *StreamSource) Fetch(ctx context.Context, symbol string) (Rate, error) {
	if err := s.Watch(ctx, symbol); err != nil {
		return Rate{}, err
	}
	s.mu.RLock()
	update, ok := s.latest[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if !ok {
		return Rate{}, fmt.Errorf("%w: no stream update for %s", ErrNoData, symbol)
	}
	if s.maxAge > 0 && s.now().Sub(update.receivedAt) > s.maxAge {
		return Rate{}, fmt.Errorf("%w: stream update for %s older than %s", ErrNoData, symbol, s.maxAge)
	}
	return NewRate(symbol, update.rate, update.eventTime, "stream")
}

func (s *StreamSource) handle(msg json.RawMessage) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err == nil && len(env.Data) > 0 {
		msg = env.Data
	}
	var payload markPricePayload
	if err := json.Unmarshal(msg, &payload); err != nil {
		s.log.Debug("stream frame ignored", zap.Error(err))
		return
	}
	if payload.Event != "markPriceUpdate" || payload.Symbol == "" || payload.FundingRate == "" {
		return
	}
	rate, err := decimal.NewFromString(payload.FundingRate)
	if err != nil {
		s.log.Warn("stream funding rate invalid", zap.String("symbol", payload.Symbol), zap.String("rate", payload.FundingRate))
		return
	}
	s.mu.Lock()
	s.latest[strings.ToUpper(payload.Symbol)] = streamUpdate{
		rate:       rate,
		eventTime:  time.UnixMilli(payload.EventTime),
		receivedAt: s.now(),
	}
	s.mu.Unlock()
}
