package alerts

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	sendTimeout = 5 * time.Second
	queueSize   = 32
)

// ExtremeFunding is what the notifier needs to describe one observation.
type ExtremeFunding struct {
	Symbol       string
	Rate         decimal.Decimal
	LongRatio    decimal.Decimal
	ShortRatio   decimal.Decimal
	OpenInterest decimal.Decimal
	ObservedAt   time.Time
}

// FundingNotifier alerts once when |rate| crosses the threshold for a
// symbol and re-arms when the rate falls back below it. Alerts are handed to
// a background sender so Observe never waits on the network.
type FundingNotifier struct {
	sender Sender
	log    *zap.Logger

	mu        sync.Mutex
	threshold decimal.Decimal
	active    map[string]bool
	closed    bool

	queue   chan ExtremeFunding
	done    chan struct{}
	dropped atomic.Uint64
}

func NewFundingNotifier(sender Sender, threshold float64, log *zap.Logger) *FundingNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	n := &FundingNotifier{
		sender:    sender,
		log:       log,
		threshold: decimal.NewFromFloat(threshold),
		active:    make(map[string]bool),
		queue:     make(chan ExtremeFunding, queueSize),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *FundingNotifier) SetThreshold(threshold float64) {
	n.mu.Lock()
	n.threshold = decimal.NewFromFloat(threshold)
	n.mu.Unlock()
}

// Extreme reports whether rate is beyond the current threshold.
func (n *FundingNotifier) Extreme(rate decimal.Decimal) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return rate.Abs().GreaterThanOrEqual(n.threshold)
}

// Observe returns true when the observation is extreme. An alert is queued
// only on the first extreme observation after a normal one.
func (n *FundingNotifier) Observe(obs ExtremeFunding) bool {
	symbol := strings.ToUpper(obs.Symbol)
	n.mu.Lock()
	defer n.mu.Unlock()
	extreme := obs.Rate.Abs().GreaterThanOrEqual(n.threshold)
	crossed := extreme && !n.active[symbol]
	if extreme {
		n.active[symbol] = true
	} else {
		delete(n.active, symbol)
	}
	if !crossed || n.sender == nil || n.closed {
		return extreme
	}
	select {
	case n.queue <- obs:
	default:
		n.dropped.Add(1)
		n.log.Warn("alert queue full", zap.String("symbol", symbol))
	}
	return extreme
}

func (n *FundingNotifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Close stops accepting alerts and waits for queued ones to be sent.
func (n *FundingNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}

func (n *FundingNotifier) run() {
	defer close(n.done)
	for obs := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := n.sender.SendFunding(ctx, obs); err != nil {
			n.log.Warn("alert send failed", zap.String("symbol", obs.Symbol), zap.Error(err))
		}
		cancel()
	}
}
