// Package buffer optionally merges bursts of same-direction activity.
//
// Targets often fill one logical order as many small on-chain fills within
// a second or two. With a window configured, fills sharing
// (target, token, side, activityType) accumulate and flush as one merged
// event at window-length after the first, priced at the volume-weighted
// average. A zero window makes the buffer a pass-through.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/pkg/types"
)

type groupKey struct {
	target       string
	tokenID      string
	side         types.Side
	activityType types.ActivityType
}

type pendingGroup struct {
	first    types.ActivityEvent
	shares   decimal.Decimal
	notional decimal.Decimal
	count    int
	timer    *time.Timer
}

// Buffer merges events within the window and forwards the result.
type Buffer struct {
	window time.Duration
	emit   func(types.ActivityEvent)
	logger *slog.Logger

	mu      sync.Mutex
	pending map[groupKey]*pendingGroup
	closed  bool
}

// New creates a buffer. window 0 disables merging; emit must not block.
func New(window time.Duration, emit func(types.ActivityEvent), logger *slog.Logger) *Buffer {
	return &Buffer{
		window:  window,
		emit:    emit,
		logger:  logger.With("component", "buffer"),
		pending: make(map[groupKey]*pendingGroup),
	}
}

// Add routes one event through the buffer.
func (b *Buffer) Add(evt types.ActivityEvent) {
	if b.window <= 0 {
		b.emit(evt)
		return
	}

	key := groupKey{
		target:       evt.TargetWallet,
		tokenID:      evt.TokenID,
		side:         evt.Side,
		activityType: evt.ActivityType,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.emit(evt)
		return
	}

	g, ok := b.pending[key]
	if !ok {
		g = &pendingGroup{first: evt}
		g.timer = time.AfterFunc(b.window, func() { b.flush(key) })
		b.pending[key] = g
	}
	g.shares = g.shares.Add(decimal.NewFromFloat(evt.SizeShares))
	g.notional = g.notional.Add(decimal.NewFromFloat(evt.NotionalUSD))
	g.count++
}

// Close flushes every pending group immediately. Further Adds pass through.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	keys := make([]groupKey, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	for _, k := range keys {
		b.flush(k)
	}
}

// flush emits the merged event for one group.
func (b *Buffer) flush(key groupKey) {
	b.mu.Lock()
	g, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	g.timer.Stop()
	b.mu.Unlock()

	merged := g.first
	merged.SizeShares = g.shares.InexactFloat64()
	merged.NotionalUSD = g.notional.InexactFloat64()
	if !g.shares.IsZero() {
		merged.Price = g.notional.Div(g.shares).Round(6).InexactFloat64()
	}
	if g.count > 1 {
		merged.TradeID = "agg-" + g.first.TradeID
		b.logger.Debug("merged activity burst",
			"fills", g.count,
			"shares", merged.SizeShares,
			"vwap", merged.Price,
		)
	}
	b.emit(merged)
}
