package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/dedup"
	"polymarket-copytrader/pkg/types"
)

const (
	// Events older than this on first sight are marked seen but never
	// emitted, so a fresh start cannot copy historical trades.
	maxEventAge = 5 * time.Minute

	eventBufferSize = 256
)

// Ingester runs the activity stream plus one poller per target and emits
// each target event exactly once. The dedup store is the idempotency
// boundary: both sources are at-least-once and overlap on TRADE rows.
type Ingester struct {
	targets map[string]bool
	dedup   *dedup.Store
	stream  *StreamClient
	pollers []*Poller
	events  chan types.ActivityEvent
	logger  *slog.Logger
	now     func() time.Time

	targetTrades atomic.Int64
	dropped      atomic.Int64
}

// NewIngester wires the stream client and pollers for the configured
// targets. auth may be nil in paper mode.
func NewIngester(cfg config.Config, dd *dedup.Store, auth AuthProvider, logger *slog.Logger) *Ingester {
	in := &Ingester{
		targets: make(map[string]bool, len(cfg.Targets)),
		dedup:   dd,
		events:  make(chan types.ActivityEvent, eventBufferSize),
		logger:  logger.With("component", "ingester"),
		now:     time.Now,
	}
	for _, t := range cfg.Targets {
		in.targets[types.NormalizeWallet(t)] = true
	}

	in.stream = NewStreamClient(cfg.API.WSURL, auth, in.onStreamPayload, logger)
	for _, t := range cfg.Targets {
		in.pollers = append(in.pollers, NewPoller(cfg, t, in.accept, logger))
	}
	return in
}

// Events returns the stream of accepted target events.
func (in *Ingester) Events() <-chan types.ActivityEvent {
	return in.events
}

// Run starts the websocket and all pollers and blocks until ctx is
// cancelled.
func (in *Ingester) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		in.stream.Run(ctx)
	}()

	for _, p := range in.pollers {
		wg.Add(1)
		go func(p *Poller) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}

	<-ctx.Done()
	in.stream.Destroy()
	wg.Wait()
}

// Connected reports websocket health for the supervisor.
func (in *Ingester) Connected() bool { return in.stream.Connected() }

// Stats returns (stream messages, accepted target trades, dropped events).
func (in *Ingester) Stats() (int64, int64, int64) {
	return in.stream.Messages(), in.targetTrades.Load(), in.dropped.Load()
}

// onStreamPayload handles one websocket activity payload.
func (in *Ingester) onStreamPayload(topic string, payload []byte) {
	raw, err := parseActivity(payload)
	if err != nil {
		in.logger.Debug("unparseable activity payload", "topic", topic, "error", err)
		return
	}
	evt, ok := normalize(raw)
	if !ok {
		return
	}
	in.accept(evt)
}

// accept applies the target filter, dedup and age gate, then emits. Never
// blocks: if downstream is saturated the event is counted and dropped, and
// the dedup reservation is released so a later poll can retry it.
func (in *Ingester) accept(evt types.ActivityEvent) {
	if !in.targets[evt.TargetWallet] {
		return
	}
	// Reserve the ID before emitting. The stream and a poller can deliver
	// the same fill concurrently; only the CheckAndMark winner proceeds.
	if !in.dedup.CheckAndMark(evt.TargetWallet, evt.TradeID) {
		return
	}

	if evt.Timestamp > 0 && in.now().Sub(evt.Time()) > maxEventAge {
		// Stays marked: historical trades are never copied.
		return
	}

	select {
	case in.events <- evt:
		in.targetTrades.Add(1)
	default:
		in.dedup.Unmark(evt.TargetWallet, evt.TradeID)
		in.dropped.Add(1)
		in.logger.Warn("event buffer full, dropping",
			"target", shortWallet(evt.TargetWallet),
			"trade", evt.TradeID,
		)
	}
}
