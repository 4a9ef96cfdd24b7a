// Package engine is the supervisor: it wires every component, owns the
// goroutine lifecycle, and keeps the replication pipeline draining.
//
// Pipeline: ingester -> per-target serial drain -> aggregation buffer ->
// risk -> executor -> (paper ledger | CLOB). Cross-target events run in
// parallel; events for one target are strictly ordered. Background timers
// sample equity snapshots, settle resolved paper positions, sweep
// stop-losses, trim in-memory state and redeem resolved live positions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"polymarket-copytrader/internal/buffer"
	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/dedup"
	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/internal/executor"
	"polymarket-copytrader/internal/feed"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/marketdata"
	"polymarket-copytrader/internal/mode"
	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/internal/snapshot"
	"polymarket-copytrader/internal/stats"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

const (
	dedupDoc      = "dedup.json"
	configDoc     = "config.json"
	debugStatsLog = "debug-stats.log"

	settleInterval = 30 * time.Second
	reapInterval   = 2 * time.Minute

	maxRecentErrors  = 50
	targetQueueDepth = 64
)

// ErrorEntry is one recent pipeline failure, kept for the status surface.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Context string    `json:"context"`
	Message string    `json:"message"`
}

// Status is the supervisor's health summary.
type Status struct {
	Mode          types.Mode `json:"mode"`
	Connected     bool       `json:"connected"`
	Messages      int64      `json:"messages"`
	TargetTrades  int64      `json:"targetTrades"`
	DroppedEvents int64      `json:"droppedEvents"`
	DailyNotional float64    `json:"dailyNotional"`
	Balance       float64    `json:"balance"`
	Equity        float64    `json:"equity"`
	Targets       []string   `json:"targets"`
}

// quoteSource supplies mark prices when the metadata cache has none.
type quoteSource interface {
	Midpoint(ctx context.Context, tokenID string) (float64, error)
}

// Engine supervises the whole copy-trading pipeline.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Store
	dedup    *dedup.Store
	modes    *mode.Controller
	markets  *marketdata.Cache
	led      *ledger.Ledger
	riskMgr  *risk.Manager
	statsAgg *stats.Aggregator
	recorder *snapshot.Recorder

	mode     types.Mode
	exec     executor.Executor
	client   *exchange.Client
	quotes   quoteSource
	redeemer *exchange.Redeemer
	ingester *feed.Ingester
	buf      *buffer.Buffer

	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	errMu  sync.Mutex
	recent []ErrorEntry
}

// New builds the engine and restores persisted state. Goroutines start in
// Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	st, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return nil, err
	}
	// Operator-inspectable mirror of the effective config.
	if err := st.Save(configDoc, cfg); err != nil {
		logger.Warn("config mirror write failed", "error", err)
	}

	e := &Engine{cfg: cfg, logger: logger.With("component", "engine"), store: st}

	e.dedup = dedup.New(func() { st.MarkDirty(dedupDoc) })
	var seen map[string][]string
	if err := st.Load(dedupDoc, &seen); err == nil {
		e.dedup.Restore(seen)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load dedup: %w", err)
	}
	st.Register(dedupDoc, func() any { return e.dedup.Snapshot() })

	e.modes, err = mode.New(cfg, st, logger)
	if err != nil {
		return nil, err
	}
	e.mode = e.modes.Mode()

	e.markets = marketdata.NewCache(cfg.API, logger)
	e.quotes = exchange.NewPublicClient(cfg.API, logger)
	e.riskMgr = risk.NewManager(cfg.Trading, cfg.Risk, logger)
	e.statsAgg = stats.NewAggregator(st, logger)

	e.led, err = ledger.New(cfg.PaperTrading, st, logger)
	if err != nil {
		return nil, err
	}

	doc := snapshot.PaperDoc
	if e.mode == types.ModeLive {
		doc = snapshot.LiveDoc
	}
	e.recorder, err = snapshot.NewRecorder(st, doc, logger)
	if err != nil {
		return nil, err
	}

	return e, nil
}

// Mode returns the resolved trading mode.
func (e *Engine) Mode() types.Mode { return e.mode }

// Modes exposes the account controller for the status API.
func (e *Engine) Modes() *mode.Controller { return e.modes }

// Ledger exposes the paper ledger for the status API.
func (e *Engine) Ledger() *ledger.Ledger { return e.led }

// Executor exposes the active executor for the status API.
func (e *Engine) Executor() executor.Executor { return e.exec }

// Recorder exposes the equity history for the status API.
func (e *Engine) Recorder() *snapshot.Recorder { return e.recorder }

// Start spins up the pipeline. In live mode any initialization failure is
// fatal: the engine refuses to start rather than fall back to paper.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.cancel = context.WithCancel(ctx)

	var authProvider feed.AuthProvider
	switch e.mode {
	case types.ModeLive:
		if err := e.initLive(e.runCtx); err != nil {
			e.cancel()
			return fmt.Errorf("live initialization: %w", err)
		}
		authProvider = e.client.Auth()
	case types.ModeDryRun:
		e.exec = executor.NewDryRun(e.cfg.Trading.Slippage, e.logger)
	default:
		e.exec = executor.NewPaper(e.led, e.cfg.Trading.Slippage, e.logger)
	}

	e.buf = buffer.New(e.cfg.Aggregation.Window(), e.process, e.logger)
	e.ingester = feed.NewIngester(*e.cfg, e.dedup, authProvider, e.logger)

	e.spawn(func() { e.store.Run(e.runCtx) })
	e.spawn(func() { e.ingester.Run(e.runCtx) })
	e.startDrain()
	e.startTimers()

	e.logger.Info("engine started",
		"mode", e.mode,
		"targets", len(e.cfg.Targets),
		"aggregation_ms", e.cfg.Aggregation.WindowMs,
	)
	return nil
}

// Stop shuts the pipeline down. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("stopping")
		// Flush pending aggregation groups through the pipeline before the
		// run context dies under them.
		if e.buf != nil {
			e.buf.Close()
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.store.FlushAll()
		e.logger.Info("stopped")
	})
}

// initLive builds the signing, throttling and CLOB layers. Credentials come
// from the active account when one is set, otherwise the wallet config.
func (e *Engine) initLive(ctx context.Context) error {
	var (
		auth *exchange.Auth
		err  error
	)
	if acct, ok := e.modes.ActiveAccount(); ok {
		auth, err = exchange.NewAuthFromAccount(acct, e.cfg.Wallet.ChainID)
		if err == nil && acct.APIKey != "" {
			auth.SetCredentials(exchange.Credentials{
				ApiKey:     acct.APIKey,
				Secret:     acct.APISecret,
				Passphrase: acct.APIPassphrase,
			})
		}
	} else {
		auth, err = exchange.NewAuth(*e.cfg)
	}
	if err != nil {
		return err
	}

	throttle := exchange.NewThrottler(e.logger)
	client := exchange.NewClient(e.cfg.API, auth, throttle, e.logger)

	if !auth.HasL2Credentials() {
		creds, err := client.DeriveAPIKey(ctx)
		if err != nil {
			return fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
		e.logger.Info("derived L2 api credentials")
	}

	balances := marketdata.NewBalanceCache(client, client, e.logger)
	e.client = client
	e.quotes = client
	e.exec = executor.NewLive(client, balances, e.cfg.Trading.Slippage, e.logger)

	if e.cfg.AutoRedeem.Enabled {
		if len(e.cfg.API.RPCEndpoints) == 0 {
			return fmt.Errorf("auto_redeem requires api.rpc_endpoints")
		}
		pool, err := exchange.NewRPCPool(e.cfg.API.RPCEndpoints, e.logger)
		if err != nil {
			return err
		}
		e.redeemer, err = exchange.NewRedeemer(pool, auth, e.logger)
		if err != nil {
			return err
		}
	}
	return nil
}

// startDrain fans events out to one serial worker per target so a slow
// market never reorders another target's trades.
func (e *Engine) startDrain() {
	queues := make(map[string]chan types.ActivityEvent, len(e.cfg.Targets))
	for _, target := range e.cfg.Targets {
		ch := make(chan types.ActivityEvent, targetQueueDepth)
		queues[target] = ch
		e.spawn(func() {
			for {
				select {
				case <-e.runCtx.Done():
					return
				case evt := <-ch:
					e.buf.Add(evt)
				}
			}
		})
	}

	e.spawn(func() {
		for {
			select {
			case <-e.runCtx.Done():
				return
			case evt := <-e.ingester.Events():
				ch, ok := queues[evt.TargetWallet]
				if !ok {
					// Ingester already filters; belt and braces.
					continue
				}
				select {
				case ch <- evt:
				case <-e.runCtx.Done():
					return
				}
			}
		}
	})
}

// process replicates one event end to end. Never panics out; every failure
// becomes a logged verdict.
func (e *Engine) process(evt types.ActivityEvent) {
	log := e.logger.With(
		"target", evt.TargetWallet,
		"trade_id", evt.TradeID,
		"market", evt.MarketSlug,
	)

	sizing, skip := e.riskMgr.Evaluate(evt)
	if skip != nil {
		log.Info("risk skip", "reason", skip.Reason, "detail", skip.Detail)
		return
	}

	res := e.exec.Execute(e.runCtx, evt, sizing)
	switch res.Status {
	case types.ExecExecuted:
		e.riskMgr.Commit(evt, sizing)
		log.Info("replicated",
			"side", evt.Side,
			"shares", res.Fill.ExecutedSize,
			"price", res.Fill.ExecutedPrice,
		)
	case types.ExecSkipped:
		log.Info("skipped", "reason", res.Reason, "detail", res.Detail)
	case types.ExecFailed:
		log.Error("execution failed", "error", res.Err)
		e.recordError("execute "+evt.TradeID, res.Err)
	}
}

// startTimers arms the periodic maintenance loops.
func (e *Engine) startTimers() {
	e.every(snapshot.SampleInterval, e.recordSnapshot)
	e.every(reapInterval, e.reap)

	if e.mode != types.ModeLive {
		e.every(settleInterval, func() { e.led.SettleResolved(e.runCtx, e.markets) })
		if e.cfg.StopLoss.Enabled {
			e.every(e.cfg.StopLoss.CheckInterval(), e.stopLossSweep)
		}
	}
	if e.mode == types.ModeLive && e.redeemer != nil {
		e.every(e.cfg.AutoRedeem.Interval(), e.redeemSweep)
	}
}

func (e *Engine) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	e.spawn(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.runCtx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	})
}

// recordSnapshot samples the account into the mode's history document.
func (e *Engine) recordSnapshot() {
	if e.mode == types.ModeLive {
		balance, err := e.exec.QueryBalance(e.runCtx)
		if err != nil {
			e.recordError("snapshot balance", err)
			return
		}
		trades, err := e.exec.QueryTrades(e.runCtx)
		if err != nil {
			e.recordError("snapshot trades", err)
			return
		}
		positions, _ := e.exec.QueryPositions(e.runCtx)
		marks := make(map[string]float64, len(positions))
		for _, p := range positions {
			if p.CurrentPrice > 0 {
				marks[p.TokenID] = p.CurrentPrice
			}
		}
		report := e.statsAgg.Compute(trades, marks)
		e.statsAgg.StartingBalance(balance)
		e.recorder.Record(types.Snapshot{
			Balance:       balance,
			RealizedPnl:   report.RealizedPnl,
			UnrealizedPnl: report.UnrealizedPnl,
		})
		return
	}

	state := e.led.State()
	unrealized := e.led.UnrealizedPnl()
	e.recorder.Record(types.Snapshot{
		Balance:       state.CurrentBalance,
		RealizedPnl:   state.Stats.TotalRealizedPnl,
		UnrealizedPnl: unrealized,
	})
	line := fmt.Sprintf("%s balance=%.2f realized=%.2f unrealized=%.2f positions=%d trades=%d",
		time.Now().UTC().Format(time.RFC3339),
		state.CurrentBalance, state.Stats.TotalRealizedPnl, unrealized,
		len(state.Positions), len(state.Trades))
	if err := e.store.AppendLine(debugStatsLog, line); err != nil {
		e.logger.Debug("debug stats append failed", "error", err)
	}
}

// stopLossSweep marks open positions and liquidates the ones below the
// configured drawdown.
func (e *Engine) stopLossSweep() {
	marks := e.markPrices(e.runCtx)
	if len(marks) == 0 {
		return
	}
	e.led.StopLossSweep(marks, e.cfg.StopLoss.Percent)
}

// markPrices refreshes mark prices for every open paper position. Gamma
// outcome prices are preferred; the CLOB book midpoint covers tokens Gamma
// cannot price.
func (e *Engine) markPrices(ctx context.Context) map[string]float64 {
	state := e.led.State()
	marks := make(map[string]float64, len(state.Positions))
	for tok := range state.Positions {
		if p, ok := e.markets.LastPrice(tok); ok {
			marks[tok] = p
			continue
		}
		if _, err := e.markets.ByToken(ctx, tok); err == nil {
			if p, ok := e.markets.LastPrice(tok); ok {
				marks[tok] = p
				continue
			}
		}
		if mid, err := e.quotes.Midpoint(ctx, tok); err == nil && mid > 0 {
			marks[tok] = mid
		}
	}
	if len(marks) > 0 {
		e.led.MarkPrices(marks)
	}
	return marks
}

// redeemSweep claims winnings for resolved live positions.
func (e *Engine) redeemSweep() {
	positions, err := e.client.FetchPositions(e.runCtx)
	if err != nil {
		e.recordError("redeem sweep", err)
		return
	}
	for _, p := range positions {
		if !p.Redeemable || p.Size <= 0 {
			continue
		}
		txHash, err := e.redeemer.Redeem(e.runCtx, p.ConditionID)
		if err != nil {
			e.recordError("redeem "+p.ConditionID, err)
			continue
		}
		e.logger.Info("redeemed position", "condition", p.ConditionID, "tx", txHash)
	}
}

// reap bounds in-memory state: trade log, settled positions, dedup sets.
func (e *Engine) reap() {
	e.led.Trim()
	e.dedup.Trim()
}

func (e *Engine) recordError(scope string, err error) {
	e.errMu.Lock()
	e.recent = append(e.recent, ErrorEntry{Time: time.Now().UTC(), Context: scope, Message: err.Error()})
	if len(e.recent) > maxRecentErrors {
		e.recent = e.recent[len(e.recent)-maxRecentErrors:]
	}
	e.errMu.Unlock()
}

// RecentErrors returns the bounded error log, oldest first.
func (e *Engine) RecentErrors() []ErrorEntry {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	out := make([]ErrorEntry, len(e.recent))
	copy(out, e.recent)
	return out
}

// StatusReport summarizes engine health.
func (e *Engine) StatusReport() Status {
	s := Status{
		Mode:          e.mode,
		DailyNotional: e.riskMgr.DailyNotional(),
		Targets:       e.cfg.Targets,
	}
	if e.ingester != nil {
		s.Connected = e.ingester.Connected()
		s.Messages, s.TargetTrades, s.DroppedEvents = e.ingester.Stats()
	}
	if e.mode == types.ModeLive {
		// exec stays nil when live init failed; report zeros, not paper.
		if e.exec != nil && e.runCtx != nil {
			if bal, err := e.exec.QueryBalance(e.runCtx); err == nil {
				s.Balance = bal
				s.Equity = bal
			}
		}
	} else {
		s.Balance = e.led.State().CurrentBalance
		s.Equity = e.led.Equity()
	}
	return s
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}
