// Package ledger implements the simulated (paper) trading account.
//
// The Ledger is the system of record in paper mode: balance, open positions
// keyed by token ID, the append-only trade log, and rolled-up stats. It has
// a single logical owner — every mutation goes through its methods, which
// serialize on one mutex, so BUY/SELL effects apply in receive order.
//
// Money arithmetic uses shopspring/decimal and rounds to micro-USDC
// (6 decimals) so repeated fees never accumulate float drift. Durability is
// delegated to the store's debounced writer: the ledger registers
// paper-state.json and marks it dirty after each mutation.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

const (
	stateDoc     = "paper-state.json"
	maxTrades    = 500
	trimTradesTo = 375 // 0.75 * maxTrades, truncation amortizes
	maxPositions = 200

	usdcDecimals = 6
)

// Resolver answers whether a market has resolved and which outcome won.
// Implemented by the marketdata cache; injected so the ledger stays
// testable without HTTP.
type Resolver interface {
	Resolution(ctx context.Context, conditionID string) (resolved bool, winner types.Outcome, err error)
}

// Ledger owns PaperState.
type Ledger struct {
	mu      sync.Mutex
	state   types.PaperState
	feeRate decimal.Decimal

	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger, restoring paper-state.json when present. The
// restored document is trimmed on load so an oversized file from an old run
// cannot pin memory.
func New(cfg config.PaperTradingConfig, st *store.Store, logger *slog.Logger) (*Ledger, error) {
	l := &Ledger{
		feeRate: decimal.NewFromFloat(cfg.FeeRate),
		store:   st,
		logger:  logger.With("component", "ledger"),
		now:     time.Now,
	}

	if st != nil && st.Exists(stateDoc) {
		var persisted types.PaperState
		if err := st.Load(stateDoc, &persisted); err != nil {
			return nil, fmt.Errorf("restore paper state: %w", err)
		}
		l.state = persisted
		if l.state.Positions == nil {
			l.state.Positions = make(map[string]*types.Position)
		}
		l.trimLocked()
		l.logger.Info("paper state restored",
			"balance", l.state.CurrentBalance,
			"positions", len(l.state.Positions),
			"trades", len(l.state.Trades),
		)
	} else {
		l.state = types.PaperState{
			StartingBalance: cfg.StartingBalance,
			CurrentBalance:  cfg.StartingBalance,
			Positions:       make(map[string]*types.Position),
		}
	}

	if st != nil {
		st.Register(stateDoc, func() any { return l.State() })
	}
	return l, nil
}

// round6 rounds a decimal to micro-USDC precision.
func round6(d decimal.Decimal) decimal.Decimal {
	return d.Round(usdcDecimals)
}

// avgEntry returns totalCost/shares, 0 when flat. The basis is
// fee-inclusive, so the average sits slightly above the raw fill price.
func avgEntry(totalCost, shares float64) float64 {
	if shares <= 0 {
		return 0
	}
	return round6(decimal.NewFromFloat(totalCost).
		Div(decimal.NewFromFloat(shares))).InexactFloat64()
}

// Buy simulates buying shares at price. The fee is feeRate of notional and
// is folded into the position's cost basis, so realized P&L on the eventual
// exit accounts for both legs' fees.
func (l *Ledger) Buy(evt types.ActivityEvent, shares, price float64) types.ExecResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	cost := round6(decimal.NewFromFloat(shares).Mul(decimal.NewFromFloat(price)))
	fee := round6(cost.Mul(l.feeRate))
	total := cost.Add(fee)

	balance := decimal.NewFromFloat(l.state.CurrentBalance)
	if balance.LessThan(total) {
		return types.SkippedWith(types.SkipInsufficientFunds,
			fmt.Sprintf("need %s, have %s", total, balance))
	}

	l.state.CurrentBalance = balance.Sub(total).InexactFloat64()

	pos, ok := l.state.Positions[evt.TokenID]
	if !ok {
		pos = &types.Position{
			TokenID:     evt.TokenID,
			ConditionID: evt.ConditionID,
			MarketSlug:  evt.MarketSlug,
			Outcome:     evt.Outcome,
			OpenedAt:    l.now().UTC(),
		}
		l.state.Positions[evt.TokenID] = pos
	}

	// Weighted-average entry: basis includes the entry fee.
	pos.Shares += shares
	pos.TotalCost = round6(decimal.NewFromFloat(pos.TotalCost).Add(total)).InexactFloat64()
	pos.FeesPaid = round6(decimal.NewFromFloat(pos.FeesPaid).Add(fee)).InexactFloat64()
	pos.AvgEntryPrice = avgEntry(pos.TotalCost, pos.Shares)
	pos.CurrentPrice = price

	l.appendTradeLocked(types.Trade{
		ID:           uuid.NewString(),
		Timestamp:    l.now().UnixMilli(),
		TokenID:      evt.TokenID,
		ConditionID:  evt.ConditionID,
		MarketSlug:   evt.MarketSlug,
		Outcome:      evt.Outcome,
		Side:         types.BUY,
		Price:        price,
		Shares:       shares,
		USDValue:     cost.InexactFloat64(),
		Fees:         fee.InexactFloat64(),
		TargetWallet: evt.TargetWallet,
		TradeID:      evt.TradeID,
	})
	l.state.Stats.TotalFees = round6(decimal.NewFromFloat(l.state.Stats.TotalFees).Add(fee)).InexactFloat64()
	l.state.Stats.TotalTrades++
	l.markDirtyLocked()

	return types.Executed(&types.Fill{
		ExecutedPrice: price,
		ExecutedSize:  shares,
		Fees:          fee.InexactFloat64(),
	})
}

// Sell simulates selling up to the held shares at price. Requests beyond
// the position are clamped; selling with no position is a skip. When the
// remaining shares reach zero the position entry is deleted and the trade's
// pnl doubles as the settlement pnl.
func (l *Ledger) Sell(evt types.ActivityEvent, shares, price float64) types.ExecResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.state.Positions[evt.TokenID]
	if !ok || pos.Shares <= 0 {
		return types.Skipped(types.SkipNoPosition)
	}

	sellShares := shares
	if sellShares > pos.Shares {
		sellShares = pos.Shares
	}

	result := l.closeSharesLocked(pos, sellShares, price, l.feeRate, evt.TargetWallet, evt.TradeID)
	l.markDirtyLocked()
	return result
}

// closeSharesLocked books the exit of sellShares at price against pos and
// returns the fill. Shared by Sell, Settle and the stop-loss sweep;
// settlement passes a zero fee rate.
func (l *Ledger) closeSharesLocked(pos *types.Position, sellShares, price float64, feeRate decimal.Decimal, wallet, sourceID string) types.ExecResult {
	proceeds := round6(decimal.NewFromFloat(sellShares).Mul(decimal.NewFromFloat(price)))
	fee := round6(proceeds.Mul(feeRate))

	// Proportional cost relief against the fee-inclusive basis.
	fraction := decimal.NewFromFloat(sellShares).Div(decimal.NewFromFloat(pos.Shares))
	entryValue := round6(decimal.NewFromFloat(pos.TotalCost).Mul(fraction))
	pnl := proceeds.Sub(entryValue).Sub(fee)

	l.state.CurrentBalance = round6(decimal.NewFromFloat(l.state.CurrentBalance).
		Add(proceeds).Sub(fee)).InexactFloat64()

	pos.Shares -= sellShares
	pos.TotalCost = round6(decimal.NewFromFloat(pos.TotalCost).Sub(entryValue)).InexactFloat64()
	pos.FeesPaid = round6(decimal.NewFromFloat(pos.FeesPaid).Add(fee)).InexactFloat64()
	pos.AvgEntryPrice = avgEntry(pos.TotalCost, pos.Shares)
	pos.CurrentPrice = price

	pnlF := pnl.InexactFloat64()
	if pos.Shares <= 1e-9 {
		// Fully closed: drop the entry so the map stays bounded.
		pos.Settled = true
		pos.SettlementPnl = pnlF
		delete(l.state.Positions, pos.TokenID)
	}

	l.appendTradeLocked(types.Trade{
		ID:           uuid.NewString(),
		Timestamp:    l.now().UnixMilli(),
		TokenID:      pos.TokenID,
		ConditionID:  pos.ConditionID,
		MarketSlug:   pos.MarketSlug,
		Outcome:      pos.Outcome,
		Side:         types.SELL,
		Price:        price,
		Shares:       sellShares,
		USDValue:     proceeds.InexactFloat64(),
		Fees:         fee.InexactFloat64(),
		Pnl:          pnlF,
		HasPnl:       true,
		TargetWallet: wallet,
		TradeID:      sourceID,
	})
	l.rollupLocked(pnlF, fee.InexactFloat64())

	return types.Executed(&types.Fill{
		ExecutedPrice: price,
		ExecutedSize:  sellShares,
		Fees:          fee.InexactFloat64(),
	})
}

// rollupLocked updates the aggregate stats after a closing trade.
func (l *Ledger) rollupLocked(pnl, fee float64) {
	st := &l.state.Stats
	st.TotalTrades++
	st.TotalFees = round6(decimal.NewFromFloat(st.TotalFees).Add(decimal.NewFromFloat(fee))).InexactFloat64()
	if pnl == 0 {
		return
	}
	st.TotalRealizedPnl = round6(decimal.NewFromFloat(st.TotalRealizedPnl).Add(decimal.NewFromFloat(pnl))).InexactFloat64()
	if pnl > 0 {
		st.WinningTrades++
		st.GrossWins = round6(decimal.NewFromFloat(st.GrossWins).Add(decimal.NewFromFloat(pnl))).InexactFloat64()
		if pnl > st.LargestWin {
			st.LargestWin = pnl
		}
	} else {
		st.LosingTrades++
		st.GrossLosses = round6(decimal.NewFromFloat(st.GrossLosses).Add(decimal.NewFromFloat(pnl))).InexactFloat64()
		if pnl < st.LargestLoss {
			st.LargestLoss = pnl
		}
	}
}

// Settle closes a position at the resolution payout (1 for the winning
// outcome, 0 otherwise). No trading fee applies to settlement. Idempotent:
// settling an unknown token is a no-op.
func (l *Ledger) Settle(tokenID string, payout float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.state.Positions[tokenID]
	if !ok || pos.Shares <= 0 {
		return
	}

	res := l.closeSharesLocked(pos, pos.Shares, payout, decimal.Zero, "", "settlement")

	if res.Fill != nil {
		l.logger.Info("position settled",
			"token", tokenID,
			"payout", payout,
			"shares", res.Fill.ExecutedSize,
		)
	}
	l.markDirtyLocked()
}

// SettleResolved checks every open position against the resolver and
// settles those whose market resolved. Idempotent; resolver errors are
// logged and retried on the next sweep.
func (l *Ledger) SettleResolved(ctx context.Context, resolver Resolver) {
	type open struct {
		tokenID     string
		conditionID string
		outcome     types.Outcome
	}

	l.mu.Lock()
	positions := make([]open, 0, len(l.state.Positions))
	for id, pos := range l.state.Positions {
		positions = append(positions, open{tokenID: id, conditionID: pos.ConditionID, outcome: pos.Outcome})
	}
	l.mu.Unlock()

	for _, p := range positions {
		if ctx.Err() != nil {
			return
		}
		resolved, winner, err := resolver.Resolution(ctx, p.conditionID)
		if err != nil {
			l.logger.Debug("resolution check failed", "condition", p.conditionID, "error", err)
			continue
		}
		if !resolved {
			continue
		}
		payout := 0.0
		if winner == p.outcome {
			payout = 1.0
		}
		l.Settle(p.tokenID, payout)
	}
}

// StopLossSweep liquidates open positions whose mark price has fallen
// percent below the average entry. marks maps tokenID to current price;
// tokens without a mark are skipped.
func (l *Ledger) StopLossSweep(marks map[string]float64, percent float64) {
	if percent <= 0 {
		return
	}

	l.mu.Lock()
	type hit struct {
		tokenID string
		mark    float64
	}
	var hits []hit
	for id, pos := range l.state.Positions {
		mark, ok := marks[id]
		if !ok || pos.AvgEntryPrice <= 0 {
			continue
		}
		if mark <= pos.AvgEntryPrice*(1-percent) {
			hits = append(hits, hit{tokenID: id, mark: mark})
		}
	}
	l.mu.Unlock()

	for _, h := range hits {
		l.mu.Lock()
		pos, ok := l.state.Positions[h.tokenID]
		if !ok {
			l.mu.Unlock()
			continue
		}
		shares := pos.Shares
		l.logger.Warn("stop loss triggered",
			"token", h.tokenID,
			"entry", pos.AvgEntryPrice,
			"mark", h.mark,
		)
		l.closeSharesLocked(pos, shares, h.mark, l.feeRate, "", "stop-loss")
		l.markDirtyLocked()
		l.mu.Unlock()
	}
}

// MarkPrices updates CurrentPrice on open positions for unrealized P&L.
func (l *Ledger) MarkPrices(marks map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, price := range marks {
		if pos, ok := l.state.Positions[id]; ok {
			pos.CurrentPrice = price
		}
	}
}

// State returns a deep copy for readers.
func (l *Ledger) State() types.PaperState {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := l.state
	cp.Positions = make(map[string]*types.Position, len(l.state.Positions))
	for id, pos := range l.state.Positions {
		p := *pos
		cp.Positions[id] = &p
	}
	cp.Trades = make([]types.Trade, len(l.state.Trades))
	copy(cp.Trades, l.state.Trades)
	cp.UpdatedAt = l.now().UTC()
	return cp
}

// UnrealizedPnl sums shares * (currentPrice - avgEntry) over open positions.
func (l *Ledger) UnrealizedPnl() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	for _, pos := range l.state.Positions {
		if pos.CurrentPrice <= 0 {
			continue
		}
		diff := decimal.NewFromFloat(pos.CurrentPrice).Sub(decimal.NewFromFloat(pos.AvgEntryPrice))
		total = total.Add(decimal.NewFromFloat(pos.Shares).Mul(diff))
	}
	return round6(total).InexactFloat64()
}

// Equity returns balance + mark value of open positions.
func (l *Ledger) Equity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.NewFromFloat(l.state.CurrentBalance)
	for _, pos := range l.state.Positions {
		price := pos.CurrentPrice
		if price <= 0 {
			price = pos.AvgEntryPrice
		}
		total = total.Add(decimal.NewFromFloat(pos.Shares).Mul(decimal.NewFromFloat(price)))
	}
	return round6(total).InexactFloat64()
}

// Trim enforces the trade-log and position caps. Called by the memory
// reaper and on load.
func (l *Ledger) Trim() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimLocked()
}

func (l *Ledger) trimLocked() {
	if len(l.state.Trades) > maxTrades {
		keep := l.state.Trades[len(l.state.Trades)-trimTradesTo:]
		l.state.Trades = append([]types.Trade(nil), keep...)
	}

	// Drop settled/flat entries first, then LRU-evict by OpenedAt.
	for id, pos := range l.state.Positions {
		if pos.Shares <= 0 || pos.Settled {
			delete(l.state.Positions, id)
		}
	}
	if len(l.state.Positions) > maxPositions {
		type aged struct {
			id       string
			openedAt time.Time
		}
		all := make([]aged, 0, len(l.state.Positions))
		for id, pos := range l.state.Positions {
			all = append(all, aged{id: id, openedAt: pos.OpenedAt})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].openedAt.Before(all[j].openedAt) })
		for _, a := range all[:len(all)-maxPositions] {
			delete(l.state.Positions, a.id)
		}
	}
}

func (l *Ledger) appendTradeLocked(tr types.Trade) {
	l.state.Trades = append(l.state.Trades, tr)
	if len(l.state.Trades) > maxTrades {
		keep := l.state.Trades[len(l.state.Trades)-trimTradesTo:]
		l.state.Trades = append([]types.Trade(nil), keep...)
	}
}

func (l *Ledger) markDirtyLocked() {
	if l.store != nil {
		l.store.MarkDirty(stateDoc)
	}
}
