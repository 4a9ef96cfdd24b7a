// Package stats computes realized and unrealized P&L for the live account.
//
// The input is the exchange trade history; the aggregator replays it
// oldest-first with per-token average-cost accounting. The local replay is
// authoritative for P&L; figures reported by the exchange are informational
// only. The live starting balance is captured once, on the first successful
// balance read, and persisted so returns survive restarts.
package stats

import (
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

const liveStateDoc = "live-state.json"

// OpenLot is the surviving holding in one token after replaying the log.
type OpenLot struct {
	TokenID       string  `json:"tokenId"`
	Shares        float64 `json:"shares"`
	CostBasis     float64 `json:"costBasis"`
	AvgEntryPrice float64 `json:"avgEntryPrice"`
}

// Report is the outcome of one replay.
type Report struct {
	RealizedPnl   float64             `json:"realizedPnl"`
	UnrealizedPnl float64             `json:"unrealizedPnl"`
	TotalPnl      float64             `json:"totalPnl"`
	TotalFees     float64             `json:"totalFees"`
	OpenLots      map[string]*OpenLot `json:"openLots"`
	Stats         types.TradeStats    `json:"stats"`
}

// liveState is the persisted slice of live-account context that cannot be
// recomputed from the exchange.
type liveState struct {
	StartingBalance float64   `json:"startingBalance"`
	RecordedAt      time.Time `json:"recordedAt"`
}

// Aggregator replays live trade history and tracks the persisted starting
// balance.
type Aggregator struct {
	store  *store.Store
	logger *slog.Logger
}

// NewAggregator restores any persisted live state from the store.
func NewAggregator(st *store.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  st,
		logger: logger.With("component", "stats"),
	}
}

// StartingBalance returns the persisted live starting balance, recording
// currentBalance as the baseline on first call. Subsequent calls ignore
// currentBalance so the baseline is stable across restarts.
func (a *Aggregator) StartingBalance(currentBalance float64) float64 {
	if a.store == nil {
		return currentBalance
	}

	var ls liveState
	if a.store.Exists(liveStateDoc) {
		if err := a.store.Load(liveStateDoc, &ls); err == nil && ls.StartingBalance > 0 {
			return ls.StartingBalance
		}
	}

	ls = liveState{StartingBalance: currentBalance, RecordedAt: time.Now().UTC()}
	if err := a.store.Save(liveStateDoc, ls); err != nil {
		a.logger.Warn("persist live starting balance failed", "error", err)
	} else {
		a.logger.Info("live starting balance recorded", "balance", currentBalance)
	}
	return currentBalance
}

// Compute replays trades oldest-first. BUYs accumulate shares and cost
// basis per token; SELLs realize (proceeds - proportional basis - fee) and
// relieve the basis. Sells beyond the held shares are clamped; the excess
// is ignored rather than allowed to produce phantom pnl. marks supplies
// current prices for unrealized P&L; tokens without a mark contribute zero
// (entry price is assumed).
func (a *Aggregator) Compute(trades []types.Trade, marks map[string]float64) Report {
	ordered := make([]types.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	rep := Report{OpenLots: make(map[string]*OpenLot)}
	realized := decimal.Zero
	fees := decimal.Zero

	for _, tr := range ordered {
		fees = fees.Add(decimal.NewFromFloat(tr.Fees))
		rep.Stats.TotalTrades++

		lot := rep.OpenLots[tr.TokenID]
		switch tr.Side {
		case types.BUY:
			if lot == nil {
				lot = &OpenLot{TokenID: tr.TokenID}
				rep.OpenLots[tr.TokenID] = lot
			}
			cost := decimal.NewFromFloat(tr.Shares).Mul(decimal.NewFromFloat(tr.Price)).
				Add(decimal.NewFromFloat(tr.Fees))
			lot.Shares += tr.Shares
			lot.CostBasis = decimal.NewFromFloat(lot.CostBasis).Add(cost).InexactFloat64()

		case types.SELL:
			if lot == nil || lot.Shares <= 0 {
				continue // sell with no tracked inventory, likely pre-history
			}
			sellShares := tr.Shares
			if sellShares > lot.Shares {
				sellShares = lot.Shares
			}
			fraction := decimal.NewFromFloat(sellShares).Div(decimal.NewFromFloat(lot.Shares))
			relief := decimal.NewFromFloat(lot.CostBasis).Mul(fraction)
			proceeds := decimal.NewFromFloat(sellShares).Mul(decimal.NewFromFloat(tr.Price))
			pnl := proceeds.Sub(relief).Sub(decimal.NewFromFloat(tr.Fees))

			realized = realized.Add(pnl)
			lot.Shares -= sellShares
			lot.CostBasis = decimal.NewFromFloat(lot.CostBasis).Sub(relief).InexactFloat64()
			if lot.Shares <= 1e-9 {
				delete(rep.OpenLots, tr.TokenID)
			}

			pnlF := pnl.InexactFloat64()
			a.rollup(&rep.Stats, pnlF)
		}
	}

	for _, lot := range rep.OpenLots {
		if lot.Shares > 0 {
			lot.AvgEntryPrice = lot.CostBasis / lot.Shares
		}
	}

	unrealized := decimal.Zero
	for id, lot := range rep.OpenLots {
		mark, ok := marks[id]
		if !ok || mark <= 0 {
			continue
		}
		diff := decimal.NewFromFloat(mark).Sub(decimal.NewFromFloat(lot.AvgEntryPrice))
		unrealized = unrealized.Add(decimal.NewFromFloat(lot.Shares).Mul(diff))
	}

	rep.RealizedPnl = realized.Round(6).InexactFloat64()
	rep.UnrealizedPnl = unrealized.Round(6).InexactFloat64()
	rep.TotalPnl = rep.RealizedPnl + rep.UnrealizedPnl
	rep.TotalFees = fees.Round(6).InexactFloat64()
	rep.Stats.TotalRealizedPnl = rep.RealizedPnl
	rep.Stats.TotalFees = rep.TotalFees
	return rep
}

func (a *Aggregator) rollup(st *types.TradeStats, pnl float64) {
	switch {
	case pnl > 0:
		st.WinningTrades++
		st.GrossWins += pnl
		if pnl > st.LargestWin {
			st.LargestWin = pnl
		}
	case pnl < 0:
		st.LosingTrades++
		st.GrossLosses += pnl
		if pnl < st.LargestLoss {
			st.LargestLoss = pnl
		}
	}
}
