package executor

import (
	"context"
	"log/slog"

	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/pkg/types"
)

// Paper replicates events against the simulated ledger. Fills are assumed
// at the slippage-adjusted signal price; the ledger applies the paper fee.
type Paper struct {
	ledger   *ledger.Ledger
	slippage float64
	logger   *slog.Logger
}

// NewPaper creates the paper executor.
func NewPaper(l *ledger.Ledger, slippage float64, logger *slog.Logger) *Paper {
	return &Paper{
		ledger:   l,
		slippage: slippage,
		logger:   logger.With("component", "executor", "mode", "paper"),
	}
}

func (p *Paper) Execute(_ context.Context, evt types.ActivityEvent, sizing risk.Sizing) types.ExecResult {
	price := p.fillPrice(evt)

	var res types.ExecResult
	if evt.Side == types.BUY {
		res = p.ledger.Buy(evt, sizing.Shares, price)
	} else {
		res = p.ledger.Sell(evt, sizing.Shares, price)
	}

	if res.Status == types.ExecExecuted {
		p.logger.Info("paper fill",
			"side", evt.Side,
			"token", evt.TokenID,
			"market", evt.MarketSlug,
			"shares", res.Fill.ExecutedSize,
			"price", price,
		)
	}
	return res
}

// fillPrice models the price a marketable replica would actually get.
func (p *Paper) fillPrice(evt types.ActivityEvent) float64 {
	switch evt.ActivityType {
	case types.ActivityRedeem:
		// Redemption of a winning token pays the full dollar; slippage
		// does not apply.
		return 1.0
	case types.ActivitySplit:
		// A split mints the full set at $1, so a leg is worth at least
		// half regardless of what price the feed reports.
		if evt.Price < 0.5 {
			return limitPrice(0.5, evt.Side, p.slippage)
		}
	}
	return limitPrice(evt.Price, evt.Side, p.slippage)
}

// QueryBalance returns the simulated cash balance.
func (p *Paper) QueryBalance(context.Context) (float64, error) {
	return p.ledger.State().CurrentBalance, nil
}

// QueryPositions returns the open simulated positions.
func (p *Paper) QueryPositions(context.Context) ([]types.Position, error) {
	st := p.ledger.State()
	out := make([]types.Position, 0, len(st.Positions))
	for _, pos := range st.Positions {
		out = append(out, *pos)
	}
	return out, nil
}

// QueryTrades returns the simulated trade log.
func (p *Paper) QueryTrades(context.Context) ([]types.Trade, error) {
	return p.ledger.State().Trades, nil
}
