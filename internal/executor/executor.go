// Package executor turns risk-approved activity events into orders.
//
// Three implementations share one capability set, selected by the mode
// controller: Live posts signed orders to the CLOB, Paper mutates the
// simulated ledger, DryRun only logs. Execute always returns a verdict;
// errors surface inside the ExecResult and never reach the ingester.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/pkg/types"
)

// Executor is the capability set the supervisor drives.
type Executor interface {
	// Execute replicates one sized event and reports the verdict.
	Execute(ctx context.Context, evt types.ActivityEvent, sizing risk.Sizing) types.ExecResult
	// QueryBalance returns available collateral in USD.
	QueryBalance(ctx context.Context) (float64, error)
	// QueryPositions returns current open positions.
	QueryPositions(ctx context.Context) ([]types.Position, error)
	// QueryTrades returns the trade history.
	QueryTrades(ctx context.Context) ([]types.Trade, error)
}

// limitPrice applies slippage so the limit order is marketable, then clamps
// into the valid CLOB price band.
func limitPrice(signal float64, side types.Side, slippage float64) float64 {
	p := signal
	if side == types.BUY {
		p = signal * (1 + slippage)
	} else {
		p = signal * (1 - slippage)
	}
	return clampPrice(p)
}

func clampPrice(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}

// roundToTick snaps a price to the market's tick grid.
func roundToTick(p float64, tick types.TickSize) float64 {
	inc := tick.Float()
	steps := int64(p/inc + 0.5)
	return float64(steps) * inc
}

// DryRun logs every would-be order and reports success without side effects.
type DryRun struct {
	slippage float64
	logger   *slog.Logger
}

// NewDryRun creates the no-op executor.
func NewDryRun(slippage float64, logger *slog.Logger) *DryRun {
	return &DryRun{slippage: slippage, logger: logger.With("component", "executor", "mode", "dry-run")}
}

func (d *DryRun) Execute(_ context.Context, evt types.ActivityEvent, sizing risk.Sizing) types.ExecResult {
	limit := limitPrice(evt.Price, evt.Side, d.slippage)
	d.logger.Info("dry-run order",
		"side", evt.Side,
		"token", evt.TokenID,
		"market", evt.MarketSlug,
		"shares", sizing.Shares,
		"limit", limit,
	)
	return types.Executed(&types.Fill{
		OrderID:       "dry-run-" + uuid.NewString(),
		ExecutedPrice: limit,
		ExecutedSize:  sizing.Shares,
	})
}

// Dry-run reads are intentionally empty: there is no account behind them.

func (d *DryRun) QueryBalance(context.Context) (float64, error)            { return 0, nil }
func (d *DryRun) QueryPositions(context.Context) ([]types.Position, error) { return nil, nil }
func (d *DryRun) QueryTrades(context.Context) ([]types.Trade, error)       { return nil, nil }

// latencyMs measures wall time for a fill record.
func latencyMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
