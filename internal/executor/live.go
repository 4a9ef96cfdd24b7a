package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/internal/marketdata"
	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/pkg/types"
)

// balanceMargin is the headroom required over the order notional so a BUY
// is not rejected by the exchange for being a few cents short.
const balanceMargin = 1.01

// clobAPI is the slice of the CLOB client the live executor uses.
type clobAPI interface {
	CreateAndPostOrder(ctx context.Context, order types.Order) (*types.OrderResponse, error)
	FetchPositions(ctx context.Context) ([]exchange.LivePosition, error)
	FetchTrades(ctx context.Context) ([]types.Trade, error)
}

// Live posts signed GTC orders to the CLOB. Market parameters and balances
// come from the TTL cache so bursts of events do not refetch them.
type Live struct {
	client   clobAPI
	balances *marketdata.BalanceCache
	slippage float64
	logger   *slog.Logger
}

// NewLive creates the live executor.
func NewLive(client clobAPI, balances *marketdata.BalanceCache, slippage float64, logger *slog.Logger) *Live {
	return &Live{
		client:   client,
		balances: balances,
		slippage: slippage,
		logger:   logger.With("component", "executor", "mode", "live"),
	}
}

// Execute sizes, signs and posts one replica order. Rate limits become
// skips so the event is not retried against a throttled API; the dedup
// store remains the idempotency boundary, there is no order-level retry.
func (l *Live) Execute(ctx context.Context, evt types.ActivityEvent, sizing risk.Sizing) types.ExecResult {
	start := time.Now()

	params, err := l.balances.MarketParams(ctx, evt.TokenID)
	if err != nil {
		if exchange.IsRateLimited(err) {
			return types.SkippedWith(types.SkipRateLimited, "market params")
		}
		return types.Failed(fmt.Errorf("market params: %w", err))
	}

	limit := roundToTick(limitPrice(evt.Price, evt.Side, l.slippage), params.TickSize)
	limit = clampPrice(limit)
	shares := sizing.Shares

	switch evt.Side {
	case types.BUY:
		balance, err := l.balances.USDCBalance(ctx)
		if err != nil {
			if exchange.IsRateLimited(err) {
				return types.SkippedWith(types.SkipRateLimited, "balance")
			}
			return types.Failed(fmt.Errorf("balance: %w", err))
		}
		if balance < shares*limit*balanceMargin {
			l.logger.Warn("insufficient collateral",
				"balance", balance, "needed", shares*limit*balanceMargin)
			return types.Skipped(types.SkipInsufficientFunds)
		}
	case types.SELL:
		held, err := l.balances.TokenShares(ctx, evt.TokenID)
		if err != nil {
			if exchange.IsRateLimited(err) {
				return types.SkippedWith(types.SkipRateLimited, "token shares")
			}
			return types.Failed(fmt.Errorf("token shares: %w", err))
		}
		if held <= 0 {
			return types.Skipped(types.SkipNoPosition)
		}
		// Sell what is actually held when the target's size exceeds ours.
		if held < shares {
			shares = held
		}
	}

	order := types.Order{
		TokenID:    evt.TokenID,
		Side:       evt.Side,
		LimitPrice: limit,
		Size:       shares,
		OrderType:  types.OrderTypeGTC,
		TickSize:   params.TickSize,
		NegRisk:    params.NegRisk,
		FeeRateBps: params.FeeRateBps,
	}

	resp, err := l.client.CreateAndPostOrder(ctx, order)
	if err != nil {
		if exchange.IsRateLimited(err) {
			return types.SkippedWith(types.SkipRateLimited, "post order")
		}
		return types.Failed(fmt.Errorf("post order: %w", err))
	}
	if !resp.Succeeded() {
		detail := exchange.TruncateError(resp.ErrorText())
		l.logger.Warn("order rejected", "token", evt.TokenID, "detail", detail)
		return types.SkippedWith(types.SkipOrderRejected, detail)
	}

	// The fill changed collateral and inventory; drop the cached values.
	l.balances.Invalidate(evt.TokenID)

	l.logger.Info("order placed",
		"order_id", resp.OrderID,
		"side", evt.Side,
		"token", evt.TokenID,
		"shares", shares,
		"limit", limit,
	)
	return types.Executed(&types.Fill{
		OrderID:       resp.OrderID,
		ExecutedPrice: limit,
		ExecutedSize:  shares,
		LatencyMs:     latencyMs(start),
	})
}

// QueryBalance returns spendable USDC.
func (l *Live) QueryBalance(ctx context.Context) (float64, error) {
	return l.balances.USDCBalance(ctx)
}

// QueryPositions maps the data-API position list to the shared shape.
func (l *Live) QueryPositions(ctx context.Context) ([]types.Position, error) {
	live, err := l.client.FetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(live))
	for _, p := range live {
		outcome := types.OutcomeYes
		if p.Outcome == "No" || p.Outcome == "NO" {
			outcome = types.OutcomeNo
		}
		out = append(out, types.Position{
			TokenID:       p.Asset,
			ConditionID:   p.ConditionID,
			MarketSlug:    p.Slug,
			Outcome:       outcome,
			Shares:        p.Size,
			TotalCost:     p.InitialValue,
			AvgEntryPrice: p.AvgPrice,
			CurrentPrice:  p.CurPrice,
		})
	}
	return out, nil
}

// QueryTrades returns the exchange-reported trade history.
func (l *Live) QueryTrades(ctx context.Context) ([]types.Trade, error) {
	return l.client.FetchTrades(ctx)
}
