package executor

import (
	"context"
	"math"
	"testing"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

func newPaper(t *testing.T, slippage float64) *Paper {
	t.Helper()
	st, err := store.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	led, err := ledger.New(config.PaperTradingConfig{StartingBalance: 10000, FeeRate: 0.001}, st, testLogger())
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return NewPaper(led, slippage, testLogger())
}

func TestPaperRoundTrip(t *testing.T) {
	t.Parallel()
	ex := newPaper(t, 0)
	ctx := context.Background()

	buy := buyEvent(0.40, 100)
	if res := ex.Execute(ctx, buy, risk.Sizing{Shares: 100}); res.Status != types.ExecExecuted {
		t.Fatalf("buy = %v", res)
	}

	sell := buyEvent(0.55, 100)
	sell.Side = types.SELL
	if res := ex.Execute(ctx, sell, risk.Sizing{Shares: 100}); res.Status != types.ExecExecuted {
		t.Fatalf("sell = %v", res)
	}

	bal, _ := ex.QueryBalance(ctx)
	if math.Abs(bal-10014.905) > 1e-6 {
		t.Errorf("balance = %v, want 10014.905", bal)
	}
	pos, _ := ex.QueryPositions(ctx)
	if len(pos) != 0 {
		t.Errorf("positions = %d, want flat", len(pos))
	}
	trades, _ := ex.QueryTrades(ctx)
	if len(trades) != 2 {
		t.Errorf("trades = %d, want 2", len(trades))
	}
}

func TestPaperSlippageAppliedToFill(t *testing.T) {
	t.Parallel()
	ex := newPaper(t, 0.02)

	res := ex.Execute(context.Background(), buyEvent(0.50, 100), risk.Sizing{Shares: 100})
	if res.Status != types.ExecExecuted {
		t.Fatalf("buy = %v", res)
	}
	if math.Abs(res.Fill.ExecutedPrice-0.51) > 1e-9 {
		t.Errorf("fill price = %v, want 0.51 (signal +2%%)", res.Fill.ExecutedPrice)
	}
}

func TestPaperRedeemPaysFullDollar(t *testing.T) {
	t.Parallel()
	ex := newPaper(t, 0.02)
	ctx := context.Background()

	ex.Execute(ctx, buyEvent(0.40, 100), risk.Sizing{Shares: 100})

	redeem := buyEvent(0, 100)
	redeem.Side = types.SELL
	redeem.ActivityType = types.ActivityRedeem
	res := ex.Execute(ctx, redeem, risk.Sizing{Shares: 100})

	if res.Status != types.ExecExecuted {
		t.Fatalf("redeem = %v", res)
	}
	if res.Fill.ExecutedPrice != 1.0 {
		t.Errorf("redeem price = %v, want 1.0 (no slippage on settlement)", res.Fill.ExecutedPrice)
	}
}

func TestPaperSplitDefaultsToHalfDollar(t *testing.T) {
	t.Parallel()
	ex := newPaper(t, 0)

	split := buyEvent(0, 100)
	split.ActivityType = types.ActivitySplit
	res := ex.Execute(context.Background(), split, risk.Sizing{Shares: 100})

	if res.Status != types.ExecExecuted {
		t.Fatalf("split = %v", res)
	}
	if res.Fill.ExecutedPrice != 0.5 {
		t.Errorf("split price = %v, want 0.5 per leg", res.Fill.ExecutedPrice)
	}
}

func TestPaperInsufficientFundsSkips(t *testing.T) {
	t.Parallel()
	ex := newPaper(t, 0)

	// 10000 starting balance cannot cover 30000 shares at 0.50.
	res := ex.Execute(context.Background(), buyEvent(0.50, 30000), risk.Sizing{Shares: 30000})
	if res.Status != types.ExecSkipped || res.Reason != types.SkipInsufficientFunds {
		t.Fatalf("result = %v, want skipped(InsufficientFunds)", res)
	}
}
