package stats

import (
	"log/slog"
	"math"
	"os"
	"testing"

	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func trade(ts int64, token string, side types.Side, price, shares, fees float64) types.Trade {
	return types.Trade{
		ID:        "t",
		Timestamp: ts,
		TokenID:   token,
		Side:      side,
		Price:     price,
		Shares:    shares,
		Fees:      fees,
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestComputeRoundTrip(t *testing.T) {
	t.Parallel()
	a := NewAggregator(nil, testLogger())

	rep := a.Compute([]types.Trade{
		trade(1, "tok1", types.BUY, 0.40, 100, 0.04),
		trade(2, "tok1", types.SELL, 0.55, 100, 0.055),
	}, nil)

	// proceeds 55 - basis 40.04 - fee 0.055
	approx(t, "realized", rep.RealizedPnl, 14.905)
	if len(rep.OpenLots) != 0 {
		t.Errorf("open lots = %d, want 0", len(rep.OpenLots))
	}
	if rep.Stats.WinningTrades != 1 {
		t.Errorf("wins = %d, want 1", rep.Stats.WinningTrades)
	}
}

func TestComputeOrdersByTimestamp(t *testing.T) {
	t.Parallel()
	a := NewAggregator(nil, testLogger())

	// Sell arrives before the buy in slice order; replay must sort first.
	rep := a.Compute([]types.Trade{
		trade(2, "tok1", types.SELL, 0.60, 50, 0),
		trade(1, "tok1", types.BUY, 0.40, 50, 0),
	}, nil)

	approx(t, "realized", rep.RealizedPnl, 10) // (0.60-0.40)*50
}

func TestComputeIgnoresSellBeyondInventory(t *testing.T) {
	t.Parallel()
	a := NewAggregator(nil, testLogger())

	rep := a.Compute([]types.Trade{
		trade(1, "tok1", types.BUY, 0.40, 50, 0),
		trade(2, "tok1", types.SELL, 0.50, 500, 0), // clamp to 50
		trade(3, "tok2", types.SELL, 0.50, 10, 0),  // no inventory at all
	}, nil)

	approx(t, "realized", rep.RealizedPnl, 5) // (0.50-0.40)*50
	if len(rep.OpenLots) != 0 {
		t.Errorf("open lots = %d, want 0", len(rep.OpenLots))
	}
}

func TestComputePartialAndUnrealized(t *testing.T) {
	t.Parallel()
	a := NewAggregator(nil, testLogger())

	rep := a.Compute([]types.Trade{
		trade(1, "tok1", types.BUY, 0.40, 100, 0),
		trade(2, "tok1", types.SELL, 0.50, 40, 0),
	}, map[string]float64{"tok1": 0.60})

	approx(t, "realized", rep.RealizedPnl, 4) // (0.50-0.40)*40
	lot := rep.OpenLots["tok1"]
	if lot == nil {
		t.Fatal("open lot missing")
	}
	approx(t, "remaining shares", lot.Shares, 60)
	approx(t, "avg entry", lot.AvgEntryPrice, 0.40)
	approx(t, "unrealized", rep.UnrealizedPnl, 12) // (0.60-0.40)*60
	approx(t, "total", rep.TotalPnl, 16)
}

func TestComputeUnrealizedZeroWithoutMark(t *testing.T) {
	t.Parallel()
	a := NewAggregator(nil, testLogger())

	rep := a.Compute([]types.Trade{
		trade(1, "tok1", types.BUY, 0.40, 100, 0),
	}, nil)

	approx(t, "unrealized", rep.UnrealizedPnl, 0)
	approx(t, "realized", rep.RealizedPnl, 0)
}

func TestStartingBalancePersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	st, err := store.Open(dir, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	a := NewAggregator(st, testLogger())
	if got := a.StartingBalance(1234.5); got != 1234.5 {
		t.Errorf("first call = %v, want 1234.5", got)
	}

	// A later balance must not move the recorded baseline, even across a
	// fresh aggregator on the same store.
	if got := a.StartingBalance(9999); got != 1234.5 {
		t.Errorf("second call = %v, want 1234.5", got)
	}
	a2 := NewAggregator(st, testLogger())
	if got := a2.StartingBalance(9999); got != 1234.5 {
		t.Errorf("restored call = %v, want 1234.5", got)
	}
}
