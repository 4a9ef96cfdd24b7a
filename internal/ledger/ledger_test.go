package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(config.PaperTradingConfig{StartingBalance: 10000, FeeRate: 0.001}, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func event(tokenID string, side types.Side, price, shares float64) types.ActivityEvent {
	return types.ActivityEvent{
		TargetWallet: "0xt",
		TradeID:      "src-" + tokenID,
		TokenID:      tokenID,
		ConditionID:  "0xcond-" + tokenID,
		MarketSlug:   "market-" + tokenID,
		Outcome:      types.OutcomeYes,
		Side:         side,
		Price:        price,
		SizeShares:   shares,
		ActivityType: types.ActivityTrade,
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

// Full paper round trip: buy 100 @ 0.40, sell 100 @ 0.55 with a 0.1% fee on
// both legs. The entry fee is part of the cost basis, so realized pnl is
// 55 - 40.04 - 0.055 = 14.905.
func TestPaperRoundTrip(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	res := l.Buy(event("tok1", types.BUY, 0, 0), 100, 0.40)
	if res.Status != types.ExecExecuted {
		t.Fatalf("buy: %v", res)
	}
	approx(t, "balance after buy", l.State().CurrentBalance, 9959.96)

	res = l.Sell(event("tok1", types.SELL, 0, 0), 100, 0.55)
	if res.Status != types.ExecExecuted {
		t.Fatalf("sell: %v", res)
	}

	st := l.State()
	approx(t, "final balance", st.CurrentBalance, 10014.905)
	approx(t, "realized pnl", st.Stats.TotalRealizedPnl, 14.905)
	approx(t, "total fees", st.Stats.TotalFees, 0.095)
	if len(st.Positions) != 0 {
		t.Errorf("position should be deleted after full close, have %d", len(st.Positions))
	}
	if st.Stats.WinningTrades != 1 || st.Stats.LosingTrades != 0 {
		t.Errorf("win/loss = %d/%d, want 1/0", st.Stats.WinningTrades, st.Stats.LosingTrades)
	}
	if len(st.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(st.Trades))
	}
	if !st.Trades[1].HasPnl {
		t.Error("sell trade should carry pnl")
	}
	approx(t, "sell trade pnl", st.Trades[1].Pnl, 14.905)
}

func TestBuyInsufficientFunds(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	// 10000 balance cannot cover 25000 shares @ 0.50 (12512.5 with fee).
	res := l.Buy(event("tok1", types.BUY, 0, 0), 25000, 0.50)
	if res.Status != types.ExecSkipped || res.Reason != types.SkipInsufficientFunds {
		t.Fatalf("result = %v, want skip InsufficientFunds", res)
	}
	approx(t, "balance untouched", l.State().CurrentBalance, 10000)
	if len(l.State().Trades) != 0 {
		t.Error("skipped buy must not append a trade")
	}
}

func TestSellNoPosition(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	res := l.Sell(event("tok1", types.SELL, 0, 0), 10, 0.50)
	if res.Status != types.ExecSkipped || res.Reason != types.SkipNoPosition {
		t.Fatalf("result = %v, want skip NoPosition", res)
	}
}

func TestSellClampsToHeldShares(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.Buy(event("tok1", types.BUY, 0, 0), 50, 0.40)
	res := l.Sell(event("tok1", types.SELL, 0, 0), 500, 0.50)
	if res.Status != types.ExecExecuted {
		t.Fatalf("sell: %v", res)
	}
	if res.Fill.ExecutedSize != 50 {
		t.Errorf("executed size = %v, want clamp to 50", res.Fill.ExecutedSize)
	}
	if len(l.State().Positions) != 0 {
		t.Error("position should close at zero shares")
	}
}

func TestWeightedAverageEntry(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.Buy(event("tok1", types.BUY, 0, 0), 100, 0.40)
	l.Buy(event("tok1", types.BUY, 0, 0), 100, 0.60)

	pos := l.State().Positions["tok1"]
	if pos == nil {
		t.Fatal("position missing")
	}
	if pos.Shares != 200 {
		t.Errorf("shares = %v, want 200", pos.Shares)
	}
	// Basis 40.04 + 60.06 = 100.10 over 200 shares.
	approx(t, "avg entry", pos.AvgEntryPrice, 0.5005)
}

// Partial exits relieve cost proportionally, so a symmetric round trip in
// two halves realizes the same total pnl as one full exit.
func TestPartialCloseProportionalBasis(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.Buy(event("tok1", types.BUY, 0, 0), 100, 0.40)
	l.Sell(event("tok1", types.SELL, 0, 0), 50, 0.55)

	pos := l.State().Positions["tok1"]
	if pos == nil {
		t.Fatal("position should survive partial close")
	}
	if pos.Shares != 50 {
		t.Errorf("remaining shares = %v, want 50", pos.Shares)
	}
	approx(t, "remaining cost", pos.TotalCost, 20.02)

	l.Sell(event("tok1", types.SELL, 0, 0), 50, 0.55)
	approx(t, "total pnl", l.State().Stats.TotalRealizedPnl, 14.905)
}

// The account identity must hold after any trade sequence:
// startingBalance + realizedPnl = balance + open cost basis.
func TestBalanceInvariant(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	seq := []struct {
		token  string
		side   types.Side
		shares float64
		price  float64
	}{
		{"a", types.BUY, 100, 0.30},
		{"b", types.BUY, 50, 0.70},
		{"a", types.SELL, 40, 0.45},
		{"c", types.BUY, 200, 0.10},
		{"b", types.SELL, 50, 0.60},
		{"a", types.SELL, 60, 0.25},
	}
	for _, s := range seq {
		if s.side == types.BUY {
			l.Buy(event(s.token, s.side, 0, 0), s.shares, s.price)
		} else {
			l.Sell(event(s.token, s.side, 0, 0), s.shares, s.price)
		}
	}

	st := l.State()
	openBasis := 0.0
	for _, pos := range st.Positions {
		openBasis += pos.TotalCost
	}
	lhs := st.StartingBalance + st.Stats.TotalRealizedPnl
	rhs := st.CurrentBalance + openBasis
	if math.Abs(lhs-rhs) > 1e-6 {
		t.Errorf("invariant broken: start+pnl=%v, balance+basis=%v", lhs, rhs)
	}
}

func TestSettleWinnerAndLoser(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.Buy(event("win", types.BUY, 0, 0), 100, 0.60)
	l.Buy(event("lose", types.BUY, 0, 0), 100, 0.30)

	l.Settle("win", 1.0)
	l.Settle("lose", 0.0)
	l.Settle("unknown", 1.0) // no-op

	st := l.State()
	if len(st.Positions) != 0 {
		t.Fatalf("positions = %d, want 0 after settlement", len(st.Positions))
	}
	// Winner: 100 - 60.06 = 39.94; loser: 0 - 30.03 = -30.03. No exit fee.
	approx(t, "realized pnl", st.Stats.TotalRealizedPnl, 9.91)
	approx(t, "gross wins", st.Stats.GrossWins, 39.94)
	approx(t, "gross losses", st.Stats.GrossLosses, -30.03)
	if pf := st.Stats.ProfitFactor(); math.Abs(pf-39.94/30.03) > 1e-6 {
		t.Errorf("profit factor = %v", pf)
	}
}

type fakeResolver struct {
	resolved map[string]types.Outcome // conditionID -> winner
}

func (f *fakeResolver) Resolution(_ context.Context, conditionID string) (bool, types.Outcome, error) {
	if w, ok := f.resolved[conditionID]; ok {
		return true, w, nil
	}
	return false, "", nil
}

func TestSettleResolvedSweep(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.Buy(event("a", types.BUY, 0, 0), 100, 0.60) // YES holder, YES wins
	l.Buy(event("b", types.BUY, 0, 0), 100, 0.30) // YES holder, NO wins
	l.Buy(event("c", types.BUY, 0, 0), 100, 0.50) // unresolved

	r := &fakeResolver{resolved: map[string]types.Outcome{
		"0xcond-a": types.OutcomeYes,
		"0xcond-b": types.OutcomeNo,
	}}
	l.SettleResolved(context.Background(), r)

	st := l.State()
	if _, ok := st.Positions["c"]; !ok {
		t.Error("unresolved position should remain open")
	}
	if len(st.Positions) != 1 {
		t.Errorf("positions = %d, want 1", len(st.Positions))
	}

	// Sweep is idempotent.
	before := l.State().Stats.TotalRealizedPnl
	l.SettleResolved(context.Background(), r)
	approx(t, "pnl after second sweep", l.State().Stats.TotalRealizedPnl, before)
}

func TestStopLossSweep(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.Buy(event("deep", types.BUY, 0, 0), 100, 0.50)
	l.Buy(event("shallow", types.BUY, 0, 0), 100, 0.50)

	// 20% stop: deep is down 40%, shallow only 10%.
	l.StopLossSweep(map[string]float64{"deep": 0.30, "shallow": 0.45}, 0.20)

	st := l.State()
	if _, ok := st.Positions["deep"]; ok {
		t.Error("deep drawdown position should be liquidated")
	}
	if _, ok := st.Positions["shallow"]; !ok {
		t.Error("shallow drawdown position should survive")
	}
}

func TestUnrealizedAndEquity(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.Buy(event("tok1", types.BUY, 0, 0), 100, 0.40)
	l.MarkPrices(map[string]float64{"tok1": 0.50})

	// avg entry 0.4004 (fee-inclusive), mark 0.50.
	approx(t, "unrealized", l.UnrealizedPnl(), 100*(0.50-0.4004))
	approx(t, "equity", l.Equity(), l.State().CurrentBalance+100*0.50)
}

func TestTrimCapsTradeLog(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	for i := 0; i < maxTrades+10; i++ {
		l.Buy(event(fmt.Sprintf("tok%d", i%5), types.BUY, 0, 0), 1, 0.10)
	}
	if got := len(l.State().Trades); got > maxTrades {
		t.Errorf("trade log = %d, exceeds cap %d", got, maxTrades)
	}
}

func TestTrimEvictsOldestPositions(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < maxPositions+20; i++ {
		l.Buy(event(fmt.Sprintf("tok%d", i), types.BUY, 0, 0), 1, 0.01)
	}
	l.Trim()

	st := l.State()
	if len(st.Positions) != maxPositions {
		t.Fatalf("positions = %d, want %d", len(st.Positions), maxPositions)
	}
	if _, ok := st.Positions["tok0"]; ok {
		t.Error("oldest position should be evicted")
	}
	if _, ok := st.Positions[fmt.Sprintf("tok%d", maxPositions+19)]; !ok {
		t.Error("newest position should survive")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	st, err := store.Open(dir, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cfg := config.PaperTradingConfig{StartingBalance: 10000, FeeRate: 0.001}

	l, err := New(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Buy(event("tok1", types.BUY, 0, 0), 100, 0.40)
	st.FlushAll()

	st2, err := store.Open(dir, testLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	l2, err := New(cfg, st2, testLogger())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	got := l2.State()
	approx(t, "restored balance", got.CurrentBalance, 9959.96)
	if got.Positions["tok1"] == nil || got.Positions["tok1"].Shares != 100 {
		t.Errorf("restored position = %+v", got.Positions["tok1"])
	}
	if len(got.Trades) != 1 {
		t.Errorf("restored trades = %d, want 1", len(got.Trades))
	}
}

func TestStateReturnsDeepCopy(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.Buy(event("tok1", types.BUY, 0, 0), 100, 0.40)
	snap := l.State()
	snap.Positions["tok1"].Shares = 1
	snap.CurrentBalance = 0

	if l.State().Positions["tok1"].Shares != 100 {
		t.Error("mutating the snapshot leaked into the ledger")
	}
	approx(t, "balance", l.State().CurrentBalance, 9959.96)
}
