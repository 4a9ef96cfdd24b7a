package executor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"

	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/internal/marketdata"
	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeCLOB implements clobAPI plus the balance-cache source interfaces so a
// single fake backs the whole live path.
type fakeCLOB struct {
	collateralMicro int64
	tokenShares     map[string]float64
	params          marketdata.TokenParams

	postErr  error
	response types.OrderResponse

	orders          []types.Order
	collateralCalls int
}

func (f *fakeCLOB) CreateAndPostOrder(_ context.Context, order types.Order) (*types.OrderResponse, error) {
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.orders = append(f.orders, order)
	resp := f.response
	return &resp, nil
}

func (f *fakeCLOB) FetchPositions(context.Context) ([]exchange.LivePosition, error) {
	return nil, nil
}

func (f *fakeCLOB) FetchTrades(context.Context) ([]types.Trade, error) {
	return nil, nil
}

func (f *fakeCLOB) FetchCollateral(context.Context) (int64, error) {
	f.collateralCalls++
	return f.collateralMicro, nil
}

func (f *fakeCLOB) FetchTokenShares(_ context.Context, tokenID string) (float64, error) {
	return f.tokenShares[tokenID], nil
}

func (f *fakeCLOB) FetchMarketParams(context.Context, string) (marketdata.TokenParams, error) {
	return f.params, nil
}

func newLive(t *testing.T, clob *fakeCLOB, slippage float64) *Live {
	t.Helper()
	balances := marketdata.NewBalanceCache(clob, clob, testLogger())
	return NewLive(clob, balances, slippage, testLogger())
}

func buyEvent(price, shares float64) types.ActivityEvent {
	return types.ActivityEvent{
		TargetWallet: "0xtarget",
		TradeID:      "t1",
		TokenID:      "tok1",
		ConditionID:  "0xcond1",
		MarketSlug:   "will-x-happen",
		Side:         types.BUY,
		Price:        price,
		SizeShares:   shares,
		NotionalUSD:  price * shares,
		ActivityType: types.ActivityTrade,
	}
}

func TestLiveBuyPlacesOrder(t *testing.T) {
	t.Parallel()
	clob := &fakeCLOB{
		collateralMicro: 1_000_000_000, // 1000 USDC
		params:          marketdata.TokenParams{TickSize: types.Tick001},
		response:        types.OrderResponse{OrderID: "ord-1"},
	}
	ex := newLive(t, clob, 0.02)

	evt := buyEvent(0.40, 100)
	res := ex.Execute(context.Background(), evt, risk.Sizing{Shares: 100, NotionalUSD: 40})

	if res.Status != types.ExecExecuted {
		t.Fatalf("result = %v, want executed", res)
	}
	if len(clob.orders) != 1 {
		t.Fatalf("orders posted = %d, want 1", len(clob.orders))
	}
	order := clob.orders[0]
	// 0.40 * 1.02 = 0.408, snapped to the 0.01 grid.
	if math.Abs(order.LimitPrice-0.41) > 1e-9 {
		t.Errorf("limit = %v, want 0.41", order.LimitPrice)
	}
	if order.Side != types.BUY || order.Size != 100 || order.OrderType != types.OrderTypeGTC {
		t.Errorf("order = %+v", order)
	}
	if res.Fill.OrderID != "ord-1" {
		t.Errorf("fill orderID = %q", res.Fill.OrderID)
	}
}

func TestLiveBuyInvalidatesBalanceCache(t *testing.T) {
	t.Parallel()
	clob := &fakeCLOB{
		collateralMicro: 1_000_000_000,
		params:          marketdata.TokenParams{TickSize: types.Tick001},
		response:        types.OrderResponse{OrderID: "ord-1"},
	}
	ex := newLive(t, clob, 0)

	ctx := context.Background()
	ex.Execute(ctx, buyEvent(0.40, 100), risk.Sizing{Shares: 100})
	if clob.collateralCalls != 1 {
		t.Fatalf("collateral calls = %d after first order", clob.collateralCalls)
	}

	// The fill changed collateral, so the next pre-flight refetches.
	ex.Execute(ctx, buyEvent(0.40, 100), risk.Sizing{Shares: 100})
	if clob.collateralCalls != 2 {
		t.Errorf("collateral calls = %d, want 2 (cache invalidated)", clob.collateralCalls)
	}
}

func TestLiveBuyInsufficientFunds(t *testing.T) {
	t.Parallel()
	clob := &fakeCLOB{
		collateralMicro: 10_000_000, // 10 USDC
		params:          marketdata.TokenParams{TickSize: types.Tick001},
	}
	ex := newLive(t, clob, 0)

	res := ex.Execute(context.Background(), buyEvent(0.40, 100), risk.Sizing{Shares: 100})

	if res.Status != types.ExecSkipped || res.Reason != types.SkipInsufficientFunds {
		t.Fatalf("result = %v, want skipped(InsufficientFunds)", res)
	}
	if len(clob.orders) != 0 {
		t.Error("no order may reach the exchange after a failed pre-flight")
	}
}

func TestLiveSellClampsToHeldShares(t *testing.T) {
	t.Parallel()
	clob := &fakeCLOB{
		tokenShares: map[string]float64{"tok1": 30},
		params:      marketdata.TokenParams{TickSize: types.Tick001},
		response:    types.OrderResponse{OrderID: "ord-1"},
	}
	ex := newLive(t, clob, 0)

	evt := buyEvent(0.55, 50)
	evt.Side = types.SELL
	res := ex.Execute(context.Background(), evt, risk.Sizing{Shares: 50})

	if res.Status != types.ExecExecuted {
		t.Fatalf("result = %v", res)
	}
	if clob.orders[0].Size != 30 {
		t.Errorf("order size = %v, want clamped to 30", clob.orders[0].Size)
	}
}

func TestLiveSellNoPosition(t *testing.T) {
	t.Parallel()
	clob := &fakeCLOB{
		tokenShares: map[string]float64{},
		params:      marketdata.TokenParams{TickSize: types.Tick001},
	}
	ex := newLive(t, clob, 0)

	evt := buyEvent(0.55, 50)
	evt.Side = types.SELL
	res := ex.Execute(context.Background(), evt, risk.Sizing{Shares: 50})

	if res.Status != types.ExecSkipped || res.Reason != types.SkipNoPosition {
		t.Fatalf("result = %v, want skipped(NoPosition)", res)
	}
}

func TestLiveOrderRejected(t *testing.T) {
	t.Parallel()
	clob := &fakeCLOB{
		collateralMicro: 1_000_000_000,
		params:          marketdata.TokenParams{TickSize: types.Tick001},
		response:        types.OrderResponse{ErrorMsg: "not enough balance / allowance"},
	}
	ex := newLive(t, clob, 0)

	res := ex.Execute(context.Background(), buyEvent(0.40, 100), risk.Sizing{Shares: 100})

	if res.Status != types.ExecSkipped || res.Reason != types.SkipOrderRejected {
		t.Fatalf("result = %v, want skipped(OrderRejected)", res)
	}
	if res.Detail != "not enough balance / allowance" {
		t.Errorf("detail = %q", res.Detail)
	}
}

func TestLiveRateLimitedBecomesSkip(t *testing.T) {
	t.Parallel()
	clob := &fakeCLOB{
		collateralMicro: 1_000_000_000,
		params:          marketdata.TokenParams{TickSize: types.Tick001},
		postErr:         &exchange.RateLimitError{Detail: "429"},
	}
	ex := newLive(t, clob, 0)

	res := ex.Execute(context.Background(), buyEvent(0.40, 100), risk.Sizing{Shares: 100})

	if res.Status != types.ExecSkipped || res.Reason != types.SkipRateLimited {
		t.Fatalf("result = %v, want skipped(RateLimited)", res)
	}
}

func TestLivePostFailureIsFailed(t *testing.T) {
	t.Parallel()
	clob := &fakeCLOB{
		collateralMicro: 1_000_000_000,
		params:          marketdata.TokenParams{TickSize: types.Tick001},
		postErr:         errors.New("connection reset"),
	}
	ex := newLive(t, clob, 0)

	res := ex.Execute(context.Background(), buyEvent(0.40, 100), risk.Sizing{Shares: 100})

	if res.Status != types.ExecFailed || res.Err == nil {
		t.Fatalf("result = %v, want failed", res)
	}
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price float64
		tick  types.TickSize
		want  float64
	}{
		{0.408, types.Tick001, 0.41},
		{0.404, types.Tick001, 0.40},
		{0.4083, types.Tick0001, 0.408},
		{0.45, types.Tick01, 0.5},
	}
	for _, tc := range cases {
		if got := roundToTick(tc.price, tc.tick); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("roundToTick(%v, %v) = %v, want %v", tc.price, tc.tick, got, tc.want)
		}
	}
}

func TestDryRunExecutesWithoutSideEffects(t *testing.T) {
	t.Parallel()
	ex := NewDryRun(0.02, testLogger())

	res := ex.Execute(context.Background(), buyEvent(0.40, 100), risk.Sizing{Shares: 100})
	if res.Status != types.ExecExecuted {
		t.Fatalf("result = %v", res)
	}
	if res.Fill.OrderID == "" || res.Fill.OrderID[:8] != "dry-run-" {
		t.Errorf("orderID = %q, want dry-run prefix", res.Fill.OrderID)
	}

	if bal, _ := ex.QueryBalance(context.Background()); bal != 0 {
		t.Error("dry-run balance must be empty")
	}
	if pos, _ := ex.QueryPositions(context.Background()); pos != nil {
		t.Error("dry-run positions must be empty")
	}
}
