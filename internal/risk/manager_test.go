package risk

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func defaultTrading() config.TradingConfig {
	return config.TradingConfig{
		SizingMode:             "proportional",
		ProportionalMultiplier: 1.0,
	}
}

func buyEvent(price, size float64) types.ActivityEvent {
	return types.ActivityEvent{
		TargetWallet: "0xt",
		TradeID:      "tr1",
		TokenID:      "tok1",
		ConditionID:  "0xcond1",
		MarketSlug:   "will-x-happen",
		Side:         types.BUY,
		Price:        price,
		SizeShares:   size,
		NotionalUSD:  price * size,
		ActivityType: types.ActivityTrade,
	}
}

func TestSizingModes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		trading config.TradingConfig
		event   types.ActivityEvent
		want    float64
	}{
		{
			name:    "proportional",
			trading: config.TradingConfig{SizingMode: "proportional", ProportionalMultiplier: 0.5},
			event:   buyEvent(0.40, 100),
			want:    50,
		},
		{
			name:    "fixed-usd",
			trading: config.TradingConfig{SizingMode: "fixed-usd", FixedUsdSize: 20},
			event:   buyEvent(0.40, 100),
			want:    50, // 20 / 0.40
		},
		{
			name:    "fixed-shares",
			trading: config.TradingConfig{SizingMode: "fixed-shares", FixedSharesSize: 13},
			event:   buyEvent(0.40, 100),
			want:    13,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(tc.trading, config.RiskConfig{}, testLogger())
			sized, skip := m.Evaluate(tc.event)
			if skip != nil {
				t.Fatalf("unexpected skip: %+v", skip)
			}
			if math.Abs(sized.Shares-tc.want) > 1e-9 {
				t.Errorf("shares = %v, want %v", sized.Shares, tc.want)
			}
		})
	}
}

func TestMinOrderFloorRoundsUp(t *testing.T) {
	t.Parallel()
	trading := defaultTrading()
	trading.MinOrderSize = 5
	m := NewManager(trading, config.RiskConfig{}, testLogger())

	// 2 shares @ 0.50 = $1, below the $5 floor -> rounded up to 10 shares.
	sized, skip := m.Evaluate(buyEvent(0.50, 2))
	if skip != nil {
		t.Fatalf("unexpected skip: %+v", skip)
	}
	if math.Abs(sized.Shares-10) > 1e-9 {
		t.Errorf("shares = %v, want 10", sized.Shares)
	}
}

func TestMinSharesRejects(t *testing.T) {
	t.Parallel()
	trading := defaultTrading()
	trading.MinOrderShares = 5
	m := NewManager(trading, config.RiskConfig{}, testLogger())

	_, skip := m.Evaluate(buyEvent(0.50, 2))
	if skip == nil || skip.Reason != types.SkipBelowMinimumShares {
		t.Fatalf("skip = %+v, want BelowMinimumShares", skip)
	}
}

func TestPerTradeCapShrinks(t *testing.T) {
	t.Parallel()
	m := NewManager(defaultTrading(), config.RiskConfig{MaxUsdPerTrade: 50}, testLogger())

	// Seed scenario S2: BUY 1000 @ 0.20 (notional 200) -> 250 shares.
	sized, skip := m.Evaluate(buyEvent(0.20, 1000))
	if skip != nil {
		t.Fatalf("unexpected skip: %+v", skip)
	}
	if math.Abs(sized.Shares-250) > 1e-9 {
		t.Errorf("shares = %v, want 250", sized.Shares)
	}
	if math.Abs(sized.NotionalUSD-50) > 1e-9 {
		t.Errorf("notional = %v, want 50", sized.NotionalUSD)
	}
}

func TestPerMarketCapRejectsCumulative(t *testing.T) {
	t.Parallel()
	m := NewManager(defaultTrading(), config.RiskConfig{MaxUsdPerMarket: 100}, testLogger())

	evt := buyEvent(0.50, 120) // $60 notional
	sized, skip := m.Evaluate(evt)
	if skip != nil {
		t.Fatalf("first trade should pass: %+v", skip)
	}
	m.Commit(evt, sized)

	// Second $60 would take the market to $120 > $100.
	_, skip = m.Evaluate(evt)
	if skip == nil || skip.Reason != types.SkipPerMarketCap {
		t.Fatalf("skip = %+v, want PerMarketCap", skip)
	}

	// A different market still has budget.
	other := evt
	other.ConditionID = "0xcond2"
	if _, skip := m.Evaluate(other); skip != nil {
		t.Errorf("other market should pass, got %+v", skip)
	}
}

func TestDailyCapRejects(t *testing.T) {
	t.Parallel()
	m := NewManager(defaultTrading(), config.RiskConfig{MaxDailyUsdVolume: 100}, testLogger())

	evt := buyEvent(0.50, 120) // $60
	sized, _ := m.Evaluate(evt)
	m.Commit(evt, sized)

	other := evt
	other.ConditionID = "0xcond2"
	_, skip := m.Evaluate(other)
	if skip == nil || skip.Reason != types.SkipDailyCap {
		t.Fatalf("skip = %+v, want DailyCap", skip)
	}
}

func TestDailyCountersRollOver(t *testing.T) {
	t.Parallel()
	m := NewManager(defaultTrading(), config.RiskConfig{MaxDailyUsdVolume: 100}, testLogger())

	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return day }

	evt := buyEvent(0.50, 180) // $90
	sized, _ := m.Evaluate(evt)
	m.Commit(evt, sized)

	if _, skip := m.Evaluate(evt); skip == nil {
		t.Fatal("same-day second trade should breach daily cap")
	}

	// Next UTC day: budget resets.
	m.now = func() time.Time { return day.Add(24 * time.Hour) }
	if _, skip := m.Evaluate(evt); skip != nil {
		t.Errorf("next-day trade should pass, got %+v", skip)
	}
	if got := m.DailyNotional(); got != 0 {
		t.Errorf("DailyNotional after rollover = %v, want 0", got)
	}
}

func TestDenylist(t *testing.T) {
	t.Parallel()
	m := NewManager(defaultTrading(), config.RiskConfig{
		MarketDenylist: []string{"will-x-happen"},
	}, testLogger())

	_, skip := m.Evaluate(buyEvent(0.50, 10))
	if skip == nil || skip.Reason != types.SkipDenylisted {
		t.Fatalf("skip = %+v, want Denylisted", skip)
	}
}

func TestDenylistByConditionID(t *testing.T) {
	t.Parallel()
	m := NewManager(defaultTrading(), config.RiskConfig{
		MarketDenylist: []string{"0xCOND1"}, // case-insensitive
	}, testLogger())

	_, skip := m.Evaluate(buyEvent(0.50, 10))
	if skip == nil || skip.Reason != types.SkipDenylisted {
		t.Fatalf("skip = %+v, want Denylisted", skip)
	}
}

func TestAllowlist(t *testing.T) {
	t.Parallel()
	m := NewManager(defaultTrading(), config.RiskConfig{
		MarketAllowlist: []string{"some-other-market"},
	}, testLogger())

	_, skip := m.Evaluate(buyEvent(0.50, 10))
	if skip == nil || skip.Reason != types.SkipNotAllowlisted {
		t.Fatalf("skip = %+v, want NotAllowlisted", skip)
	}

	m2 := NewManager(defaultTrading(), config.RiskConfig{
		MarketAllowlist: []string{"will-x-happen"},
	}, testLogger())
	if _, skip := m2.Evaluate(buyEvent(0.50, 10)); skip != nil {
		t.Errorf("allowlisted market should pass, got %+v", skip)
	}
}

// Reducing a cap must never increase the submitted size; raising it must
// never decrease it.
func TestCapsMonotone(t *testing.T) {
	t.Parallel()
	evt := buyEvent(0.25, 1000) // $250 notional uncapped

	var prev float64 = -1
	for _, cap := range []float64{10, 50, 100, 250, 500} {
		m := NewManager(defaultTrading(), config.RiskConfig{MaxUsdPerTrade: cap}, testLogger())
		sized, skip := m.Evaluate(evt)
		if skip != nil {
			t.Fatalf("cap %v: unexpected skip %+v", cap, skip)
		}
		if sized.Shares < prev {
			t.Errorf("raising cap to %v decreased size: %v < %v", cap, sized.Shares, prev)
		}
		prev = sized.Shares
	}
}

func TestEvaluateNeverMutates(t *testing.T) {
	t.Parallel()
	m := NewManager(defaultTrading(), config.RiskConfig{MaxDailyUsdVolume: 100}, testLogger())

	evt := buyEvent(0.50, 100) // $50
	for i := 0; i < 10; i++ {
		if _, skip := m.Evaluate(evt); skip != nil {
			t.Fatalf("Evaluate #%d skipped: %+v — uncommitted evaluations must not consume budget", i, skip)
		}
	}
	if got := m.DailyNotional(); got != 0 {
		t.Errorf("DailyNotional = %v, want 0 before any Commit", got)
	}
}
