package buffer

import (
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fill(tradeID string, price, shares float64) types.ActivityEvent {
	return types.ActivityEvent{
		TargetWallet: "0xtarget",
		TradeID:      tradeID,
		TokenID:      "tok1",
		Side:         types.BUY,
		Price:        price,
		SizeShares:   shares,
		NotionalUSD:  price * shares,
		ActivityType: types.ActivityTrade,
	}
}

func TestZeroWindowPassesThrough(t *testing.T) {
	t.Parallel()
	var got []types.ActivityEvent
	b := New(0, func(e types.ActivityEvent) { got = append(got, e) }, testLogger())

	b.Add(fill("t1", 0.40, 100))
	b.Add(fill("t2", 0.50, 50))

	if len(got) != 2 {
		t.Fatalf("emitted = %d, want 2 immediately", len(got))
	}
	if got[0].TradeID != "t1" || got[1].TradeID != "t2" {
		t.Error("pass-through must not rewrite trade IDs")
	}
}

func TestWindowMergesVWAP(t *testing.T) {
	t.Parallel()
	var got []types.ActivityEvent
	b := New(time.Hour, func(e types.ActivityEvent) { got = append(got, e) }, testLogger())

	// 100 @ 0.40 + 50 @ 0.55: VWAP = 67.5 / 150 = 0.45
	b.Add(fill("t1", 0.40, 100))
	b.Add(fill("t2", 0.55, 50))

	if len(got) != 0 {
		t.Fatal("nothing should flush before the window")
	}
	b.Close()

	if len(got) != 1 {
		t.Fatalf("emitted = %d, want 1 merged event", len(got))
	}
	m := got[0]
	if m.TradeID != "agg-t1" {
		t.Errorf("tradeID = %q, want agg-t1", m.TradeID)
	}
	if m.SizeShares != 150 {
		t.Errorf("shares = %v, want 150", m.SizeShares)
	}
	if math.Abs(m.Price-0.45) > 1e-9 {
		t.Errorf("vwap = %v, want 0.45", m.Price)
	}
	if math.Abs(m.NotionalUSD-67.5) > 1e-9 {
		t.Errorf("notional = %v, want 67.5", m.NotionalUSD)
	}
}

func TestDistinctGroupsDoNotMerge(t *testing.T) {
	t.Parallel()
	var got []types.ActivityEvent
	b := New(time.Hour, func(e types.ActivityEvent) { got = append(got, e) }, testLogger())

	buy := fill("t1", 0.40, 100)
	sell := fill("t2", 0.45, 30)
	sell.Side = types.SELL
	otherToken := fill("t3", 0.50, 10)
	otherToken.TokenID = "tok2"

	b.Add(buy)
	b.Add(sell)
	b.Add(otherToken)
	b.Close()

	if len(got) != 3 {
		t.Fatalf("emitted = %d, want 3 separate groups", len(got))
	}
	for _, e := range got {
		// Singleton groups keep their original IDs.
		if strings.HasPrefix(e.TradeID, "agg-") {
			t.Errorf("singleton group rewritten: %+v", e)
		}
	}
}

func TestWindowTimerFlush(t *testing.T) {
	t.Parallel()
	emitted := make(chan types.ActivityEvent, 1)
	b := New(20*time.Millisecond, func(e types.ActivityEvent) { emitted <- e }, testLogger())

	b.Add(fill("t1", 0.40, 100))
	b.Add(fill("t2", 0.40, 100))

	select {
	case m := <-emitted:
		if m.SizeShares != 200 {
			t.Errorf("shares = %v, want 200", m.SizeShares)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("window expiry did not flush")
	}
}

func TestCloseIsIdempotentAndFallsThrough(t *testing.T) {
	t.Parallel()
	var got []types.ActivityEvent
	b := New(time.Hour, func(e types.ActivityEvent) { got = append(got, e) }, testLogger())

	b.Add(fill("t1", 0.40, 100))
	b.Close()
	b.Close()

	// After Close the buffer degrades to pass-through.
	b.Add(fill("t2", 0.50, 50))
	if len(got) != 2 {
		t.Fatalf("emitted = %d, want 2", len(got))
	}
}
