package feed

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/dedup"
	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testIngester(t *testing.T) *Ingester {
	t.Helper()
	cfg := config.Config{
		Targets: []string{"0xTARGET"},
		Polling: config.PollingConfig{IntervalMs: 2000, TradeLimit: 20, BaseBackoffMs: 1000},
	}
	return NewIngester(cfg, dedup.New(nil), nil, testLogger())
}

func freshEvent(id string) types.ActivityEvent {
	return types.ActivityEvent{
		TargetWallet: "0xtarget",
		TradeID:      id,
		Timestamp:    time.Now().UnixMilli(),
		TokenID:      "tok1",
		Side:         types.BUY,
		Price:        0.5,
		SizeShares:   10,
		ActivityType: types.ActivityTrade,
	}
}

func TestAcceptEmitsOnce(t *testing.T) {
	t.Parallel()
	in := testIngester(t)

	// The same fill arriving from the stream and the poller emits once.
	in.accept(freshEvent("t1"))
	in.accept(freshEvent("t1"))

	if got := len(in.events); got != 1 {
		t.Fatalf("emitted = %d, want 1", got)
	}
	if _, trades, _ := in.Stats(); trades != 1 {
		t.Errorf("target trades = %d, want 1", trades)
	}
}

// The stream and a poller can hand accept the same fill at the same
// moment; exactly one copy may reach the pipeline.
func TestConcurrentDeliveryEmitsOnce(t *testing.T) {
	t.Parallel()
	in := testIngester(t)

	const fills = 64
	var wg sync.WaitGroup
	for i := 0; i < fills; i++ {
		evt := freshEvent("dup-" + strconv.Itoa(i))
		wg.Add(2)
		go func() {
			defer wg.Done()
			in.accept(evt)
		}()
		go func() {
			defer wg.Done()
			in.accept(evt)
		}()
	}
	wg.Wait()

	if got := len(in.events); got != fills {
		t.Fatalf("emitted = %d, want %d", got, fills)
	}
	if _, trades, _ := in.Stats(); trades != fills {
		t.Errorf("target trades = %d, want %d", trades, fills)
	}
}

func TestAcceptFiltersNonTargets(t *testing.T) {
	t.Parallel()
	in := testIngester(t)

	evt := freshEvent("t1")
	evt.TargetWallet = "0xsomeoneelse"
	in.accept(evt)

	if len(in.events) != 0 {
		t.Error("non-target event must be dropped")
	}
	if in.dedup.Count("0xsomeoneelse") != 0 {
		t.Error("non-target events must not pollute dedup")
	}
}

func TestAgeGateMarksSeenWithoutEmitting(t *testing.T) {
	t.Parallel()
	in := testIngester(t)

	old := freshEvent("historical")
	old.Timestamp = time.Now().Add(-10 * time.Minute).UnixMilli()
	in.accept(old)

	if len(in.events) != 0 {
		t.Fatal("stale event must not be emitted")
	}
	if !in.dedup.HasSeen("0xtarget", "historical") {
		t.Error("stale event must still be marked seen")
	}

	// Re-delivery of the same stale event stays suppressed.
	in.accept(old)
	if len(in.events) != 0 {
		t.Error("marked-seen stale event emitted on redelivery")
	}
}

func TestAgeGateBoundary(t *testing.T) {
	t.Parallel()
	in := testIngester(t)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return base }

	inside := freshEvent("fresh")
	inside.Timestamp = base.Add(-maxEventAge + time.Second).UnixMilli()
	in.accept(inside)
	if len(in.events) != 1 {
		t.Error("event inside the age window must be emitted")
	}
}

func TestAcceptNeverBlocks(t *testing.T) {
	t.Parallel()
	in := testIngester(t)

	// Saturate the buffer, then deliver five more.
	for i := 0; i < eventBufferSize+5; i++ {
		in.accept(freshEvent("fill-" + strconv.Itoa(i)))
	}

	if got := len(in.events); got != eventBufferSize {
		t.Fatalf("buffered = %d, want %d", got, eventBufferSize)
	}
	if _, _, dropped := in.Stats(); dropped != 5 {
		t.Errorf("dropped = %d, want 5", dropped)
	}
}

// Dropped events stay unmarked so the poller can redeliver them later.
func TestDroppedEventsRemainUnseen(t *testing.T) {
	t.Parallel()
	in := testIngester(t)

	for i := 0; i < eventBufferSize; i++ {
		in.accept(freshEvent("fill-" + strconv.Itoa(i)))
	}
	in.accept(freshEvent("overflow"))

	if in.dedup.HasSeen("0xtarget", "overflow") {
		t.Error("dropped event must not be marked seen")
	}

	// Drain one slot; redelivery now succeeds.
	<-in.events
	in.accept(freshEvent("overflow"))
	if !in.dedup.HasSeen("0xtarget", "overflow") {
		t.Error("redelivered event should be accepted")
	}
}
