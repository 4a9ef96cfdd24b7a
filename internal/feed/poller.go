package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

// Poller fetches one target's recent activity from the data API. The
// real-time stream does not carry SPLIT/MERGE/REDEEM, so the poller is the
// only source for those; TRADE rows it also returns are harmless because
// dedup collapses them with the stream's copy.
type Poller struct {
	httpClient *resty.Client
	target     string // lowercased wallet
	interval   time.Duration
	backoff    time.Duration // extra wait after a 429
	limit      int
	emit       func(types.ActivityEvent)
	logger     *slog.Logger

	rateLimited bool
}

// NewPoller creates a poller for one target wallet. emit receives
// normalized events oldest-first and must not block.
func NewPoller(cfg config.Config, target string, emit func(types.ActivityEvent), logger *slog.Logger) *Poller {
	client := resty.New().
		SetBaseURL(cfg.API.DataBaseURL).
		SetTimeout(10 * time.Second)

	return &Poller{
		httpClient: client,
		target:     types.NormalizeWallet(target),
		interval:   cfg.Polling.Interval(),
		backoff:    cfg.Polling.BaseBackoff(),
		limit:      cfg.Polling.TradeLimit,
		emit:       emit,
		logger:     logger.With("component", "poller", "target", shortWallet(target)),
	}
}

// Run polls until ctx is cancelled. After a 429 the next iteration waits
// an extra 2x base backoff on top of the interval.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)

	for {
		wait := p.interval
		if p.rateLimited {
			wait += 2 * p.backoff
			p.rateLimited = false
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	var raw []rawActivity
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":          p.target,
			"limit":         strconv.Itoa(p.limit),
			"sortBy":        "TIMESTAMP",
			"sortDirection": "DESC",
		}).
		SetResult(&raw).
		Get("/activity")
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("activity poll failed", "error", err)
		}
		return
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		p.rateLimited = true
		p.logger.Warn("activity poll rate limited")
		return
	}
	if resp.StatusCode() != http.StatusOK {
		p.logger.Warn("activity poll failed", "status", resp.StatusCode())
		return
	}

	events := make([]types.ActivityEvent, 0, len(raw))
	for _, r := range raw {
		evt, ok := normalize(r)
		if !ok {
			continue
		}
		events = append(events, evt)
	}

	// Downstream applies effects in receive order, so emit oldest-first.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	for _, evt := range events {
		p.emit(evt)
	}
}

func shortWallet(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return fmt.Sprintf("%s..%s", addr[:6], addr[len(addr)-4:])
}
