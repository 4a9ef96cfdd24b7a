// Package risk sizes replica orders and enforces notional caps.
//
// Evaluate is a pure decision pipeline over (event, config, running totals);
// it never mutates state. Applied in order:
//
//  1. Sizing:        proportional / fixed-usd / fixed-shares
//  2. Min-order floor: round up to minOrderSize USD; reject below minOrderShares
//  3. Per-trade cap:  shrink to maxUsdPerTrade
//  4. Per-market cap: reject if the day's notional on this condition would exceed
//  5. Daily cap:      reject if the day's total notional would exceed
//  6. Allow/deny lists by market slug or condition ID
//
// Accepted notional is recorded via Commit after the executor reports
// success, so skipped and failed events never consume budget. Daily counters
// are keyed by UTC day and reset on rollover.
package risk

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

// Sizing is the accepted outcome of Evaluate: how many shares to submit.
type Sizing struct {
	Shares      float64
	NotionalUSD float64 // Shares * event price
}

// SkipDecision names the rule that rejected an event.
type SkipDecision struct {
	Reason types.SkipReason
	Detail string
}

// Manager applies sizing rules and caps. Totals are guarded by a mutex
// because Commit is called from per-target executor goroutines.
type Manager struct {
	cfg    config.TradingConfig
	risk   config.RiskConfig
	logger *slog.Logger

	allowlist map[string]bool
	denylist  map[string]bool

	mu             sync.Mutex
	day            string             // UTC day the counters belong to, e.g. "2026-08-24"
	dailyNotional  float64            // all markets
	marketNotional map[string]float64 // per condition ID
	now            func() time.Time
}

// NewManager creates a risk manager from the trading and risk config.
func NewManager(trading config.TradingConfig, risk config.RiskConfig, logger *slog.Logger) *Manager {
	allow := make(map[string]bool)
	for _, v := range risk.MarketAllowlist {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			allow[v] = true
		}
	}
	deny := make(map[string]bool)
	for _, v := range risk.MarketDenylist {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			deny[v] = true
		}
	}

	return &Manager{
		cfg:            trading,
		risk:           risk,
		logger:         logger.With("component", "risk"),
		allowlist:      allow,
		denylist:       deny,
		marketNotional: make(map[string]float64),
		now:            time.Now,
	}
}

// Evaluate runs the pipeline for one event. Exactly one of the returns is
// non-zero: a Sizing when the replica should be submitted, or a
// SkipDecision naming the rejecting rule.
func (m *Manager) Evaluate(evt types.ActivityEvent) (Sizing, *SkipDecision) {
	shares := m.size(evt)

	// Min-order floor: round undersized orders up to the USD minimum.
	if m.cfg.MinOrderSize > 0 && evt.Price > 0 && shares*evt.Price < m.cfg.MinOrderSize {
		shares = m.cfg.MinOrderSize / evt.Price
	}
	if shares < m.cfg.MinOrderShares || shares <= 0 {
		return Sizing{}, &SkipDecision{Reason: types.SkipBelowMinimumShares}
	}

	// Per-trade cap shrinks rather than rejects.
	if m.risk.MaxUsdPerTrade > 0 && evt.Price > 0 && shares*evt.Price > m.risk.MaxUsdPerTrade {
		shares = m.risk.MaxUsdPerTrade / evt.Price
	}

	notional := shares * evt.Price

	m.mu.Lock()
	m.rollDayLocked()
	marketSpent := m.marketNotional[evt.ConditionID]
	daySpent := m.dailyNotional
	m.mu.Unlock()

	if m.risk.MaxUsdPerMarket > 0 && marketSpent+notional > m.risk.MaxUsdPerMarket {
		return Sizing{}, &SkipDecision{Reason: types.SkipPerMarketCap}
	}
	if m.risk.MaxDailyUsdVolume > 0 && daySpent+notional > m.risk.MaxDailyUsdVolume {
		return Sizing{}, &SkipDecision{Reason: types.SkipDailyCap}
	}

	slug := strings.ToLower(evt.MarketSlug)
	cond := strings.ToLower(evt.ConditionID)
	if m.denylist[slug] || m.denylist[cond] {
		return Sizing{}, &SkipDecision{Reason: types.SkipDenylisted, Detail: evt.MarketSlug}
	}
	if len(m.allowlist) > 0 && !m.allowlist[slug] && !m.allowlist[cond] {
		return Sizing{}, &SkipDecision{Reason: types.SkipNotAllowlisted, Detail: evt.MarketSlug}
	}

	return Sizing{Shares: shares, NotionalUSD: notional}, nil
}

// Commit records executed notional against the per-market and daily budgets.
// Called only after the executor reports success.
func (m *Manager) Commit(evt types.ActivityEvent, s Sizing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	m.dailyNotional += s.NotionalUSD
	m.marketNotional[evt.ConditionID] += s.NotionalUSD
}

// DailyNotional returns today's committed USD volume.
func (m *Manager) DailyNotional() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.dailyNotional
}

// size applies the configured sizing mode. Returns 0 when the event cannot
// be sized (zero price under fixed-usd).
func (m *Manager) size(evt types.ActivityEvent) float64 {
	switch m.cfg.SizingMode {
	case "fixed-usd":
		if evt.Price <= 0 {
			return 0
		}
		return m.cfg.FixedUsdSize / evt.Price
	case "fixed-shares":
		return m.cfg.FixedSharesSize
	default: // proportional
		return evt.SizeShares * m.cfg.ProportionalMultiplier
	}
}

// rollDayLocked resets counters when the UTC day changes.
func (m *Manager) rollDayLocked() {
	day := m.now().UTC().Format("2006-01-02")
	if day != m.day {
		if m.day != "" {
			m.logger.Info("daily risk counters reset", "previous_day", m.day, "spent", m.dailyNotional)
		}
		m.day = day
		m.dailyNotional = 0
		m.marketNotional = make(map[string]float64)
	}
}
