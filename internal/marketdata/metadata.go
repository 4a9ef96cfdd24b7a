// Package marketdata caches market descriptors and account balances.
//
// Two cache families live here. The metadata cache (market descriptors
// keyed by slug, token ID and condition ID) is read-through against the
// Gamma API with a 10 minute TTL and serves stale entries when Gamma is
// down. The balance and market-params caches are short-TTL fronts over the
// CLOB client, invalidated after every successful order.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

const metadataTTL = 10 * time.Minute

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EndDate               string  `json:"endDate"`
	Outcomes              string  `json:"outcomes"`      // JSON array string
	OutcomePrices         string  `json:"outcomePrices"` // JSON array string
	ClobTokenIds          string  `json:"clobTokenIds"`  // JSON array string
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
}

// gammaEvent wraps markets in the /events fallback response.
type gammaEvent struct {
	Slug    string        `json:"slug"`
	Markets []GammaMarket `json:"markets"`
}

// Market is the resolved, typed descriptor served by the cache.
type Market struct {
	ID             string
	ConditionID    string
	Slug           string
	Question       string
	YesTokenID     string
	NoTokenID      string
	Outcomes       []string // labels, index-aligned with token IDs
	OutcomePrices  []float64
	TickSize       types.TickSize
	NegRisk        bool
	Active         bool
	Closed         bool
	Resolved       bool
	WinningOutcome types.Outcome // valid only when Resolved
	FetchedAt      time.Time
	Stale          bool // served past TTL because refresh failed
}

// OutcomeForToken maps a token ID back to YES/NO within this market.
func (m *Market) OutcomeForToken(tokenID string) types.Outcome {
	if tokenID == m.NoTokenID {
		return types.OutcomeNo
	}
	return types.OutcomeYes
}

// Cache is the TTL metadata cache. All lookups share one entry per market,
// indexed three ways.
type Cache struct {
	httpClient *resty.Client
	ttl        time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	bySlug      map[string]*Market
	byToken     map[string]*Market
	byCondition map[string]*Market
	now         func() time.Time
}

// NewCache creates a metadata cache against the configured Gamma base URL.
func NewCache(cfg config.APIConfig, logger *slog.Logger) *Cache {
	client := resty.New().
		SetBaseURL(cfg.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Cache{
		httpClient:  client,
		ttl:         metadataTTL,
		logger:      logger.With("component", "marketdata"),
		bySlug:      make(map[string]*Market),
		byToken:     make(map[string]*Market),
		byCondition: make(map[string]*Market),
		now:         time.Now,
	}
}

// BySlug returns the market for a slug, fetching on miss or expiry. A
// failed refresh returns the stale entry when one exists.
func (c *Cache) BySlug(ctx context.Context, slug string) (*Market, error) {
	if m := c.fresh(c.lookupSlug(slug)); m != nil {
		return m, nil
	}
	m, err := c.fetchBySlug(ctx, slug)
	if err != nil {
		if stale := c.lookupSlug(slug); stale != nil {
			return c.markStale(stale), nil
		}
		return nil, err
	}
	c.index(m)
	return m, nil
}

// ByToken returns the market holding a CLOB token ID.
func (c *Cache) ByToken(ctx context.Context, tokenID string) (*Market, error) {
	if m := c.fresh(c.lookupToken(tokenID)); m != nil {
		return m, nil
	}
	m, err := c.fetchByToken(ctx, tokenID)
	if err != nil {
		if stale := c.lookupToken(tokenID); stale != nil {
			return c.markStale(stale), nil
		}
		return nil, err
	}
	c.index(m)
	return m, nil
}

// ByCondition returns the market for a condition ID.
func (c *Cache) ByCondition(ctx context.Context, conditionID string) (*Market, error) {
	if m := c.fresh(c.lookupCondition(conditionID)); m != nil {
		return m, nil
	}
	m, err := c.fetchByCondition(ctx, conditionID)
	if err != nil {
		if stale := c.lookupCondition(conditionID); stale != nil {
			return c.markStale(stale), nil
		}
		return nil, err
	}
	c.index(m)
	return m, nil
}

// Resolution reports whether a market resolved and which outcome won.
// Implements the ledger's resolver.
func (c *Cache) Resolution(ctx context.Context, conditionID string) (bool, types.Outcome, error) {
	m, err := c.ByCondition(ctx, conditionID)
	if err != nil {
		return false, "", err
	}
	if !m.Resolved {
		return false, "", nil
	}
	return true, m.WinningOutcome, nil
}

// LastPrice returns the cached Gamma outcome price for a token, if any.
// Used as the mark-price fallback when the CLOB midpoint is unavailable.
func (c *Cache) LastPrice(tokenID string) (float64, bool) {
	c.mu.Lock()
	m := c.byToken[tokenID]
	c.mu.Unlock()
	if m == nil || len(m.OutcomePrices) < 2 {
		return 0, false
	}
	idx := 0
	if tokenID == m.NoTokenID {
		idx = 1
	}
	return m.OutcomePrices[idx], true
}

func (c *Cache) lookupSlug(slug string) *Market {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySlug[slug]
}

func (c *Cache) lookupToken(tokenID string) *Market {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byToken[tokenID]
}

func (c *Cache) lookupCondition(conditionID string) *Market {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byCondition[conditionID]
}

// fresh returns m only while inside its TTL.
func (c *Cache) fresh(m *Market) *Market {
	if m == nil || c.now().Sub(m.FetchedAt) > c.ttl {
		return nil
	}
	return m
}

func (c *Cache) markStale(m *Market) *Market {
	c.mu.Lock()
	m.Stale = true
	c.mu.Unlock()
	c.logger.Warn("serving stale market metadata", "slug", m.Slug)
	return m
}

func (c *Cache) index(m *Market) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySlug[m.Slug] = m
	c.byCondition[m.ConditionID] = m
	if m.YesTokenID != "" {
		c.byToken[m.YesTokenID] = m
	}
	if m.NoTokenID != "" {
		c.byToken[m.NoTokenID] = m
	}
}

// fetchBySlug tries GET /markets/{slug}, then falls back to the events
// endpoint, which covers markets only reachable through their event slug.
func (c *Cache) fetchBySlug(ctx context.Context, slug string) (*Market, error) {
	var gm GammaMarket
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&gm).
		Get("/markets/" + slug)
	if err == nil && resp.StatusCode() == 200 && gm.ConditionID != "" {
		return c.convert(gm), nil
	}

	var events []gammaEvent
	resp, err = c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch market %s: status %d", slug, resp.StatusCode())
	}
	for _, ev := range events {
		for _, m := range ev.Markets {
			if m.Slug == slug || len(ev.Markets) == 1 {
				return c.convert(m), nil
			}
		}
	}
	return nil, fmt.Errorf("market %s not found", slug)
}

func (c *Cache) fetchByToken(ctx context.Context, tokenID string) (*Market, error) {
	return c.fetchList(ctx, "clob_token_ids", tokenID)
}

func (c *Cache) fetchByCondition(ctx context.Context, conditionID string) (*Market, error) {
	return c.fetchList(ctx, "condition_ids", conditionID)
}

func (c *Cache) fetchList(ctx context.Context, param, value string) (*Market, error) {
	var markets []GammaMarket
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam(param, value).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets by %s: %w", param, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets by %s: status %d", param, resp.StatusCode())
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("no market for %s=%s", param, value)
	}
	return c.convert(markets[0]), nil
}

// convert parses the Gamma JSON-array string fields and derives resolution
// status. A market counts as resolved when it is closed and one outcome
// price has collapsed to ~1.
func (c *Cache) convert(gm GammaMarket) *Market {
	var tokenIDs, outcomes []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}
	if gm.Outcomes != "" {
		_ = json.Unmarshal([]byte(gm.Outcomes), &outcomes)
	}

	var prices []float64
	if gm.OutcomePrices != "" {
		var raw []string
		_ = json.Unmarshal([]byte(gm.OutcomePrices), &raw)
		for _, p := range raw {
			f, _ := strconv.ParseFloat(p, 64)
			prices = append(prices, f)
		}
	}

	m := &Market{
		ID:            gm.ID,
		ConditionID:   gm.ConditionID,
		Slug:          gm.Slug,
		Question:      gm.Question,
		Outcomes:      outcomes,
		OutcomePrices: prices,
		TickSize:      tickFromFloat(gm.OrderPriceMinTickSize),
		NegRisk:       gm.NegRisk,
		Active:        gm.Active,
		Closed:        gm.Closed,
		FetchedAt:     c.now(),
	}
	if len(tokenIDs) >= 2 {
		m.YesTokenID = tokenIDs[0]
		m.NoTokenID = tokenIDs[1]
	}

	if gm.Closed && len(prices) >= 2 {
		switch {
		case prices[0] >= 0.99:
			m.Resolved = true
			m.WinningOutcome = types.OutcomeYes
		case prices[1] >= 0.99:
			m.Resolved = true
			m.WinningOutcome = types.OutcomeNo
		}
	}
	return m
}

func tickFromFloat(v float64) types.TickSize {
	switch v {
	case 0.1:
		return types.Tick01
	case 0.001:
		return types.Tick0001
	case 0.0001:
		return types.Tick00001
	default:
		return types.Tick001
	}
}
