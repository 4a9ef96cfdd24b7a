package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-copytrader/pkg/types"
)

const (
	balanceTTL = 15 * time.Second
	paramsTTL  = 60 * time.Second

	microUSDC = 1e6
)

// TokenParams are the per-token order parameters the live executor needs
// before submitting.
type TokenParams struct {
	TickSize   types.TickSize
	NegRisk    bool
	FeeRateBps int
}

// FundsSource fetches raw balances from the CLOB. FetchCollateral returns
// micro-USDC as reported by the balance-allowance endpoint.
type FundsSource interface {
	FetchCollateral(ctx context.Context) (int64, error)
	FetchTokenShares(ctx context.Context, tokenID string) (float64, error)
}

// ParamsSource fetches per-token order parameters from the CLOB.
type ParamsSource interface {
	FetchMarketParams(ctx context.Context, tokenID string) (TokenParams, error)
}

type cachedBalance struct {
	value     float64
	fetchedAt time.Time
}

type cachedParams struct {
	value     TokenParams
	fetchedAt time.Time
}

// BalanceCache fronts the CLOB balance and params endpoints with short
// TTLs so the pre-flight checks in the executor do not hammer the API.
type BalanceCache struct {
	funds  FundsSource
	params ParamsSource
	logger *slog.Logger

	mu          sync.Mutex
	collateral  *cachedBalance
	tokenShares map[string]*cachedBalance
	tokenParams map[string]*cachedParams
	now         func() time.Time
}

// NewBalanceCache wires the cache to its CLOB sources.
func NewBalanceCache(funds FundsSource, params ParamsSource, logger *slog.Logger) *BalanceCache {
	return &BalanceCache{
		funds:       funds,
		params:      params,
		logger:      logger.With("component", "balances"),
		tokenShares: make(map[string]*cachedBalance),
		tokenParams: make(map[string]*cachedParams),
		now:         time.Now,
	}
}

// USDCBalance returns the spendable collateral in whole USDC.
func (b *BalanceCache) USDCBalance(ctx context.Context) (float64, error) {
	b.mu.Lock()
	if c := b.collateral; c != nil && b.now().Sub(c.fetchedAt) <= balanceTTL {
		v := c.value
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()

	micro, err := b.funds.FetchCollateral(ctx)
	if err != nil {
		return 0, err
	}
	usdc := float64(micro) / microUSDC

	b.mu.Lock()
	b.collateral = &cachedBalance{value: usdc, fetchedAt: b.now()}
	b.mu.Unlock()
	return usdc, nil
}

// TokenShares returns the held conditional-token balance for one token.
func (b *BalanceCache) TokenShares(ctx context.Context, tokenID string) (float64, error) {
	b.mu.Lock()
	if c := b.tokenShares[tokenID]; c != nil && b.now().Sub(c.fetchedAt) <= balanceTTL {
		v := c.value
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()

	shares, err := b.funds.FetchTokenShares(ctx, tokenID)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.tokenShares[tokenID] = &cachedBalance{value: shares, fetchedAt: b.now()}
	b.mu.Unlock()
	return shares, nil
}

// MarketParams returns (tickSize, negRisk, feeRateBps) for a token.
func (b *BalanceCache) MarketParams(ctx context.Context, tokenID string) (TokenParams, error) {
	b.mu.Lock()
	if c := b.tokenParams[tokenID]; c != nil && b.now().Sub(c.fetchedAt) <= paramsTTL {
		v := c.value
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()

	p, err := b.params.FetchMarketParams(ctx, tokenID)
	if err != nil {
		return TokenParams{}, err
	}

	b.mu.Lock()
	b.tokenParams[tokenID] = &cachedParams{value: p, fetchedAt: b.now()}
	b.mu.Unlock()
	return p, nil
}

// Invalidate drops the collateral and token-share entries after an order
// changes them. Market params are structural and stay cached.
func (b *BalanceCache) Invalidate(tokenID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collateral = nil
	delete(b.tokenShares, tokenID)
}
