// Package exchange implements the Polymarket CLOB REST client, request
// throttling, EIP-712 auth and the on-chain redeem path.
//
// The REST client (Client) covers what a copy trader needs:
//   - CreateAndPostOrder: POST /order          — sign and place one GTC order
//   - FetchTrades:        GET  /data/trades    — own trade history (L2 auth)
//   - FetchPositions:     GET  /positions      — data-API position list
//   - FetchCollateral:    GET  /balance-allowance (COLLATERAL), micro-USDC
//   - FetchTokenShares:   GET  /balance-allowance (CONDITIONAL)
//   - FetchMarketParams:  GET  /tick-size + /neg-risk, fetched in parallel
//   - Midpoint:           GET  /midpoint       — mark price for a token
//   - DeriveAPIKey:       GET  /auth/derive-api-key — bootstrap L2 creds
//
// Every request funnels through the shared Throttler; 429s and HTML block
// pages are normalized to RateLimitError so the throttler can adapt.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/marketdata"
	"polymarket-copytrader/pkg/types"
)

const (
	ctfExchangeAddr     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeAddr = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress         = "0x0000000000000000000000000000000000000000"

	maxErrorLen = 100
)

// signedOrder is the wire shape of one signed CTF exchange order.
type signedOrder struct {
	Salt          string              `json:"salt"`
	Maker         string              `json:"maker"`
	Signer        string              `json:"signer"`
	Taker         string              `json:"taker"`
	TokenID       string              `json:"tokenId"`
	MakerAmount   string              `json:"makerAmount"`
	TakerAmount   string              `json:"takerAmount"`
	Expiration    string              `json:"expiration"`
	Nonce         string              `json:"nonce"`
	FeeRateBps    string              `json:"feeRateBps"`
	Side          string              `json:"side"`
	SignatureType types.SignatureType `json:"signatureType"`
	Signature     string              `json:"signature"`
}

type orderPayload struct {
	Order     signedOrder     `json:"order"`
	Owner     string          `json:"owner"` // L2 API key
	OrderType types.OrderType `json:"orderType"`
}

// LivePosition is the data-API position shape.
type LivePosition struct {
	Asset        string  `json:"asset"` // token ID
	ConditionID  string  `json:"conditionId"`
	Slug         string  `json:"slug"`
	Outcome      string  `json:"outcome"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	CurPrice     float64 `json:"curPrice"`
	CashPnl      float64 `json:"cashPnl"`
	Redeemable   bool    `json:"redeemable"`
	EndDate      string  `json:"endDate"`
	Title        string  `json:"title"`
	InitialValue float64 `json:"initialValue"`
	CurrentValue float64 `json:"currentValue"`
}

// clobTrade is the CLOB trade-history shape.
type clobTrade struct {
	ID         string `json:"id"`
	TakerOrder string `json:"taker_order_id"`
	Market     string `json:"market"` // condition ID
	AssetID    string `json:"asset_id"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	FeeRateBps string `json:"fee_rate_bps"`
	Status     string `json:"status"`
	MatchTime  string `json:"match_time"` // unix seconds
	Outcome    string `json:"outcome"`
}

type balanceAllowance struct {
	Balance string `json:"balance"`
}

// Client is the CLOB REST client. All methods are safe for concurrent use.
type Client struct {
	clob     *resty.Client
	data     *resty.Client
	auth     *Auth
	throttle *Throttler
	logger   *slog.Logger
}

// NewClient creates a CLOB client sharing the global throttler.
func NewClient(cfg config.APIConfig, auth *Auth, throttle *Throttler, logger *slog.Logger) *Client {
	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		clob:     newHTTP(cfg.CLOBBaseURL),
		data:     newHTTP(cfg.DataBaseURL),
		auth:     auth,
		throttle: throttle,
		logger:   logger.With("component", "clob"),
	}
}

// NewPublicClient creates a client for the unauthenticated read endpoints
// (midpoint quotes). Order placement and account reads need NewClient with
// an auth provider.
func NewPublicClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	return NewClient(cfg, nil, NewThrottler(logger), logger)
}

// Auth exposes the client's auth provider for the websocket feed.
func (c *Client) Auth() *Auth { return c.auth }

// CreateAndPostOrder signs order with the CTF exchange EIP-712 domain and
// posts it. The returned response may still describe a rejection; callers
// check Succeeded().
func (c *Client) CreateAndPostOrder(ctx context.Context, order types.Order) (*types.OrderResponse, error) {
	payload, err := c.buildPayload(order)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	// Orders are never deduplicated: each call gets a unique throttle key.
	v, err := c.throttle.Do(ctx, "clob", "order:"+uuid.NewString(), func(ctx context.Context) (any, error) {
		var result types.OrderResponse
		resp, err := c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Post("/order")
		if err != nil {
			return nil, fmt.Errorf("post order: %w", err)
		}
		if err := classifyResponse(resp); err != nil {
			return nil, err
		}
		return &result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.OrderResponse), nil
}

// buildPayload converts the replica order into a signed exchange payload.
// The maker is the funder wallet (proxy), the signer the EOA, the taker
// the zero address (open order).
func (c *Client) buildPayload(order types.Order) (*orderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.LimitPrice, order.Size, order.Side, tickSize)

	salt := strconv.FormatInt(rand.Int63(), 10)
	sideIdx := "0"
	if order.Side == types.SELL {
		sideIdx = "1"
	}

	verifying := ctfExchangeAddr
	if order.NegRisk {
		verifying = negRiskExchangeAddr
	}

	sig, err := c.signOrder(salt, order, makerAmt, takerAmt, sideIdx, verifying)
	if err != nil {
		return nil, err
	}

	return &orderPayload{
		Order: signedOrder{
			Salt:          salt,
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         zeroAddress,
			TokenID:       order.TokenID,
			MakerAmount:   makerAmt.String(),
			TakerAmount:   takerAmt.String(),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    strconv.Itoa(order.FeeRateBps),
			Side:          string(order.Side),
			SignatureType: c.auth.SignatureType(),
			Signature:     sig,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
	}, nil
}

func (c *Client) signOrder(salt string, order types.Order, makerAmt, takerAmt *big.Int, sideIdx, verifying string) (string, error) {
	sig, err := c.auth.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(c.auth.ChainID())),
			VerifyingContract: verifying,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          salt,
			"maker":         c.auth.FunderAddress().Hex(),
			"signer":        c.auth.Address().Hex(),
			"taker":         zeroAddress,
			"tokenId":       order.TokenID,
			"makerAmount":   makerAmt.String(),
			"takerAmount":   takerAmt.String(),
			"expiration":    "0",
			"nonce":         "0",
			"feeRateBps":    strconv.Itoa(order.FeeRateBps),
			"side":          sideIdx,
			"signatureType": strconv.Itoa(int(c.auth.SignatureType())),
		},
		"Order",
	)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	return "0x" + fmt.Sprintf("%x", sig), nil
}

// FetchTrades returns the account's own trade history from the CLOB,
// mapped to ledger trades (fees derived from fee_rate_bps).
func (c *Client) FetchTrades(ctx context.Context) ([]types.Trade, error) {
	headers, err := c.auth.L2Headers("GET", "/data/trades", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	v, err := c.throttle.Do(ctx, "clob", "GET /data/trades", func(ctx context.Context) (any, error) {
		var raw []clobTrade
		resp, err := c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&raw).
			Get("/data/trades")
		if err != nil {
			return nil, fmt.Errorf("fetch trades: %w", err)
		}
		if err := classifyResponse(resp); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	raw := v.([]clobTrade)
	trades := make([]types.Trade, 0, len(raw))
	for _, t := range raw {
		size, _ := strconv.ParseFloat(t.Size, 64)
		price, _ := strconv.ParseFloat(t.Price, 64)
		feeBps, _ := strconv.ParseFloat(t.FeeRateBps, 64)
		matchSec, _ := strconv.ParseInt(t.MatchTime, 10, 64)

		trades = append(trades, types.Trade{
			ID:          t.ID,
			Timestamp:   matchSec * 1000,
			TokenID:     t.AssetID,
			ConditionID: t.Market,
			Side:        types.Side(strings.ToUpper(t.Side)),
			Price:       price,
			Shares:      size,
			USDValue:    price * size,
			Fees:        price * size * feeBps / 10000,
		})
	}
	return trades, nil
}

// FetchPositions returns the funder wallet's open positions from the data API.
func (c *Client) FetchPositions(ctx context.Context) ([]LivePosition, error) {
	user := strings.ToLower(c.auth.FunderAddress().Hex())

	v, err := c.throttle.Do(ctx, "data", "GET /positions "+user, func(ctx context.Context) (any, error) {
		var positions []LivePosition
		resp, err := c.data.R().
			SetContext(ctx).
			SetQueryParam("user", user).
			SetResult(&positions).
			Get("/positions")
		if err != nil {
			return nil, fmt.Errorf("fetch positions: %w", err)
		}
		if err := classifyResponse(resp); err != nil {
			return nil, err
		}
		return positions, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]LivePosition), nil
}

// FetchCollateral returns the spendable USDC balance in micro units.
// Implements marketdata.FundsSource.
func (c *Client) FetchCollateral(ctx context.Context) (int64, error) {
	path := "/balance-allowance?asset_type=COLLATERAL&signature_type=" +
		strconv.Itoa(int(c.auth.SignatureType()))
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	v, err := c.throttle.Do(ctx, "clob", "GET "+path, func(ctx context.Context) (any, error) {
		var result balanceAllowance
		resp, err := c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetQueryParams(map[string]string{
				"asset_type":     "COLLATERAL",
				"signature_type": strconv.Itoa(int(c.auth.SignatureType())),
			}).
			SetResult(&result).
			Get("/balance-allowance")
		if err != nil {
			return nil, fmt.Errorf("fetch balance: %w", err)
		}
		if err := classifyResponse(resp); err != nil {
			return nil, err
		}
		micro, err := strconv.ParseInt(result.Balance, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", result.Balance, err)
		}
		return micro, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// FetchTokenShares returns the held conditional-token balance in shares.
// Implements marketdata.FundsSource.
func (c *Client) FetchTokenShares(ctx context.Context, tokenID string) (float64, error) {
	path := "/balance-allowance?asset_type=CONDITIONAL&token_id=" + tokenID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	v, err := c.throttle.Do(ctx, "clob", "GET "+path, func(ctx context.Context) (any, error) {
		var result balanceAllowance
		resp, err := c.clob.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetQueryParams(map[string]string{
				"asset_type": "CONDITIONAL",
				"token_id":   tokenID,
			}).
			SetResult(&result).
			Get("/balance-allowance")
		if err != nil {
			return nil, fmt.Errorf("fetch token balance: %w", err)
		}
		if err := classifyResponse(resp); err != nil {
			return nil, err
		}
		micro, err := strconv.ParseInt(result.Balance, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse token balance %q: %w", result.Balance, err)
		}
		return float64(micro) / 1e6, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// FetchMarketParams fetches tick size and neg-risk for a token in parallel.
// Implements marketdata.ParamsSource.
func (c *Client) FetchMarketParams(ctx context.Context, tokenID string) (marketdata.TokenParams, error) {
	var params marketdata.TokenParams

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.throttle.Do(ctx, "clob", "GET /tick-size "+tokenID, func(ctx context.Context) (any, error) {
			var result struct {
				MinimumTickSize float64 `json:"minimum_tick_size"`
			}
			resp, err := c.clob.R().
				SetContext(ctx).
				SetQueryParam("token_id", tokenID).
				SetResult(&result).
				Get("/tick-size")
			if err != nil {
				return nil, fmt.Errorf("fetch tick size: %w", err)
			}
			if err := classifyResponse(resp); err != nil {
				return nil, err
			}
			return result.MinimumTickSize, nil
		})
		if err != nil {
			return err
		}
		params.TickSize = tickSizeFromFloat(v.(float64))
		return nil
	})
	g.Go(func() error {
		v, err := c.throttle.Do(ctx, "clob", "GET /neg-risk "+tokenID, func(ctx context.Context) (any, error) {
			var result struct {
				NegRisk bool `json:"neg_risk"`
			}
			resp, err := c.clob.R().
				SetContext(ctx).
				SetQueryParam("token_id", tokenID).
				SetResult(&result).
				Get("/neg-risk")
			if err != nil {
				return nil, fmt.Errorf("fetch neg risk: %w", err)
			}
			if err := classifyResponse(resp); err != nil {
				return nil, err
			}
			return result.NegRisk, nil
		})
		if err != nil {
			return err
		}
		params.NegRisk = v.(bool)
		return nil
	})

	if err := g.Wait(); err != nil {
		return marketdata.TokenParams{}, err
	}
	return params, nil
}

// Midpoint returns the book midpoint for a token.
func (c *Client) Midpoint(ctx context.Context, tokenID string) (float64, error) {
	v, err := c.throttle.Do(ctx, "clob", "GET /midpoint "+tokenID, func(ctx context.Context) (any, error) {
		var result struct {
			Mid string `json:"mid"`
		}
		resp, err := c.clob.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&result).
			Get("/midpoint")
		if err != nil {
			return nil, fmt.Errorf("fetch midpoint: %w", err)
		}
		if err := classifyResponse(resp); err != nil {
			return nil, err
		}
		mid, err := strconv.ParseFloat(result.Mid, 64)
		if err != nil {
			return nil, fmt.Errorf("parse midpoint %q: %w", result.Mid, err)
		}
		return mid, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and stores
// them on the auth provider.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), TruncateError(resp.String()))
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// classifyResponse maps HTTP failure shapes to typed errors. Cloudflare
// serves HTML block pages with status 200 or 403; those are treated the
// same as an explicit 429.
func classifyResponse(resp *resty.Response) error {
	if resp.StatusCode() == http.StatusTooManyRequests || isHTMLBody(resp) {
		return &RateLimitError{Detail: "API rate limited or blocked"}
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), TruncateError(resp.String()))
	}
	return nil
}

func isHTMLBody(resp *resty.Response) bool {
	if strings.Contains(resp.Header().Get("Content-Type"), "text/html") {
		return true
	}
	body := strings.TrimSpace(resp.String())
	return strings.HasPrefix(body, "<!DOCTYPE") || strings.HasPrefix(body, "<html")
}

// TruncateError caps exchange error text so one giant HTML page cannot
// flood the logs or the persisted error history.
func TruncateError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}

func tickSizeFromFloat(v float64) types.TickSize {
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
