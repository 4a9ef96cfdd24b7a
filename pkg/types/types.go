// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copy trader — activity
// events, orders, positions, ledger trades, and WebSocket payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Outcome identifies which leg of a binary market a token represents.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ActivityType classifies what a target wallet did on chain.
// REWARD, CONVERSION and MAKER_REBATE never reach the engine; the ingester
// filters them at the boundary.
type ActivityType string

const (
	ActivityTrade  ActivityType = "TRADE"
	ActivitySplit  ActivityType = "SPLIT"  // USDC -> full YES+NO set, replicated as BUY
	ActivityMerge  ActivityType = "MERGE"  // full set -> USDC, replicated as SELL
	ActivityRedeem ActivityType = "REDEEM" // settle winning tokens, replicated as SELL
)

// ReplicationSide maps an activity to the side the replica order takes.
// SPLIT behaves like a BUY, MERGE and REDEEM like a SELL.
func (a ActivityType) ReplicationSide(tradeSide Side) Side {
	switch a {
	case ActivitySplit:
		return BUY
	case ActivityMerge, ActivityRedeem:
		return SELL
	default:
		return tradeSide
	}
}

// Mode is the engine's trading mode.
type Mode string

const (
	ModePaper  Mode = "paper"
	ModeLive   Mode = "live"
	ModeDryRun Mode = "dry-run"
)

// OrderType enumerates supported order lifecycles. The engine only submits
// marketable GTC limit orders.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigMagicProxy SignatureType = 1 // Polymarket proxy / Magic wallet
	SigSafeProxy  SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01" // standard markets (most common)
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// Decimals returns the number of price decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Float returns the tick size as a float64 increment.
func (t TickSize) Float() float64 {
	switch t {
	case Tick01:
		return 0.1
	case Tick0001:
		return 0.001
	case Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}

// ————————————————————————————————————————————————————————————————————————
// Activity events
// ————————————————————————————————————————————————————————————————————————

// ActivityEvent is the canonical, fully-typed record of something a target
// wallet did. Produced once by the ingester's normalizer; every downstream
// component (dedup, buffer, risk, executor) sees only this shape.
type ActivityEvent struct {
	TargetWallet string       `json:"targetWallet"` // lowercased hex address
	TradeID      string       `json:"tradeId"`      // stable dedup key: txHash x token x side x size
	Timestamp    int64        `json:"timestamp"`    // ms since epoch, UTC
	TokenID      string       `json:"tokenId"`
	ConditionID  string       `json:"conditionId"`
	MarketSlug   string       `json:"marketSlug"`
	Outcome      Outcome      `json:"outcome"`
	Side         Side         `json:"side"`
	Price        float64      `json:"price"`       // in [0,1]
	SizeShares   float64      `json:"sizeShares"`  // >= 0
	NotionalUSD  float64      `json:"notionalUsd"` // price * size
	ActivityType ActivityType `json:"activityType"`
}

// Time returns the event timestamp as a time.Time.
func (e ActivityEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// NormalizeWallet lowercases a hex address so wallet comparisons are
// case-insensitive everywhere.
func NormalizeWallet(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is the replica order the engine wants on the book. LimitPrice is
// already slippage-adjusted and tick-rounded by the executor.
type Order struct {
	TokenID    string
	Side       Side
	LimitPrice float64 // in [0.01, 0.99], rounded to tick
	Size       float64 // shares
	OrderType  OrderType
	TickSize   TickSize
	NegRisk    bool
	FeeRateBps int
}

// OrderResponse is what the CLOB returns for a posted order. Success means
// an order ID was assigned or the order matched on-chain immediately
// (non-empty transaction hashes). At most one of OrderID / error text is set.
type OrderResponse struct {
	OrderID            string   `json:"orderID"`
	TransactionsHashes []string `json:"transactionsHashes"`
	ErrorMsg           string   `json:"errorMsg"`
	Error              string   `json:"error"`
	Message            string   `json:"message"`
	Status             string   `json:"status"`
}

// Succeeded reports whether the exchange accepted the order.
func (r OrderResponse) Succeeded() bool {
	return r.OrderID != "" || len(r.TransactionsHashes) > 0
}

// ErrorText returns whichever error field the exchange populated.
func (r OrderResponse) ErrorText() string {
	switch {
	case r.ErrorMsg != "":
		return r.ErrorMsg
	case r.Error != "":
		return r.Error
	default:
		return r.Message
	}
}

// Fill reports the executed portion of a submitted order.
type Fill struct {
	OrderID       string
	ExecutedPrice float64
	ExecutedSize  float64
	Fees          float64
	LatencyMs     int64
}

// ————————————————————————————————————————————————————————————————————————
// Execution results
// ————————————————————————————————————————————————————————————————————————

// ExecStatus is the outcome class of one replication attempt. The executor
// always produces exactly one of these; it never propagates errors upstream
// to the ingester.
type ExecStatus string

const (
	ExecExecuted ExecStatus = "executed"
	ExecSkipped  ExecStatus = "skipped"
	ExecFailed   ExecStatus = "failed"
)

// SkipReason names why an event was not replicated.
type SkipReason string

const (
	SkipBelowMinimumShares SkipReason = "BelowMinimumShares"
	SkipPerTradeCap        SkipReason = "PerTradeCap"
	SkipPerMarketCap       SkipReason = "PerMarketCap"
	SkipDailyCap           SkipReason = "DailyCap"
	SkipDenylisted         SkipReason = "Denylisted"
	SkipNotAllowlisted     SkipReason = "NotAllowlisted"
	SkipInsufficientFunds  SkipReason = "InsufficientFunds"
	SkipInsufficientShares SkipReason = "InsufficientShares"
	SkipRateLimited        SkipReason = "RateLimited"
	SkipOrderRejected      SkipReason = "OrderRejected"
	SkipNoPosition         SkipReason = "NoPosition"
)

// ExecResult is the executor's verdict for one ActivityEvent.
type ExecResult struct {
	Status ExecStatus
	Reason SkipReason // set when Status == ExecSkipped
	Detail string     // optional human-readable context (exchange message, rule name)
	Err    error      // set when Status == ExecFailed
	Fill   *Fill      // set when Status == ExecExecuted (live/paper)
}

// Executed builds a success result.
func Executed(fill *Fill) ExecResult {
	return ExecResult{Status: ExecExecuted, Fill: fill}
}

// Skipped builds a skip result.
func Skipped(reason SkipReason) ExecResult {
	return ExecResult{Status: ExecSkipped, Reason: reason}
}

// SkippedWith builds a skip result carrying extra context.
func SkippedWith(reason SkipReason, detail string) ExecResult {
	return ExecResult{Status: ExecSkipped, Reason: reason, Detail: detail}
}

// Failed builds a failure result.
func Failed(err error) ExecResult {
	return ExecResult{Status: ExecFailed, Err: err}
}

func (r ExecResult) String() string {
	switch r.Status {
	case ExecSkipped:
		return fmt.Sprintf("skipped(%s)", r.Reason)
	case ExecFailed:
		return fmt.Sprintf("failed(%v)", r.Err)
	default:
		return string(r.Status)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Ledger state
// ————————————————————————————————————————————————————————————————————————

// Position is an open holding in one outcome token. AvgEntryPrice is
// totalCost/shares (0 when flat). When shares reach 0 the position is
// deleted in paper mode, or flagged settled with SettlementPnl.
type Position struct {
	TokenID       string    `json:"tokenId"`
	ConditionID   string    `json:"conditionId"`
	MarketSlug    string    `json:"marketSlug"`
	Outcome       Outcome   `json:"outcome"`
	Shares        float64   `json:"shares"`
	TotalCost     float64   `json:"totalCost"`
	AvgEntryPrice float64   `json:"avgEntryPrice"`
	CurrentPrice  float64   `json:"currentPrice,omitempty"`
	FeesPaid      float64   `json:"feesPaid"`
	OpenedAt      time.Time `json:"openedAt"`
	Settled       bool      `json:"settled,omitempty"`
	SettlementPnl float64   `json:"settlementPnl,omitempty"`
}

// Trade is an append-only ledger entry. Pnl is set on SELLs at the time of
// the FIFO match. In paper mode the trade log is the system of record; in
// live mode it mirrors what the exchange reported.
type Trade struct {
	ID           string  `json:"id"`
	Timestamp    int64   `json:"timestamp"` // ms
	TokenID      string  `json:"tokenId"`
	ConditionID  string  `json:"conditionId"`
	MarketSlug   string  `json:"marketSlug"`
	Outcome      Outcome `json:"outcome"`
	Side         Side    `json:"side"`
	Price        float64 `json:"price"`
	Shares       float64 `json:"shares"`
	USDValue     float64 `json:"usdValue"`
	Fees         float64 `json:"fees"`
	Pnl          float64 `json:"pnl,omitempty"`
	HasPnl       bool    `json:"hasPnl,omitempty"`
	TargetWallet string  `json:"targetWallet,omitempty"`
	TradeID      string  `json:"tradeId,omitempty"` // source event dedup key
}

// TradeStats is the rolled-up performance summary derived from SELL pnl.
type TradeStats struct {
	TotalRealizedPnl float64 `json:"totalRealizedPnl"`
	WinningTrades    int     `json:"winningTrades"`
	LosingTrades     int     `json:"losingTrades"`
	LargestWin       float64 `json:"largestWin"`
	LargestLoss      float64 `json:"largestLoss"`
	GrossWins        float64 `json:"grossWins"`
	GrossLosses      float64 `json:"grossLosses"` // negative or zero
	TotalFees        float64 `json:"totalFees"`
	TotalTrades      int     `json:"totalTrades"`
}

// WinRate returns winning/(winning+losing), 0 when no closed trades.
func (s TradeStats) WinRate() float64 {
	closed := s.WinningTrades + s.LosingTrades
	if closed == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(closed)
}

// ProfitFactor returns grossWins / |grossLosses|: +Inf when there are wins
// and no losses, 0 when there are no wins.
func (s TradeStats) ProfitFactor() float64 {
	if s.GrossLosses == 0 {
		if s.GrossWins > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return s.GrossWins / math.Abs(s.GrossLosses)
}

// PaperState is the complete simulated account: balance, open positions,
// trade log, and stats. Owned by the ledger goroutine (single writer).
type PaperState struct {
	StartingBalance float64              `json:"startingBalance"`
	CurrentBalance  float64              `json:"currentBalance"`
	Positions       map[string]*Position `json:"positions"` // keyed by tokenID
	Trades          []Trade              `json:"trades"`
	Stats           TradeStats           `json:"stats"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// Snapshot is one equity sample for charting.
type Snapshot struct {
	Timestamp     int64   `json:"timestamp"` // ms
	Balance       float64 `json:"balance"`
	RealizedPnl   float64 `json:"realizedPnl"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	TotalPnl      float64 `json:"totalPnl"`
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// AccountConfig holds the credentials for one live trading account.
// Activating an account transitions the mode controller to LIVE intent.
type AccountConfig struct {
	ID            string        `json:"id"`
	Label         string        `json:"label,omitempty"`
	PrivateKey    string        `json:"privateKey"`
	APIKey        string        `json:"apiKey"`
	APISecret     string        `json:"apiSecret"`
	APIPassphrase string        `json:"apiPassphrase"`
	FunderAddress string        `json:"funderAddress,omitempty"`
	SignatureType SignatureType `json:"signatureType"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket messages
// ————————————————————————————————————————————————————————————————————————
// The real-time activity stream wraps every message in {topic, type, payload}.
// Topics consumed: activity/trades, activity/orders_matched.

// WSActivityTopics are the topics the ingester subscribes to.
var WSActivityTopics = []string{"activity/trades", "activity/orders_matched"}

// WSSubscribeMsg is the initial subscription sent after connecting.
type WSSubscribeMsg struct {
	Auth   *WSAuth  `json:"auth,omitempty"`
	Action string   `json:"action"` // "subscribe"
	Topics []string `json:"topics"`
}

// WSAuth carries the L2 API credentials for the authenticated stream.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSActivityPayload is the raw trade payload carried by activity topics.
// Field aliases (size/shares/amount, slug/eventSlug) are resolved by the
// ingester's normalizer; nothing downstream reads this type.
type WSActivityPayload struct {
	ProxyWallet     string  `json:"proxyWallet"`
	TransactionHash string  `json:"transactionHash"`
	Asset           string  `json:"asset"` // token ID
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	EventSlug       string  `json:"eventSlug"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size"`
	Timestamp       int64   `json:"timestamp"`
	Type            string  `json:"type"`
}
