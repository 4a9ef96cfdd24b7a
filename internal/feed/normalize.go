// Package feed ingests target-wallet activity from the real-time stream
// and the per-target HTTP pollers, normalizes it into ActivityEvents, and
// emits it downstream exactly once per (target, tradeID).
package feed

import (
	"encoding/json"
	"fmt"
	"strings"

	"polymarket-copytrader/pkg/types"
)

// millisecond epoch threshold: values below are unix seconds.
const msEpochFloor = 1e12

// rawActivity tolerates every field alias the activity endpoints use. The
// websocket payload, the data-API poller and older API revisions disagree
// on names; this is the only place those aliases exist.
type rawActivity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Wallet          string  `json:"wallet"`
	TransactionHash string  `json:"transactionHash"`
	Hash            string  `json:"hash"`
	Asset           string  `json:"asset"`
	TokenID         string  `json:"tokenId"`
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	MarketSlug      string  `json:"marketSlug"`
	EventSlug       string  `json:"eventSlug"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    *int    `json:"outcomeIndex"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size"`
	Shares          float64 `json:"shares"`
	Amount          float64 `json:"amount"`
	Timestamp       int64   `json:"timestamp"`
	Type            string  `json:"type"`
}

// normalize maps a raw activity record into the canonical event. It
// returns false for activity types that are never replicated
// (REWARD, CONVERSION, MAKER_REBATE) and for records missing a wallet or
// token.
func normalize(raw rawActivity) (types.ActivityEvent, bool) {
	wallet := types.NormalizeWallet(firstNonEmpty(raw.ProxyWallet, raw.Wallet))
	tokenID := firstNonEmpty(raw.Asset, raw.TokenID)
	if wallet == "" || tokenID == "" {
		return types.ActivityEvent{}, false
	}

	activityType := types.ActivityType(strings.ToUpper(strings.TrimSpace(raw.Type)))
	switch activityType {
	case "":
		activityType = types.ActivityTrade
	case types.ActivityTrade, types.ActivitySplit, types.ActivityMerge, types.ActivityRedeem:
	default:
		return types.ActivityEvent{}, false
	}

	side := activityType.ReplicationSide(types.Side(strings.ToUpper(raw.Side)))
	if side != types.BUY && side != types.SELL {
		return types.ActivityEvent{}, false
	}

	size := firstNonZero(raw.Size, raw.Shares, raw.Amount)

	ts := raw.Timestamp
	if ts > 0 && ts < msEpochFloor {
		ts *= 1000
	}

	outcome := types.OutcomeYes
	switch {
	case strings.EqualFold(raw.Outcome, "no"):
		outcome = types.OutcomeNo
	case raw.Outcome == "" && raw.OutcomeIndex != nil && *raw.OutcomeIndex == 1:
		outcome = types.OutcomeNo
	}

	txHash := firstNonEmpty(raw.TransactionHash, raw.Hash)

	return types.ActivityEvent{
		TargetWallet: wallet,
		TradeID:      tradeID(txHash, tokenID, side, size),
		Timestamp:    ts,
		TokenID:      tokenID,
		ConditionID:  raw.ConditionID,
		MarketSlug:   firstNonEmpty(raw.Slug, raw.MarketSlug, raw.EventSlug),
		Outcome:      outcome,
		Side:         side,
		Price:        raw.Price,
		SizeShares:   size,
		NotionalUSD:  raw.Price * size,
		ActivityType: activityType,
	}, true
}

// tradeID builds the stable dedup key. The same on-chain fill seen via the
// websocket and via the poller produces the same ID.
func tradeID(txHash, tokenID string, side types.Side, size float64) string {
	return fmt.Sprintf("%s-%s-%s-%s", txHash, tokenID, side,
		strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", size), "0"), "."))
}

// parseActivity decodes one raw activity JSON object.
func parseActivity(data []byte) (rawActivity, error) {
	var raw rawActivity
	if err := json.Unmarshal(data, &raw); err != nil {
		return rawActivity{}, fmt.Errorf("parse activity: %w", err)
	}
	return raw, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
