package api

import (
	"time"

	"polymarket-copytrader/pkg/types"
)

// BuildSnapshot aggregates engine state into one dashboard payload.
// Live intent exposes only the health summary; position and trade detail
// for live accounts comes from the exchange-backed endpoints, never the
// paper ledger.
func BuildSnapshot(eng Engine) StatusSnapshot {
	snap := StatusSnapshot{
		Timestamp:    time.Now().UTC(),
		Status:       eng.StatusReport(),
		RecentErrors: eng.RecentErrors(),
	}

	if eng.Mode() == types.ModeLive {
		return snap
	}

	state := eng.Ledger().State()
	snap.Stats = state.Stats
	snap.RealizedPnl = state.Stats.TotalRealizedPnl
	snap.UnrealizedPnl = eng.Ledger().UnrealizedPnl()
	snap.Positions = make([]types.Position, 0, len(state.Positions))
	for _, pos := range state.Positions {
		snap.Positions = append(snap.Positions, *pos)
	}
	return snap
}
