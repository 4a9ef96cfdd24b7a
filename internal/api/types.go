package api

import (
	"time"

	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/pkg/types"
)

// StreamEvent wraps everything pushed over the dashboard websocket.
type StreamEvent struct {
	Type      string    `json:"type"` // "snapshot"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// AccountSummary is the redacted account view for the roster endpoint.
type AccountSummary struct {
	ID            string              `json:"id"`
	Label         string              `json:"label,omitempty"`
	FunderAddress string              `json:"funderAddress,omitempty"`
	SignatureType types.SignatureType `json:"signatureType"`
	Active        bool                `json:"active"`
}

// StatusSnapshot is the complete dashboard state.
type StatusSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Status    engine.Status `json:"status"`

	// Paper account detail; zero-valued under live intent.
	Stats         types.TradeStats `json:"stats"`
	Positions     []types.Position `json:"positions"`
	RealizedPnl   float64          `json:"realizedPnl"`
	UnrealizedPnl float64          `json:"unrealizedPnl"`

	RecentErrors []engine.ErrorEntry `json:"recentErrors,omitempty"`
}
