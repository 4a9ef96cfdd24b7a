package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/internal/executor"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/mode"
	"polymarket-copytrader/internal/snapshot"
	"polymarket-copytrader/pkg/types"
)

// Engine is the slice of the supervisor the dashboard reads and drives.
type Engine interface {
	Mode() types.Mode
	StatusReport() engine.Status
	RecentErrors() []engine.ErrorEntry
	Ledger() *ledger.Ledger
	Recorder() *snapshot.Recorder
	Modes() *mode.Controller
	Executor() executor.Executor
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	eng    Engine
	cfg    config.DashboardConfig
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(eng Engine, cfg config.DashboardConfig, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		eng:    eng,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encoding failed", "error", err)
	}
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the engine health summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.eng.StatusReport())
}

// HandleSnapshot returns the full dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, BuildSnapshot(h.eng))
}

// HandleChart returns the equity history for the active mode.
func (h *Handlers) HandleChart(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.eng.Recorder().History())
}

// HandleErrors returns the bounded recent-error log.
func (h *Handlers) HandleErrors(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.eng.RecentErrors())
}

// HandlePositions returns open positions from the active executor. Before
// the engine has started there is no executor yet; live intent then serves
// an empty list, never the paper ledger.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	if exec := h.eng.Executor(); exec != nil {
		positions, err := exec.QueryPositions(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		h.writeJSON(w, positions)
		return
	}
	if h.eng.Mode() == types.ModeLive {
		h.writeJSON(w, []types.Position{})
		return
	}
	h.writeJSON(w, BuildSnapshot(h.eng).Positions)
}

// HandleTrades returns the trade history, with the same live-intent guard
// as HandlePositions.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	if exec := h.eng.Executor(); exec != nil {
		trades, err := exec.QueryTrades(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		h.writeJSON(w, trades)
		return
	}
	if h.eng.Mode() == types.ModeLive {
		h.writeJSON(w, []types.Trade{})
		return
	}
	h.writeJSON(w, h.eng.Ledger().State().Trades)
}

// HandleAccounts lists the roster (GET) or adds an account (POST).
func (h *Handlers) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	modes := h.eng.Modes()
	switch r.Method {
	case http.MethodGet:
		active, _ := modes.ActiveAccount()
		out := make([]AccountSummary, 0)
		for _, a := range modes.Accounts() {
			out = append(out, AccountSummary{
				ID:            a.ID,
				Label:         a.Label,
				FunderAddress: a.FunderAddress,
				SignatureType: a.SignatureType,
				Active:        a.ID == active.ID,
			})
		}
		h.writeJSON(w, out)
	case http.MethodPost:
		var acct types.AccountConfig
		if err := json.NewDecoder(r.Body).Decode(&acct); err != nil {
			http.Error(w, "invalid account payload", http.StatusBadRequest)
			return
		}
		id, err := modes.AddAccount(acct)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.writeJSON(w, map[string]string{"id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleActivate switches live intent to the named account. The change
// applies on the next engine start.
func (h *Handlers) HandleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "account id required", http.StatusBadRequest)
		return
	}
	if err := h.eng.Modes().Activate(req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.writeJSON(w, map[string]string{"status": "restart required"})
}

// HandleDeactivate clears the active account.
func (h *Handlers) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.eng.Modes().Deactivate()
	h.writeJSON(w, map[string]string{"status": "restart required"})
}

// HandleWebSocket upgrades the connection and registers a stream client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	data, err := json.Marshal(StreamEvent{Type: "snapshot", Data: BuildSnapshot(h.eng)})
	if err != nil {
		h.logger.Error("initial snapshot marshal failed", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// isOriginAllowed implements the browser origin policy: empty origins and
// localhost are always fine, the configured allowlist is exact-match, and
// a same-host origin passes when no allowlist is set.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}
