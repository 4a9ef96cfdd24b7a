// Package mode resolves which trading mode the engine runs in.
//
// The controller derives the effective mode from the account roster and the
// dry-run overlay:
//
//	active account set            -> LIVE (dry-run never downgrades live intent)
//	no active account, dry-run    -> DRY_RUN
//	no active account             -> config mode (paper unless wallet-configured live)
//
// Accounts live in accounts.json next to the other state documents. A LIVE
// resolution is a statement of intent: the supervisor must refuse to start
// if live initialization fails, never silently fall back to paper.
package mode

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

const accountsDoc = "accounts.json"

// ErrAccountNotFound is returned when activating or removing an unknown ID.
var ErrAccountNotFound = errors.New("account not found")

type accountsState struct {
	Accounts []types.AccountConfig `json:"accounts"`
	ActiveID string                `json:"activeAccountId,omitempty"`
}

// Controller owns the account roster and the effective-mode decision.
type Controller struct {
	store  *store.Store
	logger *slog.Logger

	mu         sync.Mutex
	state      accountsState
	dryRun     bool
	configMode types.Mode
}

// New loads accounts.json (a missing file is a fresh roster) and registers
// it with the store writer.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Controller, error) {
	c := &Controller{
		store:      st,
		logger:     logger.With("component", "mode"),
		dryRun:     cfg.Risk.DryRun || cfg.IntendedMode() == types.ModeDryRun,
		configMode: cfg.IntendedMode(),
	}

	if err := st.Load(accountsDoc, &c.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	// A dangling active ID (account deleted out of band) reverts to paper.
	if c.state.ActiveID != "" && c.findLocked(c.state.ActiveID) == nil {
		c.logger.Warn("active account missing from roster, clearing", "id", c.state.ActiveID)
		c.state.ActiveID = ""
	}

	st.Register(accountsDoc, func() any {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state
	})

	c.logger.Info("mode resolved", "mode", c.Mode(), "accounts", len(c.state.Accounts))
	return c, nil
}

// Mode returns the effective trading mode.
func (c *Controller) Mode() types.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.ActiveID != "" {
		return types.ModeLive
	}
	if c.configMode == types.ModeLive {
		return types.ModeLive
	}
	if c.dryRun {
		return types.ModeDryRun
	}
	return types.ModePaper
}

// IsLive reports whether the engine trades real funds.
func (c *Controller) IsLive() bool { return c.Mode() == types.ModeLive }

// ActiveAccount returns a copy of the active account, if any.
func (c *Controller) ActiveAccount() (types.AccountConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acct := c.findLocked(c.state.ActiveID); acct != nil {
		return *acct, true
	}
	return types.AccountConfig{}, false
}

// Accounts returns the roster with private keys and API secrets blanked,
// suitable for the status API.
func (c *Controller) Accounts() []types.AccountConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.AccountConfig, 0, len(c.state.Accounts))
	for _, a := range c.state.Accounts {
		a.PrivateKey = ""
		a.APISecret = ""
		a.APIPassphrase = ""
		out = append(out, a)
	}
	return out
}

// AddAccount stores a new account and returns its assigned ID.
func (c *Controller) AddAccount(acct types.AccountConfig) (string, error) {
	if acct.PrivateKey == "" {
		return "", errors.New("account private key is required")
	}
	if acct.SignatureType != types.SigEOA && acct.FunderAddress == "" {
		return "", errors.New("proxy signature types require a funder address")
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}

	c.mu.Lock()
	if c.findLocked(acct.ID) != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("account %s already exists", acct.ID)
	}
	c.state.Accounts = append(c.state.Accounts, acct)
	c.mu.Unlock()

	c.store.MarkDirty(accountsDoc)
	c.logger.Info("account added", "id", acct.ID, "label", acct.Label)
	return acct.ID, nil
}

// RemoveAccount deletes an account; removing the active one drops live intent.
func (c *Controller) RemoveAccount(id string) error {
	c.mu.Lock()
	idx := -1
	for i := range c.state.Accounts {
		if c.state.Accounts[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrAccountNotFound)
	}
	c.state.Accounts = append(c.state.Accounts[:idx], c.state.Accounts[idx+1:]...)
	wasActive := c.state.ActiveID == id
	if wasActive {
		c.state.ActiveID = ""
	}
	c.mu.Unlock()

	c.store.MarkDirty(accountsDoc)
	c.logger.Info("account removed", "id", id, "was_active", wasActive)
	return nil
}

// Activate marks an account as active, switching the engine to LIVE intent.
// The change takes effect on the next engine start.
func (c *Controller) Activate(id string) error {
	c.mu.Lock()
	if c.findLocked(id) == nil {
		c.mu.Unlock()
		return fmt.Errorf("activate %s: %w", id, ErrAccountNotFound)
	}
	c.state.ActiveID = id
	c.mu.Unlock()

	c.store.MarkDirty(accountsDoc)
	c.logger.Info("account activated, live intent set", "id", id)
	return nil
}

// Deactivate clears the active account, reverting to the configured mode.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	c.state.ActiveID = ""
	c.mu.Unlock()

	c.store.MarkDirty(accountsDoc)
	c.logger.Info("account deactivated")
}

func (c *Controller) findLocked(id string) *types.AccountConfig {
	if id == "" {
		return nil
	}
	for i := range c.state.Accounts {
		if c.state.Accounts[i].ID == id {
			return &c.state.Accounts[i]
		}
	}
	return nil
}
