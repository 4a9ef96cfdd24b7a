package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCPool holds a ranked list of Polygon RPC endpoints and a lazily-dialed
// ethclient against the current one. When an endpoint starts rate limiting,
// Rotate advances to the next and the binding is rebuilt on the following
// call. The list wraps around; a single-endpoint pool just redials.
type RPCPool struct {
	endpoints []string
	logger    *slog.Logger

	mu     sync.Mutex
	idx    int
	client *ethclient.Client
}

// NewRPCPool creates a pool over the configured endpoint list.
func NewRPCPool(endpoints []string, logger *slog.Logger) (*RPCPool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no rpc endpoints configured")
	}
	return &RPCPool{
		endpoints: endpoints,
		logger:    logger.With("component", "rpc"),
	}, nil
}

// Client returns the ethclient for the current endpoint, dialing on demand.
func (p *RPCPool) Client(ctx context.Context) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	url := p.endpoints[p.idx]
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", url, err)
	}
	p.client = client
	p.logger.Info("rpc endpoint bound", "url", url)
	return client, nil
}

// Rotate drops the current binding and advances to the next endpoint.
func (p *RPCPool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.idx = (p.idx + 1) % len(p.endpoints)
	p.logger.Warn("rpc endpoint rotated", "next", p.endpoints[p.idx])
}

// Current returns the active endpoint URL.
func (p *RPCPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[p.idx]
}
