package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Polygon mainnet addresses for the Gnosis conditional tokens framework.
const (
	conditionalTokensAddr = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	usdcAddr              = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	redeemGasLimit = 300_000
)

const redeemABIJSON = `[{
	"name": "redeemPositions",
	"type": "function",
	"inputs": [
		{"name": "collateralToken", "type": "address"},
		{"name": "parentCollectionId", "type": "bytes32"},
		{"name": "conditionId", "type": "bytes32"},
		{"name": "indexSets", "type": "uint256[]"}
	],
	"outputs": []
}]`

// Redeemer submits on-chain redeemPositions transactions for resolved
// markets. Only EOA wallets can redeem directly; proxy wallets settle
// through the Polymarket UI instead.
type Redeemer struct {
	pool   *RPCPool
	auth   *Auth
	abi    abi.ABI
	logger *slog.Logger
}

// NewRedeemer parses the redeem ABI and binds to the RPC pool.
func NewRedeemer(pool *RPCPool, auth *Auth, logger *slog.Logger) (*Redeemer, error) {
	parsed, err := abi.JSON(strings.NewReader(redeemABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse redeem abi: %w", err)
	}
	return &Redeemer{
		pool:   pool,
		auth:   auth,
		abi:    parsed,
		logger: logger.With("component", "redeem"),
	}, nil
}

// Redeem calls redeemPositions(USDC, 0x0, conditionID, [1, 2]) and returns
// the transaction hash. Index sets 1 and 2 cover both outcome slots of a
// binary market; the contract pays out only winning shares. A failing
// endpoint rotates the RPC pool and the error is returned for the caller's
// next sweep to retry.
func (r *Redeemer) Redeem(ctx context.Context, conditionID string) (string, error) {
	client, err := r.pool.Client(ctx)
	if err != nil {
		return "", err
	}

	var cond [32]byte
	copy(cond[:], common.HexToHash(conditionID).Bytes())

	data, err := r.abi.Pack("redeemPositions",
		common.HexToAddress(usdcAddr),
		[32]byte{},
		cond,
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
	)
	if err != nil {
		return "", fmt.Errorf("pack redeem call: %w", err)
	}

	from := r.auth.Address()
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		r.pool.Rotate()
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		r.pool.Rotate()
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	to := common.HexToAddress(conditionalTokensAddr)
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      redeemGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(r.auth.ChainID()), r.auth.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign redeem tx: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		r.pool.Rotate()
		return "", fmt.Errorf("send redeem tx: %w", err)
	}

	hash := signed.Hash().Hex()
	r.logger.Info("redeem submitted", "condition", conditionID, "tx", hash)
	return hash, nil
}
