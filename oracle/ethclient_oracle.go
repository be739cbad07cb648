package oracle

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	tychotypes "github.com/tychosim/poolsim/types"
)

// EthClientOracle implements QueryOracle against a live JSON-RPC endpoint
// using go-ethereum's own ethclient.Client: eth_getBalance,
// eth_getTransactionCount, eth_getCode and eth_getStorageAt calls, each
// made with context.Background() (no cancellation or deadline).
type EthClientOracle struct {
	client *ethclient.Client
}

var _ QueryOracle = (*EthClientOracle)(nil)

// Dial connects to endpoint and wraps it as a QueryOracle.
func Dial(endpoint string) (*EthClientOracle, error) {
	client, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &EthClientOracle{client: client}, nil
}

// NewEthClientOracle wraps an already-dialed client, useful for tests and
// for callers that share one client across several oracles/backends.
func NewEthClientOracle(client *ethclient.Client) *EthClientOracle {
	return &EthClientOracle{client: client}
}

func blockArg(block tychotypes.BlockHeader) *big.Int {
	if block.Number == 0 {
		return nil // "latest"
	}
	return new(big.Int).SetUint64(block.Number)
}

// AccountInfo fetches balance, nonce and code for addr at block.
func (o *EthClientOracle) AccountInfo(addr common.Address, block tychotypes.BlockHeader) (tychotypes.AccountInfo, error) {
	ctx := context.Background()
	num := blockArg(block)

	balance, err := o.client.BalanceAt(ctx, addr, num)
	if err != nil {
		log.Warn("oracle: BalanceAt failed", "addr", addr, "block", block.Number, "err", err)
		return tychotypes.AccountInfo{}, err
	}
	nonce, err := o.client.NonceAt(ctx, addr, num)
	if err != nil {
		log.Warn("oracle: NonceAt failed", "addr", addr, "block", block.Number, "err", err)
		return tychotypes.AccountInfo{}, err
	}
	code, err := o.client.CodeAt(ctx, addr, num)
	if err != nil {
		log.Warn("oracle: CodeAt failed", "addr", addr, "block", block.Number, "err", err)
		return tychotypes.AccountInfo{}, err
	}

	return tychotypes.NewAccountInfo(balance, nonce, code), nil
}

// Storage fetches a single storage slot for addr at block.
func (o *EthClientOracle) Storage(addr common.Address, slot common.Hash, block tychotypes.BlockHeader) (common.Hash, error) {
	val, err := o.client.StorageAt(context.Background(), addr, slot, blockArg(block))
	if err != nil {
		log.Warn("oracle: StorageAt failed", "addr", addr, "slot", slot, "block", block.Number, "err", err)
		return common.Hash{}, err
	}
	return common.BytesToHash(val), nil
}
