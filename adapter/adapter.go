package adapter

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tychosim/poolsim/abi"
	"github.com/tychosim/poolsim/engine"
	tychotypes "github.com/tychosim/poolsim/types"
)

// PriceScale is the fixed-point scale ISwapAdapter.price results are
// expressed in: a price of 1.0 is returned as PriceScale.
var PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	priceMethod        = mustMethod("price", []string{"bytes32", "address", "address", "uint256[]"}, []string{"uint256[]"})
	swapMethod         = mustMethod("swap", []string{"bytes32", "address", "address", "bool", "uint256"}, []string{"uint256", "uint256"})
	getLimitsMethod    = mustMethod("getLimits", []string{"bytes32", "address", "address"}, []string{"uint256", "uint256"})
	getCapsMethod      = mustMethod("getCapabilities", []string{"bytes32", "address", "address"}, []string{"uint256"})
	minGasUsageMethod  = mustMethod("minGasUsage", []string{}, []string{"uint256"})
	capabilityBitOrder = []tychotypes.Capability{
		tychotypes.SellSide,
		tychotypes.BuySide,
		tychotypes.PriceFunction,
		tychotypes.FeeOnTransfer,
		tychotypes.ConstantPrice,
		tychotypes.TokenBalanceIndependent,
		tychotypes.ScaledPrices,
		tychotypes.HardLimits,
		tychotypes.MarginalPrice,
	}
)

func mustMethod(name string, in, out []string) *abi.Method {
	m, err := abi.NewMethod(name, in, out)
	if err != nil {
		panic(err)
	}
	return m
}

// Adapter is the typed facade over a deployed ISwapAdapter contract: every
// method composes its overrides and delegates to engine.Engine.Simulate,
// so callers never touch ABI encoding or call plumbing directly.
type Adapter struct {
	eng           *engine.Engine
	Address       common.Address
	Code          []byte
	Caller        common.Address
	StatelessCode map[common.Address][]byte
}

// New builds an Adapter bound to the adapter contract deployed (virtually)
// at address with the given runtime code, executing calls as caller.
func New(eng *engine.Engine, address common.Address, code []byte, caller common.Address) *Adapter {
	return &Adapter{
		eng:           eng,
		Address:       address,
		Code:          code,
		Caller:        caller,
		StatelessCode: make(map[common.Address][]byte),
	}
}

// simulate runs data against the adapter contract. overrides is expected to
// already carry the full precedence composition (caller overrides, pool
// overlay, ERC20 overrides); building that composition is the pool
// layer's job (see MergeOverrides), since only it knows the pool's overlay
// and token balances.
func (a *Adapter) simulate(data []byte, block tychotypes.BlockHeader, overrides map[common.Address]map[common.Hash]common.Hash) (*engine.Result, error) {
	return a.eng.Simulate(engine.Params{
		Caller:    a.Caller,
		To:        a.Address,
		Data:      data,
		Block:     block,
		Code:      a.Code,
		Codes:     a.StatelessCode,
		Overrides: overrides,
	})
}

// MergeOverrides layers override sets in ascending-precedence order: later
// arguments win. Callers pass layers from lowest to highest precedence.
func MergeOverrides(layers ...map[common.Address]map[common.Hash]common.Hash) map[common.Address]map[common.Hash]common.Hash {
	out := make(map[common.Address]map[common.Hash]common.Hash)
	for _, layer := range layers {
		for addr, slots := range layer {
			dst, ok := out[addr]
			if !ok {
				dst = make(map[common.Hash]common.Hash, len(slots))
				out[addr] = dst
			}
			for slot, val := range slots {
				dst[slot] = val
			}
		}
	}
	return out
}

// Price returns the marginal price at each of amounts, scaled by
// PriceScale
func (a *Adapter) Price(pairID [32]byte, sellToken, buyToken common.Address, amounts []*big.Int, block tychotypes.BlockHeader, overrides map[common.Address]map[common.Hash]common.Hash) ([]*big.Int, error) {
	data, err := priceMethod.Pack(pairID, sellToken, buyToken, amounts)
	if err != nil {
		return nil, fmt.Errorf("adapter: pack price: %w", err)
	}
	result, err := a.simulate(data, block, overrides)
	if err != nil {
		return nil, err
	}
	vals, err := priceMethod.Unpack(result.ReturnData)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("adapter: unpack price: %w", err)
	}
	prices, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("adapter: price return not []uint256")
	}
	return prices, nil
}

// SwapResult is the decoded outcome of Swap: the executed amount (the
// swap's first ABI return value), the gas the engine measured for the
// call, and the state diff the caller must merge into its overlay.
type SwapResult struct {
	ExecutedAmount *big.Int
	GasUsed        uint64
	Overrides      map[common.Address]map[common.Hash]common.Hash
}

// Swap simulates a trade through the adapter.
func (a *Adapter) Swap(pairID [32]byte, sellToken, buyToken common.Address, isBuy bool, specifiedAmount *big.Int, block tychotypes.BlockHeader, overrides map[common.Address]map[common.Hash]common.Hash) (*SwapResult, error) {
	data, err := swapMethod.Pack(pairID, sellToken, buyToken, isBuy, specifiedAmount)
	if err != nil {
		return nil, fmt.Errorf("adapter: pack swap: %w", err)
	}
	result, err := a.simulate(data, block, overrides)
	if err != nil {
		return nil, err
	}
	vals, err := swapMethod.Unpack(result.ReturnData)
	if err != nil || len(vals) != 2 {
		return nil, fmt.Errorf("adapter: unpack swap: %w", err)
	}
	executed, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("adapter: swap executedAmount not uint256")
	}
	return &SwapResult{
		ExecutedAmount: executed,
		GasUsed:        result.GasUsed,
		Overrides:      result.StateUpdates,
	}, nil
}

// GetLimits returns (maxSell, maxBuy) for the pair
func (a *Adapter) GetLimits(pairID [32]byte, sellToken, buyToken common.Address, block tychotypes.BlockHeader, overrides map[common.Address]map[common.Hash]common.Hash) (maxSell, maxBuy *big.Int, err error) {
	data, err := getLimitsMethod.Pack(pairID, sellToken, buyToken)
	if err != nil {
		return nil, nil, fmt.Errorf("adapter: pack getLimits: %w", err)
	}
	result, err := a.simulate(data, block, overrides)
	if err != nil {
		return nil, nil, err
	}
	vals, err := getLimitsMethod.Unpack(result.ReturnData)
	if err != nil || len(vals) != 2 {
		return nil, nil, fmt.Errorf("adapter: unpack getLimits: %w", err)
	}
	maxSell, ok1 := vals[0].(*big.Int)
	maxBuy, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("adapter: getLimits return not (uint256,uint256)")
	}
	return maxSell, maxBuy, nil
}

// GetCapabilities returns the capability set advertised for the pair,
// decoded from the adapter's bitset return per the fixed bit order in
// capabilityBitOrder.
func (a *Adapter) GetCapabilities(pairID [32]byte, sellToken, buyToken common.Address, block tychotypes.BlockHeader, overrides map[common.Address]map[common.Hash]common.Hash) (tychotypes.CapabilitySet, error) {
	data, err := getCapsMethod.Pack(pairID, sellToken, buyToken)
	if err != nil {
		return nil, fmt.Errorf("adapter: pack getCapabilities: %w", err)
	}
	result, err := a.simulate(data, block, overrides)
	if err != nil {
		return nil, err
	}
	vals, err := getCapsMethod.Unpack(result.ReturnData)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("adapter: unpack getCapabilities: %w", err)
	}
	bits, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("adapter: getCapabilities return not uint256")
	}
	set := make(tychotypes.CapabilitySet)
	for i, c := range capabilityBitOrder {
		if bits.Bit(i) == 1 {
			set[c] = struct{}{}
		}
	}
	return set, nil
}

// MinGasUsage returns the adapter's declared minimum gas cost per call.
func (a *Adapter) MinGasUsage(block tychotypes.BlockHeader) (*big.Int, error) {
	data, err := minGasUsageMethod.Pack()
	if err != nil {
		return nil, fmt.Errorf("adapter: pack minGasUsage: %w", err)
	}
	result, err := a.simulate(data, block, nil)
	if err != nil {
		return nil, err
	}
	vals, err := minGasUsageMethod.Unpack(result.ReturnData)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("adapter: unpack minGasUsage: %w", err)
	}
	gas, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("adapter: minGasUsage return not uint256")
	}
	return gas, nil
}
