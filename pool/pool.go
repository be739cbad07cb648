// Package pool implements the VM pool-state abstraction: a
// reusable wrapper that turns a generic on-chain adapter contract into a
// typed pool object supporting spot_price, get_amount_out, capability
// negotiation and delta-driven state transitions.
package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tychosim/poolsim/adapter"
	"github.com/tychosim/poolsim/erc20"
	"github.com/tychosim/poolsim/protosim"
	tychotypes "github.com/tychosim/poolsim/types"
)

// Reserved delta attribute names, interpreted specially by DeltaTransition.
const (
	attrBalanceOwner  = "balance_owner"
	attrManualUpdates = "manual_updates"
	attrUpdate        = "update"
)

const statelessAddrPrefix = "stateless_contract_addr_"
const statelessCodePrefix = "stateless_contract_code_"

// Errors shared with the protosim error enumeration: both wrap the
// corresponding protosim sentinel so errors.Is(err, protosim.ErrX) holds
// for errors this package returns, exactly as protosim.ConstantProductSim's
// errors already do.
var (
	ErrUnsupportedCapability = fmt.Errorf("pool: unsupported capability: %w", protosim.ErrUnsupportedCapability)
	ErrFatal                 = fmt.Errorf("pool: fatal configuration error: %w", protosim.ErrFatal)
)

// RetryDifferentInput is the recoverable "input over limit" error: the
// caller gets a partial result computed at the pool's max_sell together
// with the limit actually used.
type RetryDifferentInput struct {
	Partial *protosim.AmountOutResult
	Limit   *big.Int
}

func (e *RetryDifferentInput) Error() string {
	return fmt.Sprintf("pool: amount exceeds limit %s, partial result available", e.Limit.String())
}

// dirKey identifies one direction of a pair, used as the key of the
// per-direction spot_prices cache.
type dirKey struct {
	base, quote common.Address
}

// VMPoolState holds the per-pool overlay, caches and adapter wiring needed
// to simulate swaps against one deployed adapter contract.
type VMPoolState struct {
	ID           string
	PairID       [32]byte
	Tokens       []tychotypes.Token
	Block        tychotypes.BlockHeader
	Balances     map[common.Address]*big.Int
	BalanceOwner *common.Address

	AdapterAddress common.Address
	AdapterCode    []byte

	StatelessContracts map[common.Address][]byte
	InvolvedContracts  map[common.Address]struct{}
	TokenStorageSlots  map[common.Address]tychotypes.TokenStorageSlots

	ManualUpdates bool

	spotPrices   map[dirKey]float64
	capabilities tychotypes.CapabilitySet
	capsLoaded   bool

	Overrides map[common.Address]map[common.Hash]common.Hash

	// FeeRat is the pool's fee ratio. The uniform ISwapAdapter ABI has no
	// fee() method of its own, so protocols without an
	// on-adapter fee query carry it as a stored constant, populated from
	// the indexer snapshot's fee attribute (DeltaTransition does not
	// change it). Named FeeRat, not Fee, because Fee is the
	// method VMPoolState needs to satisfy protosim.ProtocolSim, and Go does not
	// allow a type to have both a field and a method of the same name.
	FeeRat *big.Rat

	adapterFactory func(code []byte, caller common.Address) *adapter.Adapter
	bruteforcer    *erc20.Bruteforcer

	// pendingStatelessAddrs holds stateless_contract_addr_<N> values whose
	// paired stateless_contract_code_<N> attribute was not in the same
	// delta, so a later delta carrying the code can complete the pair.
	pendingStatelessAddrs map[string]common.Address
}

// New constructs a VMPoolState. bruteforcer is used to synthesize ERC20
// overrides from Balances override composition.
// adapterFactory builds an *adapter.Adapter bound to an engine for each
// call, so tests can substitute a fake engine without importing package
// engine here.
func New(id string, tokens []tychotypes.Token, block tychotypes.BlockHeader, adapterAddress common.Address, adapterCode []byte, bruteforcer *erc20.Bruteforcer, adapterFactory func(code []byte, caller common.Address) *adapter.Adapter) *VMPoolState {
	return &VMPoolState{
		ID:                    id,
		PairID:                [32]byte(crypto.Keccak256Hash([]byte(id))),
		Tokens:                tokens,
		Block:                 block,
		Balances:              make(map[common.Address]*big.Int),
		AdapterAddress:        adapterAddress,
		AdapterCode:           adapterCode,
		StatelessContracts:    make(map[common.Address][]byte),
		InvolvedContracts:     make(map[common.Address]struct{}),
		TokenStorageSlots:     make(map[common.Address]tychotypes.TokenStorageSlots),
		spotPrices:            make(map[dirKey]float64),
		Overrides:             make(map[common.Address]map[common.Hash]common.Hash),
		adapterFactory:        adapterFactory,
		bruteforcer:           bruteforcer,
		pendingStatelessAddrs: make(map[string]common.Address),
	}
}

// clone deep-copies p so transition methods never mutate the receiver.
func (p *VMPoolState) clone() *VMPoolState {
	out := &VMPoolState{
		ID:                    p.ID,
		PairID:                p.PairID,
		Tokens:                append([]tychotypes.Token(nil), p.Tokens...),
		Block:                 p.Block,
		Balances:              make(map[common.Address]*big.Int, len(p.Balances)),
		AdapterAddress:        p.AdapterAddress,
		AdapterCode:           p.AdapterCode,
		StatelessContracts:    make(map[common.Address][]byte, len(p.StatelessContracts)),
		InvolvedContracts:     make(map[common.Address]struct{}, len(p.InvolvedContracts)),
		TokenStorageSlots:     make(map[common.Address]tychotypes.TokenStorageSlots, len(p.TokenStorageSlots)),
		ManualUpdates:         p.ManualUpdates,
		spotPrices:            make(map[dirKey]float64, len(p.spotPrices)),
		capabilities:          p.capabilities.Clone(),
		capsLoaded:            p.capsLoaded,
		Overrides:             make(map[common.Address]map[common.Hash]common.Hash, len(p.Overrides)),
		adapterFactory:        p.adapterFactory,
		bruteforcer:           p.bruteforcer,
		pendingStatelessAddrs: make(map[string]common.Address, len(p.pendingStatelessAddrs)),
	}
	if p.FeeRat != nil {
		out.FeeRat = new(big.Rat).Set(p.FeeRat)
	}
	for idx, addr := range p.pendingStatelessAddrs {
		out.pendingStatelessAddrs[idx] = addr
	}
	if p.BalanceOwner != nil {
		owner := *p.BalanceOwner
		out.BalanceOwner = &owner
	}
	for addr, bal := range p.Balances {
		out.Balances[addr] = new(big.Int).Set(bal)
	}
	for addr, code := range p.StatelessContracts {
		out.StatelessContracts[addr] = append([]byte(nil), code...)
	}
	for addr := range p.InvolvedContracts {
		out.InvolvedContracts[addr] = struct{}{}
	}
	for addr, slots := range p.TokenStorageSlots {
		out.TokenStorageSlots[addr] = slots
	}
	for k, v := range p.spotPrices {
		out.spotPrices[k] = v
	}
	for addr, slots := range p.Overrides {
		dst := make(map[common.Hash]common.Hash, len(slots))
		for slot, val := range slots {
			dst[slot] = val
		}
		out.Overrides[addr] = dst
	}
	return out
}

// owner returns the address whose balances are consulted: BalanceOwner if
// set, else the pool/adapter contract itself.
func (p *VMPoolState) owner() common.Address {
	if p.BalanceOwner != nil {
		return *p.BalanceOwner
	}
	return p.AdapterAddress
}

// newAdapter builds an *adapter.Adapter bound to this pool's adapter code
// and owner, carrying StatelessContracts so calls can reach them even
// though they are not otherwise part of the backend.
func (p *VMPoolState) newAdapter() *adapter.Adapter {
	a := p.adapterFactory(p.AdapterCode, p.owner())
	a.StatelessCode = p.StatelessContracts
	return a
}

// ensureCapabilities lazily populates capabilities via the adapter, the
// first time a capability-requiring call needs them, and caches them on p.
func (p *VMPoolState) ensureCapabilities(base, quote common.Address) error {
	if p.capsLoaded {
		return nil
	}
	a := p.newAdapter()
	caps, err := a.GetCapabilities(p.PairID, base, quote, p.Block, p.composeOverrides(base, quote))
	if err != nil {
		return fmt.Errorf("%w: get_capabilities: %v", ErrFatal, err)
	}
	p.capabilities = caps
	p.capsLoaded = true
	return nil
}

// composeOverrides builds the layered override map for a call touching
// base/quote: the pool's persistent overlay, then ERC20 overrides
// synthesized from Balances, in descending precedence (ERC20 overrides fill
// in balances the overlay doesn't already set).
func (p *VMPoolState) composeOverrides(base, quote common.Address) map[common.Address]map[common.Hash]common.Hash {
	erc20Overrides := p.synthesizeERC20Overrides(base, quote)
	return adapter.MergeOverrides(erc20Overrides, p.Overrides)
}

// synthesizeERC20Overrides makes each involved token behave as though the
// balance owner held the pool's recorded balance and had approved the
// adapter for the same amount: both slots are detected once per token and
// the combined record is cached on p. Detection failure on either slot
// leaves the token without synthesized overrides, per the slot-detection
// failure policy (the token is ineligible for simulation).
func (p *VMPoolState) synthesizeERC20Overrides(tokens ...common.Address) map[common.Address]map[common.Hash]common.Hash {
	out := make(map[common.Address]map[common.Hash]common.Hash)
	if p.bruteforcer == nil {
		return out
	}
	owner := p.owner()
	for _, token := range tokens {
		if _, involved := p.InvolvedContracts[token]; !involved {
			continue
		}
		balance, ok := p.Balances[token]
		if !ok {
			continue
		}
		slots, ok := p.TokenStorageSlots[token]
		if !ok {
			detected, err := p.bruteforcer.DetectBalanceSlot(token, owner, balance, p.Block)
			if err != nil {
				continue
			}
			allowanceSlot, allowanceLayout, err := p.bruteforcer.DetectAllowanceSlot(token, owner, p.AdapterAddress, balance, p.Block)
			if err != nil || allowanceLayout != detected.Layout {
				continue
			}
			detected.AllowanceSlot = allowanceSlot
			slots = detected
			p.TokenStorageSlots[token] = slots
		}
		out[token] = erc20.Overwrites(owner, p.AdapterAddress, slots, balance, balance)
	}
	return out
}

// SpotPrice returns the cached marginal price of quote in terms of base.
// Pure on cache hit: calling it twice with no intervening state change
// returns identical results.
func (p *VMPoolState) SpotPrice(base, quote tychotypes.Token) (float64, error) {
	key := dirKey{base: base.Address, quote: quote.Address}
	if v, ok := p.spotPrices[key]; ok {
		return v, nil
	}
	if err := p.ensureCapabilities(base.Address, quote.Address); err != nil {
		return 0, err
	}
	a := p.newAdapter()
	prices, err := a.Price(p.PairID, base.Address, quote.Address, []*big.Int{base.Unit()}, p.Block, p.composeOverrides(base.Address, quote.Address))
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: adapter returned no price", ErrFatal)
	}
	scaled := new(big.Float).SetInt(prices[0])
	scale := new(big.Float).SetInt(adapter.PriceScale)
	result, _ := new(big.Float).Quo(scaled, scale).Float64()
	p.spotPrices[key] = result
	return result, nil
}

// GetAmountOut simulates selling amountIn of tokenIn for tokenOut. self is
// never mutated; the returned NewState is an independent clone carrying
// the trade's effects. The *VMPoolState returned is boxed as a
// protosim.ProtocolSim so this method doubles as the interface
// implementation with no separate adapter method needed.
func (p *VMPoolState) GetAmountOut(amountIn *big.Int, tokenIn, tokenOut tychotypes.Token) (*protosim.AmountOutResult, error) {
	// Everything with a side effect (lazy capability loading, slot
	// detection inside override composition, absorbing the swap's diff)
	// runs against the successor clone, so the receiver stays untouched
	// on every path, error paths included.
	next := p.clone()
	if err := next.ensureCapabilities(tokenIn.Address, tokenOut.Address); err != nil {
		return nil, err
	}
	if !next.capabilities.Has(tychotypes.SellSide) {
		return nil, fmt.Errorf("%w: SellSide on pair %s/%s", ErrUnsupportedCapability, tokenIn.Symbol, tokenOut.Symbol)
	}

	a := next.newAdapter()
	overrides := next.composeOverrides(tokenIn.Address, tokenOut.Address)

	maxSell, _, err := a.GetLimits(next.PairID, tokenIn.Address, tokenOut.Address, next.Block, overrides)
	if err != nil {
		return nil, err
	}

	effective := amountIn
	limited := maxSell != nil && maxSell.Sign() > 0 && amountIn.Cmp(maxSell) > 0
	if limited {
		effective = maxSell
	}

	result, err := a.Swap(next.PairID, tokenIn.Address, tokenOut.Address, false, effective, next.Block, overrides)
	if err != nil {
		return nil, err
	}

	next.absorbSwapResult(result)
	outcome := &protosim.AmountOutResult{
		AmountOut: result.ExecutedAmount,
		GasUsed:   result.GasUsed,
		NewState:  next,
	}

	if limited {
		return nil, &RetryDifferentInput{Partial: outcome, Limit: maxSell}
	}
	return outcome, nil
}

// absorbSwapResult merges the swap's state diff into the overlay and
// invalidates spot_prices unless manual_updates is set. Only ever called
// on the successor clone GetAmountOut builds, never on a caller-visible
// receiver.
func (p *VMPoolState) absorbSwapResult(result *adapter.SwapResult) {
	for addr, slots := range result.Overrides {
		dst, ok := p.Overrides[addr]
		if !ok {
			dst = make(map[common.Hash]common.Hash, len(slots))
			p.Overrides[addr] = dst
		}
		for slot, val := range slots {
			dst[slot] = val
		}
	}
	if !p.ManualUpdates {
		p.spotPrices = make(map[dirKey]float64)
	}
}

// Delta is the indexer's incremental pool update
type Delta struct {
	BalancesDiff      map[common.Address]*big.Int
	AttributesUpdated map[string][]byte
	AttributesDeleted []string
}

// DeltaTransition applies delta to the pool in place
// delta must be a Delta; it is typed any so *VMPoolState satisfies
// protosim.ProtocolSim, whose interface cannot name package pool's
// concrete Delta type without an import cycle.
func (p *VMPoolState) DeltaTransition(delta any) error {
	d, ok := delta.(Delta)
	if !ok {
		return fmt.Errorf("%w: expected pool.Delta, got %T", ErrFatal, delta)
	}
	for addr, bal := range d.BalancesDiff {
		p.Balances[addr] = new(big.Int).Set(bal)
	}

	sawUpdateAttr := false
	for name, value := range d.AttributesUpdated {
		switch {
		case name == attrBalanceOwner:
			addr := common.BytesToAddress(value)
			p.BalanceOwner = &addr
		case name == attrManualUpdates:
			p.ManualUpdates = len(value) > 0 && value[0] != 0
		case name == attrUpdate:
			sawUpdateAttr = true
		case hasPrefix(name, statelessAddrPrefix):
			idx := name[len(statelessAddrPrefix):]
			addr := common.BytesToAddress(value)
			if code, ok := d.AttributesUpdated[statelessCodePrefix+idx]; ok {
				p.StatelessContracts[addr] = code
				delete(p.pendingStatelessAddrs, idx)
			} else {
				p.pendingStatelessAddrs[idx] = addr
			}
		case hasPrefix(name, statelessCodePrefix):
			idx := name[len(statelessCodePrefix):]
			if _, ok := d.AttributesUpdated[statelessAddrPrefix+idx]; ok {
				continue // installed together with its address above
			}
			if addr, ok := p.pendingStatelessAddrs[idx]; ok {
				p.StatelessContracts[addr] = value
				delete(p.pendingStatelessAddrs, idx)
			}
		}
	}

	for _, name := range d.AttributesDeleted {
		switch name {
		case attrBalanceOwner:
			p.BalanceOwner = nil
		case attrManualUpdates:
			p.ManualUpdates = false
		}
	}

	if !p.ManualUpdates || sawUpdateAttr {
		p.spotPrices = make(map[dirKey]float64)
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
