// Package types holds the plain value types shared by every layer of the
// pool-simulation engine: addresses, storage slots, account records, block
// headers, tokens and capability sets. Nothing in this package has
// behavior beyond construction, equality and the engine's canonical
// encodings.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Word is the engine's 32-byte value type, used both for storage values and
// for balances. It is an alias for common.Hash so account and storage code
// can move freely between "value" and "storage key" contexts the same way
// the EVM itself does.
type Word = common.Hash

// Slot indexes into an account's storage.
type Slot = common.Hash

// EmptyCodeHash is the Keccak-256 hash of the empty byte sequence, the
// well-known code hash of an account with no code.
var EmptyCodeHash = crypto.Keccak256Hash(nil)

// BlockHeader is the minimal block identity the engine needs: enough to
// pick a fork ruleset and to key the block-scoped cache in the state
// backend.
type BlockHeader struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
}

// AccountInfo is the EVM-visible metadata of an account: balance, nonce and
// code. CodeHash must be the Keccak-256 of Code when Code is non-empty, and
// EmptyCodeHash otherwise; NewAccountInfo enforces this.
type AccountInfo struct {
	Balance  *big.Int
	Nonce    uint64
	Code     []byte
	CodeHash common.Hash
}

// NewAccountInfo builds an AccountInfo, deriving CodeHash from Code so
// callers never have to keep the two in sync by hand.
func NewAccountInfo(balance *big.Int, nonce uint64, code []byte) AccountInfo {
	if balance == nil {
		balance = new(big.Int)
	}
	hash := EmptyCodeHash
	if len(code) > 0 {
		hash = crypto.Keccak256Hash(code)
	}
	return AccountInfo{
		Balance:  balance,
		Nonce:    nonce,
		Code:     code,
		CodeHash: hash,
	}
}

// Token is a single ERC20-ish asset traded by a pool.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	// Gas is a rough per-transfer cost estimate used by routers; it is
	// protocol/token specific (e.g. higher for fee-on-transfer tokens) and
	// carried verbatim from the indexer.
	Gas *big.Int
}

// Unit returns 10^Decimals, the amount conventionally used to probe a
// token's spot price.
func (t Token) Unit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Decimals)), nil)
}

// Capability is a single advertised adapter feature.
type Capability uint8

const (
	SellSide Capability = iota
	BuySide
	PriceFunction
	FeeOnTransfer
	ConstantPrice
	TokenBalanceIndependent
	ScaledPrices
	HardLimits
	MarginalPrice
)

var capabilityNames = map[Capability]string{
	SellSide:                "SellSide",
	BuySide:                 "BuySide",
	PriceFunction:           "PriceFunction",
	FeeOnTransfer:           "FeeOnTransfer",
	ConstantPrice:           "ConstantPrice",
	TokenBalanceIndependent: "TokenBalanceIndependent",
	ScaledPrices:            "ScaledPrices",
	HardLimits:              "HardLimits",
	MarginalPrice:           "MarginalPrice",
}

func (c Capability) String() string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return "Unknown"
}

// CapabilitySet is a small set of Capability values, cheap to copy and to
// compare for the pair-scoped sets pools keep.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a list of capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Clone returns an independent copy of the set.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// StorageLayout identifies which compiler's mapping-storage convention a
// token's balance/allowance slots follow.
type StorageLayout uint8

const (
	// Solidity mappings hash keccak256(pad(key) || pad(slot)).
	Solidity StorageLayout = iota
	// Vyper mappings hash keccak256(pad(slot) || pad(key)), operand order
	// reversed relative to Solidity.
	Vyper
)

func (l StorageLayout) String() string {
	if l == Vyper {
		return "Vyper"
	}
	return "Solidity"
}

// TokenStorageSlots records a token's detected balance/allowance storage
// layout, as produced by the ERC20 slot bruteforcer.
type TokenStorageSlots struct {
	BalanceSlot   uint64
	AllowanceSlot uint64
	Layout        StorageLayout
}
