// Package erc20 implements the storage-slot bruteforcer and overwrite
// factory: making an arbitrary ERC20-compliant contract
// behave as though the caller already owns a given balance/allowance,
// without touching the real chain.
package erc20

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tychosim/poolsim/abi"
	"github.com/tychosim/poolsim/engine"
	tychotypes "github.com/tychosim/poolsim/types"
)

// ErrSlotDetectionFailed is returned when no candidate layout within the
// configured slot-index ceiling reproduces the known balance/allowance.
var ErrSlotDetectionFailed = errors.New("erc20: slot detection failed")

// DefaultMaxSlot is the slot-index ceiling used when Bruteforcer.MaxSlot is
// left at zero; 100 candidate slots suffices for virtually every deployed
// ERC20 layout.
const DefaultMaxSlot = 100

var balanceOfMethod = mustMethod("balanceOf", []string{"address"}, []string{"uint256"})
var allowanceMethod = mustMethod("allowance", []string{"address", "address"}, []string{"uint256"})

func mustMethod(name string, in, out []string) *abi.Method {
	m, err := abi.NewMethod(name, in, out)
	if err != nil {
		panic(err)
	}
	return m
}

// Bruteforcer detects ERC20 storage layouts by probing balanceOf/allowance
// through an engine.Engine
type Bruteforcer struct {
	eng     *engine.Engine
	MaxSlot uint64

	balanceCache   map[common.Address]tychotypes.TokenStorageSlots
	allowanceCache map[common.Address]tychotypes.TokenStorageSlots
}

// NewBruteforcer builds a Bruteforcer driving simulations through eng.
func NewBruteforcer(eng *engine.Engine) *Bruteforcer {
	return &Bruteforcer{
		eng:            eng,
		MaxSlot:        DefaultMaxSlot,
		balanceCache:   make(map[common.Address]tychotypes.TokenStorageSlots),
		allowanceCache: make(map[common.Address]tychotypes.TokenStorageSlots),
	}
}

// solidityKey derives keccak256(pad(holder) || pad(slotIndex)), the
// standard Solidity single-mapping storage key.
func solidityKey(holder common.Address, slotIndex uint64) common.Hash {
	return crypto.Keccak256Hash(leftPadAddress(holder), leftPadUint64(slotIndex))
}

// vyperKey derives keccak256(pad(slotIndex) || pad(holder)), the Vyper
// convention with operands reversed relative to Solidity.
func vyperKey(holder common.Address, slotIndex uint64) common.Hash {
	return crypto.Keccak256Hash(leftPadUint64(slotIndex), leftPadAddress(holder))
}

// solidityDoubleKey derives the nested-mapping key Solidity generates for
// allowance[owner][spender]: keccak256(pad(spender) || keccak256(pad(owner) || pad(slot))).
func solidityDoubleKey(owner, spender common.Address, slotIndex uint64) common.Hash {
	inner := solidityKey(owner, slotIndex)
	return crypto.Keccak256Hash(leftPadAddress(spender), inner[:])
}

// vyperDoubleKey derives Vyper's nested-mapping key for
// allowance[owner][spender]: keccak256(pad(spender) || keccak256(pad(slot) || pad(owner))).
func vyperDoubleKey(owner, spender common.Address, slotIndex uint64) common.Hash {
	inner := vyperKey(owner, slotIndex)
	return crypto.Keccak256Hash(leftPadAddress(spender), inner[:])
}

func leftPadAddress(addr common.Address) []byte {
	var buf [32]byte
	copy(buf[12:], addr[:])
	return buf[:]
}

func leftPadUint64(v uint64) []byte {
	var buf [32]byte
	big.NewInt(0).SetUint64(v).FillBytes(buf[:])
	return buf[:]
}

// BalanceKey derives the storage key for holder's balance under the given
// detected layout, for direct installation as a transient or permanent
// override.
func BalanceKey(holder common.Address, slots tychotypes.TokenStorageSlots) common.Hash {
	if slots.Layout == tychotypes.Vyper {
		return vyperKey(holder, slots.BalanceSlot)
	}
	return solidityKey(holder, slots.BalanceSlot)
}

// AllowanceKey derives the storage key for allowance[owner][spender] under
// the given detected layout.
func AllowanceKey(owner, spender common.Address, slots tychotypes.TokenStorageSlots) common.Hash {
	if slots.Layout == tychotypes.Vyper {
		return vyperDoubleKey(owner, spender, slots.AllowanceSlot)
	}
	return solidityDoubleKey(owner, spender, slots.AllowanceSlot)
}

// sentinel derives a probe value distinguishable from known: known ⊕ 1,
// or 2 when that would be zero (known == 1), since zero is what every
// unwritten slot reads and would match a wrong candidate key.
func sentinel(known *big.Int) common.Hash {
	v := new(big.Int).Xor(known, big.NewInt(1))
	if v.Sign() == 0 {
		v.SetInt64(2)
	}
	return common.BigToHash(v)
}

// DetectBalanceSlot finds the (slot_index, layout) pair that makes
// balanceOf(holder) observe knownBalance when the derived key is written,
// procedure. Results are cached per token.
func (b *Bruteforcer) DetectBalanceSlot(token, holder common.Address, knownBalance *big.Int, block tychotypes.BlockHeader) (tychotypes.TokenStorageSlots, error) {
	if cached, ok := b.balanceCache[token]; ok {
		return cached, nil
	}

	want := sentinel(knownBalance)
	calldata, err := balanceOfMethod.Pack(holder)
	if err != nil {
		return tychotypes.TokenStorageSlots{}, fmt.Errorf("erc20: pack balanceOf: %w", err)
	}

	for idx := uint64(0); idx < b.MaxSlot; idx++ {
		for _, layout := range []tychotypes.StorageLayout{tychotypes.Solidity, tychotypes.Vyper} {
			key := solidityKey(holder, idx)
			if layout == tychotypes.Vyper {
				key = vyperKey(holder, idx)
			}

			result, err := b.eng.Simulate(engine.Params{
				Caller: holder,
				To:     token,
				Data:   calldata,
				Block:  block,
				Overrides: map[common.Address]map[common.Hash]common.Hash{
					token: {key: want},
				},
			})
			if err != nil {
				continue
			}
			vals, err := balanceOfMethod.Unpack(result.ReturnData)
			if err != nil || len(vals) != 1 {
				continue
			}
			got, ok := vals[0].(*big.Int)
			if !ok {
				continue
			}
			if got.Cmp(new(big.Int).SetBytes(want[:])) == 0 {
				slots := tychotypes.TokenStorageSlots{BalanceSlot: idx, Layout: layout}
				b.balanceCache[token] = slots
				log.Info("erc20: detected balance slot", "token", token, "slot", idx, "layout", layout)
				return slots, nil
			}
		}
	}

	return tychotypes.TokenStorageSlots{}, fmt.Errorf("%w: token=%s holder=%s", ErrSlotDetectionFailed, token, holder)
}

// DetectAllowanceSlot is the double-mapping analogue of DetectBalanceSlot,
// ("Allowance slot detection is analogous").
func (b *Bruteforcer) DetectAllowanceSlot(token, owner, spender common.Address, knownAllowance *big.Int, block tychotypes.BlockHeader) (uint64, tychotypes.StorageLayout, error) {
	if cached, ok := b.allowanceCache[token]; ok {
		return cached.AllowanceSlot, cached.Layout, nil
	}

	want := sentinel(knownAllowance)
	calldata, err := allowanceMethod.Pack(owner, spender)
	if err != nil {
		return 0, 0, fmt.Errorf("erc20: pack allowance: %w", err)
	}

	for idx := uint64(0); idx < b.MaxSlot; idx++ {
		for _, layout := range []tychotypes.StorageLayout{tychotypes.Solidity, tychotypes.Vyper} {
			key := solidityDoubleKey(owner, spender, idx)
			if layout == tychotypes.Vyper {
				key = vyperDoubleKey(owner, spender, idx)
			}

			result, err := b.eng.Simulate(engine.Params{
				Caller: owner,
				To:     token,
				Data:   calldata,
				Block:  block,
				Overrides: map[common.Address]map[common.Hash]common.Hash{
					token: {key: want},
				},
			})
			if err != nil {
				continue
			}
			vals, err := allowanceMethod.Unpack(result.ReturnData)
			if err != nil || len(vals) != 1 {
				continue
			}
			got, ok := vals[0].(*big.Int)
			if !ok {
				continue
			}
			if got.Cmp(new(big.Int).SetBytes(want[:])) == 0 {
				b.allowanceCache[token] = tychotypes.TokenStorageSlots{AllowanceSlot: idx, Layout: layout}
				log.Info("erc20: detected allowance slot", "token", token, "slot", idx, "layout", layout)
				return idx, layout, nil
			}
		}
	}

	return 0, 0, fmt.Errorf("%w: token=%s owner=%s spender=%s", ErrSlotDetectionFailed, token, owner, spender)
}
