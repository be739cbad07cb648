// Package indexer defines the wire-adjacent contracts for the external
// indexer stream: full pool snapshots and incremental deltas,
// plus the two decoder entry points that turn them into (or apply them to)
// a pool.VMPoolState. The wire format itself (how these values arrive over
// the network) is out of scope; these types are the
// already-decoded Go values a transport layer would produce.
package indexer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tychosim/poolsim/adapter"
	"github.com/tychosim/poolsim/erc20"
	"github.com/tychosim/poolsim/pool"
	tychotypes "github.com/tychosim/poolsim/types"
)

// Snapshot is the full description of a pool's state at a given block:
// id, tokens, balances, attributes and the block it was taken at.
type Snapshot struct {
	ID       string
	Protocol string // used to look up the adapter's runtime code in a Registry
	Tokens   []tychotypes.Token
	Balances map[common.Address]*big.Int
	// Attributes carries the reserved names handled by
	// applyReservedAttributes (balance_owner, manual_updates, fee,
	// stateless_contract_addr_<N>,
	// stateless_contract_code_<N>) plus any protocol-specific ones a
	// decoder may choose to interpret (e.g. a fee constant).
	Attributes     map[string][]byte
	Block          tychotypes.BlockHeader
	AdapterAddress common.Address
}

// Delta is an incremental update to a pool's balances and attributes:
// balance diffs plus attributes added, updated or deleted since the last
// snapshot or delta.
type Delta struct {
	ID                string
	BalancesDiff      map[common.Address]*big.Int
	AttributesUpdated map[string][]byte
	AttributesDeleted []string
}

// reserved snapshot attribute names; balance_owner and manual_updates are
// also interpreted by pool.DeltaTransition, fee only at snapshot time.
const (
	attrBalanceOwner  = "balance_owner"
	attrManualUpdates = "manual_updates"
	attrFee           = "fee"
)

// Decoder builds and updates pool.VMPoolState values from indexer
// snapshots/deltas. It holds the adapter bytecode registry and the ERC20
// bruteforcer, both of which are shared across every pool a single process
// tracks, so they're held here rather than reconstructed per snapshot.
type Decoder struct {
	Registry    *adapter.Registry
	Bruteforcer *erc20.Bruteforcer
	// AdapterFactory builds the *adapter.Adapter a VMPoolState uses for
	// every call; see pool.New.
	AdapterFactory func(code []byte, caller common.Address) *adapter.Adapter
}

// NewDecoder builds a Decoder sharing the given registry, bruteforcer and
// adapter factory across every pool it constructs.
func NewDecoder(registry *adapter.Registry, bruteforcer *erc20.Bruteforcer, adapterFactory func(code []byte, caller common.Address) *adapter.Adapter) *Decoder {
	return &Decoder{Registry: registry, Bruteforcer: bruteforcer, AdapterFactory: adapterFactory}
}

// DecodeSnapshot constructs a pool.VMPoolState from a full snapshot,
// looking up the protocol's adapter runtime code from d.Registry and
// marking every token as an involved contract (slot detection itself stays
// deferred until a swap actually needs it; see pool.synthesizeERC20Overrides).
func (d *Decoder) DecodeSnapshot(snap Snapshot) (*pool.VMPoolState, error) {
	code, err := d.Registry.Code(snap.Protocol)
	if err != nil {
		return nil, fmt.Errorf("indexer: decode snapshot %s: %w", snap.ID, err)
	}

	p := pool.New(snap.ID, snap.Tokens, snap.Block, snap.AdapterAddress, code, d.Bruteforcer, d.AdapterFactory)

	for _, tok := range snap.Tokens {
		p.InvolvedContracts[tok.Address] = struct{}{}
	}
	for addr, bal := range snap.Balances {
		p.Balances[addr] = new(big.Int).Set(bal)
	}

	applyReservedAttributes(p, snap.Attributes)

	return p, nil
}

// DecodeDelta converts a wire Delta into the pool.Delta shape
// pool.VMPoolState.DeltaTransition expects and applies it in place.
func (d *Decoder) DecodeDelta(p *pool.VMPoolState, delta Delta) error {
	return p.DeltaTransition(pool.Delta{
		BalancesDiff:      delta.BalancesDiff,
		AttributesUpdated: delta.AttributesUpdated,
		AttributesDeleted: delta.AttributesDeleted,
	})
}

// applyReservedAttributes handles the snapshot-time analogues of the
// reserved delta attribute names, plus the protocol's fee constant, which
// the uniform ISwapAdapter ABI has no method for (see protosim.Fee).
func applyReservedAttributes(p *pool.VMPoolState, attrs map[string][]byte) {
	if owner, ok := attrs[attrBalanceOwner]; ok {
		addr := common.BytesToAddress(owner)
		p.BalanceOwner = &addr
	}
	if manual, ok := attrs[attrManualUpdates]; ok {
		p.ManualUpdates = len(manual) > 0 && manual[0] != 0
	}
	if feeBytes, ok := attrs[attrFee]; ok && len(feeBytes) > 0 {
		num := new(big.Int).SetBytes(feeBytes)
		p.FeeRat = new(big.Rat).SetFrac(num, tenPow(18))
	}
	for name, value := range attrs {
		switch {
		case hasPrefix(name, "stateless_contract_addr_"):
			idx := name[len("stateless_contract_addr_"):]
			addr := common.BytesToAddress(value)
			if code, ok := attrs["stateless_contract_code_"+idx]; ok {
				p.StatelessContracts[addr] = code
			}
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func tenPow(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
