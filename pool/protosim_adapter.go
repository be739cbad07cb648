package pool

import (
	"math/big"

	"github.com/tychosim/poolsim/protosim"
)

// The methods in this file, together with GetAmountOut and DeltaTransition
// in pool.go, make *VMPoolState satisfy protosim.ProtocolSim: the uniform
// surface routers hold heterogeneous pools behind, regardless of whether a
// pool is VM-simulated or closed-form.
var _ protosim.ProtocolSim = (*VMPoolState)(nil)

// Fee returns the pool's stored fee ratio, or a zero ratio if none was set
// by the indexer snapshot.
func (p *VMPoolState) Fee() *big.Rat {
	if p.FeeRat == nil {
		return new(big.Rat)
	}
	return p.FeeRat
}

// CloneBox returns an independent, interface-boxed copy of the pool.
func (p *VMPoolState) CloneBox() protosim.ProtocolSim {
	return p.clone()
}

// EqDyn reports whether other is a *VMPoolState with the same identity and
// overlay state. Equality is structural on the fields that determine
// simulation outcomes (id, block, balances, overrides), not on caches.
func (p *VMPoolState) EqDyn(other protosim.ProtocolSim) bool {
	o, ok := other.(*VMPoolState)
	if !ok {
		return false
	}
	if p.ID != o.ID || p.Block != o.Block || p.AdapterAddress != o.AdapterAddress {
		return false
	}
	if len(p.Balances) != len(o.Balances) {
		return false
	}
	for addr, bal := range p.Balances {
		obal, ok := o.Balances[addr]
		if !ok || bal.Cmp(obal) != 0 {
			return false
		}
	}
	if len(p.Overrides) != len(o.Overrides) {
		return false
	}
	for addr, slots := range p.Overrides {
		oslots, ok := o.Overrides[addr]
		if !ok || len(slots) != len(oslots) {
			return false
		}
		for slot, val := range slots {
			if oslots[slot] != val {
				return false
			}
		}
	}
	return true
}
