package erc20

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	tychotypes "github.com/tychosim/poolsim/types"
)

// Overwrites produces the concrete slot→word mapping that makes owner hold
// balance and grants spender the given allowance on a token with the
// detected layout. The result installs directly as a transient or
// permanent override for the token's address. A nil balance or allowance
// skips that entry.
func Overwrites(owner, spender common.Address, slots tychotypes.TokenStorageSlots, balance, allowance *big.Int) map[common.Hash]common.Hash {
	out := make(map[common.Hash]common.Hash, 2)
	if balance != nil {
		out[BalanceKey(owner, slots)] = common.BigToHash(balance)
	}
	if allowance != nil {
		out[AllowanceKey(owner, spender, slots)] = common.BigToHash(allowance)
	}
	return out
}
