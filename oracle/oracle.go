// Package oracle defines the remote fall-through collaborator used by the
// layered state backend.
package oracle

import (
	"github.com/ethereum/go-ethereum/common"

	tychotypes "github.com/tychosim/poolsim/types"
)

// QueryOracle is the two pure queries the backend may fall through to,
// both addressed by block. Implementations must treat a missing slot as a
// defined success path (a zero Word); errors are
// transport-level only.
type QueryOracle interface {
	AccountInfo(addr common.Address, block tychotypes.BlockHeader) (tychotypes.AccountInfo, error)
	Storage(addr common.Address, slot common.Hash, block tychotypes.BlockHeader) (common.Hash, error)
}
