// Package protosim defines the ProtocolSim contract: the
// uniform surface both VM-simulated pools and closed-form native pools
// satisfy, so callers can hold heterogeneous pools behind one interface.
package protosim

import (
	"errors"
	"math/big"

	tychotypes "github.com/tychosim/poolsim/types"
)

// Error enumeration shared by every ProtocolSim implementation.
var (
	ErrFatal                 = errors.New("protosim: fatal configuration error")
	ErrRetryable             = errors.New("protosim: retryable backend or EVM error")
	ErrUnsupportedCapability = errors.New("protosim: unsupported capability")
	ErrReverted              = errors.New("protosim: execution reverted")
	ErrSlotDetectionFailed   = errors.New("protosim: slot detection failed")
)

// AmountOutResult is the common return shape of GetAmountOut: the output
// amount, the gas the simulation reported, and the pool's successor state.
// Implementations return ProtocolSim for NewState so callers never assume
// the concrete type of the next state.
type AmountOutResult struct {
	AmountOut *big.Int
	GasUsed   uint64
	NewState  ProtocolSim
}

// ProtocolSim is the uniform public surface of every pool variant.
// Implementations are held behind this interface so routers
// can treat VM-simulated and native closed-form pools identically; variants
// are a tagged sum, dispatched dynamically rather than through generics,
// held behind an owned, boxed handle.
type ProtocolSim interface {
	// Fee returns the pool's fee ratio.
	Fee() *big.Rat

	// SpotPrice returns the instantaneous base-in-quote marginal price.
	SpotPrice(base, quote tychotypes.Token) (float64, error)

	// GetAmountOut simulates selling amountIn of tokenIn for tokenOut. It
	// must not mutate the receiver; the successor state is returned in
	// AmountOutResult.NewState.
	GetAmountOut(amountIn *big.Int, tokenIn, tokenOut tychotypes.Token) (*AmountOutResult, error)

	// DeltaTransition applies an indexer-provided incremental update to the
	// pool. Unlike GetAmountOut, this mutates the receiver in place: it
	// models the pool absorbing confirmed chain state, not a hypothetical
	// trade.
	DeltaTransition(delta any) error

	// CloneBox returns an independent copy of the receiver, boxed behind
	// the same interface.
	CloneBox() ProtocolSim

	// EqDyn reports whether other is the same concrete type as the
	// receiver and structurally equal to it.
	EqDyn(other ProtocolSim) bool
}
