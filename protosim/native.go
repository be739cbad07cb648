package protosim

import (
	"fmt"
	"math/big"

	tychotypes "github.com/tychosim/poolsim/types"
)

// ConstantProductSim is a minimal closed-form x*y=k pool: no EVM
// simulation, just the native formula. It exists to prove the ProtocolSim
// interface is satisfiable by a non-VM pool.
type ConstantProductSim struct {
	TokenA, TokenB     tychotypes.Token
	ReserveA, ReserveB *big.Int
	FeeRat             *big.Rat
}

var _ ProtocolSim = (*ConstantProductSim)(nil)

// NewConstantProductSim builds a pool with the given reserves and fee
// (e.g. big.NewRat(3, 1000) for 0.3%).
func NewConstantProductSim(a, b tychotypes.Token, reserveA, reserveB *big.Int, fee *big.Rat) *ConstantProductSim {
	return &ConstantProductSim{TokenA: a, TokenB: b, ReserveA: reserveA, ReserveB: reserveB, FeeRat: fee}
}

func (c *ConstantProductSim) Fee() *big.Rat {
	if c.FeeRat == nil {
		return new(big.Rat)
	}
	return c.FeeRat
}

func (c *ConstantProductSim) reserves(token tychotypes.Token) (own, other *big.Int, ok bool) {
	switch token.Address {
	case c.TokenA.Address:
		return c.ReserveA, c.ReserveB, true
	case c.TokenB.Address:
		return c.ReserveB, c.ReserveA, true
	default:
		return nil, nil, false
	}
}

// SpotPrice returns quote's reserve-ratio price in terms of base: how much
// of quote one unit of base is worth, i.e. reserve(quote)/reserve(base).
func (c *ConstantProductSim) SpotPrice(base, quote tychotypes.Token) (float64, error) {
	baseReserve, _, ok := c.reserves(base)
	if !ok {
		return 0, fmt.Errorf("%w: unknown token %s", ErrFatal, base.Symbol)
	}
	quoteReserve, _, ok := c.reserves(quote)
	if !ok {
		return 0, fmt.Errorf("%w: unknown token %s", ErrFatal, quote.Symbol)
	}
	if baseReserve.Sign() == 0 {
		return 0, fmt.Errorf("%w: zero reserve for %s", ErrFatal, base.Symbol)
	}
	ratio := new(big.Rat).SetFrac(quoteReserve, baseReserve)
	f, _ := ratio.Float64()
	return f, nil
}

// GetAmountOut applies the standard constant-product formula with fee
// deducted from the input: amountOut = reserveOut * amountInAfterFee /
// (reserveIn + amountInAfterFee).
func (c *ConstantProductSim) GetAmountOut(amountIn *big.Int, tokenIn, tokenOut tychotypes.Token) (*AmountOutResult, error) {
	reserveIn, _, ok := c.reserves(tokenIn)
	if !ok {
		return nil, fmt.Errorf("%w: unknown token %s", ErrFatal, tokenIn.Symbol)
	}
	reserveOut, _, ok := c.reserves(tokenOut)
	if !ok {
		return nil, fmt.Errorf("%w: unknown token %s", ErrFatal, tokenOut.Symbol)
	}

	fee := c.Fee()
	feeNum := fee.Num()
	feeDen := fee.Denom()
	// amountInAfterFee = amountIn * (feeDen - feeNum) / feeDen
	afterFee := new(big.Int).Mul(amountIn, new(big.Int).Sub(feeDen, feeNum))
	afterFee.Div(afterFee, feeDen)

	numerator := new(big.Int).Mul(reserveOut, afterFee)
	denominator := new(big.Int).Add(reserveIn, afterFee)
	if denominator.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero denominator", ErrFatal)
	}
	amountOut := new(big.Int).Div(numerator, denominator)

	next := c.clone()
	if tokenIn.Address == c.TokenA.Address {
		next.ReserveA = new(big.Int).Add(c.ReserveA, amountIn)
		next.ReserveB = new(big.Int).Sub(c.ReserveB, amountOut)
	} else {
		next.ReserveB = new(big.Int).Add(c.ReserveB, amountIn)
		next.ReserveA = new(big.Int).Sub(c.ReserveA, amountOut)
	}

	return &AmountOutResult{AmountOut: amountOut, GasUsed: 0, NewState: next}, nil
}

// DeltaTransition overwrites whichever reserve(s) the delta's balances map
// names, keyed by the whole Token value (mirroring pool.VMPoolState.DeltaTransition's
// "balances keys are overwritten wholesale").
func (c *ConstantProductSim) DeltaTransition(delta any) error {
	balances, ok := delta.(map[tychotypes.Token]*big.Int)
	if !ok {
		return fmt.Errorf("%w: expected map[types.Token]*big.Int, got %T", ErrFatal, delta)
	}
	if bal, ok := balances[c.TokenA]; ok {
		c.ReserveA = new(big.Int).Set(bal)
	}
	if bal, ok := balances[c.TokenB]; ok {
		c.ReserveB = new(big.Int).Set(bal)
	}
	return nil
}

func (c *ConstantProductSim) clone() *ConstantProductSim {
	return &ConstantProductSim{
		TokenA:   c.TokenA,
		TokenB:   c.TokenB,
		ReserveA: new(big.Int).Set(c.ReserveA),
		ReserveB: new(big.Int).Set(c.ReserveB),
		FeeRat:   new(big.Rat).Set(c.Fee()),
	}
}

// CloneBox returns an independent, interface-boxed copy.
func (c *ConstantProductSim) CloneBox() ProtocolSim {
	return c.clone()
}

// EqDyn reports structural equality against another ConstantProductSim.
func (c *ConstantProductSim) EqDyn(other ProtocolSim) bool {
	o, ok := other.(*ConstantProductSim)
	if !ok {
		return false
	}
	return c.TokenA.Address == o.TokenA.Address &&
		c.TokenB.Address == o.TokenB.Address &&
		c.ReserveA.Cmp(o.ReserveA) == 0 &&
		c.ReserveB.Cmp(o.ReserveB) == 0 &&
		c.Fee().Cmp(o.Fee()) == 0
}
