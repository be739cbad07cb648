package protosim

import (
	"math/big"
	"testing"

	tychotypes "github.com/tychosim/poolsim/types"
)

var (
	tokA = tychotypes.Token{Symbol: "A", Decimals: 18}
	tokB = tychotypes.Token{Symbol: "B", Decimals: 18}
)

func init() {
	tokA.Address[19] = 0xa1
	tokB.Address[19] = 0xb1
}

func newTestPool() *ConstantProductSim {
	return NewConstantProductSim(tokA, tokB, big.NewInt(1_000_000), big.NewInt(2_000_000), big.NewRat(3, 1000))
}

func TestConstantProductSpotPrice(t *testing.T) {
	p := newTestPool()
	got, err := p.SpotPrice(tokA, tokB)
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}
	if got != 2.0 {
		t.Fatalf("SpotPrice(A,B) = %v, want 2.0", got)
	}
}

func TestConstantProductGetAmountOutAppliesFeeAndReturnsClone(t *testing.T) {
	p := newTestPool()
	result, err := p.GetAmountOut(big.NewInt(10_000), tokA, tokB)
	if err != nil {
		t.Fatalf("GetAmountOut: %v", err)
	}
	if result.AmountOut.Sign() <= 0 {
		t.Fatalf("AmountOut = %s, want positive", result.AmountOut)
	}
	// Without any fee, amountOut would be reserveB*10000/(reserveA+10000) =
	// 2_000_000*10000/1_010_000 = 19801 (integer division); the 0.3% fee
	// must strictly reduce that.
	noFeeOut := new(big.Int).Div(
		new(big.Int).Mul(big.NewInt(2_000_000), big.NewInt(10_000)),
		new(big.Int).Add(big.NewInt(1_000_000), big.NewInt(10_000)),
	)
	if result.AmountOut.Cmp(noFeeOut) >= 0 {
		t.Fatalf("AmountOut = %s should be strictly less than the no-fee amount %s", result.AmountOut, noFeeOut)
	}

	next, ok := result.NewState.(*ConstantProductSim)
	if !ok {
		t.Fatalf("NewState is %T, want *ConstantProductSim", result.NewState)
	}
	if next == p {
		t.Fatal("GetAmountOut must return an independent clone")
	}
	if p.ReserveA.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("receiver reserves must stay untouched; ReserveA = %s", p.ReserveA)
	}
	if next.ReserveA.Cmp(new(big.Int).Add(big.NewInt(1_000_000), big.NewInt(10_000))) != 0 {
		t.Fatalf("successor ReserveA = %s, want reserveA+amountIn", next.ReserveA)
	}
}

func TestConstantProductGetAmountOutUnknownToken(t *testing.T) {
	p := newTestPool()
	unknown := tychotypes.Token{Symbol: "X"}
	_, err := p.GetAmountOut(big.NewInt(1), unknown, tokB)
	if err == nil {
		t.Fatal("expected an error for an unknown token")
	}
}

func TestConstantProductDeltaTransitionOverwritesReserves(t *testing.T) {
	p := newTestPool()
	err := p.DeltaTransition(map[tychotypes.Token]*big.Int{
		tokA: big.NewInt(5_000_000),
	})
	if err != nil {
		t.Fatalf("DeltaTransition: %v", err)
	}
	if p.ReserveA.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("ReserveA = %s, want 5000000", p.ReserveA)
	}
	if p.ReserveB.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("ReserveB should be untouched, got %s", p.ReserveB)
	}
}

func TestConstantProductDeltaTransitionRejectsWrongType(t *testing.T) {
	p := newTestPool()
	if err := p.DeltaTransition(42); err == nil {
		t.Fatal("expected an error for a non-map delta")
	}
}

func TestConstantProductEqDynAndCloneBox(t *testing.T) {
	p := newTestPool()
	clone := p.CloneBox()
	if !p.EqDyn(clone) {
		t.Fatal("a fresh clone must compare equal")
	}

	other := NewConstantProductSim(tokA, tokB, big.NewInt(1), big.NewInt(1), big.NewRat(3, 1000))
	if p.EqDyn(other) {
		t.Fatal("pools with different reserves must not compare equal")
	}
}
