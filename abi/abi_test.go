package abi

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestMethodPackUnpackRoundTrip(t *testing.T) {
	m, err := NewMethod("balanceOf", []string{"address"}, []string{"uint256"})
	if err != nil {
		t.Fatalf("NewMethod: %v", err)
	}

	holder := common.Address{1, 2, 3}
	data, err := m.Pack(holder)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(data) != 4+32 {
		t.Fatalf("expected selector + one word, got %d bytes", len(data))
	}

	// Round trip the return side: a method that "returns" a uint256 whose
	// outputs we can unpack directly against encoded return bytes.
	amount := big.NewInt(123456)
	returnArgs := mustArguments("uint256")
	encoded, err := returnArgs.Pack(amount)
	if err != nil {
		t.Fatalf("encode return: %v", err)
	}
	vals, err := m.Unpack(encoded)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(vals) != 1 || vals[0].(*big.Int).Cmp(amount) != 0 {
		t.Fatalf("unpacked %v, want %s", vals, amount)
	}
}

func buildRevertErrorString(reason string) []byte {
	data := append([]byte{}, errorSelector...)
	encoded, _ := errorStringArgs.Pack(reason)
	return append(data, encoded...)
}

func buildRevertPanic(code *big.Int) []byte {
	data := append([]byte{}, panicSelector...)
	encoded, _ := panicUint256Args.Pack(code)
	return append(data, encoded...)
}

func TestDecodeRevertErrorString(t *testing.T) {
	data := buildRevertErrorString("Insufficient liquidity")
	info, err := DecodeRevert(data)
	if err != nil {
		t.Fatalf("DecodeRevert: %v", err)
	}
	if info.Reason != "Insufficient liquidity" {
		t.Fatalf("Reason = %q", info.Reason)
	}
}

func TestDecodeRevertPanic(t *testing.T) {
	data := buildRevertPanic(big.NewInt(0x11))
	info, err := DecodeRevert(data)
	if err != nil {
		t.Fatalf("DecodeRevert: %v", err)
	}
	if info.PanicCode == nil || info.PanicCode.Cmp(big.NewInt(0x11)) != 0 {
		t.Fatalf("PanicCode = %v", info.PanicCode)
	}
}

func TestDecodeRevertUnknownSelector(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}
	info, err := DecodeRevert(data)
	if err == nil {
		t.Fatal("expected ErrUnknownSelector")
	}
	if info.Selector != ([4]byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("Selector = %x", info.Selector)
	}
}

func TestDecodeRevertShortData(t *testing.T) {
	info, err := DecodeRevert([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Reason != "" || info.PanicCode != nil {
		t.Fatalf("expected empty info for data shorter than a selector, got %+v", info)
	}
}
