package indexer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tychosim/poolsim/adapter"
	"github.com/tychosim/poolsim/pool"
	tychotypes "github.com/tychosim/poolsim/types"
)

var (
	protocolCode = []byte{0x60, 0x00, 0x60, 0x00}
	adapterAddr  = common.HexToAddress("0x00000000000000000000000000000000000aaa")
	ownerAddr    = common.HexToAddress("0x0000000000000000000000000000000000000a")
	statelessAddr = common.HexToAddress("0x0000000000000000000000000000000000000e")
	tokenX       = tychotypes.Token{Address: common.HexToAddress("0x1"), Symbol: "X", Decimals: 18}
)

func testFactory(code []byte, caller common.Address) *adapter.Adapter {
	return adapter.New(nil, adapterAddr, code, caller)
}

func TestDecodeSnapshotBuildsPoolFromRegistryAndAttributes(t *testing.T) {
	registry := adapter.NewRegistry()
	registry.Load("testproto", protocolCode)
	dec := NewDecoder(registry, nil, testFactory)

	snap := Snapshot{
		ID:             "pool-1",
		Protocol:       "testproto",
		Tokens:         []tychotypes.Token{tokenX},
		Balances:       map[common.Address]*big.Int{tokenX.Address: big.NewInt(1000)},
		AdapterAddress: adapterAddr,
		Block:          tychotypes.BlockHeader{Number: 1},
		Attributes: map[string][]byte{
			attrBalanceOwner:  ownerAddr.Bytes(),
			attrManualUpdates: {1},
			attrFee:           big.NewInt(3e15).Bytes(), // 0.003 * 1e18
			"stateless_contract_addr_0": statelessAddr.Bytes(),
			"stateless_contract_code_0": {0xAB},
		},
	}

	p, err := dec.DecodeSnapshot(snap)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if p.Balances[tokenX.Address].Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("Balances[tokenX] = %s, want 1000", p.Balances[tokenX.Address])
	}
	if _, involved := p.InvolvedContracts[tokenX.Address]; !involved {
		t.Fatal("expected tokenX to be marked as an involved contract")
	}
	if p.BalanceOwner == nil || *p.BalanceOwner != ownerAddr {
		t.Fatalf("BalanceOwner = %v, want %s", p.BalanceOwner, ownerAddr)
	}
	if !p.ManualUpdates {
		t.Fatal("expected ManualUpdates = true")
	}
	if p.FeeRat == nil {
		t.Fatal("expected FeeRat to be set from the fee attribute")
	}
	if code, ok := p.StatelessContracts[statelessAddr]; !ok || code[0] != 0xAB {
		t.Fatalf("expected stateless contract code at %s, got %v", statelessAddr, p.StatelessContracts)
	}
}

func TestDecodeSnapshotUnknownProtocol(t *testing.T) {
	registry := adapter.NewRegistry()
	dec := NewDecoder(registry, nil, testFactory)

	_, err := dec.DecodeSnapshot(Snapshot{ID: "p", Protocol: "nope", Block: tychotypes.BlockHeader{}})
	if err == nil {
		t.Fatal("expected an error for an unregistered protocol")
	}
}

func TestDecodeDeltaAppliesBalancesDiff(t *testing.T) {
	registry := adapter.NewRegistry()
	registry.Load("testproto", protocolCode)
	dec := NewDecoder(registry, nil, testFactory)

	p := pool.New("pool-1", []tychotypes.Token{tokenX}, tychotypes.BlockHeader{Number: 1}, adapterAddr, protocolCode, nil, testFactory)

	err := dec.DecodeDelta(p, Delta{
		ID:           "pool-1",
		BalancesDiff: map[common.Address]*big.Int{tokenX.Address: big.NewInt(555)},
	})
	if err != nil {
		t.Fatalf("DecodeDelta: %v", err)
	}
	if p.Balances[tokenX.Address].Cmp(big.NewInt(555)) != 0 {
		t.Fatalf("Balances[tokenX] = %s, want 555", p.Balances[tokenX.Address])
	}
}
