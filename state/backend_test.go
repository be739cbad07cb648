package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	tychotypes "github.com/tychosim/poolsim/types"
)

// fakeOracle is a trivial QueryOracle recording how many times each method
// was called, so tests can assert on the cache-hit/cache-miss oracle call
// count.
type fakeOracle struct {
	storageCalls int
	infoCalls    int
	storageVal   common.Hash
	err          error
}

func (o *fakeOracle) AccountInfo(addr common.Address, block tychotypes.BlockHeader) (tychotypes.AccountInfo, error) {
	o.infoCalls++
	if o.err != nil {
		return tychotypes.AccountInfo{}, o.err
	}
	return tychotypes.AccountInfo{}, nil
}

func (o *fakeOracle) Storage(addr common.Address, slot common.Hash, block tychotypes.BlockHeader) (common.Hash, error) {
	o.storageCalls++
	if o.err != nil {
		return common.Hash{}, o.err
	}
	return o.storageVal, nil
}

var addrA = common.HexToAddress("0x00000000000000000000000000000000000001")

func TestMockedMissingSlotIsZeroNoOracleCall(t *testing.T) {
	oracle := &fakeOracle{storageVal: common.BigToHash(big.NewInt(77))}
	b := New(oracle)
	b.InitAccount(addrA, tychotypes.AccountInfo{Balance: big.NewInt(100)}, nil, true)

	val, err := b.GetAccountStorage(addrA, common.BigToHash(big.NewInt(7)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != (common.Hash{}) {
		t.Fatalf("mocked missing slot should read zero, got %s", val)
	}
	if oracle.storageCalls != 0 {
		t.Fatalf("mocked account must not query the oracle, got %d calls", oracle.storageCalls)
	}
}

func TestNonMockedMissingSlotQueriesOracle(t *testing.T) {
	oracle := &fakeOracle{storageVal: common.BigToHash(big.NewInt(77))}
	b := New(oracle)
	b.InitAccount(addrA, tychotypes.AccountInfo{Balance: big.NewInt(100)}, nil, false)

	val, err := b.GetAccountStorage(addrA, common.BigToHash(big.NewInt(7)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != oracle.storageVal {
		t.Fatalf("expected oracle value %s, got %s", oracle.storageVal, val)
	}
	if oracle.storageCalls != 1 {
		t.Fatalf("expected exactly one oracle call, got %d", oracle.storageCalls)
	}
}

func TestPermanentOverrideSurvivesBlockChange(t *testing.T) {
	b := New(nil)
	slot := common.BigToHash(big.NewInt(1))
	val := common.BigToHash(big.NewInt(0x42))
	b.InitAccount(addrA, tychotypes.AccountInfo{}, map[common.Hash]common.Hash{slot: val}, false)

	// Change block twice; the permanent value must be read back after each.
	b.UpdateState(tychotypes.BlockHeader{Number: 1}, nil)
	got, err := b.GetAccountStorage(addrA, slot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != val {
		t.Fatalf("permanent storage should survive block change, got %s want %s", got, val)
	}

	b.UpdateState(tychotypes.BlockHeader{Number: 2}, nil)
	got, err = b.GetAccountStorage(addrA, slot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != val {
		t.Fatalf("permanent storage should survive a second block change, got %s want %s", got, val)
	}
}

func TestBlockChangeInvalidatesCache(t *testing.T) {
	oracle := &fakeOracle{storageVal: common.BigToHash(big.NewInt(9))}
	b := New(oracle)
	b.InitAccount(addrA, tychotypes.AccountInfo{}, nil, false)

	slot := common.BigToHash(big.NewInt(5))
	if _, err := b.GetAccountStorage(addrA, slot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oracle.storageCalls != 1 {
		t.Fatalf("expected one oracle call before block change, got %d", oracle.storageCalls)
	}

	b.UpdateState(tychotypes.BlockHeader{Number: 99}, nil)

	if _, err := b.GetAccountStorage(addrA, slot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oracle.storageCalls != 2 {
		t.Fatalf("block change must invalidate the cache, forcing a second oracle call; got %d", oracle.storageCalls)
	}
}

func TestClearTempStorageLeavesPermanentIntact(t *testing.T) {
	b := New(nil)
	slot := common.BigToHash(big.NewInt(1))
	val := common.BigToHash(big.NewInt(0x99))
	b.InitAccount(addrA, tychotypes.AccountInfo{}, map[common.Hash]common.Hash{slot: val}, false)

	b.ClearTempStorage()

	got, err := b.GetAccountStorage(addrA, slot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != val {
		t.Fatalf("ClearTempStorage must not touch permanent storage, got %s want %s", got, val)
	}
}

func TestCommitWritesBlockCacheNotPermanentStorage(t *testing.T) {
	b := New(nil)
	b.InitAccount(addrA, tychotypes.AccountInfo{}, nil, true)

	slot := common.BigToHash(big.NewInt(2))
	val := common.BigToHash(big.NewInt(0xABC))
	b.Commit(map[common.Address]map[common.Hash]common.Hash{addrA: {slot: val}})

	got, err := b.GetAccountStorage(addrA, slot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != val {
		t.Fatalf("Commit should be visible via the block cache, got %s want %s", got, val)
	}

	// A block change must discard the committed value: Commit never touches
	// permanent storage).
	b.UpdateState(tychotypes.BlockHeader{Number: 1}, nil)
	got, err = b.GetAccountStorage(addrA, slot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != (common.Hash{}) {
		t.Fatalf("Commit must not promote into permanent storage; got %s after block change", got)
	}
}

func TestOracleErrorIsRetryable(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("rpc timeout")}
	b := New(oracle)
	b.InitAccount(addrA, tychotypes.AccountInfo{}, nil, false)

	_, err := b.GetAccountStorage(addrA, common.BigToHash(big.NewInt(1)))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected errors.Is(err, ErrStorage), got %v", err)
	}
}
