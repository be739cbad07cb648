package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"

	"github.com/tychosim/poolsim/state"
	tychotypes "github.com/tychosim/poolsim/types"
)

var _ vm.StateDB = (*session)(nil)

// overlayAccount is the per-call scratch record for an account touched
// during a single simulation. It shadows the backend's permanent record
// for the lifetime of the call; nothing here is visible to the backend
// until Engine explicitly commits a storage diff.
type overlayAccount struct {
	balance        *uint256.Int
	nonce          uint64
	code           []byte
	codeHash       common.Hash
	exists         bool
	createdThisTx  bool
	selfDestructed bool
}

func (a *overlayAccount) clone() *overlayAccount {
	cp := *a
	if a.balance != nil {
		cp.balance = new(uint256.Int).Set(a.balance)
	}
	return &cp
}

// session implements go-ethereum's vm.StateDB for the lifetime of exactly
// one Engine.Simulate call. It layers a per-call scratch overlay (storage
// writes plus the caller's transient overrides, indistinguishable once
// installed; the EVM's own "most recent write wins" rule does the rest)
// over a *state.Backend, which in turn resolves permanent storage, the
// block cache and the oracle.
//
// session is the realization of "per-simulation transient
// overrides installed at the start of a call; discarded at its end": the
// overlay maps are thrown away when the session ends, and only an explicit
// Commit promotes anything into the backend's block cache.
type session struct {
	backend *state.Backend
	block   tychotypes.BlockHeader

	accounts map[common.Address]*overlayAccount
	// storage holds the live, mutating view: pre-seeded from the caller's
	// overrides, then written through by SSTORE during execution.
	storage map[common.Address]map[common.Hash]common.Hash
	// committed is a frozen snapshot of storage as of session start, used
	// to answer GetCommittedState (SSTORE gas-refund accounting).
	committed map[common.Address]map[common.Hash]common.Hash
	// transient is EIP-1153 transient storage: always starts empty and is
	// never persisted anywhere, regardless of Commit.
	transient map[common.Address]map[common.Hash]common.Hash

	refund uint64

	addressAccessList map[common.Address]struct{}
	slotAccessList    map[common.Address]map[common.Hash]struct{}

	journal []func()
	logs    []*types.Log

	firstErr error
}

func newSession(backend *state.Backend, block tychotypes.BlockHeader, overrides map[common.Address]map[common.Hash]common.Hash) *session {
	s := &session{
		backend:           backend,
		block:             block,
		accounts:          make(map[common.Address]*overlayAccount),
		storage:           make(map[common.Address]map[common.Hash]common.Hash),
		committed:         make(map[common.Address]map[common.Hash]common.Hash),
		transient:         make(map[common.Address]map[common.Hash]common.Hash),
		addressAccessList: make(map[common.Address]struct{}),
		slotAccessList:    make(map[common.Address]map[common.Hash]struct{}),
	}
	for addr, slots := range overrides {
		m := make(map[common.Hash]common.Hash, len(slots))
		for slot, val := range slots {
			m[slot] = val
		}
		s.storage[addr] = m
		s.committed[addr] = cloneHashMap(m)
	}
	return s
}

func cloneHashMap(m map[common.Hash]common.Hash) map[common.Hash]common.Hash {
	out := make(map[common.Hash]common.Hash, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *session) recordErr(err error) {
	if err != nil && s.firstErr == nil {
		s.firstErr = err
	}
}

// Err returns the first backend error observed during execution, if any.
func (s *session) Err() error { return s.firstErr }

func (s *session) account(addr common.Address) *overlayAccount {
	if a, ok := s.accounts[addr]; ok {
		return a
	}
	info, err := s.backend.Basic(addr)
	s.recordErr(err)
	a := &overlayAccount{
		balance:  uint256.MustFromBig(nonNilBig(info.Balance)),
		nonce:    info.Nonce,
		code:     info.Code,
		codeHash: info.CodeHash,
		exists:   s.backend.HasAccount(addr) || info.Nonce != 0 || len(info.Code) != 0 || (info.Balance != nil && info.Balance.Sign() != 0),
	}
	s.accounts[addr] = a
	return a
}

func nonNilBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// ---- Account lifecycle ----

func (s *session) CreateAccount(addr common.Address) {
	prev := s.accounts[addr]
	s.journal = append(s.journal, func() { s.accounts[addr] = prev })
	a := &overlayAccount{balance: new(uint256.Int), exists: true}
	if prev != nil {
		a.balance = prev.balance
	}
	s.accounts[addr] = a
}

func (s *session) CreateContract(addr common.Address) {
	a := s.account(addr).clone()
	a.createdThisTx = true
	a.exists = true
	prev := s.accounts[addr]
	s.journal = append(s.journal, func() { s.accounts[addr] = prev })
	s.accounts[addr] = a
}

// ---- Balance ----

func (s *session) GetBalance(addr common.Address) *uint256.Int {
	return new(uint256.Int).Set(s.account(addr).balance)
}

func (s *session) AddBalance(addr common.Address, amount *uint256.Int, _ tracing.BalanceChangeReason) {
	a := s.account(addr).clone()
	prev := s.accounts[addr]
	s.journal = append(s.journal, func() { s.accounts[addr] = prev })
	a.balance = new(uint256.Int).Add(a.balance, amount)
	a.exists = true
	s.accounts[addr] = a
}

func (s *session) SubBalance(addr common.Address, amount *uint256.Int, _ tracing.BalanceChangeReason) {
	a := s.account(addr).clone()
	prev := s.accounts[addr]
	s.journal = append(s.journal, func() { s.accounts[addr] = prev })
	a.balance = new(uint256.Int).Sub(a.balance, amount)
	s.accounts[addr] = a
}

// ---- Nonce ----

func (s *session) GetNonce(addr common.Address) uint64 { return s.account(addr).nonce }

func (s *session) SetNonce(addr common.Address, nonce uint64) {
	a := s.account(addr).clone()
	prev := s.accounts[addr]
	s.journal = append(s.journal, func() { s.accounts[addr] = prev })
	a.nonce = nonce
	a.exists = true
	s.accounts[addr] = a
}

// ---- Code ----

func (s *session) GetCodeHash(addr common.Address) common.Hash {
	a := s.account(addr)
	if !a.exists {
		return common.Hash{}
	}
	return a.codeHash
}

func (s *session) GetCode(addr common.Address) []byte { return s.account(addr).code }

func (s *session) GetCodeSize(addr common.Address) int { return len(s.account(addr).code) }

func (s *session) SetCode(addr common.Address, code []byte) {
	a := s.account(addr).clone()
	prev := s.accounts[addr]
	s.journal = append(s.journal, func() { s.accounts[addr] = prev })
	a.code = code
	a.codeHash = codeHash(code)
	a.exists = true
	s.accounts[addr] = a
}

func codeHash(code []byte) common.Hash {
	if len(code) == 0 {
		return tychotypes.EmptyCodeHash
	}
	info := tychotypes.NewAccountInfo(nil, 0, code)
	return info.CodeHash
}

// ---- Refund ----

func (s *session) AddRefund(gas uint64) {
	prev := s.refund
	s.journal = append(s.journal, func() { s.refund = prev })
	s.refund += gas
}

func (s *session) SubRefund(gas uint64) {
	prev := s.refund
	s.journal = append(s.journal, func() { s.refund = prev })
	if gas > s.refund {
		s.refund = 0
		return
	}
	s.refund -= gas
}

func (s *session) GetRefund() uint64 { return s.refund }

// ---- Storage ----

func (s *session) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	if m, ok := s.committed[addr]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	val, err := s.backend.GetAccountStorage(addr, key)
	s.recordErr(err)
	return val
}

func (s *session) GetState(addr common.Address, key common.Hash) common.Hash {
	if m, ok := s.storage[addr]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	val, err := s.backend.GetAccountStorage(addr, key)
	s.recordErr(err)
	return val
}

func (s *session) SetState(addr common.Address, key, value common.Hash) {
	m, ok := s.storage[addr]
	if !ok {
		m = make(map[common.Hash]common.Hash)
		s.storage[addr] = m
	}
	prevVal, hadPrev := m[key]
	s.journal = append(s.journal, func() {
		if hadPrev {
			m[key] = prevVal
		} else {
			delete(m, key)
		}
	})
	m[key] = value
}

// pointCache backs PointCache for every session: it is only consulted
// under EIP-4762 (verkle) rules, which none of the engine's rulesets
// enable, and the cache itself is stateless and safe to share.
var pointCache = utils.NewPointCache(4096)

func (s *session) PointCache() *utils.PointCache { return pointCache }

func (s *session) GetStorageRoot(common.Address) common.Hash {
	// No trie is materialized for simulated accounts; nothing in this
	// engine's scope (EIP-7702 delegation designation checks) depends on a
	// real root, so the zero value (treated as "empty") is the correct
	// answer here.
	return common.Hash{}
}

// ---- Transient storage (EIP-1153) ----

func (s *session) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	if m, ok := s.transient[addr]; ok {
		return m[key]
	}
	return common.Hash{}
}

func (s *session) SetTransientState(addr common.Address, key, value common.Hash) {
	m, ok := s.transient[addr]
	if !ok {
		m = make(map[common.Hash]common.Hash)
		s.transient[addr] = m
	}
	m[key] = value
}

// ---- Self-destruct ----

func (s *session) SelfDestruct(addr common.Address) {
	a := s.account(addr).clone()
	prev := s.accounts[addr]
	s.journal = append(s.journal, func() { s.accounts[addr] = prev })
	a.selfDestructed = true
	a.balance = new(uint256.Int)
	s.accounts[addr] = a
}

func (s *session) HasSelfDestructed(addr common.Address) bool {
	return s.account(addr).selfDestructed
}

func (s *session) Selfdestruct6780(addr common.Address) {
	a := s.account(addr)
	if a.createdThisTx {
		s.SelfDestruct(addr)
	}
}

// ---- Existence ----

func (s *session) Exist(addr common.Address) bool { return s.account(addr).exists }

func (s *session) Empty(addr common.Address) bool {
	a := s.account(addr)
	return a.balance.IsZero() && a.nonce == 0 && a.codeHash == tychotypes.EmptyCodeHash
}

// ---- Access list (EIP-2929/2930) ----

func (s *session) AddressInAccessList(addr common.Address) bool {
	_, ok := s.addressAccessList[addr]
	return ok
}

func (s *session) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	addrOK := s.AddressInAccessList(addr)
	slots, ok := s.slotAccessList[addr]
	if !ok {
		return addrOK, false
	}
	_, slotOK := slots[slot]
	return addrOK, slotOK
}

func (s *session) AddAddressToAccessList(addr common.Address) {
	if _, ok := s.addressAccessList[addr]; ok {
		return
	}
	s.journal = append(s.journal, func() { delete(s.addressAccessList, addr) })
	s.addressAccessList[addr] = struct{}{}
}

func (s *session) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.AddAddressToAccessList(addr)
	slots, ok := s.slotAccessList[addr]
	if !ok {
		slots = make(map[common.Hash]struct{})
		s.slotAccessList[addr] = slots
	}
	if _, ok := slots[slot]; ok {
		return
	}
	s.journal = append(s.journal, func() { delete(slots, slot) })
	slots[slot] = struct{}{}
}

func (s *session) Prepare(_ params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	s.AddAddressToAccessList(sender)
	s.AddAddressToAccessList(coinbase)
	if dest != nil {
		s.AddAddressToAccessList(*dest)
	}
	for _, p := range precompiles {
		s.AddAddressToAccessList(p)
	}
	for _, tuple := range txAccesses {
		s.AddAddressToAccessList(tuple.Address)
		for _, key := range tuple.StorageKeys {
			s.AddSlotToAccessList(tuple.Address, key)
		}
	}
}

// ---- Snapshot/revert ----

func (s *session) Snapshot() int { return len(s.journal) }

func (s *session) RevertToSnapshot(id int) {
	for i := len(s.journal) - 1; i >= id; i-- {
		s.journal[i]()
	}
	s.journal = s.journal[:id]
}

// ---- Logs/preimages ----

func (s *session) AddLog(l *types.Log) { s.logs = append(s.logs, l) }

func (s *session) AddPreimage(common.Hash, []byte) {
	// Preimage recording is a tracing/debug feature of upstream geth nodes
	// persisting to disk for `debug_` RPCs; this engine keeps no such
	// store, so this is intentionally a no-op.
}

// ---- Diff extraction ----

// storageDiff returns every (addr, slot) this session actually wrote,
// relative to the committed snapshot taken at session start, i.e. the
// state_updates asks Engine.Simulate to return.
func (s *session) storageDiff() map[common.Address]map[common.Hash]common.Hash {
	diff := make(map[common.Address]map[common.Hash]common.Hash)
	for addr, m := range s.storage {
		committed := s.committed[addr]
		for slot, val := range m {
			if cv, ok := committed[slot]; ok && cv == val {
				continue
			}
			if _, ok := committed[slot]; !ok && val == (common.Hash{}) {
				continue
			}
			if diff[addr] == nil {
				diff[addr] = make(map[common.Hash]common.Hash)
			}
			diff[addr][slot] = val
		}
	}
	return diff
}
