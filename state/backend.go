// Package state implements the layered EVM state backend: it serves reads
// out of, in order of decreasing precedence, permanent per-account
// storage, a block-scoped cache, and a remote QueryOracle fall-through.
//
// Backend itself is not a vm.StateDB: package engine's per-call session
// implements vm.StateDB on top of it and adds the per-simulation transient
// overrides as the highest-precedence layer (see DESIGN.md).
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tychosim/poolsim/oracle"
	tychotypes "github.com/tychosim/poolsim/types"
)

// Errors surfaced by the backend. A failed oracle query is the only
// backend-originated failure and it is always retryable.
var (
	ErrStorage = errors.New("state: storage backend error")
)

// StorageError wraps an oracle failure so callers can still see the
// underlying transport error via errors.Unwrap/errors.Is(err, ErrStorage).
type StorageError struct {
	Addr common.Address
	Slot common.Hash
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("state: oracle query failed for %s/%s: %v", e.Addr, e.Slot, e.Err)
}

func (e *StorageError) Unwrap() error { return ErrStorage }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// account is the permanent record held by the backend
type account struct {
	info    tychotypes.AccountInfo
	storage map[common.Hash]common.Hash
	mocked  bool
}

func newAccount(info tychotypes.AccountInfo, storage map[common.Hash]common.Hash, mocked bool) *account {
	if storage == nil {
		storage = make(map[common.Hash]common.Hash)
	}
	return &account{info: info, storage: storage, mocked: mocked}
}

// blockCacheEntry is the block-scoped cache entry of: valid for
// exactly one BlockHeader.
type blockCacheEntry struct {
	info    *tychotypes.AccountInfo
	storage map[common.Hash]common.Hash
}

// Backend is the layered state store. It is safe for concurrent use: the
// account map and block cache are guarded by a single RWMutex, taken for a
// short, EVM-execution-free critical section on every read and write per
// ("lock scope is short and never spans EVM execution").
type Backend struct {
	mu sync.RWMutex

	accounts map[common.Address]*account
	block    tychotypes.BlockHeader
	cache    map[common.Address]*blockCacheEntry

	oracle oracle.QueryOracle // nil for the "precached" backend variant
}

// New constructs a Backend. oracle may be nil, producing the "precached"
// variant from point 4 that never falls through to a remote
// collaborator.
func New(oracle oracle.QueryOracle) *Backend {
	return &Backend{
		accounts: make(map[common.Address]*account),
		cache:    make(map[common.Address]*blockCacheEntry),
		oracle:   oracle,
	}
}

// InitAccount replaces any prior record for addr.
func (b *Backend) InitAccount(addr common.Address, info tychotypes.AccountInfo, permanentStorage map[common.Hash]common.Hash, mocked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[addr] = newAccount(info, cloneStorage(permanentStorage), mocked)
}

// AccountDiff is the account-level update applied by UpdateState: storage
// slot writes to promote into permanent storage, plus an optional revised
// AccountInfo (balance/nonce/code changed on-chain since the last update).
type AccountDiff struct {
	Info    *tychotypes.AccountInfo
	Storage map[common.Hash]common.Hash
}

// UpdateState atomically (a) clears the block cache and adopts the new
// block if it differs from the current one, and (b) applies diff to
// permanent storage.
func (b *Backend) UpdateState(block tychotypes.BlockHeader, diffs map[common.Address]AccountDiff) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if block != b.block {
		b.cache = make(map[common.Address]*blockCacheEntry)
		b.block = block
	}

	for addr, diff := range diffs {
		acc, ok := b.accounts[addr]
		if !ok {
			acc = newAccount(tychotypes.AccountInfo{}, nil, false)
			b.accounts[addr] = acc
		}
		if diff.Info != nil {
			acc.info = *diff.Info
		}
		for slot, val := range diff.Storage {
			acc.storage[slot] = val
		}
	}
}

// ClearTempStorage clears the block-scoped cache only; permanent overrides
// are untouched.
func (b *Backend) ClearTempStorage() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[common.Address]*blockCacheEntry)
}

// Commit is told the EVM's post-execution state diff after a successful
// simulation. It writes into the block cache only; permanent storage is
// changed only via an explicit UpdateState call.
func (b *Backend) Commit(diffs map[common.Address]map[common.Hash]common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for addr, slots := range diffs {
		entry, ok := b.cache[addr]
		if !ok {
			entry = &blockCacheEntry{storage: make(map[common.Hash]common.Hash)}
			b.cache[addr] = entry
		}
		for slot, val := range slots {
			entry.storage[slot] = val
		}
	}
}

// Basic resolves an AccountInfo from the block cache first, then the
// account's permanent record, and only for an address with no record
// falls through to the oracle, caching its answer in the block cache.
func (b *Backend) Basic(addr common.Address) (tychotypes.AccountInfo, error) {
	b.mu.RLock()
	acc, hasAcc := b.accounts[addr]
	entry, hasCache := b.cache[addr]
	block := b.block
	o := b.oracle
	b.mu.RUnlock()

	if hasCache && entry.info != nil {
		return *entry.info, nil
	}
	if hasAcc {
		return acc.info, nil
	}
	if o == nil {
		return tychotypes.AccountInfo{}, nil
	}

	info, err := o.AccountInfo(addr, block)
	if err != nil {
		return tychotypes.AccountInfo{}, &StorageError{Addr: addr, Err: err}
	}

	b.mu.Lock()
	e, ok := b.cache[addr]
	if !ok {
		e = &blockCacheEntry{storage: make(map[common.Hash]common.Hash)}
		b.cache[addr] = e
	}
	e.info = &info
	b.mu.Unlock()

	return info, nil
}

// GetAccountStorage resolves a single storage read through the four-layer
// precedence of excluding per-simulation transient overrides
// (those are layered on top by engine's session, see engine/session.go).
func (b *Backend) GetAccountStorage(addr common.Address, slot common.Hash) (common.Hash, error) {
	b.mu.RLock()
	acc, hasAcc := b.accounts[addr]
	var permVal common.Hash
	var hasPerm bool
	if hasAcc {
		permVal, hasPerm = acc.storage[slot]
	}
	var cacheVal common.Hash
	var hasCache bool
	if entry, ok := b.cache[addr]; ok {
		cacheVal, hasCache = entry.storage[slot]
	}
	mocked := hasAcc && acc.mocked
	block := b.block
	o := b.oracle
	b.mu.RUnlock()

	if hasPerm {
		return permVal, nil
	}
	if hasCache {
		return cacheVal, nil
	}
	if mocked {
		return common.Hash{}, nil
	}
	if !hasAcc {
		if o == nil {
			return common.Hash{}, nil
		}
		val, err := o.Storage(addr, slot, block)
		if err != nil {
			return common.Hash{}, &StorageError{Addr: addr, Slot: slot, Err: err}
		}
		b.cacheStorage(addr, slot, val)
		return val, nil
	}
	// present, not mocked, no override/cache hit: oracle if available else zero.
	if o == nil {
		return common.Hash{}, nil
	}
	val, err := o.Storage(addr, slot, block)
	if err != nil {
		return common.Hash{}, &StorageError{Addr: addr, Slot: slot, Err: err}
	}
	b.cacheStorage(addr, slot, val)
	return val, nil
}

func (b *Backend) cacheStorage(addr common.Address, slot, val common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache[addr]
	if !ok {
		entry = &blockCacheEntry{storage: make(map[common.Hash]common.Hash)}
		b.cache[addr] = entry
	}
	entry.storage[slot] = val
}

// CurrentBlock returns the block the backend's cache is currently scoped
// to.
func (b *Backend) CurrentBlock() tychotypes.BlockHeader {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.block
}

// HasAccount reports whether addr has a permanent account record.
func (b *Backend) HasAccount(addr common.Address) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.accounts[addr]
	return ok
}

func cloneStorage(m map[common.Hash]common.Hash) map[common.Hash]common.Hash {
	out := make(map[common.Hash]common.Hash, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
