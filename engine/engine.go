// Package engine implements the simulation engine: a thin
// driver that composes a transaction environment, applies per-call
// overrides, executes bytecode against the layered state backend, and
// returns both the return-data and a structured state-diff.
//
// The driving shape (build a Config, build an execution environment, call
// the EVM, read back a record of what was touched) runs go-ethereum's
// stock core/vm.EVM against a custom vm.StateDB (package engine's session
// type, built on state.Backend) rather than a hand-forked interpreter.
package engine

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/tychosim/poolsim/abi"
	"github.com/tychosim/poolsim/state"
	tychotypes "github.com/tychosim/poolsim/types"
)

// Failure taxonomy for Simulate. Each is a sentinel usable with
// errors.Is; the richer cases (Reverted, Storage) carry payload via
// *RevertError / *state.StorageError and are still errors.Is(ErrReverted)
// / errors.Is(ErrStorage) respectively.
var (
	ErrReverted  = errors.New("engine: execution reverted")
	ErrOutOfGas  = errors.New("engine: out of gas")
	ErrStorage   = state.ErrStorage
	ErrTransient = errors.New("engine: transient EVM error")
	ErrFatal     = errors.New("engine: fatal configuration error")
)

// RevertError carries a decoded Solidity revert reason alongside the raw
// return data (selector + ABI-encoded payload)
// "Reverted (Solidity revert with decoded string or four-byte selector)".
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("engine: reverted: %s", e.Reason)
	}
	return "engine: reverted"
}

func (e *RevertError) Unwrap() error { return ErrReverted }

func (e *RevertError) Is(target error) bool { return target == ErrReverted }

// Params are the inputs to Simulate
type Params struct {
	Caller   common.Address
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 selects a generous default

	Block tychotypes.BlockHeader

	// Code, if non-nil, is installed at To for the duration of the call
	// (for stateless/adapter contracts not already present in the
	// backend). If the backend already holds code at To and Code is nil,
	// the backend's code is used.
	Code []byte

	// Codes installs bytecode at addresses other than To for the duration
	// of this call, for contracts the call may reach via CALL/STATICCALL
	// without being normally present in the backend.
	Codes map[common.Address][]byte

	// Overrides are per-simulation transient overrides: installed for this call only, discarded at its end.
	Overrides map[common.Address]map[common.Hash]common.Hash

	// Transact, if true, tells the backend to absorb the resulting state
	// diff into its block cache via Commit once the call succeeds. If
	// false, none of the call's writes reach the backend (values the
	// backend fetches from its oracle during the call are still cached
	// in its block cache, as on any read).
	Transact bool

	// EnableTracing selects the Cancun ruleset; otherwise
	// the prevailing default (Shanghai) ruleset is used.
	EnableTracing bool
}

// Result is the outcome of a successful Simulate call
type Result struct {
	ReturnData   []byte
	StateUpdates map[common.Address]map[common.Hash]common.Hash
	GasUsed      uint64
}

// Engine drives EVM execution against a *state.Backend.
type Engine struct {
	backend *state.Backend

	shanghai *params.ChainConfig
	cancun   *params.ChainConfig
}

// New constructs an Engine bound to backend. Fork parameters are fixed at
// construction
func New(backend *state.Backend) *Engine {
	return &Engine{
		backend:  backend,
		shanghai: chainConfig(false),
		cancun:   chainConfig(true),
	}
}

func chainConfig(cancun bool) *params.ChainConfig {
	zero := uint64(0)
	cfg := &params.ChainConfig{
		ChainID:                       big.NewInt(1),
		HomesteadBlock:                new(big.Int),
		EIP150Block:                   new(big.Int),
		EIP155Block:                   new(big.Int),
		EIP158Block:                   new(big.Int),
		ByzantiumBlock:                new(big.Int),
		ConstantinopleBlock:           new(big.Int),
		PetersburgBlock:               new(big.Int),
		IstanbulBlock:                 new(big.Int),
		MuirGlacierBlock:              new(big.Int),
		BerlinBlock:                   new(big.Int),
		LondonBlock:                   new(big.Int),
		TerminalTotalDifficulty:       new(big.Int),
		TerminalTotalDifficultyPassed: true,
		ShanghaiTime:                  &zero,
	}
	if cancun {
		cfg.CancunTime = &zero
	}
	return cfg
}

func (e *Engine) ruleset(p Params) *params.ChainConfig {
	if p.EnableTracing {
		return e.cancun
	}
	return e.shanghai
}

// Simulate executes a single call: compose an environment, apply
// overrides, run the EVM, extract return data and a state diff.
func (e *Engine) Simulate(p Params) (*Result, error) {
	if p.GasLimit == 0 {
		p.GasLimit = math.MaxUint64 / 2
	}
	if p.Value == nil {
		p.Value = new(big.Int)
	}

	cfg := e.ruleset(p)
	sess := newSession(e.backend, p.Block, p.Overrides)

	rules := cfg.Rules(new(big.Int).SetUint64(p.Block.Number), true, p.Block.Timestamp)
	blockCtx := vm.BlockContext{
		CanTransfer: func(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
			return db.GetBalance(addr).Cmp(amount) >= 0
		},
		Transfer: func(db vm.StateDB, from, to common.Address, amount *uint256.Int) {
			db.SubBalance(from, amount, 0)
			db.AddBalance(to, amount, 0)
		},
		GetHash: func(n uint64) common.Hash {
			return common.BytesToHash(crypto.Keccak256([]byte(new(big.Int).SetUint64(n).String())))
		},
		Coinbase:    common.Address{},
		GasLimit:    p.GasLimit,
		BlockNumber: new(big.Int).SetUint64(p.Block.Number),
		Time:        p.Block.Timestamp,
		Difficulty:  new(big.Int),
		BaseFee:     big.NewInt(params.InitialBaseFee),
		BlobBaseFee: big.NewInt(params.BlobTxMinBlobGasprice),
		Random:      &common.Hash{},
	}
	txCtx := vm.TxContext{
		Origin:   p.Caller,
		GasPrice: new(big.Int),
	}

	evm := vm.NewEVM(blockCtx, txCtx, sess, cfg, vm.Config{})

	precompiles := vm.ActivePrecompiles(rules)
	sess.Prepare(rules, p.Caller, blockCtx.Coinbase, &p.To, precompiles, nil)

	if !sess.Exist(p.To) {
		sess.CreateAccount(p.To)
	}
	code := p.Code
	if len(code) == 0 {
		code = sess.GetCode(p.To)
	}
	if len(code) > 0 {
		sess.SetCode(p.To, code)
	}

	if !sess.Exist(p.Caller) {
		sess.CreateAccount(p.Caller)
	}

	for addr, stCode := range p.Codes {
		if len(stCode) == 0 {
			continue
		}
		if !sess.Exist(addr) {
			sess.CreateAccount(addr)
		}
		sess.SetCode(addr, stCode)
	}

	value, overflow := uint256.FromBig(p.Value)
	if overflow {
		return nil, fmt.Errorf("%w: value overflows 256 bits", ErrFatal)
	}

	ret, leftOverGas, vmErr := evm.Call(vm.AccountRef(p.Caller), p.To, p.Data, p.GasLimit, value)

	if err := sess.Err(); err != nil {
		log.Warn("engine: oracle error during simulation", "to", p.To, "err", err)
		return nil, err
	}

	gasUsed := p.GasLimit - leftOverGas

	if vmErr != nil {
		return nil, classifyVMError(vmErr, ret)
	}

	diff := sess.storageDiff()
	if p.Transact {
		e.backend.Commit(diff)
	}

	return &Result{
		ReturnData:   ret,
		StateUpdates: diff,
		GasUsed:      gasUsed,
	}, nil
}

func decodeRevertReason(ret []byte) string {
	info, err := abi.DecodeRevert(ret)
	if err != nil || info == nil {
		return ""
	}
	if info.Reason != "" {
		return info.Reason
	}
	if info.PanicCode != nil {
		return fmt.Sprintf("panic: 0x%x", info.PanicCode)
	}
	return ""
}

func classifyVMError(vmErr error, ret []byte) error {
	switch {
	case errors.Is(vmErr, vm.ErrExecutionReverted):
		return &RevertError{Reason: decodeRevertReason(ret), Data: ret}
	case errors.Is(vmErr, vm.ErrOutOfGas), errors.Is(vmErr, vm.ErrGasUintOverflow), errors.Is(vmErr, vm.ErrCodeStoreOutOfGas):
		return fmt.Errorf("%w: %v", ErrOutOfGas, vmErr)
	case errors.Is(vmErr, vm.ErrInsufficientBalance), errors.Is(vmErr, vm.ErrDepth), errors.Is(vmErr, vm.ErrMaxCodeSizeExceeded):
		return fmt.Errorf("%w: %v", ErrTransient, vmErr)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, vmErr)
	}
}
