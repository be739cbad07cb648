// Package abi implements the ABI codec helpers: encoding a
// function call as selector||tuple(args) and decoding return bytes, plus a
// dedicated decoder for the standard Error(string)/Panic(uint256) revert
// envelopes so reverts surface structured information.
package abi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrUnknownSelector is returned by DecodeRevert when data does not match
// either the Error(string) or Panic(uint256) selector.
var ErrUnknownSelector = errors.New("abi: unrecognized revert selector")

var (
	errorSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	panicSelector = crypto.Keccak256([]byte("Panic(uint256)"))[:4]

	errorStringArgs  = mustArguments("string")
	panicUint256Args = mustArguments("uint256")
)

func mustArguments(types ...string) gethabi.Arguments {
	args := make(gethabi.Arguments, len(types))
	for i, t := range types {
		typ, err := gethabi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args[i] = gethabi.Argument{Type: typ}
	}
	return args
}

// Method wraps a single ABI method for encode/decode, so callers never
// touch go-ethereum/accounts/abi directly.
type Method struct {
	m gethabi.Method
}

// NewMethod builds a Method for encoding calls with the given input types
// and decoding return data with the given output types (e.g. inputs
// []string{"address", "uint256"}, outputs []string{"bool"} for a method
// like "transfer(address,uint256) returns (bool)").
func NewMethod(name string, inputs []string, outputs []string) (*Method, error) {
	inArgs, err := toArguments(inputs)
	if err != nil {
		return nil, fmt.Errorf("abi: bad inputs for %s: %w", name, err)
	}
	outArgs, err := toArguments(outputs)
	if err != nil {
		return nil, fmt.Errorf("abi: bad outputs for %s: %w", name, err)
	}
	return &Method{m: gethabi.NewMethod(name, name, gethabi.Function, "view", false, false, inArgs, outArgs)}, nil
}

func toArguments(types []string) (gethabi.Arguments, error) {
	args := make(gethabi.Arguments, len(types))
	for i, t := range types {
		typ, err := gethabi.NewType(t, "", nil)
		if err != nil {
			return nil, err
		}
		args[i] = gethabi.Argument{Type: typ}
	}
	return args, nil
}

// Selector returns the four-byte function selector.
func (m *Method) Selector() [4]byte { return [4]byte(m.m.ID) }

// Pack encodes a call as selector||tuple(args).
func (m *Method) Pack(args ...interface{}) ([]byte, error) {
	packedArgs, err := m.m.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("abi: pack %s: %w", m.m.Name, err)
	}
	data := make([]byte, 0, 4+len(packedArgs))
	data = append(data, m.m.ID...)
	data = append(data, packedArgs...)
	return data, nil
}

// Unpack decodes return data into the method's declared outputs.
func (m *Method) Unpack(data []byte) ([]interface{}, error) {
	out, err := m.m.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("abi: unpack %s return: %w", m.m.Name, err)
	}
	return out, nil
}

// RevertInfo is the structured decode of a Solidity revert payload.
type RevertInfo struct {
	// Reason holds the decoded Error(string) message, when present.
	Reason string
	// PanicCode holds the decoded Panic(uint256) code, when present.
	PanicCode *big.Int
	// Selector is populated whenever the payload holds at least four
	// bytes, even when neither standard envelope matches.
	Selector [4]byte
}

// DecodeRevert decodes a Solidity revert payload: the
// standard Error(string) and Panic(uint256) envelopes are unpacked into a
// human string / numeric code; anything else still yields the raw
// selector so callers can at least identify which custom error fired.
func DecodeRevert(data []byte) (*RevertInfo, error) {
	if len(data) < 4 {
		return &RevertInfo{}, nil
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	info := &RevertInfo{Selector: sel}

	switch {
	case hasSelector(data, errorSelector):
		vals, err := errorStringArgs.Unpack(data[4:])
		if err != nil || len(vals) != 1 {
			return info, fmt.Errorf("abi: decode Error(string): %w", err)
		}
		reason, ok := vals[0].(string)
		if !ok {
			return info, fmt.Errorf("abi: Error(string) payload not a string")
		}
		info.Reason = reason
		return info, nil
	case hasSelector(data, panicSelector):
		vals, err := panicUint256Args.Unpack(data[4:])
		if err != nil || len(vals) != 1 {
			return info, fmt.Errorf("abi: decode Panic(uint256): %w", err)
		}
		code, ok := vals[0].(*big.Int)
		if !ok {
			return info, fmt.Errorf("abi: Panic(uint256) payload not a uint256")
		}
		info.PanicCode = code
		return info, nil
	default:
		return info, ErrUnknownSelector
	}
}

func hasSelector(data, selector []byte) bool {
	return len(data) >= 4 && binary.BigEndian.Uint32(data[:4]) == binary.BigEndian.Uint32(selector)
}
