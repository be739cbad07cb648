// Package adapter implements the adapter-contract facade: a
// typed wrapper around the standardized ISwapAdapter ABI (price, swap,
// getLimits, getCapabilities, minGasUsage), plus the process-wide adapter
// bytecode registry that backs it.
package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrUnknownProtocol is returned by Registry.Code when no adapter runtime
// was loaded for the requested protocol.
var ErrUnknownProtocol = errors.New("adapter: unknown protocol")

// Registry is the process-wide mapping from protocol identifier to deployed
// adapter bytecode, populated once at startup and immutable thereafter.
type Registry struct {
	mu   sync.RWMutex
	code map[string][]byte
}

// NewRegistry builds an empty Registry. Callers populate it via Load before
// any simulation touches it.
func NewRegistry() *Registry {
	return &Registry{code: make(map[string][]byte)}
}

// Load installs the deployed runtime bytecode for protocol. Protocol
// identifiers are matched case-insensitively and with an optional leading
// "vm:" stripped, mirroring the file-naming rule ArtifactName uses.
func (r *Registry) Load(protocol string, runtimeCode []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code[normalizeProtocol(protocol)] = runtimeCode
}

// Code returns the runtime bytecode registered for protocol.
func (r *Registry) Code(protocol string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.code[normalizeProtocol(protocol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	return code, nil
}

// ArtifactName derives the adapter-runtime file name for protocol: trim a
// "vm:" prefix, capitalize, append "Adapter.evm.runtime".
func ArtifactName(protocol string) string {
	trimmed := strings.TrimPrefix(protocol, "vm:")
	if trimmed == "" {
		return "Adapter.evm.runtime"
	}
	capitalized := strings.ToUpper(trimmed[:1]) + trimmed[1:]
	return capitalized + "Adapter.evm.runtime"
}

func normalizeProtocol(protocol string) string {
	return strings.ToLower(strings.TrimPrefix(protocol, "vm:"))
}

const artifactSuffix = "Adapter.evm.runtime"

// LoadDir populates r from every "*Adapter.evm.runtime" file directly under
// dir: the protocol identifier is recovered from the file name by
// reversing ArtifactName (strip the suffix, lower-case the result).
// Intended for process startup, before any simulation runs.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("adapter: read registry dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), artifactSuffix) {
			continue
		}
		protocol := strings.ToLower(strings.TrimSuffix(entry.Name(), artifactSuffix))
		code, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("adapter: read adapter artifact %s: %w", entry.Name(), err)
		}
		r.Load(protocol, code)
	}
	return nil
}
