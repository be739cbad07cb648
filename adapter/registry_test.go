package adapter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryLoadAndCodeCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Load("UniswapV2", []byte{0x60, 0x00})

	code, err := r.Code("uniswapv2")
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if len(code) != 2 {
		t.Fatalf("unexpected code length %d", len(code))
	}

	code, err = r.Code("vm:UniswapV2")
	if err != nil {
		t.Fatalf("Code with vm: prefix: %v", err)
	}
	if len(code) != 2 {
		t.Fatalf("unexpected code length %d", len(code))
	}
}

func TestRegistryCodeUnknownProtocol(t *testing.T) {
	r := NewRegistry()
	_, err := r.Code("nonexistent")
	if !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestArtifactName(t *testing.T) {
	if got := ArtifactName("uniswapv2"); got != "Uniswapv2Adapter.evm.runtime" {
		t.Fatalf("ArtifactName(uniswapv2) = %q", got)
	}
	if got := ArtifactName("vm:curve"); got != "CurveAdapter.evm.runtime" {
		t.Fatalf("ArtifactName(vm:curve) = %q", got)
	}
}

func TestLoadDirPopulatesFromArtifactFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "UniswapV2Adapter.evm.runtime"), []byte{0x01, 0x02}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "CurveAdapter.evm.runtime"), []byte{0x03}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := NewRegistry()
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	code, err := r.Code("uniswapv2")
	if err != nil || len(code) != 2 {
		t.Fatalf("Code(uniswapv2) = %v, %v", code, err)
	}
	code, err = r.Code("curve")
	if err != nil || len(code) != 1 {
		t.Fatalf("Code(curve) = %v, %v", code, err)
	}
	if _, err := r.Code("readme"); !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("README.md must not be registered as a protocol, got err=%v", err)
	}
}
