package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guest defines a WASM program the executor can instantiate.
type Guest interface {
	// Name returns a unique identifier for this module.
	// Used as the cache key for compiled modules.
	Name() string

	// Module returns the WASM binary.
	Module() []byte

	// Args returns the command-line arguments passed to the instance.
	Args() []string
}

// Binary is a Guest held in memory.
type Binary struct {
	name string
	wasm []byte
	args []string
}

// NewBinary returns a Guest for wasm. The cache key combines label with a
// digest of the module, so a rebuilt file never hits a stale entry.
func NewBinary(label string, wasm []byte, args ...string) *Binary {
	sum := sha256.Sum256(wasm)
	digest := hex.EncodeToString(sum[:6])
	if label == "" {
		label = "guest"
	}
	if len(args) == 0 {
		args = []string{label}
	}
	return &Binary{name: label + "@" + digest, wasm: wasm, args: args}
}

// LoadFile reads a guest module from disk.
func LoadFile(path string, args ...string) (*Binary, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest: %w", err)
	}
	label := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NewBinary(label, wasm, append([]string{label}, args...)...), nil
}

func (b *Binary) Name() string   { return b.name }
func (b *Binary) Module() []byte { return b.wasm }
func (b *Binary) Args() []string { return b.args }
