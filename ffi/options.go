package ffi

import (
	"fmt"
	"os"

	"github.com/chazu/embedvm/manifest"
	"github.com/chazu/embedvm/vm"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithMaxCallbacks sets the callback table capacity.
func WithMaxCallbacks(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxCallbacks = n
		}
	}
}

// FromManifest returns the bridge options configured by m.
func FromManifest(m *manifest.Manifest) []Option {
	return []Option{WithMaxCallbacks(m.Bridge.MaxCallbacks)}
}

// VMOptions returns the guest runtime options configured by m.
func VMOptions(m *manifest.Manifest) []vm.Option {
	return []vm.Option{
		vm.WithGCThreshold(m.VM.GCThreshold),
		vm.WithMaxCells(m.VM.MaxCells),
		vm.WithMaxDepth(m.VM.MaxDepth),
	}
}

// LoadImage reads and decodes a module image file.
func LoadImage(path string) (*vm.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read module %s: %w", path, err)
	}
	mod, err := vm.DecodeModule(data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode module %s: %w", path, err)
	}
	return mod, nil
}

// Open builds a VM and bridge from m. If m names a module image it is
// loaded but not initialized, so the host can register callbacks and set
// static fields the initializer depends on before calling Init.
func Open(m *manifest.Manifest) (*Bridge, error) {
	v := vm.NewVM(VMOptions(m)...)
	b, err := New(v, FromManifest(m)...)
	if err != nil {
		return nil, err
	}
	if path := m.ModulePath(); path != "" {
		mod, err := LoadImage(path)
		if err != nil {
			return nil, err
		}
		if err := b.Load(mod); err != nil {
			return nil, err
		}
	}
	return b, nil
}
