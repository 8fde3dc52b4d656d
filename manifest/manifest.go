// Package manifest handles embedvm.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the configuration file looked up by Load.
const FileName = "embedvm.toml"

// Bridge modes.
const (
	ModeDirect = "direct"
	ModeWorker = "worker"
)

// Manifest represents an embedvm.toml configuration.
type Manifest struct {
	VM     VMConfig     `toml:"vm"`
	Bridge BridgeConfig `toml:"bridge"`
	Log    LogConfig    `toml:"log"`
	Server ServerConfig `toml:"server"`

	// Dir is the directory containing the embedvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig configures the guest runtime.
type VMConfig struct {
	Module      string `toml:"module"`
	GCThreshold int    `toml:"gc-threshold"`
	MaxCells    int    `toml:"max-cells"`
	MaxDepth    int    `toml:"max-depth"`
}

// BridgeConfig configures the host bridge.
type BridgeConfig struct {
	MaxCallbacks int    `toml:"max-callbacks"`
	Mode         string `toml:"mode"`
	WorkerQueue  int    `toml:"worker-queue"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int `toml:"verbosity"`
}

// ServerConfig configures the remote bridge service.
type ServerConfig struct {
	Addr      string `toml:"addr"`
	HandleTTL string `toml:"handle-ttl"`
}

// Default returns a manifest with every default filled in and no module.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

// Load parses an embedvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes TOML data, fills defaults and validates the result.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an embedvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.VM.GCThreshold == 0 {
		m.VM.GCThreshold = 4096
	}
	if m.VM.MaxDepth == 0 {
		m.VM.MaxDepth = 1000
	}
	if m.Bridge.MaxCallbacks == 0 {
		m.Bridge.MaxCallbacks = 64
	}
	if m.Bridge.Mode == "" {
		m.Bridge.Mode = ModeDirect
	}
	if m.Bridge.WorkerQueue == 0 {
		m.Bridge.WorkerQueue = 64
	}
	if m.Server.Addr == "" {
		m.Server.Addr = ":7071"
	}
	if m.Server.HandleTTL == "" {
		m.Server.HandleTTL = "30m"
	}
}

// Validate checks value ranges and enumerations.
func (m *Manifest) Validate() error {
	if m.VM.GCThreshold < 0 {
		return fmt.Errorf("vm.gc-threshold must not be negative")
	}
	if m.VM.MaxCells < 0 {
		return fmt.Errorf("vm.max-cells must not be negative")
	}
	if m.VM.MaxDepth < 0 {
		return fmt.Errorf("vm.max-depth must not be negative")
	}
	if m.Bridge.MaxCallbacks < 0 {
		return fmt.Errorf("bridge.max-callbacks must not be negative")
	}
	switch m.Bridge.Mode {
	case ModeDirect, ModeWorker:
	default:
		return fmt.Errorf("bridge.mode must be %q or %q, got %q", ModeDirect, ModeWorker, m.Bridge.Mode)
	}
	if m.Bridge.WorkerQueue < 0 {
		return fmt.Errorf("bridge.worker-queue must not be negative")
	}
	if _, err := m.TTL(); err != nil {
		return err
	}
	return nil
}

// ModulePath returns the absolute path of the configured module image, or
// "" if none is configured.
func (m *Manifest) ModulePath() string {
	if m.VM.Module == "" {
		return ""
	}
	if filepath.IsAbs(m.VM.Module) {
		return m.VM.Module
	}
	return filepath.Join(m.Dir, m.VM.Module)
}

// TTL returns the parsed server handle TTL.
func (m *Manifest) TTL() (time.Duration, error) {
	d, err := time.ParseDuration(m.Server.HandleTTL)
	if err != nil {
		return 0, fmt.Errorf("server.handle-ttl: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("server.handle-ttl must be positive")
	}
	return d, nil
}
