package mesh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/svanichkin/configobj"

	"lxmesh/ble"
)

// DiskLayout mirrors the teacher's LXMDDiskLayout: a single config dir
// holding the identity file, LXMF storage, and an ini-style config file
// for the node-level tunables this module owns (display name, stamp
// cost, BLE role/limits).
type DiskLayout struct {
	ConfigDir    string
	ConfigPath   string
	IdentityPath string
	StorageDir   string
}

func ResolveLayout(configDir string) DiskLayout {
	return DiskLayout{
		ConfigDir:    configDir,
		ConfigPath:   filepath.Join(configDir, "config"),
		IdentityPath: filepath.Join(configDir, "identity"),
		StorageDir:   filepath.Join(configDir, "storage"),
	}
}

// DefaultConfigText returns the template written the first time a node
// starts against a fresh configDir: display name, delivery stamp cost,
// and the BLE connection limits.
func DefaultConfigText(displayName string) string {
	if displayName == "" {
		displayName = "Me"
	}
	return fmt.Sprintf(defaultConfigTextFmt, displayName)
}

// EnsureConfig writes the default config file if one doesn't already
// exist, the way EnsureLXMDConfigWithDisplayName does for the teacher's
// lxmd-style config.
func EnsureConfig(configDir, displayName string) (DiskLayout, error) {
	layout := ResolveLayout(configDir)
	if err := os.MkdirAll(layout.ConfigDir, 0o755); err != nil {
		return layout, fmt.Errorf("create config dir: %w", err)
	}
	if _, err := os.Stat(layout.ConfigPath); err == nil {
		return layout, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return layout, fmt.Errorf("stat config: %w", err)
	}
	if err := os.WriteFile(layout.ConfigPath, []byte(DefaultConfigText(displayName)), 0o644); err != nil {
		return layout, fmt.Errorf("write default config: %w", err)
	}
	return layout, nil
}

func LoadConfig(configDir string) (*configobj.Config, DiskLayout, error) {
	layout := ResolveLayout(configDir)
	cfg, err := configobj.Load(layout.ConfigPath)
	if err != nil {
		return nil, layout, err
	}
	return cfg, layout, nil
}

func SaveConfig(cfg *configobj.Config, configDir string) (DiskLayout, error) {
	if cfg == nil {
		return ResolveLayout(configDir), errors.New("nil config")
	}
	layout := ResolveLayout(configDir)
	if err := os.MkdirAll(layout.ConfigDir, 0o755); err != nil {
		return layout, fmt.Errorf("create config dir: %w", err)
	}
	if err := cfg.Save(layout.ConfigPath); err != nil {
		return layout, err
	}
	return layout, nil
}

// Tunables is the subset of the on-disk config this module reads back
// into typed fields: node-level display name and stamp cost, plus the BLE
// max connection count and eviction margin.
type Tunables struct {
	DisplayName       string
	DeliveryStampCost *int
	BLEMaxConnections int
	BLEEvictionMargin float64
}

// LoadTunables reads configDir/config, falling back to in-process
// defaults exactly like node.go's prepareRNSConfigDir does for missing
// or partial files — a config file present but missing a key never
// fails the load.
func LoadTunables(configDir string) (Tunables, error) {
	t := Tunables{
		DisplayName:       "Me",
		BLEMaxConnections: ble.DefaultMaxConnections,
		BLEEvictionMargin: ble.DefaultEvictionMargin,
	}
	cfg, _, err := LoadConfig(configDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return t, err
	}

	lxmf := cfg.Section("lxmf")
	if v, ok := lxmf.Get("display_name"); ok && v != "" {
		t.DisplayName = v
	}
	if v, ok := lxmf.Get("delivery_stamp_cost"); ok && v != "" {
		var cost int
		if _, err := fmt.Sscanf(v, "%d", &cost); err == nil {
			t.DeliveryStampCost = &cost
		}
	}

	ble := cfg.Section("ble")
	if v, ok := ble.Get("max_connections"); ok && v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			t.BLEMaxConnections = n
		}
	}
	if v, ok := ble.Get("eviction_margin"); ok && v != "" {
		var m float64
		if _, err := fmt.Sscanf(v, "%f", &m); err == nil && m >= 0 {
			t.BLEEvictionMargin = m
		}
	}
	return t, nil
}

const defaultConfigTextFmt = `[lxmf]
display_name = %s
delivery_stamp_cost =

[ble]
max_connections = 8
eviction_margin = 0.15
`
