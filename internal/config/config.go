// Package config loads pzrun.toml, the optional per-project defaults for the
// runtime's flags. Every field is optional; flags given on the command line
// win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config mirrors the pzrun.toml layout.
type Config struct {
	Heap    HeapConfig    `toml:"heap"`
	Runtime RuntimeConfig `toml:"runtime"`
	Stat    StatConfig    `toml:"stat"`
}

// HeapConfig holds collector defaults.
type HeapConfig struct {
	// MaxSize bounds the heap in bytes, 0 means unlimited.
	MaxSize     int  `toml:"max_size"`
	Zealous     bool `toml:"zealous"`
	Trace       bool `toml:"trace"`
	Poison      bool `toml:"poison"`
	SlowAsserts bool `toml:"slow_asserts"`
}

// RuntimeConfig holds loader and output defaults.
type RuntimeConfig struct {
	Verbose   bool   `toml:"verbose"`
	DebugInfo *bool  `toml:"debug_info"`
	Color     string `toml:"color"`
}

// StatConfig holds defaults for the stat subcommand.
type StatConfig struct {
	UI string `toml:"ui"`
	// CacheDir overrides the XDG cache location.
	CacheDir string `toml:"cache_dir"`
}

// Default returns the configuration used when no pzrun.toml exists.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{Color: "auto"},
		Stat:    StatConfig{UI: "auto"},
	}
}

// LoadDebugInfo reports whether debug info should be loaded, defaulting to
// true when the file does not say.
func (c Config) LoadDebugInfo() bool {
	if c.Runtime.DebugInfo == nil {
		return true
	}
	return *c.Runtime.DebugInfo
}

// Find walks from startDir towards the filesystem root looking for a
// pzrun.toml.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "pzrun.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Load parses a configuration file, filling unset fields with defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if len(meta.Undecoded()) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %q", path, meta.Undecoded()[0].String())
	}
	if err := cfg.validate(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom finds and parses the nearest pzrun.toml above startDir. Missing
// files are not an error; the defaults are returned.
func LoadFrom(startDir string) (Config, string, error) {
	path, ok, err := Find(startDir)
	if err != nil {
		return Config{}, "", err
	}
	if !ok {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

func (c Config) validate(path string) error {
	if c.Heap.MaxSize < 0 {
		return fmt.Errorf("%s: [heap].max_size must not be negative", path)
	}
	switch c.Runtime.Color {
	case "", "auto", "on", "off":
	default:
		return fmt.Errorf("%s: [runtime].color must be auto, on or off", path)
	}
	switch c.Stat.UI {
	case "", "auto", "on", "off":
	default:
		return fmt.Errorf("%s: [stat].ui must be auto, on or off", path)
	}
	return nil
}
