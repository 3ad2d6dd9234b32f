package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/dayn9t/xmem/pkg/shmpool"
)

// Config holds xmemctl defaults. All fields can still be overridden per
// invocation via flags.
type Config struct {
	PoolDir  string `json:"pool_dir"`  //nolint:tagliatelle // snake_case for config file
	Capacity uint32 `json:"capacity"`  // default slot capacity for new pools
	DataSize uint64 `json:"data_size"` //nolint:tagliatelle // snake_case for config file
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PoolDir:  shmpool.DefaultDir,
		Capacity: shmpool.DefaultCapacity,
		DataSize: shmpool.DefaultDataSize,
	}
}

// getConfigPath returns the path to the user config file.
// Uses $XDG_CONFIG_HOME/xmem/config.json if set, otherwise
// ~/.config/xmem/config.json. Returns empty string if the home directory
// cannot be determined.
func getConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "xmem", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "xmem", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "xmem", "config.json")
	}

	return ""
}

// LoadConfig loads configuration: defaults overlaid with the user config
// file, when one exists. The file is JSONC (comments and trailing commas
// allowed).
func LoadConfig(env []string) (Config, error) {
	cfg := DefaultConfig()

	path := getConfigPath(env)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	fileCfg, err := parseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return mergeConfig(cfg, fileCfg), nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.PoolDir != "" {
		base.PoolDir = overlay.PoolDir
	}

	if overlay.Capacity != 0 {
		base.Capacity = overlay.Capacity
	}

	if overlay.DataSize != 0 {
		base.DataSize = overlay.DataSize
	}

	return base
}
