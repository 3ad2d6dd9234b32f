package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/natefinch/atomic"

	"github.com/dayn9t/xmem/pkg/shmpool"
)

// registryFileName is the registry file kept next to the pool regions.
// Regions created without xmemctl are not listed until something opens them
// through it.
const registryFileName = ".xmemctl-registry.json"

// Registry records the pools xmemctl has touched in a directory.
type Registry struct {
	Pools []RegistryEntry `json:"pools"`
}

// RegistryEntry is one known pool.
type RegistryEntry struct {
	Name      string    `json:"name"`
	FirstSeen time.Time `json:"first_seen"` //nolint:tagliatelle // snake_case for registry file
}

func registryPath(dir string) string {
	if dir == "" {
		dir = shmpool.DefaultDir
	}

	return filepath.Join(dir, registryFileName)
}

// loadRegistry reads the registry for a directory. A missing file is an
// empty registry.
func loadRegistry(dir string) (Registry, error) {
	data, err := os.ReadFile(registryPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Registry{}, nil
		}

		return Registry{}, err
	}

	var reg Registry

	if err := json.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("parsing registry: %w", err)
	}

	return reg, nil
}

// saveRegistry writes the registry atomically so a crashed xmemctl never
// leaves a truncated file behind.
func saveRegistry(dir string, reg Registry) error {
	sort.Slice(reg.Pools, func(i, j int) bool {
		return reg.Pools[i].Name < reg.Pools[j].Name
	})

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	return atomic.WriteFile(registryPath(dir), bytes.NewReader(data))
}

// recordPool adds a pool to the registry, if not already present.
func recordPool(dir, name string) error {
	reg, err := loadRegistry(dir)
	if err != nil {
		return err
	}

	for _, entry := range reg.Pools {
		if entry.Name == name {
			return nil
		}
	}

	reg.Pools = append(reg.Pools, RegistryEntry{
		Name:      name,
		FirstSeen: time.Now().UTC(),
	})

	return saveRegistry(dir, reg)
}

// forgetPool removes a pool from the registry.
func forgetPool(dir, name string) error {
	reg, err := loadRegistry(dir)
	if err != nil {
		return err
	}

	kept := reg.Pools[:0]

	for _, entry := range reg.Pools {
		if entry.Name != name {
			kept = append(kept, entry)
		}
	}

	if len(kept) == len(reg.Pools) {
		return nil
	}

	reg.Pools = kept

	return saveRegistry(dir, reg)
}
