// Package config loads and validates pintosfs's on-disk configuration,
// in the same JSON-with-Default()/Validate() shape the teacher's own
// internal/config.Config uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config controls how a pintosfs device is formatted and mounted.
type Config struct {
	// DevicePath is the backing file for the block device. ":memory:"
	// selects an in-memory device instead (used by tests and by
	// `pintosfsctl bench`).
	DevicePath string `json:"device_path"`

	// SectorCount is the total number of 512-byte sectors the device
	// holds. Must be large enough for the two reserved sectors
	// (free-map file, root directory) plus at least one data sector.
	SectorCount uint32 `json:"sector_count"`

	// CacheCapacity is the number of slots in the sector cache.
	CacheCapacity int `json:"cache_capacity"`

	// FormatOnMissing formats a fresh filesystem if DevicePath doesn't
	// already exist, instead of failing to mount.
	FormatOnMissing bool `json:"format_on_missing"`

	// LogLevel selects the github.com/grailbio/base/log verbosity:
	// "off", "error", "info", or "debug".
	LogLevel string `json:"log_level"`
}

// Default returns the configuration pintosfsctl uses when no config file
// is given.
func Default() Config {
	return Config{
		DevicePath:      "./pintosfs.img",
		SectorCount:     8192, // 4 MiB
		CacheCapacity:   64,
		FormatOnMissing: true,
		LogLevel:        "info",
	}
}

// Load reads and validates a JSON config file, falling back to Default()
// fields for anything the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fills in any zero-valued fields with their defaults and rejects
// combinations that can't produce a usable filesystem.
func (c *Config) Validate() error {
	if c.DevicePath == "" {
		c.DevicePath = "./pintosfs.img"
	}
	if c.SectorCount == 0 {
		c.SectorCount = 8192
	}
	if c.SectorCount < 3 {
		return fmt.Errorf("sector_count (%d) must be at least 3 (free map, root dir, one data sector)", c.SectorCount)
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 64
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "off", "error", "info", "debug":
	default:
		return fmt.Errorf("log_level must be one of off/error/info/debug, got %q", c.LogLevel)
	}
	return nil
}
