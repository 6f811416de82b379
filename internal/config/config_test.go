package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosfs/pintosfs/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "./pintosfs.img", cfg.DevicePath)
	assert.EqualValues(t, 8192, cfg.SectorCount)
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadFillsMissingFieldsFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sector_count": 4096}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, cfg.SectorCount)
	assert.Equal(t, "./pintosfs.img", cfg.DevicePath)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidateRejectsTooFewSectors(t *testing.T) {
	cfg := config.Config{SectorCount: 2}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := config.Config{LogLevel: "verbose"}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsKnownLogLevels(t *testing.T) {
	for _, lvl := range []string{"off", "error", "info", "debug", ""} {
		cfg := config.Config{LogLevel: lvl}
		assert.NoError(t, cfg.Validate(), lvl)
	}
}
