package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/core/system"
)

func TestLoadConfig(t *testing.T) {
	file := writeFile(t, "config.toml", `
[Database]
Engine = "boltdb"
Cache = 64

[Execution]
CostUnitLimit = 5000
Trace = true

[Execution.Costing]
CostUnitPrice = "0x10"
LoanUnits = 1000

[Execution.Limits]
MaxCallDepth = 4

[Metrics]
Enabled = true
`)
	cfg := defaultConfig()
	require.NoError(t, loadConfig(file, &cfg))

	assert.Equal(t, "boltdb", cfg.Database.Engine)
	assert.Equal(t, 64, cfg.Database.Cache)
	assert.Equal(t, uint64(5000), cfg.Execution.CostUnitLimit)
	assert.True(t, cfg.Execution.Trace)
	assert.Equal(t, uint64(16), cfg.Execution.Costing.CostUnitPrice.Uint64())
	assert.Equal(t, uint32(1000), cfg.Execution.Costing.LoanUnits)
	assert.Equal(t, system.DefaultCostingParams.TxBase, cfg.Execution.Costing.TxBase)
	assert.Equal(t, 4, cfg.Execution.Limits.MaxCallDepth)
	assert.Equal(t, system.DefaultLimits.MaxHeapSize, cfg.Execution.Limits.MaxHeapSize)
	assert.True(t, cfg.Metrics.Enabled)

	// The defaults are not shared with loaded configurations.
	assert.True(t, system.DefaultCostingParams.CostUnitPrice.IsZero())
	require.NoError(t, cfg.validate())
}

func TestLoadConfigUnknownField(t *testing.T) {
	cfg := defaultConfig()
	err := loadConfig(writeFile(t, "config.toml", "[Database]\nBackend = \"pebble\"\n"), &cfg)
	assert.ErrorContains(t, err, "Backend")
}

func TestValidateConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Execution.Limits.MaxCallDepth = 0
	assert.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.Database.DataDir = ""
	assert.Error(t, cfg.validate())
	cfg.Database.Engine = "memory"
	assert.NoError(t, cfg.validate())
}

func TestDumpConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	out := runApp(t, "--datadir", dir, "--db.engine", "leveldb", "--costunit.price", "3", "dumpconfig")
	assert.Contains(t, out, "[Execution.Costing]")

	cfg := defaultConfig()
	require.NoError(t, loadConfig(writeFile(t, "dumped.toml", out), &cfg))
	assert.Equal(t, dir, cfg.Database.DataDir)
	assert.Equal(t, "leveldb", cfg.Database.Engine)
	assert.Equal(t, uint64(3), cfg.Execution.Costing.CostUnitPrice.Uint64())
}

func TestConfigFileAndFlags(t *testing.T) {
	file := writeFile(t, "config.toml", "[Database]\nEngine = \"boltdb\"\nCache = 32\n")
	out := runApp(t, "--config", file, "--cache", "48", "dumpconfig")

	cfg := defaultConfig()
	require.NoError(t, loadConfig(writeFile(t, "dumped.toml", out), &cfg))
	assert.Equal(t, "boltdb", cfg.Database.Engine)
	assert.Equal(t, 48, cfg.Database.Cache)
	assert.False(t, bytes.Contains([]byte(out), []byte("Enabled = true")))
}
