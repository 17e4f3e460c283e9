package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zonedb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /dev/nvme0n2
`)
	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "/dev/nvme0n2", cfg.Device.Path)
	assert.Equal(t, uint64(25), cfg.Device.FinishThresholdPct)
	assert.True(t, cfg.Device.ProactiveCleaning)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /dev/nvme1n2
  read_only: true
  finish_threshold_pct: 10
log:
  level: debug
  max_size: 50
`)
	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, cfg.Device.ReadOnly)
	assert.Equal(t, uint64(10), cfg.Device.FinishThresholdPct)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Log.MaxSize)
}

func TestLoadRejectsMissingDevice(t *testing.T) {
	path := writeConfig(t, `
log:
  level: info
`)
	_, err := Load(path, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := writeConfig(t, `
device:
  path: /dev/nvme0n2
  finish_threshold_pct: 140
`)
	_, err := Load(path, zap.NewNop())
	assert.Error(t, err)
}
