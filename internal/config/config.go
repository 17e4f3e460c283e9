package config

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	RunDir    string `yaml:"run_dir"`
	BackupDir string `yaml:"backup_dir"`
	Level     string `yaml:"level"`
	MaxSize   int    `yaml:"max_size"` // MB
	MaxBackup int    `yaml:"max_backups"`
	MaxAge    int    `yaml:"max_age"` // days
}

type DeviceConfig struct {
	// Path to the zoned block device, e.g. /dev/nvme0n2.
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only"`
	// FinishThresholdPct is the remaining-capacity percentage below which
	// the allocator finishes a non-open zone during housekeeping.
	FinishThresholdPct uint64 `yaml:"finish_threshold_pct"`
	// ProactiveCleaning enables the free-ratio-triggered cleaning pass in
	// the allocator. Reactive cleaning always runs.
	ProactiveCleaning bool `yaml:"proactive_cleaning"`
}

type Config struct {
	Device DeviceConfig `yaml:"device"`
	Log    LogConfig    `yaml:"log"`
}

func Default() Config {
	return Config{
		Device: DeviceConfig{
			FinishThresholdPct: 25,
			ProactiveCleaning:  true,
		},
		Log: LogConfig{
			RunDir:    "/var/log/zonedb/run",
			BackupDir: "/var/log/zonedb/bak",
			Level:     "info",
			MaxSize:   100,
			MaxBackup: 30,
			MaxAge:    90,
		},
	}
}

func Load(path string, logger *zap.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Loaded config.",
		zap.String("config_path", path),
		zap.Any("config", cfg),
	)
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Device.Path == "" {
		return errors.New("device path must be specified")
	}
	if c.Device.FinishThresholdPct > 100 {
		return errors.New("finish_threshold_pct must be between 0-100")
	}
	return nil
}
