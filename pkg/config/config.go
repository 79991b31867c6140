package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/cuemby/zvol/pkg/log"
	"github.com/cuemby/zvol/pkg/storage"
	"github.com/cuemby/zvol/pkg/types"
	"github.com/cuemby/zvol/pkg/zvol"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration file
type Config struct {
	DataDir string     `yaml:"data_dir"`
	Log     LogConfig  `yaml:"log"`
	Pool    PoolConfig `yaml:"pool"`
	Zvol    ZvolConfig `yaml:"zvol"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type PoolConfig struct {
	DirtyMax     int64         `yaml:"dirty_max"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	Capacity     uint64        `yaml:"capacity"`
}

type ZvolConfig struct {
	RequestSync      bool          `yaml:"request_sync"`
	Threads          int           `yaml:"threads"`
	TaskqOffsetShift uint          `yaml:"taskq_offset_shift"`
	MaxTransfer      uint64        `yaml:"max_transfer"`
	UnmapEnabled     bool          `yaml:"unmap_enabled"`
	DefaultVolMode   string        `yaml:"default_volmode"`
	ReplayDisable    bool          `yaml:"replay_disable"`
	AllowRecursive   bool          `yaml:"allow_recursive"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/zvol",
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Pool: PoolConfig{
			DirtyMax:     storage.DefaultDirtyMax,
			SyncInterval: storage.DefaultSyncInterval,
			Capacity:     storage.DefaultCapacity,
		},
		Zvol: ZvolConfig{
			Threads:          runtime.NumCPU(),
			TaskqOffsetShift: zvol.DefaultTaskqOffsetShift,
			MaxTransfer:      zvol.DefaultMaxTransfer,
			UnmapEnabled:     true,
			DefaultVolMode:   string(types.VolModeProvider),
			DrainTimeout:     zvol.DefaultDrainTimeout,
		},
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the engine
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Pool.DirtyMax <= 0 {
		return fmt.Errorf("pool.dirty_max must be positive")
	}
	if c.Pool.SyncInterval <= 0 {
		return fmt.Errorf("pool.sync_interval must be positive")
	}
	if c.Zvol.Threads < 0 {
		return fmt.Errorf("zvol.threads must not be negative")
	}
	if c.Zvol.TaskqOffsetShift > 63 {
		return fmt.Errorf("zvol.taskq_offset_shift must be below 64")
	}
	if c.Zvol.MaxTransfer == 0 || c.Zvol.MaxTransfer%512 != 0 {
		return fmt.Errorf("zvol.max_transfer must be a positive multiple of 512")
	}
	if c.Zvol.DrainTimeout <= 0 {
		return fmt.Errorf("zvol.drain_timeout must be positive")
	}
	mode, err := types.ParseVolMode(c.Zvol.DefaultVolMode)
	if err != nil {
		return fmt.Errorf("zvol.default_volmode: %w", err)
	}
	if mode == types.VolModeDefault {
		return fmt.Errorf("zvol.default_volmode must name a concrete mode")
	}
	return nil
}

// StorageOptions returns the pool settings
func (c *Config) StorageOptions() storage.Config {
	return storage.Config{
		DirtyMax:     c.Pool.DirtyMax,
		SyncInterval: c.Pool.SyncInterval,
		Capacity:     c.Pool.Capacity,
	}
}

// ZvolOptions returns the volume engine settings
func (c *Config) ZvolOptions() zvol.Config {
	// Validate has already rejected unparsable modes
	mode, _ := types.ParseVolMode(c.Zvol.DefaultVolMode)
	return zvol.Config{
		RequestSync:      c.Zvol.RequestSync,
		Threads:          c.Zvol.Threads,
		TaskqOffsetShift: c.Zvol.TaskqOffsetShift,
		MaxTransfer:      c.Zvol.MaxTransfer,
		UnmapEnabled:     c.Zvol.UnmapEnabled,
		DefaultVolMode:   mode,
		ReplayDisable:    c.Zvol.ReplayDisable,
		AllowRecursive:   c.Zvol.AllowRecursive,
		DrainTimeout:     c.Zvol.DrainTimeout,
	}
}

// LogOptions returns the logger settings
func (c *Config) LogOptions() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
