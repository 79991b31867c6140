package zvol

import (
	"runtime"
	"time"

	"github.com/cuemby/zvol/pkg/types"
)

const (
	// DefaultTaskqOffsetShift groups 1MiB of offsets onto the same queue
	DefaultTaskqOffsetShift = 20

	// DefaultMaxTransfer is the largest extent handled in one transaction
	DefaultMaxTransfer = 32 << 20

	// DefaultDrainTimeout bounds each wait for open handles during removal
	DefaultDrainTimeout = 10 * time.Second

	// SectorSize is the logical sector size reported to consumers
	SectorSize = 512

	// DevicePrefix is prepended to volume names to form device paths
	DevicePrefix = "zvol"
)

// Config tunes the volume engine
type Config struct {
	// RequestSync runs every request on the submitting goroutine
	RequestSync bool

	// Threads is the number of dispatch workers; zero means one per CPU
	Threads int

	TaskqOffsetShift uint
	MaxTransfer      uint64

	// UnmapEnabled allows Delete requests from character devices
	UnmapEnabled bool

	// DefaultVolMode replaces the "default" volmode property
	DefaultVolMode types.VolMode

	// ReplayDisable discards intent logs at create instead of replaying
	ReplayDisable bool

	// AllowRecursive lets pools probing for vdevs open volumes
	AllowRecursive bool

	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.TaskqOffsetShift == 0 {
		c.TaskqOffsetShift = DefaultTaskqOffsetShift
	}
	if c.MaxTransfer == 0 {
		c.MaxTransfer = DefaultMaxTransfer
	}
	if c.DefaultVolMode == "" || c.DefaultVolMode == types.VolModeDefault {
		c.DefaultVolMode = types.VolModeProvider
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}
