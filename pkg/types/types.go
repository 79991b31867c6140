package types

import (
	"fmt"
	"time"
)

// VolMode selects how a volume is exposed to device consumers
type VolMode string

const (
	VolModeDefault  VolMode = "default"  // Resolved from configuration
	VolModeProvider VolMode = "provider" // Block provider (GEOM-like)
	VolModeDev      VolMode = "dev"      // Character device only
	VolModeNone     VolMode = "none"     // No device node
)

// ParseVolMode parses a volume mode property value
func ParseVolMode(s string) (VolMode, error) {
	switch VolMode(s) {
	case VolModeDefault, VolModeProvider, VolModeDev, VolModeNone:
		return VolMode(s), nil
	case "":
		return VolModeDefault, nil
	case "geom":
		return VolModeProvider, nil
	}
	return "", fmt.Errorf("invalid volmode: %q", s)
}

// SyncPolicy controls when writes are forced into the intent log
type SyncPolicy string

const (
	SyncStandard SyncPolicy = "standard" // Only explicit sync requests commit the log
	SyncAlways   SyncPolicy = "always"   // Every write commits the log
	SyncDisabled SyncPolicy = "disabled" // Log commits are skipped
)

// ParseSyncPolicy parses a sync property value
func ParseSyncPolicy(s string) (SyncPolicy, error) {
	switch SyncPolicy(s) {
	case SyncStandard, SyncAlways, SyncDisabled:
		return SyncPolicy(s), nil
	case "":
		return SyncStandard, nil
	}
	return "", fmt.Errorf("invalid sync policy: %q", s)
}

// DatasetProps are the properties a volume dataset is created with
type DatasetProps struct {
	VolSize      uint64     `json:"volsize"`
	VolBlockSize uint64     `json:"volblocksize"`
	VolMode      VolMode    `json:"volmode"`
	Sync         SyncPolicy `json:"sync"`
	ReadOnly     bool       `json:"readonly"`
	Version      uint64     `json:"version"`
}

// Dataset describes a volume dataset stored in the pool
type Dataset struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Props     DatasetProps `json:"props"`
	CreatedAt time.Time    `json:"created_at"`
}

// VolumeInfo is a point-in-time view of a registered volume
type VolumeInfo struct {
	Name       string
	Minor      uint64
	Mode       VolMode
	Path       string
	VolSize    uint64
	BlockSize  uint64
	OpenCount  int
	ReadOnly   bool
	Exclusive  bool
	WrittenTo  bool
	Removing   bool
}
