// Package types holds the model shared by the pool, the volume registry and
// the CLI: volume modes, sync policies, dataset properties and volume
// snapshots.
package types
