package storage

import "errors"

var (
	// ErrNotFound is returned when a dataset name does not resolve
	ErrNotFound = errors.New("dataset not found")

	// ErrExists is returned when creating or renaming onto an existing name
	ErrExists = errors.New("dataset already exists")

	// ErrOwned is returned when a dataset already has an owner
	ErrOwned = errors.New("dataset is owned")

	// ErrRestart is returned by a non-waiting Assign when the pool cannot
	// accept more dirty data yet. Callers retry; it is never user visible.
	ErrRestart = errors.New("transaction must be restarted")

	// ErrChecksum is returned when a stored block fails verification
	ErrChecksum = errors.New("block checksum mismatch")

	// ErrNoMoreData is returned by OffsetNext when no transition exists
	// at or after the requested offset
	ErrNoMoreData = errors.New("no more data")

	// ErrClosed is returned after the pool has been closed
	ErrClosed = errors.New("pool is closed")

	// ErrReadOnly is returned when a read-only owner assigns a transaction
	ErrReadOnly = errors.New("dataset is owned read-only")

	// ErrInvalid is returned for malformed dataset properties
	ErrInvalid = errors.New("invalid dataset properties")
)
