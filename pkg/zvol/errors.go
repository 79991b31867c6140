package zvol

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/cuemby/zvol/pkg/storage"
)

var (
	// ErrNoSuchDevice is returned for absent, dying or removed volumes
	ErrNoSuchDevice = errors.New("no such device")

	// ErrBusy is returned on exclusive-open conflicts and for destroying
	// open volumes
	ErrBusy = errors.New("device busy")

	// ErrReadOnly is returned for writes to read-only or incompatible volumes
	ErrReadOnly = errors.New("read-only device")

	// ErrInvalidArgument is returned for misaligned or out-of-range requests
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIO is returned for out-of-range access and failed block checksums
	ErrIO = errors.New("i/o error")

	// ErrUnsupported is returned for operations the device mode cannot do
	ErrUnsupported = errors.New("operation not supported")

	// ErrAlreadyExists is returned when creating a volume twice
	ErrAlreadyExists = errors.New("device already exists")
)

// Errno maps an error returned by this package to the platform error code
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoSuchDevice):
		return syscall.ENXIO
	case errors.Is(err, ErrBusy):
		return syscall.EBUSY
	case errors.Is(err, ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, ErrUnsupported):
		return syscall.EOPNOTSUPP
	case errors.Is(err, ErrAlreadyExists):
		return syscall.EEXIST
	}
	return syscall.EIO
}

// translate converts storage errors into the device error taxonomy
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrChecksum):
		return fmt.Errorf("%w: %v", ErrIO, err)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNoSuchDevice, err)
	case errors.Is(err, storage.ErrOwned):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case errors.Is(err, storage.ErrReadOnly):
		return fmt.Errorf("%w: %v", ErrReadOnly, err)
	case errors.Is(err, storage.ErrExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, storage.ErrInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

// assertf panics when a locking invariant is broken. Continuing would
// corrupt open counts or free a volume that is still referenced.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("zvol: "+format, args...))
	}
}
