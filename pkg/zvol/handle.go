package zvol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cuemby/zvol/pkg/rangelock"
	"github.com/cuemby/zvol/pkg/storage"
)

// Attributes readable with Handle.Attr and BioGetAttr requests
const (
	AttrCanDelete       = "GEOM::candelete"
	AttrBlocksAvail     = "blocksavail"
	AttrBlocksUsed      = "blocksused"
	AttrPoolBlocksAvail = "poolblocksavail"
	AttrPoolBlocksUsed  = "poolblocksused"
)

// Handle is one open reference to a volume. It reaches the volume through
// its device token, so a revoked device fails every later call with
// ErrNoSuchDevice.
type Handle struct {
	reg      *Registry
	token    Token
	flags    OpenFlag
	closed   atomic.Bool

	// mu orders inflight.Add in Submit against the Wait in Close
	mu       sync.Mutex
	inflight sync.WaitGroup
}

func (h *Handle) volume() (*Volume, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: handle is closed", ErrNoSuchDevice)
	}
	v := h.reg.resolve(h.token)
	if v == nil {
		return nil, fmt.Errorf("%w: device was revoked", ErrNoSuchDevice)
	}
	return v, nil
}

// Close waits for the handle's asynchronous requests and drops its open
// reference. Closing a handle twice panics.
func (h *Handle) Close() error {
	h.mu.Lock()
	wasClosed := h.closed.Swap(true)
	h.mu.Unlock()
	assertf(!wasClosed, "handle closed twice")
	h.inflight.Wait()
	return h.reg.close(h)
}

// Path returns the device path the handle was opened through
func (h *Handle) Path() (string, error) {
	v, err := h.volume()
	if err != nil {
		return "", err
	}
	v.state.Lock()
	defer v.state.Unlock()
	return v.device.Path(), nil
}

func (h *Handle) validate(b *Bio) error {
	switch b.Op {
	case BioRead:
		if uint64(len(b.Data)) < b.Length {
			return fmt.Errorf("%w: buffer shorter than request", ErrInvalidArgument)
		}
	case BioWrite:
		if uint64(len(b.Data)) < b.Length {
			return fmt.Errorf("%w: buffer shorter than request", ErrInvalidArgument)
		}
		if h.flags&OWrite == 0 {
			return fmt.Errorf("%w: handle not open for writing", ErrReadOnly)
		}
	case BioDelete:
		if b.Offset%SectorSize != 0 || b.Length%SectorSize != 0 || b.Length == 0 {
			return fmt.Errorf("%w: delete [%d,+%d) not sector aligned", ErrInvalidArgument, b.Offset, b.Length)
		}
		if h.flags&OWrite == 0 {
			return fmt.Errorf("%w: handle not open for writing", ErrReadOnly)
		}
	case BioFlush:
		if h.flags&OWrite == 0 {
			return fmt.Errorf("%w: handle not open for writing", ErrReadOnly)
		}
	}
	return nil
}

// Submit starts b and completes it through b.Done. Requests run on the
// dispatcher unless the registry is configured for synchronous requests.
// Validation failures complete before Submit returns.
func (h *Handle) Submit(b *Bio) {
	v, err := h.volume()
	if err == nil {
		err = h.validate(b)
	}
	if err != nil {
		b.complete(err)
		return
	}
	if b.Op == BioGetAttr {
		b.Value, err = v.attr(b.Attribute)
		b.complete(err)
		return
	}
	if h.reg.cfg.RequestSync {
		b.complete(v.strategy(b))
		return
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		b.complete(fmt.Errorf("%w: handle is closed", ErrNoSuchDevice))
		return
	}
	h.inflight.Add(1)
	h.mu.Unlock()

	key := QueueKey(v.minor, b.CPU, b.Offset, h.reg.cfg.TaskqOffsetShift)
	h.reg.disp.Dispatch(key, func() {
		defer h.inflight.Done()
		b.complete(v.strategy(b))
	})
}

// Do runs b on the calling goroutine and returns its error. Done is
// still called if set.
func (h *Handle) Do(b *Bio) error {
	v, err := h.volume()
	if err == nil {
		err = h.validate(b)
	}
	if err == nil {
		if b.Op == BioGetAttr {
			b.Value, err = v.attr(b.Attribute)
		} else {
			err = v.strategy(b)
		}
	}
	b.complete(err)
	return err
}

// ReadAt reads from the volume. Reading at the end returns io.EOF; reading
// past it returns ErrIO.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	v, err := h.volume()
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrIO)
	}

	v.suspend.RLock()
	defer v.suspend.RUnlock()

	if err := v.checkActive(); err != nil {
		return 0, err
	}
	volsize := v.volsize.Load()
	if uint64(off) > volsize {
		return 0, fmt.Errorf("%w: offset %d beyond end %d", ErrIO, off, volsize)
	}
	if len(p) == 0 {
		return 0, nil
	}
	length := min(uint64(len(p)), volsize-uint64(off))
	if length == 0 {
		return 0, io.EOF
	}

	lr := v.rl.Enter(uint64(off), length, rangelock.Reader)
	n, err := v.readRange(p, uint64(off), length)
	lr.Exit()
	v.stats.read(n)

	if err != nil {
		return int(n), err
	}
	if int(n) < len(p) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// WriteAt writes to the volume. Writes through a handle opened with OSync,
// or to a volume with sync=always, commit the intent log before returning.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	v, err := h.volume()
	if err != nil {
		return 0, err
	}
	if h.flags&OWrite == 0 {
		return 0, fmt.Errorf("%w: handle not open for writing", ErrReadOnly)
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrIO)
	}

	v.suspend.RLock()
	defer v.suspend.RUnlock()

	if err := v.checkActive(); err != nil {
		return 0, err
	}
	if err := v.checkWritable(); err != nil {
		return 0, err
	}
	if err := v.ensureLog(); err != nil {
		return 0, err
	}

	volsize := v.volsize.Load()
	if uint64(off) > volsize {
		return 0, fmt.Errorf("%w: offset %d beyond end %d", ErrIO, off, volsize)
	}
	length := min(uint64(len(p)), volsize-uint64(off))
	commit := h.flags&OSync != 0 || v.commitAlways()

	lr := v.rl.Enter(uint64(off), length, rangelock.Writer)
	n, err := v.writeRange(p[:length], uint64(off), commit)
	lr.Exit()
	v.stats.write(n)

	if commit {
		if cerr := v.commitLog(); err == nil {
			err = cerr
		}
	}
	if err == nil && int(n) < len(p) {
		err = fmt.Errorf("%w: write past end of volume", ErrIO)
	}
	return int(n), err
}

// SectorSize returns the logical sector size
func (h *Handle) SectorSize() uint32 {
	return SectorSize
}

// MediaSize returns the volume size in bytes
func (h *Handle) MediaSize() (uint64, error) {
	v, err := h.volume()
	if err != nil {
		return 0, err
	}
	return v.volsize.Load(), nil
}

// StripeSize returns the volume block size
func (h *Handle) StripeSize() (uint64, error) {
	v, err := h.volume()
	if err != nil {
		return 0, err
	}
	return v.blockSize, nil
}

// StripeOffset is always zero
func (h *Handle) StripeOffset() uint64 {
	return 0
}

// Flush commits the intent log if anything was written
func (h *Handle) Flush() error {
	v, err := h.volume()
	if err != nil {
		return err
	}
	v.suspend.RLock()
	defer v.suspend.RUnlock()
	return v.commitLog()
}

// Delete frees a sector-aligned range. It does nothing when unmap is
// disabled.
func (h *Handle) Delete(off, length uint64) error {
	v, err := h.volume()
	if err != nil {
		return err
	}
	if !h.reg.cfg.UnmapEnabled {
		return nil
	}
	if h.flags&OWrite == 0 {
		return fmt.Errorf("%w: handle not open for writing", ErrReadOnly)
	}
	if off%SectorSize != 0 || length%SectorSize != 0 || length == 0 {
		return fmt.Errorf("%w: delete [%d,+%d) not sector aligned", ErrInvalidArgument, off, length)
	}

	v.suspend.RLock()
	defer v.suspend.RUnlock()

	if err := v.checkActive(); err != nil {
		return err
	}
	if err := v.checkWritable(); err != nil {
		return err
	}
	if err := v.ensureLog(); err != nil {
		return err
	}
	volsize := v.volsize.Load()
	if off >= volsize {
		return fmt.Errorf("%w: offset %d beyond end %d", ErrInvalidArgument, off, volsize)
	}
	length = min(length, volsize-off)

	lr := v.rl.Enter(off, length, rangelock.Writer)
	err = v.freeRange(off, length)
	lr.Exit()
	if err != nil {
		return err
	}
	if v.commitAlways() {
		return v.commitLog()
	}
	return nil
}

// SeekData returns the first offset at or after off holding data
func (h *Handle) SeekData(off uint64) (uint64, error) {
	return h.seek(false, off)
}

// SeekHole returns the first hole at or after off. The end of the volume
// counts as a hole.
func (h *Handle) SeekHole(off uint64) (uint64, error) {
	return h.seek(true, off)
}

func (h *Handle) seek(hole bool, off uint64) (uint64, error) {
	v, err := h.volume()
	if err != nil {
		return 0, err
	}
	v.suspend.RLock()
	defer v.suspend.RUnlock()

	if err := v.checkActive(); err != nil {
		return 0, err
	}
	lr := v.rl.Enter(0, rangelock.Full, rangelock.Reader)
	next, err := v.ds.OffsetNext(hole, off)
	lr.Exit()
	if errors.Is(err, storage.ErrNoMoreData) {
		return 0, fmt.Errorf("%w: no data after offset %d", ErrNoSuchDevice, off)
	}
	if err != nil {
		return 0, translate(err)
	}
	return next, nil
}

// Attr returns a named device attribute
func (h *Handle) Attr(name string) (int64, error) {
	v, err := h.volume()
	if err != nil {
		return 0, err
	}
	return v.attr(name)
}

func (v *Volume) attr(name string) (int64, error) {
	v.suspend.RLock()
	defer v.suspend.RUnlock()
	if err := v.checkActive(); err != nil {
		return 0, err
	}

	switch name {
	case AttrCanDelete:
		return 1, nil
	case AttrBlocksAvail, AttrBlocksUsed:
		used, avail, err := v.ds.Space()
		if err != nil {
			return 0, translate(err)
		}
		if name == AttrBlocksAvail {
			return int64(avail / SectorSize), nil
		}
		return int64(used / SectorSize), nil
	case AttrPoolBlocksAvail, AttrPoolBlocksUsed:
		alloc, size, err := v.reg.pool.Space()
		if err != nil {
			return 0, translate(err)
		}
		if name == AttrPoolBlocksUsed {
			return int64(alloc / SectorSize), nil
		}
		var avail uint64
		if alloc < size {
			avail = size - alloc
		}
		return int64(avail / SectorSize), nil
	}
	return 0, fmt.Errorf("%w: attribute %q", ErrUnsupported, name)
}

// checkActive fails requests to removing volumes and to volumes whose open
// references were revoked while the request waited. Callers hold suspend.
func (v *Volume) checkActive() error {
	if v.ds == nil {
		return fmt.Errorf("%w: device was revoked", ErrNoSuchDevice)
	}
	v.state.Lock()
	defer v.state.Unlock()
	if v.removing {
		return fmt.Errorf("%w: volume is being removed", ErrNoSuchDevice)
	}
	return nil
}

func (v *Volume) checkWritable() error {
	v.state.Lock()
	defer v.state.Unlock()
	if v.readOnly {
		return ErrReadOnly
	}
	return nil
}
