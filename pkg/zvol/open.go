package zvol

import (
	"context"
	"fmt"

	"github.com/cuemby/zvol/pkg/storage"
)

// OpenFlag selects the access mode of a handle
type OpenFlag int

const (
	ORead OpenFlag = 1 << iota
	OWrite
	OExcl
	// OSync makes every write through the handle commit the intent log
	OSync
)

// Open opens the named volume. The first open owns the dataset, read-only
// unless OWrite is set. If the pool namespace lock is contended the open
// backs off and retries; callers already holding it mark ctx with
// storage.WithNamespaceHeld.
func (r *Registry) Open(ctx context.Context, name string, flags OpenFlag) (*Handle, error) {
	if storage.VdevProbe(ctx) && !r.cfg.AllowRecursive {
		return nil, fmt.Errorf("%w: volumes cannot back pool vdevs", ErrUnsupported)
	}

	var h *Handle
	err := r.retry(ctx, func() error {
		var err error
		h, err = r.tryOpen(ctx, name, flags)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (r *Registry) tryOpen(ctx context.Context, name string, flags OpenFlag) (*Handle, error) {
	r.mu.RLock()
	v := r.findLocked(name)
	if v == nil {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}

	v.state.Lock()
	if v.dying || v.removing {
		v.state.Unlock()
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s is being removed", ErrNoSuchDevice, name)
	}

	// Opens hold suspend shared so a suspended volume, whose dataset is
	// released, is never seen half set up. Blocking on it with state held
	// would invert the lock order.
	if !v.suspend.TryRLock() {
		v.state.Unlock()
		v.suspend.RLock()
		v.state.Lock()
		if v.dying || v.removing {
			v.state.Unlock()
			v.suspend.RUnlock()
			r.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s is being removed", ErrNoSuchDevice, name)
		}
	}
	tok := v.device.Token()
	r.mu.RUnlock()

	unlock := func() {
		v.state.Unlock()
		v.suspend.RUnlock()
	}

	var err error
	if v.openCount == 0 {
		held := storage.NamespaceHeld(ctx)
		ns := r.pool.Namespace()
		if !held && !ns.TryLock() {
			unlock()
			return nil, errContended
		}
		err = v.setupLocked(flags&OWrite == 0)
		if !held {
			ns.Unlock()
		}
	}

	if err == nil {
		switch {
		case flags&OWrite != 0 && (v.readOnly || v.incompatible):
			err = fmt.Errorf("%w: %s", ErrReadOnly, name)
		case v.exclusive:
			err = fmt.Errorf("%w: %s is open exclusively", ErrBusy, name)
		case flags&OExcl != 0 && v.openCount != 0:
			err = fmt.Errorf("%w: %s is already open", ErrBusy, name)
		case flags&OExcl != 0:
			v.exclusive = true
		}
	}
	if err == nil {
		v.openCount++
	}
	if v.openCount == 0 {
		v.lastCloseLocked()
		v.wakeLocked()
	}
	unlock()

	if err != nil {
		return nil, err
	}
	v.logger.Debug().Int("flags", int(flags)).Msg("opened")
	return &Handle{reg: r, token: tok, flags: flags}, nil
}

// close drops one open reference held by h
func (r *Registry) close(h *Handle) error {
	r.mu.RLock()
	v := r.devices[h.token]
	if v == nil {
		r.mu.RUnlock()
		return fmt.Errorf("%w: device was revoked", ErrNoSuchDevice)
	}

	v.state.Lock()
	if v.exclusive {
		assertf(v.openCount == 1, "exclusive volume %s has open count %d", v.name, v.openCount)
		v.exclusive = false
	}
	assertf(v.openCount > 0, "close of %s with open count %d", v.name, v.openCount)

	newCount := v.openCount - 1
	dropSuspend := false
	if newCount == 0 {
		dropSuspend = true
		if !v.suspend.TryRLock() {
			v.state.Unlock()
			v.suspend.RLock()
			v.state.Lock()
			newCount = v.openCount - 1
			if newCount != 0 {
				v.suspend.RUnlock()
				dropSuspend = false
			}
		}
	}
	r.mu.RUnlock()

	v.openCount = newCount
	if v.openCount == 0 {
		v.lastCloseLocked()
		v.wakeLocked()
	}

	v.state.Unlock()
	if dropSuspend {
		v.suspend.RUnlock()
	}
	return nil
}
