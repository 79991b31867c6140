package zvol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/zvol/pkg/events"
	"github.com/cuemby/zvol/pkg/metrics"
	"github.com/cuemby/zvol/pkg/storage"
	"github.com/cuemby/zvol/pkg/types"
	"github.com/cuemby/zvol/pkg/zil"
)

// CreateMinor registers the volume for an existing dataset. Outstanding
// intent log records are replayed into the dataset first, unless the
// volume is read-only or replay is disabled.
func (r *Registry) CreateMinor(name string) error {
	r.mu.RLock()
	exists := r.findLocked(name) != nil
	closing := r.closing
	r.mu.RUnlock()
	if closing {
		return fmt.Errorf("%w: registry is closed", ErrNoSuchDevice)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	meta, err := r.pool.GetDataset(name)
	if err != nil {
		return translate(err)
	}
	mode := meta.Props.VolMode
	if mode == types.VolModeDefault || mode == "" {
		mode = r.cfg.DefaultVolMode
	}
	if mode == types.VolModeNone {
		return fmt.Errorf("%w: %s has volmode none", ErrUnsupported, name)
	}

	readonly := meta.Props.ReadOnly || meta.Props.Version > storage.CurrentVersion
	ds, err := r.pool.Own(name, readonly)
	if err != nil {
		return fmt.Errorf("failed to own dataset: %w", translate(err))
	}
	defer r.pool.Disown(ds)

	v := newVolume(r, name, ds)
	v.readOnly = readonly

	if err := r.replay(v, ds, readonly); err != nil {
		v.stats.destroy()
		return err
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		v.stats.destroy()
		return fmt.Errorf("%w: registry is closed", ErrNoSuchDevice)
	}
	if r.findLocked(name) != nil {
		r.mu.Unlock()
		v.stats.destroy()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	r.nextMinor++
	v.minor = r.nextMinor
	v.device = r.newDeviceLocked(mode, name)
	r.insertLocked(v)
	path := v.device.Path()
	r.mu.Unlock()

	v.logger.Info().Str("path", path).Str("mode", string(mode)).Msg("volume created")
	r.publish(events.EventVolumeCreated, name, "volume created", map[string]string{"path": path})
	return nil
}

// replay applies outstanding intent log records and discards the log.
// Nothing is written to read-only volumes; their log is kept for a later
// writable create.
func (r *Registry) replay(v *Volume, ds *storage.Dataset, readonly bool) error {
	zl, err := zil.Open(r.pool.Dir(), ds.ID(), func(uint64, uint64) ([]byte, error) { return nil, nil }, r.pool.SyncedTxg)
	if err != nil {
		return fmt.Errorf("%w: failed to open intent log: %v", ErrIO, err)
	}
	defer zl.Close()

	if readonly {
		return nil
	}
	if r.cfg.ReplayDisable {
		if err := zl.Destroy(); err != nil {
			return fmt.Errorf("%w: failed to discard intent log: %v", ErrIO, err)
		}
		return nil
	}

	n, err := zl.Replay(func(rec zil.Record) error {
		return replayRecord(ds, rec)
	})
	if err != nil {
		return fmt.Errorf("%w: intent log replay failed: %v", ErrIO, err)
	}
	if n > 0 {
		if err := r.pool.Sync(); err != nil {
			return fmt.Errorf("%w: failed to sync replayed records: %v", ErrIO, err)
		}
		v.logger.Info().Int("records", n).Msg("replayed intent log")
	}
	if err := zl.Destroy(); err != nil {
		return fmt.Errorf("%w: failed to discard intent log: %v", ErrIO, err)
	}
	return nil
}

func replayRecord(ds *storage.Dataset, rec zil.Record) error {
	volsize := ds.Volsize()
	if rec.Offset >= volsize {
		return nil
	}
	length := min(rec.Length, volsize-rec.Offset)

	tx := ds.CreateTx()
	switch rec.Op {
	case zil.OpWrite:
		tx.HoldWrite(rec.Offset, length)
	case zil.OpTruncate:
		tx.HoldFree(rec.Offset, length)
	default:
		return fmt.Errorf("unknown log record %q", rec.Op)
	}
	if err := tx.Assign(true); err != nil {
		tx.Abort()
		return err
	}
	if rec.Op == zil.OpWrite {
		tx.Write(rec.Offset, rec.Data[:min(uint64(len(rec.Data)), length)])
	} else {
		tx.Free(rec.Offset, length)
	}
	return tx.Commit()
}

// Destroy unregisters a volume that nobody has open
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	v := r.findLocked(name)
	if v == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}
	v.state.Lock()
	if v.openCount > 0 {
		v.state.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is open", ErrBusy, name)
	}
	r.removeLocked(v)
	v.state.Unlock()
	r.mu.Unlock()

	r.free(v)
	return nil
}

// free releases a volume that is no longer reachable from the registry
func (r *Registry) free(v *Volume) {
	assertf(v.openCount == 0, "freeing %s with open count %d", v.name, v.openCount)
	assertf(v.ds == nil, "freeing %s with dataset owned", v.name)
	v.stats.destroy()
	v.logger.Info().Str("path", v.device.Path()).Msg("volume removed")
	r.publish(events.EventVolumeRemoved, v.name, "volume removed", nil)
}

// Remove marks a volume as removing, waits for its open handles to close
// and destroys it. New opens and I/O fail as soon as it is marked. If ctx
// ends first the volume stays marked and a later Remove resumes the wait.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	v := r.findLocked(name)
	if v == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}
	v.state.Lock()
	v.removing = true
	v.dying = true
	v.state.Unlock()
	r.mu.Unlock()

	stuck := false
	for {
		v.state.Lock()
		if v.openCount == 0 {
			v.state.Unlock()
			break
		}
		count := v.openCount
		wait := v.drainCh
		v.state.Unlock()

		select {
		case <-wait:
		case <-time.After(r.cfg.DrainTimeout):
			v.logger.Warn().Int("open_count", count).Msg("waiting for volume to be closed")
			metrics.Degrade("registry", "waiting for "+name+" to be closed")
			stuck = true
		case <-ctx.Done():
			return fmt.Errorf("failed to drain %s: %w", name, ctx.Err())
		}
	}
	if stuck {
		metrics.UpdateComponent("registry", true, "")
	}

	r.mu.Lock()
	if r.devices[v.device.Token()] != v {
		// A concurrent Remove finished first
		r.mu.Unlock()
		return nil
	}
	v.state.Lock()
	assertf(v.openCount == 0, "removing %s with open count %d", name, v.openCount)
	r.removeLocked(v)
	v.state.Unlock()
	r.mu.Unlock()

	r.free(v)
	return nil
}

// Rename moves a volume and its dataset to newName. Provider handles stay
// valid across the rename; character device handles are revoked, since the
// old node is destroyed.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) error {
	r.mu.RLock()
	taken := r.findLocked(newName) != nil
	r.mu.RUnlock()
	if taken {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, newName)
	}

	if err := r.pool.RenameDataset(oldName, newName); err != nil {
		return translate(err)
	}

	var revoked int
	found := false
	err := r.retry(ctx, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		v := r.findLocked(oldName)
		if v == nil {
			return nil
		}
		found = true
		v.state.Lock()
		defer v.state.Unlock()

		if _, ok := v.device.(*CharDev); ok && v.openCount > 0 {
			// In-flight I/O holds suspend shared
			if !v.suspend.TryLock() {
				return errContended
			}
			revoked = v.openCount
			v.exclusive = false
			v.openCount = 0
			v.lastCloseLocked()
			v.wakeLocked()
			v.suspend.Unlock()
		}

		r.unhashLocked(v)
		v.name = newName
		h := nameHash(newName)
		r.byHash[h] = append(r.byHash[h], v)

		switch dev := v.device.(type) {
		case *Provider:
			dev.path = devicePath(newName)
		case *CharDev:
			delete(r.devices, dev.token)
			v.device = r.newDeviceLocked(types.VolModeDev, newName)
			r.devices[v.device.Token()] = v
		}
		v.logger = r.logger.With().Str("volume", newName).Logger()
		v.stats.rename(newName)
		return nil
	})
	if err != nil {
		// The registry still knows the volume by its old name
		if rerr := r.pool.RenameDataset(newName, oldName); rerr != nil {
			r.logger.Error().Err(rerr).Str("from", newName).Str("to", oldName).
				Msg("failed to restore dataset name")
		}
		return fmt.Errorf("failed to rename %s: %w", oldName, err)
	}
	if !found {
		return nil
	}

	if revoked > 0 {
		r.publish(events.EventVolumeGone, oldName, "open handles revoked by rename",
			map[string]string{"handles": strconv.Itoa(revoked)})
	}
	r.publish(events.EventVolumeRenamed, newName, "volume renamed", map[string]string{"from": oldName})
	r.logger.Info().Str("from", oldName).Str("to", newName).Msg("volume renamed")
	return nil
}

// SetVolsize changes the size of a volume, freeing the tail on shrink
func (r *Registry) SetVolsize(name string, size uint64) error {
	r.mu.RLock()
	v := r.findLocked(name)
	if v == nil {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}
	v.suspend.Lock()
	r.mu.RUnlock()
	defer v.suspend.Unlock()

	v.state.Lock()
	defer v.state.Unlock()

	if v.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	if size == 0 || size%v.blockSize != 0 {
		return fmt.Errorf("%w: volsize %d is not a multiple of volblocksize %d", ErrInvalidArgument, size, v.blockSize)
	}

	ds := v.ds
	if ds == nil {
		var err error
		ds, err = r.pool.Own(v.name, false)
		if err != nil {
			return fmt.Errorf("failed to own dataset: %w", translate(err))
		}
		defer r.pool.Disown(ds)
	}

	old := v.volsize.Load()
	if err := ds.SetVolsize(size); err != nil {
		return fmt.Errorf("failed to set volsize: %w", translate(err))
	}
	v.volsize.Store(size)
	v.updateVolsizeLocked(old, size)
	return nil
}

// updateVolsizeLocked tells device consumers about a new size. A provider
// that has never been opened has no consumers and no media size yet, so
// the first size is set silently.
func (v *Volume) updateVolsizeLocked(old, size uint64) {
	meta := map[string]string{
		"old_size": strconv.FormatUint(old, 10),
		"size":     strconv.FormatUint(size, 10),
	}
	switch dev := v.device.(type) {
	case *Provider:
		if dev.mediasize == 0 {
			dev.mediasize = size
			return
		}
		if dev.mediasize == size {
			return
		}
		dev.mediasize = size
		v.reg.publish(events.EventVolumeResized, v.name, "provider resized", meta)
	case *CharDev:
		v.reg.publish(events.EventVolumeAttrib, v.name, "device attributes changed", meta)
	}
}

// SetReadOnly sets or clears the read-only flag. It is reset from the
// dataset properties on the next first open.
func (r *Registry) SetReadOnly(name string, readonly bool) error {
	r.mu.RLock()
	v := r.findLocked(name)
	if v == nil {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}
	v.suspend.Lock()
	r.mu.RUnlock()
	defer v.suspend.Unlock()

	v.state.Lock()
	defer v.state.Unlock()
	if !readonly && v.ds != nil && v.ds.ReadOnly() {
		return fmt.Errorf("%w: %s is owned read-only", ErrReadOnly, name)
	}
	v.readOnly = readonly
	return nil
}

// Suspend blocks all I/O to a volume and releases its dataset until the
// returned resume function is called.
func (r *Registry) Suspend(name string) (resume func() error, err error) {
	r.mu.RLock()
	v := r.findLocked(name)
	if v == nil {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}
	v.suspend.Lock()
	r.mu.RUnlock()

	v.state.Lock()
	v.suspendRef++
	wasReadOnly := v.readOnly
	if v.openCount > 0 {
		v.shutdownLocked()
	}
	v.state.Unlock()

	resumed := false
	return func() error {
		if resumed {
			return errors.New("volume already resumed")
		}
		resumed = true
		defer v.suspend.Unlock()

		v.state.Lock()
		defer v.state.Unlock()
		v.suspendRef--
		if v.openCount == 0 {
			return nil
		}
		if err := v.setupLocked(wasReadOnly); err != nil {
			v.logger.Error().Err(err).Msg("failed to resume volume")
			return err
		}
		return nil
	}, nil
}
