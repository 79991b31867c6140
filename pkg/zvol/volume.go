package zvol

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/zvol/pkg/rangelock"
	"github.com/cuemby/zvol/pkg/storage"
	"github.com/cuemby/zvol/pkg/types"
	"github.com/cuemby/zvol/pkg/zil"
	"github.com/rs/zerolog"
)

// Volume is one registered volume.
//
// Lock order is registry, then suspend, then state. The suspend lock is
// held shared by every I/O and exclusively by operations that replace the
// dataset or intent log underneath I/O (resize, suspend, log open). The
// state lock guards open accounting and flags.
type Volume struct {
	reg    *Registry
	minor  uint64
	logger zerolog.Logger
	stats  *kstats
	rl     *rangelock.Lock

	suspend sync.RWMutex

	// Guarded by state; name and device also change only under the
	// registry lock held exclusively.
	state      sync.Mutex
	name       string
	device     Device
	openCount  int
	exclusive  bool
	readOnly   bool
	writtenTo  bool
	// Dataset was written by a newer format; set at first open
	incompatible bool
	dying      bool
	removing   bool
	suspendRef int
	drainCh    chan struct{}

	// Set by first open and cleared by last close, both with open count
	// zero, so holders of an open handle may read them under suspend.
	ds    *storage.Dataset
	zilog *zil.Log

	volsize   atomic.Uint64
	blockSize uint64
	sync      types.SyncPolicy
}

func newVolume(r *Registry, name string, ds *storage.Dataset) *Volume {
	props := ds.Props()
	v := &Volume{
		reg:       r,
		logger:    r.logger.With().Str("volume", name).Logger(),
		stats:     newKstats(name),
		rl:        rangelock.New(),
		name:      name,
		drainCh:   make(chan struct{}),
		blockSize: props.VolBlockSize,
		sync:      props.Sync,
	}
	v.volsize.Store(props.VolSize)
	return v
}

// Name returns the current volume name
func (v *Volume) Name() string {
	v.state.Lock()
	defer v.state.Unlock()
	return v.name
}

func (v *Volume) info() types.VolumeInfo {
	v.state.Lock()
	defer v.state.Unlock()
	return types.VolumeInfo{
		Name:      v.name,
		Minor:     v.minor,
		Mode:      v.device.Mode(),
		Path:      v.device.Path(),
		VolSize:   v.volsize.Load(),
		BlockSize: v.blockSize,
		OpenCount: v.openCount,
		ReadOnly:  v.readOnly,
		Exclusive: v.exclusive,
		WrittenTo: v.writtenTo,
		Removing:  v.removing,
	}
}

// wakeLocked releases everyone waiting for the open count to change
func (v *Volume) wakeLocked() {
	close(v.drainCh)
	v.drainCh = make(chan struct{})
}

// setupLocked owns the dataset for I/O. Callers hold state and suspend.
func (v *Volume) setupLocked(readonly bool) error {
	ds, err := v.reg.pool.Own(v.name, readonly)
	if err != nil {
		return fmt.Errorf("failed to own dataset: %w", translate(err))
	}
	v.ds = ds
	v.volsize.Store(ds.Volsize())
	v.readOnly = readonly || ds.Props().ReadOnly
	v.incompatible = ds.Incompatible()
	if p, ok := v.device.(*Provider); ok {
		p.mediasize = ds.Volsize()
		p.stripesize = v.blockSize
	}
	return nil
}

// shutdownLocked closes the intent log session and releases the dataset.
// Data written through this session is synced before the dataset is
// released. Callers hold state and suspend with no I/O in flight.
func (v *Volume) shutdownLocked() {
	if v.zilog != nil {
		if err := v.zilog.Close(); err != nil {
			v.logger.Warn().Err(err).Msg("failed to close intent log")
		}
		v.zilog = nil
	}
	if v.ds == nil {
		return
	}
	if v.writtenTo && !v.ds.ReadOnly() {
		if err := v.reg.pool.Sync(); err != nil {
			v.logger.Error().Err(err).Msg("failed to sync pool on last close")
		}
	}
	v.reg.pool.Disown(v.ds)
	v.ds = nil
}

// lastCloseLocked runs when the open count drops to zero
func (v *Volume) lastCloseLocked() {
	v.shutdownLocked()
	v.logger.Debug().Msg("last close")
}

// ensureLog opens the intent log session on the first write. Callers hold
// suspend shared; it is briefly upgraded and held shared again on return,
// so anything read under the shared hold must be re-read afterwards.
func (v *Volume) ensureLog() error {
	if v.zilog != nil {
		return nil
	}

	v.suspend.RUnlock()
	v.suspend.Lock()
	var err error
	if v.zilog == nil && v.ds != nil {
		var l *zil.Log
		l, err = zil.Open(v.reg.pool.Dir(), v.ds.ID(), v.logData, v.reg.pool.SyncedTxg)
		if err == nil {
			v.zilog = l
			v.state.Lock()
			v.writtenTo = true
			v.state.Unlock()
		}
	}
	v.suspend.Unlock()
	v.suspend.RLock()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	// Revoked while suspend was released
	if v.ds == nil || v.zilog == nil {
		return fmt.Errorf("%w: device was revoked", ErrNoSuchDevice)
	}
	return nil
}

// logData fills asynchronous write records from the volume at commit time.
// Ranges past the current end were truncated since and are dropped.
func (v *Volume) logData(off, length uint64) ([]byte, error) {
	lr := v.rl.Enter(off, length, rangelock.Reader)
	defer lr.Exit()

	if off+length > v.volsize.Load() {
		return nil, nil
	}
	return v.ds.Read(off, length)
}

// commitLog makes logged writes durable. Callers hold suspend shared.
func (v *Volume) commitLog() error {
	if v.zilog == nil || v.sync == types.SyncDisabled {
		return nil
	}
	if err := v.zilog.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (v *Volume) logWrite(txg, off uint64, data []byte, sync bool) {
	if v.sync == types.SyncDisabled {
		return
	}
	v.zilog.Append(zil.Record{
		Txg:    txg,
		Op:     zil.OpWrite,
		Offset: off,
		Length: uint64(len(data)),
		Data:   data,
		Sync:   sync,
	})
}

func (v *Volume) logTruncate(txg, off, length uint64) {
	if v.sync == types.SyncDisabled {
		return
	}
	v.zilog.Append(zil.Record{
		Txg:    txg,
		Op:     zil.OpTruncate,
		Offset: off,
		Length: length,
	})
}

// commitAlways reports whether every write must commit the log
func (v *Volume) commitAlways() bool {
	return v.sync == types.SyncAlways
}
