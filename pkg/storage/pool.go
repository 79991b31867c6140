package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/zvol/pkg/log"
	"github.com/cuemby/zvol/pkg/metrics"
	"github.com/cuemby/zvol/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

const (
	// PoolFile is the database file name inside the data directory
	PoolFile = "pool.db"

	// CurrentVersion is the newest dataset format this build can write
	CurrentVersion = 1

	// DefaultDirtyMax bounds dirty data before Assign starts waiting
	DefaultDirtyMax = 64 << 20

	// DefaultSyncInterval is how often an open txg is synced to disk
	DefaultSyncInterval = 5 * time.Second

	// DefaultCapacity is the reported pool size when none is configured
	DefaultCapacity = 1 << 40
)

var (
	// Bucket names
	bucketPool     = []byte("pool")
	bucketNames    = []byte("names")
	bucketDatasets = []byte("datasets")
	bucketBlocks   = []byte("blocks")

	keySyncedTxg = []byte("synced_txg")
	keyMeta      = []byte("meta")
)

// Config holds pool tuning
type Config struct {
	DirtyMax     int64
	SyncInterval time.Duration
	Capacity     uint64
}

// Pool is a transactional copy-on-write object pool backed by BoltDB.
//
// Committed transactions land in the open transaction group (txg) held in
// memory. A background syncer quiesces the open txg and writes it to the
// database in a single bolt transaction, so a crash loses at most the
// unsynced txgs. The intent log is what makes those recoverable.
type Pool struct {
	db     *bolt.DB
	dir    string
	cfg    Config
	logger zerolog.Logger

	// namespace serializes pool-wide configuration changes. Volumes take it
	// during first open to avoid inversion with vdev opens.
	namespace sync.Mutex

	mu         sync.Mutex
	cond       *sync.Cond
	openTxg    uint64
	holds      int
	reserved   int64
	quiescing  bool
	dirty      map[string]*dirtySet
	syncing    map[string]*dirtySet
	dirtyBytes int64
	owned      map[string]*Dataset
	closed     bool

	synced atomic.Uint64

	syncMu sync.Mutex
	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// dirtySet holds modified blocks of one dataset; a nil block is a hole
type dirtySet struct {
	blockSize uint64
	blocks    map[uint64][]byte
}

// Open opens (or creates) the pool in dataDir and starts the txg syncer
func Open(dataDir string, cfg Config) (*Pool, error) {
	if cfg.DirtyMax <= 0 {
		cfg.DirtyMax = DefaultDirtyMax
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, PoolFile), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open pool database: %w", err)
	}

	var synced uint64
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPool, bucketNames, bucketDatasets} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		if v := tx.Bucket(bucketPool).Get(keySyncedTxg); v != nil {
			synced = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	p := &Pool{
		db:      db,
		dir:     dataDir,
		cfg:     cfg,
		logger:  log.WithComponent("storage"),
		openTxg: synced + 1,
		dirty:   make(map[string]*dirtySet),
		owned:   make(map[string]*Dataset),
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.synced.Store(synced)

	go p.syncLoop()

	p.logger.Debug().Str("dir", dataDir).Uint64("synced_txg", synced).Msg("pool opened")
	return p, nil
}

// Dir returns the pool data directory
func (p *Pool) Dir() string {
	return p.dir
}

// Namespace returns the pool namespace lock
func (p *Pool) Namespace() *sync.Mutex {
	return &p.namespace
}

// SyncedTxg returns the last transaction group written to disk
func (p *Pool) SyncedTxg() uint64 {
	return p.synced.Load()
}

// Close syncs outstanding transaction groups and closes the database
func (p *Pool) Close() error {
	p.stopSyncer()
	if err := p.Sync(); err != nil {
		p.logger.Error().Err(err).Msg("final txg sync failed")
	}
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.db.Close()
}

// Abandon closes the database without syncing the open txg, as if the
// process had crashed. Unsynced data is lost unless the intent log has it.
func (p *Pool) Abandon() error {
	p.stopSyncer()
	p.mu.Lock()
	p.closed = true
	p.dirty = make(map[string]*dirtySet)
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.db.Close()
}

func (p *Pool) stopSyncer() {
	select {
	case <-p.stopCh:
		return
	default:
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pool) syncLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.kickCh:
		case <-p.stopCh:
			return
		}
		if err := p.Sync(); err != nil {
			p.logger.Error().Err(err).Msg("txg sync failed")
		}
	}
}

// kick asks the syncer to run early. Callers hold p.mu.
func (p *Pool) kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// Sync quiesces the open txg, waits for its holders to commit and writes
// it to disk. It returns once the txg is durable.
func (p *Pool) Sync() error {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.quiescing = true
	for p.holds > 0 {
		p.cond.Wait()
	}
	txg := p.openTxg
	p.syncing = p.dirty
	p.dirty = make(map[string]*dirtySet)
	p.openTxg++
	p.quiescing = false
	p.cond.Broadcast()
	syncing := p.syncing
	p.mu.Unlock()

	if len(syncing) == 0 {
		p.mu.Lock()
		p.syncing = nil
		p.mu.Unlock()
		p.synced.Store(txg)
		return nil
	}

	timer := metrics.NewTimer()
	var written int64
	err := p.db.Update(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		for id, set := range syncing {
			dsb := datasets.Bucket([]byte(id))
			if dsb == nil {
				// Destroyed while dirty
				continue
			}
			blocks := dsb.Bucket(bucketBlocks)
			for blk, data := range set.blocks {
				key := blockKey(blk)
				if data == nil {
					if err := blocks.Delete(key); err != nil {
						return err
					}
					continue
				}
				if err := blocks.Put(key, sealBlock(data)); err != nil {
					return err
				}
				written += int64(len(data))
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, txg)
		return tx.Bucket(bucketPool).Put(keySyncedTxg, buf)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		// Put the txg back underneath newer dirty data so nothing is lost
		for id, set := range syncing {
			cur := p.dirtySetLocked(id, set.blockSize)
			for blk, data := range set.blocks {
				if _, ok := cur.blocks[blk]; !ok {
					cur.blocks[blk] = data
				} else {
					p.dirtyBytes -= int64(set.blockSize)
				}
			}
		}
		p.syncing = nil
		p.cond.Broadcast()
		return fmt.Errorf("failed to sync txg %d: %w", txg, err)
	}
	for _, set := range syncing {
		p.dirtyBytes -= int64(len(set.blocks)) * int64(set.blockSize)
	}
	p.syncing = nil
	p.synced.Store(txg)
	p.cond.Broadcast()

	timer.ObserveDuration(metrics.TxgSyncDuration)
	metrics.TxgSynced.Set(float64(txg))
	p.logger.Debug().Uint64("txg", txg).Int64("bytes", written).Msg("txg synced")
	return nil
}

// dirtySetLocked returns the open-txg dirty set for a dataset, creating it
func (p *Pool) dirtySetLocked(id string, blockSize uint64) *dirtySet {
	set, ok := p.dirty[id]
	if !ok {
		set = &dirtySet{blockSize: blockSize, blocks: make(map[uint64][]byte)}
		p.dirty[id] = set
	}
	return set
}

// putDirtyLocked records a modified block in the open txg
func (p *Pool) putDirtyLocked(id string, blockSize, blk uint64, data []byte) {
	set := p.dirtySetLocked(id, blockSize)
	if _, ok := set.blocks[blk]; !ok {
		p.dirtyBytes += int64(blockSize)
	}
	set.blocks[blk] = data
}

// overlayLocked looks a block up in the in-memory txgs
func (p *Pool) overlayLocked(id string, blk uint64) (data []byte, found bool) {
	if set, ok := p.dirty[id]; ok {
		if data, ok := set.blocks[blk]; ok {
			return data, true
		}
	}
	if set, ok := p.syncing[id]; ok {
		if data, ok := set.blocks[blk]; ok {
			return data, true
		}
	}
	return nil, false
}

// CreateDataset creates a new volume dataset
func (p *Pool) CreateDataset(name string, props types.DatasetProps) (*types.Dataset, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if props.VolBlockSize == 0 || props.VolBlockSize&(props.VolBlockSize-1) != 0 {
		return nil, fmt.Errorf("%w: volblocksize %d is not a power of two", ErrInvalid, props.VolBlockSize)
	}
	if props.VolSize == 0 || props.VolSize%props.VolBlockSize != 0 {
		return nil, fmt.Errorf("%w: volsize %d is not a multiple of volblocksize", ErrInvalid, props.VolSize)
	}
	if props.VolMode == "" {
		props.VolMode = types.VolModeDefault
	}
	if props.Sync == "" {
		props.Sync = types.SyncStandard
	}
	if props.Version == 0 {
		props.Version = CurrentVersion
	}

	ds := &types.Dataset{
		ID:        uuid.New().String(),
		Name:      name,
		Props:     props,
		CreatedAt: time.Now(),
	}

	err := p.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if names.Get([]byte(name)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}
		dsb, err := tx.Bucket(bucketDatasets).CreateBucket([]byte(ds.ID))
		if err != nil {
			return err
		}
		if _, err := dsb.CreateBucket(bucketBlocks); err != nil {
			return err
		}
		data, err := json.Marshal(ds)
		if err != nil {
			return err
		}
		if err := dsb.Put(keyMeta, data); err != nil {
			return err
		}
		return names.Put([]byte(name), []byte(ds.ID))
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("dataset", name).Str("id", ds.ID).Uint64("volsize", props.VolSize).Msg("dataset created")
	return ds, nil
}

// GetDataset returns the stored description of a dataset
func (p *Pool) GetDataset(name string) (*types.Dataset, error) {
	var ds types.Dataset
	err := p.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketNames).Get([]byte(name))
		if id == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		dsb := tx.Bucket(bucketDatasets).Bucket(id)
		if dsb == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return json.Unmarshal(dsb.Get(keyMeta), &ds)
	})
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListDatasets returns all datasets in the pool
func (p *Pool) ListDatasets() ([]*types.Dataset, error) {
	var list []*types.Dataset
	err := p.db.View(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		return tx.Bucket(bucketNames).ForEach(func(k, v []byte) error {
			dsb := datasets.Bucket(v)
			if dsb == nil {
				return nil
			}
			var ds types.Dataset
			if err := json.Unmarshal(dsb.Get(keyMeta), &ds); err != nil {
				return err
			}
			list = append(list, &ds)
			return nil
		})
	})
	return list, err
}

// RenameDataset changes a dataset name; owners keep their handle
func (p *Pool) RenameDataset(oldName, newName string) error {
	var id string
	err := p.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		v := names.Get([]byte(oldName))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, oldName)
		}
		if names.Get([]byte(newName)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, newName)
		}
		id = string(v)
		dsb := tx.Bucket(bucketDatasets).Bucket(v)
		var ds types.Dataset
		if err := json.Unmarshal(dsb.Get(keyMeta), &ds); err != nil {
			return err
		}
		ds.Name = newName
		data, err := json.Marshal(&ds)
		if err != nil {
			return err
		}
		if err := dsb.Put(keyMeta, data); err != nil {
			return err
		}
		if err := names.Delete([]byte(oldName)); err != nil {
			return err
		}
		return names.Put([]byte(newName), []byte(id))
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if ds, ok := p.owned[id]; ok {
		ds.setName(newName)
	}
	p.mu.Unlock()
	return nil
}

// DestroyDataset removes a dataset and all of its blocks
func (p *Pool) DestroyDataset(name string) error {
	ds, err := p.GetDataset(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.owned[ds.ID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOwned, name)
	}
	if set, ok := p.dirty[ds.ID]; ok {
		p.dirtyBytes -= int64(len(set.blocks)) * int64(set.blockSize)
		delete(p.dirty, ds.ID)
	}
	p.mu.Unlock()

	err = p.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDatasets).DeleteBucket([]byte(ds.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketNames).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("failed to destroy dataset %s: %w", name, err)
	}

	p.logger.Info().Str("dataset", name).Msg("dataset destroyed")
	return nil
}

// Own takes exclusive ownership of a dataset. A read-only owner may read
// but any transaction it creates fails to assign.
func (p *Pool) Own(name string, readonly bool) (*Dataset, error) {
	meta, err := p.GetDataset(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if _, ok := p.owned[meta.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrOwned, name)
	}
	ds := &Dataset{
		pool:     p,
		id:       meta.ID,
		name:     meta.Name,
		props:    meta.Props,
		readonly: readonly,
	}
	p.owned[meta.ID] = ds
	return ds, nil
}

// Disown releases ownership taken with Own
func (p *Pool) Disown(ds *Dataset) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.owned[ds.id]; ok && cur == ds {
		delete(p.owned, ds.id)
	}
}

// Space returns allocated bytes and total capacity of the pool
func (p *Pool) Space() (alloc, size uint64, err error) {
	err = p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatasets).ForEach(func(k, v []byte) error {
			dsb := tx.Bucket(bucketDatasets).Bucket(k)
			if dsb == nil {
				return nil
			}
			var ds types.Dataset
			if err := json.Unmarshal(dsb.Get(keyMeta), &ds); err != nil {
				return err
			}
			alloc += uint64(dsb.Bucket(bucketBlocks).Stats().KeyN) * ds.Props.VolBlockSize
			return nil
		})
	})
	return alloc, p.cfg.Capacity, err
}

func blockKey(blk uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, blk)
	return key
}

func blockNum(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
