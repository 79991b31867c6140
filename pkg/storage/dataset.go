package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/zvol/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Dataset is an owned handle on a volume dataset
type Dataset struct {
	pool     *Pool
	id       string
	readonly bool

	mu    sync.RWMutex
	name  string
	props types.DatasetProps
}

// ID returns the stable dataset identifier
func (d *Dataset) ID() string {
	return d.id
}

// Name returns the current dataset name
func (d *Dataset) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Dataset) setName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

// Props returns a copy of the dataset properties
func (d *Dataset) Props() types.DatasetProps {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.props
}

// Volsize returns the logical size in bytes
func (d *Dataset) Volsize() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.props.VolSize
}

// BlockSize returns the fixed block size
func (d *Dataset) BlockSize() uint64 {
	return d.props.VolBlockSize
}

// ReadOnly reports whether the dataset was owned read-only
func (d *Dataset) ReadOnly() bool {
	return d.readonly
}

// Incompatible reports whether the dataset was written by a newer format
// that this build may read but must not modify
func (d *Dataset) Incompatible() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.props.Version > CurrentVersion
}

// Pool returns the pool the dataset lives in
func (d *Dataset) Pool() *Pool {
	return d.pool
}

// Read returns length bytes at off. Unallocated blocks read as zeros.
func (d *Dataset) Read(off, length uint64) ([]byte, error) {
	if off+length > d.Volsize() || off+length < off {
		return nil, fmt.Errorf("%w: read [%d,+%d) beyond end", ErrInvalid, off, length)
	}
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}

	bs := d.props.VolBlockSize
	first := off / bs
	last := (off + length - 1) / bs

	blocks := make(map[uint64][]byte, last-first+1)
	var missing []uint64

	p := d.pool
	p.mu.Lock()
	for blk := first; blk <= last; blk++ {
		if data, ok := p.overlayLocked(d.id, blk); ok {
			blocks[blk] = data
		} else {
			missing = append(missing, blk)
		}
	}
	p.mu.Unlock()

	if len(missing) > 0 {
		err := p.db.View(func(tx *bolt.Tx) error {
			bucket, err := d.blocksBucket(tx)
			if err != nil {
				return err
			}
			for _, blk := range missing {
				data, err := openBlock(bucket.Get(blockKey(blk)))
				if err != nil {
					return fmt.Errorf("block %d: %w", blk, err)
				}
				blocks[blk] = data
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for blk := first; blk <= last; blk++ {
		data := blocks[blk]
		if data == nil {
			continue
		}
		start := blk * bs
		// Intersect block [start, start+bs) with [off, off+length)
		lo := max(start, off)
		hi := min(start+bs, off+length)
		copy(buf[lo-off:hi-off], data[lo-start:hi-start])
	}
	return buf, nil
}

// OffsetNext returns the first hole (hole=true) or data offset at or after
// off. Holes past the last allocated block report the volume end; data past
// the last allocated block reports ErrNoMoreData.
func (d *Dataset) OffsetNext(hole bool, off uint64) (uint64, error) {
	volsize := d.Volsize()
	if off >= volsize {
		return 0, ErrNoMoreData
	}
	bs := d.props.VolBlockSize
	start := off / bs
	nblocks := (volsize + bs - 1) / bs

	allocated, err := d.allocatedFrom(start, nblocks)
	if err != nil {
		return 0, err
	}

	if !hole {
		if len(allocated) == 0 {
			return 0, ErrNoMoreData
		}
		return max(off, allocated[0]*bs), nil
	}

	blk := start
	for _, a := range allocated {
		if a != blk {
			break
		}
		blk++
	}
	if blk >= nblocks {
		return volsize, nil
	}
	return max(off, blk*bs), nil
}

// allocatedFrom returns sorted allocated block numbers in [start, end)
func (d *Dataset) allocatedFrom(start, end uint64) ([]uint64, error) {
	p := d.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	state := make(map[uint64]bool)
	err := p.db.View(func(tx *bolt.Tx) error {
		bucket, err := d.blocksBucket(tx)
		if err != nil {
			return err
		}
		c := bucket.Cursor()
		for k, _ := c.Seek(blockKey(start)); k != nil; k, _ = c.Next() {
			blk := blockNum(k)
			if blk >= end {
				break
			}
			state[blk] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, txg := range []map[string]*dirtySet{p.syncing, p.dirty} {
		set, ok := txg[d.id]
		if !ok {
			continue
		}
		for blk, data := range set.blocks {
			if blk >= start && blk < end {
				state[blk] = data != nil
			}
		}
	}

	var list []uint64
	for blk, allocated := range state {
		if allocated {
			list = append(list, blk)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list, nil
}

// Space returns bytes referenced by this dataset and bytes still available
// in the pool
func (d *Dataset) Space() (used, avail uint64, err error) {
	err = d.pool.db.View(func(tx *bolt.Tx) error {
		bucket, err := d.blocksBucket(tx)
		if err != nil {
			return err
		}
		used = uint64(bucket.Stats().KeyN) * d.props.VolBlockSize
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	alloc, size, err := d.pool.Space()
	if err != nil {
		return 0, 0, err
	}
	if alloc < size {
		avail = size - alloc
	}
	return used, avail, nil
}

// SetVolsize changes the logical size, freeing the tail on shrink
func (d *Dataset) SetVolsize(size uint64) error {
	if d.readonly {
		return ErrReadOnly
	}
	bs := d.props.VolBlockSize
	if size == 0 || size%bs != 0 {
		return fmt.Errorf("%w: volsize %d is not a multiple of volblocksize %d", ErrInvalid, size, bs)
	}

	old := d.Volsize()
	if size < old {
		tx := d.CreateTx()
		tx.HoldFree(size, old-size)
		if err := tx.Assign(true); err != nil {
			tx.Abort()
			return fmt.Errorf("failed to assign tx: %w", err)
		}
		tx.Free(size, old-size)
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to free tail: %w", err)
		}
	}

	err := d.pool.db.Update(func(tx *bolt.Tx) error {
		dsb := tx.Bucket(bucketDatasets).Bucket([]byte(d.id))
		if dsb == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, d.id)
		}
		var meta types.Dataset
		if err := json.Unmarshal(dsb.Get(keyMeta), &meta); err != nil {
			return err
		}
		meta.Props.VolSize = size
		data, err := json.Marshal(&meta)
		if err != nil {
			return err
		}
		return dsb.Put(keyMeta, data)
	})
	if err != nil {
		return fmt.Errorf("failed to update volsize: %w", err)
	}

	d.mu.Lock()
	d.props.VolSize = size
	d.mu.Unlock()
	return nil
}

func (d *Dataset) blocksBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	dsb := tx.Bucket(bucketDatasets).Bucket([]byte(d.id))
	if dsb == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d.id)
	}
	return dsb.Bucket(bucketBlocks), nil
}

// readBlockLocked returns the current contents of one block, or nil for a
// hole. Callers hold p.mu.
func (d *Dataset) readBlockLocked(blk uint64) ([]byte, error) {
	if data, ok := d.pool.overlayLocked(d.id, blk); ok {
		return data, nil
	}
	var data []byte
	err := d.pool.db.View(func(tx *bolt.Tx) error {
		bucket, err := d.blocksBucket(tx)
		if err != nil {
			return err
		}
		data, err = openBlock(bucket.Get(blockKey(blk)))
		return err
	})
	return data, err
}

// sealBlock prefixes data with its checksum
func sealBlock(data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(out, xxhash.Sum64(data))
	copy(out[8:], data)
	return out
}

// openBlock verifies and strips the checksum. Bolt values are only valid
// inside the transaction so the payload is copied.
func openBlock(v []byte) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if len(v) < 8 {
		return nil, ErrChecksum
	}
	data := v[8:]
	if xxhash.Sum64(data) != binary.BigEndian.Uint64(v[:8]) {
		return nil, ErrChecksum
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
