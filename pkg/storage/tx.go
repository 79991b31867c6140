package storage

import (
	"fmt"
	"time"

	"github.com/cuemby/zvol/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

// Tx is a unit of change assigned to one transaction group. The protocol is
// Hold*, Assign, then Write/Free, then Commit (or Abort before Assign
// succeeds or instead of Commit).
type Tx struct {
	ds       *Dataset
	ops      []txOp
	reserve  int64
	txg      uint64
	assigned bool
	done     bool
}

type txOp struct {
	free   bool
	off    uint64
	length uint64
	data   []byte
}

// CreateTx starts a new transaction on the dataset
func (d *Dataset) CreateTx() *Tx {
	return &Tx{ds: d}
}

// HoldWrite reserves space for a write of length bytes at off
func (tx *Tx) HoldWrite(off, length uint64) {
	tx.reserve += int64(tx.blocksTouched(off, length) * tx.ds.props.VolBlockSize)
}

// HoldFree reserves space for freeing a range. Only partial edge blocks
// dirty data, the rest is bookkeeping.
func (tx *Tx) HoldFree(off, length uint64) {
	tx.reserve += int64(2 * tx.ds.props.VolBlockSize)
}

func (tx *Tx) blocksTouched(off, length uint64) uint64 {
	if length == 0 {
		return 0
	}
	bs := tx.ds.props.VolBlockSize
	return (off+length-1)/bs - off/bs + 1
}

// Assign places the transaction in the open txg. With wait set it blocks
// until the pool has room; otherwise it returns ErrRestart and the caller
// must retry.
func (tx *Tx) Assign(wait bool) error {
	if tx.assigned {
		panic("storage: transaction assigned twice")
	}
	if tx.ds.readonly {
		return ErrReadOnly
	}

	p := tx.ds.pool
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return ErrClosed
		}
		if !p.quiescing && p.hasRoomLocked(tx.reserve) {
			break
		}
		if !wait {
			p.kick()
			return ErrRestart
		}
		p.kick()
		p.cond.Wait()
	}

	p.holds++
	p.reserved += tx.reserve
	tx.txg = p.openTxg
	tx.assigned = true

	metrics.TxAssignWait.Observe(time.Since(start).Seconds())
	return nil
}

// hasRoomLocked reports whether reserve more bytes fit under DirtyMax. An
// oversized transaction is admitted alone so it cannot wait forever.
func (p *Pool) hasRoomLocked(reserve int64) bool {
	if p.dirtyBytes+p.reserved+reserve <= p.cfg.DirtyMax {
		return true
	}
	return p.dirtyBytes == 0 && p.reserved == 0
}

// Txg returns the transaction group the tx was assigned to
func (tx *Tx) Txg() uint64 {
	return tx.txg
}

// Write records data to be written at off. The buffer is copied.
func (tx *Tx) Write(off uint64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	tx.ops = append(tx.ops, txOp{off: off, length: uint64(len(data)), data: buf})
}

// Free records a range to be deallocated; it reads back as zeros
func (tx *Tx) Free(off, length uint64) {
	tx.ops = append(tx.ops, txOp{free: true, off: off, length: length})
}

// Commit applies the recorded changes to the open txg and releases the
// hold. The changes become durable when that txg syncs.
func (tx *Tx) Commit() error {
	if !tx.assigned || tx.done {
		panic("storage: commit of unassigned transaction")
	}
	tx.done = true

	p := tx.ds.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.releaseLocked(tx.reserve)

	staged := make(map[uint64][]byte)
	for _, op := range tx.ops {
		if err := tx.stageLocked(staged, op); err != nil {
			return err
		}
	}

	bs := tx.ds.props.VolBlockSize
	for blk, data := range staged {
		p.putDirtyLocked(tx.ds.id, bs, blk, data)
	}
	return nil
}

// Abort drops the transaction, releasing its hold if it was assigned
func (tx *Tx) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	if !tx.assigned {
		return
	}
	p := tx.ds.pool
	p.mu.Lock()
	p.releaseLocked(tx.reserve)
	p.mu.Unlock()
}

func (p *Pool) releaseLocked(reserve int64) {
	p.holds--
	p.reserved -= reserve
	p.cond.Broadcast()
}

// stageLocked computes the new block images for one op without touching
// the open txg, so a failed commit leaves nothing half applied
func (tx *Tx) stageLocked(staged map[uint64][]byte, op txOp) error {
	d := tx.ds
	bs := d.props.VolBlockSize
	volsize := d.Volsize()

	end := op.off + op.length
	if end > volsize {
		if !op.free {
			return fmt.Errorf("%w: write [%d,+%d) beyond end", ErrInvalid, op.off, op.length)
		}
		end = volsize
	}
	if op.off >= end {
		return nil
	}

	current := func(blk uint64) ([]byte, error) {
		if data, ok := staged[blk]; ok {
			return data, nil
		}
		return d.readBlockLocked(blk)
	}

	first := op.off / bs
	last := (end - 1) / bs

	if op.free {
		// Whole blocks become holes; only allocated ones need recording
		allocated, err := d.allocatedInLocked(first, last+1)
		if err != nil {
			return err
		}
		for blk := range staged {
			if blk >= first && blk <= last {
				allocated = append(allocated, blk)
			}
		}
		for _, blk := range allocated {
			start := blk * bs
			if start >= op.off && start+bs <= end {
				staged[blk] = nil
			}
		}
		for _, blk := range []uint64{first, last} {
			start := blk * bs
			if start >= op.off && start+bs <= end {
				continue
			}
			data, err := current(blk)
			if err != nil {
				return fmt.Errorf("block %d: %w", blk, err)
			}
			if data == nil {
				continue
			}
			img := make([]byte, bs)
			copy(img, data)
			lo := max(start, op.off)
			hi := min(start+bs, end)
			clear(img[lo-start : hi-start])
			staged[blk] = img
		}
		return nil
	}

	for blk := first; blk <= last; blk++ {
		start := blk * bs
		lo := max(start, op.off)
		hi := min(start+bs, end)
		img := make([]byte, bs)
		if hi-lo < bs {
			data, err := current(blk)
			if err != nil {
				return fmt.Errorf("block %d: %w", blk, err)
			}
			copy(img, data)
		}
		copy(img[lo-start:hi-start], op.data[lo-op.off:hi-op.off])
		staged[blk] = img
	}
	return nil
}

// allocatedInLocked lists blocks in [start, end) that are allocated on disk
// or in memory. Callers hold p.mu.
func (d *Dataset) allocatedInLocked(start, end uint64) ([]uint64, error) {
	p := d.pool
	seen := make(map[uint64]struct{})
	err := p.db.View(func(btx *bolt.Tx) error {
		bucket, err := d.blocksBucket(btx)
		if err != nil {
			return err
		}
		c := bucket.Cursor()
		for k, _ := c.Seek(blockKey(start)); k != nil; k, _ = c.Next() {
			blk := blockNum(k)
			if blk >= end {
				break
			}
			seen[blk] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, txg := range []map[string]*dirtySet{p.syncing, p.dirty} {
		if set, ok := txg[d.id]; ok {
			for blk := range set.blocks {
				if blk >= start && blk < end {
					seen[blk] = struct{}{}
				}
			}
		}
	}
	list := make([]uint64, 0, len(seen))
	for blk := range seen {
		list = append(list, blk)
	}
	return list, nil
}
