package zvol

import (
	"fmt"

	"github.com/cuemby/zvol/pkg/rangelock"
)

// BioOp is the kind of a block request
type BioOp int

const (
	BioRead BioOp = iota
	BioWrite
	BioDelete
	BioFlush
	BioGetAttr
)

func (op BioOp) String() string {
	switch op {
	case BioRead:
		return "read"
	case BioWrite:
		return "write"
	case BioDelete:
		return "delete"
	case BioFlush:
		return "flush"
	case BioGetAttr:
		return "getattr"
	}
	return fmt.Sprintf("BioOp(%d)", int(op))
}

// Bio is a block request submitted to a provider. Requests reaching past
// the end of the volume complete short without error; Completed reports
// the bytes done.
type Bio struct {
	Op     BioOp
	Offset uint64
	Length uint64
	Data   []byte

	// Sync commits the intent log before completion
	Sync bool

	// CPU is the submitter's queue hint; requests with the same hint and
	// nearby offsets run in order on one worker
	CPU int

	// Attribute names the value a BioGetAttr request reads into Value
	Attribute string
	Value     int64

	Completed uint64
	Err       error

	// Done is called once with Err set, possibly on another goroutine
	Done func(*Bio)
}

func (b *Bio) complete(err error) {
	b.Err = err
	if b.Done != nil {
		b.Done(b)
	}
}

// strategy executes a read, write, delete or flush request
func (v *Volume) strategy(b *Bio) error {
	v.suspend.RLock()
	defer v.suspend.RUnlock()

	if err := v.checkActive(); err != nil {
		return err
	}
	v.state.Lock()
	readOnly := v.readOnly
	v.state.Unlock()

	mode := rangelock.Writer
	switch b.Op {
	case BioRead:
		mode = rangelock.Reader
	case BioWrite, BioDelete, BioFlush:
		if readOnly {
			return ErrReadOnly
		}
		if err := v.ensureLog(); err != nil {
			return err
		}
		if b.Op == BioFlush {
			return v.commitLog()
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, b.Op)
	}

	volsize := v.volsize.Load()
	if b.Length > 0 && b.Offset >= volsize {
		return fmt.Errorf("%w: offset %d beyond end %d", ErrIO, b.Offset, volsize)
	}
	var length uint64
	if b.Offset < volsize {
		length = min(b.Length, volsize-b.Offset)
	}
	commit := b.Op != BioRead && (b.Sync || v.commitAlways())

	lr := v.rl.Enter(b.Offset, length, mode)
	var err error
	switch b.Op {
	case BioRead:
		b.Completed, err = v.readRange(b.Data, b.Offset, length)
	case BioWrite:
		b.Completed, err = v.writeRange(b.Data[:length], b.Offset, commit)
	case BioDelete:
		if err = v.freeRange(b.Offset, length); err == nil {
			b.Completed = length
		}
	}
	lr.Exit()

	switch b.Op {
	case BioRead:
		v.stats.read(b.Completed)
	case BioWrite:
		v.stats.write(b.Completed)
	}
	if commit {
		if cerr := v.commitLog(); err == nil {
			err = cerr
		}
	}
	return err
}

// readRange reads length bytes at off into buf in transfer-sized chunks.
// Callers hold suspend shared and a reader range.
func (v *Volume) readRange(buf []byte, off, length uint64) (uint64, error) {
	var done uint64
	for done < length {
		n := min(length-done, v.reg.cfg.MaxTransfer)
		data, err := v.ds.Read(off+done, n)
		if err != nil {
			return done, translate(err)
		}
		copy(buf[done:done+n], data)
		done += n
	}
	return done, nil
}

// writeRange writes data at off, one transaction per chunk, logging each
// chunk in the txg it was assigned to. Callers hold suspend shared, a
// writer range and an open intent log.
func (v *Volume) writeRange(data []byte, off uint64, sync bool) (uint64, error) {
	var done uint64
	length := uint64(len(data))
	for done < length {
		n := min(length-done, v.reg.cfg.MaxTransfer)
		chunk := data[done : done+n]

		tx := v.ds.CreateTx()
		tx.HoldWrite(off+done, n)
		if err := tx.Assign(true); err != nil {
			tx.Abort()
			return done, translate(err)
		}
		tx.Write(off+done, chunk)
		if err := tx.Commit(); err != nil {
			return done, translate(err)
		}
		v.logWrite(tx.Txg(), off+done, chunk, sync)
		done += n
	}
	return done, nil
}

// freeRange deallocates length bytes at off and logs the truncate
func (v *Volume) freeRange(off, length uint64) error {
	if length == 0 {
		return nil
	}
	tx := v.ds.CreateTx()
	tx.HoldFree(off, length)
	if err := tx.Assign(true); err != nil {
		tx.Abort()
		return translate(err)
	}
	tx.Free(off, length)
	if err := tx.Commit(); err != nil {
		return translate(err)
	}
	v.logTruncate(tx.Txg(), off, length)
	return nil
}
