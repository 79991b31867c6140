package zil

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cuemby/zvol/pkg/log"
	"github.com/cuemby/zvol/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Op is the kind of change a record describes
type Op string

const (
	OpWrite    Op = "write"
	OpTruncate Op = "truncate"
)

// Record is one logged change. Txg is the transaction group the change was
// assigned to; once that txg is synced the record is redundant.
type Record struct {
	Txg    uint64 `json:"txg"`
	Op     Op     `json:"op"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
	Data   []byte `json:"data,omitempty"`
	Sync   bool   `json:"sync"`
}

// DataSource supplies the current contents of a written range when a
// record is committed. Returning nil data drops the record.
type DataSource func(off, length uint64) ([]byte, error)

// SyncedFunc reports the last transaction group durable in the pool
type SyncedFunc func() uint64

// ErrClosed is returned when using a closed log
var ErrClosed = errors.New("intent log is closed")

// Log is the intent log session of one volume
type Log struct {
	store  *raftboltdb.BoltStore
	source DataSource
	synced SyncedFunc
	logger zerolog.Logger

	mu      sync.Mutex
	pending []*Record
	closed  bool

	// commitMu orders commits so log indexes follow append order
	commitMu sync.Mutex
	next     uint64
}

// Path returns the log file of a dataset
func Path(dir, datasetID string) string {
	return filepath.Join(dir, "zil", datasetID+".db")
}

// Open opens the intent log of a dataset, creating it if needed
func Open(dir, datasetID string, source DataSource, synced SyncedFunc) (*Log, error) {
	path := Path(dir, datasetID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent log: %w", err)
	}

	last, err := store.LastIndex()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to read log index: %w", err)
	}

	return &Log{
		store:  store,
		source: source,
		synced: synced,
		logger: log.WithComponent("zil").With().Str("dataset", datasetID).Logger(),
		next:   last + 1,
	}, nil
}

// Append queues a record. Sync writes carry their data now; other writes
// are filled from the data source at commit.
func (l *Log) Append(rec Record) {
	if rec.Op == OpWrite && !rec.Sync {
		rec.Data = nil
	} else if rec.Data != nil {
		rec.Data = append([]byte(nil), rec.Data...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	// Records for synced txgs will never be needed
	synced := l.synced()
	drop := 0
	for drop < len(l.pending) && l.pending[drop].Txg <= synced {
		drop++
	}
	if drop > 0 {
		l.pending = append(l.pending[:0], l.pending[drop:]...)
	}
	l.pending = append(l.pending, &rec)
}

// Pending returns the number of records not yet committed
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Commit makes every appended record durable
func (l *Log) Commit() error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	metrics.ZILCommitsTotal.Inc()

	logs, ops, synced, err := l.encode(batch)
	if err == nil && len(logs) > 0 {
		if err = l.store.StoreLogs(logs); err != nil {
			err = fmt.Errorf("failed to store log records: %w", err)
		}
	}
	if err != nil {
		// Nothing was stored; keep the batch ahead of later appends
		l.mu.Lock()
		l.pending = slices.Concat(batch, l.pending)
		l.mu.Unlock()
		return err
	}
	l.next += uint64(len(logs))
	for _, op := range ops {
		metrics.ZILRecordsTotal.WithLabelValues(string(op)).Inc()
	}

	return l.trim(synced)
}

// encode turns the records of batch not yet covered by a synced txg into
// log entries numbered from l.next. Callers hold commitMu.
func (l *Log) encode(batch []*Record) ([]*raft.Log, []Op, uint64, error) {
	synced := l.synced()
	logs := make([]*raft.Log, 0, len(batch))
	ops := make([]Op, 0, len(batch))
	for _, rec := range batch {
		if rec.Txg <= synced {
			continue
		}
		if rec.Op == OpWrite && rec.Data == nil {
			data, err := l.source(rec.Offset, rec.Length)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("failed to read data for log record: %w", err)
			}
			if data == nil {
				continue
			}
			rec.Data = data
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to encode log record: %w", err)
		}
		logs = append(logs, &raft.Log{
			Index: l.next + uint64(len(logs)),
			Term:  rec.Txg,
			Type:  raft.LogCommand,
			Data:  buf,
		})
		ops = append(ops, rec.Op)
	}
	return logs, ops, synced, nil
}

// trim deletes the stored prefix whose txgs are already synced
func (l *Log) trim(synced uint64) error {
	first, err := l.store.FirstIndex()
	if err != nil || first == 0 {
		return err
	}
	end := first
	for ; end < l.next; end++ {
		var entry raft.Log
		if err := l.store.GetLog(end, &entry); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				break
			}
			return err
		}
		if entry.Term > synced {
			break
		}
	}
	if end == first {
		return nil
	}
	if err := l.store.DeleteRange(first, end-1); err != nil {
		return fmt.Errorf("failed to trim log: %w", err)
	}
	l.logger.Debug().Uint64("through", end-1).Msg("trimmed synced records")
	return nil
}

// Replay calls apply, in log order, for every stored record newer than the
// last synced txg. It returns how many records were applied.
func (l *Log) Replay(apply func(Record) error) (int, error) {
	first, err := l.store.FirstIndex()
	if err != nil {
		return 0, err
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return 0, err
	}
	if first == 0 {
		return 0, nil
	}

	synced := l.synced()
	replayed := 0
	for idx := first; idx <= last; idx++ {
		var entry raft.Log
		if err := l.store.GetLog(idx, &entry); err != nil {
			return replayed, fmt.Errorf("failed to read log record %d: %w", idx, err)
		}
		var rec Record
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			return replayed, fmt.Errorf("failed to decode log record %d: %w", idx, err)
		}
		if rec.Txg <= synced {
			continue
		}
		if err := apply(rec); err != nil {
			return replayed, fmt.Errorf("failed to replay log record %d: %w", idx, err)
		}
		replayed++
	}

	l.logger.Info().Int("records", replayed).Msg("intent log replayed")
	return replayed, nil
}

// Destroy discards every record, replayed or not
func (l *Log) Destroy() error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()

	first, err := l.store.FirstIndex()
	if err != nil {
		return err
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return err
	}
	if first == 0 {
		return nil
	}
	if err := l.store.DeleteRange(first, last); err != nil {
		return fmt.Errorf("failed to destroy log: %w", err)
	}
	return nil
}

// Close commits outstanding records and ends the session
func (l *Log) Close() error {
	if err := l.Commit(); err != nil && !errors.Is(err, ErrClosed) {
		l.logger.Warn().Err(err).Msg("commit on close failed")
	}

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	l.mu.Unlock()

	return l.store.Close()
}

// Remove deletes the log file of a destroyed dataset
func Remove(dir, datasetID string) error {
	if err := os.Remove(Path(dir, datasetID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove intent log: %w", err)
	}
	return nil
}
