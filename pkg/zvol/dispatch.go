package zvol

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/zvol/pkg/log"
	"github.com/cuemby/zvol/pkg/metrics"
	"github.com/rs/zerolog"
)

const queueDepth = 128

// Dispatcher runs asynchronous requests on a fixed set of worker queues.
// Requests with the same key run in submission order.
type Dispatcher struct {
	queues []chan func()
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher creates a dispatcher with one queue per worker
func NewDispatcher(workers int) *Dispatcher {
	workers = max(workers, 1)
	d := &Dispatcher{
		queues: make([]chan func(), workers),
		logger: log.WithComponent("dispatch"),
	}
	for i := range d.queues {
		d.queues[i] = make(chan func(), queueDepth)
	}
	return d
}

// Start launches the workers
func (d *Dispatcher) Start() {
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.worker(strconv.Itoa(i), q)
	}
	metrics.UpdateComponent("dispatch", true, "")
	d.logger.Info().Int("workers", len(d.queues)).Msg("dispatcher started")
}

func (d *Dispatcher) worker(label string, q chan func()) {
	defer d.wg.Done()
	depth := metrics.DispatchQueueDepth.WithLabelValues(label)
	for fn := range q {
		depth.Set(float64(len(q)))
		fn()
	}
}

// Dispatch queues fn on the worker selected by key. After Stop, fn runs on
// the calling goroutine.
func (d *Dispatcher) Dispatch(key uint64, fn func()) {
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		fn()
		return
	}
	i := key % uint64(len(d.queues))
	q := d.queues[i]
	q <- fn
	metrics.DispatchQueueDepth.WithLabelValues(strconv.FormatUint(i, 10)).Set(float64(len(q)))
	d.mu.RUnlock()
}

// Stop runs the queued requests to completion and stops the workers
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	metrics.UpdateComponent("dispatch", false, "stopped")
	d.logger.Info().Msg("dispatcher stopped")
}

// QueueKey spreads requests over queues by volume, submitting CPU and
// offset region. Offsets within 1<<shift bytes share a key.
func QueueKey(minor uint64, cpu int, off uint64, shift uint) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], minor)
	binary.LittleEndian.PutUint64(buf[8:], uint64(cpu))
	binary.LittleEndian.PutUint64(buf[16:], off>>shift)
	return xxhash.Sum64(buf[:])
}
