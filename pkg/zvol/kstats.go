package zvol

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/zvol/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// kstats are the per-volume I/O counters. The prometheus children are keyed
// by volume name, so a rename moves the running totals to new children.
type kstats struct {
	mu         sync.RWMutex
	name       string
	readBytes  prometheus.Counter
	writeBytes prometheus.Counter
	reads      prometheus.Counter
	writes     prometheus.Counter

	nread    atomic.Uint64
	nwritten atomic.Uint64
	nreads   atomic.Uint64
	nwrites  atomic.Uint64
}

func newKstats(name string) *kstats {
	k := &kstats{}
	k.bind(name)
	return k
}

func (k *kstats) bind(name string) {
	k.name = name
	k.readBytes = metrics.ReadBytesTotal.WithLabelValues(name)
	k.writeBytes = metrics.WriteBytesTotal.WithLabelValues(name)
	k.reads = metrics.ReadsTotal.WithLabelValues(name)
	k.writes = metrics.WritesTotal.WithLabelValues(name)
}

func (k *kstats) read(n uint64) {
	k.nread.Add(n)
	k.nreads.Add(1)
	k.mu.RLock()
	k.readBytes.Add(float64(n))
	k.reads.Inc()
	k.mu.RUnlock()
}

func (k *kstats) write(n uint64) {
	k.nwritten.Add(n)
	k.nwrites.Add(1)
	k.mu.RLock()
	k.writeBytes.Add(float64(n))
	k.writes.Inc()
	k.mu.RUnlock()
}

func (k *kstats) rename(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	metrics.DeleteVolume(k.name)
	k.bind(name)
	k.readBytes.Add(float64(k.nread.Load()))
	k.writeBytes.Add(float64(k.nwritten.Load()))
	k.reads.Add(float64(k.nreads.Load()))
	k.writes.Add(float64(k.nwrites.Load()))
}

func (k *kstats) destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	metrics.DeleteVolume(k.name)
}
