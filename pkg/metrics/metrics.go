package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Per-volume I/O metrics
	ReadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zvol_read_bytes_total",
			Help: "Total bytes read by volume",
		},
		[]string{"volume"},
	)

	WriteBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zvol_write_bytes_total",
			Help: "Total bytes written by volume",
		},
		[]string{"volume"},
	)

	ReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zvol_reads_total",
			Help: "Total read requests by volume",
		},
		[]string{"volume"},
	)

	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zvol_writes_total",
			Help: "Total write requests by volume",
		},
		[]string{"volume"},
	)

	// Registry metrics
	Minors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zvol_minors",
			Help: "Number of volumes with a device minor",
		},
	)

	DispatchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zvol_dispatch_queue_depth",
			Help: "Requests waiting in each dispatch queue",
		},
		[]string{"queue"},
	)

	// Storage metrics
	TxAssignWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zvol_tx_assign_wait_seconds",
			Help:    "Time transactions waited for space in the open txg",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxgSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zvol_txg_sync_seconds",
			Help:    "Time taken to write a transaction group to disk",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxgSynced = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zvol_txg_synced",
			Help: "Last transaction group written to disk",
		},
	)

	PoolAllocBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zvol_pool_alloc_bytes",
			Help: "Bytes allocated in the pool",
		},
	)

	PoolSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zvol_pool_size_bytes",
			Help: "Configured pool capacity in bytes",
		},
	)

	// Intent log metrics
	ZILCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zvol_zil_commits_total",
			Help: "Total intent log commits",
		},
	)

	ZILRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zvol_zil_records_total",
			Help: "Total intent log records written by operation",
		},
		[]string{"op"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ReadBytesTotal)
	prometheus.MustRegister(WriteBytesTotal)
	prometheus.MustRegister(ReadsTotal)
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(Minors)
	prometheus.MustRegister(DispatchQueueDepth)
	prometheus.MustRegister(TxAssignWait)
	prometheus.MustRegister(TxgSyncDuration)
	prometheus.MustRegister(TxgSynced)
	prometheus.MustRegister(PoolAllocBytes)
	prometheus.MustRegister(PoolSizeBytes)
	prometheus.MustRegister(ZILCommitsTotal)
	prometheus.MustRegister(ZILRecordsTotal)
}

// DeleteVolume drops every per-volume series for name
func DeleteVolume(name string) {
	ReadBytesTotal.DeleteLabelValues(name)
	WriteBytesTotal.DeleteLabelValues(name)
	ReadsTotal.DeleteLabelValues(name)
	WritesTotal.DeleteLabelValues(name)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
