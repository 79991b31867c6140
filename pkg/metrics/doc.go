/*
Package metrics provides Prometheus metrics and component health for zvol.

Collectors are package-level variables registered in init, so any package
can update them without plumbing a registry through:

	timer := metrics.NewTimer()
	// ... sync a txg ...
	timer.ObserveDuration(metrics.TxgSyncDuration)

# Metrics

Per volume (label "volume"; removed with DeleteVolume):

	zvol_read_bytes_total      bytes read
	zvol_write_bytes_total     bytes written
	zvol_reads_total           read requests
	zvol_writes_total          write requests

Registry and dispatch:

	zvol_minors                        registered volumes
	zvol_dispatch_queue_depth{queue}   queued async requests

Storage and intent log:

	zvol_tx_assign_wait_seconds    time spent in Tx.Assign
	zvol_txg_sync_seconds          txg sync duration
	zvol_txg_synced                last synced txg
	zvol_pool_alloc_bytes          allocated bytes (sampled)
	zvol_pool_size_bytes           pool capacity (sampled)
	zvol_zil_commits_total         intent log commits
	zvol_zil_records_total{op}     records written, by op

Collector samples the gauges that are not updated inline every 15s.

# Health

Components report themselves with UpdateComponent, or Degrade when they
still serve but are stuck.
Readiness requires "storage", "registry" and "dispatch" to be serving
(healthy or degraded).
HealthHandler, ReadyHandler and LivenessHandler serve the JSON status
(`zvol serve` mounts them at /health, /ready and /live next to /metrics).
*/
package metrics
