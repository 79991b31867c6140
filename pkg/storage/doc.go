/*
Package storage implements the transactional copy-on-write pool that backs
volumes.

A Pool is a single BoltDB file holding volume datasets. Each dataset is a
bucket of fixed-size blocks keyed by block number; a missing key is a hole
and reads as zeros. Every stored block is prefixed with an xxhash64 of its
contents and fails with ErrChecksum if that no longer matches.

# Architecture

	┌──────────────────────── POOL ────────────────────────┐
	│                                                        │
	│   Tx ── Hold* ── Assign ── Write/Free ── Commit        │
	│                     │                      │           │
	│                     ▼                      ▼           │
	│   ┌──────────────────────────────────────────────┐    │
	│   │ open txg (in memory)                          │    │
	│   │  dataset id → block → image (nil = hole)      │    │
	│   └──────────────────────┬───────────────────────┘    │
	│                          │ quiesce (holds drain)       │
	│   ┌──────────────────────▼───────────────────────┐    │
	│   │ syncing txg → one bolt Update → synced_txg    │    │
	│   └──────────────────────────────────────────────┘    │
	│                                                        │
	│   pool.db                                              │
	│     pool/synced_txg                                    │
	│     names/<name> → id                                  │
	│     datasets/<id>/meta   (JSON types.Dataset)          │
	│     datasets/<id>/blocks/<blk> → xxhash ‖ data         │
	└────────────────────────────────────────────────────────┘

# Transactions

A Tx follows the hold, assign, commit protocol:

	tx := ds.CreateTx()
	tx.HoldWrite(off, uint64(len(data)))
	if err := tx.Assign(true); err != nil {
		tx.Abort()
		return err
	}
	tx.Write(off, data)
	return tx.Commit()

Assign places the tx in the open transaction group (txg). When dirty data
would exceed Config.DirtyMax it either waits for the syncer (wait=true) or
returns ErrRestart. A tx larger than DirtyMax is admitted once the pool is
empty so it cannot starve. Commit stages every op before touching the open
txg, so a failed commit leaves nothing behind.

Committed changes are visible to readers immediately and become durable
when their txg syncs, either every SyncInterval, when Assign runs out of
room, or on an explicit Sync. Abandon drops the open txg the way a crash
would; the intent log (package zil) is what recovers it.

# Ownership

Own hands out the single *Dataset for a name. A read-only owner can read
but every Assign fails with ErrReadOnly. Datasets created by a newer format
version report Incompatible and must be owned read-only by callers.

The pool namespace lock (Namespace) serializes pool-wide configuration
changes. Callers that already hold it mark their context with
WithNamespaceHeld; vdev probes are marked with WithVdevProbe.
*/
package storage
