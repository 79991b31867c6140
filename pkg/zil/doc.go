/*
Package zil implements the per-volume write-intent log.

Writes reach the pool in transaction groups that are synced in the
background, so a crash can lose the most recent ones. Callers that need
durability append a Record describing each change and Commit the log;
records are stored as raft.Log entries in a raft-boltdb LogStore, one
file per dataset under <data-dir>/zil/.

Each record carries the txg its change was assigned to. Records whose txg
has already been synced are redundant: they are skipped on commit, trimmed
from the front of the store, and ignored on replay.

# Lifecycle

	Open → Replay (once, before the volume is visible) → Destroy
	Open → Append/Commit ... → Close (last close of the volume)
	Remove (dataset destroyed)

Non-sync write records hold no data until Commit, which asks the
DataSource for the current contents of the range. Sync writes copy their
data at Append.
*/
package zil
