/*
Package storage provides bbolt-backed persistence for container and
pipeline metadata.

The store is the state machine behind the manager's raft log. Writes
arrive only through the FSM, each tagged with the raft index that
produced it; reads are served directly from bbolt.

# Layout

One file, <dataDir>/strata.db, holds three buckets:

	containers   container ID (big-endian uint64) -> JSON types.Container
	pipelines    pipeline ID                      -> JSON types.Pipeline
	meta         "applied_index"                  -> big-endian uint64

Container IDs come from the containers bucket sequence, so an ID is never
reused, also not across restarts.

# Applied Index

Every write updates meta/applied_index in the same bbolt transaction as
the record. After a crash the store therefore never reflects a log entry
without also knowing it applied it, and the FSM can skip entries raft
replays from before its last snapshot.

# Snapshots

Snapshot reads all buckets in a single read transaction. Restore drops and
recreates the buckets from a snapshot in a single write transaction, so a
reader sees either the old or the new contents.

# Usage

	store, err := storage.NewBoltStore("/var/lib/strata/manager-1")
	if err != nil {
		return err
	}
	defer store.Close()

	containers, err := store.ListContainers()
*/
package storage
