/*
Package manager implements the strata manager node.

A Manager owns the durable metadata store and wires every component that
reads or changes container state. Writes to container and pipeline
metadata go through a Raft log; the FSM applies committed entries to a
bbolt store, so a write returns only once it is on disk.

# Architecture

	┌──────────────────────── MANAGER ────────────────────────┐
	│                                                           │
	│   storage nodes ──▶ report.Dispatcher                     │
	│                       │  heartbeat ─▶ liveness.Tracker    │
	│                       │  container ─▶ reconciler          │
	│                       │  pipeline  ─▶ pipeline.Manager    │
	│                       │  status    ─▶ command.Queue       │
	│                       ▼                                   │
	│                 container.Manager  (per-container lock)   │
	│                       │                                   │
	│                       ▼                                   │
	│        Raft log ─▶ FSM ─▶ storage.BoltStore               │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

Close commands are queued in the command.Queue and handed to a node in the
response to its next heartbeat.

# Startup and Restart

Start opens the store, starts Raft and waits until this node leads and has
applied its whole log. Only then are containers and pipelines loaded into
memory and the background loops started, so no report is processed before
the pre-restart state is back. Replica and node liveness state is not
persisted; it is rebuilt from the reports that follow.

Restart discards every in-memory component and repeats the startup path
against the same data directory.

Log entries replayed by Raft after a restart are skipped when the store
already reflects them. The store records the applied index in the same
bbolt transaction as the record it writes.

# Usage

	cfg, err := config.Load("strata.yaml")
	if err != nil {
		return err
	}
	mgr, err := manager.New(cfg)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Shutdown()

	c, _ := mgr.AllocateContainer(ctx, "pipeline-1", "om")
	err = mgr.RequestClose(ctx, c.ID)
*/
package manager
