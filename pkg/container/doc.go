/*
Package container implements the container lifecycle state machine.

The Manager is the only writer of container state and sequence id. Every
change to a container runs inside Exec, which holds that container's
ownership token for the duration of the change:

	err := mgr.Exec(ctx, id, func(txn *container.Txn) error {
		if _, err := txn.AdvanceSequence(seq); err != nil {
			return err
		}
		return txn.Close(container.TriggerCapacity)
	})

When the function returns nil the modified container is committed to the
durable store; only then is the in-memory view updated and are queued
commands handed to the command sender. A failed commit is retried a bounded
number of times and then surfaced as ErrDurability with the in-memory view
reloaded from the store.

# Lifecycle

	OPEN ──close──► CLOSING ──quorum──► QUASI_CLOSED ──all──► CLOSED
	                   │                                        ▲
	                   └──────────────── all ───────────────────┘

Close triggers are an explicit request, a replica reaching the capacity
threshold, and the owning pipeline becoming unhealthy. A close request on a
container that is not OPEN fails with ErrAlreadyClosing or ErrAlreadyClosed
and changes nothing. The sequence id stops advancing once the container
leaves OPEN, and close commands carry that frozen value.
*/
package container
