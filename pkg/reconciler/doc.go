/*
Package reconciler keeps the manager's replica index consistent with what
storage nodes report.

Each container report is a full snapshot of the containers a node hosts.
For every entry the reconciler, holding that container's ownership token:

  - records the replica (state, sequence id, used bytes, report time)
  - advances the sequence id of an OPEN container, and closes it when the
    replica reached the capacity threshold
  - re-sends the close command to a replica that is behind its container
  - moves a closing container to QUASI_CLOSED once a quorum of live
    replicas closed at the frozen sequence id, and to CLOSED once every
    live replica did

Containers the node no longer reports lose that node's replica. Replicas on
nodes declared DEAD are dropped by HandleNodeTransition, and again by the
periodic Evaluate pass in case a transition was missed. CLOSED containers
whose live replica count differs from the replication factor are flagged
under- or over-replicated; acting on the flag is left to an external
replication service.

A live replica is one on a HEALTHY node that is not UNHEALTHY itself.
Quorum is ReplicationFactor/2 + 1.
*/
package reconciler
