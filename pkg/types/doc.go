/*
Package types defines the core data structures used throughout Strata.

This package contains the domain model shared by every component of the
manager: containers and their lifecycle, per-node replicas, storage nodes and
their liveness, pipelines, the reports nodes send, and the commands the
manager sends back. Types here carry no behavior beyond small lifecycle
helpers; ownership of each field lives in the component that writes it.

# Core Types

Containers:
  - Container: fixed-capacity replicated unit of data, the unit of lifecycle
  - ContainerID: monotonically assigned, cluster-unique identifier
  - LifeCycleState: OPEN, CLOSING, QUASI_CLOSED, CLOSED

Replicas:
  - ContainerReplica: one node's copy of a container as last reported
  - ReplicaState: UNHEALTHY, OPEN, CLOSING, QUASI_CLOSED, CLOSED

Nodes and pipelines:
  - StorageNode: liveness state, last heartbeat, storage capacity
  - NodeState: HEALTHY, STALE, DEAD
  - Pipeline: replication group owning OPEN containers

Reports and commands:
  - ReportType: heartbeat, container, node, pipeline, command_status
  - ContainerReplicaReport, PipelineReport, CommandStatus, NodeStorage
  - Command: close_container and close_pipeline instructions

# Lifecycle

	OPEN ──► CLOSING ──► QUASI_CLOSED ──► CLOSED
	            │                           ▲
	            └───────────────────────────┘

LifeCycleState.CanTransitionTo encodes the table above. Rank puts lifecycle
and replica states on one scale so a replica can be compared against its
container ("behind" means a lower rank). The sequence id of a container is
frozen from the moment it leaves OPEN.

# Ownership

The container state machine writes Container.State and SequenceID, the
replica reconciler owns ContainerReplica values, and the liveness tracker
owns StorageNode.State. Values handed across component boundaries are
clones.
*/
package types
