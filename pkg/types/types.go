package types

import (
	"strconv"
	"time"
)

// ContainerID identifies a container cluster-wide. IDs are assigned
// monotonically by the durable store and never reused.
type ContainerID uint64

func (id ContainerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// LifeCycleState is the manager's authoritative state of a container
type LifeCycleState string

const (
	ContainerOpen        LifeCycleState = "OPEN"
	ContainerClosing     LifeCycleState = "CLOSING"
	ContainerQuasiClosed LifeCycleState = "QUASI_CLOSED"
	ContainerClosed      LifeCycleState = "CLOSED"
)

// containerTransitions lists the legal forward moves of the lifecycle.
// CLOSED is terminal; deletion is handled elsewhere.
var containerTransitions = map[LifeCycleState][]LifeCycleState{
	ContainerOpen:        {ContainerClosing},
	ContainerClosing:     {ContainerQuasiClosed, ContainerClosed},
	ContainerQuasiClosed: {ContainerClosed},
	ContainerClosed:      {},
}

// CanTransitionTo reports whether s may move to next
func (s LifeCycleState) CanTransitionTo(next LifeCycleState) bool {
	for _, allowed := range containerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Rank orders lifecycle states so replica states can be compared against them
func (s LifeCycleState) Rank() int {
	switch s {
	case ContainerOpen:
		return 0
	case ContainerClosing:
		return 1
	case ContainerQuasiClosed:
		return 2
	case ContainerClosed:
		return 3
	default:
		return -1
	}
}

// Valid returns true for known lifecycle states
func (s LifeCycleState) Valid() bool {
	return s.Rank() >= 0
}

// SequenceFrozen reports whether the sequence id may no longer advance.
// A CLOSING container still accepts writes that replicas committed before
// they saw the close.
func (s LifeCycleState) SequenceFrozen() bool {
	return s == ContainerQuasiClosed || s == ContainerClosed
}

// ReplicaState mirrors the node-local state of one replica
type ReplicaState string

const (
	ReplicaUnhealthy   ReplicaState = "UNHEALTHY"
	ReplicaOpen        ReplicaState = "OPEN"
	ReplicaClosing     ReplicaState = "CLOSING"
	ReplicaQuasiClosed ReplicaState = "QUASI_CLOSED"
	ReplicaClosed      ReplicaState = "CLOSED"
)

// Rank orders replica states on the same scale as LifeCycleState.Rank.
// UNHEALTHY sorts below everything.
func (s ReplicaState) Rank() int {
	switch s {
	case ReplicaOpen:
		return 0
	case ReplicaClosing:
		return 1
	case ReplicaQuasiClosed:
		return 2
	case ReplicaClosed:
		return 3
	default:
		return -1
	}
}

// Valid returns true for known replica states
func (s ReplicaState) Valid() bool {
	return s == ReplicaUnhealthy || s.Rank() >= 0
}

// Container is the unit of lifecycle management
type Container struct {
	ID                ContainerID
	State             LifeCycleState
	SequenceID        uint64
	PipelineID        string // Owning pipeline while OPEN (lookup only)
	ReplicationFactor int    // Expected replica count
	Owner             string
	ReplicaHint       []string // Node IDs that held replicas at the last transition
	StateEnteredAt    time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy safe to hand out of a lock
func (c *Container) Clone() *Container {
	if c == nil {
		return nil
	}
	out := *c
	if c.ReplicaHint != nil {
		out.ReplicaHint = append([]string(nil), c.ReplicaHint...)
	}
	return &out
}

// ContainerReplica is one node's copy of a container as last reported
type ContainerReplica struct {
	ContainerID     ContainerID
	NodeID          string
	State           ReplicaState
	SequenceID      uint64
	UsedBytes       int64
	ReportTimestamp time.Time
}

// NodeState is the liveness classification of a storage node
type NodeState string

const (
	NodeHealthy NodeState = "HEALTHY"
	NodeStale   NodeState = "STALE"
	NodeDead    NodeState = "DEAD"
)

// StorageNode tracks a storage node as seen by the manager
type StorageNode struct {
	ID             string
	State          NodeState
	LastHeartbeat  time.Time
	StateChangedAt time.Time
	RegisteredAt   time.Time
	Storage        *NodeStorage
}

// Clone returns a copy of the node
func (n *StorageNode) Clone() *StorageNode {
	if n == nil {
		return nil
	}
	out := *n
	if n.Storage != nil {
		s := *n.Storage
		out.Storage = &s
	}
	return &out
}

// NodeStorage is the capacity summary carried by node reports
type NodeStorage struct {
	CapacityBytes  int64
	UsedBytes      int64
	RemainingBytes int64
}

// PipelineState represents the lifecycle of a replication group
type PipelineState string

const (
	PipelineAllocated PipelineState = "ALLOCATED"
	PipelineOpen      PipelineState = "OPEN"
	PipelineClosed    PipelineState = "CLOSED"
)

// Pipeline is a replication group of nodes hosting OPEN containers
type Pipeline struct {
	ID        string
	Nodes     []string
	State     PipelineState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the pipeline
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	out := *p
	out.Nodes = append([]string(nil), p.Nodes...)
	return &out
}

// HasNode reports whether nodeID is a member of the pipeline
func (p *Pipeline) HasNode(nodeID string) bool {
	for _, id := range p.Nodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// ReportType identifies one of the independent report streams sent by nodes
type ReportType string

const (
	ReportHeartbeat     ReportType = "heartbeat"
	ReportContainer     ReportType = "container"
	ReportNode          ReportType = "node"
	ReportPipeline      ReportType = "pipeline"
	ReportCommandStatus ReportType = "command_status"
)

// ContainerReplicaReport is one entry of a full container report
type ContainerReplicaReport struct {
	ContainerID ContainerID
	State       ReplicaState
	SequenceID  uint64
	UsedBytes   int64
}

// PipelineReport is one entry of a pipeline report
type PipelineReport struct {
	PipelineID string
	IsLeader   bool
}

// CommandStatusValue is the execution status of a command on a node
type CommandStatusValue string

const (
	CommandPending  CommandStatusValue = "PENDING"
	CommandExecuted CommandStatusValue = "EXECUTED"
	CommandFailed   CommandStatusValue = "FAILED"
)

// CommandStatus is one entry of a command-status report
type CommandStatus struct {
	CommandID string
	Status    CommandStatusValue
	Message   string
}

// CommandType defines outbound commands sent to nodes
type CommandType string

const (
	CommandCloseContainer CommandType = "close_container"
	CommandClosePipeline  CommandType = "close_pipeline"
)

// Command is an instruction delivered to a node in a heartbeat response
type Command struct {
	ID          string
	Type        CommandType
	NodeID      string
	ContainerID ContainerID
	PipelineID  string
	SequenceID  uint64 // Frozen sequence id the replica must close at
	CreatedAt   time.Time
}

// ContainerStatus is the answer to a container query
type ContainerStatus struct {
	Container       *Container
	Replicas        []*ContainerReplica
	UnderReplicated bool
	OverReplicated  bool
}
