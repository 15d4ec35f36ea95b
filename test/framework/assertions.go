package framework

import (
	"github.com/cuemby/strata/pkg/types"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

func (a *Assertions) status(c *Cluster, id types.ContainerID) *types.ContainerStatus {
	a.t.Helper()

	status, err := c.Manager.QueryContainer(id)
	if err != nil {
		a.t.Fatalf("Failed to query container %d: %v", id, err)
	}
	return status
}

// ContainerState asserts the lifecycle state of a container
func (a *Assertions) ContainerState(c *Cluster, id types.ContainerID, expected types.LifeCycleState) {
	a.t.Helper()

	if got := a.status(c, id).Container.State; got != expected {
		a.t.Fatalf("Container %d is %s, expected %s", id, got, expected)
	}
}

// SequenceID asserts the recorded sequence id of a container
func (a *Assertions) SequenceID(c *Cluster, id types.ContainerID, expected uint64) {
	a.t.Helper()

	if got := a.status(c, id).Container.SequenceID; got != expected {
		a.t.Fatalf("Container %d has sequence id %d, expected %d", id, got, expected)
	}
}

// ReplicaCount asserts how many replicas of a container the manager knows
func (a *Assertions) ReplicaCount(c *Cluster, id types.ContainerID, expected int) {
	a.t.Helper()

	if got := len(a.status(c, id).Replicas); got != expected {
		a.t.Fatalf("Container %d has %d replicas, expected %d", id, got, expected)
	}
}

// NodeReplicaState asserts the local state of a node's replica
func (a *Assertions) NodeReplicaState(n *DataNode, id types.ContainerID, expected types.ReplicaState) {
	a.t.Helper()

	rep, ok := n.Replica(id)
	if !ok {
		a.t.Fatalf("Node %s has no replica of container %d", n.ID, id)
	}
	if rep.State != expected {
		a.t.Fatalf("Replica of container %d on %s is %s, expected %s", id, n.ID, rep.State, expected)
	}
}

// CloseCommands asserts how many close_container commands for id a node ran
func (a *Assertions) CloseCommands(n *DataNode, id types.ContainerID, expected int) {
	a.t.Helper()

	got := 0
	for _, cmd := range n.Executed() {
		if cmd.Type == types.CommandCloseContainer && cmd.ContainerID == id {
			got++
		}
	}
	if got != expected {
		a.t.Fatalf("Node %s ran %d close commands for container %d, expected %d", n.ID, got, id, expected)
	}
}

// NodeState asserts how the manager classifies a node
func (a *Assertions) NodeState(c *Cluster, nodeID string, expected types.NodeState) {
	a.t.Helper()

	got, ok := c.Manager.NodeState(nodeID)
	if !ok {
		a.t.Fatalf("Node %s is not registered", nodeID)
	}
	if got != expected {
		a.t.Fatalf("Node %s is %s, expected %s", nodeID, got, expected)
	}
}
