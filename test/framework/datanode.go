package framework

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/types"
	"golang.org/x/sync/errgroup"
)

// DataNode simulates a storage node. It keeps replicas in memory, executes
// the commands the manager hands it and reports back when ticked.
type DataNode struct {
	ID string

	mu        sync.Mutex
	replicas  map[types.ContainerID]*types.ContainerReplicaReport
	pipelines map[string]bool
	statuses  []types.CommandStatus
	executed  []types.Command
	sent      map[ReportKind]int
	last      time.Time

	// QuasiClose makes close commands leave replicas QUASI_CLOSED, as when
	// the node cannot reach its pipeline peers
	QuasiClose bool
	// Capacity is reported in node reports
	Capacity int64
}

// NewDataNode creates a node with no replicas
func NewDataNode(id string) *DataNode {
	return &DataNode{
		ID:        id,
		replicas:  make(map[types.ContainerID]*types.ContainerReplicaReport),
		pipelines: make(map[string]bool),
		sent:      make(map[ReportKind]int),
		Capacity:  100 << 30,
	}
}

// AddReplica places an OPEN replica of id on the node
func (n *DataNode) AddReplica(id types.ContainerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replicas[id] = &types.ContainerReplicaReport{ContainerID: id, State: types.ReplicaOpen}
}

// RemoveReplica deletes the node's replica of id
func (n *DataNode) RemoveReplica(id types.ContainerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.replicas, id)
}

// Write advances an OPEN replica to seq and adds used bytes
func (n *DataNode) Write(id types.ContainerID, seq uint64, bytes int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	rep, ok := n.replicas[id]
	if !ok {
		return fmt.Errorf("node %s has no replica of container %d", n.ID, id)
	}
	if rep.State != types.ReplicaOpen {
		return fmt.Errorf("replica of container %d on %s is %s", id, n.ID, rep.State)
	}
	if seq > rep.SequenceID {
		rep.SequenceID = seq
	}
	rep.UsedBytes += bytes
	return nil
}

// MarkUnhealthy flags the node's replica of id as UNHEALTHY
func (n *DataNode) MarkUnhealthy(id types.ContainerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rep, ok := n.replicas[id]; ok {
		rep.State = types.ReplicaUnhealthy
	}
}

// JoinPipeline makes the node report membership of pipelineID
func (n *DataNode) JoinPipeline(pipelineID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pipelines[pipelineID] = true
}

// Replica returns a copy of the node's replica of id
func (n *DataNode) Replica(id types.ContainerID) (types.ContainerReplicaReport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rep, ok := n.replicas[id]
	if !ok {
		return types.ContainerReplicaReport{}, false
	}
	return *rep, true
}

// Executed returns the commands the node has run so far
func (n *DataNode) Executed() []types.Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.executed)
}

// Tick sends one round of reports: a heartbeat, whose commands are executed
// right away, then the container, node, pipeline and command-status reports
func (n *DataNode) Tick(ctx context.Context, r Reporter) {
	n.Heartbeat(ctx, r)
	n.sendContainerReport(ctx, r)
	n.sendNodeReport(ctx, r)
	n.sendPipelineReport(ctx, r)
	n.sendCommandStatus(ctx, r)
}

// Run sends every report type on its own cadence until ctx is done
func (n *DataNode) Run(ctx context.Context, r Reporter, intervals config.ReportIntervals) error {
	g, gctx := errgroup.WithContext(ctx)
	every := func(interval time.Duration, send func(context.Context, Reporter)) {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					send(gctx, r)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	every(intervals.Heartbeat, func(ctx context.Context, r Reporter) { n.Heartbeat(ctx, r) })
	every(intervals.Container, n.sendContainerReport)
	every(intervals.Node, n.sendNodeReport)
	every(intervals.Pipeline, n.sendPipelineReport)
	every(intervals.CommandStatus, n.sendCommandStatus)
	return g.Wait()
}

// Sent returns how many reports of kind the node has sent
func (n *DataNode) Sent(kind ReportKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[kind]
}

// Heartbeat sends only a heartbeat and executes the returned commands
func (n *DataNode) Heartbeat(ctx context.Context, r Reporter) []types.Command {
	cmds := r.SendHeartbeat(ctx, n.ID, n.stamp(ReportHeartbeat))
	for _, cmd := range cmds {
		n.execute(cmd)
	}
	return cmds
}

func (n *DataNode) sendContainerReport(ctx context.Context, r Reporter) {
	containers, _ := n.snapshot()
	r.SendContainerReport(ctx, n.ID, n.stamp(ReportContainer), containers)
}

func (n *DataNode) sendNodeReport(ctx context.Context, r Reporter) {
	_, storage := n.snapshot()
	r.SendNodeReport(ctx, n.ID, n.stamp(ReportNode), storage)
}

func (n *DataNode) sendPipelineReport(ctx context.Context, r Reporter) {
	n.mu.Lock()
	pipelines := make([]types.PipelineReport, 0, len(n.pipelines))
	for id := range n.pipelines {
		pipelines = append(pipelines, types.PipelineReport{PipelineID: id})
	}
	n.mu.Unlock()
	r.SendPipelineReport(ctx, n.ID, n.stamp(ReportPipeline), pipelines)
}

func (n *DataNode) sendCommandStatus(ctx context.Context, r Reporter) {
	n.mu.Lock()
	statuses := n.statuses
	n.statuses = nil
	n.mu.Unlock()
	if len(statuses) == 0 {
		return
	}
	r.SendCommandStatusReport(ctx, n.ID, n.stamp(ReportCommandStatus), statuses)
}

func (n *DataNode) execute(cmd types.Command) {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := types.CommandStatus{CommandID: cmd.ID, Status: types.CommandExecuted}
	switch cmd.Type {
	case types.CommandCloseContainer:
		rep, ok := n.replicas[cmd.ContainerID]
		switch {
		case !ok:
			status.Status = types.CommandFailed
			status.Message = "no such container"
		case rep.State == types.ReplicaUnhealthy:
			status.Status = types.CommandFailed
			status.Message = "replica unhealthy"
		case rep.State == types.ReplicaClosed:
		default:
			// Catch up to the container's sequence id before closing
			if rep.SequenceID < cmd.SequenceID {
				rep.SequenceID = cmd.SequenceID
			}
			rep.State = types.ReplicaClosed
			if n.QuasiClose {
				rep.State = types.ReplicaQuasiClosed
			}
		}
	case types.CommandClosePipeline:
		delete(n.pipelines, cmd.PipelineID)
	default:
		status.Status = types.CommandFailed
		status.Message = "unknown command"
	}

	n.executed = append(n.executed, cmd)
	n.statuses = append(n.statuses, status)
}

func (n *DataNode) snapshot() ([]types.ContainerReplicaReport, types.NodeStorage) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]types.ContainerID, 0, len(n.replicas))
	for id := range n.replicas {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	containers := make([]types.ContainerReplicaReport, 0, len(ids))
	var used int64
	for _, id := range ids {
		containers = append(containers, *n.replicas[id])
		used += n.replicas[id].UsedBytes
	}

	storage := types.NodeStorage{
		CapacityBytes:  n.Capacity,
		UsedBytes:      used,
		RemainingBytes: n.Capacity - used,
	}
	return containers, storage
}

// stamp counts a report of kind and returns a strictly increasing report
// timestamp for it
func (n *DataNode) stamp(kind ReportKind) time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent[kind]++
	ts := time.Now()
	if !ts.After(n.last) {
		ts = n.last.Add(time.Nanosecond)
	}
	n.last = ts
	return ts
}
