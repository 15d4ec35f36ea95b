package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/container"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/liveness"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NodeStates reports node liveness
type NodeStates interface {
	State(nodeID string) (types.NodeState, bool)
}

// NodeCommands lets the reconciler discard commands for lost nodes
type NodeCommands interface {
	DropNode(nodeID string)
}

// Config holds the collaborators and tuning of a Reconciler
type Config struct {
	Containers          *container.Manager
	Nodes               NodeStates
	Commands            NodeCommands   // optional
	Broker              *events.Broker // optional
	Interval            time.Duration
	CloseThresholdBytes int64 // 0 disables capacity-driven close
}

// Reconciler keeps the per-container replica index in line with container
// reports. It is the only writer of that index. It re-sends close commands
// to replicas that lag behind their container, completes closes once
// enough replicas agree on the frozen sequence id, and flags CLOSED
// containers whose healthy replica count differs from the replication
// factor.
type Reconciler struct {
	containers     *container.Manager
	nodes          NodeStates
	commands       NodeCommands
	broker         *events.Broker
	interval       time.Duration
	closeThreshold int64

	mu       sync.RWMutex
	replicas map[types.ContainerID]map[string]*types.ContainerReplica
	byNode   map[string]map[types.ContainerID]bool
	under    map[types.ContainerID]bool
	over     map[types.ContainerID]bool

	tracer trace.Tracer
	logger zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg Config) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		containers:     cfg.Containers,
		nodes:          cfg.Nodes,
		commands:       cfg.Commands,
		broker:         cfg.Broker,
		interval:       interval,
		closeThreshold: cfg.CloseThresholdBytes,
		replicas:       make(map[types.ContainerID]map[string]*types.ContainerReplica),
		byNode:         make(map[string]map[types.ContainerID]bool),
		under:          make(map[types.ContainerID]bool),
		over:           make(map[types.ContainerID]bool),
		tracer:         otel.Tracer("strata/reconciler"),
		logger:         log.WithComponent("reconciler"),
	}
}

// Run evaluates replication on every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Evaluate(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Replication evaluation failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ProcessContainerReport applies a full container report from nodeID.
// Containers missing from the report are no longer hosted by the node.
// Reports from DEAD nodes are accepted but leave the index untouched.
func (r *Reconciler) ProcessContainerReport(ctx context.Context, nodeID string, reports []types.ContainerReplicaReport, ts time.Time) error {
	ctx, span := r.tracer.Start(ctx, "reconciler.container_report", trace.WithAttributes(
		attribute.String("node.id", nodeID),
		attribute.Int("report.entries", len(reports)),
	))
	defer span.End()

	if state, ok := r.nodes.State(nodeID); ok && state == types.NodeDead {
		r.logger.Debug().Str("node_id", nodeID).Msg("Ignoring container report from dead node")
		return nil
	}

	// Last entry wins when a report names a container twice
	latest := make(map[types.ContainerID]types.ContainerReplicaReport, len(reports))
	for _, rep := range reports {
		if !rep.State.Valid() {
			r.logger.Debug().
				Str("node_id", nodeID).
				Uint64("container_id", uint64(rep.ContainerID)).
				Str("state", string(rep.State)).
				Msg("Skipping replica with unknown state")
			continue
		}
		latest[rep.ContainerID] = rep
	}

	ids := make([]types.ContainerID, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		rep := latest[id]
		err := r.containers.Exec(ctx, id, func(txn *container.Txn) error {
			return r.applyReplica(txn, nodeID, rep, ts)
		})
		switch {
		case err == nil:
		case container.IsNotFound(err):
			r.logger.Debug().
				Str("node_id", nodeID).
				Uint64("container_id", uint64(id)).
				Msg("Node reported unknown container")
			continue
		default:
			errs = append(errs, err)
		}
		r.refreshFlags(id)
	}

	for _, id := range r.missingFrom(nodeID, latest) {
		if err := r.removeReplica(ctx, id, nodeID); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Reconciler) applyReplica(txn *container.Txn, nodeID string, rep types.ContainerReplicaReport, ts time.Time) error {
	c := txn.Container()
	r.putReplica(&types.ContainerReplica{
		ContainerID:     c.ID,
		NodeID:          nodeID,
		State:           rep.State,
		SequenceID:      rep.SequenceID,
		UsedBytes:       rep.UsedBytes,
		ReportTimestamp: ts,
	})

	if c.State == types.ContainerOpen {
		if rep.State != types.ReplicaUnhealthy {
			if _, err := txn.AdvanceSequence(rep.SequenceID); err != nil {
				return err
			}
		}
		if r.closeThreshold > 0 && rep.UsedBytes >= r.closeThreshold {
			return txn.Close(container.TriggerCapacity)
		}
		return nil
	}

	// Writes committed before the close reached the replica still count
	if c.State == types.ContainerClosing && rep.State != types.ReplicaUnhealthy {
		advanced, err := txn.AdvanceSequence(rep.SequenceID)
		if err != nil {
			return err
		}
		if advanced {
			c = txn.Container()
		}
	}

	switch {
	case rep.State == types.ReplicaUnhealthy:
	case rep.State.Rank() < c.State.Rank():
		// The replica is behind; resend until it catches up
		txn.SendClose(nodeID)
	case rep.State == types.ReplicaClosed && rep.SequenceID != c.SequenceID:
		metrics.MismatchedReplicasTotal.Inc()
		r.logger.Warn().
			Str("node_id", nodeID).
			Uint64("container_id", uint64(c.ID)).
			Uint64("replica_sequence_id", rep.SequenceID).
			Uint64("sequence_id", c.SequenceID).
			Msg("Closed replica does not match container sequence id")
	}

	return r.evaluateClose(txn)
}

// evaluateClose advances a closing container once enough live replicas
// have closed at its sequence id. Must run inside Exec.
func (r *Reconciler) evaluateClose(txn *container.Txn) error {
	c := txn.Container()
	if c.State != types.ContainerClosing && c.State != types.ContainerQuasiClosed {
		return nil
	}

	counts := r.count(c)
	quorum := c.ReplicationFactor/2 + 1

	var next types.LifeCycleState
	switch {
	case counts.closed >= quorum && counts.closed == counts.live:
		next = types.ContainerClosed
	case c.State == types.ContainerClosing && counts.locallyClosed >= quorum:
		next = types.ContainerQuasiClosed
	default:
		return nil
	}

	if err := txn.Transition(next); err != nil {
		return err
	}
	txn.SetReplicaHint(r.NodesFor(c.ID))
	return nil
}

type replicaCounts struct {
	live          int // on HEALTHY nodes and not UNHEALTHY
	closed        int // live, CLOSED, matching sequence id
	locallyClosed int // live, CLOSED or QUASI_CLOSED, matching sequence id
}

func (r *Reconciler) count(c *types.Container) replicaCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var counts replicaCounts
	for nodeID, rep := range r.replicas[c.ID] {
		if rep.State == types.ReplicaUnhealthy {
			continue
		}
		if state, ok := r.nodes.State(nodeID); !ok || state != types.NodeHealthy {
			continue
		}
		counts.live++
		if rep.SequenceID != c.SequenceID {
			continue
		}
		switch rep.State {
		case types.ReplicaClosed:
			counts.closed++
			counts.locallyClosed++
		case types.ReplicaQuasiClosed:
			counts.locallyClosed++
		}
	}
	return counts
}

// HandleNodeTransition drops every replica of a node declared DEAD
func (r *Reconciler) HandleNodeTransition(tr liveness.Transition) {
	if !tr.Lost() {
		return
	}
	if err := r.dropNode(context.Background(), tr.NodeID); err != nil {
		r.logger.Error().Err(err).Str("node_id", tr.NodeID).Msg("Failed to drop replicas of lost node")
	}
}

func (r *Reconciler) dropNode(ctx context.Context, nodeID string) error {
	r.mu.RLock()
	ids := make([]types.ContainerID, 0, len(r.byNode[nodeID]))
	for id := range r.byNode[nodeID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if err := r.removeReplica(ctx, id, nodeID); err != nil {
			errs = append(errs, err)
		}
	}
	if r.commands != nil {
		r.commands.DropNode(nodeID)
	}

	if len(ids) > 0 {
		r.logger.Warn().
			Str("node_id", nodeID).
			Int("replicas", len(ids)).
			Msg("Dropped replicas of lost node")
	}
	return errors.Join(errs...)
}

// removeReplica forgets the replica of id on nodeID under the container's
// ownership token and re-evaluates the container
func (r *Reconciler) removeReplica(ctx context.Context, id types.ContainerID, nodeID string) error {
	err := r.containers.Exec(ctx, id, func(txn *container.Txn) error {
		r.deleteReplica(id, nodeID)
		return r.evaluateClose(txn)
	})
	if container.IsNotFound(err) {
		r.deleteReplica(id, nodeID)
		err = nil
	}
	r.refreshFlags(id)
	return err
}

// Evaluate is the periodic replication pass. It drops replicas of DEAD
// nodes that were missed, advances closing containers whose live replica
// set changed, and recomputes the replication flags.
func (r *Reconciler) Evaluate(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	ctx, span := r.tracer.Start(ctx, "reconciler.evaluate")
	defer span.End()

	var errs []error
	for _, nodeID := range r.indexedNodes() {
		if state, ok := r.nodes.State(nodeID); ok && state == types.NodeDead {
			if err := r.dropNode(ctx, nodeID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, id := range r.containers.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.containers.Exec(ctx, id, r.evaluateClose)
		if err != nil && !container.IsNotFound(err) {
			errs = append(errs, err)
		}
		r.refreshFlags(id)
	}

	return errors.Join(errs...)
}

func (r *Reconciler) refreshFlags(id types.ContainerID) {
	c, err := r.containers.Get(id)
	if err != nil {
		r.mu.Lock()
		delete(r.under, id)
		delete(r.over, id)
		r.mu.Unlock()
		return
	}

	var under, over bool
	if c.State == types.ContainerClosed {
		live := r.count(c).live
		under = live < c.ReplicationFactor
		over = live > c.ReplicationFactor
	}

	r.mu.Lock()
	wasUnder, wasOver := r.under[id], r.over[id]
	setFlag(r.under, id, under)
	setFlag(r.over, id, over)
	r.mu.Unlock()

	if under && !wasUnder {
		r.logger.Warn().Uint64("container_id", uint64(id)).Int("replication_factor", c.ReplicationFactor).Msg("Container under-replicated")
		r.publish(events.EventContainerUnderReplicated, c)
	}
	if over && !wasOver {
		r.logger.Warn().Uint64("container_id", uint64(id)).Int("replication_factor", c.ReplicationFactor).Msg("Container over-replicated")
		r.publish(events.EventContainerOverReplicated, c)
	}
}

func setFlag(m map[types.ContainerID]bool, id types.ContainerID, on bool) {
	if on {
		m[id] = true
	} else {
		delete(m, id)
	}
}

func (r *Reconciler) putReplica(rep *types.ContainerReplica) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replicas[rep.ContainerID] == nil {
		r.replicas[rep.ContainerID] = make(map[string]*types.ContainerReplica)
	}
	r.replicas[rep.ContainerID][rep.NodeID] = rep

	if r.byNode[rep.NodeID] == nil {
		r.byNode[rep.NodeID] = make(map[types.ContainerID]bool)
	}
	r.byNode[rep.NodeID][rep.ContainerID] = true
}

func (r *Reconciler) deleteReplica(id types.ContainerID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reps := r.replicas[id]; reps != nil {
		delete(reps, nodeID)
		if len(reps) == 0 {
			delete(r.replicas, id)
		}
	}
	if ids := r.byNode[nodeID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byNode, nodeID)
		}
	}
}

func (r *Reconciler) missingFrom(nodeID string, reported map[types.ContainerID]types.ContainerReplicaReport) []types.ContainerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []types.ContainerID
	for id := range r.byNode[nodeID] {
		if _, ok := reported[id]; !ok {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing
}

func (r *Reconciler) indexedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.byNode))
	for id := range r.byNode {
		nodes = append(nodes, id)
	}
	slices.Sort(nodes)
	return nodes
}

// Replicas returns copies of the replicas of id ordered by node
func (r *Reconciler) Replicas(id types.ContainerID) []*types.ContainerReplica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.ContainerReplica, 0, len(r.replicas[id]))
	for _, rep := range r.replicas[id] {
		c := *rep
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *types.ContainerReplica) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	return out
}

// NodesFor returns the nodes holding a replica of id
func (r *Reconciler) NodesFor(id types.ContainerID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.replicas[id]))
	for nodeID := range r.replicas[id] {
		nodes = append(nodes, nodeID)
	}
	slices.Sort(nodes)
	return nodes
}

// ReplicaCount returns the total number of indexed replicas
func (r *Reconciler) ReplicaCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, reps := range r.replicas {
		n += len(reps)
	}
	return n
}

// IsUnderReplicated reports whether id is flagged under-replicated
func (r *Reconciler) IsUnderReplicated(id types.ContainerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.under[id]
}

// IsOverReplicated reports whether id is flagged over-replicated
func (r *Reconciler) IsOverReplicated(id types.ContainerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.over[id]
}

// UnderReplicated returns every container flagged under-replicated
func (r *Reconciler) UnderReplicated() []types.ContainerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.under)
}

// OverReplicated returns every container flagged over-replicated
func (r *Reconciler) OverReplicated() []types.ContainerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.over)
}

// Converged reports whether id is CLOSED with exactly n replicas indexed,
// each CLOSED at the container's sequence id
func (r *Reconciler) Converged(id types.ContainerID, n int) bool {
	c, err := r.containers.Get(id)
	if err != nil || c.State != types.ContainerClosed {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	reps := r.replicas[id]
	if len(reps) != n {
		return false
	}
	for _, rep := range reps {
		if rep.State != types.ReplicaClosed || rep.SequenceID != c.SequenceID {
			return false
		}
	}
	return true
}

// Reset forgets every replica. Used when the manager restarts and the
// index has to be rebuilt from fresh reports.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.replicas = make(map[types.ContainerID]map[string]*types.ContainerReplica)
	r.byNode = make(map[string]map[types.ContainerID]bool)
	r.under = make(map[types.ContainerID]bool)
	r.over = make(map[types.ContainerID]bool)
}

func (r *Reconciler) publish(typ events.EventType, c *types.Container) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:    typ,
		Message: fmt.Sprintf("container %s has %d expected replicas", c.ID, c.ReplicationFactor),
		Metadata: map[string]string{
			"container_id": c.ID.String(),
		},
	})
}

func sortedIDs(m map[types.ContainerID]bool) []types.ContainerID {
	ids := make([]types.ContainerID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
