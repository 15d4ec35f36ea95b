// Package pipeline tracks replication groups and closes the containers of
// a pipeline once one of its members stops being healthy.
//
// Placement is external: pipelines are created with a fixed member list
// and the manager only records them durably, promotes them to OPEN once
// every member has reported the pipeline, and closes them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/keylock"
	"github.com/cuemby/strata/pkg/liveness"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for an unknown pipeline ID
	ErrNotFound = errors.New("pipeline not found")

	// ErrExists is returned when creating a pipeline whose ID is taken
	ErrExists = errors.New("pipeline already exists")
)

// Store persists pipelines durably
type Store interface {
	PutPipeline(ctx context.Context, p *types.Pipeline) error
	ListPipelines() ([]*types.Pipeline, error)
}

// ContainerCloser closes the OPEN containers of a pipeline
type ContainerCloser interface {
	CloseForPipeline(ctx context.Context, pipelineID string) (int, error)
}

// CommandSender delivers commands to storage nodes
type CommandSender interface {
	Send(cmd types.Command) (bool, error)
}

// NodeStates reports node liveness
type NodeStates interface {
	State(nodeID string) (types.NodeState, bool)
}

// Config holds the collaborators of a Manager
type Config struct {
	Store      Store
	Containers ContainerCloser
	Sender     CommandSender
	Nodes      NodeStates
	Broker     *events.Broker // optional
}

// Manager owns pipeline state
type Manager struct {
	store      Store
	containers ContainerCloser
	sender     CommandSender
	nodes      NodeStates
	broker     *events.Broker

	locks *keylock.Locker[string]

	mu        sync.RWMutex
	pipelines map[string]*types.Pipeline
	reported  map[string]map[string]bool

	logger zerolog.Logger
}

// NewManager creates a pipeline manager. Load must be called before use.
func NewManager(cfg Config) *Manager {
	return &Manager{
		store:      cfg.Store,
		containers: cfg.Containers,
		sender:     cfg.Sender,
		nodes:      cfg.Nodes,
		broker:     cfg.Broker,
		locks:      keylock.New[string](),
		pipelines:  make(map[string]*types.Pipeline),
		reported:   make(map[string]map[string]bool),
		logger:     log.WithComponent("pipeline-manager"),
	}
}

// Load replaces the in-memory view with the durable pipelines
func (m *Manager) Load() error {
	list, err := m.store.ListPipelines()
	if err != nil {
		return fmt.Errorf("failed to load pipelines: %w", err)
	}

	pipelines := make(map[string]*types.Pipeline, len(list))
	for _, p := range list {
		pipelines[p.ID] = p
	}

	m.mu.Lock()
	m.pipelines = pipelines
	m.reported = make(map[string]map[string]bool)
	m.mu.Unlock()

	m.logger.Info().Int("pipelines", len(list)).Msg("Pipeline metadata loaded")
	return nil
}

// Create records a new ALLOCATED pipeline with the given members
func (m *Manager) Create(ctx context.Context, id string, nodes []string) (*types.Pipeline, error) {
	if id == "" {
		return nil, errors.New("pipeline id is required")
	}
	if len(nodes) == 0 {
		return nil, errors.New("pipeline needs at least one node")
	}
	members := append([]string(nil), nodes...)
	slices.Sort(members)
	if len(slices.Compact(members)) != len(nodes) {
		return nil, fmt.Errorf("pipeline %s lists a node twice", id)
	}

	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	if _, ok := m.get(id); ok {
		return nil, fmt.Errorf("pipeline %s: %w", id, ErrExists)
	}

	now := time.Now()
	p := &types.Pipeline{
		ID:        id,
		Nodes:     append([]string(nil), nodes...),
		State:     types.PipelineAllocated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutPipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to persist pipeline %s: %w", id, err)
	}

	m.mu.Lock()
	m.pipelines[id] = p.Clone()
	m.mu.Unlock()

	m.logger.Info().Str("pipeline_id", id).Strs("nodes", p.Nodes).Msg("Pipeline created")
	m.publish(events.EventPipelineCreated, p)
	return p, nil
}

// ProcessReport applies a pipeline report from nodeID. An ALLOCATED
// pipeline becomes OPEN once every member has reported it. Entries for
// unknown pipelines, or pipelines the node is not a member of, are ignored.
func (m *Manager) ProcessReport(ctx context.Context, nodeID string, reports []types.PipelineReport) error {
	var errs []error
	for _, rep := range reports {
		if err := m.processEntry(ctx, nodeID, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) processEntry(ctx context.Context, nodeID string, rep types.PipelineReport) error {
	m.locks.Lock(rep.PipelineID)
	defer m.locks.Unlock(rep.PipelineID)

	p, ok := m.get(rep.PipelineID)
	if !ok || !p.HasNode(nodeID) {
		m.logger.Debug().
			Str("node_id", nodeID).
			Str("pipeline_id", rep.PipelineID).
			Msg("Ignoring report for unknown pipeline")
		return nil
	}
	if p.State != types.PipelineAllocated {
		return nil
	}

	m.mu.Lock()
	if m.reported[p.ID] == nil {
		m.reported[p.ID] = make(map[string]bool)
	}
	m.reported[p.ID][nodeID] = true
	complete := len(m.reported[p.ID]) == len(p.Nodes)
	m.mu.Unlock()

	if !complete {
		return nil
	}

	p.State = types.PipelineOpen
	p.UpdatedAt = time.Now()
	if err := m.store.PutPipeline(ctx, p); err != nil {
		return fmt.Errorf("failed to persist pipeline %s: %w", p.ID, err)
	}

	m.mu.Lock()
	m.pipelines[p.ID] = p.Clone()
	delete(m.reported, p.ID)
	m.mu.Unlock()

	m.logger.Info().Str("pipeline_id", p.ID).Msg("Pipeline open")
	m.publish(events.EventPipelineOpen, p)
	return nil
}

// HandleNodeTransition closes every pipeline that has the node as a member
// once it becomes STALE or DEAD
func (m *Manager) HandleNodeTransition(tr liveness.Transition) {
	if tr.To != types.NodeStale && tr.To != types.NodeDead {
		return
	}

	for _, p := range m.List() {
		if p.State == types.PipelineClosed || !p.HasNode(tr.NodeID) {
			continue
		}
		reason := fmt.Sprintf("member %s is %s", tr.NodeID, tr.To)
		if err := m.Close(context.Background(), p.ID, reason); err != nil {
			m.logger.Error().Err(err).Str("pipeline_id", p.ID).Msg("Failed to close unhealthy pipeline")
		}
	}
}

// Close moves a pipeline to CLOSED, closes its OPEN containers and tells
// its reachable members to tear it down. Closing a CLOSED pipeline is a
// no-op.
func (m *Manager) Close(ctx context.Context, id, reason string) error {
	m.locks.Lock(id)
	p, ok := m.get(id)
	if !ok {
		m.locks.Unlock(id)
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	if p.State == types.PipelineClosed {
		m.locks.Unlock(id)
		return nil
	}

	p.State = types.PipelineClosed
	p.UpdatedAt = time.Now()
	if err := m.store.PutPipeline(ctx, p); err != nil {
		m.locks.Unlock(id)
		return fmt.Errorf("failed to persist pipeline %s: %w", id, err)
	}

	m.mu.Lock()
	m.pipelines[id] = p.Clone()
	delete(m.reported, id)
	m.mu.Unlock()
	m.locks.Unlock(id)

	logger := log.WithPipelineID(m.logger, id)
	logger.Warn().Str("reason", reason).Msg("Pipeline closed")
	m.publish(events.EventPipelineClosed, p)

	var errs []error
	if m.containers != nil {
		n, err := m.containers.CloseForPipeline(ctx, id)
		if err != nil {
			errs = append(errs, err)
		}
		logger.Info().Int("containers", n).Msg("Closed pipeline containers")
	}

	if m.sender != nil {
		for _, nodeID := range p.Nodes {
			if m.nodes != nil {
				if state, ok := m.nodes.State(nodeID); ok && state == types.NodeDead {
					continue
				}
			}
			if _, err := m.sender.Send(types.Command{
				Type:       types.CommandClosePipeline,
				NodeID:     nodeID,
				PipelineID: id,
			}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// PipelineNodes returns the members of a pipeline
func (m *Manager) PipelineNodes(id string) []string {
	p, ok := m.get(id)
	if !ok {
		return nil
	}
	return p.Nodes
}

// Get returns a copy of pipeline id
func (m *Manager) Get(id string) (*types.Pipeline, error) {
	p, ok := m.get(id)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// List returns copies of every pipeline ordered by ID
func (m *Manager) List() []*types.Pipeline {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b *types.Pipeline) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// CountByState returns the number of pipelines in each state
func (m *Manager) CountByState() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, p := range m.pipelines {
		counts[string(p.State)]++
	}
	return counts
}

func (m *Manager) get(id string) (*types.Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (m *Manager) publish(typ events.EventType, p *types.Pipeline) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:    typ,
		Message: fmt.Sprintf("pipeline %s is %s", p.ID, p.State),
		Metadata: map[string]string{
			"pipeline_id": p.ID,
			"state":       string(p.State),
		},
	})
}
