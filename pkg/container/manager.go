package container

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/keylock"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the durable side of the state machine. Writes return only once
// the change is durable.
type Store interface {
	AllocateContainer(ctx context.Context, c *types.Container) (*types.Container, error)
	UpdateContainer(ctx context.Context, c *types.Container) error
	GetContainer(id types.ContainerID) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
}

// CommandSender delivers commands to storage nodes
type CommandSender interface {
	Send(cmd types.Command) (bool, error)
}

// ReplicaLocator names the nodes currently known to hold a container
type ReplicaLocator interface {
	NodesFor(id types.ContainerID) []string
}

// PipelineLookup returns the member nodes of a pipeline
type PipelineLookup interface {
	PipelineNodes(pipelineID string) []string
}

// NodeStates reports node liveness
type NodeStates interface {
	State(nodeID string) (types.NodeState, bool)
}

// Config holds the collaborators of a Manager
type Config struct {
	Store         Store
	Sender        CommandSender
	Nodes         NodeStates     // optional
	Broker        *events.Broker // optional
	RetryAttempts uint
	RetryDelay    time.Duration
}

// Manager owns the lifecycle state and sequence id of every container.
// All changes to one container go through Exec, which serializes them
// under that container's ownership token; different containers proceed in
// parallel.
type Manager struct {
	store  Store
	sender CommandSender
	nodes  NodeStates
	broker *events.Broker

	retryAttempts uint
	retryDelay    time.Duration

	locks *keylock.Locker[types.ContainerID]

	mu         sync.RWMutex
	containers map[types.ContainerID]*types.Container
	locator    ReplicaLocator
	pipelines  PipelineLookup

	now    func() time.Time
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewManager creates a container manager. Load must be called before use.
func NewManager(cfg Config) *Manager {
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	return &Manager{
		store:         cfg.Store,
		sender:        cfg.Sender,
		nodes:         cfg.Nodes,
		broker:        cfg.Broker,
		retryAttempts: attempts,
		retryDelay:    cfg.RetryDelay,
		locks:         keylock.New[types.ContainerID](),
		containers:    make(map[types.ContainerID]*types.Container),
		now:           time.Now,
		tracer:        otel.Tracer("strata/container"),
		logger:        log.WithComponent("container-manager"),
	}
}

// SetReplicaLocator sets where close commands are sent
func (m *Manager) SetReplicaLocator(l ReplicaLocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locator = l
}

// SetPipelineLookup sets the pipeline membership source used when no
// replica of a container has been reported yet
func (m *Manager) SetPipelineLookup(p PipelineLookup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines = p
}

// Load replaces the in-memory view with the full contents of the store.
// It must complete before any report is processed.
func (m *Manager) Load() error {
	list, err := m.store.ListContainers()
	if err != nil {
		return fmt.Errorf("failed to load containers: %w", err)
	}

	containers := make(map[types.ContainerID]*types.Container, len(list))
	for _, c := range list {
		containers[c.ID] = c
	}

	m.mu.Lock()
	m.containers = containers
	m.mu.Unlock()

	m.logger.Info().Int("containers", len(list)).Msg("Container metadata loaded")
	return nil
}

// Allocate creates a new OPEN container owned by pipelineID
func (m *Manager) Allocate(ctx context.Context, pipelineID, owner string, replicationFactor int) (*types.Container, error) {
	if replicationFactor < 1 {
		return nil, fmt.Errorf("replication factor must be at least 1, got %d", replicationFactor)
	}

	now := m.now()
	c := &types.Container{
		State:             types.ContainerOpen,
		PipelineID:        pipelineID,
		ReplicationFactor: replicationFactor,
		Owner:             owner,
		StateEnteredAt:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var allocated *types.Container
	err := m.withRetry(ctx, func() error {
		var err error
		allocated, err = m.store.AllocateContainer(ctx, c)
		return err
	})
	if err != nil {
		metrics.DurabilityFailuresTotal.Inc()
		return nil, fmt.Errorf("allocate container: %w: %w", ErrDurability, err)
	}

	m.mu.Lock()
	m.containers[allocated.ID] = allocated.Clone()
	m.mu.Unlock()

	m.logger.Info().
		Uint64("container_id", uint64(allocated.ID)).
		Str("pipeline_id", pipelineID).
		Msg("Container allocated")
	m.publish(events.EventContainerAllocated, allocated)

	return allocated, nil
}

// Exec runs fn while holding the ownership token of container id. Changes
// made through the Txn are committed durably before Exec returns and before
// any command they queued is sent. If fn returns an error nothing is
// committed or sent.
func (m *Manager) Exec(ctx context.Context, id types.ContainerID, fn func(*Txn) error) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	m.mu.RLock()
	current, ok := m.containers[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}

	txn := &Txn{m: m, c: current.Clone()}
	if err := fn(txn); err != nil {
		return err
	}
	if !txn.dirty {
		m.send(txn.commands)
		return nil
	}

	if err := m.commit(ctx, txn); err != nil {
		return err
	}

	m.mu.Lock()
	m.containers[id] = txn.c.Clone()
	m.mu.Unlock()

	for _, tr := range txn.transitions {
		m.recordTransition(txn.c, tr)
	}
	m.send(txn.commands)
	return nil
}

// commit writes the transaction durably. On failure the in-memory record
// is reloaded from the store so both views agree.
func (m *Manager) commit(ctx context.Context, txn *Txn) error {
	ctx, span := m.tracer.Start(ctx, "container.commit", trace.WithAttributes(
		attribute.Int64("container.id", int64(txn.c.ID)),
		attribute.String("container.state", string(txn.c.State)),
	))
	defer span.End()

	timer := metrics.NewTimer()
	err := m.withRetry(ctx, func() error {
		return m.store.UpdateContainer(ctx, txn.c)
	})
	timer.ObserveDuration(metrics.CommitDuration)
	if err == nil {
		return nil
	}

	metrics.DurabilityFailuresTotal.Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "commit failed")

	m.logger.Error().
		Err(err).
		Uint64("container_id", uint64(txn.c.ID)).
		Msg("Failed to persist container")

	if fresh, gerr := m.store.GetContainer(txn.c.ID); gerr == nil {
		m.mu.Lock()
		m.containers[txn.c.ID] = fresh
		m.mu.Unlock()
	}
	return fmt.Errorf("container %s: %w: %w", txn.c.ID, ErrDurability, err)
}

func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(m.retryAttempts),
		retry.Delay(m.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn().Err(err).Uint("attempt", n+1).Msg("Retrying metadata commit")
		}),
	)
}

// RequestClose closes an OPEN container. Closing a container that is
// already CLOSING returns ErrAlreadyClosing; QUASI_CLOSED or CLOSED returns
// ErrAlreadyClosed. Neither changes the container or sends a command.
func (m *Manager) RequestClose(ctx context.Context, id types.ContainerID, trigger CloseTrigger) error {
	ctx, span := m.tracer.Start(ctx, "container.close", trace.WithAttributes(
		attribute.Int64("container.id", int64(id)),
		attribute.String("close.trigger", string(trigger)),
	))
	defer span.End()

	err := m.Exec(ctx, id, func(txn *Txn) error {
		return txn.Close(trigger)
	})

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyClosing):
		result = "already_closing"
	case errors.Is(err, ErrAlreadyClosed):
		result = "already_closed"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "close failed")
	}
	span.SetAttributes(attribute.String("close.result", result))
	metrics.CloseRequestsTotal.WithLabelValues(string(trigger), result).Inc()
	return err
}

// UpdateSequenceID advances the sequence id of an OPEN container
func (m *Manager) UpdateSequenceID(ctx context.Context, id types.ContainerID, seq uint64) error {
	return m.Exec(ctx, id, func(txn *Txn) error {
		_, err := txn.AdvanceSequence(seq)
		return err
	})
}

// CloseForPipeline closes every OPEN container owned by pipelineID and
// returns how many were closed
func (m *Manager) CloseForPipeline(ctx context.Context, pipelineID string) (int, error) {
	var ids []types.ContainerID
	m.mu.RLock()
	for id, c := range m.containers {
		if c.PipelineID == pipelineID && c.State == types.ContainerOpen {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(ids)

	closed := 0
	var errs []error
	for _, id := range ids {
		err := m.RequestClose(ctx, id, TriggerPipeline)
		switch {
		case err == nil:
			closed++
		case errors.Is(err, ErrAlreadyClosing), errors.Is(err, ErrAlreadyClosed):
			// Closed concurrently by another trigger
		default:
			errs = append(errs, err)
		}
	}
	return closed, errors.Join(errs...)
}

// Get returns a copy of container id
func (m *Manager) Get(id types.ContainerID) (*types.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

// List returns copies of every container ordered by ID
func (m *Manager) List() []*types.Container {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *types.Container) int {
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

// IDs returns every container ID in ascending order
func (m *Manager) IDs() []types.ContainerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]types.ContainerID, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CountByState returns the number of containers in each lifecycle state
func (m *Manager) CountByState() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, c := range m.containers {
		counts[string(c.State)]++
	}
	return counts
}

func (m *Manager) closeTargets(c *types.Container) []string {
	m.mu.RLock()
	locator, pipelines := m.locator, m.pipelines
	m.mu.RUnlock()

	var nodes []string
	if locator != nil {
		nodes = append(nodes, locator.NodesFor(c.ID)...)
	}
	if pipelines != nil && c.PipelineID != "" {
		nodes = append(nodes, pipelines.PipelineNodes(c.PipelineID)...)
	}
	if len(nodes) == 0 {
		nodes = append(nodes, c.ReplicaHint...)
	}
	if m.nodes != nil {
		// Dead nodes get no commands until they re-register
		nodes = slices.DeleteFunc(nodes, func(nodeID string) bool {
			state, ok := m.nodes.State(nodeID)
			return ok && state == types.NodeDead
		})
	}
	slices.Sort(nodes)
	return slices.Compact(nodes)
}

func (m *Manager) send(cmds []types.Command) {
	if m.sender == nil {
		return
	}
	for _, cmd := range cmds {
		if _, err := m.sender.Send(cmd); err != nil {
			m.logger.Warn().
				Err(err).
				Str("node_id", cmd.NodeID).
				Uint64("container_id", uint64(cmd.ContainerID)).
				Msg("Failed to queue command")
		}
	}
}

func (m *Manager) recordTransition(c *types.Container, tr transition) {
	metrics.ContainerTransitionsTotal.WithLabelValues(string(tr.from), string(tr.to)).Inc()

	logger := log.WithContainerID(m.logger, uint64(c.ID))
	logger.Info().
		Str("from", string(tr.from)).
		Str("to", string(tr.to)).
		Uint64("sequence_id", c.SequenceID).
		Msg("Container state changed")

	switch tr.to {
	case types.ContainerClosing:
		m.publish(events.EventContainerClosing, c)
	case types.ContainerQuasiClosed:
		m.publish(events.EventContainerQuasiClosed, c)
	case types.ContainerClosed:
		m.publish(events.EventContainerClosed, c)
	}
}

func (m *Manager) publish(typ events.EventType, c *types.Container) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:    typ,
		Message: fmt.Sprintf("container %s is %s", c.ID, c.State),
		Metadata: map[string]string{
			"container_id": c.ID.String(),
			"state":        string(c.State),
			"pipeline_id":  c.PipelineID,
		},
	})
}

// IsNotFound reports whether err means the container or its record is missing
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, storage.ErrNotFound)
}
