package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/command"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/container"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/liveness"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/pipeline"
	"github.com/cuemby/strata/pkg/reconciler"
	"github.com/cuemby/strata/pkg/report"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const leaderTimeout = 10 * time.Second

var (
	// ErrNotRunning is returned by operations on a manager that is not started
	ErrNotRunning = errors.New("manager is not running")

	// ErrShutdown is returned when starting a manager that was shut down
	ErrShutdown = errors.New("manager is shut down")
)

// Manager is a strata manager node. It owns the durable metadata store and
// every component that reads or changes container state.
type Manager struct {
	cfg    *config.Config
	broker *events.Broker
	logger zerolog.Logger

	// lifecycle serializes Start, Restart and Shutdown
	lifecycle sync.Mutex
	collector *metrics.Collector
	shutdown  bool

	// mu is held for reading by every operation and for writing while the
	// components are swapped out
	mu     sync.RWMutex
	inst   *instance
	cancel context.CancelFunc
	group  *errgroup.Group
}

// instance is one incarnation of the manager's components, built from the
// durable store. A restart discards it and builds a new one.
type instance struct {
	store      *storage.BoltStore
	fsm        *FSM
	raft       *raftNode
	tracker    *liveness.Tracker
	queue      *command.Queue
	containers *container.Manager
	reconciler *reconciler.Reconciler
	pipelines  *pipeline.Manager
	reports    *report.Dispatcher
}

// New creates a manager from a validated configuration. Nothing is opened
// until Start.
func New(cfg *config.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	metrics.RegisterComponent("raft", false, "not started")
	metrics.RegisterComponent("store", false, "not loaded")

	broker := events.NewBroker()
	broker.Start()

	return &Manager{
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("manager"),
	}, nil
}

// Start opens the store, waits for raft leadership, reloads every container
// and pipeline and starts the background loops. Reports are accepted only
// after Start returns.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.shutdown {
		return ErrShutdown
	}

	m.mu.Lock()
	if m.inst != nil {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	err := m.startLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.collector = metrics.NewCollector(m, m.cfg.MetricsInterval)
	m.collector.Start()
	return nil
}

// Restart discards all in-memory state and rebuilds it from the durable
// store, as a process restart would. Replica and liveness state is
// rebuilt from the reports that follow.
func (m *Manager) Restart(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.shutdown {
		return ErrShutdown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stopLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("Error while stopping for restart")
	}
	if err := m.startLocked(ctx); err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}

	m.logger.Info().Msg("Manager restarted")
	return nil
}

// Shutdown stops the background loops and closes raft and the store
func (m *Manager) Shutdown() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.shutdown {
		return nil
	}
	if m.collector != nil {
		m.collector.Stop()
		m.collector = nil
	}

	m.mu.Lock()
	err := m.stopLocked()
	m.mu.Unlock()

	m.broker.Stop()
	m.shutdown = true
	return err
}

func (m *Manager) startLocked(ctx context.Context) error {
	inst, err := m.open(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return inst.tracker.Run(gctx) })
	g.Go(func() error { return inst.reconciler.Run(gctx) })

	m.inst = inst
	m.cancel = cancel
	m.group = g
	return nil
}

func (m *Manager) stopLocked() error {
	if m.inst == nil {
		return nil
	}

	m.cancel()
	if err := m.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error().Err(err).Msg("Background loop failed")
	}

	err := m.inst.close()
	m.inst = nil

	metrics.UpdateComponent("raft", false, "stopped")
	metrics.UpdateComponent("store", false, "closed")
	return err
}

// open builds an instance from the data directory. Any failure to reload
// metadata is returned and leaves nothing open.
func (m *Manager) open(ctx context.Context) (inst *instance, err error) {
	cfg := m.cfg
	inst = &instance{}
	defer func() {
		if err != nil {
			if cerr := inst.close(); cerr != nil {
				m.logger.Warn().Err(cerr).Msg("Failed to release partially opened manager")
			}
			inst = nil
		}
	}()

	inst.store, err = storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	inst.fsm, err = NewFSM(inst.store)
	if err != nil {
		return nil, err
	}

	inst.raft, err = openRaft(raftOptions{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.BindAddr,
		DataDir:   cfg.DataDir,
		InMemory:  cfg.InMemoryTransport,
		Bootstrap: true,
	}, inst.fsm)
	if err != nil {
		return nil, err
	}
	if err = inst.raft.waitForLeader(ctx, leaderTimeout); err != nil {
		return nil, err
	}
	metrics.UpdateComponent("raft", true, "leader")

	durable := &raftStore{
		node:    inst.raft,
		store:   inst.store,
		timeout: cfg.Durability.CommitTimeout,
	}

	inst.tracker, err = liveness.NewTracker(liveness.Config{
		StaleAfter:      cfg.Liveness.StaleAfter,
		DeadAfter:       cfg.Liveness.DeadAfter,
		ProcessInterval: cfg.Liveness.ProcessInterval,
		Broker:          m.broker,
	})
	if err != nil {
		return nil, err
	}

	inst.queue = command.NewQueue(cfg.CommandQueueLimit)

	inst.containers = container.NewManager(container.Config{
		Store:         durable,
		Sender:        inst.queue,
		Nodes:         inst.tracker,
		Broker:        m.broker,
		RetryAttempts: cfg.Durability.RetryAttempts,
		RetryDelay:    cfg.Durability.RetryDelay,
	})

	inst.reconciler = reconciler.NewReconciler(reconciler.Config{
		Containers:          inst.containers,
		Nodes:               inst.tracker,
		Commands:            inst.queue,
		Broker:              m.broker,
		Interval:            cfg.Replication.Interval,
		CloseThresholdBytes: cfg.CloseThresholdBytes(),
	})

	inst.pipelines = pipeline.NewManager(pipeline.Config{
		Store:      durable,
		Containers: inst.containers,
		Sender:     inst.queue,
		Nodes:      inst.tracker,
		Broker:     m.broker,
	})

	inst.containers.SetReplicaLocator(inst.reconciler)
	inst.containers.SetPipelineLookup(inst.pipelines)
	inst.tracker.Subscribe(inst.reconciler.HandleNodeTransition)
	inst.tracker.Subscribe(inst.pipelines.HandleNodeTransition)

	inst.reports = report.NewDispatcher(report.Config{
		Liveness:   inst.tracker,
		Commands:   inst.queue,
		Containers: inst.reconciler,
		Pipelines:  inst.pipelines,
	})

	if err = inst.containers.Load(); err != nil {
		return nil, err
	}
	if err = inst.pipelines.Load(); err != nil {
		return nil, err
	}
	metrics.UpdateComponent("store", true, "loaded")

	m.logger.Info().
		Str("node_id", cfg.NodeID).
		Uint64("applied_index", inst.fsm.AppliedIndex()).
		Int("containers", len(inst.containers.IDs())).
		Msg("Manager started")
	return inst, nil
}

func (i *instance) close() error {
	var errs []error
	if i.raft != nil {
		if err := i.raft.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if i.store != nil {
		if err := i.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// running returns the current instance with m.mu held for reading. The
// caller must call the returned release func.
func (m *Manager) running() (*instance, func(), error) {
	m.mu.RLock()
	if m.inst == nil {
		m.mu.RUnlock()
		return nil, func() {}, ErrNotRunning
	}
	return m.inst, m.mu.RUnlock, nil
}

// Events returns the manager's event broker
func (m *Manager) Events() *events.Broker {
	return m.broker
}

// Config returns the manager configuration
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return false
	}
	return inst.raft.isLeader()
}

// Ready reports whether the manager accepts reports and requests
func (m *Manager) Ready() bool {
	return m.IsLeader()
}

// AllocateContainer creates an OPEN container for a pipeline with the
// configured replication factor
func (m *Manager) AllocateContainer(ctx context.Context, pipelineID, owner string) (*types.Container, error) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil, err
	}
	return inst.containers.Allocate(ctx, pipelineID, owner, m.cfg.Replication.Factor)
}

// UpdateSequenceID records a committed write on an OPEN container
func (m *Manager) UpdateSequenceID(ctx context.Context, id types.ContainerID, seq uint64) error {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return err
	}
	return inst.containers.UpdateSequenceID(ctx, id, seq)
}

// RequestClose starts closing an OPEN container. It fails with
// container.ErrAlreadyClosing, container.ErrAlreadyClosed or
// container.ErrNotFound otherwise.
func (m *Manager) RequestClose(ctx context.Context, id types.ContainerID) error {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return err
	}
	return inst.containers.RequestClose(ctx, id, container.TriggerExplicit)
}

// QueryContainer returns the container with its currently known replicas
func (m *Manager) QueryContainer(id types.ContainerID) (*types.ContainerStatus, error) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil, err
	}

	c, err := inst.containers.Get(id)
	if err != nil {
		return nil, err
	}
	return &types.ContainerStatus{
		Container:       c,
		Replicas:        inst.reconciler.Replicas(id),
		UnderReplicated: inst.reconciler.IsUnderReplicated(id),
		OverReplicated:  inst.reconciler.IsOverReplicated(id),
	}, nil
}

// ListContainers returns every container
func (m *Manager) ListContainers() ([]*types.Container, error) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil, err
	}
	return inst.containers.List(), nil
}

// Converged reports whether container id is CLOSED with exactly n
// replicas, all closed at its sequence id
func (m *Manager) Converged(id types.ContainerID, n int) bool {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return false
	}
	return inst.reconciler.Converged(id, n)
}

// UnderReplicated returns the CLOSED containers with too few live replicas
func (m *Manager) UnderReplicated() []types.ContainerID {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil
	}
	return inst.reconciler.UnderReplicated()
}

// CreatePipeline records a replication group with the given members
func (m *Manager) CreatePipeline(ctx context.Context, id string, nodes []string) (*types.Pipeline, error) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil, err
	}
	return inst.pipelines.Create(ctx, id, nodes)
}

// GetPipeline returns pipeline id
func (m *Manager) GetPipeline(id string) (*types.Pipeline, error) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil, err
	}
	return inst.pipelines.Get(id)
}

// NodeState returns the liveness state of a storage node
func (m *Manager) NodeState(nodeID string) (types.NodeState, bool) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return "", false
	}
	return inst.tracker.State(nodeID)
}

// Nodes returns every known storage node
func (m *Manager) Nodes() []*types.StorageNode {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil
	}
	return inst.tracker.Nodes()
}

// Reregister returns a DEAD node to HEALTHY. Its replicas come back with
// its next container report.
func (m *Manager) Reregister(nodeID string) error {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return err
	}
	return inst.tracker.Reregister(nodeID)
}

// SendHeartbeat records a heartbeat and returns the commands queued for
// the node
func (m *Manager) SendHeartbeat(ctx context.Context, nodeID string, ts time.Time) []types.Command {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil
	}
	return inst.reports.Heartbeat(ctx, nodeID, ts)
}

// SendContainerReport applies a full container report
func (m *Manager) SendContainerReport(ctx context.Context, nodeID string, ts time.Time, reports []types.ContainerReplicaReport) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return
	}
	inst.reports.ContainerReport(ctx, nodeID, ts, reports)
}

// SendNodeReport records a node's storage capacity summary
func (m *Manager) SendNodeReport(ctx context.Context, nodeID string, ts time.Time, storage types.NodeStorage) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return
	}
	inst.reports.NodeReport(ctx, nodeID, ts, storage)
}

// SendPipelineReport applies a pipeline report
func (m *Manager) SendPipelineReport(ctx context.Context, nodeID string, ts time.Time, reports []types.PipelineReport) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return
	}
	inst.reports.PipelineReport(ctx, nodeID, ts, reports)
}

// SendCommandStatusReport acknowledges executed or failed commands
func (m *Manager) SendCommandStatusReport(ctx context.Context, nodeID string, ts time.Time, statuses []types.CommandStatus) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return
	}
	inst.reports.CommandStatusReport(ctx, nodeID, ts, statuses)
}
