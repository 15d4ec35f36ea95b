package framework

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/manager"
	"github.com/cuemby/strata/pkg/types"
	"golang.org/x/sync/errgroup"
)

// DefaultClusterConfig returns a three-node, three-replica cluster
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		NumNodes:          3,
		ReplicationFactor: 3,
		LogLevel:          os.Getenv("STRATA_TEST_LOG_LEVEL"),
		StaleAfter:        3 * time.Second,
		DeadAfter:         6 * time.Second,
	}
}

// NewCluster starts a manager and creates the simulated nodes. The cluster
// is shut down when the test finishes.
func NewCluster(t TestingT, cfg *ClusterConfig) *Cluster {
	t.Helper()
	if cfg == nil {
		cfg = DefaultClusterConfig()
	}
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("invalid cluster config: %v", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	if cfg.LogLevel != "" {
		log.Init(log.Config{Level: log.ParseLevel(cfg.LogLevel), Output: os.Stderr})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		Config: cfg,
		t:      t,
		ctx:    ctx,
		cancel: cancel,
	}

	mgr, err := manager.New(c.managerConfig())
	if err != nil {
		cancel()
		t.Fatalf("failed to create manager: %v", err)
	}
	if err := mgr.Start(ctx); err != nil {
		cancel()
		_ = mgr.Shutdown()
		t.Fatalf("failed to start manager: %v", err)
	}
	c.Manager = mgr

	for i := 0; i < cfg.NumNodes; i++ {
		c.Nodes = append(c.Nodes, NewDataNode(fmt.Sprintf("dn-%d", i+1)))
	}

	t.Cleanup(c.Stop)
	return c
}

func (c *Cluster) managerConfig() *config.Config {
	cfg := config.Default()
	cfg.NodeID = "manager-1"
	cfg.DataDir = c.Config.DataDir
	cfg.Replication.Factor = c.Config.ReplicationFactor
	cfg.Liveness.ProcessInterval = 50 * time.Millisecond
	cfg.Liveness.StaleAfter = c.Config.StaleAfter
	cfg.Liveness.DeadAfter = c.Config.DeadAfter
	cfg.Replication.Interval = 100 * time.Millisecond
	cfg.Durability.RetryDelay = 10 * time.Millisecond
	cfg.MetricsInterval = time.Second

	reports := c.Config.Reports
	for _, r := range []struct {
		dst *time.Duration
		src time.Duration
	}{
		{&cfg.Reports.Heartbeat, reports.Heartbeat},
		{&cfg.Reports.Container, reports.Container},
		{&cfg.Reports.Node, reports.Node},
		{&cfg.Reports.Pipeline, reports.Pipeline},
		{&cfg.Reports.CommandStatus, reports.CommandStatus},
	} {
		if r.src > 0 {
			*r.dst = r.src
		}
	}
	return cfg
}

// Context returns the cluster context, cancelled on Stop
func (c *Cluster) Context() context.Context {
	return c.ctx
}

// Node returns the node with the given ID
func (c *Cluster) Node(id string) *DataNode {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n
		}
	}
	c.t.Fatalf("no node %s in cluster", id)
	return nil
}

// NodeIDs returns the IDs of all nodes
func (c *Cluster) NodeIDs() []string {
	ids := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Tick sends one round of reports from every node
func (c *Cluster) Tick() {
	c.TickNodes(c.Nodes...)
}

// TickNodes sends one round of reports from the given nodes only
func (c *Cluster) TickNodes(nodes ...*DataNode) {
	for _, n := range nodes {
		n.Tick(c.ctx, c.Manager)
	}
}

// CreatePipeline creates an OPEN pipeline over the first ReplicationFactor
// nodes and returns its members
func (c *Cluster) CreatePipeline(id string) []*DataNode {
	c.t.Helper()

	members := c.Nodes[:c.Config.ReplicationFactor]
	ids := make([]string, 0, len(members))
	for _, n := range members {
		ids = append(ids, n.ID)
		n.JoinPipeline(id)
	}

	if _, err := c.Manager.CreatePipeline(c.ctx, id, ids); err != nil {
		c.t.Fatalf("failed to create pipeline %s: %v", id, err)
	}
	c.Tick()
	return members
}

// AllocateContainer allocates a container on pipelineID and places an OPEN
// replica on every member node
func (c *Cluster) AllocateContainer(pipelineID string, members []*DataNode) *types.Container {
	c.t.Helper()

	ctr, err := c.Manager.AllocateContainer(c.ctx, pipelineID, "test")
	if err != nil {
		c.t.Fatalf("failed to allocate container: %v", err)
	}
	for _, n := range members {
		n.AddReplica(ctr.ID)
	}
	return ctr
}

// Write commits a write at seq on every member and reports it
func (c *Cluster) Write(id types.ContainerID, seq uint64, bytes int64, members []*DataNode) {
	c.t.Helper()

	for _, n := range members {
		if err := n.Write(id, seq, bytes); err != nil {
			c.t.Fatalf("write failed: %v", err)
		}
	}
	if err := c.Manager.UpdateSequenceID(c.ctx, id, seq); err != nil {
		c.t.Fatalf("failed to update sequence id of container %d: %v", id, err)
	}
}

// Restart restarts the manager against the same data directory
func (c *Cluster) Restart() {
	c.t.Helper()
	if err := c.Manager.Restart(c.ctx); err != nil {
		c.t.Fatalf("failed to restart manager: %v", err)
	}
}

// Run starts every node reporting on its own, at the cadences the manager
// is configured to hand out. The nodes stop with the cluster.
func (c *Cluster) Run() {
	if c.running != nil {
		return
	}
	intervals := c.Manager.Config().Reports
	c.running = &errgroup.Group{}
	for _, n := range c.Nodes {
		c.running.Go(func() error {
			return n.Run(c.ctx, c.Manager, intervals)
		})
	}
}

// Stop stops running nodes and shuts the manager down
func (c *Cluster) Stop() {
	c.cancel()
	if c.running != nil {
		_ = c.running.Wait()
	}
	if c.Manager != nil {
		if err := c.Manager.Shutdown(); err != nil {
			c.t.Logf("manager shutdown: %v", err)
		}
	}
}

func validateConfig(cfg *ClusterConfig) error {
	if cfg.NumNodes < 1 {
		return fmt.Errorf("need at least one node")
	}
	if cfg.ReplicationFactor < 1 || cfg.ReplicationFactor > cfg.NumNodes {
		return fmt.Errorf("replication factor %d must be between 1 and %d", cfg.ReplicationFactor, cfg.NumNodes)
	}
	if cfg.StaleAfter <= 0 || cfg.DeadAfter <= cfg.StaleAfter {
		return fmt.Errorf("stale-after must be positive and below dead-after")
	}
	return nil
}
