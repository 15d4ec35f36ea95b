package framework

import (
	"context"
	"time"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/manager"
	"github.com/cuemby/strata/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ClusterConfig defines the configuration for a test cluster
type ClusterConfig struct {
	// NumNodes is the number of simulated storage nodes
	NumNodes int
	// ReplicationFactor is the expected replica count of new containers
	ReplicationFactor int
	// DataDir is the manager's data directory. Empty uses t.TempDir().
	DataDir string
	// LogLevel enables manager logging to the test output when set
	LogLevel string
	// StaleAfter and DeadAfter override the liveness thresholds
	StaleAfter time.Duration
	DeadAfter  time.Duration
	// Reports overrides the manager's report cadences. Zero fields keep
	// the defaults.
	Reports config.ReportIntervals
}

// Cluster is one manager and a set of simulated storage nodes. Nodes talk to
// the manager when the test ticks them, or on their own after Run.
type Cluster struct {
	// Config is the cluster configuration
	Config *ClusterConfig
	// Manager is the manager under test
	Manager *manager.Manager
	// Nodes contains all simulated storage nodes
	Nodes []*DataNode

	t       TestingT
	ctx     context.Context
	cancel  context.CancelFunc
	running *errgroup.Group
}

// ReportKind names one of the report types a node sends
type ReportKind string

const (
	ReportHeartbeat     ReportKind = "heartbeat"
	ReportContainer     ReportKind = "container"
	ReportNode          ReportKind = "node"
	ReportPipeline      ReportKind = "pipeline"
	ReportCommandStatus ReportKind = "command-status"
)

// TestingT is the subset of *testing.T the framework needs
type TestingT interface {
	Helper()
	Cleanup(func())
	TempDir() string
	Logf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Reporter is the manager surface a storage node talks to
type Reporter interface {
	SendHeartbeat(ctx context.Context, nodeID string, ts time.Time) []types.Command
	SendContainerReport(ctx context.Context, nodeID string, ts time.Time, reports []types.ContainerReplicaReport)
	SendNodeReport(ctx context.Context, nodeID string, ts time.Time, storage types.NodeStorage)
	SendPipelineReport(ctx context.Context, nodeID string, ts time.Time, reports []types.PipelineReport)
	SendCommandStatusReport(ctx context.Context, nodeID string, ts time.Time, statuses []types.CommandStatus)
}
