// Package report is the ingestion side of the manager: it accepts the
// periodic reports storage nodes send and routes each one to the component
// that owns the state it describes.
//
// Every report is a full snapshot, delivered at least once and possibly out
// of order. The Dispatcher keeps the timestamp of the last applied report
// per (node, report type) and drops anything not newer. Report senders
// never see an error: malformed or superseded reports degrade to a no-op
// and are only logged and counted.
package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/types"
	"github.com/rs/zerolog"
)

// ErrStaleReport is returned by Accept for a report that is not newer than
// the last applied report of the same type from the same node
var ErrStaleReport = errors.New("stale report")

const (
	outcomeApplied = "applied"
	outcomeStale   = "stale"
	outcomeIgnored = "ignored"
	outcomeFailed  = "failed"
)

// Liveness receives heartbeats and node capacity summaries
type Liveness interface {
	Heartbeat(nodeID string) types.NodeState
	UpdateStorage(nodeID string, storage types.NodeStorage) error
}

// Commands hands out queued commands and records their acknowledgements
type Commands interface {
	Drain(nodeID string) []types.Command
	Ack(nodeID string, statuses []types.CommandStatus)
}

// ContainerReports consumes full container reports
type ContainerReports interface {
	ProcessContainerReport(ctx context.Context, nodeID string, reports []types.ContainerReplicaReport, ts time.Time) error
}

// PipelineReports consumes pipeline reports
type PipelineReports interface {
	ProcessReport(ctx context.Context, nodeID string, reports []types.PipelineReport) error
}

// Config holds the consumers a Dispatcher routes to
type Config struct {
	Liveness   Liveness
	Commands   Commands
	Containers ContainerReports
	Pipelines  PipelineReports
}

type streamKey struct {
	nodeID string
	typ    types.ReportType
}

// Dispatcher demultiplexes node reports by type
type Dispatcher struct {
	liveness   Liveness
	commands   Commands
	containers ContainerReports
	pipelines  PipelineReports

	mu   sync.Mutex
	last map[streamKey]time.Time

	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher routing to the given consumers
func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		liveness:   cfg.Liveness,
		commands:   cfg.Commands,
		containers: cfg.Containers,
		pipelines:  cfg.Pipelines,
		last:       make(map[streamKey]time.Time),
		logger:     log.WithComponent("report"),
	}
}

// Accept records ts as the latest report of typ from nodeID. It returns
// ErrStaleReport when a report with the same or a later timestamp was
// already accepted.
func (d *Dispatcher) Accept(nodeID string, typ types.ReportType, ts time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := streamKey{nodeID: nodeID, typ: typ}
	if last, ok := d.last[key]; ok && !ts.After(last) {
		return ErrStaleReport
	}
	d.last[key] = ts
	return nil
}

// Heartbeat records a heartbeat and returns the commands waiting for the
// node. A DEAD node receives nothing.
func (d *Dispatcher) Heartbeat(_ context.Context, nodeID string, ts time.Time) []types.Command {
	if !d.admit(nodeID, types.ReportHeartbeat, ts) {
		return nil
	}

	state := d.liveness.Heartbeat(nodeID)
	if state == types.NodeDead {
		d.record(types.ReportHeartbeat, outcomeIgnored)
		return nil
	}
	d.record(types.ReportHeartbeat, outcomeApplied)

	if d.commands == nil {
		return nil
	}
	cmds := d.commands.Drain(nodeID)
	if len(cmds) > 0 {
		d.logger.Debug().
			Str("node_id", nodeID).
			Int("commands", len(cmds)).
			Msg("Delivering commands in heartbeat response")
	}
	return cmds
}

// ContainerReport routes a full container report to the reconciler
func (d *Dispatcher) ContainerReport(ctx context.Context, nodeID string, ts time.Time, reports []types.ContainerReplicaReport) {
	if !d.admit(nodeID, types.ReportContainer, ts) {
		return
	}
	d.finish(nodeID, types.ReportContainer, d.containers.ProcessContainerReport(ctx, nodeID, reports, ts))
}

// NodeReport records the node's storage capacity summary
func (d *Dispatcher) NodeReport(_ context.Context, nodeID string, ts time.Time, storage types.NodeStorage) {
	if !d.admit(nodeID, types.ReportNode, ts) {
		return
	}
	if storage.CapacityBytes < 0 || storage.UsedBytes < 0 || storage.RemainingBytes < 0 {
		d.logger.Debug().Str("node_id", nodeID).Msg("Ignoring malformed node report")
		d.record(types.ReportNode, outcomeIgnored)
		return
	}
	if err := d.liveness.UpdateStorage(nodeID, storage); err != nil {
		d.logger.Debug().Err(err).Str("node_id", nodeID).Msg("Ignoring node report")
		d.record(types.ReportNode, outcomeIgnored)
		return
	}
	d.record(types.ReportNode, outcomeApplied)
}

// PipelineReport routes a pipeline report to the pipeline manager
func (d *Dispatcher) PipelineReport(ctx context.Context, nodeID string, ts time.Time, reports []types.PipelineReport) {
	if !d.admit(nodeID, types.ReportPipeline, ts) {
		return
	}
	d.finish(nodeID, types.ReportPipeline, d.pipelines.ProcessReport(ctx, nodeID, reports))
}

// CommandStatusReport acknowledges commands the node has executed or failed
func (d *Dispatcher) CommandStatusReport(_ context.Context, nodeID string, ts time.Time, statuses []types.CommandStatus) {
	if !d.admit(nodeID, types.ReportCommandStatus, ts) {
		return
	}
	d.commands.Ack(nodeID, statuses)
	d.record(types.ReportCommandStatus, outcomeApplied)
}

// Forget drops the last-applied timestamps of a node so that a node which
// comes back with a reset clock is not shut out
func (d *Dispatcher) Forget(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.last {
		if key.nodeID == nodeID {
			delete(d.last, key)
		}
	}
}

// Reset forgets every stream
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.last = make(map[streamKey]time.Time)
	d.mu.Unlock()
}

func (d *Dispatcher) admit(nodeID string, typ types.ReportType, ts time.Time) bool {
	if nodeID == "" {
		d.record(typ, outcomeIgnored)
		return false
	}
	if err := d.Accept(nodeID, typ, ts); err != nil {
		d.logger.Debug().
			Str("node_id", nodeID).
			Str("type", string(typ)).
			Time("report_ts", ts).
			Msg("Dropping superseded report")
		d.record(typ, outcomeStale)
		return false
	}
	return true
}

func (d *Dispatcher) finish(nodeID string, typ types.ReportType, err error) {
	if err != nil {
		d.logger.Warn().Err(err).
			Str("node_id", nodeID).
			Str("type", string(typ)).
			Msg("Report partially applied")
		d.record(typ, outcomeFailed)
		return
	}
	d.record(typ, outcomeApplied)
}

func (d *Dispatcher) record(typ types.ReportType, outcome string) {
	metrics.ReportsTotal.WithLabelValues(string(typ), outcome).Inc()
}
