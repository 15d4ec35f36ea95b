package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Stats is a point-in-time view of the manager used to refresh gauges
type Stats struct {
	ContainersByState map[string]int
	NodesByState      map[string]int
	PipelinesByState  map[string]int
	Replicas          int
	UnderReplicated   int
	OverReplicated    int
	PendingCommands   int
	IsLeader          bool
	LastLogIndex      uint64
	AppliedIndex      uint64
}

// Source provides stats to the collector
type Source interface {
	CollectStats() (*Stats, error)
}

// Collector periodically copies manager stats into the gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	stats, err := c.source.CollectStats()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to collect stats")
		return
	}

	setStates(ContainersTotal, stats.ContainersByState)
	setStates(NodesTotal, stats.NodesByState)
	setStates(PipelinesTotal, stats.PipelinesByState)

	ReplicasTotal.Set(float64(stats.Replicas))
	UnderReplicatedContainers.Set(float64(stats.UnderReplicated))
	OverReplicatedContainers.Set(float64(stats.OverReplicated))
	CommandsPending.Set(float64(stats.PendingCommands))

	if stats.IsLeader {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftLogIndex.Set(float64(stats.LastLogIndex))
	RaftAppliedIndex.Set(float64(stats.AppliedIndex))
}

// setStates resets vec so states that emptied out stop being reported
func setStates(vec *prometheus.GaugeVec, counts map[string]int) {
	vec.Reset()
	for state, n := range counts {
		vec.WithLabelValues(state).Set(float64(n))
	}
}
