package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_containers_total",
			Help: "Total number of containers by lifecycle state",
		},
		[]string{"state"},
	)

	ContainerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_container_transitions_total",
			Help: "Total number of committed container state transitions",
		},
		[]string{"from", "to"},
	)

	CloseRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_close_requests_total",
			Help: "Total number of container close requests by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// Replica metrics
	ReplicasTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_replicas_total",
			Help: "Total number of container replicas currently indexed",
		},
	)

	UnderReplicatedContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_under_replicated_containers",
			Help: "Number of closed containers with fewer healthy replicas than expected",
		},
	)

	OverReplicatedContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_over_replicated_containers",
			Help: "Number of closed containers with more healthy replicas than expected",
		},
	)

	MismatchedReplicasTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_mismatched_replicas_total",
			Help: "Closed replicas reported with a sequence id different from the container",
		},
	)

	// Node metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_nodes_total",
			Help: "Total number of storage nodes by liveness state",
		},
		[]string{"state"},
	)

	NodeStorageBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_node_storage_bytes",
			Help: "Storage capacity reported by nodes",
		},
		[]string{"node", "kind"},
	)

	NodesLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_nodes_lost_total",
			Help: "Total number of nodes declared dead",
		},
	)

	// Pipeline metrics
	PipelinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_pipelines_total",
			Help: "Total number of pipelines by state",
		},
		[]string{"state"},
	)

	// Report metrics
	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_reports_total",
			Help: "Total number of node reports by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Command metrics
	CommandsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_commands_sent_total",
			Help: "Total number of commands handed to nodes by type",
		},
		[]string{"type"},
	)

	CommandsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_commands_pending",
			Help: "Commands queued or delivered but not yet acknowledged",
		},
	)

	// Durability metrics
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_commit_duration_seconds",
			Help:    "Time taken to durably commit a metadata change",
			Buckets: prometheus.DefBuckets,
		},
	)

	DurabilityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_durability_failures_total",
			Help: "Metadata commits that failed after retries",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_raft_is_leader",
			Help: "Whether this manager is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_reconciliation_duration_seconds",
			Help:    "Time taken by one replication evaluation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_reconciliation_cycles_total",
			Help: "Total number of replication evaluation passes",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainerTransitionsTotal)
	prometheus.MustRegister(CloseRequestsTotal)
	prometheus.MustRegister(ReplicasTotal)
	prometheus.MustRegister(UnderReplicatedContainers)
	prometheus.MustRegister(OverReplicatedContainers)
	prometheus.MustRegister(MismatchedReplicasTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeStorageBytes)
	prometheus.MustRegister(NodesLostTotal)
	prometheus.MustRegister(PipelinesTotal)
	prometheus.MustRegister(ReportsTotal)
	prometheus.MustRegister(CommandsSentTotal)
	prometheus.MustRegister(CommandsPending)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(DurabilityFailuresTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
