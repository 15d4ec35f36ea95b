/*
Package metrics provides Prometheus metrics and health endpoints for the
Strata manager.

All metrics are package-level variables registered with the default
Prometheus registry at init time. Counters are bumped inline by the
components that own the event (container transitions, reports, commands,
durability failures). Gauges that describe the whole cluster are refreshed
by a Collector, which polls a Source on a fixed interval:

	┌────────────┐   CollectStats()   ┌───────────┐   Set()   ┌──────────┐
	│  Manager   │ ◄───────────────── │ Collector │ ────────► │  Gauges  │
	└────────────┘                    └───────────┘           └──────────┘

# Metric Families

	strata_containers_total{state}            gauge
	strata_container_transitions_total{from,to}
	strata_close_requests_total{trigger,result}
	strata_replicas_total                     gauge
	strata_under_replicated_containers        gauge
	strata_over_replicated_containers         gauge
	strata_mismatched_replicas_total          counter
	strata_nodes_total{state}                 gauge
	strata_node_storage_bytes{node,kind}      gauge
	strata_nodes_lost_total                   counter
	strata_pipelines_total{state}             gauge
	strata_reports_total{type,outcome}        counter
	strata_commands_sent_total{type}          counter
	strata_commands_pending                   gauge
	strata_commit_duration_seconds            histogram
	strata_durability_failures_total          counter
	strata_raft_is_leader                     gauge
	strata_raft_log_index                     gauge
	strata_raft_applied_index                 gauge
	strata_reconciliation_duration_seconds    histogram
	strata_reconciliation_cycles_total        counter

# Timing

	timer := metrics.NewTimer()
	err := commit()
	timer.ObserveDuration(metrics.CommitDuration)

# Health

Components report their state with RegisterComponent/UpdateComponent.
/health fails when any registered component is unhealthy. /ready fails
until every critical component (raft, store, api by default) has
registered as healthy. /live always succeeds while the process runs.
*/
package metrics
