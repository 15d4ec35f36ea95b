package manager

import "github.com/cuemby/strata/pkg/metrics"

// CollectStats implements metrics.Source
func (m *Manager) CollectStats() (*metrics.Stats, error) {
	inst, release, err := m.running()
	defer release()
	if err != nil {
		return nil, err
	}

	stats := &metrics.Stats{
		ContainersByState: inst.containers.CountByState(),
		NodesByState:      inst.tracker.CountByState(),
		PipelinesByState:  inst.pipelines.CountByState(),
		Replicas:          inst.reconciler.ReplicaCount(),
		UnderReplicated:   len(inst.reconciler.UnderReplicated()),
		OverReplicated:    len(inst.reconciler.OverReplicated()),
		PendingCommands:   inst.queue.Len(),
		IsLeader:          inst.raft.isLeader(),
	}
	if inst.raft.raft != nil {
		stats.LastLogIndex = inst.raft.raft.LastIndex()
		stats.AppliedIndex = inst.raft.raft.AppliedIndex()
	}
	return stats, nil
}
