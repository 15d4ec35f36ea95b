package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/strata/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, dir string) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	return s
}

func TestAllocateContainerAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	first, err := s.AllocateContainer(1, &types.Container{State: types.ContainerOpen, PipelineID: "p1"})
	require.NoError(t, err)
	second, err := s.AllocateContainer(2, &types.Container{State: types.ContainerOpen, PipelineID: "p1"})
	require.NoError(t, err)

	assert.Equal(t, types.ContainerID(1), first.ID)
	assert.Equal(t, types.ContainerID(2), second.ID)

	index, err := s.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), index)
}

func TestContainerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	c, err := s.AllocateContainer(5, &types.Container{
		State:             types.ContainerOpen,
		SequenceID:        12,
		ReplicationFactor: 3,
		CreatedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)

	c.State = types.ContainerClosed
	c.ReplicaHint = []string{"dn-1", "dn-2", "dn-3"}
	require.NoError(t, s.PutContainer(6, c))
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	defer s.Close()

	got, err := s.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerClosed, got.State)
	assert.Equal(t, uint64(12), got.SequenceID)
	assert.Equal(t, []string{"dn-1", "dn-2", "dn-3"}, got.ReplicaHint)

	index, err := s.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), index)
}

func TestAppliedIndexNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.PutPipeline(10, &types.Pipeline{ID: "p1", State: types.PipelineOpen}))
	require.NoError(t, s.PutPipeline(4, &types.Pipeline{ID: "p2", State: types.PipelineOpen}))
	require.NoError(t, s.PutPipeline(0, &types.Pipeline{ID: "p3", State: types.PipelineOpen}))

	index, err := s.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), index)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.GetContainer(99)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetPipeline("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := newTestStore(t, t.TempDir())
	defer src.Close()

	for i := 0; i < 3; i++ {
		_, err := src.AllocateContainer(uint64(i+1), &types.Container{State: types.ContainerOpen})
		require.NoError(t, err)
	}
	require.NoError(t, src.PutPipeline(4, &types.Pipeline{ID: "p1", Nodes: []string{"dn-1"}}))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.AppliedIndex)
	assert.Equal(t, uint64(3), snap.ContainerSeq)

	dst := newTestStore(t, t.TempDir())
	defer dst.Close()
	_, err = dst.AllocateContainer(1, &types.Container{State: types.ContainerClosed})
	require.NoError(t, err)

	require.NoError(t, dst.Restore(snap))

	containers, err := dst.ListContainers()
	require.NoError(t, err)
	assert.Len(t, containers, 3)
	for _, c := range containers {
		assert.Equal(t, types.ContainerOpen, c.State)
	}

	pipelines, err := dst.ListPipelines()
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, []string{"dn-1"}, pipelines[0].Nodes)

	// The restored sequence keeps IDs monotonic
	next, err := dst.AllocateContainer(5, &types.Container{State: types.ContainerOpen})
	require.NoError(t, err)
	assert.Equal(t, types.ContainerID(4), next.ID)
}

func TestSecondOpenTimesOut(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	defer s.Close()

	_, err := NewBoltStore(dir)
	assert.Error(t, err)
}
