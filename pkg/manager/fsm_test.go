package manager

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Close() error  { return nil }
func (s *bufferSink) Cancel() error { s.cancelled = true; return nil }

func newTestFSM(t *testing.T) (*FSM, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fsm, err := NewFSM(store)
	require.NoError(t, err)
	return fsm, store
}

func logEntry(t *testing.T, index uint64, op string, v interface{}) *raft.Log {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	buf, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return &raft.Log{Index: index, Term: 1, Type: raft.LogCommand, Data: buf}
}

func TestFSMApply(t *testing.T) {
	fsm, store := newTestFSM(t)

	resp := fsm.Apply(logEntry(t, 1, OpAllocateContainer, &types.Container{State: types.ContainerOpen, ReplicationFactor: 3}))
	c, ok := resp.(*types.Container)
	require.True(t, ok, "unexpected response %v", resp)
	assert.Equal(t, types.ContainerID(1), c.ID)

	c.State = types.ContainerClosing
	c.SequenceID = 9
	assert.Nil(t, fsm.Apply(logEntry(t, 2, OpUpdateContainer, c)))

	assert.Nil(t, fsm.Apply(logEntry(t, 3, OpPutPipeline, &types.Pipeline{ID: "p1", Nodes: []string{"dn-1"}, State: types.PipelineOpen})))

	got, err := store.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerClosing, got.State)
	assert.Equal(t, uint64(9), got.SequenceID)

	pipelines, err := store.ListPipelines()
	require.NoError(t, err)
	assert.Len(t, pipelines, 1)
	assert.Equal(t, uint64(3), fsm.AppliedIndex())
}

func TestFSMApplyErrors(t *testing.T) {
	tests := []struct {
		name  string
		entry func(t *testing.T) *raft.Log
	}{
		{
			name: "unknown op",
			entry: func(t *testing.T) *raft.Log {
				return logEntry(t, 1, "delete_everything", "x")
			},
		},
		{
			name: "update of missing container",
			entry: func(t *testing.T) *raft.Log {
				return logEntry(t, 1, OpUpdateContainer, &types.Container{ID: 42})
			},
		},
		{
			name: "garbage",
			entry: func(t *testing.T) *raft.Log {
				return &raft.Log{Index: 1, Data: []byte("{")}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsm, _ := newTestFSM(t)
			_, isErr := fsm.Apply(tt.entry(t)).(error)
			assert.True(t, isErr)
			assert.Zero(t, fsm.AppliedIndex())
		})
	}
}

func TestFSMSkipsReplayedEntries(t *testing.T) {
	fsm, store := newTestFSM(t)

	fsm.Apply(logEntry(t, 1, OpAllocateContainer, &types.Container{State: types.ContainerOpen}))
	fsm.Apply(logEntry(t, 2, OpAllocateContainer, &types.Container{State: types.ContainerOpen}))

	// Same index again, as after a restart from an older raft snapshot
	resp := fsm.Apply(logEntry(t, 2, OpAllocateContainer, &types.Container{State: types.ContainerOpen}))
	assert.ErrorIs(t, resp.(error), errAlreadyApplied)

	containers, err := store.ListContainers()
	require.NoError(t, err)
	assert.Len(t, containers, 2)

	reopened, err := NewFSM(store)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reopened.AppliedIndex())
}

func TestFSMSnapshotRestore(t *testing.T) {
	src, _ := newTestFSM(t)
	src.Apply(logEntry(t, 1, OpAllocateContainer, &types.Container{State: types.ContainerOpen, SequenceID: 4}))
	src.Apply(logEntry(t, 2, OpPutPipeline, &types.Pipeline{ID: "p1", Nodes: []string{"dn-1"}}))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	data := sink.Bytes()

	dst, dstStore := newTestFSM(t)
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(data))))
	assert.Equal(t, uint64(2), dst.AppliedIndex())

	got, err := dstStore.GetContainer(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.SequenceID)

	// New allocations continue after the restored IDs
	resp := dst.Apply(logEntry(t, 3, OpAllocateContainer, &types.Container{State: types.ContainerOpen}))
	assert.Equal(t, types.ContainerID(2), resp.(*types.Container).ID)

	// An older snapshot never rewinds the store
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(data))))
	containers, err := dstStore.ListContainers()
	require.NoError(t, err)
	assert.Len(t, containers, 2)
	assert.Equal(t, uint64(3), dst.AppliedIndex())
}
