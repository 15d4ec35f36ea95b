package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/strata/pkg/container"
	"github.com/cuemby/strata/pkg/container/containertest"
	"github.com/cuemby/strata/pkg/liveness"
	"github.com/cuemby/strata/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	pipelines map[string]*types.Pipeline
	fail      bool
}

func newMemStore() *memStore {
	return &memStore{pipelines: make(map[string]*types.Pipeline)}
}

func (s *memStore) PutPipeline(_ context.Context, p *types.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("raft: not leader")
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

func (s *memStore) ListPipelines() ([]*types.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Pipeline
	for _, p := range s.pipelines {
		out = append(out, p.Clone())
	}
	return out, nil
}

type fixture struct {
	ctx        context.Context
	store      *memStore
	containers *container.Manager
	sender     *containertest.Sender
	nodes      *containertest.Nodes
	pipelines  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		store:  newMemStore(),
		sender: &containertest.Sender{},
		nodes:  containertest.NewNodes("dn-1", "dn-2", "dn-3"),
	}
	f.containers = container.NewManager(container.Config{
		Store:  containertest.NewMemStore(),
		Sender: f.sender,
	})
	require.NoError(t, f.containers.Load())

	f.pipelines = NewManager(Config{
		Store:      f.store,
		Containers: f.containers,
		Sender:     f.sender,
		Nodes:      f.nodes,
	})
	require.NoError(t, f.pipelines.Load())
	f.containers.SetPipelineLookup(f.pipelines)
	return f
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipelines.Create(f.ctx, "", []string{"dn-1"})
	assert.Error(t, err)
	_, err = f.pipelines.Create(f.ctx, "p1", nil)
	assert.Error(t, err)
	_, err = f.pipelines.Create(f.ctx, "p1", []string{"dn-1", "dn-1"})
	assert.Error(t, err)

	p, err := f.pipelines.Create(f.ctx, "p1", []string{"dn-1", "dn-2", "dn-3"})
	require.NoError(t, err)
	assert.Equal(t, types.PipelineAllocated, p.State)

	_, err = f.pipelines.Create(f.ctx, "p1", []string{"dn-1"})
	assert.ErrorIs(t, err, ErrExists)
}

func TestPipelineOpensWhenAllMembersReport(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipelines.Create(f.ctx, "p1", []string{"dn-1", "dn-2", "dn-3"})
	require.NoError(t, err)

	report := []types.PipelineReport{{PipelineID: "p1"}}
	require.NoError(t, f.pipelines.ProcessReport(f.ctx, "dn-1", report))
	require.NoError(t, f.pipelines.ProcessReport(f.ctx, "dn-1", report))
	require.NoError(t, f.pipelines.ProcessReport(f.ctx, "dn-2", report))
	p, _ := f.pipelines.Get("p1")
	assert.Equal(t, types.PipelineAllocated, p.State)

	// Outsiders and unknown pipelines are ignored
	require.NoError(t, f.pipelines.ProcessReport(f.ctx, "dn-9", report))
	require.NoError(t, f.pipelines.ProcessReport(f.ctx, "dn-3", []types.PipelineReport{{PipelineID: "nope"}}))

	require.NoError(t, f.pipelines.ProcessReport(f.ctx, "dn-3", report))
	p, _ = f.pipelines.Get("p1")
	assert.Equal(t, types.PipelineOpen, p.State)

	durable, _ := f.store.ListPipelines()
	require.Len(t, durable, 1)
	assert.Equal(t, types.PipelineOpen, durable[0].State)
}

func TestUnhealthyMemberClosesPipelineAndContainers(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipelines.Create(f.ctx, "p1", []string{"dn-1", "dn-2", "dn-3"})
	require.NoError(t, err)
	_, err = f.pipelines.Create(f.ctx, "p2", []string{"dn-3"})
	require.NoError(t, err)

	c, err := f.containers.Allocate(f.ctx, "p1", "om", 3)
	require.NoError(t, err)

	f.nodes.Set("dn-1", types.NodeDead)
	f.pipelines.HandleNodeTransition(liveness.Transition{NodeID: "dn-1", From: types.NodeStale, To: types.NodeDead})

	p, _ := f.pipelines.Get("p1")
	assert.Equal(t, types.PipelineClosed, p.State)
	other, _ := f.pipelines.Get("p2")
	assert.Equal(t, types.PipelineOpen == other.State || types.PipelineAllocated == other.State, true)

	got, _ := f.containers.Get(c.ID)
	assert.Equal(t, types.ContainerClosing, got.State)

	var closePipeline []string
	for _, cmd := range f.sender.Sent() {
		if cmd.Type == types.CommandClosePipeline {
			closePipeline = append(closePipeline, cmd.NodeID)
		}
	}
	assert.Equal(t, []string{"dn-2", "dn-3"}, closePipeline, "dead members get no command")

	// A second transition for the same pipeline changes nothing
	sent := len(f.sender.Sent())
	f.pipelines.HandleNodeTransition(liveness.Transition{NodeID: "dn-2", From: types.NodeHealthy, To: types.NodeStale})
	assert.Len(t, f.sender.Sent(), sent)

	// Healthy transitions are ignored
	f.pipelines.HandleNodeTransition(liveness.Transition{NodeID: "dn-3", From: types.NodeStale, To: types.NodeHealthy})
	other, _ = f.pipelines.Get("p2")
	assert.NotEqual(t, types.PipelineClosed, other.State)
}

func TestCloseUnknownPipeline(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.pipelines.Close(f.ctx, "nope", "test"), ErrNotFound)
}

func TestCloseFailsWhenNotDurable(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipelines.Create(f.ctx, "p1", []string{"dn-1"})
	require.NoError(t, err)

	f.store.fail = true
	assert.Error(t, f.pipelines.Close(f.ctx, "p1", "test"))

	p, _ := f.pipelines.Get("p1")
	assert.Equal(t, types.PipelineAllocated, p.State)
}

func TestLoadRestoresPipelines(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipelines.Create(f.ctx, "p1", []string{"dn-1", "dn-2"})
	require.NoError(t, err)
	require.NoError(t, f.pipelines.Close(f.ctx, "p1", "test"))

	restarted := NewManager(Config{Store: f.store})
	require.NoError(t, restarted.Load())

	p, err := restarted.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, types.PipelineClosed, p.State)
	assert.Equal(t, []string{"dn-1", "dn-2"}, restarted.PipelineNodes("p1"))
	assert.Equal(t, map[string]int{"CLOSED": 1}, restarted.CountByState())
}
