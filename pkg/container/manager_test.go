package container

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/strata/pkg/container/containertest"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type staticLocator map[types.ContainerID][]string

func (l staticLocator) NodesFor(id types.ContainerID) []string { return l[id] }

type staticPipelines map[string][]string

func (p staticPipelines) PipelineNodes(id string) []string { return p[id] }

func newTestManager(t *testing.T) (*Manager, *containertest.MemStore, *containertest.Sender) {
	t.Helper()
	store := containertest.NewMemStore()
	sender := &containertest.Sender{}
	m := NewManager(Config{Store: store, Sender: sender, RetryAttempts: 3})
	require.NoError(t, m.Load())
	m.SetPipelineLookup(staticPipelines{"p1": {"dn-1", "dn-2", "dn-3"}})
	return m, store, sender
}

func TestAllocateAssignsMonotonicIDs(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)
	b, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)

	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, types.ContainerOpen, a.State)
	assert.Equal(t, 3, a.ReplicationFactor)

	_, err = m.Allocate(ctx, "p1", "om", 0)
	assert.Error(t, err)
}

func TestRequestCloseSendsCurrentSequence(t *testing.T) {
	m, store, sender := newTestManager(t)
	ctx := context.Background()

	c, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)
	require.NoError(t, m.UpdateSequenceID(ctx, c.ID, 17))

	require.NoError(t, m.RequestClose(ctx, c.ID, TriggerExplicit))

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerClosing, got.State)
	assert.Equal(t, uint64(17), got.SequenceID)
	assert.Equal(t, []string{"dn-1", "dn-2", "dn-3"}, got.ReplicaHint)

	durable, err := store.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerClosing, durable.State)

	cmds := sender.Sent()
	require.Len(t, cmds, 3)
	for _, cmd := range cmds {
		assert.Equal(t, types.CommandCloseContainer, cmd.Type)
		assert.Equal(t, c.ID, cmd.ContainerID)
		assert.Equal(t, uint64(17), cmd.SequenceID)
	}
}

func TestRequestCloseIsNotRepeatable(t *testing.T) {
	m, _, sender := newTestManager(t)
	ctx := context.Background()

	c, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)
	require.NoError(t, m.UpdateSequenceID(ctx, c.ID, 5))
	require.NoError(t, m.RequestClose(ctx, c.ID, TriggerExplicit))
	sent := len(sender.Sent())

	err = m.RequestClose(ctx, c.ID, TriggerExplicit)
	assert.ErrorIs(t, err, ErrAlreadyClosing)
	assert.Len(t, sender.Sent(), sent, "second close must not send commands")

	require.NoError(t, m.Exec(ctx, c.ID, func(txn *Txn) error {
		return txn.Transition(types.ContainerClosed)
	}))

	err = m.RequestClose(ctx, c.ID, TriggerExplicit)
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	got, _ := m.Get(c.ID)
	assert.Equal(t, uint64(5), got.SequenceID)
	assert.Len(t, sender.Sent(), sent)
}

func TestRequestCloseUnknownContainer(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.RequestClose(context.Background(), 404, TriggerExplicit)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestConcurrentCloseHasOneWinner(t *testing.T) {
	m, _, sender := newTestManager(t)
	ctx := context.Background()
	c, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)

	const callers = 16
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.RequestClose(ctx, c.ID, TriggerExplicit)
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyClosing)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, sender.Sent(), 3)
}

func TestSequenceID(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	c, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)

	require.NoError(t, m.UpdateSequenceID(ctx, c.ID, 10))
	require.NoError(t, m.UpdateSequenceID(ctx, c.ID, 4), "lower values are ignored")
	got, _ := m.Get(c.ID)
	assert.Equal(t, uint64(10), got.SequenceID)

	require.NoError(t, m.RequestClose(ctx, c.ID, TriggerCapacity))
	require.NoError(t, m.UpdateSequenceID(ctx, c.ID, 11), "closing containers still take late writes")

	require.NoError(t, m.Exec(ctx, c.ID, func(txn *Txn) error {
		return txn.Transition(types.ContainerClosed)
	}))
	err = m.UpdateSequenceID(ctx, c.ID, 12)
	assert.ErrorIs(t, err, ErrSequenceFrozen)

	got, _ = m.Get(c.ID)
	assert.Equal(t, uint64(11), got.SequenceID)
}

func TestInvalidTransition(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	c, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)

	err = m.Exec(ctx, c.ID, func(txn *Txn) error {
		return txn.Transition(types.ContainerClosed)
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, _ := m.Get(c.ID)
	assert.Equal(t, types.ContainerOpen, got.State)
}

func TestDurabilityFailure(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantState types.LifeCycleState
		wantCmds  int
	}{
		{"transient failure is retried", 2, false, types.ContainerClosing, 3},
		{"persistent failure is surfaced", 3, true, types.ContainerOpen, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, sender := newTestManager(t)
			ctx := context.Background()
			c, err := m.Allocate(ctx, "p1", "om", 3)
			require.NoError(t, err)

			store.FailWrites(tt.failures)

			err = m.RequestClose(ctx, c.ID, TriggerExplicit)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDurability)
			} else {
				assert.NoError(t, err)
			}

			got, _ := m.Get(c.ID)
			assert.Equal(t, tt.wantState, got.State)
			durable, _ := store.GetContainer(c.ID)
			assert.Equal(t, tt.wantState, durable.State)
			assert.Len(t, sender.Sent(), tt.wantCmds)
		})
	}
}

func TestFailedExecCommitsNothing(t *testing.T) {
	m, store, sender := newTestManager(t)
	ctx := context.Background()
	c, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.Exec(ctx, c.ID, func(txn *Txn) error {
		require.NoError(t, txn.Close(TriggerExplicit))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := m.Get(c.ID)
	assert.Equal(t, types.ContainerOpen, got.State)
	assert.Empty(t, sender.Sent())
	assert.Equal(t, 0, store.Writes())
}

func TestCloseTargetsPreferReplicaLocator(t *testing.T) {
	m, _, sender := newTestManager(t)
	ctx := context.Background()
	c, err := m.Allocate(ctx, "", "om", 3)
	require.NoError(t, err)

	m.SetReplicaLocator(staticLocator{c.ID: {"dn-9", "dn-7"}})
	require.NoError(t, m.RequestClose(ctx, c.ID, TriggerExplicit))

	var nodes []string
	for _, cmd := range sender.Sent() {
		nodes = append(nodes, cmd.NodeID)
	}
	assert.Equal(t, []string{"dn-7", "dn-9"}, nodes)
}

func TestCloseForPipeline(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := m.Allocate(ctx, "p1", "om", 3)
	b, _ := m.Allocate(ctx, "p1", "om", 3)
	other, _ := m.Allocate(ctx, "p2", "om", 3)
	require.NoError(t, m.RequestClose(ctx, b.ID, TriggerExplicit))

	closed, err := m.CloseForPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, _ := m.Get(a.ID)
	assert.Equal(t, types.ContainerClosing, got.State)
	got, _ = m.Get(other.ID)
	assert.Equal(t, types.ContainerOpen, got.State)
}

func TestLoadRestoresDurableView(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	c, _ := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, m.UpdateSequenceID(ctx, c.ID, 99))
	require.NoError(t, m.RequestClose(ctx, c.ID, TriggerExplicit))

	restarted := NewManager(Config{Store: store})
	require.NoError(t, restarted.Load())

	got, err := restarted.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerClosing, got.State)
	assert.Equal(t, uint64(99), got.SequenceID)
	assert.Equal(t, map[string]int{"CLOSING": 1}, restarted.CountByState())
	assert.Equal(t, []types.ContainerID{c.ID}, restarted.IDs())
}

func TestCloseIsTraced(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	m, _, _ := newTestManager(t)
	ctx := context.Background()
	c, _ := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, m.RequestClose(ctx, c.ID, TriggerExplicit))

	names := make(map[string]bool)
	for _, span := range sr.Ended() {
		names[span.Name()] = true
	}
	assert.True(t, names["container.close"])
	assert.True(t, names["container.commit"])
}

func TestCloseSkipsDeadPipelineMembers(t *testing.T) {
	nodes := containertest.NewNodes("dn-1", "dn-2", "dn-3")
	nodes.Set("dn-2", types.NodeDead)
	sender := &containertest.Sender{}
	m := NewManager(Config{Store: containertest.NewMemStore(), Sender: sender, Nodes: nodes, RetryAttempts: 1})
	require.NoError(t, m.Load())
	m.SetPipelineLookup(staticPipelines{"p1": {"dn-1", "dn-2", "dn-3"}})
	ctx := context.Background()

	c, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)
	require.NoError(t, m.RequestClose(ctx, c.ID, TriggerPipeline))

	targets := make([]string, 0, 2)
	for _, cmd := range sender.Sent() {
		targets = append(targets, cmd.NodeID)
	}
	assert.Equal(t, []string{"dn-1", "dn-3"}, targets)
	assert.Empty(t, sender.SentTo("dn-2"))
}

func TestTransitionsAreLoggedPerContainer(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() {
		log.Logger = zerolog.Nop()
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	})

	m, _, _ := newTestManager(t)
	ctx := context.Background()
	c, err := m.Allocate(ctx, "p1", "om", 3)
	require.NoError(t, err)
	require.NoError(t, m.RequestClose(ctx, c.ID, TriggerExplicit))

	out := buf.String()
	assert.Contains(t, out, "Container state changed")
	assert.Contains(t, out, `"container_id":`+c.ID.String())
	assert.Contains(t, out, `"component":"container-manager"`)
}
