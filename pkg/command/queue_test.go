package command

import (
	"testing"

	"github.com/cuemby/strata/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeCmd(node string, id types.ContainerID) types.Command {
	return types.Command{
		Type:        types.CommandCloseContainer,
		NodeID:      node,
		ContainerID: id,
		SequenceID:  42,
	}
}

func TestSendDedupesQueuedCommands(t *testing.T) {
	q := NewQueue(10)

	queued, err := q.Send(closeCmd("dn-1", 1))
	require.NoError(t, err)
	assert.True(t, queued)

	queued, err = q.Send(closeCmd("dn-1", 1))
	require.NoError(t, err)
	assert.False(t, queued, "identical command must not be queued twice")

	queued, err = q.Send(closeCmd("dn-2", 1))
	require.NoError(t, err)
	assert.True(t, queued)

	assert.Len(t, q.Pending("dn-1"), 1)
	assert.Equal(t, 2, q.Len())
}

func TestDrainHandsOutInOrder(t *testing.T) {
	q := NewQueue(10)
	for i := 1; i <= 3; i++ {
		_, err := q.Send(closeCmd("dn-1", types.ContainerID(i)))
		require.NoError(t, err)
	}

	cmds := q.Drain("dn-1")
	require.Len(t, cmds, 3)
	for i, cmd := range cmds {
		assert.Equal(t, types.ContainerID(i+1), cmd.ContainerID)
		assert.NotEmpty(t, cmd.ID)
		assert.False(t, cmd.CreatedAt.IsZero())
		assert.Equal(t, uint64(42), cmd.SequenceID)
	}

	assert.Empty(t, q.Drain("dn-1"))
	assert.Empty(t, q.Pending("dn-1"))
	// Delivered commands stay outstanding until acknowledged
	assert.Equal(t, 3, q.Len())

	// Once delivered, the same command may be sent again as a retry
	queued, err := q.Send(closeCmd("dn-1", 1))
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestAckClearsOutstanding(t *testing.T) {
	q := NewQueue(10)
	_, _ = q.Send(closeCmd("dn-1", 1))
	_, _ = q.Send(closeCmd("dn-1", 2))
	_, _ = q.Send(closeCmd("dn-1", 3))
	cmds := q.Drain("dn-1")
	require.Len(t, cmds, 3)

	q.Ack("dn-1", []types.CommandStatus{
		{CommandID: cmds[0].ID, Status: types.CommandExecuted},
		{CommandID: cmds[1].ID, Status: types.CommandFailed, Message: "disk error"},
		{CommandID: cmds[2].ID, Status: types.CommandPending},
		{CommandID: "unknown", Status: types.CommandExecuted},
	})
	assert.Equal(t, 1, q.Len())

	// Another node cannot acknowledge dn-1's command
	q.Ack("dn-2", []types.CommandStatus{{CommandID: cmds[2].ID, Status: types.CommandExecuted}})
	assert.Equal(t, 1, q.Len())
}

func TestQueueLimit(t *testing.T) {
	q := NewQueue(2)
	_, err := q.Send(closeCmd("dn-1", 1))
	require.NoError(t, err)
	_, err = q.Send(closeCmd("dn-1", 2))
	require.NoError(t, err)

	queued, err := q.Send(closeCmd("dn-1", 3))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, queued)

	// Other nodes have their own budget
	_, err = q.Send(closeCmd("dn-2", 3))
	assert.NoError(t, err)
}

func TestDropNode(t *testing.T) {
	q := NewQueue(10)
	_, _ = q.Send(closeCmd("dn-1", 1))
	q.Drain("dn-1")
	_, _ = q.Send(closeCmd("dn-1", 2))
	_, _ = q.Send(closeCmd("dn-2", 2))

	q.DropNode("dn-1")
	assert.Equal(t, 1, q.Len())

	// Dedupe state for the dropped node is gone too
	queued, err := q.Send(closeCmd("dn-1", 2))
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestOutstandingBoundedForSilentNode(t *testing.T) {
	q := NewQueue(2)

	var delivered []types.Command
	for i := 1; i <= 5; i++ {
		_, err := q.Send(closeCmd("dn-1", types.ContainerID(i)))
		require.NoError(t, err)
		delivered = append(delivered, q.Drain("dn-1")...)
		assert.LessOrEqual(t, q.Len(), 2)
	}
	require.Len(t, delivered, 5)
	assert.Equal(t, 2, q.Len())

	// The oldest commands were forgotten; late acks for them are ignored
	q.Ack("dn-1", []types.CommandStatus{{CommandID: delivered[0].ID, Status: types.CommandExecuted}})
	assert.Equal(t, 2, q.Len())

	q.Ack("dn-1", []types.CommandStatus{{CommandID: delivered[4].ID, Status: types.CommandExecuted}})
	assert.Equal(t, 1, q.Len())

	// Acknowledged commands free room for new deliveries
	_, err := q.Send(closeCmd("dn-1", 6))
	require.NoError(t, err)
	q.Drain("dn-1")
	assert.Equal(t, 2, q.Len())
	q.DropNode("dn-1")
	assert.Equal(t, 0, q.Len())
}
