// Package command queues outbound commands for storage nodes.
//
// Nodes have no inbound RPC surface: commands wait in a per-node queue and
// are handed out in the response to the node's next heartbeat. A command
// that has been handed out stays outstanding until the node acknowledges it
// in a command-status report. Each node keeps at most the queue limit of
// outstanding commands; the oldest are forgotten first.
package command

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when a node already has the maximum number of
// queued commands
var ErrQueueFull = errors.New("command queue full")

type dedupeKey struct {
	nodeID      string
	typ         types.CommandType
	containerID types.ContainerID
	pipelineID  string
}

func keyOf(cmd *types.Command) dedupeKey {
	return dedupeKey{
		nodeID:      cmd.NodeID,
		typ:         cmd.Type,
		containerID: cmd.ContainerID,
		pipelineID:  cmd.PipelineID,
	}
}

// Queue holds commands per node until they are delivered and acknowledged
type Queue struct {
	mu          sync.Mutex
	limit       int
	queued      map[string][]*types.Command
	queuedKeys  map[dedupeKey]bool
	outstanding map[string]*types.Command
	delivered   map[string][]string // command ids per node, oldest first
	logger      zerolog.Logger
}

// NewQueue creates a queue holding at most limit undelivered commands per node
func NewQueue(limit int) *Queue {
	return &Queue{
		limit:       limit,
		queued:      make(map[string][]*types.Command),
		queuedKeys:  make(map[dedupeKey]bool),
		outstanding: make(map[string]*types.Command),
		delivered:   make(map[string][]string),
		logger:      log.WithComponent("command-queue"),
	}
}

// Send queues cmd for its node. A command identical to one still waiting
// in the queue is not queued twice; Send then reports false.
func (q *Queue) Send(cmd types.Command) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := keyOf(&cmd)
	if q.queuedKeys[key] {
		return false, nil
	}
	if q.limit > 0 && len(q.queued[cmd.NodeID]) >= q.limit {
		q.logger.Warn().
			Str("node_id", cmd.NodeID).
			Str("type", string(cmd.Type)).
			Msg("Dropping command, queue full")
		return false, ErrQueueFull
	}

	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}

	c := cmd
	q.queued[cmd.NodeID] = append(q.queued[cmd.NodeID], &c)
	q.queuedKeys[key] = true

	q.logger.Debug().
		Str("node_id", cmd.NodeID).
		Str("type", string(cmd.Type)).
		Uint64("container_id", uint64(cmd.ContainerID)).
		Str("command_id", cmd.ID).
		Msg("Command queued")
	return true, nil
}

// Drain hands out every queued command for nodeID in queue order and marks
// them outstanding
func (q *Queue) Drain(nodeID string) []types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queued[nodeID]
	if len(pending) == 0 {
		return nil
	}
	delete(q.queued, nodeID)

	out := make([]types.Command, 0, len(pending))
	for _, cmd := range pending {
		delete(q.queuedKeys, keyOf(cmd))
		q.outstanding[cmd.ID] = cmd
		q.delivered[nodeID] = append(q.delivered[nodeID], cmd.ID)
		out = append(out, *cmd)
		metrics.CommandsSentTotal.WithLabelValues(string(cmd.Type)).Inc()
	}
	q.trimOutstanding(nodeID)
	return out
}

// trimOutstanding forgets acknowledged ids of nodeID and, past the limit,
// its oldest unacknowledged commands
func (q *Queue) trimOutstanding(nodeID string) {
	ids := q.delivered[nodeID][:0]
	for _, id := range q.delivered[nodeID] {
		if _, ok := q.outstanding[id]; ok {
			ids = append(ids, id)
		}
	}

	if q.limit > 0 && len(ids) > q.limit {
		expired := ids[:len(ids)-q.limit]
		for _, id := range expired {
			delete(q.outstanding, id)
		}
		q.logger.Warn().
			Str("node_id", nodeID).
			Int("commands", len(expired)).
			Msg("Forgetting unacknowledged commands")
		ids = append([]string(nil), ids[len(expired):]...)
	}

	if len(ids) == 0 {
		delete(q.delivered, nodeID)
		return
	}
	q.delivered[nodeID] = ids
}

// Ack applies a command-status report from nodeID. Executed and failed
// commands stop being outstanding; pending ones are left alone. Unknown ids
// are ignored.
func (q *Queue) Ack(nodeID string, statuses []types.CommandStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, st := range statuses {
		cmd, ok := q.outstanding[st.CommandID]
		if !ok || cmd.NodeID != nodeID {
			continue
		}
		switch st.Status {
		case types.CommandExecuted:
			delete(q.outstanding, st.CommandID)
		case types.CommandFailed:
			delete(q.outstanding, st.CommandID)
			q.logger.Warn().
				Str("node_id", nodeID).
				Str("command_id", st.CommandID).
				Str("type", string(cmd.Type)).
				Str("message", st.Message).
				Msg("Command failed on node")
		}
	}
}

// DropNode discards everything queued or outstanding for nodeID
func (q *Queue) DropNode(nodeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, cmd := range q.queued[nodeID] {
		delete(q.queuedKeys, keyOf(cmd))
	}
	delete(q.queued, nodeID)

	for _, id := range q.delivered[nodeID] {
		delete(q.outstanding, id)
	}
	delete(q.delivered, nodeID)
}

// Pending returns a copy of the commands still queued for nodeID
func (q *Queue) Pending(nodeID string) []types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.Command, 0, len(q.queued[nodeID]))
	for _, cmd := range q.queued[nodeID] {
		out = append(out, *cmd)
	}
	return out
}

// Len returns the number of queued plus outstanding commands
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.outstanding)
	for _, cmds := range q.queued {
		n += len(cmds)
	}
	return n
}
