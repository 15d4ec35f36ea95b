// Package containertest provides in-memory collaborators for tests of the
// container state machine and the components built on it.
package containertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
)

// ErrInjected is returned by MemStore writes while failures are armed
var ErrInjected = errors.New("injected write failure")

// MemStore is an in-memory durable store whose writes can be made to fail
type MemStore struct {
	mu         sync.Mutex
	next       types.ContainerID
	containers map[types.ContainerID]*types.Container
	failWrites int
	writes     int
}

// NewMemStore creates an empty store
func NewMemStore() *MemStore {
	return &MemStore{containers: make(map[types.ContainerID]*types.Container)}
}

func (s *MemStore) AllocateContainer(_ context.Context, c *types.Container) (*types.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	out := c.Clone()
	out.ID = s.next
	s.containers[out.ID] = out.Clone()
	return out, nil
}

func (s *MemStore) UpdateContainer(_ context.Context, c *types.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failWrites > 0 {
		s.failWrites--
		return ErrInjected
	}
	s.containers[c.ID] = c.Clone()
	return nil
}

func (s *MemStore) GetContainer(id types.ContainerID) (*types.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, storage.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemStore) ListContainers() ([]*types.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Container, 0, len(s.containers))
	for _, c := range s.containers {
		out = append(out, c.Clone())
	}
	return out, nil
}

// FailWrites makes the next n updates fail
func (s *MemStore) FailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

// Writes returns how many updates were attempted
func (s *MemStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Sender records every command it is asked to send
type Sender struct {
	mu   sync.Mutex
	cmds []types.Command
}

func (r *Sender) Send(cmd types.Command) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return true, nil
}

// Sent returns a copy of the recorded commands
func (r *Sender) Sent() []types.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Command(nil), r.cmds...)
}

// SentTo returns the recorded commands addressed to nodeID
func (r *Sender) SentTo(nodeID string) []types.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Command
	for _, cmd := range r.cmds {
		if cmd.NodeID == nodeID {
			out = append(out, cmd)
		}
	}
	return out
}

// Nodes is a settable liveness view
type Nodes struct {
	mu     sync.Mutex
	states map[string]types.NodeState
}

// NewNodes creates a view with every id HEALTHY
func NewNodes(ids ...string) *Nodes {
	n := &Nodes{states: make(map[string]types.NodeState)}
	for _, id := range ids {
		n.states[id] = types.NodeHealthy
	}
	return n
}

// Set changes the state of id
func (n *Nodes) Set(id string, state types.NodeState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states[id] = state
}

func (n *Nodes) State(id string) (types.NodeState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.states[id]
	return s, ok
}
