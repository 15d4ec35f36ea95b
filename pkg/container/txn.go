package container

import (
	"fmt"
	"slices"

	"github.com/cuemby/strata/pkg/types"
)

// CloseTrigger names why a container is being closed
type CloseTrigger string

const (
	TriggerExplicit CloseTrigger = "explicit"
	TriggerCapacity CloseTrigger = "capacity"
	TriggerPipeline CloseTrigger = "pipeline"
)

type transition struct {
	from types.LifeCycleState
	to   types.LifeCycleState
}

// Txn is the ownership token for one container. It is only valid inside
// the function passed to Manager.Exec. Changes made through it are written
// durably when that function returns nil; commands are sent only after the
// write succeeds.
type Txn struct {
	m           *Manager
	c           *types.Container
	dirty       bool
	transitions []transition
	commands    []types.Command
}

// Container returns a copy of the container as modified so far
func (t *Txn) Container() *types.Container {
	return t.c.Clone()
}

// State returns the current lifecycle state
func (t *Txn) State() types.LifeCycleState {
	return t.c.State
}

// Transition moves the container to next
func (t *Txn) Transition(next types.LifeCycleState) error {
	from := t.c.State
	if !from.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for container %s", ErrInvalidTransition, from, next, t.c.ID)
	}

	now := t.m.now()
	t.c.State = next
	t.c.StateEnteredAt = now
	t.c.UpdatedAt = now
	t.dirty = true
	t.transitions = append(t.transitions, transition{from: from, to: next})
	return nil
}

// AdvanceSequence raises the sequence id to seq. Lower or equal values are
// ignored. Once the container is QUASI_CLOSED or CLOSED the sequence id is
// frozen.
func (t *Txn) AdvanceSequence(seq uint64) (bool, error) {
	if seq <= t.c.SequenceID {
		return false, nil
	}
	if t.c.State.SequenceFrozen() {
		return false, fmt.Errorf("%w: container %s is %s at %d", ErrSequenceFrozen, t.c.ID, t.c.State, t.c.SequenceID)
	}
	t.c.SequenceID = seq
	t.c.UpdatedAt = t.m.now()
	t.dirty = true
	return true, nil
}

// SetReplicaHint records which nodes held replicas. It is persisted with
// the container so queries after a restart can name them before reports
// arrive.
func (t *Txn) SetReplicaHint(nodes []string) {
	hint := append([]string(nil), nodes...)
	slices.Sort(hint)
	if slices.Equal(hint, t.c.ReplicaHint) {
		return
	}
	t.c.ReplicaHint = hint
	t.dirty = true
}

// SendCommand queues cmd for delivery once the transaction is durable
func (t *Txn) SendCommand(cmd types.Command) {
	t.commands = append(t.commands, cmd)
}

// SendClose queues a close command for nodeID carrying the frozen sequence id
func (t *Txn) SendClose(nodeID string) {
	t.SendCommand(types.Command{
		Type:        types.CommandCloseContainer,
		NodeID:      nodeID,
		ContainerID: t.c.ID,
		PipelineID:  t.c.PipelineID,
		SequenceID:  t.c.SequenceID,
	})
}

// Close moves an OPEN container to CLOSING and sends the close command to
// every node believed to host it. A container that is already on its way
// to closed returns ErrAlreadyClosing or ErrAlreadyClosed and is left
// untouched.
func (t *Txn) Close(trigger CloseTrigger) error {
	switch t.c.State {
	case types.ContainerOpen:
	case types.ContainerClosing:
		return fmt.Errorf("container %s: %w", t.c.ID, ErrAlreadyClosing)
	case types.ContainerQuasiClosed, types.ContainerClosed:
		return fmt.Errorf("container %s is %s: %w", t.c.ID, t.c.State, ErrAlreadyClosed)
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, t.c.State)
	}

	if err := t.Transition(types.ContainerClosing); err != nil {
		return err
	}

	targets := t.m.closeTargets(t.c)
	t.SetReplicaHint(targets)
	for _, nodeID := range targets {
		t.SendClose(nodeID)
	}

	t.m.logger.Info().
		Uint64("container_id", uint64(t.c.ID)).
		Uint64("sequence_id", t.c.SequenceID).
		Str("trigger", string(trigger)).
		Int("targets", len(targets)).
		Msg("Closing container")
	return nil
}
