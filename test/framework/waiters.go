package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/strata/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with a 10s timeout and 20ms interval
func DefaultWaiter() *Waiter {
	return NewWaiter(10*time.Second, 20*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Settle ticks every node of the cluster before each check of condition
func (w *Waiter) Settle(ctx context.Context, c *Cluster, condition func() bool, description string) error {
	return w.WaitFor(ctx, func() bool {
		c.Tick()
		return condition()
	}, description)
}

// WaitForContainerState ticks the cluster until container id is in state
func (w *Waiter) WaitForContainerState(ctx context.Context, c *Cluster, id types.ContainerID, state types.LifeCycleState) error {
	return w.Settle(ctx, c, func() bool {
		status, err := c.Manager.QueryContainer(id)
		return err == nil && status.Container.State == state
	}, fmt.Sprintf("container %d to be %s", id, state))
}

// WaitForConverged ticks the cluster until container id is CLOSED with n
// replicas closed at its sequence id
func (w *Waiter) WaitForConverged(ctx context.Context, c *Cluster, id types.ContainerID, n int) error {
	return w.Settle(ctx, c, func() bool {
		return c.Manager.Converged(id, n)
	}, fmt.Sprintf("container %d to converge on %d closed replicas", id, n))
}

// WaitForNodeState waits, without ticking, until the manager classifies
// nodeID as state
func (w *Waiter) WaitForNodeState(ctx context.Context, c *Cluster, nodeID string, state types.NodeState) error {
	return w.WaitFor(ctx, func() bool {
		got, ok := c.Manager.NodeState(nodeID)
		return ok && got == state
	}, fmt.Sprintf("node %s to be %s", nodeID, state))
}

// WaitForPipelineState ticks the cluster until pipelineID is in state
func (w *Waiter) WaitForPipelineState(ctx context.Context, c *Cluster, pipelineID string, state types.PipelineState) error {
	return w.Settle(ctx, c, func() bool {
		p, err := c.Manager.GetPipeline(pipelineID)
		return err == nil && p.State == state
	}, fmt.Sprintf("pipeline %s to be %s", pipelineID, state))
}
