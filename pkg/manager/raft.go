package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// ErrNotLeader is returned when a write is attempted on a follower
var ErrNotLeader = errors.New("not the raft leader")

type raftOptions struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	InMemory  bool
	Bootstrap bool
}

// raftNode owns the raft instance and the files backing it
type raftNode struct {
	raft        *raft.Raft
	transport   raft.Transport
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
}

func openRaft(opts raftOptions, fsm raft.FSM) (*raftNode, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(opts.NodeID)

	// Leader election within a second on a LAN
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	raftLogger := log.WithComponent("raft")
	config.LogOutput = raftLogger
	config.LogLevel = "WARN"

	raftDir := filepath.Join(opts.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create raft directory: %w", err)
	}

	var (
		transport raft.Transport
		localAddr raft.ServerAddress
	)
	if opts.InMemory {
		addr, inmem := raft.NewInmemTransport(raft.ServerAddress(opts.NodeID))
		transport, localAddr = inmem, addr
	} else {
		addr, err := net.ResolveTCPAddr("tcp", opts.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve bind address: %w", err)
		}
		tcp, err := raft.NewTCPTransport(opts.BindAddr, addr, 3, 10*time.Second, raftLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		transport, localAddr = tcp, tcp.LocalAddr()
	}

	node := &raftNode{transport: transport}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, raftLogger)
	if err != nil {
		node.close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	node.logStore, err = raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		node.close()
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	node.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		node.close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	existing, err := raft.HasExistingState(node.logStore, node.stableStore, snapshotStore)
	if err != nil {
		node.close()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}

	node.raft, err = raft.NewRaft(config, fsm, node.logStore, node.stableStore, snapshotStore, transport)
	if err != nil {
		node.close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	if !existing && opts.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: localAddr,
				},
			},
		}
		if err := node.raft.BootstrapCluster(configuration).Error(); err != nil {
			node.close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	return node, nil
}

// waitForLeader blocks until this node leads and every committed entry has
// been applied to the FSM
func (n *raftNode) waitForLeader(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for n.raft.State() != raft.Leader {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no raft leader elected: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	if err := n.raft.Barrier(timeout).Error(); err != nil {
		return fmt.Errorf("failed to apply raft log: %w", err)
	}
	return nil
}

// apply submits a command and waits until it is applied to the store
func (n *raftNode) apply(ctx context.Context, op string, v interface{}, timeout time.Duration) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.raft.State() != raft.Leader {
		return nil, ErrNotLeader
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", op, err)
	}
	buf, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	future := n.raft.Apply(buf, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", op, err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

func (n *raftNode) isLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// close shuts raft down and releases its files. Safe on a partially
// opened node.
func (n *raftNode) close() error {
	var errs []error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown raft: %w", err))
		}
	}
	if closer, ok := n.transport.(raft.WithClose); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
	}
	if n.logStore != nil {
		if err := n.logStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log store: %w", err))
		}
	}
	if n.stableStore != nil {
		if err := n.stableStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stable store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// raftStore commits container and pipeline writes through the raft log.
// Reads go to the local bbolt store, which is the leader's applied state.
type raftStore struct {
	node    *raftNode
	store   interface {
		GetContainer(id types.ContainerID) (*types.Container, error)
		ListContainers() ([]*types.Container, error)
		ListPipelines() ([]*types.Pipeline, error)
	}
	timeout time.Duration
}

func (s *raftStore) AllocateContainer(ctx context.Context, c *types.Container) (*types.Container, error) {
	resp, err := s.node.apply(ctx, OpAllocateContainer, c, s.timeout)
	if err != nil {
		return nil, err
	}
	allocated, ok := resp.(*types.Container)
	if !ok {
		return nil, fmt.Errorf("unexpected allocate response %T", resp)
	}
	return allocated.Clone(), nil
}

func (s *raftStore) UpdateContainer(ctx context.Context, c *types.Container) error {
	_, err := s.node.apply(ctx, OpUpdateContainer, c, s.timeout)
	return err
}

func (s *raftStore) GetContainer(id types.ContainerID) (*types.Container, error) {
	return s.store.GetContainer(id)
}

func (s *raftStore) ListContainers() ([]*types.Container, error) {
	return s.store.ListContainers()
}

func (s *raftStore) PutPipeline(ctx context.Context, p *types.Pipeline) error {
	_, err := s.node.apply(ctx, OpPutPipeline, p, s.timeout)
	return err
}

func (s *raftStore) ListPipelines() ([]*types.Pipeline, error) {
	return s.store.ListPipelines()
}
