package storage

import (
	"errors"

	"github.com/cuemby/strata/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for durable cluster metadata.
// Every write carries the raft log index that produced it; the store records
// the highest applied index in the same transaction as the record itself.
type Store interface {
	// Containers
	AllocateContainer(index uint64, container *types.Container) (*types.Container, error)
	PutContainer(index uint64, container *types.Container) error
	GetContainer(id types.ContainerID) (*types.Container, error)
	ListContainers() ([]*types.Container, error)

	// Pipelines
	PutPipeline(index uint64, pipeline *types.Pipeline) error
	GetPipeline(id string) (*types.Pipeline, error)
	ListPipelines() ([]*types.Pipeline, error)

	// Raft bookkeeping
	AppliedIndex() (uint64, error)
	Snapshot() (*Snapshot, error)
	Restore(snapshot *Snapshot) error

	// Utility
	Close() error
}

// Snapshot is a consistent point-in-time copy of the whole store
type Snapshot struct {
	AppliedIndex uint64
	ContainerSeq uint64
	Containers   []*types.Container
	Pipelines    []*types.Pipeline
}
