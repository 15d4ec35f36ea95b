package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// Raft log operations
const (
	OpAllocateContainer = "allocate_container"
	OpUpdateContainer   = "update_container"
	OpPutPipeline       = "put_pipeline"
)

// errAlreadyApplied marks a log entry the store already reflects. Entries
// are replayed after a restart from the last raft snapshot; the store is
// written before the snapshot is taken, so replaying them must not write
// again.
var errAlreadyApplied = errors.New("log entry already applied")

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM applies committed raft entries to the bbolt store and snapshots it
type FSM struct {
	mu      sync.RWMutex
	store   storage.Store
	applied uint64
	logger  zerolog.Logger
}

// NewFSM creates an FSM over store, starting from the store's applied index
func NewFSM(store storage.Store) (*FSM, error) {
	applied, err := store.AppliedIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to read applied index: %w", err)
	}
	return &FSM{
		store:   store,
		applied: applied,
		logger:  log.WithComponent("fsm"),
	}, nil
}

// AppliedIndex returns the highest raft index reflected in the store
func (f *FSM) AppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.applied
}

// Apply applies a Raft log entry to the store. It returns the allocated
// container for allocate_container, or an error.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if entry.Index <= f.applied {
		f.logger.Debug().Uint64("index", entry.Index).Str("op", cmd.Op).Msg("Skipping replayed entry")
		return errAlreadyApplied
	}

	result := f.apply(entry.Index, cmd)
	if _, failed := result.(error); !failed {
		f.applied = entry.Index
	}
	return result
}

func (f *FSM) apply(index uint64, cmd Command) interface{} {
	switch cmd.Op {
	case OpAllocateContainer:
		var c types.Container
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		allocated, err := f.store.AllocateContainer(index, &c)
		if err != nil {
			return err
		}
		return allocated

	case OpUpdateContainer:
		var c types.Container
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		if _, err := f.store.GetContainer(c.ID); err != nil {
			return err
		}
		return f.store.PutContainer(index, &c)

	case OpPutPipeline:
		var p types.Pipeline
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.PutPipeline(index, &p)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the store
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap, err := f.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	return &fsmSnapshot{snap: snap}, nil
}

// Restore replaces the store with a snapshot. A snapshot that is not newer
// than what the store already reflects is ignored.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if snap.AppliedIndex <= f.applied {
		f.logger.Info().
			Uint64("snapshot_index", snap.AppliedIndex).
			Uint64("applied_index", f.applied).
			Msg("Store already ahead of snapshot, skipping restore")
		return nil
	}

	if err := f.store.Restore(&snap); err != nil {
		return fmt.Errorf("failed to restore store: %w", err)
	}
	f.applied = snap.AppliedIndex

	f.logger.Info().
		Uint64("applied_index", snap.AppliedIndex).
		Int("containers", len(snap.Containers)).
		Int("pipelines", len(snap.Pipelines)).
		Msg("Store restored from snapshot")
	return nil
}

type fsmSnapshot struct {
	snap *storage.Snapshot
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
