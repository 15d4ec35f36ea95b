package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/strata/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketContainers = []byte("containers")
	bucketPipelines  = []byte("pipelines")
	bucketMeta       = []byte("meta")

	keyAppliedIndex = []byte("applied_index")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "strata.db")

	// A second process holding the file lock fails fast instead of hanging
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketContainers,
			bucketPipelines,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func setApplied(tx *bolt.Tx, index uint64) error {
	if index == 0 {
		return nil
	}
	b := tx.Bucket(bucketMeta)
	if cur := b.Get(keyAppliedIndex); cur != nil && binary.BigEndian.Uint64(cur) >= index {
		return nil
	}
	return b.Put(keyAppliedIndex, itob(index))
}

// Container operations

// AllocateContainer assigns the next container ID and stores the container
func (s *BoltStore) AllocateContainer(index uint64, container *types.Container) (*types.Container, error) {
	out := container.Clone()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		out.ID = types.ContainerID(seq)
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		return setApplied(tx, index)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) PutContainer(index uint64, container *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data, err := json.Marshal(container)
		if err != nil {
			return err
		}
		if err := b.Put(itob(uint64(container.ID)), data); err != nil {
			return err
		}
		return setApplied(tx, index)
	})
}

func (s *BoltStore) GetContainer(id types.ContainerID) (*types.Container, error) {
	var container types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get(itob(uint64(id)))
		if data == nil {
			return fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &container)
	})
	if err != nil {
		return nil, err
	}
	return &container, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(k, v []byte) error {
			var container types.Container
			if err := json.Unmarshal(v, &container); err != nil {
				return err
			}
			containers = append(containers, &container)
			return nil
		})
	})
	return containers, err
}

// Pipeline operations
func (s *BoltStore) PutPipeline(index uint64, pipeline *types.Pipeline) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPipelines)
		data, err := json.Marshal(pipeline)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(pipeline.ID), data); err != nil {
			return err
		}
		return setApplied(tx, index)
	})
}

func (s *BoltStore) GetPipeline(id string) (*types.Pipeline, error) {
	var pipeline types.Pipeline
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPipelines)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &pipeline)
	})
	if err != nil {
		return nil, err
	}
	return &pipeline, nil
}

func (s *BoltStore) ListPipelines() ([]*types.Pipeline, error) {
	var pipelines []*types.Pipeline
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPipelines)
		return b.ForEach(func(k, v []byte) error {
			var pipeline types.Pipeline
			if err := json.Unmarshal(v, &pipeline); err != nil {
				return err
			}
			pipelines = append(pipelines, &pipeline)
			return nil
		})
	})
	return pipelines, err
}

// AppliedIndex returns the highest raft index reflected in the store
func (s *BoltStore) AppliedIndex() (uint64, error) {
	var index uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyAppliedIndex); v != nil {
			index = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return index, err
}

// Snapshot reads every bucket inside one read transaction
func (s *BoltStore) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyAppliedIndex); v != nil {
			snap.AppliedIndex = binary.BigEndian.Uint64(v)
		}

		cb := tx.Bucket(bucketContainers)
		snap.ContainerSeq = cb.Sequence()
		if err := cb.ForEach(func(k, v []byte) error {
			var container types.Container
			if err := json.Unmarshal(v, &container); err != nil {
				return err
			}
			snap.Containers = append(snap.Containers, &container)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketPipelines).ForEach(func(k, v []byte) error {
			var pipeline types.Pipeline
			if err := json.Unmarshal(v, &pipeline); err != nil {
				return err
			}
			snap.Pipelines = append(snap.Pipelines, &pipeline)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore replaces the whole store with the snapshot contents
func (s *BoltStore) Restore(snapshot *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketContainers, bucketPipelines, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("failed to drop bucket %s: %w", name, err)
			}
		}

		cb, err := tx.CreateBucket(bucketContainers)
		if err != nil {
			return err
		}
		pb, err := tx.CreateBucket(bucketPipelines)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketMeta); err != nil {
			return err
		}

		seq := snapshot.ContainerSeq
		for _, container := range snapshot.Containers {
			data, err := json.Marshal(container)
			if err != nil {
				return err
			}
			if err := cb.Put(itob(uint64(container.ID)), data); err != nil {
				return err
			}
			if uint64(container.ID) > seq {
				seq = uint64(container.ID)
			}
		}
		if err := cb.SetSequence(seq); err != nil {
			return err
		}

		for _, pipeline := range snapshot.Pipelines {
			data, err := json.Marshal(pipeline)
			if err != nil {
				return err
			}
			if err := pb.Put([]byte(pipeline.ID), data); err != nil {
				return err
			}
		}

		return setApplied(tx, snapshot.AppliedIndex)
	})
}
