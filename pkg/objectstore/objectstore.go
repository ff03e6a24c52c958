// Package objectstore provides opaque blob storage for encrypted snapshot
// payloads. The service never inspects the bytes: put returns a handle, get
// returns the exact bytes.
package objectstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
)

// ObjectStore stores opaque encrypted blobs by handle.
type ObjectStore interface {
	Put(ctx context.Context, data []byte) (handle string, err error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Close() error
}

var bucketObjects = []byte("objects")

// BoltStore implements ObjectStore on a local BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

var _ ObjectStore = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the blob database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "objects.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("objectstore: create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errdefs.Wrap(errdefs.ErrUnavailable, "objectstore: %v", err)
	}
	handle := uuid.New().String()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put([]byte(handle), data)
	})
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrUnavailable, "objectstore: put: %v", err)
	}
	return handle, nil
}

func (s *BoltStore) Get(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrUnavailable, "objectstore: %v", err)
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(handle))
		if v == nil {
			return errdefs.Wrap(errdefs.ErrNotFound, "objectstore: no blob %s", handle)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Memory implements ObjectStore in process memory, for tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// FailPuts makes every Put return an unavailability error; tests use it
	// to exercise the no-DB-row-on-storage-failure contract.
	FailPuts bool
}

var _ ObjectStore = (*Memory)(nil)

// NewMemory creates an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errdefs.Wrap(errdefs.ErrUnavailable, "objectstore: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts {
		return "", errdefs.Wrap(errdefs.ErrUnavailable, "objectstore: put failed")
	}
	handle := uuid.New().String()
	s.blobs[handle] = append([]byte(nil), data...)
	return handle, nil
}

func (s *Memory) Get(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrUnavailable, "objectstore: %v", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[handle]
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "objectstore: no blob %s", handle)
	}
	return append([]byte(nil), data...), nil
}
