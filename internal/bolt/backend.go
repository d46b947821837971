// Package bolt implements the bbolt storage backend for satchel. Each record
// kind lives in its own bucket with JSON values; media bytes are kept apart
// from their metadata so sizes can be read without loading clips.
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// DBFileName is the database file created inside Config.DataDir.
const DBFileName = "satchel.bolt"

// Bucket names
var (
	bucketRoutines  = []byte("routines")
	bucketExercises = []byte("exercises")
	bucketBlobMeta  = []byte("blob_meta")
	bucketBlobData  = []byte("blob_data")
	bucketSettings  = []byte("settings")
	bucketOutbox    = []byte("outbox")
)

var allBuckets = [][]byte{
	bucketRoutines,
	bucketExercises,
	bucketBlobMeta,
	bucketBlobData,
	bucketSettings,
	bucketOutbox,
}

// settingsKey is the only key in the settings bucket.
var settingsKey = []byte("offline")

// Compile-time interface check.
var _ types.Store = (*Backend)(nil)

// Backend implements types.Store using bbolt.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *bolt.DB
}

// NewBackend creates a new bbolt backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend() *Backend {
	return &Backend{}
}

// Attach opens (or creates) the database file and its buckets.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, DBFileName), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("creating buckets: %w", err)
	}

	b.db = db
	b.config = config
	b.attached = true
	return nil
}

// Detach closes the database. Idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	b.attached = false
	err := b.db.Close()
	b.db = nil
	return err
}

// View runs fn in a read-only bolt transaction.
func (b *Backend) View(ctx context.Context, fn func(tx types.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return types.ErrStoreDetached
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(btx *bolt.Tx) error {
		return fn(&tx{tx: btx})
	})
}

// Update runs fn in a read-write bolt transaction.
func (b *Backend) Update(ctx context.Context, fn func(tx types.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return types.ErrStoreDetached
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(btx *bolt.Tx) error {
		return fn(&tx{tx: btx})
	})
}
