package types

import (
	"context"
	"errors"
)

// Store is the local durable store. Callers attach to a backend, run
// transactions, and detach when done. All other components go through it.
type Store interface {
	// Attach opens the backend described by config, creating DataDir if needed.
	// Returns ErrAlreadyAttached if called while already attached.
	Attach(config Config) error

	// Detach releases backend resources. Idempotent.
	// After Detach, View and Update return ErrStoreDetached.
	Detach() error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a read-write transaction. The transaction commits if
	// fn returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the record-level API available inside a transaction. Getters return
// ErrNotFound for missing records and ErrInvalidID for empty ids. Deleting a
// missing record is not an error.
type Tx interface {
	GetRoutine(id string) (*CachedRoutine, error)
	PutRoutine(r *CachedRoutine) error
	DeleteRoutine(id string) error
	// ListRoutines returns the routines of ownerID, or every routine when
	// ownerID is empty, in no particular order.
	ListRoutines(ownerID string) ([]*CachedRoutine, error)

	GetExercise(id string) (*CachedExercise, error)
	PutExercise(e *CachedExercise) error
	DeleteExercise(id string) error
	ListExercises() ([]*CachedExercise, error)

	GetBlob(exerciseID string) (*CachedMediaBlob, error)
	PutBlob(b *CachedMediaBlob) error
	DeleteBlob(exerciseID string) error
	// BlobSize returns the stored size without loading the bytes.
	BlobSize(exerciseID string) (int64, error)
	ListBlobIDs() ([]string, error)

	// GetSettings returns the zero OfflineSettings when none were stored.
	GetSettings() (*OfflineSettings, error)
	PutSettings(s *OfflineSettings) error

	// PurgeCache deletes every routine, exercise, and blob. Outbox entries
	// and settings are untouched.
	PurgeCache() error

	AppendOutbox(e *OutboxEntry) error
	GetOutbox(id string) (*OutboxEntry, error)
	// PutOutbox overwrites an existing entry in place (keeps its queue position).
	PutOutbox(e *OutboxEntry) error
	DeleteOutbox(id string) error
	// ListOutbox returns the entries of ownerID and kind in creation order.
	// An empty ownerID or kind matches every value.
	ListOutbox(ownerID, kind string) ([]*OutboxEntry, error)
}

// Store lifecycle errors.
var (
	ErrStoreDetached   = errors.New("store is detached")
	ErrAlreadyAttached = errors.New("store is already attached")
)

// Record errors.
var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalidID   = errors.New("invalid record ID")
	ErrInvalidData = errors.New("invalid record data")
)

// ErrOffline is returned by remote-facing operations that need connectivity.
var ErrOffline = errors.New("offline")
