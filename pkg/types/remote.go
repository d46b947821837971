package types

import (
	"context"
	"encoding/json"
)

// RoutineSource fetches routine documents from the remote document store.
type RoutineSource interface {
	GetRoutine(ctx context.Context, id string) (*Routine, error)
}

// ExerciseSource fetches exercise documents from the remote document store.
type ExerciseSource interface {
	GetExercise(ctx context.Context, id string) (*Exercise, error)
}

// MediaResolver turns an object storage path into a fetchable URL.
type MediaResolver interface {
	ResolveStoragePath(ctx context.Context, storagePath string) (string, error)
}

// MediaFetcher downloads media bytes from a resolved URL.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// ArchiveWriter creates completed-workout archive entries. The remote treats
// idempotencyKey as a dedup key, so replaying a write is harmless.
type ArchiveWriter interface {
	CreateArchiveEntry(ctx context.Context, ownerID, archiveID string, record json.RawMessage, idempotencyKey string) error
}

// MediaUploader stores bytes at destPath and returns the public URL.
type MediaUploader interface {
	UploadMedia(ctx context.Context, destPath string, data []byte, contentType string) (string, error)
}

// Pinger checks remote reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Remote bundles every remote collaborator the engine consumes.
type Remote interface {
	RoutineSource
	ExerciseSource
	MediaResolver
	MediaFetcher
	ArchiveWriter
	MediaUploader
	Pinger
}
