package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mesh-intelligence/satchel/internal/cache"
	"github.com/mesh-intelligence/satchel/internal/config"
	"github.com/mesh-intelligence/satchel/internal/outbox"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

// IsEnabled reports whether offline caching is on.
func (e *Engine) IsEnabled(ctx context.Context) (bool, error) {
	return e.cache.IsEnabled(ctx)
}

// SetEnabled turns offline caching on or off. Disabling purges the cache.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) error {
	return e.cache.SetEnabled(ctx, enabled)
}

// CacheRoutineByID downloads a routine and its exercises and caches them.
// Exercises that cannot be fetched are left out and logged. It returns nil
// without error while offline mode is disabled.
func (e *Engine) CacheRoutineByID(ctx context.Context, routineID string, pin bool) (*types.CachedRoutine, error) {
	if routineID == "" {
		return nil, types.ErrInvalidID
	}
	enabled, err := e.cache.IsEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}

	routine, err := e.remote.GetRoutine(ctx, routineID)
	if err != nil {
		return nil, err
	}
	var available []types.Exercise
	for _, id := range routine.ExerciseIDs() {
		ex, err := e.remote.GetExercise(ctx, id)
		if err != nil {
			e.logger.Warn("exercise not fetched, caching routine without it",
				"routine", routineID, "exercise", id, "error", err)
			continue
		}
		available = append(available, *ex)
	}

	owner := e.cfg.OwnerID
	if owner == "" {
		owner = routine.OwnerID
	}
	if err := e.cache.CacheRoutine(ctx, owner, routine, available, pin); err != nil {
		return nil, err
	}
	return e.cache.GetCachedRoutine(ctx, routineID)
}

// GetAllCachedRoutines lists the configured owner's cached routines, newest
// first. With no owner configured it lists every routine.
func (e *Engine) GetAllCachedRoutines(ctx context.Context) ([]*types.CachedRoutine, error) {
	return e.cache.GetAllCachedRoutines(ctx, e.cfg.OwnerID)
}

// GetCachedRoutine returns one cached routine or types.ErrNotFound.
func (e *Engine) GetCachedRoutine(ctx context.Context, routineID string) (*types.CachedRoutine, error) {
	return e.cache.GetCachedRoutine(ctx, routineID)
}

// IsRoutineCached reports whether routineID is cached.
func (e *Engine) IsRoutineCached(ctx context.Context, routineID string) (bool, error) {
	return e.cache.IsRoutineCached(ctx, routineID)
}

// PinRoutine pins or unpins a cached routine.
func (e *Engine) PinRoutine(ctx context.Context, routineID string, pinned bool) error {
	return e.cache.PinRoutine(ctx, routineID, pinned)
}

// UncacheRoutine removes a routine and whatever it alone referenced.
func (e *Engine) UncacheRoutine(ctx context.Context, routineID string) error {
	return e.cache.UncacheRoutine(ctx, routineID)
}

// RefreshRoutineExpiry restarts the TTL of an unpinned routine.
func (e *Engine) RefreshRoutineExpiry(ctx context.Context, routineID string) error {
	return e.cache.RefreshRoutineExpiry(ctx, routineID)
}

// GetTotalStorageUsed sums the configured owner's routine sizes.
func (e *Engine) GetTotalStorageUsed(ctx context.Context) (int64, error) {
	return e.cache.GetTotalStorageUsed(ctx, e.cfg.OwnerID)
}

// GetRoutineStorageUsed returns one routine's accounted size.
func (e *Engine) GetRoutineStorageUsed(ctx context.Context, routineID string) (int64, error) {
	return e.cache.GetRoutineStorageUsed(ctx, routineID)
}

// GetCachedMediaURL mints a playable handle for an exercise's cached clip.
func (e *Engine) GetCachedMediaURL(ctx context.Context, exerciseID string) (string, error) {
	return e.cache.GetCachedMediaURL(ctx, exerciseID)
}

// ReleaseMediaURL frees a handle minted by GetCachedMediaURL.
func (e *Engine) ReleaseMediaURL(handle string) error {
	return e.cache.ReleaseMediaURL(handle)
}

// FormatBytes renders a size for display.
func (e *Engine) FormatBytes(n int64) string { return types.FormatBytes(n) }

// CleanupExpired sweeps expired routines now.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	return e.cache.CleanupExpired(ctx)
}

// Stats summarizes the cache.
func (e *Engine) Stats(ctx context.Context) (cache.Stats, error) {
	return e.cache.Stats(ctx)
}

// Verify checks the cache's reference counts and orphans.
func (e *Engine) Verify(ctx context.Context) error {
	return e.cache.Verify(ctx)
}

// RecordWorkout queues a completed-workout archive entry for the configured
// owner and, when the remote is reachable, drains right away. An empty
// archiveID gets a generated one. The entry is durable before this returns,
// whatever happens to the delivery.
func (e *Engine) RecordWorkout(ctx context.Context, archiveID string, record json.RawMessage) (*types.OutboxEntry, outbox.Report, error) {
	if err := e.cfg.RequireOwner(); err != nil {
		return nil, outbox.Report{}, err
	}
	entry, err := e.outbox.EnqueueArchiveWrite(ctx, e.cfg.OwnerID, archiveID, record)
	if err != nil {
		return nil, outbox.Report{}, fmt.Errorf("queueing workout: %w", err)
	}
	return entry, e.drain(ctx), nil
}

// CaptureMedia queues a memory photo or video for the archive entry and,
// when the remote is reachable, drains right away.
func (e *Engine) CaptureMedia(ctx context.Context, archiveID, fileName string, data []byte, kind string) (*types.OutboxEntry, outbox.Report, error) {
	if err := e.cfg.RequireOwner(); err != nil {
		return nil, outbox.Report{}, err
	}
	entry, err := e.outbox.EnqueueMediaUpload(ctx, e.cfg.OwnerID, archiveID, fileName, data, kind)
	if err != nil {
		return nil, outbox.Report{}, fmt.Errorf("queueing media: %w", err)
	}
	return entry, e.drain(ctx), nil
}

// SyncNow probes the remote once and drains the outbox if it answered.
func (e *Engine) SyncNow(ctx context.Context) (outbox.Report, error) {
	if err := e.cfg.RequireOwner(); err != nil {
		return outbox.Report{}, err
	}
	if !e.hasRemote {
		return outbox.Report{OwnerID: e.cfg.OwnerID, Skipped: true}, config.ErrRemoteMissing
	}
	e.Probe(ctx)
	return e.drain(ctx), nil
}

// Probe checks the remote once and reports whether it answered. Without a
// configured remote it reports false.
func (e *Engine) Probe(ctx context.Context) bool {
	if !e.hasRemote {
		return false
	}
	return e.prober.Probe(ctx)
}

// PendingWrites lists the configured owner's undelivered entries in drain
// order. With no owner configured it lists every entry.
func (e *Engine) PendingWrites(ctx context.Context) ([]*types.OutboxEntry, error) {
	return e.outbox.Pending(ctx, e.cfg.OwnerID)
}
