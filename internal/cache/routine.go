package cache

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// CacheRoutine stores routine and the exercises it references for offline
// use. Only exercises present in available are cached; the routine records
// exactly those ids. Missing clips are downloaded first, outside the store
// transaction, and a failed download only means that clip is not playable
// offline. A routine already pinned stays pinned. Exercises the previous
// version of the routine used and this one no longer does are released.
// Does nothing while offline mode is disabled.
func (m *Manager) CacheRoutine(ctx context.Context, ownerID string, routine *types.Routine, available []types.Exercise, pin bool) error {
	if routine == nil {
		return types.ErrInvalidData
	}
	if routine.ID == "" {
		return types.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	enabled, err := m.IsEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		m.logger.Debug("offline mode disabled, not caching", "routine", routine.ID)
		return nil
	}

	byID := make(map[string]types.Exercise, len(available))
	for _, ex := range available {
		byID[ex.ID] = ex
	}
	var exercises []types.Exercise
	for _, id := range routine.ExerciseIDs() {
		if ex, ok := byID[id]; ok {
			exercises = append(exercises, ex)
		}
	}

	blobs, err := m.fetchMissingMedia(ctx, exercises)
	if err != nil {
		return err
	}

	snapshot, err := json.Marshal(routine)
	if err != nil {
		return fmt.Errorf("encoding routine %s: %w", routine.ID, err)
	}

	now := m.now()
	cached := false
	err = m.store.Update(ctx, func(tx types.Tx) error {
		// Offline mode may have been switched off while media downloaded.
		if enabled, err := enabledIn(tx); err != nil || !enabled {
			return err
		}

		prev, err := tx.GetRoutine(routine.ID)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}

		exerciseIDs := make([]string, 0, len(exercises))
		for _, ex := range exercises {
			ce, err := tx.GetExercise(ex.ID)
			if errors.Is(err, types.ErrNotFound) {
				ce = &types.CachedExercise{ID: ex.ID}
			} else if err != nil {
				return err
			}
			ce.Snapshot = ex
			ce.AddRoutine(routine.ID)
			if err := tx.PutExercise(ce); err != nil {
				return err
			}
			exerciseIDs = append(exerciseIDs, ex.ID)
		}

		for _, blob := range blobs {
			if _, err := tx.BlobSize(blob.ExerciseID); err == nil {
				continue
			} else if !errors.Is(err, types.ErrNotFound) {
				return err
			}
			if err := tx.PutBlob(blob); err != nil {
				return err
			}
		}

		pinned := pin
		if prev != nil {
			pinned = pinned || prev.Pinned
			for _, id := range prev.ExerciseIDs {
				if slices.Contains(exerciseIDs, id) {
					continue
				}
				if err := releaseExercise(tx, id, routine.ID); err != nil {
					return err
				}
			}
		}

		size := int64(len(snapshot))
		for _, id := range exerciseIDs {
			n, err := tx.BlobSize(id)
			if err = ignoreNotFound(err); err != nil {
				return err
			}
			size += n
		}

		cr := &types.CachedRoutine{
			ID:          routine.ID,
			OwnerID:     ownerID,
			Snapshot:    *routine,
			ExerciseIDs: exerciseIDs,
			CachedAt:    now,
			RefreshedAt: now,
			SizeBytes:   size,
		}
		cr.SetPinned(pinned, now, m.ttl)
		if err := tx.PutRoutine(cr); err != nil {
			return err
		}
		cached = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("caching routine %s: %w", routine.ID, err)
	}
	if !cached {
		return nil
	}
	m.logger.Info("routine cached", "routine", routine.ID, "owner", ownerID, "exercises", len(exercises), "pinned", pin)

	if m.quota > 0 {
		if _, err := m.enforceQuota(ctx, routine.ID); err != nil {
			return err
		}
	}
	return nil
}

// UncacheRoutine removes a cached routine and releases its exercises.
// Exercises no other cached routine uses are deleted with their blobs.
// Does nothing if the routine is not cached.
func (m *Manager) UncacheRoutine(ctx context.Context, routineID string) error {
	if routineID == "" {
		return types.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed bool
	err := m.store.Update(ctx, func(tx types.Tx) error {
		var err error
		removed, err = uncache(tx, routineID)
		return err
	})
	if err != nil {
		return fmt.Errorf("uncaching routine %s: %w", routineID, err)
	}
	if removed {
		m.logger.Info("routine uncached", "routine", routineID)
	}
	return nil
}

// uncache deletes routineID and releases its exercises. It reports whether
// the routine was cached.
func uncache(tx types.Tx, routineID string) (bool, error) {
	r, err := tx.GetRoutine(routineID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, id := range r.ExerciseIDs {
		if err := releaseExercise(tx, id, routineID); err != nil {
			return false, err
		}
	}
	return true, tx.DeleteRoutine(routineID)
}

// releaseExercise drops routineID from the exercise's referrers and deletes
// the exercise and its blob once nothing refers to it.
func releaseExercise(tx types.Tx, exerciseID, routineID string) error {
	ce, err := tx.GetExercise(exerciseID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ce.RemoveRoutine(routineID) {
		return tx.PutExercise(ce)
	}
	if err := tx.DeleteBlob(exerciseID); err != nil {
		return err
	}
	return tx.DeleteExercise(exerciseID)
}

// PinRoutine pins or unpins a cached routine. Pinned routines never expire;
// unpinning starts a fresh TTL. Returns ErrNotFound if the routine is not cached.
func (m *Manager) PinRoutine(ctx context.Context, routineID string, pinned bool) error {
	if routineID == "" {
		return types.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Update(ctx, func(tx types.Tx) error {
		r, err := tx.GetRoutine(routineID)
		if err != nil {
			return err
		}
		r.SetPinned(pinned, m.now(), m.ttl)
		return tx.PutRoutine(r)
	})
	if err != nil {
		return fmt.Errorf("pinning routine %s: %w", routineID, err)
	}
	return nil
}

// RefreshRoutineExpiry restarts the TTL of a cached, unpinned routine. Pinned
// and uncached routines are left alone.
func (m *Manager) RefreshRoutineExpiry(ctx context.Context, routineID string) error {
	if routineID == "" {
		return types.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Update(ctx, func(tx types.Tx) error {
		r, err := tx.GetRoutine(routineID)
		if err != nil {
			return ignoreNotFound(err)
		}
		if r.Pinned {
			return nil
		}
		now := m.now()
		r.SetPinned(false, now, m.ttl)
		r.RefreshedAt = now
		return tx.PutRoutine(r)
	})
	if err != nil {
		return fmt.Errorf("refreshing routine %s: %w", routineID, err)
	}
	return nil
}

// GetCachedRoutine returns a cached routine or ErrNotFound.
func (m *Manager) GetCachedRoutine(ctx context.Context, routineID string) (*types.CachedRoutine, error) {
	var r *types.CachedRoutine
	err := m.store.View(ctx, func(tx types.Tx) error {
		var err error
		r, err = tx.GetRoutine(routineID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// IsRoutineCached reports whether routineID is cached.
func (m *Manager) IsRoutineCached(ctx context.Context, routineID string) (bool, error) {
	_, err := m.GetCachedRoutine(ctx, routineID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetAllCachedRoutines returns the owner's cached routines, most recently
// cached first.
func (m *Manager) GetAllCachedRoutines(ctx context.Context, ownerID string) ([]*types.CachedRoutine, error) {
	var routines []*types.CachedRoutine
	err := m.store.View(ctx, func(tx types.Tx) error {
		var err error
		routines, err = tx.ListRoutines(ownerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing cached routines: %w", err)
	}
	slices.SortFunc(routines, func(a, b *types.CachedRoutine) int {
		if c := b.CachedAt.Compare(a.CachedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return routines, nil
}
