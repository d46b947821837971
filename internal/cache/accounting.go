package cache

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// GetTotalStorageUsed sums SizeBytes over the owner's cached routines. A clip
// shared by several routines is counted once per routine.
func (m *Manager) GetTotalStorageUsed(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := m.store.View(ctx, func(tx types.Tx) error {
		routines, err := tx.ListRoutines(ownerID)
		if err != nil {
			return err
		}
		for _, r := range routines {
			total += r.SizeBytes
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("summing storage: %w", err)
	}
	return total, nil
}

// GetRoutineStorageUsed returns the routine's SizeBytes, or zero if it is
// not cached.
func (m *Manager) GetRoutineStorageUsed(ctx context.Context, routineID string) (int64, error) {
	var size int64
	err := m.store.View(ctx, func(tx types.Tx) error {
		r, err := tx.GetRoutine(routineID)
		if err != nil {
			return ignoreNotFound(err)
		}
		size = r.SizeBytes
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing routine %s: %w", routineID, err)
	}
	return size, nil
}

// GetDistinctStorageUsed counts each routine snapshot plus each blob once,
// however many of the owner's routines share it.
func (m *Manager) GetDistinctStorageUsed(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := m.store.View(ctx, func(tx types.Tx) error {
		routines, err := tx.ListRoutines(ownerID)
		if err != nil {
			return err
		}
		total, err = distinctUsage(tx, routines)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("summing distinct storage: %w", err)
	}
	return total, nil
}

func distinctUsage(tx types.Tx, routines []*types.CachedRoutine) (int64, error) {
	var total int64
	seen := make(map[string]bool)
	for _, r := range routines {
		n, err := snapshotSize(r)
		if err != nil {
			return 0, err
		}
		total += n
		for _, id := range r.ExerciseIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			size, err := tx.BlobSize(id)
			if err = ignoreNotFound(err); err != nil {
				return 0, err
			}
			total += size
		}
	}
	return total, nil
}

func snapshotSize(r *types.CachedRoutine) (int64, error) {
	data, err := json.Marshal(r.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("encoding routine %s: %w", r.ID, err)
	}
	return int64(len(data)), nil
}

// enforceQuota evicts unpinned routines, least recently refreshed first,
// until distinct usage across all owners fits the quota. keepID is never
// evicted. Returns the evicted routine ids.
func (m *Manager) enforceQuota(ctx context.Context, keepID string) ([]string, error) {
	var evicted []string
	err := m.store.Update(ctx, func(tx types.Tx) error {
		routines, err := tx.ListRoutines("")
		if err != nil {
			return err
		}
		used, err := distinctUsage(tx, routines)
		if err != nil {
			return err
		}
		if used <= m.quota {
			return nil
		}

		candidates := slices.DeleteFunc(slices.Clone(routines), func(r *types.CachedRoutine) bool {
			return r.Pinned || r.ID == keepID
		})
		slices.SortFunc(candidates, func(a, b *types.CachedRoutine) int {
			if c := a.RefreshedAt.Compare(b.RefreshedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})

		for _, victim := range candidates {
			if used <= m.quota {
				break
			}
			if _, err := uncache(tx, victim.ID); err != nil {
				return err
			}
			evicted = append(evicted, victim.ID)
			routines = slices.DeleteFunc(routines, func(r *types.CachedRoutine) bool { return r.ID == victim.ID })
			if used, err = distinctUsage(tx, routines); err != nil {
				return err
			}
		}
		if used > m.quota {
			m.logger.Warn("cache over quota with nothing left to evict", "used", used, "quota", m.quota)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enforcing quota: %w", err)
	}
	for _, id := range evicted {
		m.logger.Warn("routine evicted over quota", "routine", id, "quota", m.quota)
	}
	return evicted, nil
}

// CleanupExpired uncaches every unpinned routine whose expiry has passed and
// records the sweep time. Returns the number of routines removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var removed []string
	err := m.store.Update(ctx, func(tx types.Tx) error {
		routines, err := tx.ListRoutines("")
		if err != nil {
			return err
		}
		for _, r := range routines {
			if !r.Expired(now) {
				continue
			}
			if _, err := uncache(tx, r.ID); err != nil {
				return err
			}
			removed = append(removed, r.ID)
		}
		s, err := tx.GetSettings()
		if err != nil {
			return err
		}
		s.LastCleanupAt = now
		return tx.PutSettings(s)
	})
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired routines: %w", err)
	}
	if len(removed) > 0 {
		m.logger.Info("expired routines removed", "count", len(removed), "routines", removed)
	}
	return len(removed), nil
}

// Stats summarizes the cache for status displays.
type Stats struct {
	Enabled       bool
	Routines      int
	Pinned        int
	Exercises     int
	Blobs         int
	TotalBytes    int64 // Sum of routine sizes; shared clips counted per routine.
	DistinctBytes int64
	LastCleanupAt time.Time
}

// Stats returns cache-wide counts across all owners.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := m.store.View(ctx, func(tx types.Tx) error {
		s, err := tx.GetSettings()
		if err != nil {
			return err
		}
		st.Enabled = s.Enabled
		st.LastCleanupAt = s.LastCleanupAt

		routines, err := tx.ListRoutines("")
		if err != nil {
			return err
		}
		st.Routines = len(routines)
		for _, r := range routines {
			st.TotalBytes += r.SizeBytes
			if r.Pinned {
				st.Pinned++
			}
		}
		if st.DistinctBytes, err = distinctUsage(tx, routines); err != nil {
			return err
		}

		exercises, err := tx.ListExercises()
		if err != nil {
			return err
		}
		st.Exercises = len(exercises)

		blobs, err := tx.ListBlobIDs()
		if err != nil {
			return err
		}
		st.Blobs = len(blobs)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reading cache stats: %w", err)
	}
	return st, nil
}
