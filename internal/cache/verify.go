package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// ErrInconsistent is wrapped by every problem Verify reports.
var ErrInconsistent = errors.New("cache is inconsistent")

// Verify checks the reference structure of the whole cache: each blob has
// its exercise, each exercise is referenced exactly by the cached routines
// that list it, pins and expiries agree, and nothing is cached while offline
// mode is off. All problems found are joined into the returned error.
func (m *Manager) Verify(ctx context.Context) error {
	var problems []error
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]any{ErrInconsistent}, args...)...))
	}

	err := m.store.View(ctx, func(tx types.Tx) error {
		settings, err := tx.GetSettings()
		if err != nil {
			return err
		}
		routines, err := tx.ListRoutines("")
		if err != nil {
			return err
		}
		exercises, err := tx.ListExercises()
		if err != nil {
			return err
		}
		blobIDs, err := tx.ListBlobIDs()
		if err != nil {
			return err
		}

		if !settings.Enabled && len(routines)+len(exercises)+len(blobIDs) > 0 {
			report("offline mode disabled with %d routines, %d exercises, %d blobs cached",
				len(routines), len(exercises), len(blobIDs))
		}

		byID := make(map[string]*types.CachedExercise, len(exercises))
		for _, e := range exercises {
			byID[e.ID] = e
		}
		for _, id := range blobIDs {
			if byID[id] == nil {
				report("blob %s has no exercise", id)
			}
		}

		// Expected referrers, derived from the routines.
		want := make(map[string][]string)
		for _, r := range routines {
			if r.Pinned && r.ExpiresAt != nil {
				report("routine %s is pinned but expires", r.ID)
			}
			if !r.Pinned && r.ExpiresAt == nil {
				report("routine %s is unpinned without expiry", r.ID)
			}
			for _, id := range r.ExerciseIDs {
				if byID[id] == nil {
					report("routine %s lists missing exercise %s", r.ID, id)
				}
				want[id] = append(want[id], r.ID)
			}
		}
		for _, e := range exercises {
			if len(e.RoutineIDs) == 0 {
				report("exercise %s is orphaned", e.ID)
				continue
			}
			got := slices.Sorted(slices.Values(e.RoutineIDs))
			expected := slices.Sorted(slices.Values(want[e.ID]))
			if !slices.Equal(got, expected) {
				report("exercise %s referenced by %v, want %v", e.ID, got, expected)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("verifying cache: %w", err)
	}
	return errors.Join(problems...)
}
