package cache

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// TestRefCount_RandomSequences caches, re-caches, uncaches, pins, and sweeps
// random routines over a small shared exercise pool and checks after every
// step that each exercise is referenced by exactly the routines listing it.
func TestRefCount_RandomSequences(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			f := setup(t)
			ctx := t.Context()
			rng := rand.New(rand.NewPCG(seed, seed*7919))

			pool := make([]types.Exercise, 6)
			for i := range pool {
				url := fmt.Sprintf("u%d", i)
				if i%2 == 0 {
					f.media.add(url, 100*(i+1))
				}
				pool[i] = exercise(fmt.Sprintf("e%d", i), url)
			}
			routineIDs := []string{"r0", "r1", "r2", "r3"}

			for step := range 60 {
				id := routineIDs[rng.IntN(len(routineIDs))]
				switch op := rng.IntN(10); {
				case op < 5:
					var refs []string
					for _, ex := range pool {
						if rng.IntN(2) == 0 {
							refs = append(refs, ex.ID)
						}
					}
					// Sometimes an exercise is referenced but not available.
					available := slices.DeleteFunc(slices.Clone(pool), func(types.Exercise) bool { return rng.IntN(5) == 0 })
					require.NoError(t, f.m.CacheRoutine(ctx, owner, routine(id, refs...), available, rng.IntN(3) == 0))
				case op < 8:
					require.NoError(t, f.m.UncacheRoutine(ctx, id))
				case op < 9:
					err := f.m.PinRoutine(ctx, id, rng.IntN(2) == 0)
					if err != nil {
						assert.ErrorIs(t, err, types.ErrNotFound)
					}
				default:
					f.clock.Advance(types.DefaultTTL / 2)
					_, err := f.m.CleanupExpired(ctx)
					require.NoError(t, err)
				}
				require.NoError(t, f.m.Verify(ctx), "step %d", step)
			}
		})
	}
}

func TestVerify_ReportsBrokenReferences(t *testing.T) {
	f := setup(t)
	ctx := t.Context()
	f.media.add("u1", 10)
	f.cache(t, routine("r1", "e1"), false, exercise("e1", "u1"))
	require.NoError(t, f.m.Verify(ctx))

	// Corrupt the store behind the manager's back.
	require.NoError(t, f.store.Update(ctx, func(tx types.Tx) error {
		if err := tx.DeleteExercise("e1"); err != nil {
			return err
		}
		return tx.PutExercise(&types.CachedExercise{ID: "e2"})
	}))

	err := f.m.Verify(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.Contains(t, err.Error(), "blob e1 has no exercise")
	assert.Contains(t, err.Error(), "exercise e2 is orphaned")
	assert.Contains(t, err.Error(), "routine r1 lists missing exercise e1")
}
