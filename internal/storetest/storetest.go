// Package storetest holds the behavioural suite every types.Store backend
// must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// Factory returns a fresh, unattached backend.
type Factory func() types.Store

// Run exercises backend against the shared contract. backend names the
// Config.Backend value the factory's stores accept.
func Run(t *testing.T, backend string, newStore Factory) {
	t.Helper()

	open := func(t *testing.T, dir string) types.Store {
		t.Helper()
		s := newStore()
		require.NoError(t, s.Attach(types.Config{Backend: backend, DataDir: dir}))
		return s
	}
	setup := func(t *testing.T) types.Store {
		t.Helper()
		s := open(t, t.TempDir())
		t.Cleanup(func() { s.Detach() })
		return s
	}

	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, backend, newStore) })
	t.Run("Routines", func(t *testing.T) { testRoutines(t, setup(t)) })
	t.Run("Exercises", func(t *testing.T) { testExercises(t, setup(t)) })
	t.Run("Blobs", func(t *testing.T) { testBlobs(t, setup(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, setup(t)) })
	t.Run("PurgeCache", func(t *testing.T) { testPurgeCache(t, setup(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, setup(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, setup(t)) })
	t.Run("Persistence", func(t *testing.T) { testPersistence(t, open) })
}

var ctx = context.Background()

// base is a fixed UTC instant; backends may return another location, so
// times are compared with Equal.
var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testLifecycle(t *testing.T, backend string, newStore Factory) {
	s := newStore()
	dir := t.TempDir()
	cfg := types.Config{Backend: backend, DataDir: dir}

	err := s.View(ctx, func(types.Tx) error { return nil })
	assert.ErrorIs(t, err, types.ErrStoreDetached, "view before attach")

	require.NoError(t, s.Attach(cfg))
	assert.ErrorIs(t, s.Attach(cfg), types.ErrAlreadyAttached)

	require.NoError(t, s.Detach())
	require.NoError(t, s.Detach(), "detach is idempotent")

	err = s.Update(ctx, func(types.Tx) error { return nil })
	assert.ErrorIs(t, err, types.ErrStoreDetached, "update after detach")

	assert.Error(t, newStore().Attach(types.Config{DataDir: dir}), "empty backend")
}

func sampleRoutine(id, owner string, exerciseIDs ...string) *types.CachedRoutine {
	var blocks []types.Block
	for _, ex := range exerciseIDs {
		blocks = append(blocks, types.Block{Type: types.BlockExercise, ExerciseID: ex, Reps: 10})
	}
	exp := base.Add(types.DefaultTTL)
	return &types.CachedRoutine{
		ID:          id,
		OwnerID:     owner,
		Snapshot:    types.Routine{ID: id, OwnerID: owner, Name: "routine " + id, Blocks: blocks},
		ExerciseIDs: exerciseIDs,
		CachedAt:    base,
		RefreshedAt: base,
		ExpiresAt:   &exp,
		SizeBytes:   128,
	}
}

func testRoutines(t *testing.T, s types.Store) {
	r1 := sampleRoutine("r1", "alice", "e1", "e2")
	r2 := sampleRoutine("r2", "alice", "e2")
	r3 := sampleRoutine("r3", "bob")
	r3.SetPinned(true, base, types.DefaultTTL)

	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		for _, r := range []*types.CachedRoutine{r1, r2, r3} {
			if err := tx.PutRoutine(r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		got, err := tx.GetRoutine("r1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, []string{"e1", "e2"}, got.ExerciseIDs)
		assert.Equal(t, "routine r1", got.Snapshot.Name)
		assert.Len(t, got.Snapshot.Blocks, 2)
		assert.True(t, got.CachedAt.Equal(base))
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(base.Add(types.DefaultTTL)))
		assert.False(t, got.Pinned)
		assert.Equal(t, int64(128), got.SizeBytes)

		pinned, err := tx.GetRoutine("r3")
		require.NoError(t, err)
		assert.True(t, pinned.Pinned)
		assert.Nil(t, pinned.ExpiresAt)
		assert.Empty(t, pinned.ExerciseIDs)

		_, err = tx.GetRoutine("missing")
		assert.ErrorIs(t, err, types.ErrNotFound)
		_, err = tx.GetRoutine("")
		assert.ErrorIs(t, err, types.ErrInvalidID)

		alice, err := tx.ListRoutines("alice")
		require.NoError(t, err)
		assert.Len(t, alice, 2)

		all, err := tx.ListRoutines("")
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	}))

	// Overwrite, then delete.
	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		r1.SizeBytes = 512
		r1.ExerciseIDs = []string{"e1"}
		require.NoError(t, tx.PutRoutine(r1))
		require.NoError(t, tx.DeleteRoutine("r2"))
		require.NoError(t, tx.DeleteRoutine("r2"), "deleting a missing routine")
		assert.ErrorIs(t, tx.PutRoutine(&types.CachedRoutine{}), types.ErrInvalidID)
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		got, err := tx.GetRoutine("r1")
		require.NoError(t, err)
		assert.Equal(t, int64(512), got.SizeBytes)
		assert.Equal(t, []string{"e1"}, got.ExerciseIDs)

		_, err = tx.GetRoutine("r2")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	}))
}

func testExercises(t *testing.T, s types.Store) {
	e1 := &types.CachedExercise{
		ID:         "e1",
		Snapshot:   types.Exercise{ID: "e1", Name: "Squat", MediaPath: "clips/squat.mp4"},
		RoutineIDs: []string{"r1", "r2"},
	}
	e2 := &types.CachedExercise{ID: "e2", Snapshot: types.Exercise{ID: "e2", Name: "Plank"}, RoutineIDs: []string{"r2"}}

	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		require.NoError(t, tx.PutExercise(e1))
		return tx.PutExercise(e2)
	}))

	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		got, err := tx.GetExercise("e1")
		require.NoError(t, err)
		assert.Equal(t, "Squat", got.Snapshot.Name)
		assert.Equal(t, "clips/squat.mp4", got.Snapshot.MediaPath)
		assert.Equal(t, []string{"r1", "r2"}, got.RoutineIDs)

		all, err := tx.ListExercises()
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		return tx.DeleteExercise("e2")
	}))
	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		_, err := tx.GetExercise("e2")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	}))
}

func testBlobs(t *testing.T, s types.Store) {
	data := []byte("not really an mp4")
	blob := &types.CachedMediaBlob{
		ExerciseID:  "e1",
		SourceURL:   "https://cdn.example.com/squat.mp4",
		ContentType: "video/mp4",
		Data:        data,
		SizeBytes:   int64(len(data)),
		CachedAt:    base,
	}

	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		require.NoError(t, tx.PutBlob(blob))
		return tx.PutBlob(&types.CachedMediaBlob{ExerciseID: "e2", SourceURL: "u", Data: []byte{1, 2, 3}, SizeBytes: 3, CachedAt: base})
	}))

	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		got, err := tx.GetBlob("e1")
		require.NoError(t, err)
		assert.Equal(t, data, got.Data)
		assert.Equal(t, "video/mp4", got.ContentType)
		assert.Equal(t, blob.SourceURL, got.SourceURL)
		assert.True(t, got.CachedAt.Equal(base))

		size, err := tx.BlobSize("e2")
		require.NoError(t, err)
		assert.Equal(t, int64(3), size)

		_, err = tx.BlobSize("missing")
		assert.ErrorIs(t, err, types.ErrNotFound)

		ids, err := tx.ListBlobIDs()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"e1", "e2"}, ids)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx types.Tx) error { return tx.DeleteBlob("e1") }))
	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		_, err := tx.GetBlob("e1")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	}))
}

func testSettings(t *testing.T, s types.Store) {
	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		got, err := tx.GetSettings()
		require.NoError(t, err)
		assert.False(t, got.Enabled, "caching starts disabled")
		assert.True(t, got.LastCleanupAt.IsZero())
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		return tx.PutSettings(&types.OfflineSettings{Enabled: true, LastCleanupAt: base})
	}))

	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		got, err := tx.GetSettings()
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.True(t, got.LastCleanupAt.Equal(base))
		return nil
	}))
}

func testPurgeCache(t *testing.T, s types.Store) {
	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		require.NoError(t, tx.PutSettings(&types.OfflineSettings{Enabled: true}))
		require.NoError(t, tx.PutRoutine(sampleRoutine("r1", "alice", "e1")))
		require.NoError(t, tx.PutExercise(&types.CachedExercise{ID: "e1", RoutineIDs: []string{"r1"}}))
		require.NoError(t, tx.PutBlob(&types.CachedMediaBlob{ExerciseID: "e1", Data: []byte("x"), SizeBytes: 1, CachedAt: base}))
		return tx.AppendOutbox(outboxEntry("o1", "alice", types.OutboxArchiveWrite, base))
	}))

	require.NoError(t, s.Update(ctx, func(tx types.Tx) error { return tx.PurgeCache() }))

	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		routines, err := tx.ListRoutines("")
		require.NoError(t, err)
		assert.Empty(t, routines)
		exercises, err := tx.ListExercises()
		require.NoError(t, err)
		assert.Empty(t, exercises)
		blobs, err := tx.ListBlobIDs()
		require.NoError(t, err)
		assert.Empty(t, blobs)

		settings, err := tx.GetSettings()
		require.NoError(t, err)
		assert.True(t, settings.Enabled, "settings survive a purge")
		pending, err := tx.ListOutbox("alice", "")
		require.NoError(t, err)
		assert.Len(t, pending, 1, "outbox survives a purge")
		return nil
	}))
}

func outboxEntry(id, owner, kind string, createdAt time.Time) *types.OutboxEntry {
	payload, _ := json.Marshal(map[string]string{"archiveId": "a-" + id})
	return &types.OutboxEntry{
		ID:        id,
		Kind:      kind,
		OwnerID:   owner,
		Payload:   payload,
		CreatedAt: createdAt,
	}
}

func testOutbox(t *testing.T, s types.Store) {
	// Appended out of id order to check ordering follows creation time.
	entries := []*types.OutboxEntry{
		outboxEntry("b", "alice", types.OutboxArchiveWrite, base),
		outboxEntry("a", "alice", types.OutboxArchiveWrite, base.Add(time.Second)),
		outboxEntry("c", "alice", types.OutboxMediaUpload, base.Add(2*time.Second)),
		outboxEntry("d", "bob", types.OutboxArchiveWrite, base.Add(3*time.Second)),
	}
	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		for _, e := range entries {
			if err := tx.AppendOutbox(e); err != nil {
				return err
			}
		}
		return nil
	}))

	ids := func(es []*types.OutboxEntry) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}

	tests := []struct {
		name  string
		owner string
		kind  string
		want  []string
	}{
		{name: "archive queue", owner: "alice", kind: types.OutboxArchiveWrite, want: []string{"b", "a"}},
		{name: "media queue", owner: "alice", kind: types.OutboxMediaUpload, want: []string{"c"}},
		{name: "every kind", owner: "alice", want: []string{"b", "a", "c"}},
		{name: "other owner", owner: "bob", kind: types.OutboxArchiveWrite, want: []string{"d"}},
		{name: "every owner", want: []string{"b", "a", "c", "d"}},
		{name: "unknown owner", owner: "carol", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.View(ctx, func(tx types.Tx) error {
				got, err := tx.ListOutbox(tt.owner, tt.kind)
				require.NoError(t, err)
				assert.Equal(t, tt.want, ids(got))
				return nil
			}))
		})
	}

	// Recording a failed attempt keeps the entry at the head of its queue.
	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		e, err := tx.GetOutbox("b")
		require.NoError(t, err)
		assert.JSONEq(t, `{"archiveId":"a-b"}`, string(e.Payload))
		e.Attempts = 3
		e.LastError = "remote unavailable"
		require.NoError(t, tx.PutOutbox(e))

		assert.ErrorIs(t, tx.PutOutbox(outboxEntry("zz", "alice", types.OutboxArchiveWrite, base)), types.ErrNotFound)
		assert.ErrorIs(t, tx.AppendOutbox(&types.OutboxEntry{ID: "x", Kind: types.OutboxArchiveWrite}), types.ErrInvalidData)
		assert.Error(t, tx.AppendOutbox(outboxEntry("a", "alice", types.OutboxArchiveWrite, base)), "duplicate id")
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		got, err := tx.ListOutbox("alice", types.OutboxArchiveWrite)
		require.NoError(t, err)
		require.Equal(t, []string{"b", "a"}, ids(got))
		assert.Equal(t, 3, got[0].Attempts)
		assert.Equal(t, "remote unavailable", got[0].LastError)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx types.Tx) error { return tx.DeleteOutbox("b") }))
	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		_, err := tx.GetOutbox("b")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	}))
}

func testRollback(t *testing.T, s types.Store) {
	err := s.Update(ctx, func(tx types.Tx) error {
		require.NoError(t, tx.PutRoutine(sampleRoutine("r1", "alice")))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	require.NoError(t, s.View(ctx, func(tx types.Tx) error {
		_, err := tx.GetRoutine("r1")
		assert.ErrorIs(t, err, types.ErrNotFound, "failed update must not commit")
		return nil
	}))
}

func testPersistence(t *testing.T, open func(t *testing.T, dir string) types.Store) {
	dir := t.TempDir()

	s := open(t, dir)
	require.NoError(t, s.Update(ctx, func(tx types.Tx) error {
		require.NoError(t, tx.PutSettings(&types.OfflineSettings{Enabled: true}))
		require.NoError(t, tx.PutRoutine(sampleRoutine("r1", "alice", "e1")))
		return tx.AppendOutbox(outboxEntry("o1", "alice", types.OutboxMediaUpload, base))
	}))
	require.NoError(t, s.Detach())

	reopened := open(t, dir)
	defer reopened.Detach()
	require.NoError(t, reopened.View(ctx, func(tx types.Tx) error {
		settings, err := tx.GetSettings()
		require.NoError(t, err)
		assert.True(t, settings.Enabled)

		_, err = tx.GetRoutine("r1")
		assert.NoError(t, err)

		pending, err := tx.ListOutbox("alice", types.OutboxMediaUpload)
		require.NoError(t, err)
		assert.Len(t, pending, 1, "pending writes survive a restart")
		return nil
	}))
}
