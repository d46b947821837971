package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/satchel/internal/config"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

const owner = "alice"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRemote serves routines, exercises, and clips from memory.
type fakeRemote struct {
	mu          sync.Mutex
	routines    map[string]types.Routine
	exercises   map[string]types.Exercise
	clips       map[string][]byte
	down        bool
	failArchive bool
	archived    map[string]int // archive id -> deliveries
	uploaded    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		routines:  make(map[string]types.Routine),
		exercises: make(map[string]types.Exercise),
		clips:     make(map[string][]byte),
		archived:  make(map[string]int),
	}
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) GetRoutine(_ context.Context, id string) (*types.Routine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routines[id]
	if !ok || f.down {
		return nil, fmt.Errorf("routine %s: %w", id, types.ErrNotFound)
	}
	return &r, nil
}

func (f *fakeRemote) GetExercise(_ context.Context, id string) (*types.Exercise, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.exercises[id]
	if !ok || f.down {
		return nil, fmt.Errorf("exercise %s: %w", id, types.ErrNotFound)
	}
	return &e, nil
}

func (f *fakeRemote) ResolveStoragePath(_ context.Context, p string) (string, error) {
	return "https://cdn.example.com/" + p, nil
}

func (f *fakeRemote) FetchMedia(_ context.Context, u string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.clips[u]
	if !ok {
		return nil, "", errors.New("no clip")
	}
	return data, "video/mp4", nil
}

func (f *fakeRemote) CreateArchiveEntry(_ context.Context, _, archiveID string, _ json.RawMessage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || f.failArchive {
		return errors.New("remote unavailable")
	}
	f.archived[archiveID]++
	return nil
}

func (f *fakeRemote) UploadMedia(_ context.Context, destPath string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", errors.New("remote unavailable")
	}
	f.uploaded = append(f.uploaded, destPath)
	return "https://cdn.example.com/" + destPath, nil
}

func (f *fakeRemote) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("remote unavailable")
	}
	return nil
}

func (f *fakeRemote) deliveries(archiveID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archived[archiveID]
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Cache.MediaDir = t.TempDir()
	cfg.OwnerID = owner
	return cfg
}

func noSleep(context.Context, time.Duration) error { return nil }

func seededRemote() *fakeRemote {
	f := newFakeRemote()
	f.routines["r1"] = types.Routine{
		ID: "r1", OwnerID: owner, Name: "Morning",
		Blocks: []types.Block{
			{Type: types.BlockExercise, ExerciseID: "squat"},
			{Type: types.BlockLoop, Rounds: 3, Blocks: []types.Block{
				{Type: types.BlockExercise, ExerciseID: "plank"},
				{Type: types.BlockRest, DurationSec: 30},
				{Type: types.BlockExercise, ExerciseID: "lunge"},
			}},
		},
	}
	f.exercises["squat"] = types.Exercise{ID: "squat", Name: "Squat", MediaURL: "https://cdn.example.com/squat.mp4"}
	f.exercises["plank"] = types.Exercise{ID: "plank", Name: "Plank", MediaPath: "clips/plank.mp4"}
	f.clips["https://cdn.example.com/squat.mp4"] = []byte("squat-clip")
	f.clips["https://cdn.example.com/clips/plank.mp4"] = []byte("plank-clip-longer")
	return f
}

func openEngine(t *testing.T, cfg config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(cfg, append([]Option{WithSleep(noSleep)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCacheRoutineByID(t *testing.T) {
	ctx := context.Background()
	remote := seededRemote()
	e := openEngine(t, testConfig(t), WithRemote(remote))

	cached, err := e.CacheRoutineByID(ctx, "r1", false)
	require.NoError(t, err)
	assert.Nil(t, cached, "disabled cache stores nothing")
	ok, err := e.IsRoutineCached(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.SetEnabled(ctx, true))
	cached, err = e.CacheRoutineByID(ctx, "r1", true)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.Pinned)
	assert.Equal(t, owner, cached.OwnerID)
	// lunge is missing on the remote and is skipped.
	assert.ElementsMatch(t, []string{"squat", "plank"}, cached.ExerciseIDs)

	handle, err := e.GetCachedMediaURL(ctx, "plank")
	require.NoError(t, err)
	assert.Contains(t, handle, "file://")
	require.NoError(t, e.ReleaseMediaURL(handle))

	routines, err := e.GetAllCachedRoutines(ctx)
	require.NoError(t, err)
	require.Len(t, routines, 1)

	total, err := e.GetTotalStorageUsed(ctx)
	require.NoError(t, err)
	assert.Positive(t, total)
	assert.Equal(t, types.FormatBytes(total), e.FormatBytes(total))
	require.NoError(t, e.Verify(ctx))

	_, err = e.CacheRoutineByID(ctx, "missing", false)
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, e.UncacheRoutine(ctx, "r1"))
	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Routines)
	assert.Zero(t, st.Exercises)
	assert.Zero(t, st.Blobs)
}

func TestRecordWorkout_QueuesOfflineAndSyncs(t *testing.T) {
	ctx := context.Background()
	remote := seededRemote()
	e := openEngine(t, testConfig(t), WithRemote(remote))
	require.False(t, e.Online())

	entry, report, err := e.RecordWorkout(ctx, "", json.RawMessage(`{"routine":"r1","seconds":1260}`))
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	archive, err := entry.DecodeArchiveWrite()
	require.NoError(t, err)

	_, _, err = e.CaptureMedia(ctx, archive.ArchiveID, "after.jpg", []byte("jpeg"), types.MediaPhoto)
	require.NoError(t, err)

	pending, err := e.PendingWrites(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.OutboxArchiveWrite, pending[0].Kind)
	assert.Zero(t, remote.deliveries(archive.ArchiveID))

	report, err = e.SyncNow(ctx)
	require.NoError(t, err)
	assert.True(t, e.Online())
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, remote.deliveries(archive.ArchiveID))
	assert.Equal(t, []string{"memories/alice/" + archive.ArchiveID + "/after.jpg"}, remote.uploaded)

	pending, err = e.PendingWrites(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecordWorkout_RequiresOwner(t *testing.T) {
	cfg := testConfig(t)
	cfg.OwnerID = ""
	e := openEngine(t, cfg, WithRemote(seededRemote()))

	_, _, err := e.RecordWorkout(context.Background(), "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, config.ErrOwnerMissing)
	_, err = e.SyncNow(context.Background())
	assert.ErrorIs(t, err, config.ErrOwnerMissing)
}

func TestNoRemoteConfigured(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))
	require.NoError(t, e.SetEnabled(ctx, true))

	_, err := e.CacheRoutineByID(ctx, "r1", false)
	assert.ErrorIs(t, err, config.ErrRemoteMissing)

	_, report, err := e.RecordWorkout(ctx, "a1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	_, err = e.SyncNow(ctx)
	assert.ErrorIs(t, err, config.ErrRemoteMissing)
}

func TestStart_OnlineCleansUpAndDrains(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	remote := seededRemote()
	remote.down = true
	e := openEngine(t, testConfig(t), WithRemote(remote), WithClock(clock.Now))

	require.NoError(t, e.SetEnabled(ctx, true))
	remote.set(func(f *fakeRemote) { f.down = false })
	_, err := e.CacheRoutineByID(ctx, "r1", false)
	require.NoError(t, err)
	remote.set(func(f *fakeRemote) { f.down = true })

	_, _, err = e.RecordWorkout(ctx, "a1", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	clock.Advance(types.DefaultTTL + time.Hour)

	require.NoError(t, e.Start(ctx))
	assert.ErrorIs(t, e.Start(ctx), ErrStarted)

	// The sweep at start runs without the remote.
	require.Eventually(t, func() bool {
		ok, err := e.IsRoutineCached(ctx, "r1")
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, remote.deliveries("a1"))

	remote.set(func(f *fakeRemote) { f.down = false })
	e.prober.Probe(ctx)
	require.Eventually(t, func() bool { return remote.deliveries("a1") == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestStart_WakeDrainsOnSyncTagOnly(t *testing.T) {
	ctx := context.Background()
	remote := seededRemote()
	remote.failArchive = true
	e := openEngine(t, testConfig(t), WithRemote(remote))

	_, report, err := e.RecordWorkout(ctx, "a1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	// Coming online drains once; the failing remote uses up all attempts.
	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool {
		pending, err := e.PendingWrites(ctx)
		return err == nil && len(pending) == 1 && pending[0].Attempts == 3
	}, 2*time.Second, 10*time.Millisecond)
	remote.set(func(f *fakeRemote) { f.failArchive = false })

	e.Bridge().Wake("unrelated")
	assert.Never(t, func() bool { return remote.deliveries("a1") > 0 },
		150*time.Millisecond, 10*time.Millisecond)

	e.Bridge().Wake("satchel-sync")
	require.Eventually(t, func() bool { return remote.deliveries("a1") == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestClose(t *testing.T) {
	e, err := Open(testConfig(t), WithRemote(seededRemote()))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Start(context.Background()), types.ErrStoreDetached)
	_, err = e.IsEnabled(context.Background())
	assert.ErrorIs(t, err, types.ErrStoreDetached)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Backend = types.BackendBolt

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.SetEnabled(ctx, true))
	_, _, err = e.RecordWorkout(ctx, "a1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	enabled, err := e.IsEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
	pending, err := e.PendingWrites(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// TestHTTPRemote runs the engine against the HTTP client and a fake API.
func TestHTTPRemote(t *testing.T) {
	var (
		mu       sync.Mutex
		archived []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /routines/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "r1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(types.Routine{
			ID: "r1", OwnerID: owner, Name: "Evening",
			Blocks: []types.Block{{Type: types.BlockExercise, ExerciseID: "pushup"}},
		})
	})
	mux.HandleFunc("GET /exercises/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.Exercise{ID: r.PathValue("id"), Name: "Push-up", MediaURL: "/media/pushup.mp4"})
	})
	mux.HandleFunc("GET /media/pushup.mp4", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("pushup-clip"))
	})
	mux.HandleFunc("POST /users/{owner}/archive", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(body, &req)
		mu.Lock()
		archived = append(archived, r.PathValue("owner")+"/"+req.ID+"/"+r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Remote.BaseURL = srv.URL
	e := openEngine(t, cfg)
	require.NoError(t, e.SetEnabled(ctx, true))

	cached, err := e.CacheRoutineByID(ctx, "r1", false)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, []string{"pushup"}, cached.ExerciseIDs)
	used, err := e.GetRoutineStorageUsed(ctx, "r1")
	require.NoError(t, err)
	assert.Greater(t, used, int64(len("pushup-clip")))

	_, err = e.SyncNow(ctx)
	require.NoError(t, err)
	_, report, err := e.RecordWorkout(ctx, "a9", json.RawMessage(`{"done":true}`))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alice/a9/a9"}, archived)
}
