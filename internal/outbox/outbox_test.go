package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/satchel/internal/sqlite"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

const owner = "alice"

// fakeRemote fails each key a set number of times before succeeding and
// records every call.
type fakeRemote struct {
	mu        sync.Mutex
	failFirst map[string]int // key -> failures remaining
	failAll   bool
	calls     []string
	callTimes []time.Time
	delivered map[string]int // key -> successful deliveries
	clock     func() time.Time
	block     chan struct{}
	entered   chan struct{} // Signalled before waiting on block.
}

func newFakeRemote(clock func() time.Time) *fakeRemote {
	return &fakeRemote{failFirst: make(map[string]int), delivered: make(map[string]int), clock: clock}
}

func (f *fakeRemote) call(key string) error {
	if f.block != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	f.callTimes = append(f.callTimes, f.clock())
	if f.failAll {
		return errors.New("remote unavailable")
	}
	if f.failFirst[key] > 0 {
		f.failFirst[key]--
		return errors.New("remote unavailable")
	}
	f.delivered[key]++
	return nil
}

func (f *fakeRemote) CreateArchiveEntry(_ context.Context, ownerID, archiveID string, _ json.RawMessage, key string) error {
	if key != archiveID {
		return errors.New("idempotency key must be the archive id")
	}
	return f.call(key)
}

func (f *fakeRemote) UploadMedia(_ context.Context, destPath string, _ []byte, _ string) (string, error) {
	if err := f.call(destPath); err != nil {
		return "", err
	}
	return "https://storage.example.com/" + destPath, nil
}

func (f *fakeRemote) snapshot() ([]string, map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := make(map[string]int, len(f.delivered))
	for k, v := range f.delivered {
		delivered[k] = v
	}
	return append([]string(nil), f.calls...), delivered
}

// fakeClock advances only when the retry policy sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type fixture struct {
	q      *Queue
	store  types.Store
	remote *fakeRemote
	clock  *fakeClock
	online atomic.Bool
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := sqlite.NewBackend()
	require.NoError(t, store.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { store.Detach() })
	return newFixture(store)
}

func newFixture(store types.Store) *fixture {
	f := &fixture{store: store, clock: &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}}
	f.online.Store(true)
	f.remote = newFakeRemote(f.clock.Now)
	retry := DefaultRetry()
	retry.Sleep = f.clock.Sleep
	f.q = New(store, f.remote,
		WithRetry(retry),
		WithOnline(f.online.Load),
		WithClock(f.clock.Now),
	)
	return f
}

func (f *fixture) archive(t *testing.T, archiveID string) *types.OutboxEntry {
	t.Helper()
	e, err := f.q.EnqueueArchiveWrite(t.Context(), owner, archiveID, json.RawMessage(`{"routineId":"r1","durationSec":1800}`))
	require.NoError(t, err)
	return e
}

func (f *fixture) pending(t *testing.T) []*types.OutboxEntry {
	t.Helper()
	entries, err := f.q.Pending(t.Context(), owner)
	require.NoError(t, err)
	return entries
}

func TestEnqueueArchiveWrite(t *testing.T) {
	f := setup(t)
	ctx := t.Context()

	e := f.archive(t, "")
	assert.Equal(t, types.OutboxArchiveWrite, e.Kind)
	assert.Equal(t, owner, e.OwnerID)
	assert.True(t, e.CreatedAt.Equal(f.clock.Now()))

	w, err := e.DecodeArchiveWrite()
	require.NoError(t, err)
	assert.Len(t, w.ArchiveID, 36, "generated archive id is a UUID")
	assert.JSONEq(t, `{"routineId":"r1","durationSec":1800}`, string(w.Record))

	explicit := f.archive(t, "archive-7")
	w, err = explicit.DecodeArchiveWrite()
	require.NoError(t, err)
	assert.Equal(t, "archive-7", w.ArchiveID)

	_, err = f.q.EnqueueArchiveWrite(ctx, owner, "", json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, types.ErrInvalidData)
	_, err = f.q.EnqueueArchiveWrite(ctx, "", "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, types.ErrInvalidID)

	n, err := f.q.PendingCount(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnqueueMediaUpload(t *testing.T) {
	f := setup(t)
	ctx := t.Context()

	tests := []struct {
		name     string
		archive  string
		file     string
		kind     string
		wantType string
		wantErr  error
	}{
		{name: "photo", archive: "a1", file: "IMG_0001.jpg", kind: types.MediaPhoto, wantType: "image/jpeg"},
		{name: "video", archive: "a1", file: "clip.mp4", kind: types.MediaVideo, wantType: "video/mp4"},
		{name: "no extension", archive: "a1", file: "clip", kind: types.MediaVideo, wantType: "video/mp4"},
		{name: "no archive", file: "x.jpg", kind: types.MediaPhoto, wantErr: types.ErrInvalidData},
		{name: "no file", archive: "a1", kind: types.MediaPhoto, wantErr: types.ErrInvalidData},
		{name: "bad kind", archive: "a1", file: "x.gif", kind: "gif", wantErr: types.ErrInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := f.q.EnqueueMediaUpload(ctx, owner, tt.archive, tt.file, []byte("bytes"), tt.kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			m, err := e.DecodeMediaUpload()
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, m.ContentType)
			assert.Equal(t, []byte("bytes"), m.Data)
		})
	}
}

func TestDrain_FailTwiceThenSucceed(t *testing.T) {
	f := setup(t)
	e := f.archive(t, "a1")
	f.remote.failFirst["a1"] = 2

	report := f.q.Drain(t.Context(), owner)

	assert.Equal(t, Report{OwnerID: owner, Sent: 1}, report)
	calls, delivered := f.remote.snapshot()
	assert.Len(t, calls, 3)
	assert.Equal(t, 1, delivered["a1"], "exactly one remote effect")
	assert.Empty(t, f.pending(t))

	err := f.store.View(t.Context(), func(tx types.Tx) error {
		_, err := tx.GetOutbox(e.ID)
		return err
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDrain_ExhaustedEntryStaysInPlace(t *testing.T) {
	f := setup(t)
	f.archive(t, "a1")
	f.archive(t, "a2")
	f.remote.failFirst["a1"] = 3

	report := f.q.Drain(t.Context(), owner)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed, "a2 is delivered despite a1 failing")

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Attempts)
	assert.Equal(t, "remote unavailable", pending[0].LastError)

	// A new entry queues behind the failed one.
	f.archive(t, "a3")
	pending = f.pending(t)
	require.Len(t, pending, 2)
	w, err := pending[0].DecodeArchiveWrite()
	require.NoError(t, err)
	assert.Equal(t, "a1", w.ArchiveID, "failed entry keeps its place at the front")

	report = f.q.Drain(t.Context(), owner)
	assert.Equal(t, 2, report.Sent)
	assert.Empty(t, f.pending(t))

	calls, delivered := f.remote.snapshot()
	assert.Equal(t, []string{"a1", "a1", "a1", "a2", "a1", "a3"}, calls)
	assert.Equal(t, map[string]int{"a1": 1, "a2": 1, "a3": 1}, delivered)
}

func TestDrain_OfflineThenOnline(t *testing.T) {
	f := setup(t)
	f.archive(t, "a1")
	f.online.Store(false)

	report := f.q.Drain(t.Context(), owner)
	assert.True(t, report.Skipped)
	calls, _ := f.remote.snapshot()
	assert.Empty(t, calls)
	assert.Len(t, f.pending(t), 1, "entry retained while offline")

	f.online.Store(true)
	f.remote.failFirst["a1"] = 1
	report = f.q.Drain(t.Context(), owner)
	assert.Equal(t, 1, report.Sent)
	assert.Empty(t, f.pending(t))

	f.remote.mu.Lock()
	times := f.remote.callTimes
	f.remote.mu.Unlock()
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 2*time.Second)
}

func TestDrain_ArchivesBeforeMedia(t *testing.T) {
	f := setup(t)
	ctx := t.Context()

	_, err := f.q.EnqueueMediaUpload(ctx, owner, "a1", "photo.jpg", []byte("jpg"), types.MediaPhoto)
	require.NoError(t, err)
	f.archive(t, "a1")
	f.archive(t, "a2")
	_, err = f.q.EnqueueArchiveWrite(ctx, "bob", "b1", json.RawMessage(`{}`))
	require.NoError(t, err)

	report := f.q.Drain(ctx, owner)
	assert.Equal(t, 3, report.Sent)

	calls, _ := f.remote.snapshot()
	assert.Equal(t, []string{"a1", "a2", "memories/alice/a1/photo.jpg"}, calls)

	n, err := f.q.PendingCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "other owners' entries untouched")
}

func TestDrain_ConcurrentCallsDeliverOnce(t *testing.T) {
	f := setup(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		f.archive(t, id)
	}
	f.remote.block = make(chan struct{})

	var wg sync.WaitGroup
	reports := make([]Report, 8)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = f.q.Drain(context.Background(), owner)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.remote.block)
	wg.Wait()

	_, delivered := f.remote.snapshot()
	assert.Equal(t, map[string]int{"a1": 1, "a2": 1, "a3": 1}, delivered)
	assert.Empty(t, f.pending(t))

	sent := 0
	for _, r := range reports {
		if !r.Shared {
			sent += r.Sent
		}
	}
	assert.LessOrEqual(t, sent, 3)
}

func TestDrain_JoiningCallPicksUpNewEntries(t *testing.T) {
	f := setup(t)
	f.archive(t, "a0")
	f.remote.failFirst["a0"] = 100
	f.remote.block = make(chan struct{})
	f.remote.entered = make(chan struct{}, 1)

	first := make(chan Report, 1)
	go func() { first <- f.q.Drain(context.Background(), owner) }()
	<-f.remote.entered

	// a1 lands after the running drain listed the outbox.
	f.archive(t, "a1")
	second := make(chan Report, 1)
	go func() { second <- f.q.Drain(context.Background(), owner) }()
	time.Sleep(50 * time.Millisecond)
	close(f.remote.block)

	r1, r2 := <-first, <-second
	_, delivered := f.remote.snapshot()
	assert.Equal(t, map[string]int{"a1": 1}, delivered)
	assert.Equal(t, 1, r2.Sent, "the joining caller sees its entry sent")
	assert.Equal(t, 1, r1.Sent)

	calls, _ := f.remote.snapshot()
	a0 := 0
	for _, c := range calls {
		if c == "a0" {
			a0++
		}
	}
	assert.Equal(t, DefaultRetry().Attempts, a0, "a failed entry is not retried again in the same drain")

	pending := f.pending(t)
	require.Len(t, pending, 1)
	w, err := pending[0].DecodeArchiveWrite()
	require.NoError(t, err)
	assert.Equal(t, "a0", w.ArchiveID)
}

func TestDrain_CorruptEntryDoesNotBlockQueue(t *testing.T) {
	f := setup(t)
	ctx := t.Context()

	require.NoError(t, f.store.Update(ctx, func(tx types.Tx) error {
		return tx.AppendOutbox(&types.OutboxEntry{
			ID:        "00000000-0000-7000-8000-000000000000",
			Kind:      types.OutboxArchiveWrite,
			OwnerID:   owner,
			Payload:   json.RawMessage(`"not an object"`),
			CreatedAt: f.clock.Now().Add(-time.Hour),
		})
	}))
	f.archive(t, "a1")

	report := f.q.Drain(ctx, owner)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, f.pending(t), 1)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := types.Config{Backend: types.BackendSQLite, DataDir: dir}

	store := sqlite.NewBackend()
	require.NoError(t, store.Attach(cfg))
	f := newFixture(store)
	f.archive(t, "a1")
	_, err := f.q.EnqueueMediaUpload(t.Context(), owner, "a1", "clip.mp4", []byte("mp4"), types.MediaVideo)
	require.NoError(t, err)
	require.NoError(t, store.Detach())

	reopened := sqlite.NewBackend()
	require.NoError(t, reopened.Attach(cfg))
	t.Cleanup(func() { reopened.Detach() })
	f = newFixture(reopened)

	require.Len(t, f.pending(t), 2)
	report := f.q.Drain(t.Context(), owner)
	assert.Equal(t, 2, report.Sent)
	assert.Empty(t, f.pending(t))
}
