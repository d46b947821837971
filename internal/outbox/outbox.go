// Package outbox is the durable write-behind queue. Remote writes made on the
// client (completed-workout archive entries, captured memory media) are
// appended locally and delivered by Drain once the remote is reachable. An
// entry is removed only after its remote call succeeds.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/satchel/internal/logging"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

// Remote is what Drain delivers to.
type Remote interface {
	types.ArchiveWriter
	types.MediaUploader
}

// Queue appends entries to the store and drains them to the remote.
type Queue struct {
	store  types.Store
	remote Remote
	online func() bool
	retry  Retry
	now    func() time.Time
	logger *slog.Logger

	drains singleflight.Group
	mu     sync.Mutex
	rerun  map[string]bool // Owners with a drain request not yet served by a pass.
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetry replaces the retry policy.
func WithRetry(r Retry) Option {
	return func(q *Queue) { q.retry = r }
}

// WithOnline sets the reachability check Drain consults. The default
// assumes the remote is always reachable.
func WithOnline(online func() bool) Option {
	return func(q *Queue) { q.online = online }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New returns a Queue over an attached store.
func New(store types.Store, remote Remote, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		remote: remote,
		online: func() bool { return true },
		retry:  DefaultRetry(),
		now:    time.Now,
		logger: logging.Discard(),
		rerun:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueArchiveWrite appends a completed-workout record for ownerID. An
// empty archiveID is replaced with a new UUID v7; the id is sent as the
// remote idempotency key.
func (q *Queue) EnqueueArchiveWrite(ctx context.Context, ownerID, archiveID string, record json.RawMessage) (*types.OutboxEntry, error) {
	if !json.Valid(record) {
		return nil, fmt.Errorf("archive record is not JSON: %w", types.ErrInvalidData)
	}
	if archiveID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating archive id: %w", err)
		}
		archiveID = id.String()
	}
	return q.append(ctx, ownerID, types.OutboxArchiveWrite, types.ArchiveWrite{
		ArchiveID: archiveID,
		Record:    record,
	})
}

// EnqueueMediaUpload appends a memory photo or video attached to archiveID.
func (q *Queue) EnqueueMediaUpload(ctx context.Context, ownerID, archiveID, fileName string, data []byte, kind string) (*types.OutboxEntry, error) {
	if archiveID == "" || path.Base(fileName) == "." || path.Base(fileName) == "/" {
		return nil, fmt.Errorf("media upload needs an archive id and file name: %w", types.ErrInvalidData)
	}
	if kind != types.MediaPhoto && kind != types.MediaVideo {
		return nil, fmt.Errorf("unknown media kind %q: %w", kind, types.ErrInvalidData)
	}
	return q.append(ctx, ownerID, types.OutboxMediaUpload, types.MediaUpload{
		ArchiveID:   archiveID,
		FileName:    fileName,
		Kind:        kind,
		ContentType: contentType(fileName, kind),
		Data:        data,
	})
}

func (q *Queue) append(ctx context.Context, ownerID, kind string, payload any) (*types.OutboxEntry, error) {
	if ownerID == "" {
		return nil, types.ErrInvalidID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating UUID v7: %w", err)
	}
	entry := &types.OutboxEntry{
		ID:        id.String(),
		Kind:      kind,
		OwnerID:   ownerID,
		Payload:   data,
		CreatedAt: q.now(),
	}
	if err := q.store.Update(ctx, func(tx types.Tx) error { return tx.AppendOutbox(entry) }); err != nil {
		return nil, fmt.Errorf("enqueueing %s: %w", kind, err)
	}
	q.logger.Debug("outbox entry enqueued", "entry", entry.ID, "kind", kind, "owner", ownerID)
	return entry, nil
}

// Pending returns the owner's entries in drain order: archive writes, then
// media uploads, each oldest first.
func (q *Queue) Pending(ctx context.Context, ownerID string) ([]*types.OutboxEntry, error) {
	var entries []*types.OutboxEntry
	err := q.store.View(ctx, func(tx types.Tx) error {
		for _, kind := range types.OutboxKinds {
			batch, err := tx.ListOutbox(ownerID, kind)
			if err != nil {
				return err
			}
			entries = append(entries, batch...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending writes: %w", err)
	}
	return entries, nil
}

// PendingCount returns how many of the owner's writes await delivery.
func (q *Queue) PendingCount(ctx context.Context, ownerID string) (int, error) {
	entries, err := q.Pending(ctx, ownerID)
	return len(entries), err
}

func contentType(fileName, kind string) string {
	if ct := mime.TypeByExtension(path.Ext(fileName)); ct != "" {
		return ct
	}
	if kind == types.MediaPhoto {
		return "image/jpeg"
	}
	return "video/mp4"
}
