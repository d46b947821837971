package outbox

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// Report summarizes one drain pass.
type Report struct {
	OwnerID string
	Skipped bool // Offline; nothing attempted.
	Sent    int
	Failed  int  // Entries left queued after exhausting retries.
	Shared  bool // Joined a drain already running for the owner.
}

// Drain delivers the owner's pending writes, archive entries first, then
// media, each queue oldest first. Every entry gets up to Retry.Attempts
// tries; delivered entries are deleted and failed ones stay where they are
// for the next drain. One entry failing does not stop the pass. Drain never
// returns an error: problems are logged and counted.
//
// Overlapping calls for the same owner share a single drain. A call that
// joins a running drain makes it list the outbox again before finishing,
// so entries appended in the meantime go out with it.
func (q *Queue) Drain(ctx context.Context, ownerID string) Report {
	if !q.online() {
		q.logger.Debug("offline, drain skipped", "owner", ownerID)
		return Report{OwnerID: ownerID, Skipped: true}
	}
	q.mu.Lock()
	q.rerun[ownerID] = true
	q.mu.Unlock()

	v, _, shared := q.drains.Do(ownerID, func() (any, error) {
		return q.drainUntilSettled(ctx, ownerID), nil
	})
	report := v.(Report)
	report.Shared = shared
	return report
}

// drainUntilSettled runs passes while callers keep asking for one. The
// flight is forgotten under q.mu once no request is outstanding, so a later
// caller either triggers another pass here or starts a fresh flight.
func (q *Queue) drainUntilSettled(ctx context.Context, ownerID string) Report {
	report := Report{OwnerID: ownerID}
	attempted := make(map[string]bool)
	for {
		q.mu.Lock()
		if !q.rerun[ownerID] || ctx.Err() != nil {
			delete(q.rerun, ownerID)
			q.drains.Forget(ownerID)
			q.mu.Unlock()
			break
		}
		q.rerun[ownerID] = false
		q.mu.Unlock()

		q.drain(ctx, ownerID, attempted, &report)
	}
	if report.Sent > 0 || report.Failed > 0 {
		q.logger.Info("outbox drained", "owner", ownerID, "sent", report.Sent, "failed", report.Failed)
	}
	return report
}

// drain makes one pass over the owner's outbox, skipping entries this
// drain already attempted.
func (q *Queue) drain(ctx context.Context, ownerID string, attempted map[string]bool, report *Report) {
	for _, kind := range types.OutboxKinds {
		var entries []*types.OutboxEntry
		err := q.store.View(ctx, func(tx types.Tx) error {
			var err error
			entries, err = tx.ListOutbox(ownerID, kind)
			return err
		})
		if err != nil {
			q.logger.Error("loading outbox failed", "owner", ownerID, "kind", kind, "error", err)
			continue
		}

		for _, entry := range entries {
			if attempted[entry.ID] {
				continue
			}
			if ctx.Err() != nil {
				q.logger.Warn("drain interrupted", "owner", ownerID, "error", ctx.Err())
				return
			}
			attempted[entry.ID] = true
			if q.deliver(ctx, entry) {
				report.Sent++
			} else {
				report.Failed++
			}
		}
	}
}

// deliver sends one entry with retries and records the outcome.
func (q *Queue) deliver(ctx context.Context, entry *types.OutboxEntry) bool {
	attempts, err := q.retry.Do(ctx, func(ctx context.Context) error {
		return q.send(ctx, entry)
	})
	// Bookkeeping must land even if the caller gave up mid-call.
	local := context.WithoutCancel(ctx)
	if err == nil {
		if err := q.store.Update(local, func(tx types.Tx) error { return tx.DeleteOutbox(entry.ID) }); err != nil {
			// The write reached the remote; a replay is absorbed by its idempotency key.
			q.logger.Error("removing delivered entry failed", "entry", entry.ID, "error", err)
		}
		return true
	}

	entry.Attempts += attempts
	entry.LastError = err.Error()
	q.logger.Error("outbox entry not delivered, will retry on next drain",
		"entry", entry.ID, "kind", entry.Kind, "owner", entry.OwnerID,
		"attempts", entry.Attempts, "error", err)
	if uerr := q.store.Update(local, func(tx types.Tx) error { return tx.PutOutbox(entry) }); uerr != nil {
		q.logger.Error("recording failed attempt failed", "entry", entry.ID, "error", uerr)
	}
	return false
}

func (q *Queue) send(ctx context.Context, entry *types.OutboxEntry) error {
	switch entry.Kind {
	case types.OutboxArchiveWrite:
		w, err := entry.DecodeArchiveWrite()
		if err != nil {
			return err
		}
		return q.remote.CreateArchiveEntry(ctx, entry.OwnerID, w.ArchiveID, w.Record, w.ArchiveID)
	case types.OutboxMediaUpload:
		m, err := entry.DecodeMediaUpload()
		if err != nil {
			return err
		}
		url, err := q.remote.UploadMedia(ctx, m.DestinationPath(entry.OwnerID), m.Data, m.ContentType)
		if err != nil {
			return err
		}
		q.logger.Info("memory media uploaded", "archive", m.ArchiveID, "url", url)
		return nil
	default:
		return fmt.Errorf("entry %s has unknown kind %q: %w", entry.ID, entry.Kind, types.ErrInvalidData)
	}
}
