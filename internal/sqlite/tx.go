package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// Compile-time interface check.
var _ types.Tx = (*tx)(nil)

// tx implements types.Tx over a single *sql.Tx. Each method hydrates or
// dehydrates between rows and the types structs.
type tx struct {
	tx *sql.Tx
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const routineColumns = "routine_id, owner_id, snapshot, exercise_ids, cached_at, refreshed_at, expires_at, pinned, size_bytes"

func (t *tx) GetRoutine(id string) (*types.CachedRoutine, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	row := t.tx.QueryRow("SELECT "+routineColumns+" FROM routines WHERE routine_id = ?", id)
	r, err := hydrateRoutine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting routine %s: %w", id, err)
	}
	return r, nil
}

func (t *tx) PutRoutine(r *types.CachedRoutine) error {
	if r == nil {
		return types.ErrInvalidData
	}
	if r.ID == "" {
		return types.ErrInvalidID
	}
	snapshot, err := json.Marshal(r.Snapshot)
	if err != nil {
		return fmt.Errorf("encoding routine snapshot: %w", err)
	}
	exerciseIDs, err := json.Marshal(nonNil(r.ExerciseIDs))
	if err != nil {
		return fmt.Errorf("encoding exercise ids: %w", err)
	}
	_, err = t.tx.Exec(
		`INSERT INTO routines (`+routineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(routine_id) DO UPDATE SET
    owner_id = excluded.owner_id,
    snapshot = excluded.snapshot,
    exercise_ids = excluded.exercise_ids,
    cached_at = excluded.cached_at,
    refreshed_at = excluded.refreshed_at,
    expires_at = excluded.expires_at,
    pinned = excluded.pinned,
    size_bytes = excluded.size_bytes`,
		r.ID, r.OwnerID, string(snapshot), string(exerciseIDs),
		formatTime(r.CachedAt), formatTime(r.RefreshedAt), nullTime(r.ExpiresAt),
		boolInt(r.Pinned), r.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("persisting routine %s: %w", r.ID, err)
	}
	return nil
}

func (t *tx) DeleteRoutine(id string) error {
	return t.deleteByID("routines", "routine_id", id)
}

func (t *tx) ListRoutines(ownerID string) ([]*types.CachedRoutine, error) {
	query := "SELECT " + routineColumns + " FROM routines"
	var args []any
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing routines: %w", err)
	}
	defer rows.Close()

	var out []*types.CachedRoutine
	for rows.Next() {
		r, err := hydrateRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning routine: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func hydrateRoutine(row rowScanner) (*types.CachedRoutine, error) {
	var (
		r                     types.CachedRoutine
		snapshot, exerciseIDs string
		cachedAt, refreshedAt string
		expiresAt             sql.NullString
		pinned                int
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &snapshot, &exerciseIDs, &cachedAt, &refreshedAt, &expiresAt, &pinned, &r.SizeBytes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &r.Snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(exerciseIDs), &r.ExerciseIDs); err != nil {
		return nil, fmt.Errorf("decoding exercise ids: %w", err)
	}
	var err error
	if r.CachedAt, err = parseTime(cachedAt); err != nil {
		return nil, fmt.Errorf("parsing cached_at: %w", err)
	}
	if r.RefreshedAt, err = parseTime(refreshedAt); err != nil {
		return nil, fmt.Errorf("parsing refreshed_at: %w", err)
	}
	if expiresAt.Valid {
		exp, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		r.ExpiresAt = &exp
	}
	r.Pinned = pinned != 0
	return &r, nil
}

func (t *tx) GetExercise(id string) (*types.CachedExercise, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	row := t.tx.QueryRow("SELECT exercise_id, snapshot, routine_ids FROM exercises WHERE exercise_id = ?", id)
	e, err := hydrateExercise(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting exercise %s: %w", id, err)
	}
	return e, nil
}

func (t *tx) PutExercise(e *types.CachedExercise) error {
	if e == nil {
		return types.ErrInvalidData
	}
	if e.ID == "" {
		return types.ErrInvalidID
	}
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return fmt.Errorf("encoding exercise snapshot: %w", err)
	}
	routineIDs, err := json.Marshal(nonNil(e.RoutineIDs))
	if err != nil {
		return fmt.Errorf("encoding routine ids: %w", err)
	}
	_, err = t.tx.Exec(
		`INSERT INTO exercises (exercise_id, snapshot, routine_ids) VALUES (?, ?, ?)
ON CONFLICT(exercise_id) DO UPDATE SET snapshot = excluded.snapshot, routine_ids = excluded.routine_ids`,
		e.ID, string(snapshot), string(routineIDs),
	)
	if err != nil {
		return fmt.Errorf("persisting exercise %s: %w", e.ID, err)
	}
	return nil
}

func (t *tx) DeleteExercise(id string) error {
	return t.deleteByID("exercises", "exercise_id", id)
}

func (t *tx) ListExercises() ([]*types.CachedExercise, error) {
	rows, err := t.tx.Query("SELECT exercise_id, snapshot, routine_ids FROM exercises")
	if err != nil {
		return nil, fmt.Errorf("listing exercises: %w", err)
	}
	defer rows.Close()

	var out []*types.CachedExercise
	for rows.Next() {
		e, err := hydrateExercise(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning exercise: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func hydrateExercise(row rowScanner) (*types.CachedExercise, error) {
	var (
		e                    types.CachedExercise
		snapshot, routineIDs string
	)
	if err := row.Scan(&e.ID, &snapshot, &routineIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(routineIDs), &e.RoutineIDs); err != nil {
		return nil, fmt.Errorf("decoding routine ids: %w", err)
	}
	return &e, nil
}

func (t *tx) GetBlob(exerciseID string) (*types.CachedMediaBlob, error) {
	if exerciseID == "" {
		return nil, types.ErrInvalidID
	}
	var (
		b           types.CachedMediaBlob
		contentType sql.NullString
		cachedAt    string
	)
	err := t.tx.QueryRow(
		"SELECT exercise_id, source_url, content_type, data, size_bytes, cached_at FROM media_blobs WHERE exercise_id = ?",
		exerciseID,
	).Scan(&b.ExerciseID, &b.SourceURL, &contentType, &b.Data, &b.SizeBytes, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting blob %s: %w", exerciseID, err)
	}
	b.ContentType = contentType.String
	if b.CachedAt, err = parseTime(cachedAt); err != nil {
		return nil, fmt.Errorf("parsing cached_at: %w", err)
	}
	return &b, nil
}

func (t *tx) PutBlob(b *types.CachedMediaBlob) error {
	if b == nil {
		return types.ErrInvalidData
	}
	if b.ExerciseID == "" {
		return types.ErrInvalidID
	}
	data := b.Data
	if data == nil {
		data = []byte{}
	}
	_, err := t.tx.Exec(
		`INSERT INTO media_blobs (exercise_id, source_url, content_type, data, size_bytes, cached_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(exercise_id) DO UPDATE SET
    source_url = excluded.source_url,
    content_type = excluded.content_type,
    data = excluded.data,
    size_bytes = excluded.size_bytes,
    cached_at = excluded.cached_at`,
		b.ExerciseID, b.SourceURL, b.ContentType, data, b.SizeBytes, formatTime(b.CachedAt),
	)
	if err != nil {
		return fmt.Errorf("persisting blob %s: %w", b.ExerciseID, err)
	}
	return nil
}

func (t *tx) DeleteBlob(exerciseID string) error {
	return t.deleteByID("media_blobs", "exercise_id", exerciseID)
}

func (t *tx) BlobSize(exerciseID string) (int64, error) {
	if exerciseID == "" {
		return 0, types.ErrInvalidID
	}
	var size int64
	err := t.tx.QueryRow("SELECT size_bytes FROM media_blobs WHERE exercise_id = ?", exerciseID).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sizing blob %s: %w", exerciseID, err)
	}
	return size, nil
}

func (t *tx) ListBlobIDs() ([]string, error) {
	rows, err := t.tx.Query("SELECT exercise_id FROM media_blobs ORDER BY exercise_id")
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning blob id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *tx) GetSettings() (*types.OfflineSettings, error) {
	var (
		s             types.OfflineSettings
		enabled       int
		lastCleanupAt sql.NullString
	)
	err := t.tx.QueryRow("SELECT enabled, last_cleanup_at FROM settings WHERE settings_id = 1").Scan(&enabled, &lastCleanupAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting settings: %w", err)
	}
	s.Enabled = enabled != 0
	if lastCleanupAt.Valid {
		if s.LastCleanupAt, err = parseTime(lastCleanupAt.String); err != nil {
			return nil, fmt.Errorf("parsing last_cleanup_at: %w", err)
		}
	}
	return &s, nil
}

func (t *tx) PutSettings(s *types.OfflineSettings) error {
	if s == nil {
		return types.ErrInvalidData
	}
	var lastCleanupAt sql.NullString
	if !s.LastCleanupAt.IsZero() {
		lastCleanupAt = sql.NullString{String: formatTime(s.LastCleanupAt), Valid: true}
	}
	_, err := t.tx.Exec(
		`INSERT INTO settings (settings_id, enabled, last_cleanup_at) VALUES (1, ?, ?)
ON CONFLICT(settings_id) DO UPDATE SET enabled = excluded.enabled, last_cleanup_at = excluded.last_cleanup_at`,
		boolInt(s.Enabled), lastCleanupAt,
	)
	if err != nil {
		return fmt.Errorf("persisting settings: %w", err)
	}
	return nil
}

func (t *tx) PurgeCache() error {
	for _, table := range []string{"routines", "exercises", "media_blobs"} {
		if _, err := t.tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("purging %s: %w", table, err)
		}
	}
	return nil
}

const outboxColumns = "entry_id, kind, owner_id, payload, created_at, attempts, last_error"

func (t *tx) AppendOutbox(e *types.OutboxEntry) error {
	if err := validateOutbox(e); err != nil {
		return err
	}
	_, err := t.tx.Exec(
		"INSERT INTO outbox ("+outboxColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.Kind, e.OwnerID, string(e.Payload), formatTime(e.CreatedAt), e.Attempts, e.LastError,
	)
	if err != nil {
		return fmt.Errorf("appending outbox entry %s: %w", e.ID, err)
	}
	return nil
}

func (t *tx) GetOutbox(id string) (*types.OutboxEntry, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	row := t.tx.QueryRow("SELECT "+outboxColumns+" FROM outbox WHERE entry_id = ?", id)
	e, err := hydrateOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting outbox entry %s: %w", id, err)
	}
	return e, nil
}

func (t *tx) PutOutbox(e *types.OutboxEntry) error {
	if err := validateOutbox(e); err != nil {
		return err
	}
	res, err := t.tx.Exec(
		"UPDATE outbox SET kind = ?, owner_id = ?, payload = ?, attempts = ?, last_error = ? WHERE entry_id = ?",
		e.Kind, e.OwnerID, string(e.Payload), e.Attempts, e.LastError, e.ID,
	)
	if err != nil {
		return fmt.Errorf("updating outbox entry %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating outbox entry %s: %w", e.ID, err)
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (t *tx) DeleteOutbox(id string) error {
	return t.deleteByID("outbox", "entry_id", id)
}

func (t *tx) ListOutbox(ownerID, kind string) ([]*types.OutboxEntry, error) {
	query := "SELECT " + outboxColumns + " FROM outbox WHERE 1 = 1"
	var args []any
	if ownerID != "" {
		query += " AND owner_id = ?"
		args = append(args, ownerID)
	}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at, entry_id"

	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	defer rows.Close()

	var out []*types.OutboxEntry
	for rows.Next() {
		e, err := hydrateOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func hydrateOutbox(row rowScanner) (*types.OutboxEntry, error) {
	var (
		e         types.OutboxEntry
		payload   string
		createdAt string
		lastError sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.OwnerID, &payload, &createdAt, &e.Attempts, &lastError); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.LastError = lastError.String
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &e, nil
}

func validateOutbox(e *types.OutboxEntry) error {
	if e == nil || e.Kind == "" || len(e.Payload) == 0 {
		return types.ErrInvalidData
	}
	if e.ID == "" {
		return types.ErrInvalidID
	}
	return nil
}

// deleteByID removes one row. Deleting a missing row is not an error.
func (t *tx) deleteByID(table, column, id string) error {
	if id == "" {
		return types.ErrInvalidID
	}
	if _, err := t.tx.Exec("DELETE FROM "+table+" WHERE "+column+" = ?", id); err != nil {
		return fmt.Errorf("deleting from %s %s: %w", table, id, err)
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
