package bolt

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	bolt "go.etcd.io/bbolt"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// Compile-time interface check.
var _ types.Tx = (*tx)(nil)

type tx struct {
	tx *bolt.Tx
}

// blobMeta is the blob record without its bytes.
type blobMeta struct {
	ExerciseID  string `json:"exerciseId"`
	SourceURL   string `json:"sourceUrl"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes"`
	CachedAt    string `json:"cachedAt"`
}

// === Generic helpers ===

func (t *tx) get(bucket []byte, key, kind string, dest any) error {
	if key == "" {
		return types.ErrInvalidID
	}
	data := t.tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return types.ErrNotFound
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decoding %s %s: %w", kind, key, err)
	}
	return nil
}

func (t *tx) put(bucket []byte, key, kind string, value any) error {
	if key == "" {
		return types.ErrInvalidID
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", kind, key, err)
	}
	if err := t.tx.Bucket(bucket).Put([]byte(key), data); err != nil {
		return fmt.Errorf("persisting %s %s: %w", kind, key, err)
	}
	return nil
}

func (t *tx) delete(bucket []byte, key, kind string) error {
	if key == "" {
		return types.ErrInvalidID
	}
	if err := t.tx.Bucket(bucket).Delete([]byte(key)); err != nil {
		return fmt.Errorf("deleting %s %s: %w", kind, key, err)
	}
	return nil
}

// list decodes every value in bucket, keeping those accepted by keep.
func list[T any](t *tx, bucket []byte, kind string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := t.tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		item := new(T)
		if err := json.Unmarshal(v, item); err != nil {
			return fmt.Errorf("decoding %s %s: %w", kind, k, err)
		}
		if keep == nil || keep(item) {
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// clearBucket deletes and recreates bucket.
func (t *tx) clearBucket(bucket []byte) error {
	if err := t.tx.DeleteBucket(bucket); err != nil {
		return fmt.Errorf("clearing %s: %w", bucket, err)
	}
	if _, err := t.tx.CreateBucket(bucket); err != nil {
		return fmt.Errorf("recreating %s: %w", bucket, err)
	}
	return nil
}

// === Routines ===

func (t *tx) GetRoutine(id string) (*types.CachedRoutine, error) {
	var r types.CachedRoutine
	if err := t.get(bucketRoutines, id, "routine", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) PutRoutine(r *types.CachedRoutine) error {
	if r == nil {
		return types.ErrInvalidData
	}
	return t.put(bucketRoutines, r.ID, "routine", r)
}

func (t *tx) DeleteRoutine(id string) error {
	return t.delete(bucketRoutines, id, "routine")
}

func (t *tx) ListRoutines(ownerID string) ([]*types.CachedRoutine, error) {
	return list(t, bucketRoutines, "routine", func(r *types.CachedRoutine) bool {
		return ownerID == "" || r.OwnerID == ownerID
	})
}

// === Exercises ===

func (t *tx) GetExercise(id string) (*types.CachedExercise, error) {
	var e types.CachedExercise
	if err := t.get(bucketExercises, id, "exercise", &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *tx) PutExercise(e *types.CachedExercise) error {
	if e == nil {
		return types.ErrInvalidData
	}
	return t.put(bucketExercises, e.ID, "exercise", e)
}

func (t *tx) DeleteExercise(id string) error {
	return t.delete(bucketExercises, id, "exercise")
}

func (t *tx) ListExercises() ([]*types.CachedExercise, error) {
	return list[types.CachedExercise](t, bucketExercises, "exercise", nil)
}

// === Media blobs ===

func (t *tx) GetBlob(exerciseID string) (*types.CachedMediaBlob, error) {
	var meta blobMeta
	if err := t.get(bucketBlobMeta, exerciseID, "blob", &meta); err != nil {
		return nil, err
	}
	b, err := meta.toBlob()
	if err != nil {
		return nil, err
	}
	// Bolt memory is only valid for the life of the transaction.
	b.Data = append([]byte{}, t.tx.Bucket(bucketBlobData).Get([]byte(exerciseID))...)
	return b, nil
}

func (t *tx) PutBlob(b *types.CachedMediaBlob) error {
	if b == nil {
		return types.ErrInvalidData
	}
	if b.ExerciseID == "" {
		return types.ErrInvalidID
	}
	meta := blobMeta{
		ExerciseID:  b.ExerciseID,
		SourceURL:   b.SourceURL,
		ContentType: b.ContentType,
		SizeBytes:   b.SizeBytes,
		CachedAt:    formatTime(b.CachedAt),
	}
	if err := t.put(bucketBlobMeta, b.ExerciseID, "blob", meta); err != nil {
		return err
	}
	data := b.Data
	if data == nil {
		data = []byte{}
	}
	if err := t.tx.Bucket(bucketBlobData).Put([]byte(b.ExerciseID), data); err != nil {
		return fmt.Errorf("persisting blob data %s: %w", b.ExerciseID, err)
	}
	return nil
}

func (t *tx) DeleteBlob(exerciseID string) error {
	if err := t.delete(bucketBlobMeta, exerciseID, "blob"); err != nil {
		return err
	}
	return t.delete(bucketBlobData, exerciseID, "blob data")
}

func (t *tx) BlobSize(exerciseID string) (int64, error) {
	var meta blobMeta
	if err := t.get(bucketBlobMeta, exerciseID, "blob", &meta); err != nil {
		return 0, err
	}
	return meta.SizeBytes, nil
}

func (t *tx) ListBlobIDs() ([]string, error) {
	var ids []string
	err := t.tx.Bucket(bucketBlobMeta).ForEach(func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	return ids, err
}

func (m blobMeta) toBlob() (*types.CachedMediaBlob, error) {
	cachedAt, err := parseTime(m.CachedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing blob cachedAt: %w", err)
	}
	return &types.CachedMediaBlob{
		ExerciseID:  m.ExerciseID,
		SourceURL:   m.SourceURL,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		CachedAt:    cachedAt,
	}, nil
}

// === Settings ===

func (t *tx) GetSettings() (*types.OfflineSettings, error) {
	var s types.OfflineSettings
	data := t.tx.Bucket(bucketSettings).Get(settingsKey)
	if data == nil {
		return &s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return &s, nil
}

func (t *tx) PutSettings(s *types.OfflineSettings) error {
	if s == nil {
		return types.ErrInvalidData
	}
	return t.put(bucketSettings, string(settingsKey), "settings", s)
}

func (t *tx) PurgeCache() error {
	for _, bucket := range [][]byte{bucketRoutines, bucketExercises, bucketBlobMeta, bucketBlobData} {
		if err := t.clearBucket(bucket); err != nil {
			return err
		}
	}
	return nil
}

// === Outbox ===

func (t *tx) AppendOutbox(e *types.OutboxEntry) error {
	if err := validateOutbox(e); err != nil {
		return err
	}
	if t.tx.Bucket(bucketOutbox).Get([]byte(e.ID)) != nil {
		return fmt.Errorf("appending outbox entry %s: %w", e.ID, types.ErrInvalidID)
	}
	return t.put(bucketOutbox, e.ID, "outbox entry", e)
}

func (t *tx) GetOutbox(id string) (*types.OutboxEntry, error) {
	var e types.OutboxEntry
	if err := t.get(bucketOutbox, id, "outbox entry", &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *tx) PutOutbox(e *types.OutboxEntry) error {
	if err := validateOutbox(e); err != nil {
		return err
	}
	existing, err := t.GetOutbox(e.ID)
	if err != nil {
		return err
	}
	updated := *e
	updated.CreatedAt = existing.CreatedAt
	return t.put(bucketOutbox, e.ID, "outbox entry", &updated)
}

func (t *tx) DeleteOutbox(id string) error {
	return t.delete(bucketOutbox, id, "outbox entry")
}

func (t *tx) ListOutbox(ownerID, kind string) ([]*types.OutboxEntry, error) {
	entries, err := list(t, bucketOutbox, "outbox entry", func(e *types.OutboxEntry) bool {
		return (ownerID == "" || e.OwnerID == ownerID) && (kind == "" || e.Kind == kind)
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(entries, func(a, b *types.OutboxEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return entries, nil
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
