package types

import (
	"slices"
	"time"
)

// DefaultTTL is how long a non-pinned routine stays cached without a refresh.
const DefaultTTL = 14 * 24 * time.Hour

// CachedRoutine is a routine kept available offline.
// A pinned routine has a nil ExpiresAt; an unpinned one always has a concrete
// ExpiresAt and becomes eligible for the expiry sweep once it has passed.
type CachedRoutine struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Snapshot    Routine    `json:"snapshot"`
	ExerciseIDs []string   `json:"exerciseIds"`
	CachedAt    time.Time  `json:"cachedAt"`
	RefreshedAt time.Time  `json:"refreshedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Pinned      bool       `json:"pinned"`
	SizeBytes   int64      `json:"sizeBytes"`
}

// SetPinned flips the pin and recomputes ExpiresAt so that pinned routines
// never expire and unpinned ones expire ttl after now.
func (r *CachedRoutine) SetPinned(pinned bool, now time.Time, ttl time.Duration) {
	r.Pinned = pinned
	if pinned {
		r.ExpiresAt = nil
		return
	}
	exp := now.Add(ttl)
	r.ExpiresAt = &exp
}

// Expired reports whether the routine is unpinned and past its expiry.
func (r *CachedRoutine) Expired(now time.Time) bool {
	if r.Pinned || r.ExpiresAt == nil {
		return false
	}
	return r.ExpiresAt.Before(now)
}

// References reports whether the routine's block tree uses exerciseID.
func (r *CachedRoutine) References(exerciseID string) bool {
	return slices.Contains(r.ExerciseIDs, exerciseID)
}

// CachedExercise is an exercise shared by one or more cached routines.
// RoutineIDs is the reference count: the record exists only while it is non-empty.
type CachedExercise struct {
	ID         string   `json:"id"`
	Snapshot   Exercise `json:"snapshot"`
	RoutineIDs []string `json:"routineIds"`
}

// AddRoutine records routineID as a referrer. Idempotent.
func (e *CachedExercise) AddRoutine(routineID string) {
	if slices.Contains(e.RoutineIDs, routineID) {
		return
	}
	e.RoutineIDs = append(e.RoutineIDs, routineID)
	slices.Sort(e.RoutineIDs)
}

// RemoveRoutine drops routineID from the referrers and reports whether the
// exercise is now orphaned.
func (e *CachedExercise) RemoveRoutine(routineID string) bool {
	e.RoutineIDs = slices.DeleteFunc(e.RoutineIDs, func(id string) bool { return id == routineID })
	return len(e.RoutineIDs) == 0
}

// CachedMediaBlob holds the clip bytes for one exercise. It is keyed by the
// owning exercise id, not by content, and lives exactly as long as that exercise.
type CachedMediaBlob struct {
	ExerciseID  string    `json:"exerciseId"`
	SourceURL   string    `json:"sourceUrl"`
	ContentType string    `json:"contentType,omitempty"`
	Data        []byte    `json:"data"`
	SizeBytes   int64     `json:"sizeBytes"`
	CachedAt    time.Time `json:"cachedAt"`
}

// OfflineSettings is the singleton governing whether caching runs at all.
type OfflineSettings struct {
	Enabled       bool      `json:"enabled"`
	LastCleanupAt time.Time `json:"lastCleanupAt,omitempty"`
}
