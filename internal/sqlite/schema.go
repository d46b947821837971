package sqlite

// Schema DDL for all tables. Statements are idempotent so an existing
// database (and its pending outbox) survives a restart.
const (
	createRoutines = `CREATE TABLE IF NOT EXISTS routines (
    routine_id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    snapshot TEXT NOT NULL,
    exercise_ids TEXT NOT NULL,
    cached_at TEXT NOT NULL,
    refreshed_at TEXT NOT NULL,
    expires_at TEXT,
    pinned INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL
);`

	createExercises = `CREATE TABLE IF NOT EXISTS exercises (
    exercise_id TEXT PRIMARY KEY,
    snapshot TEXT NOT NULL,
    routine_ids TEXT NOT NULL
);`

	createMediaBlobs = `CREATE TABLE IF NOT EXISTS media_blobs (
    exercise_id TEXT PRIMARY KEY,
    source_url TEXT NOT NULL,
    content_type TEXT,
    data BLOB NOT NULL,
    size_bytes INTEGER NOT NULL,
    cached_at TEXT NOT NULL
);`

	createSettings = `CREATE TABLE IF NOT EXISTS settings (
    settings_id INTEGER PRIMARY KEY CHECK (settings_id = 1),
    enabled INTEGER NOT NULL,
    last_cleanup_at TEXT
);`

	createOutbox = `CREATE TABLE IF NOT EXISTS outbox (
    entry_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);`
)

// Index DDL for common queries.
const (
	idxRoutinesOwner   = `CREATE INDEX IF NOT EXISTS idx_routines_owner ON routines(owner_id);`
	idxRoutinesExpires = `CREATE INDEX IF NOT EXISTS idx_routines_expires ON routines(pinned, expires_at);`
	idxOutboxQueue     = `CREATE INDEX IF NOT EXISTS idx_outbox_queue ON outbox(owner_id, kind, created_at, entry_id);`
)

// schemaDDL lists all CREATE TABLE statements.
var schemaDDL = []string{
	createRoutines,
	createExercises,
	createMediaBlobs,
	createSettings,
	createOutbox,
}

// indexDDL lists all CREATE INDEX statements.
var indexDDL = []string{
	idxRoutinesOwner,
	idxRoutinesExpires,
	idxOutboxQueue,
}
