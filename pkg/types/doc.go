// Package types defines the Store and Tx interfaces, the cached entity types,
// the outbox entry types, the remote collaborator interfaces, and the standard
// errors for the satchel offline cache and sync engine.
//
// Records are persisted by a Store backend (internal/sqlite or internal/bolt).
// The cache manager (internal/cache) and the outbox (internal/outbox) read and
// write them only through a Tx obtained from Store.View or Store.Update.
package types
