// Package cache keeps a bounded, user-selected set of routines available
// offline. Routines share exercises by reference count; each exercise owns at
// most one media blob. A routine expires after a TTL unless pinned.
//
// Every logical update commits in a single store transaction, so exercises
// and blobs are never left without a referencing routine.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mesh-intelligence/satchel/internal/logging"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

// Manager owns the routine, exercise, and blob records in the store.
// Mutating calls are serialized; reads go straight to the store.
type Manager struct {
	store    types.Store
	resolver types.MediaResolver
	fetcher  types.MediaFetcher
	ttl      time.Duration
	quota    int64
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex

	handleDir string
	handlesMu sync.Mutex
	handles   map[string]string // handle URL -> temp file path
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets how long unpinned routines stay cached. Non-positive values
// keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithQuota sets a soft byte ceiling on distinct cached storage. Zero
// disables quota eviction.
func WithQuota(bytes int64) Option {
	return func(m *Manager) { m.quota = bytes }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMedia sets the collaborators used to download clips. Without a
// fetcher, routines are cached without offline media.
func WithMedia(resolver types.MediaResolver, fetcher types.MediaFetcher) Option {
	return func(m *Manager) {
		m.resolver = resolver
		m.fetcher = fetcher
	}
}

// WithHandleDir sets the directory that backs minted media handles.
func WithHandleDir(dir string) Option {
	return func(m *Manager) { m.handleDir = dir }
}

// New returns a Manager over an attached store.
func New(store types.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		ttl:       types.DefaultTTL,
		now:       time.Now,
		logger:    logging.Discard(),
		handleDir: filepath.Join(os.TempDir(), "satchel-media"),
		handles:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured expiry window.
func (m *Manager) TTL() time.Duration { return m.ttl }

// IsEnabled reports whether offline caching is on.
func (m *Manager) IsEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := m.store.View(ctx, func(tx types.Tx) error {
		s, err := tx.GetSettings()
		if err != nil {
			return err
		}
		enabled = s.Enabled
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading offline settings: %w", err)
	}
	return enabled, nil
}

// SetEnabled turns offline caching on or off. Turning it off deletes every
// cached routine, exercise, and blob in the same transaction that stores the
// flag. Turning it on only stores the flag.
func (m *Manager) SetEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Update(ctx, func(tx types.Tx) error {
		s, err := tx.GetSettings()
		if err != nil {
			return err
		}
		if !enabled {
			if err := tx.PurgeCache(); err != nil {
				return err
			}
		}
		s.Enabled = enabled
		return tx.PutSettings(s)
	})
	if err != nil {
		return fmt.Errorf("setting offline mode to %t: %w", enabled, err)
	}
	m.logger.Info("offline mode changed", "enabled", enabled)
	return nil
}

// enabledIn reads the flag inside a transaction.
func enabledIn(tx types.Tx) (bool, error) {
	s, err := tx.GetSettings()
	if err != nil {
		return false, err
	}
	return s.Enabled, nil
}

// ignoreNotFound maps ErrNotFound to nil.
func ignoreNotFound(err error) error {
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}
