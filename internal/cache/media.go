package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/satchel/pkg/types"
)

// fetchMissingMedia downloads, one exercise at a time, the clips that have
// no blob yet. Download failures are logged and skipped; only store errors
// are returned.
func (m *Manager) fetchMissingMedia(ctx context.Context, exercises []types.Exercise) ([]*types.CachedMediaBlob, error) {
	if m.fetcher == nil {
		return nil, nil
	}

	var blobs []*types.CachedMediaBlob
	for _, ex := range exercises {
		if !ex.HasMedia() {
			continue
		}
		exists, err := m.hasBlob(ctx, ex.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		blob, err := m.fetchBlob(ctx, ex)
		if err != nil {
			m.logger.Warn("media unavailable offline", "exercise", ex.ID, "error", err)
			continue
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

func (m *Manager) hasBlob(ctx context.Context, exerciseID string) (bool, error) {
	var exists bool
	err := m.store.View(ctx, func(tx types.Tx) error {
		_, err := tx.BlobSize(exerciseID)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		exists = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("checking blob %s: %w", exerciseID, err)
	}
	return exists, nil
}

// fetchBlob resolves the clip URL, preferring the inline URL, and downloads it.
func (m *Manager) fetchBlob(ctx context.Context, ex types.Exercise) (*types.CachedMediaBlob, error) {
	src := ex.MediaURL
	if src == "" {
		if m.resolver == nil {
			return nil, fmt.Errorf("no resolver for storage path %s", ex.MediaPath)
		}
		resolved, err := m.resolver.ResolveStoragePath(ctx, ex.MediaPath)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ex.MediaPath, err)
		}
		src = resolved
	}

	data, contentType, err := m.fetcher.FetchMedia(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", src, err)
	}
	if contentType == "" {
		contentType = ex.MediaType
	}
	return &types.CachedMediaBlob{
		ExerciseID:  ex.ID,
		SourceURL:   src,
		ContentType: contentType,
		Data:        data,
		SizeBytes:   int64(len(data)),
		CachedAt:    m.now(),
	}, nil
}

// GetCachedMediaURL mints a new file:// handle for the exercise's cached
// clip. Every call creates a new handle; release each one with
// ReleaseMediaURL once it is no longer displayed. Returns ErrNotFound when
// the clip is not cached.
func (m *Manager) GetCachedMediaURL(ctx context.Context, exerciseID string) (string, error) {
	var blob *types.CachedMediaBlob
	err := m.store.View(ctx, func(tx types.Tx) error {
		var err error
		blob, err = tx.GetBlob(exerciseID)
		return err
	})
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(m.handleDir, 0o700); err != nil {
		return "", fmt.Errorf("creating media handle dir: %w", err)
	}
	name := uuid.NewString() + mediaExt(blob.SourceURL)
	p := filepath.Join(m.handleDir, name)
	if err := os.WriteFile(p, blob.Data, 0o600); err != nil {
		return "", fmt.Errorf("writing media handle: %w", err)
	}

	handle := (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
	m.handlesMu.Lock()
	m.handles[handle] = p
	m.handlesMu.Unlock()
	return handle, nil
}

// ReleaseMediaURL frees a handle minted by GetCachedMediaURL. Unknown
// handles are ignored.
func (m *Manager) ReleaseMediaURL(handle string) error {
	m.handlesMu.Lock()
	p, ok := m.handles[handle]
	delete(m.handles, handle)
	m.handlesMu.Unlock()

	if !ok {
		return nil
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing media handle: %w", err)
	}
	return nil
}

// ReleaseAllMediaURLs frees every outstanding handle.
func (m *Manager) ReleaseAllMediaURLs() error {
	m.handlesMu.Lock()
	handles := make([]string, 0, len(m.handles))
	for h := range m.handles {
		handles = append(handles, h)
	}
	m.handlesMu.Unlock()

	var errs []error
	for _, h := range handles {
		errs = append(errs, m.ReleaseMediaURL(h))
	}
	return errors.Join(errs...)
}

// OpenMediaHandles returns the number of unreleased handles.
func (m *Manager) OpenMediaHandles() int {
	m.handlesMu.Lock()
	defer m.handlesMu.Unlock()
	return len(m.handles)
}

// mediaExt keeps the source file extension so players can sniff the format.
func mediaExt(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	return path.Ext(u.Path)
}
