// Package store picks and attaches the storage backend named in the config.
package store

import (
	"fmt"

	"github.com/mesh-intelligence/satchel/internal/bolt"
	"github.com/mesh-intelligence/satchel/internal/sqlite"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

// New returns an unattached backend for cfg.Backend.
func New(cfg types.Config) (types.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case types.BackendBolt:
		return bolt.NewBackend(), nil
	default:
		return sqlite.NewBackend(), nil
	}
}

// Open creates the backend for cfg and attaches it.
func Open(cfg types.Config) (types.Store, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(cfg); err != nil {
		return nil, fmt.Errorf("attaching %s backend: %w", cfg.Backend, err)
	}
	return s, nil
}
