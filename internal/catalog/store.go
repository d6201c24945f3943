package catalog

import (
	"context"
	"sync"
	"sync/atomic"
)

// Store caches the most recently loaded snapshot. The first Current call
// loads it; Reload replaces it.
type Store struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serializes loads
}

// NewStore creates a store backed by loader.
func NewStore(loader Loader) *Store {
	return &Store{loader: loader}
}

// Current returns the cached snapshot, loading it on first use.
// A failed load leaves the store empty so the next call retries.
func (s *Store) Current(ctx context.Context) (Catalog, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := s.current.Load(); snap != nil {
		return snap, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap := s.current.Load(); snap != nil {
		return snap, nil
	}
	snap, err := s.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return snap, nil
}

// Reload fetches a new snapshot and swaps it in. changed reports whether the
// fingerprint differs from the previous one. On error the old snapshot stays.
func (s *Store) Reload(ctx context.Context) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loader.Load(ctx)
	if err != nil {
		return false, err
	}
	prev := s.current.Swap(snap)
	return prev == nil || prev.Fingerprint() != snap.Fingerprint(), nil
}

// Fingerprint returns the fingerprint of the cached snapshot, or "" when
// nothing has been loaded yet.
func (s *Store) Fingerprint() string {
	if snap := s.current.Load(); snap != nil {
		return snap.Fingerprint()
	}
	return ""
}
