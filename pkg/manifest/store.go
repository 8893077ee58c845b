package manifest

import (
	"context"
	"sort"
	"sync"
)

// Store persists manifests. Manifests are immutable after Put except for the
// shadow/active flags, which Update may change. Implementations hand out
// deep copies.
type Store interface {
	Put(ctx context.Context, m *Manifest) error
	Get(ctx context.Context, version string) (*Manifest, error)
	ByHash(ctx context.Context, hashSelf string) (*Manifest, error)
	// List returns manifests newest first.
	List(ctx context.Context, limit, offset int) ([]*Manifest, error)
	// Update replaces the stored manifest's lifecycle flags (shadow_mode,
	// shadow_start, effective_at). The rule content is never updated.
	Update(ctx context.Context, m *Manifest) error
	// Active returns the single active manifest, or nil.
	Active(ctx context.Context) (*Manifest, error)
	// Shadows returns all manifests currently in shadow mode.
	Shadows(ctx context.Context) ([]*Manifest, error)
}

// MemoryStore implements Store in memory. Thread-safe via RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	byVer  map[string]*Manifest
	byHash map[string]*Manifest
	order  []string // versions in insertion order
}

// NewMemoryStore creates an empty in-memory manifest store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byVer:  make(map[string]*Manifest),
		byHash: make(map[string]*Manifest),
	}
}

func (s *MemoryStore) Put(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := m.Clone()
	s.byVer[m.Version] = clone
	s.byHash[m.HashSelf] = clone
	s.order = append(s.order, m.Version)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, version string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byVer[version]; ok {
		return m.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) ByHash(ctx context.Context, hashSelf string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byHash[hashSelf]; ok {
		return m.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Manifest, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		all = append(all, s.byVer[s.order[i]])
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*Manifest, len(all))
	for i, m := range all {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byVer[m.Version]
	if !ok {
		return nil
	}
	stored.ShadowMode = m.ShadowMode
	stored.ShadowStart = m.ShadowStart
	stored.EffectiveAt = m.EffectiveAt
	return nil
}

func (s *MemoryStore) Active(ctx context.Context) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byVer {
		if m.Active() {
			return m.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Shadows(ctx context.Context) ([]*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Manifest
	for _, m := range s.byVer {
		if m.ShadowMode {
			out = append(out, m.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
