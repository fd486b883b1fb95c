package manifeststore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/UAPK/gateway-core/internal/manifest"
)

// MemStore is an in-memory Store for tests and single-process deployments
// without a database. It enforces ONE-ACTIVE under a single mutex, which is
// sufficient since it is not shared across processes (see DESIGN.md on
// cross-process manifest activation requiring the SQL store's partial
// unique index instead).
type MemStore struct {
	mu       sync.Mutex
	versions map[manifest.Key]map[string]*manifest.Manifest // key -> version -> manifest
	active   map[manifest.Key]string                        // key -> active version
}

// NewMemStore constructs an empty in-memory manifest store.
func NewMemStore() *MemStore {
	return &MemStore{
		versions: make(map[manifest.Key]map[string]*manifest.Manifest),
		active:   make(map[manifest.Key]string),
	}
}

func keyOf(m *manifest.Manifest) manifest.Key {
	return manifest.Key{OrgID: m.OrgID, UAPKID: m.UAPKID}
}

// GetActive implements Store.
func (s *MemStore) GetActive(_ context.Context, key manifest.Key) (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, ok := s.active[key]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := s.versions[key][version]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// GetVersion implements Store.
func (s *MemStore) GetVersion(_ context.Context, key manifest.Key, version string) (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVersion, ok := s.versions[key]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := byVersion[version]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// Put implements Store.
func (s *MemStore) Put(_ context.Context, m *manifest.Manifest) error {
	if err := manifest.Validate(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(m)
	byVersion, ok := s.versions[key]
	if !ok {
		byVersion = make(map[string]*manifest.Manifest)
		s.versions[key] = byVersion
	}
	if _, exists := byVersion[m.Version]; exists {
		return fmt.Errorf("manifeststore: version %q already exists for %+v", m.Version, key)
	}

	cp := *m
	if cp.Status == "" {
		cp.Status = manifest.StatusDraft
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	byVersion[m.Version] = &cp
	return nil
}

// Activate implements Store, enforcing ONE-ACTIVE: the named version
// becomes ACTIVE and any other ACTIVE version for key is demoted to
// SUSPENDED, within the same critical section.
func (s *MemStore) Activate(_ context.Context, key manifest.Key, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVersion, ok := s.versions[key]
	if !ok {
		return ErrNotFound
	}
	target, ok := byVersion[version]
	if !ok {
		return ErrNotFound
	}
	if current, ok := s.active[key]; ok && current == version {
		return ErrAlreadyActive
	}

	now := time.Now().UTC()
	if current, ok := s.active[key]; ok {
		if prev, ok := byVersion[current]; ok {
			prev.Status = manifest.StatusSuspended
		}
	}
	target.Status = manifest.StatusActive
	target.ActivatedAt = &now
	s.active[key] = version
	return nil
}

// ListVersions implements Store.
func (s *MemStore) ListVersions(_ context.Context, key manifest.Key) ([]*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVersion, ok := s.versions[key]
	if !ok {
		return nil, nil
	}
	out := make([]*manifest.Manifest, 0, len(byVersion))
	for _, m := range byVersion {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
