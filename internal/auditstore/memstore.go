package auditstore

import (
	"context"
	"sync"

	"github.com/UAPK/gateway-core/internal/audit"
)

// MemStore is a mutex-protected in-memory Store for tests and
// single-process deployments.
type MemStore struct {
	mu      sync.Mutex
	records map[Key][]audit.InteractionRecord
}

// NewMemStore constructs an empty in-memory audit store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[Key][]audit.InteractionRecord)}
}

// Tail implements Store.
func (s *MemStore) Tail(_ context.Context, key Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[key]
	if len(recs) == 0 {
		return audit.ZeroHash, nil
	}
	return recs[len(recs)-1].RecordHash, nil
}

// AppendRecord implements Store.
func (s *MemStore) AppendRecord(_ context.Context, key Key, record audit.InteractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[key]
	tail := audit.ZeroHash
	if len(recs) > 0 {
		tail = recs[len(recs)-1].RecordHash
	}
	if record.PreviousRecordHash != tail {
		return ErrConflict
	}
	s.records[key] = append(recs, record)
	return nil
}

// ListRecords implements Store.
func (s *MemStore) ListRecords(_ context.Context, key Key, filter *Filter) ([]audit.InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[key]
	out := make([]audit.InteractionRecord, 0, len(recs))
	for _, r := range recs {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
