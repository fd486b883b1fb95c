package approvalstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/UAPK/gateway-core/internal/approval"
)

// MemStore is a mutex-protected in-memory Store for tests and
// single-process deployments.
type MemStore struct {
	mu      sync.Mutex
	byID    map[string]*approval.Approval
	flights singleflight.Group
}

// NewMemStore constructs an empty in-memory approval store.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]*approval.Approval)}
}

func fingerprintKey(orgID, uapkID, fingerprint string) string {
	return orgID + "|" + uapkID + "|" + fingerprint
}

// CreateOrGet implements Store. singleflight collapses concurrent creation
// attempts for the same fingerprint into one winner; the mutex-protected
// scan underneath still guards against a second caller arriving after the
// first's singleflight call already completed.
func (s *MemStore) CreateOrGet(_ context.Context, draft approval.Approval) (*approval.Approval, error) {
	key := fingerprintKey(draft.OrgID, draft.UAPKID, draft.ActionFingerprint)

	result, err, _ := s.flights.Do(key, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := time.Now().UTC()
		for _, a := range s.byID {
			if a.OrgID == draft.OrgID && a.UAPKID == draft.UAPKID && a.ActionFingerprint == draft.ActionFingerprint && a.IsLive(now) {
				cp := *a
				return &cp, nil
			}
		}

		a := draft
		a.ID = uuid.NewString()
		a.Status = approval.StatusPending
		a.CreatedAt = now
		s.byID[a.ID] = &a
		cp := a
		return &cp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*approval.Approval), nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, id string) (*approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// Decide implements Store.
func (s *MemStore) Decide(_ context.Context, id, approver string, approve bool, note, overrideTokenHash string) (*approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != approval.StatusPending {
		return nil, ErrAlreadyDecided
	}

	now := time.Now().UTC()
	a.Approver = approver
	a.DecidedAt = &now
	a.Note = note
	if approve {
		a.Status = approval.StatusApproved
		a.OverrideTokenHash = overrideTokenHash
	} else {
		a.Status = approval.StatusDenied
	}

	cp := *a
	return &cp, nil
}

// ConsumeOverride implements Store's conditional-update semantics under the
// store mutex, equivalent in effect to the SQL store's
// "WHERE status='APPROVED' AND override_token_hash=? AND consumed_at IS NULL".
func (s *MemStore) ConsumeOverride(_ context.Context, id, overrideTokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != approval.StatusApproved || a.OverrideTokenHash != overrideTokenHash || a.ConsumedAt != nil {
		return ErrConsumeConflict
	}

	now := time.Now().UTC()
	a.ConsumedAt = &now
	a.Status = approval.StatusConsumed
	return nil
}

