package approvalstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/UAPK/gateway-core/internal/approval"
	"github.com/UAPK/gateway-core/internal/circuitbreaker"
)

// Schema (Postgres):
//
//   CREATE TABLE approvals (
//       id                  TEXT PRIMARY KEY,
//       org_id              TEXT NOT NULL,
//       uapk_id             TEXT NOT NULL,
//       action_fingerprint  TEXT NOT NULL,
//       action_type         TEXT NOT NULL,
//       tool                TEXT NOT NULL,
//       status              TEXT NOT NULL,
//       created_at          TIMESTAMPTZ NOT NULL,
//       expires_at          TIMESTAMPTZ NOT NULL,
//       approver            TEXT,
//       decided_at          TIMESTAMPTZ,
//       note                TEXT,
//       override_token_hash TEXT,
//       consumed_at         TIMESTAMPTZ
//   );
//   CREATE INDEX approvals_fingerprint_idx
//       ON approvals (org_id, uapk_id, action_fingerprint, status);
//
// ConsumeOverride relies on the row-level conditional UPDATE below, not on
// any application-side locking, to guarantee exactly-once redemption across
// concurrent gateway processes (spec §5).

// SQLStore is a Postgres/SQLite-backed Store.
type SQLStore struct {
	db      *sqlx.DB
	flights singleflight.Group
	breaker *circuitbreaker.CircuitBreaker
}

// NewSQLStore wraps an existing sqlx handle.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		breaker: circuitbreaker.NewCircuitBreaker("approvalstore", circuitbreaker.StoreConfig(), logger),
	}
}

// CreateOrGet implements Store. The SELECT-then-INSERT runs without a
// transaction and is collapsed per-process via singleflight. When the
// INSERT fails (for example on a unique-violation from a concurrent
// process, where the table carries a unique index on (org_id, uapk_id,
// action_fingerprint) WHERE status = 'PENDING'), it falls back to
// SELECTing the live PENDING row. The schema above declares only a
// non-unique index, so cross-process uniqueness depends on the deployed
// schema adding one.
func (s *SQLStore) CreateOrGet(ctx context.Context, draft approval.Approval) (*approval.Approval, error) {
	key := fingerprintKey(draft.OrgID, draft.UAPKID, draft.ActionFingerprint)

	result, err, _ := s.flights.Do(key, func() (interface{}, error) {
		now := time.Now().UTC()

		existing, err := s.findLivePending(ctx, draft.OrgID, draft.UAPKID, draft.ActionFingerprint, now)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		a := draft
		a.ID = uuid.NewString()
		a.Status = approval.StatusPending
		a.CreatedAt = now

		err = s.breaker.Execute(ctx, func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO approvals (id, org_id, uapk_id, action_fingerprint, action_type, tool, status, created_at, expires_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				a.ID, a.OrgID, a.UAPKID, a.ActionFingerprint, a.ActionType, a.Tool, a.Status, a.CreatedAt, a.ExpiresAt)
			return err
		})
		if err != nil {
			// Another process may have inserted the live PENDING row
			// between our SELECT and INSERT; fall back to reading it.
			if existing, lookupErr := s.findLivePending(ctx, draft.OrgID, draft.UAPKID, draft.ActionFingerprint, now); lookupErr == nil {
				return existing, nil
			}
			return nil, fmt.Errorf("approvalstore: create: %w", err)
		}
		return &a, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*approval.Approval), nil
}

func (s *SQLStore) findLivePending(ctx context.Context, orgID, uapkID, fingerprint string, now time.Time) (*approval.Approval, error) {
	var a approval.Approval
	err := s.breaker.Execute(ctx, func() error {
		return s.db.GetContext(ctx, &a,
			`SELECT * FROM approvals
			 WHERE org_id = $1 AND uapk_id = $2 AND action_fingerprint = $3
			   AND status = 'PENDING' AND expires_at > $4
			 ORDER BY created_at DESC LIMIT 1`,
			orgID, uapkID, fingerprint, now)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approvalstore: find live pending: %w", err)
	}
	return &a, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*approval.Approval, error) {
	var a approval.Approval
	err := s.breaker.Execute(ctx, func() error {
		return s.db.GetContext(ctx, &a, `SELECT * FROM approvals WHERE id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approvalstore: get: %w", err)
	}
	return &a, nil
}

// Decide implements Store with a conditional UPDATE guarding against
// double-decision races the same way ConsumeOverride guards redemption.
func (s *SQLStore) Decide(ctx context.Context, id, approver string, approve bool, note, overrideTokenHash string) (*approval.Approval, error) {
	now := time.Now().UTC()
	status := approval.StatusDenied
	if approve {
		status = approval.StatusApproved
	}

	var n int64
	err := s.breaker.Execute(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE approvals SET status = $1, approver = $2, decided_at = $3, note = $4, override_token_hash = $5
			 WHERE id = $6 AND status = 'PENDING'`,
			status, approver, now, note, overrideTokenHash, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("approvalstore: decide: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyDecided
	}
	return s.Get(ctx, id)
}

// ConsumeOverride implements Store's conditional update per spec §5,
// transitioning status APPROVED -> CONSUMED the first time a token is spent.
func (s *SQLStore) ConsumeOverride(ctx context.Context, id, overrideTokenHash string) error {
	var n int64
	err := s.breaker.Execute(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE approvals SET status = $1, consumed_at = $2
			 WHERE id = $3 AND status = 'APPROVED' AND override_token_hash = $4 AND consumed_at IS NULL`,
			approval.StatusConsumed, time.Now().UTC(), id, overrideTokenHash)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("approvalstore: consume override: %w", err)
	}
	if n == 0 {
		return ErrConsumeConflict
	}
	return nil
}
