// Package approvalstore persists the HITL approval lifecycle (spec §3,
// §5): idempotent creation by action fingerprint, decision recording, and
// a conditional "consume the override token exactly once" update.
package approvalstore

import (
	"context"
	"errors"

	"github.com/UAPK/gateway-core/internal/approval"
)

var (
	ErrNotFound        = errors.New("approvalstore: not found")
	ErrAlreadyDecided  = errors.New("approvalstore: approval already decided")
	ErrConsumeConflict = errors.New("approvalstore: override token already consumed or not approved")
)

// Store manages the Approval lifecycle.
type Store interface {
	// CreateOrGet returns the live (PENDING, unexpired) approval already
	// recorded for (org_id, uapk_id, action_fingerprint), creating a new
	// PENDING approval from draft if none exists. Concurrent callers
	// racing on the same fingerprint must observe exactly one created row.
	CreateOrGet(ctx context.Context, draft approval.Approval) (*approval.Approval, error)

	// Get returns the approval by id.
	Get(ctx context.Context, id string) (*approval.Approval, error)

	// Decide transitions a PENDING approval to APPROVED or DENIED.
	// overrideTokenHash is only meaningful (and only persisted) when
	// approve is true. Returns ErrAlreadyDecided if the approval is no
	// longer PENDING.
	Decide(ctx context.Context, id, approver string, approve bool, note, overrideTokenHash string) (*approval.Approval, error)

	// ConsumeOverride performs the conditional update
	// "WHERE status='APPROVED' AND override_token_hash=? AND consumed_at IS NULL"
	// required by spec §5 so that exactly one concurrent redemption
	// attempt succeeds. Returns ErrConsumeConflict if the condition did
	// not match (already consumed, wrong hash, or not approved).
	ConsumeOverride(ctx context.Context, id, overrideTokenHash string) error
}
