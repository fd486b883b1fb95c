package health

import (
	"context"
	"fmt"
	"time"

	"github.com/UAPK/gateway-core/internal/approvalstore"
	"github.com/UAPK/gateway-core/internal/auditstore"
	"github.com/UAPK/gateway-core/internal/counterstore"
	"github.com/UAPK/gateway-core/internal/manifest"
	"github.com/UAPK/gateway-core/internal/manifeststore"
)

// pingOrgID/pingUAPKID are a sentinel (org_id, uapk_id) pair that is never assigned to a
// real tenant, used only to exercise a cheap read path against each store.
const (
	pingOrgID  = "__health_check__"
	pingUAPKID = "__health_check__"
)

// NewManifestStoreChecker pings store with a ListVersions call against a
// sentinel key: any backend error (connection refused, query timeout)
// surfaces as unhealthy without requiring a row to exist.
func NewManifestStoreChecker(store manifeststore.Store, critical bool, timeout time.Duration) *FuncChecker {
	return NewFuncChecker("manifest_store", critical, timeout, func(ctx context.Context) error {
		_, err := store.ListVersions(ctx, manifest.Key{OrgID: pingOrgID, UAPKID: pingUAPKID})
		if err != nil {
			return fmt.Errorf("manifest store: %w", err)
		}
		return nil
	})
}

// NewApprovalStoreChecker pings store with a Get call against a sentinel
// id; approvalstore.ErrNotFound is the expected (healthy) outcome.
func NewApprovalStoreChecker(store approvalstore.Store, critical bool, timeout time.Duration) *FuncChecker {
	return NewFuncChecker("approval_store", critical, timeout, func(ctx context.Context) error {
		_, err := store.Get(ctx, pingOrgID)
		if err != nil && err != approvalstore.ErrNotFound {
			return fmt.Errorf("approval store: %w", err)
		}
		return nil
	})
}

// NewCounterStoreChecker pings store with a Peek against a sentinel
// window; a fresh/absent key reads back as zero with no error.
func NewCounterStoreChecker(store counterstore.Store, critical bool, timeout time.Duration) *FuncChecker {
	return NewFuncChecker("counter_store", critical, timeout, func(ctx context.Context) error {
		key := counterstore.Key{
			OrgID:       pingOrgID,
			UAPKID:      pingUAPKID,
			ActionType:  counterstore.GlobalActionType,
			Kind:        counterstore.WindowHour,
			WindowStart: counterstore.WindowStartFor(time.Now(), counterstore.WindowHour),
		}
		if _, err := store.Peek(ctx, key); err != nil {
			return fmt.Errorf("counter store: %w", err)
		}
		return nil
	})
}

// NewAuditStoreChecker pings store with a Tail call against a sentinel
// chain; an empty chain returns audit.ZeroHash with no error.
func NewAuditStoreChecker(store auditstore.Store, critical bool, timeout time.Duration) *FuncChecker {
	return NewFuncChecker("audit_store", critical, timeout, func(ctx context.Context) error {
		if _, err := store.Tail(ctx, auditstore.Key{OrgID: pingOrgID, UAPKID: pingUAPKID}); err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		return nil
	})
}
