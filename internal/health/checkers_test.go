package health

import (
	"context"
	"testing"
	"time"

	"github.com/UAPK/gateway-core/internal/approvalstore"
	"github.com/UAPK/gateway-core/internal/auditstore"
	"github.com/UAPK/gateway-core/internal/counterstore"
	"github.com/UAPK/gateway-core/internal/manifeststore"
)

func TestManifestStoreCheckerHealthyOnEmptyStore(t *testing.T) {
	checker := NewManifestStoreChecker(manifeststore.NewMemStore(), true, time.Second)
	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %v (%s)", result.Status, result.Error)
	}
}

func TestApprovalStoreCheckerHealthyOnNotFound(t *testing.T) {
	checker := NewApprovalStoreChecker(approvalstore.NewMemStore(), true, time.Second)
	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %v (%s)", result.Status, result.Error)
	}
}

func TestCounterStoreCheckerHealthyOnFreshWindow(t *testing.T) {
	checker := NewCounterStoreChecker(counterstore.NewMemStore(), false, time.Second)
	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %v (%s)", result.Status, result.Error)
	}
}

func TestAuditStoreCheckerHealthyOnEmptyChain(t *testing.T) {
	checker := NewAuditStoreChecker(auditstore.NewMemStore(), true, time.Second)
	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %v (%s)", result.Status, result.Error)
	}
}

func TestStoreCheckersRegisterIntoManagerAndReportReady(t *testing.T) {
	m := NewManager(nil)
	m.RegisterChecker(NewManifestStoreChecker(manifeststore.NewMemStore(), true, time.Second))
	m.RegisterChecker(NewApprovalStoreChecker(approvalstore.NewMemStore(), true, time.Second))
	m.RegisterChecker(NewCounterStoreChecker(counterstore.NewMemStore(), false, time.Second))
	m.RegisterChecker(NewAuditStoreChecker(auditstore.NewMemStore(), true, time.Second))

	if !m.IsReady(context.Background()) {
		t.Fatalf("expected ready with all in-memory stores healthy")
	}
}
