package manifeststore

import (
	"context"
	"errors"
	"testing"

	"github.com/UAPK/gateway-core/internal/manifest"
)

func testManifest(org, uapk, version string) *manifest.Manifest {
	return &manifest.Manifest{
		Version:               version,
		UAPKID:                uapk,
		OrgID:                 org,
		Tools:                 map[string]manifest.ToolConfig{},
		CapabilitiesRequested: []string{},
	}
}

func TestMemStorePutAndGetVersion(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	key := manifest.Key{OrgID: "org1", UAPKID: "uapk1"}

	if err := s.Put(ctx, testManifest("org1", "uapk1", "v1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetVersion(ctx, key, "v1")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if got.Status != manifest.StatusDraft {
		t.Fatalf("expected new manifest to default to DRAFT, got %s", got.Status)
	}
}

func TestMemStoreGetActiveNotFoundBeforeActivation(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	key := manifest.Key{OrgID: "org1", UAPKID: "uapk1"}

	_ = s.Put(ctx, testManifest("org1", "uapk1", "v1"))

	_, err := s.GetActive(ctx, key)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreActivateOneActiveInvariant(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	key := manifest.Key{OrgID: "org1", UAPKID: "uapk1"}

	_ = s.Put(ctx, testManifest("org1", "uapk1", "v1"))
	_ = s.Put(ctx, testManifest("org1", "uapk1", "v2"))

	if err := s.Activate(ctx, key, "v1"); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	if err := s.Activate(ctx, key, "v2"); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	active, err := s.GetActive(ctx, key)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.Version != "v2" {
		t.Fatalf("expected v2 active, got %s", active.Version)
	}

	v1, err := s.GetVersion(ctx, key, "v1")
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.Status != manifest.StatusSuspended {
		t.Fatalf("expected v1 demoted to SUSPENDED, got %s", v1.Status)
	}
}

func TestMemStoreActivateAlreadyActive(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	key := manifest.Key{OrgID: "org1", UAPKID: "uapk1"}

	_ = s.Put(ctx, testManifest("org1", "uapk1", "v1"))
	_ = s.Activate(ctx, key, "v1")

	if err := s.Activate(ctx, key, "v1"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestMemStoreActivateUnknownVersion(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	key := manifest.Key{OrgID: "org1", UAPKID: "uapk1"}

	_ = s.Put(ctx, testManifest("org1", "uapk1", "v1"))

	if err := s.Activate(ctx, key, "v99"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreListVersions(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	key := manifest.Key{OrgID: "org1", UAPKID: "uapk1"}

	_ = s.Put(ctx, testManifest("org1", "uapk1", "v1"))
	_ = s.Put(ctx, testManifest("org1", "uapk1", "v2"))

	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
}

func TestMemStorePutDuplicateVersionFails(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Put(ctx, testManifest("org1", "uapk1", "v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, testManifest("org1", "uapk1", "v1")); err == nil {
		t.Fatalf("expected error on duplicate version put")
	}
}

func TestMemStoreIsolatesKeys(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_ = s.Put(ctx, testManifest("org1", "uapkA", "v1"))
	_ = s.Put(ctx, testManifest("org1", "uapkB", "v1"))

	_ = s.Activate(ctx, manifest.Key{OrgID: "org1", UAPKID: "uapkA"}, "v1")

	_, err := s.GetActive(ctx, manifest.Key{OrgID: "org1", UAPKID: "uapkB"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected uapkB to have no active manifest, got %v", err)
	}
}
