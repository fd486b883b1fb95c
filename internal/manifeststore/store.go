// Package manifeststore resolves the active manifest for an (org, uapk)
// pair and enforces the ONE-ACTIVE invariant on activation.
package manifeststore

import (
	"context"
	"errors"

	"github.com/UAPK/gateway-core/internal/manifest"
)

// ErrNotFound is returned when no manifest exists for a (org, uapk) pair or
// a specific version.
var ErrNotFound = errors.New("manifeststore: not found")

// ErrAlreadyActive is returned by Activate when asked to activate a version
// that is already ACTIVE; callers may treat this as a no-op success.
var ErrAlreadyActive = errors.New("manifeststore: version already active")

// Store resolves and manages manifest lifecycle for (org_id, uapk_id) pairs.
// Implementations must guarantee the ONE-ACTIVE invariant: activating a
// version atomically demotes any other ACTIVE version for the same key.
type Store interface {
	// GetActive returns the current ACTIVE manifest for key, or ErrNotFound.
	GetActive(ctx context.Context, key manifest.Key) (*manifest.Manifest, error)

	// GetVersion returns a specific version regardless of status.
	GetVersion(ctx context.Context, key manifest.Key, version string) (*manifest.Manifest, error)

	// Put stores a new manifest version. New manifests are created DRAFT
	// unless the caller explicitly marks them otherwise; Put never mutates
	// an existing version in place (manifests are immutable once stored).
	Put(ctx context.Context, m *manifest.Manifest) error

	// Activate transitions the named version to ACTIVE, atomically demoting
	// any previously ACTIVE version for the same key to SUSPENDED.
	Activate(ctx context.Context, key manifest.Key, version string) error

	// ListVersions returns every stored version for key, most recent first.
	ListVersions(ctx context.Context, key manifest.Key) ([]*manifest.Manifest, error)
}
