package manifeststore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/circuitbreaker"
	"github.com/UAPK/gateway-core/internal/manifest"
)

// Schema (Postgres):
//
//   CREATE TABLE manifests (
//       org_id       TEXT NOT NULL,
//       uapk_id      TEXT NOT NULL,
//       version      TEXT NOT NULL,
//       status       TEXT NOT NULL,
//       document     JSONB NOT NULL,
//       created_at   TIMESTAMPTZ NOT NULL,
//       activated_at TIMESTAMPTZ,
//       PRIMARY KEY (org_id, uapk_id, version)
//   );
//   CREATE UNIQUE INDEX manifests_one_active
//       ON manifests (org_id, uapk_id) WHERE status = 'ACTIVE';
//
// The partial unique index, not application logic, is what makes ONE-ACTIVE
// hold across concurrent processes; SQLStore.Activate additionally wraps
// the demote+promote pair in a transaction so a crash between the two
// UPDATEs cannot leave two rows simultaneously ACTIVE.

// SQLConfig holds connection parameters, mirroring the shape of the
// teacher's db.Config but narrowed to what a manifest store needs.
type SQLConfig struct {
	Driver          string // "postgres" or "sqlite3"
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// SQLStore is a Postgres/SQLite-backed Store.
type SQLStore struct {
	db      *sqlx.DB
	logger  *zap.Logger
	breaker *circuitbreaker.CircuitBreaker
}

// NewSQLStore opens a pooled connection and wraps it as a Store.
func NewSQLStore(cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("manifeststore: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	return &SQLStore{
		db:      db,
		logger:  logger,
		breaker: circuitbreaker.NewCircuitBreaker("manifeststore", circuitbreaker.StoreConfig(), logger),
	}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

type manifestRow struct {
	OrgID       string         `db:"org_id"`
	UAPKID      string         `db:"uapk_id"`
	Version     string         `db:"version"`
	Status      string         `db:"status"`
	Document    []byte         `db:"document"`
	CreatedAt   time.Time      `db:"created_at"`
	ActivatedAt sql.NullTime   `db:"activated_at"`
}

func (r manifestRow) toManifest() (*manifest.Manifest, error) {
	var m manifest.Manifest
	if err := json.Unmarshal(r.Document, &m); err != nil {
		return nil, fmt.Errorf("manifeststore: decode document: %w", err)
	}
	m.Status = manifest.Status(r.Status)
	m.CreatedAt = r.CreatedAt
	if r.ActivatedAt.Valid {
		t := r.ActivatedAt.Time
		m.ActivatedAt = &t
	}
	return &m, nil
}

// GetActive implements Store.
func (s *SQLStore) GetActive(ctx context.Context, key manifest.Key) (*manifest.Manifest, error) {
	var row manifestRow
	err := s.breaker.Execute(ctx, func() error {
		return s.db.GetContext(ctx, &row,
			`SELECT org_id, uapk_id, version, status, document, created_at, activated_at
			 FROM manifests WHERE org_id = $1 AND uapk_id = $2 AND status = 'ACTIVE'`,
			key.OrgID, key.UAPKID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("manifeststore: get active: %w", err)
	}
	return row.toManifest()
}

// GetVersion implements Store.
func (s *SQLStore) GetVersion(ctx context.Context, key manifest.Key, version string) (*manifest.Manifest, error) {
	var row manifestRow
	err := s.breaker.Execute(ctx, func() error {
		return s.db.GetContext(ctx, &row,
			`SELECT org_id, uapk_id, version, status, document, created_at, activated_at
			 FROM manifests WHERE org_id = $1 AND uapk_id = $2 AND version = $3`,
			key.OrgID, key.UAPKID, version)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("manifeststore: get version: %w", err)
	}
	return row.toManifest()
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, m *manifest.Manifest) error {
	if err := manifest.Validate(m); err != nil {
		return err
	}
	status := m.Status
	if status == "" {
		status = manifest.StatusDraft
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifeststore: encode document: %w", err)
	}

	err = s.breaker.Execute(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO manifests (org_id, uapk_id, version, status, document, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.OrgID, m.UAPKID, m.Version, status, doc, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("manifeststore: put: %w", err)
	}
	return nil
}

// Activate implements Store inside a single transaction: demote whatever is
// currently ACTIVE for key, then promote the target version. The partial
// unique index on the manifests table is the real cross-process guarantee;
// this transaction only prevents a half-applied swap within one process.
func (s *SQLStore) Activate(ctx context.Context, key manifest.Key, version string) error {
	return s.breaker.Execute(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("manifeststore: begin tx: %w", err)
		}
		defer tx.Rollback()

		var currentStatus string
		err = tx.GetContext(ctx, &currentStatus,
			`SELECT status FROM manifests WHERE org_id = $1 AND uapk_id = $2 AND version = $3`,
			key.OrgID, key.UAPKID, version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("manifeststore: activate lookup: %w", err)
		}
		if currentStatus == string(manifest.StatusActive) {
			return ErrAlreadyActive
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE manifests SET status = $1 WHERE org_id = $2 AND uapk_id = $3 AND status = 'ACTIVE'`,
			manifest.StatusSuspended, key.OrgID, key.UAPKID); err != nil {
			return fmt.Errorf("manifeststore: demote active: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE manifests SET status = $1, activated_at = $2 WHERE org_id = $3 AND uapk_id = $4 AND version = $5`,
			manifest.StatusActive, now, key.OrgID, key.UAPKID, version)
		if err != nil {
			return fmt.Errorf("manifeststore: promote version: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("manifeststore: commit activate: %w", err)
		}
		return nil
	})
}

// ListVersions implements Store.
func (s *SQLStore) ListVersions(ctx context.Context, key manifest.Key) ([]*manifest.Manifest, error) {
	var rows []manifestRow
	err := s.breaker.Execute(ctx, func() error {
		return s.db.SelectContext(ctx, &rows,
			`SELECT org_id, uapk_id, version, status, document, created_at, activated_at
			 FROM manifests WHERE org_id = $1 AND uapk_id = $2 ORDER BY created_at DESC`,
			key.OrgID, key.UAPKID)
	})
	if err != nil {
		return nil, fmt.Errorf("manifeststore: list versions: %w", err)
	}
	out := make([]*manifest.Manifest, 0, len(rows))
	for _, r := range rows {
		m, err := r.toManifest()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
