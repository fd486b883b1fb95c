package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/UAPK/gateway-core/internal/audit"
	"github.com/UAPK/gateway-core/internal/circuitbreaker"
)

// Schema (Postgres):
//
//   CREATE TABLE audit_records (
//       org_id               TEXT NOT NULL,
//       uapk_id              TEXT NOT NULL,
//       seq                  BIGSERIAL,
//       record_id            TEXT NOT NULL,
//       previous_record_hash TEXT NOT NULL,
//       record_hash          TEXT NOT NULL,
//       action_type          TEXT NOT NULL,
//       document             JSONB NOT NULL,
//       PRIMARY KEY (org_id, uapk_id, seq)
//   );
//   CREATE UNIQUE INDEX audit_records_chain_link
//       ON audit_records (org_id, uapk_id, previous_record_hash);
//
// The unique index on (org_id, uapk_id, previous_record_hash) is what makes
// AppendRecord's conflict check hold under concurrent writers: two appenders
// racing against the same tail can both pass the SELECT-based check, but
// only one INSERT survives the index; the loser's unique-violation is
// translated back into ErrConflict rather than leaving two divergent
// branches off the same previous hash.

// SQLConfig mirrors manifeststore.SQLConfig's connection-pool shape.
type SQLConfig struct {
	Driver          string
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
		return nil, fmt.Errorf("auditstore: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	return &SQLStore{
		db:      db,
		logger:  logger,
		breaker: circuitbreaker.NewCircuitBreaker("auditstore", circuitbreaker.StoreConfig(), logger),
	}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

type auditRow struct {
	RecordHash string `db:"record_hash"`
	ActionType string `db:"action_type"`
	Document   []byte `db:"document"`
}

func (r auditRow) toRecord() (audit.InteractionRecord, error) {
	var rec audit.InteractionRecord
	if err := json.Unmarshal(r.Document, &rec); err != nil {
		return audit.InteractionRecord{}, fmt.Errorf("auditstore: decode record: %w", err)
	}
	return rec, nil
}

// Tail implements Store.
func (s *SQLStore) Tail(ctx context.Context, key Key) (string, error) {
	var hash string
	err := s.breaker.Execute(ctx, func() error {
		return s.db.GetContext(ctx, &hash,
			`SELECT record_hash FROM audit_records
			 WHERE org_id = $1 AND uapk_id = $2 ORDER BY seq DESC LIMIT 1`,
			key.OrgID, key.UAPKID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return audit.ZeroHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("auditstore: tail: %w", err)
	}
	return hash, nil
}

// AppendRecord implements Store. The unique index on
// (org_id, uapk_id, previous_record_hash) is the cross-process enforcement
// point; the SELECT below only fails fast in the common case.
func (s *SQLStore) AppendRecord(ctx context.Context, key Key, record audit.InteractionRecord) error {
	return s.breaker.Execute(ctx, func() error {
		var tail string
		err := s.db.GetContext(ctx, &tail,
			`SELECT record_hash FROM audit_records
			 WHERE org_id = $1 AND uapk_id = $2 ORDER BY seq DESC LIMIT 1`,
			key.OrgID, key.UAPKID)
		if errors.Is(err, sql.ErrNoRows) {
			tail = audit.ZeroHash
		} else if err != nil {
			return fmt.Errorf("auditstore: append lookup tail: %w", err)
		}
		if record.PreviousRecordHash != tail {
			return ErrConflict
		}

		doc, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("auditstore: encode record: %w", err)
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO audit_records (org_id, uapk_id, record_id, previous_record_hash, record_hash, action_type, document)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			key.OrgID, key.UAPKID, record.RecordID, record.PreviousRecordHash, record.RecordHash, record.ActionType, doc)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("auditstore: append insert: %w", err)
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// ListRecords implements Store.
func (s *SQLStore) ListRecords(ctx context.Context, key Key, filter *Filter) ([]audit.InteractionRecord, error) {
	var rows []auditRow
	err := s.breaker.Execute(ctx, func() error {
		return s.db.SelectContext(ctx, &rows,
			`SELECT record_hash, action_type, document FROM audit_records
			 WHERE org_id = $1 AND uapk_id = $2 ORDER BY seq ASC`,
			key.OrgID, key.UAPKID)
	})
	if err != nil {
		return nil, fmt.Errorf("auditstore: list records: %w", err)
	}
	out := make([]audit.InteractionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
