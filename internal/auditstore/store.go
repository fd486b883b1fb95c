// Package auditstore persists the append-only interaction record chain
// (spec §3, §4.3) and supports evidence bundle export.
package auditstore

import (
	"context"
	"errors"

	"github.com/UAPK/gateway-core/internal/audit"
)

// ErrConflict is returned by AppendRecord when the supplied
// previous_record_hash does not match the store's current tail, signalling
// a concurrent append raced ahead of the caller. The caller must not retry
// blindly with the same record: a new record must be built against the new
// tail (spec §4.3: "a failed append must not consume a record id").
var ErrConflict = errors.New("auditstore: append conflict, tail advanced")

// Store is the audit record backing store for one (org_id, uapk_id) chain.
// Implementations must guarantee append-only, gapless sequencing: a failed
// AppendRecord must never leave a partially written record.
type Store interface {
	// Tail returns the record_hash of the most recently appended record
	// for key, or audit.ZeroHash if the chain is empty.
	Tail(ctx context.Context, key Key) (string, error)

	// AppendRecord appends record if record.PreviousRecordHash still
	// matches the store's current tail for key; otherwise returns
	// ErrConflict without writing anything.
	AppendRecord(ctx context.Context, key Key, record audit.InteractionRecord) error

	// ListRecords returns every record for key in append order, optionally
	// narrowed by filter (nil means no filtering).
	ListRecords(ctx context.Context, key Key, filter *Filter) ([]audit.InteractionRecord, error)
}

// Key identifies one (org_id, uapk_id) audit chain.
type Key struct {
	OrgID  string
	UAPKID string
}

// Filter narrows ListRecords by action type for evidence bundle export
// (spec §4.3 ExportBundle); it has no time-range criterion.
type Filter struct {
	ActionTypes []string
}

func (f *Filter) matches(r audit.InteractionRecord) bool {
	if f == nil || len(f.ActionTypes) == 0 {
		return true
	}
	for _, t := range f.ActionTypes {
		if t == r.ActionType {
			return true
		}
	}
	return false
}
