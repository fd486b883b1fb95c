// Package audit builds and verifies the hash-chained, Ed25519-signed
// interaction record log (spec §3, §4.3). Each record's hash covers every
// field but its own hash and signature, and chains to the previous
// record's hash; the first record in a stream uses a zero hash.
package audit

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/UAPK/gateway-core/internal/canonical"
	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/keys"
)

// InteractionRecord is one append-only entry in the audit chain, fields in
// the canonical order spec §3 mandates for hashing.
type InteractionRecord struct {
	RecordID           string        `json:"record_id"`
	Timestamp          time.Time     `json:"timestamp"`
	OrgID              string        `json:"org_id"`
	UAPKID             string        `json:"uapk_id"`
	AgentID            string        `json:"agent_id"`
	UserID             string        `json:"user_id,omitempty"`
	ActionType         string        `json:"action_type"`
	Tool               string        `json:"tool"`
	RequestHash        string        `json:"request_hash"`
	Decision           string        `json:"decision"`
	ReasonCodes        []gwerr.Code  `json:"reason_codes"`
	PolicyTraceHash    string        `json:"policy_trace_hash"`
	ResultHash         string        `json:"result_hash"`
	PreviousRecordHash string        `json:"previous_record_hash"`
	RecordHash         string        `json:"record_hash"`
	RecordSignature    string        `json:"record_signature"`
}

// hashableFields is InteractionRecord with RecordHash/RecordSignature
// dropped, canonicalized to compute the hash the spec defines as covering
// "all fields except record_hash and record_signature".
type hashableFields struct {
	RecordID           string       `json:"record_id"`
	Timestamp          time.Time    `json:"timestamp"`
	OrgID              string       `json:"org_id"`
	UAPKID             string       `json:"uapk_id"`
	AgentID            string       `json:"agent_id"`
	UserID             string       `json:"user_id,omitempty"`
	ActionType         string       `json:"action_type"`
	Tool               string       `json:"tool"`
	RequestHash        string       `json:"request_hash"`
	Decision           string       `json:"decision"`
	ReasonCodes        []gwerr.Code `json:"reason_codes"`
	PolicyTraceHash    string       `json:"policy_trace_hash"`
	ResultHash         string       `json:"result_hash"`
	PreviousRecordHash string       `json:"previous_record_hash"`
}

func (r InteractionRecord) hashable() hashableFields {
	return hashableFields{
		RecordID: r.RecordID, Timestamp: r.Timestamp, OrgID: r.OrgID, UAPKID: r.UAPKID,
		AgentID: r.AgentID, UserID: r.UserID, ActionType: r.ActionType, Tool: r.Tool,
		RequestHash: r.RequestHash, Decision: r.Decision, ReasonCodes: r.ReasonCodes,
		PolicyTraceHash: r.PolicyTraceHash, ResultHash: r.ResultHash,
		PreviousRecordHash: r.PreviousRecordHash,
	}
}

// ComputeHash returns the hex SHA-256 digest of r's canonical hashable form.
func (r InteractionRecord) ComputeHash() (string, error) {
	return canonical.HashHex(r.hashable())
}

// Sign computes r's record hash, signs it with gw, and returns the
// completed record (RecordHash and RecordSignature populated).
func (r InteractionRecord) Sign(gw *keys.KeyPair) (InteractionRecord, error) {
	hash, err := r.ComputeHash()
	if err != nil {
		return InteractionRecord{}, fmt.Errorf("audit: compute hash: %w", err)
	}
	r.RecordHash = hash
	sig := gw.Sign([]byte(hash))
	r.RecordSignature = hex.EncodeToString(sig)
	return r, nil
}

// ErrChainBroken describes a chain integrity failure: which record and
// why. VerifyChain does not return it; VerifyChain reports its first
// failure through VerificationReport.
type ErrChainBroken struct {
	Index  int
	Reason string
}

func (e *ErrChainBroken) Error() string {
	return fmt.Sprintf("audit: chain broken at record %d: %s", e.Index, e.Reason)
}
