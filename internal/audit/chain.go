package audit

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/UAPK/gateway-core/internal/canonical"
)

// ZeroHash is the previous_record_hash value for the first record in a
// stream (spec §3: "32 zero bytes, hex-encoded").
const ZeroHash = canonical.ZeroHashHex

// NewRecordID generates a fresh record identifier.
func NewRecordID() string { return uuid.NewString() }

// VerificationReport summarizes a VerifyChain run, the form persisted into
// an evidence bundle's verification_report.json.
type VerificationReport struct {
	TotalRecords int    `json:"total_records"`
	Verified     bool   `json:"verified"`
	FirstFailure string `json:"first_failure,omitempty"`
	FailureIndex int    `json:"failure_index,omitempty"`
}

// VerifyChain walks records in append order, recomputing each record_hash,
// checking previous_record_hash linkage, and verifying record_signature
// against pubKeys (which may hold more than one key to span a rotation).
// It stops at the first failure, per spec §4.3.
func VerifyChain(records []InteractionRecord, pubKeys []ed25519.PublicKey) VerificationReport {
	report := VerificationReport{TotalRecords: len(records), Verified: true}

	expectedPrev := ZeroHash
	for i, r := range records {
		if r.PreviousRecordHash != expectedPrev {
			return fail(report, i, fmt.Sprintf("previous_record_hash mismatch: want %s, got %s", expectedPrev, r.PreviousRecordHash))
		}

		recomputed, err := r.ComputeHash()
		if err != nil {
			return fail(report, i, fmt.Sprintf("failed to recompute hash: %v", err))
		}
		if recomputed != r.RecordHash {
			return fail(report, i, fmt.Sprintf("record_hash mismatch: want %s, got %s", recomputed, r.RecordHash))
		}

		sig, err := hex.DecodeString(r.RecordSignature)
		if err != nil {
			return fail(report, i, fmt.Sprintf("invalid signature encoding: %v", err))
		}
		if !verifyAny(pubKeys, []byte(r.RecordHash), sig) {
			return fail(report, i, "signature does not verify against any provided public key")
		}

		expectedPrev = r.RecordHash
	}

	return report
}

func verifyAny(pubKeys []ed25519.PublicKey, digest, sig []byte) bool {
	for _, pub := range pubKeys {
		if ed25519.Verify(pub, digest, sig) {
			return true
		}
	}
	return false
}

func fail(report VerificationReport, index int, reason string) VerificationReport {
	report.Verified = false
	report.FailureIndex = index
	report.FirstFailure = reason
	return report
}
