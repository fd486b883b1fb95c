package auditstore

import (
	"testing"
	"time"

	"github.com/UAPK/gateway-core/internal/audit"
	"github.com/UAPK/gateway-core/internal/keys"
)

func newTestKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func buildRecord(t *testing.T, gw *keys.KeyPair, key Key, actionType, prevHash string) audit.InteractionRecord {
	t.Helper()
	r := audit.InteractionRecord{
		RecordID:           audit.NewRecordID(),
		Timestamp:          time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
		OrgID:              key.OrgID,
		UAPKID:             key.UAPKID,
		AgentID:            "agent-1",
		ActionType:         actionType,
		Tool:               "tool.one",
		RequestHash:        "req-hash",
		Decision:           "ALLOW",
		ResultHash:         "result-hash",
		PreviousRecordHash: prevHash,
	}
	signed, err := r.Sign(gw)
	if err != nil {
		t.Fatalf("sign record: %v", err)
	}
	return signed
}
