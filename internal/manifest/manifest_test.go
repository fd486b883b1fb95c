package manifest

import "testing"

func validManifestJSON() []byte {
	return []byte(`{
		"version": "1.0.0",
		"uapk_id": "uapk-1",
		"org_id": "org-1",
		"tools": {
			"echo": {"kind": "mock"},
			"cb": {"kind": "http", "base_url": "https://example.com", "allowed_domains": ["*"]}
		},
		"capabilities_requested": ["read"],
		"status": "ACTIVE",
		"extra_field": "kept"
	}`)
}

func TestParseJSONValid(t *testing.T) {
	m, err := ParseJSON(validManifestJSON())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Version != "1.0.0" || m.OrgID != "org-1" || m.UAPKID != "uapk-1" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if m.Extensions["extra_field"] != "kept" {
		t.Fatalf("expected unknown field preserved in extensions, got %+v", m.Extensions)
	}
}

func TestParseJSONMissingRequired(t *testing.T) {
	_, err := ParseJSON([]byte(`{"version":"1.0.0"}`))
	if err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestValidateUnknownToolKind(t *testing.T) {
	m := &Manifest{
		Version: "1", UAPKID: "u", OrgID: "o",
		Tools:                 map[string]ToolConfig{"x": {Kind: "ftp"}},
		CapabilitiesRequested: []string{},
	}
	if err := Validate(m); err == nil {
		t.Fatal("expected error for unknown tool kind")
	}
}

func TestValidateHTTPToolRequiresURL(t *testing.T) {
	m := &Manifest{
		Version: "1", UAPKID: "u", OrgID: "o",
		Tools:                 map[string]ToolConfig{"x": {Kind: ToolKindHTTP}},
		CapabilitiesRequested: []string{},
	}
	if err := Validate(m); err == nil {
		t.Fatal("expected error for http tool missing url")
	}
}

func TestApprovalThresholdMatches(t *testing.T) {
	amount := 100.0
	th := ApprovalThreshold{ActionTypes: []string{"refund"}, Amount: &amount, Currency: "EUR"}

	big := 500.0
	if !th.Matches("refund", "mock", &big, "EUR") {
		t.Fatal("expected match for refund over threshold")
	}
	small := 10.0
	if th.Matches("refund", "mock", &small, "EUR") {
		t.Fatal("expected no match for refund under threshold")
	}
	if th.Matches("payment", "mock", &big, "EUR") {
		t.Fatal("expected no match for different action type")
	}
	if th.Matches("refund", "mock", &big, "USD") {
		t.Fatal("expected no match for different currency")
	}
}

func TestConstraintsRequiresHumanApproval(t *testing.T) {
	c := Constraints{RequireHumanApprove: []string{"refund", "wire_transfer"}}
	if !c.RequiresHumanApproval("refund") {
		t.Fatal("expected refund to require approval")
	}
	if c.RequiresHumanApproval("read") {
		t.Fatal("expected read not to require approval")
	}
}
