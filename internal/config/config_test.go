package config

import "testing"

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	var cfg CoreConfig
	cfg.applyDefaults()

	if cfg.DefaultConnectorTimeoutSecs != 30 {
		t.Fatalf("expected default timeout 30, got %d", cfg.DefaultConnectorTimeoutSecs)
	}
	if cfg.MaxRequestBytes != 1<<20 {
		t.Fatalf("expected default max request bytes 1MiB, got %d", cfg.MaxRequestBytes)
	}
	if cfg.MaxResponseBytes != 1<<20 {
		t.Fatalf("expected default max response bytes 1MiB, got %d", cfg.MaxResponseBytes)
	}
	if cfg.OverrideTokenTTLSeconds != 300 {
		t.Fatalf("expected default override ttl 300, got %d", cfg.OverrideTokenTTLSeconds)
	}
	if cfg.ApprovalExpirySeconds != 86400 {
		t.Fatalf("expected default approval expiry 86400, got %d", cfg.ApprovalExpirySeconds)
	}
	if cfg.AllowHTTPInConnectors {
		t.Fatalf("expected allow_http_in_connectors to default false")
	}
	if cfg.RequireProductionKeys {
		t.Fatalf("expected require_production_keys to default false")
	}
	if cfg.Secrets.Provider != "env" || cfg.Secrets.EnvPrefix != "GATEWAY_SECRET_" {
		t.Fatalf("unexpected secrets defaults: %+v", cfg.Secrets)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected default storage driver memory, got %q", cfg.Storage.Driver)
	}
}

func TestApplyDefaultsDoesNotOverrideExplicitValues(t *testing.T) {
	cfg := CoreConfig{MaxRequestBytes: 2048, OverrideTokenTTLSeconds: 120}
	cfg.applyDefaults()

	if cfg.MaxRequestBytes != 2048 {
		t.Fatalf("expected explicit max request bytes preserved, got %d", cfg.MaxRequestBytes)
	}
	if cfg.OverrideTokenTTLSeconds != 120 {
		t.Fatalf("expected explicit override ttl preserved, got %d", cfg.OverrideTokenTTLSeconds)
	}
}

func TestValidateRejectsOverrideTTLAboveMax(t *testing.T) {
	cfg := CoreConfig{OverrideTokenTTLSeconds: 901}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for override ttl above 900s ceiling")
	}
}

func TestValidateRejectsNonPositiveOverrideTTL(t *testing.T) {
	cfg := CoreConfig{OverrideTokenTTLSeconds: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero override ttl")
	}
}

func TestValidateAcceptsDefaultedConfig(t *testing.T) {
	var cfg CoreConfig
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaulted config to validate, got %v", err)
	}
}

func TestDurationHelpersConvertSecondsCorrectly(t *testing.T) {
	cfg := CoreConfig{OverrideTokenTTLSeconds: 300, ApprovalExpirySeconds: 86400, DefaultConnectorTimeoutSecs: 30}
	if cfg.OverrideTokenTTL().Seconds() != 300 {
		t.Fatalf("expected 300s, got %v", cfg.OverrideTokenTTL())
	}
	if cfg.ApprovalExpiry().Hours() != 24 {
		t.Fatalf("expected 24h, got %v", cfg.ApprovalExpiry())
	}
	if cfg.DefaultConnectorTimeout().Seconds() != 30 {
		t.Fatalf("expected 30s, got %v", cfg.DefaultConnectorTimeout())
	}
}

func TestLoadFallsBackToDefaultsWhenNoConfigFilePresent(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_PATH", "/nonexistent/path/gateway.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxRequestBytes != 1<<20 {
		t.Fatalf("expected default max request bytes, got %d", cfg.MaxRequestBytes)
	}
}
