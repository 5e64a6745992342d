package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Vault.EncryptionKey = "test-master-key"
	cfg.Venue.TradingContract = "0x6D0bA1f9996DBD8885827e1b2e8f6593e7702411"
	return cfg
}

func TestValidateAcceptsDefaultsWithSecrets(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.Venue.RPCURL = ""
	cfg.Trading.MaxAttempts = 0
	cfg.Trading.CollateralTolerance = 1.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"unknown mode", "rpc_url", "max_attempts", "collateral_tolerance"} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation error missing %q:\n%s", want, msg)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERPAGENT_VENUE_RPC_URL", "https://rpc.example.org")
	t.Setenv("PERPAGENT_TRADING_FAIL_OPEN", "true")
	t.Setenv("PERPAGENT_TRADING_RESOLVE_DELAY", "15s")
	t.Setenv("PERPAGENT_NOTIFY_EVENTS", "position_opened, position_failed")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Venue.RPCURL != "https://rpc.example.org" {
		t.Errorf("rpc_url override not applied: %s", cfg.Venue.RPCURL)
	}
	if !cfg.Trading.FailOpen {
		t.Error("fail_open override not applied")
	}
	if cfg.Trading.ResolveDelay.Duration != 15*time.Second {
		t.Errorf("resolve_delay override not applied: %s", cfg.Trading.ResolveDelay)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[1] != "position_failed" {
		t.Errorf("events override not applied: %v", cfg.Notify.Events)
	}
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "hunter2"
	cfg.Server.AuthToken = "token123"

	red := RedactedConfig(&cfg)

	if red.Vault.EncryptionKey != "***" {
		t.Error("encryption_key not redacted")
	}
	if red.Database.Password != "***" {
		t.Error("database password not redacted")
	}
	if red.Server.AuthToken != "***" {
		t.Error("auth_token not redacted")
	}
	// Original must be untouched.
	if cfg.Database.Password != "hunter2" {
		t.Error("original config mutated by redaction")
	}
}
