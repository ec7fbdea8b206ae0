package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if len(cfg.Reserves) != 1 || cfg.Reserves[0].ReserveID != "eth-main" {
		t.Fatalf("Reserves = %+v", cfg.Reserves)
	}
	fee, err := cfg.Relay.Fee()
	if err != nil {
		t.Fatalf("Fee: %v", err)
	}
	if fee.String() != "1000000000000000" {
		t.Fatalf("fee = %s", fee)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http_addr: ":9000"
relay:
  fee_wei: "5000"
  fee_buffer_bps: 500
  poll_interval: 100ms
  max_poll_attempts: 5
  dedup_capacity: 64
reserves:
  - reserve_id: test
    max_ltv_bps: 5000
    liquidation_threshold_bps: 6000
    liquidation_bonus_bps: 500
    close_factor_bps: 5000
    max_price_age: 1m
    price_feed_id: test-usd
    credit_decimals: 6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Relay.PollInterval != 100*time.Millisecond {
		t.Fatalf("PollInterval = %s", cfg.Relay.PollInterval)
	}
	if len(cfg.Reserves) != 1 || cfg.Reserves[0].ReserveID != "test" {
		t.Fatalf("Reserves = %+v", cfg.Reserves)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CROSSLEND_HTTP_ADDR", ":7777")
	t.Setenv("CROSSLEND_RELAY_POLL_INTERVAL", "250ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7777" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Relay.PollInterval != 250*time.Millisecond {
		t.Fatalf("PollInterval = %s", cfg.Relay.PollInterval)
	}
}

func TestRejectsInvalidReserve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
reserves:
  - reserve_id: broken
    max_ltv_bps: 9000
    liquidation_threshold_bps: 8000
    max_price_age: 1m
    price_feed_id: test-usd
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for threshold below max ltv")
	}
}
