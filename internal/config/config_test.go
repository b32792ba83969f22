package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.AppName != "voxlane" {
		t.Fatalf("expected default app name, got %q", cfg.AppName)
	}
	if cfg.SettlementCron != "0 2 * * *" {
		t.Fatalf("unexpected default settlement cron: %q", cfg.SettlementCron)
	}
	if !cfg.SettlementEnabled || cfg.WorkerEnabled {
		t.Fatalf("unexpected default toggles: settlement=%v worker=%v", cfg.SettlementEnabled, cfg.WorkerEnabled)
	}
}

func TestGetenvOverrides(t *testing.T) {
	t.Setenv("SETTLEMENT_CRON", "30 3 * * *")
	t.Setenv("SETTLEMENT_ENABLED", "off")
	t.Setenv("DATABASE_MAX_OPEN_CONN", "50")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	if cfg.SettlementCron != "30 3 * * *" {
		t.Fatalf("env override ignored: %q", cfg.SettlementCron)
	}
	if cfg.SettlementEnabled {
		t.Fatal("expected settlement disabled via env")
	}
	if cfg.DBMaxOpenConn != 50 {
		t.Fatalf("expected max open conn 50, got %d", cfg.DBMaxOpenConn)
	}
	// Unparseable values fall back to the default.
	if cfg.RedisDB != 0 {
		t.Fatalf("expected redis db default 0, got %d", cfg.RedisDB)
	}
}
