package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_PATH", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("LANGUAGE", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("RECV_WINDOW_MS", "")
	t.Setenv("DRY_RUN_FEE_RATE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "./data/reversal.db" || cfg.Language != "es" || cfg.DBDriver != "sqlite" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RecvWindowMs != 5000 || cfg.DryRunFeeRate != 0.001 {
		t.Fatalf("unexpected numeric defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("OUTBOX_POLL_SECONDS", "9")
	t.Setenv("AUTOSTART_SCANNERS", "true")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBDriver != "postgres" || cfg.OutboxPollSeconds != 9 || !cfg.AutostartScanners {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RedisDB != 0 {
		t.Fatalf("invalid int should fall back, got %d", cfg.RedisDB)
	}
}

func TestParseScanners(t *testing.T) {
	raw := []byte(`
scanners:
  - symbol: btcusdt
    timeframe: 30m
    env: mainnet
  - symbol: ETHUSDT
    timeframe: 4h
    env: TESTNET
    alert_cooldown_seconds: 600
    scan_interval_seconds: 60
  - symbol: SOLUSDT
    timeframe: 4h
`)
	defs, err := ParseScanners(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 3 {
		t.Fatalf("got %d defs", len(defs))
	}
	if defs[0].Symbol != "BTCUSDT" {
		t.Fatalf("symbol not upper-cased: %q", defs[0].Symbol)
	}
	if defs[1].Env != "testnet" || defs[1].AlertCooldownSeconds != 600 || defs[1].ScanIntervalSeconds != 60 {
		t.Fatalf("unexpected def: %+v", defs[1])
	}
	if defs[2].Env != "mainnet" {
		t.Fatalf("env default: %q", defs[2].Env)
	}
}

func TestParseScannersRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"timeframe", "scanners:\n  - {symbol: BTCUSDT, timeframe: 1h}\n", "unsupported timeframe"},
		{"env", "scanners:\n  - {symbol: BTCUSDT, timeframe: 30m, env: demo}\n", "unsupported env"},
		{"symbol", "scanners:\n  - {timeframe: 30m}\n", "symbol is required"},
		{"duplicate", "scanners:\n  - {symbol: BTCUSDT, timeframe: 30m}\n  - {symbol: btcusdt, timeframe: 30m, env: mainnet}\n", "duplicate"},
		{"negative", "scanners:\n  - {symbol: BTCUSDT, timeframe: 30m, scan_interval_seconds: -1}\n", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScanners([]byte(tt.raw))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadScannersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanners.yaml")
	if err := os.WriteFile(path, []byte("scanners:\n  - {symbol: BTCUSDT, timeframe: 4h, env: testnet}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	defs, err := LoadScanners(path)
	if err != nil || len(defs) != 1 || defs[0].Env != "testnet" {
		t.Fatalf("defs=%+v err=%v", defs, err)
	}
	if _, err := LoadScanners(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
