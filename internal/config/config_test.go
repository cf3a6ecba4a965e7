package config

import (
	"log/slog"
	"testing"
	"time"

	"marketsim/internal/game"

	"github.com/shopspring/decimal"
)

func TestLoadCoreDefaults(t *testing.T) {
	t.Setenv("MARKETSIM_STORE", "memory")
	t.Setenv("DATABASE_URL", "")

	cfg, err := LoadCoreFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store != StoreMemory || cfg.LogLevel != slog.LevelInfo || cfg.BatchConcurrency != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	d := cfg.Defaults
	if !d.GameStartDate.Equal(game.Date(2025, time.January, 1)) || d.GameLengthDays != 365 || d.TimeAcceleration != 20 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	if !d.StartingBalance.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("starting balance = %s", d.StartingBalance)
	}
}

func TestLoadCoreOverrides(t *testing.T) {
	t.Setenv("MARKETSIM_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/marketsim")
	t.Setenv("MARKETSIM_LOG_LEVEL", "debug")
	t.Setenv("MARKETSIM_GAME_START_DATE", "2025-03-01")
	t.Setenv("MARKETSIM_DEFAULT_TIME_ACCELERATION", "3")
	t.Setenv("MARKETSIM_STARTING_BALANCE", "2500.50")

	cfg, err := LoadCoreFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.Defaults.TimeAcceleration != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if game.FormatDate(cfg.Defaults.GameStartDate) != "2025-03-01" {
		t.Fatalf("start date = %s", game.FormatDate(cfg.Defaults.GameStartDate))
	}
	if !cfg.Defaults.StartingBalance.Equal(decimal.RequireFromString("2500.50")) {
		t.Fatalf("starting balance = %s", cfg.Defaults.StartingBalance)
	}
}

func TestLoadCoreRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{key: "MARKETSIM_STORE", value: "redis"},
		{key: "MARKETSIM_DEFAULT_TIME_ACCELERATION", value: "0"},
		{key: "MARKETSIM_DEFAULT_GAME_LENGTH_DAYS", value: "0"},
		{key: "MARKETSIM_DEFAULT_GAME_LENGTH_DAYS", value: "36501"},
		{key: "MARKETSIM_GAME_START_DATE", value: "01/01/2025"},
		{key: "MARKETSIM_STARTING_BALANCE", value: "-1"},
		{key: "MARKETSIM_LOG_LEVEL", value: "chatty"},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv("MARKETSIM_STORE", "memory")
			t.Setenv(tc.key, tc.value)
			if _, err := LoadCoreFromEnv(); err == nil {
				t.Fatalf("expected %s=%q to fail", tc.key, tc.value)
			}
		})
	}
}

func TestPostgresStoreRequiresDatabaseURL(t *testing.T) {
	t.Setenv("MARKETSIM_STORE", "")
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadCoreFromEnv(); err == nil {
		t.Fatalf("expected missing DATABASE_URL to fail")
	}
}

func TestLoadAPIFromEnv(t *testing.T) {
	t.Setenv("MARKETSIM_STORE", "memory")
	t.Setenv("PORT", "9090")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")

	cfg, err := LoadAPIFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.SupabaseURL != "https://example.supabase.co" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.AuthCacheSize != 1024 || cfg.AuthCacheTTL != time.Minute {
		t.Fatalf("unexpected auth cache config: %+v", cfg)
	}

	t.Setenv("SUPABASE_ANON_KEY", "")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatalf("expected missing SUPABASE_ANON_KEY to fail")
	}
}

func TestLoadWorkerFromEnv(t *testing.T) {
	t.Setenv("MARKETSIM_STORE", "memory")
	t.Setenv("MARKETSIM_WORKER_EVERY", "30s")
	t.Setenv("MARKETSIM_WORKER_AUTO_REPAIR", "true")

	cfg, err := LoadWorkerFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Every != 30*time.Second || !cfg.AutoRepair || cfg.RunOnce {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.MetricsAddr != ":9091" {
		t.Fatalf("metrics addr = %q", cfg.MetricsAddr)
	}
}
