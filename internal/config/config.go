package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"marketsim/internal/game"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// CoreConfig is shared by every binary.
type CoreConfig struct {
	Store            string
	DatabaseURL      string
	LogLevel         slog.Level
	Defaults         game.Defaults
	BatchConcurrency int
}

type APIConfig struct {
	CoreConfig
	Addr            string
	SupabaseURL     string
	SupabaseAnonKey string
	AuthCacheSize   int
	AuthCacheTTL    time.Duration
}

type WorkerConfig struct {
	CoreConfig
	Every       time.Duration
	RunOnce     bool
	AutoRepair  bool
	MetricsAddr string // empty disables the /metrics listener
}

// LoadDotEnv reads .env from the working directory when present. Variables already
// set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func LoadCoreFromEnv() (CoreConfig, error) {
	cfg := CoreConfig{
		Store:            strings.ToLower(envDefault("MARKETSIM_STORE", StorePostgres)),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		LogLevel:         slog.LevelInfo,
		BatchConcurrency: envIntDefault("MARKETSIM_BATCH_CONCURRENCY", 4),
	}
	if v := strings.TrimSpace(os.Getenv("MARKETSIM_LOG_LEVEL")); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return cfg, fmt.Errorf("MARKETSIM_LOG_LEVEL: %w", err)
		}
	}

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return cfg, fmt.Errorf("MARKETSIM_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Store)
	}

	start, err := game.ParseDate(envDefault("MARKETSIM_GAME_START_DATE", "2025-01-01"))
	if err != nil {
		return cfg, fmt.Errorf("MARKETSIM_GAME_START_DATE: %w", err)
	}
	balance, err := decimal.NewFromString(envDefault("MARKETSIM_STARTING_BALANCE", "10000.00"))
	if err != nil {
		return cfg, fmt.Errorf("MARKETSIM_STARTING_BALANCE: %w", err)
	}
	if balance.IsNegative() {
		return cfg, fmt.Errorf("MARKETSIM_STARTING_BALANCE must be >= 0")
	}
	cfg.Defaults = game.Defaults{
		GameStartDate:    start,
		GameLengthDays:   envIntDefault("MARKETSIM_DEFAULT_GAME_LENGTH_DAYS", game.DefaultGameLengthDays),
		TimeAcceleration: envIntDefault("MARKETSIM_DEFAULT_TIME_ACCELERATION", game.DefaultTimeAcceleration),
		StartingBalance:  balance,
	}
	if err := game.ValidateAcceleration(cfg.Defaults.TimeAcceleration); err != nil {
		return cfg, fmt.Errorf("MARKETSIM_DEFAULT_TIME_ACCELERATION: %w", err)
	}
	if cfg.Defaults.GameLengthDays <= 0 || cfg.Defaults.GameLengthDays > game.MaxGameLengthDays {
		return cfg, fmt.Errorf("MARKETSIM_DEFAULT_GAME_LENGTH_DAYS must be in [1, %d]", game.MaxGameLengthDays)
	}
	return cfg, nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	core, err := LoadCoreFromEnv()
	if err != nil {
		return APIConfig{}, err
	}
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("MARKETSIM_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		CoreConfig:      core,
		Addr:            addr,
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		AuthCacheSize:   envIntDefault("MARKETSIM_AUTH_CACHE_SIZE", 1024),
		AuthCacheTTL:    envDurationDefault("MARKETSIM_AUTH_CACHE_TTL", time.Minute),
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	core, err := LoadCoreFromEnv()
	if err != nil {
		return WorkerConfig{}, err
	}
	return WorkerConfig{
		CoreConfig:  core,
		Every:       envDurationDefault("MARKETSIM_WORKER_EVERY", 5*time.Minute),
		RunOnce:     envBoolDefault("MARKETSIM_WORKER_RUN_ONCE", false),
		AutoRepair:  envBoolDefault("MARKETSIM_WORKER_AUTO_REPAIR", false),
		MetricsAddr: envDefault("MARKETSIM_WORKER_METRICS_ADDR", ":9091"),
	}, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
