package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// RunnerConfig holds process-level configuration for the backtest runner,
// following the teacher's own pattern of a typed struct plus a
// Default...() constructor and a Validate() pass: a JSON file (optional)
// layered over environment-variable defaults.
type RunnerConfig struct {
	Port       string `json:"port" validate:"required,numeric"`
	DatasetDir string `json:"dataset_dir"`

	// RedisAddr, when set, backs the Candle Store's optional archive-backfill
	// cache (libs/backtest/candle.CacheBackfill). Empty disables the cache;
	// backfill still works via direct archive fetch.
	RedisAddr string `json:"redis_addr" validate:"omitempty,hostname_port"`
	// ArchiveBaseURL, when set, enables day-gap candle backfill from a
	// remote archive. Empty disables backfill entirely.
	ArchiveBaseURL string `json:"archive_base_url" validate:"omitempty,url"`

	// PostgresDSN, when set, opens a durable trade ledger
	// (libs/backtest/broker.TradeLedger) alongside the required JSON
	// journal. Empty disables it.
	PostgresDSN string `json:"postgres_dsn"`

	// DefaultRiskPerTrade seeds backtest.Config.RiskPerTrade when a request
	// omits it.
	DefaultRiskPerTrade float64 `json:"default_risk_per_trade" validate:"omitempty,gt=0,lte=0.2"`
}

// DefaultRunnerConfig returns the configuration used when no JSON config
// file and no environment overrides are present.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Port:                "8095",
		DefaultRiskPerTrade: 0.01,
	}
}

var configValidator = validator.New()

// Validate checks struct-tag constraints on the loaded configuration.
func (c RunnerConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadRunnerConfig builds a RunnerConfig from defaults, environment
// variables, and an optional JSON file at path (silently skipped if it
// does not exist), in that order of increasing precedence, then validates
// the result.
func LoadRunnerConfig(path string) (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()
	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.DatasetDir = envOrDefault("DATASET_DIR", cfg.DatasetDir)
	cfg.RedisAddr = envOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.ArchiveBaseURL = envOrDefault("ARCHIVE_BASE_URL", cfg.ArchiveBaseURL)
	cfg.PostgresDSN = envOrDefault("POSTGRES_DSN", cfg.PostgresDSN)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
