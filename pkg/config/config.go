// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors

// Package config loads the engine's ambient configuration: catalog
// storage location, chunk sizing, compression, and RPC retry policy.
// Configuration layers a YAML file with environment-variable
// overrides, and optionally an .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RetryPolicy holds exponential backoff and circuit-breaker settings
// for Source and Target RPC calls. The in-tree Source and Target
// implementations do not read it; they use ratelimit.DefaultBackoff and
// ratelimit.DefaultCircuitBreakerOptions, whose values
// DefaultRetryPolicy repeats.
type RetryPolicy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	MaxAttempts  int           `yaml:"max_attempts"`

	CircuitThreshold         int           `yaml:"circuit_threshold"`
	CircuitTimeout           time.Duration `yaml:"circuit_timeout"`
	CircuitHalfOpenSuccesses int           `yaml:"circuit_half_open_successes"`
}

// DefaultRetryPolicy mirrors ratelimit.DefaultBackoff's and
// ratelimit.DefaultCircuitBreakerOptions' defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:             100 * time.Millisecond,
		MaxDelay:                 60 * time.Second,
		Factor:                   2.0,
		MaxAttempts:              5,
		CircuitThreshold:         5,
		CircuitTimeout:           30 * time.Second,
		CircuitHalfOpenSuccesses: 2,
	}
}

// Config is the engine's process-wide configuration.
type Config struct {
	// CatalogDSN is the database/sql DSN for files_db/chunks_db
	// storage, e.g. "file:vaultkeep.db?_pragma=busy_timeout(5000)" or
	// ":memory:" for tests.
	CatalogDSN string `yaml:"catalog_dsn"`

	// ChunkCapacities is the ladder of chunk sizes next_chunk chooses
	// from, largest-accepted-first per spec.md §4.6.
	ChunkCapacities []int64 `yaml:"chunk_capacities"`

	// FreeLimit is the remaining-space threshold below which a chunk
	// is considered full.
	FreeLimit int64 `yaml:"free_limit"`

	// Compress enables compress/flate on packed blocks.
	Compress bool `yaml:"compress"`

	// WorkerPoolSize bounds concurrent file hashing in the source
	// worker's hash/diff stage.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	Retry RetryPolicy `yaml:"retry"`
}

// Default returns a Config with conservative defaults suitable for a
// single local backup task.
func Default() Config {
	return Config{
		CatalogDSN:      "vaultkeep.db",
		ChunkCapacities: []int64{4 << 20, 16 << 20, 64 << 20},
		FreeLimit:       64 << 10,
		Compress:        true,
		WorkerPoolSize:  4,
		Retry:           DefaultRetryPolicy(),
	}
}

// Load reads a YAML config file at path (if it exists), then applies
// environment-variable overrides, optionally sourced from an .env file.
//
// path may be empty, in which case only defaults and env overrides
// apply.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		// Missing .env files are not an error; the caller may not have one.
		_ = godotenv.Load(envFile)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VAULTKEEP_CATALOG_DSN"); v != "" {
		cfg.CatalogDSN = v
	}
	if v := os.Getenv("VAULTKEEP_FREE_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.FreeLimit = n
		}
	}
	if v := os.Getenv("VAULTKEEP_COMPRESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Compress = b
		}
	}
	if v := os.Getenv("VAULTKEEP_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("VAULTKEEP_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
}
