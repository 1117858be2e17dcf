// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
catalog_dsn: "file:test.db"
free_limit: 1024
compress: false
worker_pool_size: 2
`), 0o600))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "file:test.db", cfg.CatalogDSN)
	assert.EqualValues(t, 1024, cfg.FreeLimit)
	assert.False(t, cfg.Compress)
	assert.Equal(t, 2, cfg.WorkerPoolSize)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml", "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VAULTKEEP_CATALOG_DSN", "file:env.db")
	t.Setenv("VAULTKEEP_FREE_LIMIT", "2048")
	t.Setenv("VAULTKEEP_COMPRESS", "false")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "file:env.db", cfg.CatalogDSN)
	assert.EqualValues(t, 2048, cfg.FreeLimit)
	assert.False(t, cfg.Compress)
}
