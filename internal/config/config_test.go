package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	m := cfg.Merge()
	assert.Equal(t, "merged", m.MergedBucket)
	assert.Equal(t, "merged_files/", m.MergedPrefix)
	assert.Equal(t, "_merged.csv", m.MergedSuffix)
	assert.Equal(t, ',', m.Delimiter)
	assert.Equal(t, 15*time.Minute, m.LeaseTTL)
	assert.Equal(t, 3, m.MaxAttempts)

	opts := cfg.Repository()
	assert.Equal(t, "sqlite", opts.Driver)
	assert.Equal(t, "file_uploads", opts.Table)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, "pairmerge.yaml", `
store_driver: postgres
store_dsn: postgres://localhost/pairmerge
delimiter: ";"
lease_ttl: 2m
workers: 8
`)
	t.Setenv("PAIRMERGE_WORKERS", "3")
	t.Setenv("PAIRMERGE_MERGED_BUCKET", "joined")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "postgres://localhost/pairmerge", cfg.StoreDSN)
	assert.Equal(t, ';', cfg.Merge().Delimiter)
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, 3, cfg.Workers, "env wins over the file")
	assert.Equal(t, "joined", cfg.MergedBucket)
	assert.Equal(t, "file_uploads", cfg.StoreTable, "unset keys keep defaults")
}

func TestLoadEnvParseErrors(t *testing.T) {
	t.Setenv("PAIRMERGE_MAX_ATTEMPTS", "three")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAIRMERGE_MAX_ATTEMPTS")

	t.Setenv("PAIRMERGE_MAX_ATTEMPTS", "")
	t.Setenv("PAIRMERGE_LEASE_TTL", "soon")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAIRMERGE_LEASE_TTL")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "oracle" }, "store_driver"},
		{"empty dsn", func(c *Config) { c.StoreDSN = "" }, "store_dsn"},
		{"bad table", func(c *Config) { c.StoreTable = "files; drop table x" }, "store_table"},
		{"long delimiter", func(c *Config) { c.Delimiter = ",," }, "delimiter"},
		{"quote delimiter", func(c *Config) { c.Delimiter = `"` }, "delimiter"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"negative attempts", func(c *Config) { c.MaxAttempts = -1 }, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	cfg.StoreDriver = "pebble"
	cfg.StoreTable = ""
	assert.NoError(t, cfg.Validate(), "pebble has no table")

	cfg = Default()
	cfg.Delimiter = "\t"
	assert.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := writeFile(t, ".env", "PAIRMERGE_TEST_DOTENV=loaded\n")
	t.Setenv("PAIRMERGE_TEST_DOTENV", "")
	os.Unsetenv("PAIRMERGE_TEST_DOTENV")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("PAIRMERGE_TEST_DOTENV"))
}
