// Package config loads service settings from defaults, an optional YAML file
// and PAIRMERGE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mtiwari1/pairmerge/internal/merge"
	"github.com/mtiwari1/pairmerge/internal/repository"
)

const envPrefix = "PAIRMERGE_"

type Config struct {
	StoreDriver  string        `yaml:"store_driver"`
	StoreDSN     string        `yaml:"store_dsn"`
	StoreTable   string        `yaml:"store_table"`
	StorageRoot  string        `yaml:"storage_root"`
	MergedBucket string        `yaml:"merged_bucket"`
	MergedPrefix string        `yaml:"merged_prefix"`
	MergedSuffix string        `yaml:"merged_suffix"`
	Delimiter    string        `yaml:"delimiter"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Workers      int           `yaml:"workers"`
	HTTPAddr     string        `yaml:"http_addr"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	LogLevel     string        `yaml:"log_level"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	m := merge.DefaultConfig()
	return &Config{
		StoreDriver:  "sqlite",
		StoreDSN:     "pairmerge.db",
		StoreTable:   "file_uploads",
		StorageRoot:  "./data",
		MergedBucket: m.MergedBucket,
		MergedPrefix: m.MergedPrefix,
		MergedSuffix: m.MergedSuffix,
		Delimiter:    string(m.Delimiter),
		LeaseTTL:     m.LeaseTTL,
		MaxAttempts:  m.MaxAttempts,
		Workers:      5,
		HTTPAddr:     ":8080",
		GRPCAddr:     ":50051",
		LogLevel:     "info",
	}
}

// LoadDotEnv loads a .env file into the process environment if one exists.
// Variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.StoreDSN = getEnv("STORE_DSN", c.StoreDSN)
	c.StoreTable = getEnv("STORE_TABLE", c.StoreTable)
	c.StorageRoot = getEnv("STORAGE_ROOT", c.StorageRoot)
	c.MergedBucket = getEnv("MERGED_BUCKET", c.MergedBucket)
	c.MergedPrefix = getEnv("MERGED_PREFIX", c.MergedPrefix)
	c.MergedSuffix = getEnv("MERGED_SUFFIX", c.MergedSuffix)
	c.Delimiter = getEnv("DELIMITER", c.Delimiter)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var err error
	c.LeaseTTL, err = getEnvAsDuration("LEASE_TTL", c.LeaseTTL)
	if err != nil {
		return err
	}

	c.MaxAttempts, err = getEnvAsInt("MAX_ATTEMPTS", c.MaxAttempts)
	if err != nil {
		return err
	}

	c.Workers, err = getEnvAsInt("WORKERS", c.Workers)
	if err != nil {
		return err
	}

	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case "mysql", "postgres", "sqlite", "pebble":
	default:
		errs = append(errs, fmt.Errorf("store_driver: unknown driver %q", c.StoreDriver))
	}
	if c.StoreDSN == "" {
		errs = append(errs, errors.New("store_dsn: must be set"))
	}
	if c.StoreDriver != "pebble" && !repository.ValidTableName(c.StoreTable) {
		errs = append(errs, fmt.Errorf("store_table: invalid identifier %q", c.StoreTable))
	}
	if c.StorageRoot == "" {
		errs = append(errs, errors.New("storage_root: must be set"))
	}
	if c.MergedBucket == "" {
		errs = append(errs, errors.New("merged_bucket: must be set"))
	}
	if r, size := utf8.DecodeRuneInString(c.Delimiter); size == 0 || size != len(c.Delimiter) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		errs = append(errs, fmt.Errorf("delimiter: must be a single character other than a quote or newline, got %q", c.Delimiter))
	}
	if c.LeaseTTL < 0 {
		errs = append(errs, fmt.Errorf("lease_ttl: must not be negative, got %s", c.LeaseTTL))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max_attempts: must not be negative, got %d", c.MaxAttempts))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers: must be at least 1, got %d", c.Workers))
	}
	return errors.Join(errs...)
}

// Merge returns the merge engine settings.
func (c *Config) Merge() merge.Config {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return merge.Config{
		MergedBucket: c.MergedBucket,
		MergedPrefix: c.MergedPrefix,
		MergedSuffix: c.MergedSuffix,
		Delimiter:    r,
		LeaseTTL:     c.LeaseTTL,
		MaxAttempts:  c.MaxAttempts,
	}
}

// Repository returns the metadata store settings.
func (c *Config) Repository() repository.Options {
	return repository.Options{
		Driver: c.StoreDriver,
		DSN:    c.StoreDSN,
		Table:  c.StoreTable,
	}
}

func getEnv(key, defaultValue string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(envPrefix + key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s%s: expected an integer, got '%s'", envPrefix, key, valueStr)
	}

	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(envPrefix + key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s%s: expected a duration, got '%s'", envPrefix, key, valueStr)
	}

	return value, nil
}
