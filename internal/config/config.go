// Package config loads ingester configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contriblens/activity-ingest/internal/archive"
	"github.com/contriblens/activity-ingest/internal/backoff"
	"github.com/contriblens/activity-ingest/internal/cache"
	"github.com/contriblens/activity-ingest/internal/catalog"
	"github.com/contriblens/activity-ingest/internal/checkpoint"
	"github.com/contriblens/activity-ingest/internal/ghapi"
	"github.com/contriblens/activity-ingest/internal/logging"
	"github.com/contriblens/activity-ingest/internal/metrics"
	"github.com/contriblens/activity-ingest/internal/notify"
	"github.com/contriblens/activity-ingest/internal/record"
)

// Window is the inclusive time range fetched for every repository.
type Window struct {
	Start string `yaml:"start"` // RFC 3339
	End   string `yaml:"end"`   // RFC 3339; empty means now
}

// Quota holds request-budget tuning.
type Quota struct {
	// LowWater triggers proactive pacing when the remaining budget drops to
	// or below this value.
	LowWater int `yaml:"low_water"`
}

// Performance holds concurrency tuning.
type Performance struct {
	Workers int `yaml:"workers"`
}

// Config is the root configuration.
type Config struct {
	GitHub       ghapi.Config      `yaml:"github"`
	Repositories []string          `yaml:"repositories"`
	RecordTypes  []string          `yaml:"record_types"`
	Window       Window            `yaml:"window"`
	Cache        cache.Config      `yaml:"cache"`
	Checkpoint   checkpoint.Config `yaml:"checkpoint"`
	Retry        backoff.Config    `yaml:"retry"`
	Quota        Quota             `yaml:"quota"`
	Performance  Performance       `yaml:"performance"`
	Metrics      metrics.Config    `yaml:"metrics"`
	Archive      archive.Config    `yaml:"archive"`
	Catalog      catalog.Config    `yaml:"catalog"`
	Notify       notify.Config     `yaml:"notify"`
	Logging      logging.Config    `yaml:"logging"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() Config {
	return Config{
		RecordTypes: []string{
			string(record.TypeCommit),
			string(record.TypePullRequest),
			string(record.TypeReview),
			string(record.TypeIssue),
		},
		Cache: cache.Config{
			Backend: "local",
			Dir:     "./data/cache",
		},
		Checkpoint: checkpoint.Config{
			Enabled: true,
			Dir:     "./data/checkpoints",
		},
		Quota: Quota{
			LowWater: 100,
		},
		Performance: Performance{
			Workers: 1,
		},
		Metrics: metrics.Config{
			Address: ":9090",
		},
		Archive: archive.Config{
			Dir: "./data/archive",
		},
		Logging: logging.Config{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads configuration: defaults, then the YAML file (if path is
// non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments override secrets and endpoints without
// editing the config file.
func applyEnvOverrides(cfg *Config) {
	cfg.GitHub.Token = getenvDefault("GITHUB_TOKEN", cfg.GitHub.Token)
	cfg.GitHub.BaseURL = getenvDefault("GITHUB_API_URL", cfg.GitHub.BaseURL)
	cfg.Catalog.DSN = getenvDefault("CATALOG_DSN", cfg.Catalog.DSN)
	cfg.Notify.Endpoint = getenvDefault("NOTIFY_ENDPOINT", cfg.Notify.Endpoint)
	cfg.Cache.BucketURL = getenvDefault("CACHE_BUCKET_URL", cfg.Cache.BucketURL)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("INGEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Performance.Workers = n
		}
	}
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks the fields the rest of the process cannot default its way
// around.
func (c Config) Validate() error {
	if len(c.Repositories) == 0 {
		return fmt.Errorf("config: at least one repository is required")
	}
	if len(c.RecordTypes) == 0 {
		return fmt.Errorf("config: at least one record type is required")
	}
	for _, rt := range c.RecordTypes {
		if _, err := record.ParseType(rt); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.Window.Start == "" {
		return fmt.Errorf("config: window.start is required")
	}
	if _, _, err := c.ParseWindow(); err != nil {
		return err
	}
	if c.Performance.Workers < 1 {
		return fmt.Errorf("config: performance.workers must be >= 1")
	}
	return nil
}

// ParseWindow returns the configured fetch window. An empty end means now.
func (c Config) ParseWindow() (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, c.Window.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: parse window.start: %w", err)
	}

	end := time.Now().UTC()
	if c.Window.End != "" {
		end, err = time.Parse(time.RFC3339, c.Window.End)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("config: parse window.end: %w", err)
		}
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("config: window.end must be after window.start")
	}
	return start.UTC(), end.UTC(), nil
}

// Operations expands the configured repositories and record types into the
// full set of fetch operations for this run.
func (c Config) Operations() ([]record.FetchOperation, error) {
	start, end, err := c.ParseWindow()
	if err != nil {
		return nil, err
	}

	ops := make([]record.FetchOperation, 0, len(c.Repositories)*len(c.RecordTypes))
	for _, repo := range c.Repositories {
		for _, rt := range c.RecordTypes {
			t, err := record.ParseType(rt)
			if err != nil {
				return nil, err
			}
			ops = append(ops, record.FetchOperation{
				Repository:  repo,
				RecordType:  t,
				WindowStart: start,
				WindowEnd:   end,
			})
		}
	}
	return ops, nil
}
