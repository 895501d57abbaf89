// Package config loads and persists the keirinfeed configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file. Durations are plain seconds so the
// file stays editable by hand; use the accessor methods for time.Duration.
type Config struct {
	Performance PerformanceConfig `yaml:"performance"`
	API         APIConfig         `yaml:"api"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Ops         OpsConfig         `yaml:"ops"`

	// VenueOverrides patches the venue-id to track-code mapping for the
	// result pages when the built-in numbering is wrong for a venue.
	VenueOverrides map[int64]string `yaml:"venue_overrides,omitempty"`
}

// PerformanceConfig holds worker pool sizes and per-class pacing intervals.
// Rate limits are the minimum seconds between two requests of that class.
type PerformanceConfig struct {
	MaxWorkers          int     `yaml:"max_workers"`
	Step3MaxWorkers     int     `yaml:"step3_max_workers"`
	RateLimitWinticket  float64 `yaml:"rate_limit_winticket"`
	RateLimitYenjoyHTML float64 `yaml:"rate_limit_yenjoy_html"`
	RateLimitYenjoyAPI  float64 `yaml:"rate_limit_yenjoy_api"`
	SaverBatchSize      int     `yaml:"saver_batch_size"`
}

// APIConfig holds the HTTP client knobs shared by both upstream hosts.
type APIConfig struct {
	RequestTimeoutSec int     `yaml:"request_timeout"`
	RetryCount        int     `yaml:"retry_count"`
	RetryDelaySec     float64 `yaml:"retry_delay"`
}

// RequestTimeout returns the per-request timeout.
func (a APIConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSec) * time.Second
}

// RetryDelay returns the backoff base.
func (a APIConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelaySec * float64(time.Second))
}

// ScheduleConfig carries the trigger list as a JSON string, matching the
// persisted `schedule_list` contract.
type ScheduleConfig struct {
	ScheduleList string `yaml:"schedule_list"`
}

// Trigger is one wall-clock trigger entry.
type Trigger struct {
	Time    string `json:"time"` // HH:MM local
	Steps   []int  `json:"steps"`
	Enabled bool   `json:"enabled"`
}

// Triggers decodes and validates the schedule_list JSON.
func (s ScheduleConfig) Triggers() ([]Trigger, error) {
	if s.ScheduleList == "" {
		return nil, nil
	}
	var triggers []Trigger
	if err := json.Unmarshal([]byte(s.ScheduleList), &triggers); err != nil {
		return nil, fmt.Errorf("failed to decode schedule_list: %w", err)
	}
	for _, tr := range triggers {
		if _, err := time.Parse("15:04", tr.Time); err != nil {
			return nil, fmt.Errorf("invalid trigger time %q: %w", tr.Time, err)
		}
		for _, st := range tr.Steps {
			if st < 1 || st > 5 {
				return nil, fmt.Errorf("invalid trigger step %d", st)
			}
		}
	}
	return triggers, nil
}

// SetTriggers re-encodes the trigger list into schedule_list.
func (s *ScheduleConfig) SetTriggers(triggers []Trigger) error {
	raw, err := json.Marshal(triggers)
	if err != nil {
		return fmt.Errorf("failed to encode schedule_list: %w", err)
	}
	s.ScheduleList = string(raw)
	return nil
}

// DatabaseConfig holds the Postgres pool settings.
type DatabaseConfig struct {
	DSN                string `yaml:"dsn"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime"`
	ConnMaxIdleTimeSec int    `yaml:"conn_max_idle_time"`
	QueryTimeoutSec    int    `yaml:"query_timeout"`
}

func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSec) * time.Second
}

func (d DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(d.ConnMaxIdleTimeSec) * time.Second
}

func (d DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(d.QueryTimeoutSec) * time.Second
}

// RedisConfig holds the optional odds snapshot cache settings. An empty Addr
// selects the in-memory cache.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	TTLSec int    `yaml:"ttl"`
}

func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLSec) * time.Second
}

// OpsConfig holds the health/metrics listener address; empty disables it.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Performance: PerformanceConfig{
			MaxWorkers:          3,
			Step3MaxWorkers:     2,
			RateLimitWinticket:  1.0,
			RateLimitYenjoyHTML: 3.0,
			RateLimitYenjoyAPI:  2.0,
			SaverBatchSize:      100,
		},
		API: APIConfig{
			RequestTimeoutSec: 30,
			RetryCount:        3,
			RetryDelaySec:     2.0,
		},
		Schedule: ScheduleConfig{
			ScheduleList: "[]",
		},
		Database: DatabaseConfig{
			DSN:                "",
			MaxOpenConns:       10,
			MaxIdleConns:       5,
			ConnMaxLifetimeSec: 1800,
			ConnMaxIdleTimeSec: 300,
			QueryTimeoutSec:    30,
		},
		Redis: RedisConfig{
			Addr:   "",
			TTLSec: 600,
		},
		Ops: OpsConfig{
			ListenAddr: "",
		},
	}
}

// Load reads the configuration file at path, layering it over the defaults
// and applying PG_DSN / REDIS_ADDR environment overrides. A missing file is
// not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path as canonical YAML.
func Save(cfg Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Performance.MaxWorkers < 1 {
		return fmt.Errorf("performance.max_workers must be >= 1, got %d", c.Performance.MaxWorkers)
	}
	if c.Performance.Step3MaxWorkers < 1 {
		return fmt.Errorf("performance.step3_max_workers must be >= 1, got %d", c.Performance.Step3MaxWorkers)
	}
	if c.Performance.SaverBatchSize < 1 {
		return fmt.Errorf("performance.saver_batch_size must be >= 1, got %d", c.Performance.SaverBatchSize)
	}
	for name, v := range map[string]float64{
		"rate_limit_winticket":   c.Performance.RateLimitWinticket,
		"rate_limit_yenjoy_html": c.Performance.RateLimitYenjoyHTML,
		"rate_limit_yenjoy_api":  c.Performance.RateLimitYenjoyAPI,
	} {
		if v <= 0 {
			return fmt.Errorf("performance.%s must be > 0, got %v", name, v)
		}
	}
	if c.API.RequestTimeoutSec < 1 {
		return fmt.Errorf("api.request_timeout must be >= 1, got %d", c.API.RequestTimeoutSec)
	}
	if c.API.RetryCount < 1 {
		return fmt.Errorf("api.retry_count must be >= 1, got %d", c.API.RetryCount)
	}
	if c.API.RetryDelaySec <= 0 {
		return fmt.Errorf("api.retry_delay must be > 0, got %v", c.API.RetryDelaySec)
	}
	if _, err := c.Schedule.Triggers(); err != nil {
		return err
	}
	return nil
}
