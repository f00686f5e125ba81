// Package config provides engine configuration loading and validation.
//
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. Config file (steward.yaml)
//  3. Environment variables (STEWARD_*)
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root engine configuration.
type Config struct {
	Database   Database   `yaml:"database"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Locks      Locks      `yaml:"locks"`
	Agents     Agents     `yaml:"agents"`
	Tasks      Tasks      `yaml:"tasks"`
	Guardian   Guardian   `yaml:"guardian"`
	PhasesFile string     `yaml:"phases_file"` // optional YAML phase definitions
}

// Database selects the storage backend.
type Database struct {
	Dialect string `yaml:"dialect"` // "sqlite" or "postgres"
	DSN     string `yaml:"dsn"`
}

// Dispatcher configures the task dispatcher.
type Dispatcher struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"` // 0 = total agent capacity
	BatchSize          int           `yaml:"batch_size"`
	FairnessWindow     int           `yaml:"fairness_window"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

// Locks configures the resource lease coordinator.
type Locks struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	MaxRetries    int           `yaml:"max_retries"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Agents configures registry heartbeat handling.
type Agents struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	MinHealthScore    float64       `yaml:"min_health_score"`
}

// Tasks configures retry and timeout behavior.
type Tasks struct {
	DefaultMaxRetries    int           `yaml:"default_max_retries"`
	RetryBackoffBase     time.Duration `yaml:"retry_backoff_base"`
	TimeoutSweepInterval time.Duration `yaml:"timeout_sweep_interval"`
}

// Guardian configures the monitoring loops. The interval and threshold
// values are suggested defaults, not normative constants.
type Guardian struct {
	Interval             time.Duration `yaml:"interval"`
	StuckInterval        time.Duration `yaml:"stuck_interval"`
	CoherenceInterval    time.Duration `yaml:"coherence_interval"`
	StuckThreshold       time.Duration `yaml:"stuck_threshold"`
	InterventionCooldown time.Duration `yaml:"intervention_cooldown"`
	AlignmentThreshold   float64       `yaml:"alignment_threshold"`
	EmergencyThreshold   float64       `yaml:"emergency_threshold"`
	ConfidenceThreshold  float64       `yaml:"confidence_threshold"`
	SpawnRecoveryTasks   bool          `yaml:"spawn_recovery_tasks"`
	AnalyzerRateLimit    float64       `yaml:"analyzer_rate_limit"` // calls per second
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Database: Database{
			Dialect: "sqlite",
			DSN:     "steward.db",
		},
		Dispatcher: Dispatcher{
			MaxConcurrentTasks: 0, // derived from total agent capacity
			BatchSize:          16,
			FairnessWindow:     8,
			PollInterval:       2 * time.Second,
		},
		Locks: Locks{
			DefaultTTL:    300 * time.Second,
			MaxRetries:    5,
			BaseBackoff:   100 * time.Millisecond,
			SweepInterval: 30 * time.Second,
		},
		Agents: Agents{
			HeartbeatInterval: 30 * time.Second,
			StaleTimeout:      90 * time.Second,
			MinHealthScore:    0.5,
		},
		Tasks: Tasks{
			DefaultMaxRetries:    3,
			RetryBackoffBase:     1 * time.Second,
			TimeoutSweepInterval: 10 * time.Second,
		},
		Guardian: Guardian{
			Interval:             60 * time.Second,
			StuckInterval:        60 * time.Second,
			CoherenceInterval:    5 * time.Minute,
			StuckThreshold:       5 * time.Minute,
			InterventionCooldown: 60 * time.Second,
			AlignmentThreshold:   0.5,
			EmergencyThreshold:   0.2,
			ConfidenceThreshold:  0.7,
			SpawnRecoveryTasks:   true,
			AnalyzerRateLimit:    2,
		},
	}
}

// Load reads configuration from the given file path, merged over defaults,
// then applies STEWARD_* environment overrides. A missing file is not an
// error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies STEWARD_* environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("STEWARD_DB_DIALECT"); v != "" {
		cfg.Database.Dialect = v
	}
	if v := os.Getenv("STEWARD_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("STEWARD_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.MaxConcurrentTasks = n
		} else {
			slog.Warn("ignoring invalid STEWARD_MAX_CONCURRENT_TASKS", "value", v)
		}
	}
	if v := os.Getenv("STEWARD_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Locks.DefaultTTL = d
		} else {
			slog.Warn("ignoring invalid STEWARD_LOCK_TTL", "value", v)
		}
	}
	if v := os.Getenv("STEWARD_STALE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agents.StaleTimeout = d
		} else {
			slog.Warn("ignoring invalid STEWARD_STALE_TIMEOUT", "value", v)
		}
	}
	if v := os.Getenv("STEWARD_GUARDIAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Guardian.Interval = d
		} else {
			slog.Warn("ignoring invalid STEWARD_GUARDIAN_INTERVAL", "value", v)
		}
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Database.Dialect != "sqlite" && c.Database.Dialect != "postgres" {
		return fmt.Errorf("invalid configuration: database.dialect must be sqlite or postgres, got %q", c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("invalid configuration: database.dsn is required")
	}
	if c.Dispatcher.BatchSize < 1 {
		return fmt.Errorf("invalid configuration: dispatcher.batch_size must be >= 1")
	}
	if c.Dispatcher.FairnessWindow < 1 {
		return fmt.Errorf("invalid configuration: dispatcher.fairness_window must be >= 1")
	}
	if c.Locks.MaxRetries < 0 {
		return fmt.Errorf("invalid configuration: locks.max_retries must be >= 0")
	}
	if c.Locks.DefaultTTL <= 0 {
		return fmt.Errorf("invalid configuration: locks.default_ttl must be positive")
	}
	if c.Agents.StaleTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("invalid configuration: agents.stale_timeout must exceed agents.heartbeat_interval")
	}
	if c.Tasks.DefaultMaxRetries < 0 {
		return fmt.Errorf("invalid configuration: tasks.default_max_retries must be >= 0")
	}
	if c.Guardian.AlignmentThreshold < 0 || c.Guardian.AlignmentThreshold > 1 {
		return fmt.Errorf("invalid configuration: guardian.alignment_threshold must be in [0,1]")
	}
	if c.Guardian.EmergencyThreshold < 0 || c.Guardian.EmergencyThreshold > c.Guardian.AlignmentThreshold {
		return fmt.Errorf("invalid configuration: guardian.emergency_threshold must be in [0, alignment_threshold]")
	}
	return nil
}
