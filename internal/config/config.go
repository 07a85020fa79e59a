// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/velocityhq/velocity/internal/fault"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/velocity")
	DataDir string `json:"data_dir"`

	// Redis address; empty selects the in-process bus
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Task      TaskConfig      `json:"task,omitempty"`
	Breaker   BreakerConfig   `json:"breaker,omitempty"`
	Pipeline  PipelineConfig  `json:"pipeline,omitempty"`
	Trust     TrustConfig     `json:"trust,omitempty"`

	// OTLP gRPC endpoint for traces; empty disables tracing
	TelemetryEndpoint string `json:"telemetry_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// SchedulerConfig tunes the job tick loop and queue fairness.
type SchedulerConfig struct {
	TickInterval        Duration `json:"tick_interval"`
	StarvationThreshold Duration `json:"starvation_threshold"`
}

// AgentConfig tunes the per-agent runtime loops.
type AgentConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	HeartbeatJitter   Duration `json:"heartbeat_jitter"`
	MissToDegraded    int      `json:"heartbeat_miss_to_degraded"`
	DegradedToError   int      `json:"degraded_to_error"`
	GraceWindow       Duration `json:"grace_window"`
}

// TaskConfig tunes task execution and retry behavior.
type TaskConfig struct {
	Deadline    Duration `json:"deadline"`
	SoftWarn    Duration `json:"soft_warn"`
	MaxAttempts int      `json:"max_attempts"`
	BackoffBase Duration `json:"backoff_base"`
	BackoffCap  Duration `json:"backoff_cap"`
}

// BreakerConfig tunes the per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	RecoveryTimeout  Duration `json:"recovery_timeout"`
}

// PipelineConfig tunes evidence commit and notification.
type PipelineConfig struct {
	OutboxMaxRetries int `json:"outbox_max_retries"`
	OutboxDepth      int `json:"outbox_depth"`
}

// TrustConfig tunes trust-score recomputation.
type TrustConfig struct {
	Debounce                 Duration `json:"debounce"`
	AutomationBonusThreshold float64  `json:"automation_bonus_threshold"`
}

// Default returns configuration with production defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/velocity",
		LogLevel:   "info",
		Scheduler: SchedulerConfig{
			TickInterval:        Duration(time.Second),
			StarvationThreshold: Duration(5 * time.Minute),
		},
		Agent: AgentConfig{
			HeartbeatInterval: Duration(10 * time.Second),
			HeartbeatJitter:   Duration(time.Second),
			MissToDegraded:    2,
			DegradedToError:   5,
			GraceWindow:       Duration(30 * time.Second),
		},
		Task: TaskConfig{
			Deadline:    Duration(600 * time.Second),
			SoftWarn:    Duration(540 * time.Second),
			MaxAttempts: 3,
			BackoffBase: Duration(time.Second),
			BackoffCap:  Duration(300 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(60 * time.Second),
		},
		Pipeline: PipelineConfig{
			OutboxMaxRetries: 8,
			OutboxDepth:      1024,
		},
		Trust: TrustConfig{
			Debounce:                 Duration(10 * time.Second),
			AutomationBonusThreshold: 0.70,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %v: %w", err, fault.ErrConfig)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %v: %w", err, fault.ErrConfig)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("VELOCITY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VELOCITY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VELOCITY_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("VELOCITY_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("VELOCITY_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("VELOCITY_TELEMETRY_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}
	if v := os.Getenv("VELOCITY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VELOCITY_SCHEDULER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TickInterval = Duration(d)
		}
	}
	if v := os.Getenv("VELOCITY_TASK_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Task.Deadline = Duration(d)
		}
	}
	if v := os.Getenv("VELOCITY_TASK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Task.MaxAttempts = n
		}
	}
	if v := os.Getenv("VELOCITY_TRUST_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Trust.Debounce = Duration(d)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the control plane cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required: %w", fault.ErrConfig)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required: %w", fault.ErrConfig)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive: %w", fault.ErrConfig)
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent.heartbeat_interval must be positive: %w", fault.ErrConfig)
	}
	if c.Agent.MissToDegraded <= 0 || c.Agent.DegradedToError <= c.Agent.MissToDegraded {
		return fmt.Errorf("agent heartbeat thresholds must satisfy 0 < miss_to_degraded < degraded_to_error: %w", fault.ErrConfig)
	}
	if c.Task.MaxAttempts <= 0 {
		return fmt.Errorf("task.max_attempts must be positive: %w", fault.ErrConfig)
	}
	if c.Task.SoftWarn >= c.Task.Deadline {
		return fmt.Errorf("task.soft_warn must come before task.deadline: %w", fault.ErrConfig)
	}
	if c.Task.BackoffBase <= 0 || c.Task.BackoffCap < c.Task.BackoffBase {
		return fmt.Errorf("task backoff must satisfy 0 < base <= cap: %w", fault.ErrConfig)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive: %w", fault.ErrConfig)
	}
	if c.Trust.AutomationBonusThreshold <= 0 || c.Trust.AutomationBonusThreshold > 1 {
		return fmt.Errorf("trust.automation_bonus_threshold must be in (0, 1]: %w", fault.ErrConfig)
	}
	return nil
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// Duration is a time.Duration that marshals as a string ("30s", "5m").
type Duration time.Duration

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("duration %q: %v: %w", val, err, fault.ErrConfig)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("duration must be a string or number: %w", fault.ErrConfig)
	}
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
