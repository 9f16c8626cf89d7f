// Package config handles configuration loading for ChatGuard.
// Detection thresholds are hot-reloadable: callers hold a *Store and read a
// consistent snapshot per event, never individual fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Engine     EngineConfig          `yaml:"engine"`
	Thresholds Thresholds            `yaml:"thresholds"`
	Guilds     map[string]Thresholds `yaml:"guilds"` // per-guild overrides, keyed by guild ID
	Executor   ExecutorConfig        `yaml:"executor"`
	State      StateConfig           `yaml:"state"`
	Audit      AuditConfig           `yaml:"audit"`
	Watchdog   WatchdogConfig        `yaml:"watchdog"`
	Source     SourceConfig          `yaml:"source"`
	Alerts     AlertsConfig          `yaml:"alerts"`
	Logging    LoggingConfig         `yaml:"logging"`
}

// EngineConfig holds pipeline settings.
type EngineConfig struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	CorrelationWindow time.Duration `yaml:"correlation_window"`
}

// Thresholds holds every detection knob. A zero field in a per-guild
// override means "inherit the global value".
type Thresholds struct {
	// Spam.
	SpamMediumCount  int           `yaml:"spam_medium_count"` // T1
	SpamHighCount    int           `yaml:"spam_high_count"`   // T2
	SpamWindow       time.Duration `yaml:"spam_window"`
	DuplicateRatio   float64       `yaml:"duplicate_ratio"` // R
	DuplicateMinMsgs int           `yaml:"duplicate_min_msgs"`
	MentionLimit     int           `yaml:"mention_limit"`
	WarnCooldown     time.Duration `yaml:"warn_cooldown"`

	// Raid.
	JoinThreshold    int           `yaml:"join_threshold"` // J
	JoinWindow       time.Duration `yaml:"join_window"`
	SuspectRatio     float64       `yaml:"suspect_ratio"`
	MinAccountAge    time.Duration `yaml:"min_account_age"`
	LockdownDuration time.Duration `yaml:"lockdown_duration"`

	// Nuke.
	NukeThreshold int           `yaml:"nuke_threshold"` // D
	NukeWindow    time.Duration `yaml:"nuke_window"`

	// ContentRisk.
	ContentLowBand  float64 `yaml:"content_low_band"`
	ContentHighBand float64 `yaml:"content_high_band"`

	// Arbiter cool-downs by severity.
	CooldownLow      time.Duration `yaml:"cooldown_low"`
	CooldownMedium   time.Duration `yaml:"cooldown_medium"`
	CooldownHigh     time.Duration `yaml:"cooldown_high"`
	CooldownCritical time.Duration `yaml:"cooldown_critical"`
}

// ExecutorConfig holds action executor settings.
type ExecutorConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	CallTimeout    time.Duration `yaml:"call_timeout"`

	// Per-guild platform call budget.
	GuildCallLimit  int           `yaml:"guild_call_limit"`
	GuildCallWindow time.Duration `yaml:"guild_call_window"`
}

// StateConfig holds actor-state store settings.
type StateConfig struct {
	MaxHorizon time.Duration `yaml:"max_horizon"`
	StaleAfter time.Duration `yaml:"stale_after"`
	MaxActors  int           `yaml:"max_actors"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds optional Redis backend settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// ClickHouseConfig holds the optional ClickHouse audit sink settings.
type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Hosts         []string      `yaml:"hosts"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ArchiveConfig holds the optional S3 cold-archive settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// WatchdogConfig holds detector health settings.
type WatchdogConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	SilentSpan         time.Duration `yaml:"silent_span"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// SourceConfig holds the optional Kafka event source settings.
type SourceConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds Kafka consumer settings.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// AlertsConfig holds operator alert delivery settings.
type AlertsConfig struct {
	QueueSize int             `yaml:"queue_size"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one alert webhook endpoint.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultThresholds returns the documented default detection knobs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SpamMediumCount:  5,
		SpamHighCount:    10,
		SpamWindow:       10 * time.Second,
		DuplicateRatio:   0.6,
		DuplicateMinMsgs: 4,
		MentionLimit:     5,
		WarnCooldown:     5 * time.Minute,

		JoinThreshold:    10,
		JoinWindow:       60 * time.Second,
		SuspectRatio:     0.5,
		MinAccountAge:    24 * time.Hour,
		LockdownDuration: time.Hour,

		NukeThreshold: 2,
		NukeWindow:    10 * time.Second,

		ContentLowBand:  0.60,
		ContentHighBand: 0.85,

		CooldownLow:      5 * time.Minute,
		CooldownMedium:   5 * time.Minute,
		CooldownHigh:     15 * time.Minute,
		CooldownCritical: time.Hour,
	}
}

// DefaultConfig returns a complete default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:           4,
			QueueSize:         10000,
			CorrelationWindow: 2 * time.Second,
		},
		Thresholds: DefaultThresholds(),
		Executor: ExecutorConfig{
			MaxAttempts:     4,
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			BackoffFactor:   2.0,
			CallTimeout:     10 * time.Second,
			GuildCallLimit:  20,
			GuildCallWindow: 10 * time.Second,
		},
		State: StateConfig{
			MaxHorizon: 10 * time.Minute,
			StaleAfter: 24 * time.Hour,
			MaxActors:  100000,
		},
		Watchdog: WatchdogConfig{
			CheckInterval:      30 * time.Second,
			SilentSpan:         30 * time.Minute,
			ErrorRateThreshold: 0.25,
			ErrorRateWindow:    5 * time.Minute,
		},
		Alerts: AlertsConfig{
			QueueSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("CHATGUARD_CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("CHATGUARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if workers := os.Getenv("CHATGUARD_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			c.Engine.Workers = n
		}
	}
	if addr := os.Getenv("CHATGUARD_REDIS_ADDR"); addr != "" {
		c.State.Redis.Enabled = true
		c.State.Redis.Addr = addr
	}
	if pass := os.Getenv("CHATGUARD_REDIS_PASSWORD"); pass != "" {
		c.State.Redis.Password = pass
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Audit.ClickHouse.Enabled = true
		c.Audit.ClickHouse.Hosts = []string{host}
	}
	if url := os.Getenv("CHATGUARD_ALERT_WEBHOOK"); url != "" {
		c.Alerts.Webhooks = append(c.Alerts.Webhooks, WebhookConfig{Name: "env", URL: url})
	}
	if brokers := os.Getenv("CHATGUARD_KAFKA_BROKERS"); brokers != "" {
		c.Source.Kafka.Enabled = true
		c.Source.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine queue_size must be positive")
	}
	if c.Engine.CorrelationWindow <= 0 {
		return fmt.Errorf("correlation_window must be positive")
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor max_attempts must be positive")
	}
	if err := c.Thresholds.validate(); err != nil {
		return err
	}
	for guild, t := range c.Guilds {
		merged := Merge(c.Thresholds, t)
		if err := merged.validate(); err != nil {
			return fmt.Errorf("guild %s: %w", guild, err)
		}
	}
	return nil
}

func (t Thresholds) validate() error {
	if t.SpamHighCount < t.SpamMediumCount {
		return fmt.Errorf("spam_high_count (%d) below spam_medium_count (%d)", t.SpamHighCount, t.SpamMediumCount)
	}
	if t.DuplicateRatio < 0 || t.DuplicateRatio > 1 {
		return fmt.Errorf("duplicate_ratio out of range: %v", t.DuplicateRatio)
	}
	if t.NukeThreshold < 2 {
		return fmt.Errorf("nuke_threshold must be at least 2, got %d", t.NukeThreshold)
	}
	if t.ContentHighBand < t.ContentLowBand {
		return fmt.Errorf("content_high_band below content_low_band")
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
