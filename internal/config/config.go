// Package config
package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Retention     RetentionConfig     `yaml:"retention"`
	Channel       ChannelConfig       `yaml:"channel"`
	Logging       LoggingConfig       `yaml:"logging"`

	// MonitorsFile points at a JSON file of monitor definitions seeded into
	// the store at boot. Empty disables seeding.
	MonitorsFile string `yaml:"monitors_file"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

// PoolConfig defines connection pool settings
type PoolConfig struct {
	MaxConns                 int `yaml:"max_conns"`
	MinConns                 int `yaml:"min_conns"`
	MaxConnLifetimeMinutes   int `yaml:"max_conn_lifetime_minutes"`
	MaxConnIdleTimeMinutes   int `yaml:"max_conn_idle_time_minutes"`
	HealthCheckPeriodSeconds int `yaml:"health_check_period_seconds"`
}

type DatabaseConfig struct {
	Driver   string     `yaml:"driver"` // 'postgres' or 'memory'
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	User     string     `yaml:"user"`
	Password string     `yaml:"password"`
	DBName   string     `yaml:"dbname"`
	SSLMode  string     `yaml:"ssl_mode"`
	Pool     PoolConfig `yaml:"pool"`
}

type SchedulerConfig struct {
	TickIntervalSeconds  int `yaml:"tick_interval_seconds"`  // 10..60
	WorkerPoolSize       int `yaml:"worker_pool_size"`       // bounded evaluation concurrency
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"` // in-flight drain on Stop
	JitterMaxMS          int `yaml:"jitter_max_ms"`          // pre-dispatch delay 0..n
}

type RecoveryConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"` // hard cap per attempt
	MaxAttempts    int `yaml:"max_attempts"`    // per alert
	OutputCapKB    int `yaml:"output_cap_kb"`   // captured stdout+stderr
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type NotificationsConfig struct {
	SMTP                  SMTPConfig `yaml:"smtp"`
	SMSGatewayURL         string     `yaml:"sms_gateway_url"`
	WebhookGatewayURL     string     `yaml:"webhook_gateway_url"`
	SlackWebhookURL       string     `yaml:"slack_webhook_url"`
	ReminderIntervalHours int        `yaml:"reminder_interval_hours"`
}

type RetentionConfig struct {
	SamplesPerMonitor    int `yaml:"samples_per_monitor"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

type ChannelConfig struct {
	AlertEventsBufferSize int `yaml:"alert_events_buffer_size"`
	SampleBufferSize      int `yaml:"sample_buffer_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	cfg.ApplyDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills unset values in every section.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 30000
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = 30000
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	c.Database.Pool.ApplyDefaults()

	if c.Scheduler.TickIntervalSeconds == 0 {
		c.Scheduler.TickIntervalSeconds = 30
	}
	if c.Scheduler.WorkerPoolSize == 0 {
		c.Scheduler.WorkerPoolSize = 16
	}
	if c.Scheduler.ShutdownGraceSeconds == 0 {
		c.Scheduler.ShutdownGraceSeconds = 30
	}
	if c.Scheduler.JitterMaxMS == 0 {
		c.Scheduler.JitterMaxMS = 1000
	}

	if c.Recovery.TimeoutSeconds == 0 {
		c.Recovery.TimeoutSeconds = 60
	}
	if c.Recovery.MaxAttempts == 0 {
		c.Recovery.MaxAttempts = 3
	}
	if c.Recovery.OutputCapKB == 0 {
		c.Recovery.OutputCapKB = 64
	}

	if c.Notifications.SMTP.Port == 0 {
		c.Notifications.SMTP.Port = 587
	}
	if c.Notifications.ReminderIntervalHours == 0 {
		c.Notifications.ReminderIntervalHours = 24
	}

	if c.Retention.SamplesPerMonitor == 0 {
		c.Retention.SamplesPerMonitor = 1000
	}
	if c.Retention.SweepIntervalMinutes == 0 {
		c.Retention.SweepIntervalMinutes = 60
	}

	if c.Channel.AlertEventsBufferSize == 0 {
		c.Channel.AlertEventsBufferSize = 100
	}
	if c.Channel.SampleBufferSize == 0 {
		c.Channel.SampleBufferSize = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host and dbname are required")
		}
	case "memory":
		// no connection settings needed
	default:
		return fmt.Errorf("database driver must be 'postgres' or 'memory', got %q", c.Database.Driver)
	}

	if c.Scheduler.TickIntervalSeconds < 10 || c.Scheduler.TickIntervalSeconds > 60 {
		return fmt.Errorf("scheduler tick_interval_seconds must be between 10 and 60")
	}
	if c.Scheduler.WorkerPoolSize < 1 {
		return fmt.Errorf("scheduler worker_pool_size must be at least 1")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("recovery max_attempts must be at least 1")
	}

	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}

	return nil
}

// applyEnvOverrides checks for environment variables with ARGUS_ prefix
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	if v := os.Getenv("ARGUS_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ARGUS_SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}

	// Database overrides
	if v := os.Getenv("ARGUS_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ARGUS_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("ARGUS_DATABASE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.Port)
	}
	if v := os.Getenv("ARGUS_DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("ARGUS_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("ARGUS_DATABASE_NAME"); v != "" {
		cfg.Database.DBName = v
	}

	// Scheduler overrides
	if v := os.Getenv("ARGUS_SCHEDULER_TICK_SECONDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scheduler.TickIntervalSeconds)
	}
	if v := os.Getenv("ARGUS_SCHEDULER_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scheduler.WorkerPoolSize)
	}
	if v := os.Getenv("ARGUS_SHUTDOWN_GRACE_SECONDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scheduler.ShutdownGraceSeconds)
	}

	// Recovery overrides
	if v := os.Getenv("ARGUS_RECOVERY_TIMEOUT_SECONDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Recovery.TimeoutSeconds)
	}

	// Notification overrides
	if v := os.Getenv("ARGUS_SMTP_HOST"); v != "" {
		cfg.Notifications.SMTP.Host = v
	}
	if v := os.Getenv("ARGUS_SMTP_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Notifications.SMTP.Port)
	}
	if v := os.Getenv("ARGUS_SMTP_USER"); v != "" {
		cfg.Notifications.SMTP.User = v
	}
	if v := os.Getenv("ARGUS_SMTP_PASSWORD"); v != "" {
		cfg.Notifications.SMTP.Password = v
	}
	if v := os.Getenv("ARGUS_SMTP_FROM"); v != "" {
		cfg.Notifications.SMTP.From = v
	}
	if v := os.Getenv("ARGUS_SMS_GATEWAY_URL"); v != "" {
		cfg.Notifications.SMSGatewayURL = v
	}
	if v := os.Getenv("ARGUS_WEBHOOK_GATEWAY_URL"); v != "" {
		cfg.Notifications.WebhookGatewayURL = v
	}
	if v := os.Getenv("ARGUS_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notifications.SlackWebhookURL = v
	}

	// Logging overrides
	if v := os.Getenv("ARGUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARGUS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("ARGUS_MONITORS_FILE"); v != "" {
		cfg.MonitorsFile = v
	}
}

// ReadTimeout returns the read timeout as a duration
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// Addr returns the host:port listen address
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ConnString returns the PostgreSQL connection string in postgres:// URL format
func (d *DatabaseConfig) ConnString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}

	query := url.Values{}
	if d.SSLMode != "" {
		query.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

// ApplyDefaults sets default values for pool configuration
func (p *PoolConfig) ApplyDefaults() {
	if p.MaxConns == 0 {
		p.MaxConns = 20
	}
	if p.MinConns == 0 {
		p.MinConns = 4
	}
	if p.MaxConnLifetimeMinutes == 0 {
		p.MaxConnLifetimeMinutes = 90
	}
	if p.MaxConnIdleTimeMinutes == 0 {
		p.MaxConnIdleTimeMinutes = 20
	}
	if p.HealthCheckPeriodSeconds == 0 {
		p.HealthCheckPeriodSeconds = 45
	}
}

// MaxConnLifetime returns the max connection lifetime as a duration
func (p *PoolConfig) MaxConnLifetime() time.Duration {
	return time.Duration(p.MaxConnLifetimeMinutes) * time.Minute
}

// MaxConnIdleTime returns the max connection idle time as a duration
func (p *PoolConfig) MaxConnIdleTime() time.Duration {
	return time.Duration(p.MaxConnIdleTimeMinutes) * time.Minute
}

// HealthCheckPeriod returns the health check period as a duration
func (p *PoolConfig) HealthCheckPeriod() time.Duration {
	return time.Duration(p.HealthCheckPeriodSeconds) * time.Second
}

// TickInterval returns the scheduler tick interval as a duration
func (s *SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// ShutdownGrace returns the in-flight drain window as a duration
func (s *SchedulerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}

// JitterMax returns the dispatch jitter ceiling as a duration
func (s *SchedulerConfig) JitterMax() time.Duration {
	return time.Duration(s.JitterMaxMS) * time.Millisecond
}

// Timeout returns the per-attempt recovery timeout as a duration
func (r *RecoveryConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// OutputCap returns the captured-output byte cap
func (r *RecoveryConfig) OutputCap() int {
	return r.OutputCapKB * 1024
}

// ReminderInterval returns the reminder window as a duration
func (n *NotificationsConfig) ReminderInterval() time.Duration {
	return time.Duration(n.ReminderIntervalHours) * time.Hour
}

// SweepInterval returns the retention sweep cadence as a duration
func (r *RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMinutes) * time.Minute
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	example := &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8090,
			ReadTimeoutMS:  30000,
			WriteTimeoutMS: 30000,
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     5432,
			User:     "argus",
			Password: "changeme",
			DBName:   "argus",
			SSLMode:  "disable",
			Pool: PoolConfig{
				MaxConns:                 20,
				MinConns:                 4,
				MaxConnLifetimeMinutes:   90,
				MaxConnIdleTimeMinutes:   20,
				HealthCheckPeriodSeconds: 45,
			},
		},
		Scheduler: SchedulerConfig{
			TickIntervalSeconds:  30,
			WorkerPoolSize:       16,
			ShutdownGraceSeconds: 30,
			JitterMaxMS:          1000,
		},
		Recovery: RecoveryConfig{
			TimeoutSeconds: 60,
			MaxAttempts:    3,
			OutputCapKB:    64,
		},
		Notifications: NotificationsConfig{
			SMTP: SMTPConfig{
				Host: "smtp.example.test",
				Port: 587,
				User: "argus@example.test",
				From: "argus@example.test",
			},
			SMSGatewayURL:         "https://sms.example.test/send",
			WebhookGatewayURL:     "",
			SlackWebhookURL:       "",
			ReminderIntervalHours: 24,
		},
		Retention: RetentionConfig{
			SamplesPerMonitor:    1000,
			SweepIntervalMinutes: 60,
		},
		Channel: ChannelConfig{
			AlertEventsBufferSize: 100,
			SampleBufferSize:      100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(example); err != nil {
		return fmt.Errorf("failed to encode example config: %w", err)
	}
	return enc.Close()
}
