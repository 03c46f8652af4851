// Package am loads cadence configuration ("I am"): store connection, scheduler
// tuning, worker registry, and per-channel notification credentials.
package am

// Config represents the complete cadence configuration
type Config struct {
	// OrganizationID scopes the due-job query. Empty means all organizations.
	OrganizationID string `mapstructure:"organization_id" toml:"organization_id"`

	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Workers   WorkersConfig   `mapstructure:"workers" toml:"workers"`
	Notify    NotifyConfig    `mapstructure:"notify" toml:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics" toml:"metrics"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the schedule store
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" toml:"driver"`                 // sqlite3 (default) or postgres
	Path         string `mapstructure:"path" toml:"path"`                     // SQLite file
	DSN          string `mapstructure:"dsn" toml:"dsn"`                       // postgres connection string
	MaxOpenConns int    `mapstructure:"max_open_conns" toml:"max_open_conns"` // postgres pool size (0 = driver default)
}

// SchedulerConfig tunes the polling loop
type SchedulerConfig struct {
	PollIntervalSeconds   int         `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`     // daemon idle wait (default: 60)
	AdaptivePoll          bool        `mapstructure:"adaptive_poll" toml:"adaptive_poll"`                     // wake at the soonest next_run_at when sooner than the poll interval
	DefaultTimeoutSeconds int         `mapstructure:"default_timeout_seconds" toml:"default_timeout_seconds"` // worker wall-clock limit when the source sets none (default: 1800)
	StaleRunMinutes       int         `mapstructure:"stale_run_minutes" toml:"stale_run_minutes"`             // fail runs left running by a crash (0 = only on daemon start)
	Lease                 LeaseConfig `mapstructure:"lease" toml:"lease"`
}

// LeaseConfig enables a Redis claim step before executing a due job.
// Leave RedisAddr empty for the single-instance default.
type LeaseConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" toml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" toml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" toml:"redis_db"`
	TTLSeconds    int    `mapstructure:"ttl_seconds" toml:"ttl_seconds"`
}

// WorkersConfig maps schedule sources to worker commands
type WorkersConfig struct {
	RegistryFile string                  `mapstructure:"registry_file" toml:"registry_file"` // optional standalone workers.toml
	Sources      map[string]SourceConfig `mapstructure:"sources" toml:"sources"`
}

// SourceConfig describes how to spawn the worker for one source
type SourceConfig struct {
	Command        string            `mapstructure:"command" toml:"command"`                 // shell-quoted command line
	TimeoutSeconds int               `mapstructure:"timeout_seconds" toml:"timeout_seconds"` // 0 = scheduler default
	Dir            string            `mapstructure:"dir" toml:"dir"`
	Env            map[string]string `mapstructure:"env" toml:"env"`
}

// NotifyConfig configures business hours and each delivery channel.
// A channel with incomplete credentials is disabled, not an error.
type NotifyConfig struct {
	Timezone          string `mapstructure:"timezone" toml:"timezone"`                       // IANA zone for business hours (default: Local)
	BusinessStartHour int    `mapstructure:"business_start_hour" toml:"business_start_hour"` // default: 8
	BusinessEndHour   int    `mapstructure:"business_end_hour" toml:"business_end_hour"`     // exclusive, default: 18
	RedeliveryCron    string `mapstructure:"redelivery_cron" toml:"redelivery_cron"`         // deferred sweep schedule (default: every 5 minutes)

	SMS   SMSConfig   `mapstructure:"sms" toml:"sms"`
	Chat  ChatConfig  `mapstructure:"chat" toml:"chat"`
	Email EmailConfig `mapstructure:"email" toml:"email"`
}

// SMSConfig configures the Twilio-compatible SMS channel
type SMSConfig struct {
	AccountSID    string `mapstructure:"account_sid" toml:"account_sid"`
	AuthToken     string `mapstructure:"auth_token" toml:"auth_token"`
	FromNumber    string `mapstructure:"from_number" toml:"from_number"`
	ToNumber      string `mapstructure:"to_number" toml:"to_number"`
	BaseURL       string `mapstructure:"base_url" toml:"base_url"`
	RatePerMinute int    `mapstructure:"rate_per_minute" toml:"rate_per_minute"`
}

// ChatConfig configures the chat webhook channel
type ChatConfig struct {
	WebhookURL string `mapstructure:"webhook_url" toml:"webhook_url"`
}

// EmailConfig configures the SMTP email channel
type EmailConfig struct {
	SMTPHost  string `mapstructure:"smtp_host" toml:"smtp_host"`
	SMTPPort  int    `mapstructure:"smtp_port" toml:"smtp_port"`
	Username  string `mapstructure:"username" toml:"username"`
	Password  string `mapstructure:"password" toml:"password"`
	From      string `mapstructure:"from" toml:"from"`
	DefaultTo string `mapstructure:"default_to" toml:"default_to"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"` // empty = disabled
}

// LogConfig configures log output
type LogConfig struct {
	JSON bool `mapstructure:"json" toml:"json"`
}

// File system constants
const (
	DefaultDirPermissions = 0755
)
