package am

import (
	"github.com/spf13/viper"
)

// Default values referenced by other packages
const (
	DefaultPollIntervalSeconds   = 60
	DefaultWorkerTimeoutSeconds  = 1800
	DefaultBusinessStartHour     = 8
	DefaultBusinessEndHour       = 18
	DefaultRedeliveryCron        = "*/5 * * * *"
	DefaultLeaseTTLSeconds       = 3600
	DefaultSMSRatePerMinute      = 30
	DefaultSMSBaseURL            = "https://api.twilio.com"
	DefaultSMTPPort              = 587
	DefaultDatabasePath          = "cadence.db"
	DefaultPostgresMaxOpenConns  = 5
)

// SetDefaults configures default values for all configuration options.
// Every key that may come from the environment needs a default here so that
// AutomaticEnv picks it up during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("organization_id", "")

	// Store
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", DefaultPostgresMaxOpenConns)

	// Scheduler
	v.SetDefault("scheduler.poll_interval_seconds", DefaultPollIntervalSeconds)
	v.SetDefault("scheduler.adaptive_poll", false)
	v.SetDefault("scheduler.default_timeout_seconds", DefaultWorkerTimeoutSeconds)
	v.SetDefault("scheduler.stale_run_minutes", 0)
	v.SetDefault("scheduler.lease.redis_addr", "")
	v.SetDefault("scheduler.lease.redis_password", "")
	v.SetDefault("scheduler.lease.redis_db", 0)
	v.SetDefault("scheduler.lease.ttl_seconds", DefaultLeaseTTLSeconds)

	// Workers
	v.SetDefault("workers.registry_file", "")

	// Notification policy
	v.SetDefault("notify.timezone", "Local")
	v.SetDefault("notify.business_start_hour", DefaultBusinessStartHour)
	v.SetDefault("notify.business_end_hour", DefaultBusinessEndHour)
	v.SetDefault("notify.redelivery_cron", DefaultRedeliveryCron)

	// Channels: empty credentials mean the channel is disabled
	v.SetDefault("notify.sms.account_sid", "")
	v.SetDefault("notify.sms.from_number", "")
	v.SetDefault("notify.sms.to_number", "")
	v.SetDefault("notify.sms.base_url", DefaultSMSBaseURL)
	v.SetDefault("notify.sms.rate_per_minute", DefaultSMSRatePerMinute)
	v.SetDefault("notify.email.smtp_host", "")
	v.SetDefault("notify.email.smtp_port", DefaultSMTPPort)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.default_to", "")

	// Observability
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds credentials to environment variables so
// they never need to live in a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.dsn", "CADENCE_DATABASE_DSN", "DATABASE_URL")
	v.BindEnv("scheduler.lease.redis_password", "CADENCE_SCHEDULER_LEASE_REDIS_PASSWORD")
	v.BindEnv("notify.sms.auth_token", "CADENCE_NOTIFY_SMS_AUTH_TOKEN", "TWILIO_AUTH_TOKEN")
	v.BindEnv("notify.sms.account_sid", "CADENCE_NOTIFY_SMS_ACCOUNT_SID", "TWILIO_ACCOUNT_SID")
	v.BindEnv("notify.chat.webhook_url", "CADENCE_NOTIFY_CHAT_WEBHOOK_URL", "SLACK_WEBHOOK_URL")
	v.BindEnv("notify.email.password", "CADENCE_NOTIFY_EMAIL_PASSWORD")
}
