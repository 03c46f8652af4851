package am

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/cadence/errors"
)

// CronParser parses the five-field redelivery schedule
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks that the configuration is valid.
// Zero means "use the default" for intervals; negative is always invalid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return errors.WithHint(
			errors.Newf("database.driver %q is not supported", c.Database.Driver),
			"use sqlite3 or postgres")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.WithHint(
			errors.New("database.dsn is required for the postgres driver"),
			"set CADENCE_DATABASE_DSN or database.dsn")
	}

	if c.Scheduler.PollIntervalSeconds < 0 {
		return errors.Newf("scheduler.poll_interval_seconds must be >= 0, got %d", c.Scheduler.PollIntervalSeconds)
	}
	if c.Scheduler.DefaultTimeoutSeconds < 0 {
		return errors.Newf("scheduler.default_timeout_seconds must be >= 0, got %d", c.Scheduler.DefaultTimeoutSeconds)
	}
	if c.Scheduler.StaleRunMinutes < 0 {
		return errors.Newf("scheduler.stale_run_minutes must be >= 0, got %d", c.Scheduler.StaleRunMinutes)
	}
	if c.Scheduler.Lease.TTLSeconds < 0 {
		return errors.Newf("scheduler.lease.ttl_seconds must be >= 0, got %d", c.Scheduler.Lease.TTLSeconds)
	}

	for name, src := range c.Workers.Sources {
		if src.Command == "" {
			return errors.Newf("workers.sources.%s.command cannot be empty", name)
		}
		if src.TimeoutSeconds < 0 {
			return errors.Newf("workers.sources.%s.timeout_seconds must be >= 0, got %d", name, src.TimeoutSeconds)
		}
	}

	n := c.Notify
	if n.BusinessStartHour < 0 || n.BusinessStartHour > 23 {
		return errors.Newf("notify.business_start_hour must be within 0-23, got %d", n.BusinessStartHour)
	}
	if n.BusinessEndHour < 1 || n.BusinessEndHour > 24 {
		return errors.Newf("notify.business_end_hour must be within 1-24, got %d", n.BusinessEndHour)
	}
	if n.BusinessEndHour <= n.BusinessStartHour {
		return errors.Newf("notify.business_end_hour (%d) must be after business_start_hour (%d)",
			n.BusinessEndHour, n.BusinessStartHour)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := CronParser.Parse(n.RedeliveryCron); err != nil {
		return errors.Wrapf(err, "notify.redelivery_cron %q", n.RedeliveryCron)
	}
	if n.SMS.RatePerMinute < 0 {
		return errors.Newf("notify.sms.rate_per_minute must be >= 0, got %d", n.SMS.RatePerMinute)
	}
	if n.Email.SMTPPort < 0 || n.Email.SMTPPort > 65535 {
		return errors.Newf("notify.email.smtp_port out of range: %d", n.Email.SMTPPort)
	}

	return nil
}

// Location resolves notify.timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Notify.Timezone == "" || c.Notify.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Notify.Timezone)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "notify.timezone %q", c.Notify.Timezone),
			"use an IANA zone name such as America/Chicago")
	}
	return loc, nil
}

// PollInterval returns the daemon idle wait
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// DefaultTimeout returns the worker wall-clock limit used when a source sets none
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Scheduler.DefaultTimeoutSeconds) * time.Second
}
