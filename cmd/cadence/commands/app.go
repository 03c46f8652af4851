package commands

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/notify"
	"github.com/teranos/cadence/schedule"
	"github.com/teranos/cadence/worker"
)

// app holds the stores and services every command works against
type app struct {
	cfg       *am.Config
	db        *sql.DB
	dialect   db.Dialect
	logger    *zap.SugaredLogger
	schedules *schedule.Store
	runs      *schedule.RunLogStore
	notices   *notify.Store
}

// openApp loads configuration and connects the store. Failures here are
// startup errors and end the process with exit 1.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	log := logger.Logger
	conn, dialect, err := db.Connect(ctx, storeOptions(cfg), log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	return &app{
		cfg:       cfg,
		db:        conn,
		dialect:   dialect,
		logger:    log,
		schedules: schedule.NewStore(conn, dialect),
		runs:      schedule.NewRunLogStore(conn, dialect),
		notices:   notify.NewStore(conn, dialect),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// dispatcher builds the notification dispatcher from the [notify] tables
func (a *app) dispatcher() (*notify.Dispatcher, error) {
	nc, err := notifyConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	return notify.NewDispatcher(nc, a.notices, a.logger.Named("notify")), nil
}

// registry builds the worker registry: [workers.sources] first, then the
// optional standalone registry file, whose entries win.
func (a *app) registry() (*worker.Registry, error) {
	reg := worker.NewRegistry()
	if err := reg.RegisterAll(sourceSpecs(a.cfg)); err != nil {
		return nil, err
	}
	if path := a.cfg.Workers.RegistryFile; path != "" {
		n, err := reg.LoadFile(path)
		if err != nil {
			return nil, err
		}
		a.logger.Debugw("Loaded worker registry file", "path", path, logger.FieldCount, n)
	}
	return reg, nil
}

// scheduler wires the store, run log, executor, and dispatcher together
func (a *app) scheduler(exec schedule.Executor, notifier schedule.Notifier) *schedule.Scheduler {
	return schedule.NewScheduler(a.schedules, a.runs, exec, notifier, schedulerConfig(a.cfg), a.logger.Named("scheduler"))
}

func storeOptions(cfg *am.Config) db.Options {
	return db.Options{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}
}

func schedulerConfig(cfg *am.Config) schedule.Config {
	return schedule.Config{
		OrganizationID: cfg.OrganizationID,
		PollInterval:   cfg.PollInterval(),
		DefaultTimeout: cfg.DefaultTimeout(),
		AdaptivePoll:   cfg.Scheduler.AdaptivePoll,
		LeaseTTL:       time.Duration(cfg.Scheduler.Lease.TTLSeconds) * time.Second,
	}
}

func sourceSpecs(cfg *am.Config) map[string]worker.SourceSpec {
	specs := make(map[string]worker.SourceSpec, len(cfg.Workers.Sources))
	for name, src := range cfg.Workers.Sources {
		specs[name] = worker.SourceSpec{
			Command:        src.Command,
			TimeoutSeconds: src.TimeoutSeconds,
			Dir:            src.Dir,
			Env:            src.Env,
		}
	}
	return specs
}

// notifyConfig translates the [notify] tables. default_to is a comma list.
func notifyConfig(cfg *am.Config) (notify.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return notify.Config{}, err
	}
	n := cfg.Notify
	return notify.Config{
		Hours: notify.BusinessHours{
			Location:  loc,
			StartHour: n.BusinessStartHour,
			EndHour:   n.BusinessEndHour,
		},
		SMS: notify.SMSConfig{
			AccountSID:    n.SMS.AccountSID,
			AuthToken:     n.SMS.AuthToken,
			FromNumber:    n.SMS.FromNumber,
			ToNumber:      n.SMS.ToNumber,
			BaseURL:       n.SMS.BaseURL,
			RatePerMinute: n.SMS.RatePerMinute,
		},
		Chat: notify.ChatConfig{WebhookURL: n.Chat.WebhookURL},
		Email: notify.EmailConfig{
			SMTPHost:  n.Email.SMTPHost,
			SMTPPort:  n.Email.SMTPPort,
			Username:  n.Email.Username,
			Password:  n.Email.Password,
			From:      n.Email.From,
			DefaultTo: splitList(n.Email.DefaultTo),
		},
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
