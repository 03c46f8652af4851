package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/robfig/cron/v3"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/metrics"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/notify"
	"github.com/teranos/cadence/schedule"
	"github.com/teranos/cadence/sym"
	"github.com/teranos/cadence/worker"
)

// staleSweepSpec is how often the daemon closes out orphaned runs when
// scheduler.stale_run_minutes is set
const staleSweepSpec = "@every 5m"

// RunPass performs one scheduler iteration, then delivers any deferred
// notifications that have come due, and returns. Job failures are reported in
// the run log and notifications; only store failures make the pass itself fail.
func RunPass(ctx context.Context, verbosity int) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Scheduler.StaleRunMinutes > 0 {
		a.failStale(ctx, time.Duration(a.cfg.Scheduler.StaleRunMinutes)*time.Minute)
	}

	dispatcher, err := a.dispatcher()
	if err != nil {
		return err
	}
	sched, cleanup, err := a.buildSchedulerWith(ctx, verbosity, dispatcher)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := sched.RunOnce(ctx)
	if report != nil {
		printReport(report)
	}

	// Without the daemon's cron, each pass also releases held notifications
	// whose business-hours window has opened
	redeliverer := notify.NewRedeliverer(a.notices, dispatcher, a.logger.Named("redelivery"))
	if n, rerr := redeliverer.RunOnce(ctx, time.Now()); rerr != nil {
		a.logger.Warnw("Deferred notification redelivery failed", logger.FieldError, rerr)
	} else if n > 0 {
		pterm.Info.Printf("Delivered %d deferred notification(s)\n", n)
	}
	return err
}

// RunDaemon polls until SIGINT or SIGTERM. The in-flight job finishes and
// records its run before the process exits.
func RunDaemon(ctx context.Context, verbosity int) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	openLog := logger.AddTickOpenSymbol(a.logger)
	closeLog := logger.AddTickCloseSymbol(a.logger)

	// Anything still running at start was orphaned by the previous process
	staleAfter := time.Duration(a.cfg.Scheduler.StaleRunMinutes) * time.Minute
	a.failStale(ctx, staleAfter)

	dispatcher, err := a.dispatcher()
	if err != nil {
		return err
	}
	sched, cleanup, err := a.buildSchedulerWith(ctx, verbosity, dispatcher)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	redeliverer := notify.NewRedeliverer(a.notices, dispatcher, a.logger.Named("redelivery"))
	if err := redeliverer.Start(ctx, a.cfg.Notify.RedeliveryCron); err != nil {
		return errors.Wrap(err, "failed to schedule redelivery")
	}
	defer redeliverer.Stop()

	if staleAfter > 0 {
		sweeper := cron.New()
		if _, err := sweeper.AddFunc(staleSweepSpec, func() { a.failStale(ctx, staleAfter) }); err != nil {
			return errors.Wrap(err, "failed to schedule stale run sweep")
		}
		sweeper.Start()
		defer func() { <-sweeper.Stop().Done() }()
	}

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		srv := metrics.NewServer(addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Errorw("Metrics server failed", logger.FieldError, err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		openLog.Infow("Metrics listening", "addr", addr)
	}

	if path := am.WatchPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			a.logger.Warnw("Config hot reload unavailable", "path", path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(cfg *am.Config) error {
				nc, err := notifyConfig(cfg)
				if err != nil {
					return err
				}
				dispatcher.Reload(nc)
				a.logger.Infow("Notification channels reloaded", "channels", dispatcher.Channels())
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	openLog.Infow("Daemon started",
		"channels", dispatcher.Channels(),
		"poll_interval", a.cfg.PollInterval().String(),
		"redelivery_cron", a.cfg.Notify.RedeliveryCron)
	pterm.Info.Printf("%s cadence daemon running, press Ctrl+C for graceful shutdown\n", sym.Tick)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		closeLog.Infow("Shutdown requested, finishing in-flight job")
		cancel()
		err = <-done
	case err = <-done:
	}

	closeLog.Infow("Daemon stopped")
	return err
}

// buildSchedulerWith wires a scheduler around dispatcher
func (a *app) buildSchedulerWith(ctx context.Context, verbosity int, dispatcher *notify.Dispatcher) (*schedule.Scheduler, func(), error) {
	reg, err := a.registry()
	if err != nil {
		return nil, nil, err
	}
	exec := worker.NewExecutor(reg, a.logger.Named("worker"))
	exec.EchoLines(logger.ShouldEchoWorkerLines(verbosity))

	sched := a.scheduler(exec, dispatcher)
	cleanup := func() {}

	lc := a.cfg.Scheduler.Lease
	if lc.RedisAddr != "" {
		lease, err := schedule.NewRedisLease(ctx, schedule.RedisLeaseOptions{
			Addr:     lc.RedisAddr,
			Password: lc.RedisPassword,
			DB:       lc.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		sched.SetLease(lease)
		cleanup = func() { _ = lease.Close() }
		a.logger.Infow("Job lease enabled", "redis_addr", lc.RedisAddr)
	}
	return sched, cleanup, nil
}

// failStale closes runs left running longer than olderThan (zero: any run
// started before now)
func (a *app) failStale(ctx context.Context, olderThan time.Duration) {
	n, err := a.runs.FailStale(ctx, time.Now().Add(-olderThan))
	if err != nil {
		a.logger.Warnw("Failed to close stale runs", logger.FieldError, err)
		return
	}
	if n > 0 {
		a.logger.Warnw("Closed runs orphaned by an earlier process", logger.FieldCount, n)
	}
}

func printReport(r *schedule.IterationReport) {
	if r.Due == 0 {
		pterm.Info.Println("No schedules due")
		return
	}
	msg := pterm.Sprintf("%d due: %d succeeded, %d failed, %d skipped", r.Due, r.Succeeded, r.Failed, r.Skipped)
	if r.Failed > 0 || len(r.Errors) > 0 {
		pterm.Warning.Println(msg)
	} else {
		pterm.Success.Println(msg)
	}
	if r.Interrupted {
		pterm.Warning.Println("Interrupted before every due schedule ran")
	}
}
