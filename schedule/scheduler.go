package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/metrics"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/notify"
	"github.com/teranos/cadence/worker"
)

// ScheduleStore is the part of Store the Scheduler depends on
type ScheduleStore interface {
	ListDue(ctx context.Context, orgID string, now time.Time) ([]*Schedule, error)
	MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
	NextDue(ctx context.Context, orgID string) (*Schedule, error)
}

// RunLogger writes a run record before and after each execution
type RunLogger interface {
	Begin(ctx context.Context, scheduleID string, params json.RawMessage) (string, error)
	Complete(ctx context.Context, runID string, res worker.Result, duration time.Duration) error
}

// Executor runs the worker for a source
type Executor interface {
	Run(ctx context.Context, source string, params json.RawMessage, timeout time.Duration) worker.Result
}

// Notifier hands an event to the notification dispatcher
type Notifier interface {
	Dispatch(ctx context.Context, event notify.Event) []notify.ChannelResult
}

// Config tunes the Scheduler
type Config struct {
	OrganizationID string        // scopes the due query; empty means all
	PollInterval   time.Duration // daemon idle wait (default: 60s)
	DefaultTimeout time.Duration // worker limit when the source sets none (default: 30m)
	AdaptivePoll   bool          // wake at the soonest next_run_at when sooner than PollInterval
	LeaseTTL       time.Duration // claim duration when a Lease is configured (default: 1h)
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:   60 * time.Second,
		DefaultTimeout: worker.DefaultTimeout,
		LeaseTTL:       time.Hour,
	}
}

// minAdaptiveWait keeps AdaptivePoll from spinning on a schedule due right now
const minAdaptiveWait = time.Second

// JobOutcome is the result of one due schedule within an iteration
type JobOutcome struct {
	ScheduleID string
	RunID      string
	Result     worker.Result
	LastRunAt  time.Time
	NextRunAt  time.Time
	Notified   bool
	Skipped    bool // lease held elsewhere
	Err        error
}

// IterationReport summarizes one polling iteration
type IterationReport struct {
	StartedAt   time.Time
	Due         int
	Succeeded   int
	Failed      int
	Skipped     int
	Interrupted bool // shutdown arrived before every due job ran
	Jobs        []JobOutcome
	Errors      []error // infrastructure errors that did not abort the iteration
}

// Scheduler polls the store for due schedules and runs them one at a time
type Scheduler struct {
	store    ScheduleStore
	runs     RunLogger
	exec     Executor
	notifier Notifier
	lease    Lease
	cfg      Config
	logger   *zap.SugaredLogger
	tickLog  *zap.SugaredLogger
	now      func() time.Time

	mu         sync.Mutex
	iterations int64
	lastTickAt time.Time
}

// NewScheduler creates a scheduler. notifier may be nil to disable dispatch.
func NewScheduler(store ScheduleStore, runs RunLogger, exec Executor, notifier Notifier, cfg Config, log *zap.SugaredLogger) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		store:    store,
		runs:     runs,
		exec:     exec,
		notifier: notifier,
		lease:    NoopLease{},
		cfg:      cfg,
		logger:   log,
		tickLog:  logger.AddTickSymbol(log),
		now:      time.Now,
	}
}

// SetLease installs a claim step for multi-instance deployments
func (s *Scheduler) SetLease(l Lease) {
	if l == nil {
		l = NoopLease{}
	}
	s.lease = l
}

// Run is the daemon loop: an immediate iteration, then one per poll interval
// until ctx is cancelled. No iteration error ever stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.tickLog.Infow("Scheduler started",
		"poll_interval", s.cfg.PollInterval.String(),
		"adaptive", s.cfg.AdaptivePoll,
		logger.FieldOrgID, s.cfg.OrganizationID)

	for {
		s.guardedIteration(ctx)
		if ctx.Err() != nil {
			break
		}

		wait := s.nextWait(ctx)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.tickLog.Infow("Scheduler stopped")
	return nil
}

// guardedIteration is the daemon's single catch-and-log guard
func (s *Scheduler) guardedIteration(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IterationErrors.Inc()
			s.tickLog.Errorw("Scheduler iteration panicked", "panic", fmt.Sprint(r))
		}
	}()

	report, err := s.RunOnce(ctx)
	if err != nil {
		metrics.IterationErrors.Inc()
		if db.IsTransient(err) || db.IsDatabaseClosed(err) {
			s.tickLog.Warnw("Scheduler iteration aborted", logger.FieldError, err)
		} else {
			s.tickLog.Errorw("Scheduler iteration aborted", logger.FieldError, err)
		}
	}
	if report != nil && len(report.Errors) > 0 {
		s.tickLog.Warnw("Scheduler iteration finished with infrastructure errors",
			logger.FieldCount, len(report.Errors))
	}
	s.logNextJobInfo(ctx)
}

// RunOnce performs exactly one polling iteration. The returned error is set
// only when the iteration aborted on an infrastructure failure; job failures
// are reported in the IterationReport.
func (s *Scheduler) RunOnce(ctx context.Context) (*IterationReport, error) {
	start := s.now().UTC().Truncate(time.Second)
	report := &IterationReport{StartedAt: start}

	s.mu.Lock()
	s.iterations++
	s.lastTickAt = start
	s.mu.Unlock()

	due, err := s.store.ListDue(ctx, s.cfg.OrganizationID, start)
	if err != nil {
		return report, errors.NewInfrastructureError(err, "failed to list due schedules")
	}
	report.Due = len(due)
	metrics.DueJobs.Set(float64(len(due)))

	if len(due) == 0 {
		s.tickLog.Debugw("No schedules due")
		return report, nil
	}
	s.tickLog.Infow("Schedules due", logger.FieldDueCount, len(due))

	for _, sched := range due {
		// Shutdown is honoured between jobs, never inside one
		if ctx.Err() != nil {
			report.Interrupted = true
			s.tickLog.Infow("Shutdown requested, leaving remaining schedules due",
				logger.FieldCount, len(due)-len(report.Jobs))
			break
		}

		outcome, abort := s.runJob(ctx, sched)
		report.Jobs = append(report.Jobs, outcome)
		switch {
		case outcome.Skipped:
			report.Skipped++
		case outcome.RunID == "":
		case outcome.Result.Success:
			report.Succeeded++
		default:
			report.Failed++
		}
		if abort != nil {
			return report, abort
		}
		if outcome.Err != nil {
			report.Errors = append(report.Errors, outcome.Err)
		}
	}
	return report, nil
}

// runJob executes one due schedule. abort is non-nil when the store failed in a
// way that makes continuing the iteration unsafe.
func (s *Scheduler) runJob(ctx context.Context, sched *Schedule) (outcome JobOutcome, abort error) {
	outcome.ScheduleID = sched.ID
	log := s.logger.With(
		logger.FieldScheduleID, sched.ID,
		logger.FieldSource, sched.Source,
		logger.FieldScheduleType, string(sched.Type))

	completed := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Errorw("Scheduled job panicked", "panic", fmt.Sprint(r))
		outcome.Err = errors.Newf("job %s panicked: %v", sched.ID, r)
		// A run must never stay running past its iteration
		if outcome.RunID != "" && !completed {
			res := worker.Failed(worker.ClassNone, outcome.Err)
			if err := s.runs.Complete(context.WithoutCancel(ctx), outcome.RunID, res, 0); err != nil {
				log.Errorw("Failed to close run log after panic", logger.FieldError, err)
			}
		}
	}()

	// The job runs to completion even if shutdown arrives mid-run; the worker is
	// bounded by its own timeout
	jobCtx := logger.WithScheduleID(context.WithoutCancel(ctx), sched.ID)

	acquired, err := s.lease.Acquire(jobCtx, sched.ID, s.cfg.LeaseTTL)
	if err != nil {
		log.Warnw("Lease acquire failed, skipping schedule", logger.FieldError, err)
		outcome.Skipped = true
		outcome.Err = err
		return outcome, nil
	}
	if !acquired {
		log.Infow("Schedule claimed by another scheduler, skipping")
		outcome.Skipped = true
		return outcome, nil
	}
	defer func() {
		if err := s.lease.Release(jobCtx, sched.ID); err != nil {
			log.Warnw("Lease release failed", logger.FieldError, err)
		}
	}()

	runID, err := s.runs.Begin(jobCtx, sched.ID, sched.Parameters)
	if err != nil {
		log.Errorw("Failed to begin run log, not spawning worker", logger.FieldError, err)
		return outcome, errors.NewInfrastructureError(err, "begin run for schedule "+sched.ID)
	}
	outcome.RunID = runID
	jobCtx = logger.WithRunID(jobCtx, runID)
	log = log.With(logger.FieldRunID, runID)

	s.tickLog.Infow("Running scheduled job",
		logger.FieldScheduleID, sched.ID,
		"name", sched.DisplayName(),
		logger.FieldRunID, runID)

	started := time.Now()
	res := s.exec.Run(jobCtx, sched.Source, sched.Parameters, s.cfg.DefaultTimeout)
	elapsed := time.Since(started)
	outcome.Result = res

	completed = true
	if err := s.runs.Complete(jobCtx, runID, res, elapsed); err != nil {
		// The work is done; losing the terminal write does not undo it
		log.Errorw("Failed to complete run log", logger.FieldError, err)
		outcome.Err = errors.NewInfrastructureError(err, "complete run "+runID)
	}

	status := string(RunSuccess)
	if !res.Success {
		status = string(RunFailed)
	}
	metrics.ObserveRun(sched.Source, status, string(res.ErrorClass), elapsed)

	// Next run is measured from now, never from the stale due time
	finished := s.now().UTC().Truncate(time.Second)
	next := ComputeNextRun(sched.Type, finished)
	outcome.LastRunAt = finished
	outcome.NextRunAt = next

	if err := s.store.MarkRun(jobCtx, sched.ID, finished, next); err != nil {
		log.Errorw("Failed to advance schedule", logger.FieldError, err)
		return outcome, errors.NewInfrastructureError(err, "advance schedule "+sched.ID)
	}

	logFields := []interface{}{
		logger.FieldStatus, status,
		logger.FieldDurationMS, elapsed.Milliseconds(),
		logger.FieldNextRunAt, next.Format(time.RFC3339),
	}
	if res.Success {
		log.Infow("Scheduled job OK", append(logFields,
			"items_found", res.ItemsFound,
			"items_inserted", res.ItemsInserted,
			"items_updated", res.ItemsUpdated)...)
	} else {
		log.Warnw("Scheduled job FAILED", append(logFields,
			logger.FieldErrorClass, string(res.ErrorClass),
			logger.FieldError, res.ErrorMessage)...)
	}

	if s.notifier != nil && sched.ShouldNotify(res.Success) {
		event := BuildEvent(sched, runID, res, elapsed, finished, next)
		results := s.notifier.Dispatch(jobCtx, event)
		outcome.Notified = true
		log.Debugw("Notification dispatched",
			logger.FieldEventID, event.ID,
			logger.FieldCount, len(results))
	}
	return outcome, nil
}

// BuildEvent renders the notification for a finished run
func BuildEvent(sched *Schedule, runID string, res worker.Result, elapsed time.Duration, finished, next time.Time) notify.Event {
	name := sched.DisplayName()

	var summary string
	priority := notify.PriorityNormal
	if res.Success {
		summary = fmt.Sprintf("%s finished: %d found, %d inserted, %d updated",
			name, res.ItemsFound, res.ItemsInserted, res.ItemsUpdated)
	} else {
		summary = fmt.Sprintf("%s failed: %s", name, firstLine(res.ErrorMessage))
		priority = notify.PriorityHigh
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Source:** %s\n\n", sched.Source)
	if res.Success {
		fmt.Fprintf(&b, "**Status:** success\n\n")
		fmt.Fprintf(&b, "| found | inserted | updated |\n|---|---|---|\n| %d | %d | %d |\n\n",
			res.ItemsFound, res.ItemsInserted, res.ItemsUpdated)
	} else {
		fmt.Fprintf(&b, "**Status:** failed (%s)\n\n", classOrUnknown(res.ErrorClass))
		fmt.Fprintf(&b, "**Error:**\n\n```\n%s\n```\n\n", res.ErrorMessage)
	}
	fmt.Fprintf(&b, "**Duration:** %s\n\n", elapsed.Round(time.Second))
	fmt.Fprintf(&b, "**Next run:** %s\n", next.Format(time.RFC3339))

	return notify.Event{
		ID:             uuid.NewString(),
		OrganizationID: sched.OrganizationID,
		Subject:        name,
		Summary:        summary,
		Body:           b.String(),
		Priority:       priority,
		Recipients:     append([]string(nil), sched.NotificationRecipients...),
		TriggeredAt:    finished,
		RunID:          runID,
		ScheduleID:     sched.ID,
		Source:         sched.Source,
		Success:        res.Success,
	}
}

func classOrUnknown(c worker.ErrorClass) string {
	if c == worker.ClassNone {
		return "unknown"
	}
	return string(c)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// nextWait is the idle wait before the next iteration
func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.cfg.PollInterval
	if !s.cfg.AdaptivePoll {
		return wait
	}
	next, err := s.store.NextDue(ctx, s.cfg.OrganizationID)
	if err != nil || next == nil || next.NextRunAt == nil {
		return wait
	}
	until := next.NextRunAt.Sub(s.now())
	if until < minAdaptiveWait {
		until = minAdaptiveWait
	}
	if until < wait {
		return until
	}
	return wait
}

// logNextJobInfo logs the soonest upcoming schedule and host memory
func (s *Scheduler) logNextJobInfo(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	next, err := s.store.NextDue(ctx, s.cfg.OrganizationID)
	if err != nil {
		s.tickLog.Warnw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}

	var msg string
	if next == nil || next.NextRunAt == nil {
		msg = "Scheduler - no active schedules"
	} else {
		until := next.NextRunAt.Sub(s.now())
		if until < 0 {
			until = 0
		}
		msg = fmt.Sprintf("Scheduler - next run '%s' in %s", next.DisplayName(), until.Round(time.Second))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		const gb = 1 << 30
		msg += fmt.Sprintf(" │ Mem: %.1f/%.1fGB (%.0f%%)",
			float64(vm.Used)/gb, float64(vm.Total)/gb, vm.UsedPercent)
	}
	s.tickLog.Infow(msg)
}

// Stats returns scheduler counters
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"last_tick_at":  s.lastTickAt,
		"iterations":    s.iterations,
		"poll_interval": s.cfg.PollInterval,
	}
}
