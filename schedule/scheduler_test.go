package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/notify"
	"github.com/teranos/cadence/worker"
)

type execCall struct {
	Source string
	Params json.RawMessage
}

// fakeExecutor returns a canned Result per source
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]worker.Result
	during  func(ctx context.Context, source string)
	calls   []execCall
}

func (f *fakeExecutor) Run(ctx context.Context, source string, params json.RawMessage, _ time.Duration) worker.Result {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{Source: source, Params: params})
	during := f.during
	f.mu.Unlock()

	if during != nil {
		during(ctx, source)
	}
	if res, ok := f.results[source]; ok {
		return res
	}
	return worker.Failed(worker.ClassUnknownSource,
		errors.Mark(errors.Newf("unknown worker source %q", source), errors.ErrUnknownSource))
}

func (f *fakeExecutor) sources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Source
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Dispatch(_ context.Context, event notify.Event) []notify.ChannelResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return []notify.ChannelResult{{Channel: "dashboard", Sent: true}}
}

// failingRunLogger wraps a RunLogStore and fails the configured step
type failingRunLogger struct {
	*RunLogStore
	failBegin    bool
	failComplete bool
}

func (f *failingRunLogger) Begin(ctx context.Context, scheduleID string, params json.RawMessage) (string, error) {
	if f.failBegin {
		return "", errors.NewInfrastructureError(errors.New("disk I/O error"), "failed to begin run")
	}
	return f.RunLogStore.Begin(ctx, scheduleID, params)
}

func (f *failingRunLogger) Complete(ctx context.Context, runID string, res worker.Result, d time.Duration) error {
	if f.failComplete {
		return errors.NewInfrastructureError(errors.New("disk I/O error"), "failed to complete run")
	}
	return f.RunLogStore.Complete(ctx, runID, res, d)
}

type denyingLease struct{ released int }

func (*denyingLease) Acquire(context.Context, string, time.Duration) (bool, error) { return false, nil }
func (l *denyingLease) Release(context.Context, string) error {
	l.released++
	return nil
}

type testHarness struct {
	sched    *Scheduler
	store    *Store
	runs     *RunLogStore
	exec     *fakeExecutor
	notifier *fakeNotifier
}

func newHarness(t *testing.T, results map[string]worker.Result) *testHarness {
	store, runs := newTestStores(t)
	exec := &fakeExecutor{results: results}
	notifier := &fakeNotifier{}
	sched := NewScheduler(store, runs, exec, notifier, DefaultConfig(), zaptest.NewLogger(t).Sugar())
	sched.now = fixedClock(testNow)
	return &testHarness{sched: sched, store: store, runs: runs, exec: exec, notifier: notifier}
}

func ok(found, inserted, updated int) worker.Result {
	return worker.Result{Success: true, ItemsFound: found, ItemsInserted: inserted, ItemsUpdated: updated}
}

func TestScheduler_RunsDueDailySchedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]worker.Result{"construction_wire": ok(5, 3, 1)})
	due := testNow.Add(-time.Hour)
	s := createSchedule(t, h.store, &Schedule{
		Name: "Construction wire", Source: "construction_wire", Type: Daily,
		IsActive: true, NextRunAt: &due, Parameters: json.RawMessage(`{"region":"north"}`),
	})

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.False(t, report.Interrupted)

	require.Len(t, h.exec.calls, 1)
	assert.JSONEq(t, `{"region":"north"}`, string(h.exec.calls[0].Params))

	got, err := h.store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, testNow, *got.LastRunAt)
	assert.Equal(t, testNow.Add(24*time.Hour), *got.NextRunAt)

	logs, err := h.runs.ListForSchedule(ctx, s.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, RunSuccess, logs[0].Status)
	assert.Equal(t, 5, logs[0].ItemsFound)
	assert.Equal(t, 3, logs[0].ItemsInserted)
	assert.Equal(t, 1, logs[0].ItemsUpdated)
	assert.Equal(t, report.Jobs[0].RunID, logs[0].ID)
}

func TestScheduler_InactiveScheduleNeverRuns(t *testing.T) {
	h := newHarness(t, map[string]worker.Result{"a": ok(1, 1, 0)})
	due := testNow.Add(-time.Hour)
	createSchedule(t, h.store, &Schedule{Source: "a", Type: Daily, IsActive: false, NextRunAt: &due})

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Empty(t, h.exec.calls)
}

func TestScheduler_NoCatchUpAfterDowntime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]worker.Result{"a": ok(1, 1, 0)})
	due := testNow.Add(-30 * 24 * time.Hour)
	s := createSchedule(t, h.store, &Schedule{Source: "a", Type: Daily, IsActive: true, NextRunAt: &due})

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	got, err := h.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(24*time.Hour), *got.NextRunAt, "next run is measured from the run, not the stale due time")

	report, err = h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Len(t, h.exec.calls, 1)
}

func TestScheduler_RunLogIsRunningDuringExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]worker.Result{"a": ok(2, 2, 0)})
	due := testNow.Add(-time.Minute)
	createSchedule(t, h.store, &Schedule{Source: "a", Type: Weekly, IsActive: true, NextRunAt: &due})

	var runningDuring int
	h.exec.during = func(ctx context.Context, _ string) {
		n, err := h.runs.CountRunning(ctx)
		require.NoError(t, err)
		runningDuring = n
	}

	_, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runningDuring)

	n, err := h.runs.CountRunning(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "every run reaches a terminal status within its iteration")
}

func TestScheduler_NotificationPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]worker.Result{
		"good": ok(4, 1, 0),
		"bad":  worker.Failed(worker.ClassExit, errors.New("rate limited\nretry later")),
	})
	due := testNow.Add(-time.Hour)
	later := testNow.Add(-time.Minute)
	createSchedule(t, h.store, &Schedule{
		Name: "Good", Source: "good", Type: Daily, IsActive: true, NextRunAt: &due,
		NotifyOnError: true,
	})
	bad := createSchedule(t, h.store, &Schedule{
		Name: "Bad", Source: "bad", Type: Daily, IsActive: true, NextRunAt: &later,
		NotifyOnError: true, NotificationRecipients: []string{"ops@example.com"},
	})

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, h.notifier.events, 1, "success without notify_on_completion is silent")
	ev := h.notifier.events[0]
	assert.Equal(t, bad.ID, ev.ScheduleID)
	assert.Equal(t, report.Jobs[1].RunID, ev.RunID)
	assert.False(t, ev.Success)
	assert.Equal(t, notify.PriorityHigh, ev.Priority)
	assert.Equal(t, "Bad failed: rate limited", ev.Summary)
	assert.Contains(t, ev.Body, "rate limited\nretry later")
	assert.Equal(t, []string{"ops@example.com"}, ev.Recipients)
	assert.Equal(t, testNow, ev.TriggeredAt)
	assert.True(t, report.Jobs[1].Notified)
	assert.False(t, report.Jobs[0].Notified)
}

func TestScheduler_NotifiesOnCompletion(t *testing.T) {
	h := newHarness(t, map[string]worker.Result{"a": ok(5, 3, 1)})
	due := testNow.Add(-time.Hour)
	createSchedule(t, h.store, &Schedule{
		Name: "Construction wire", Source: "a", Type: Daily, IsActive: true, NextRunAt: &due,
		NotifyOnCompletion: true,
	})

	_, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.notifier.events, 1)
	ev := h.notifier.events[0]
	assert.True(t, ev.Success)
	assert.Equal(t, notify.PriorityNormal, ev.Priority)
	assert.Equal(t, "Construction wire finished: 5 found, 3 inserted, 1 updated", ev.Summary)
	assert.Contains(t, ev.Body, "| 5 | 3 | 1 |")
	assert.Contains(t, ev.Body, testNow.Add(24*time.Hour).Format(time.RFC3339))
}

func TestScheduler_UnknownSourceDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]worker.Result{"permits": ok(1, 0, 1)})
	first := testNow.Add(-2 * time.Hour)
	second := testNow.Add(-time.Hour)
	ghost := createSchedule(t, h.store, &Schedule{Source: "ghost", Type: Daily, IsActive: true, NextRunAt: &first})
	createSchedule(t, h.store, &Schedule{Source: "permits", Type: Daily, IsActive: true, NextRunAt: &second})

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost", "permits"}, h.exec.sources())
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)

	logs, err := h.runs.ListForSchedule(ctx, ghost.ID, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, RunFailed, logs[0].Status)
	assert.Equal(t, string(worker.ClassUnknownSource), logs[0].ErrorClass)

	// A failed run still advances the schedule
	got, err := h.store.Get(ctx, ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(24*time.Hour), *got.NextRunAt)
}

func TestScheduler_ListDueFailureAbortsIteration(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("FROM scrape_schedules").
		WillReturnError(errors.New("database is locked"))

	exec := &fakeExecutor{}
	sched := NewScheduler(NewStore(conn, db.DialectSQLite), NewRunLogStore(conn, db.DialectSQLite),
		exec, nil, DefaultConfig(), zaptest.NewLogger(t).Sugar())

	report, err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInfrastructure))
	assert.Zero(t, report.Due)
	assert.Empty(t, exec.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduler_BeginFailureSkipsWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]worker.Result{"a": ok(1, 1, 0)})
	h.sched.runs = &failingRunLogger{RunLogStore: h.runs, failBegin: true}
	due := testNow.Add(-time.Hour)
	s := createSchedule(t, h.store, &Schedule{Source: "a", Type: Daily, IsActive: true, NextRunAt: &due})

	_, err := h.sched.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInfrastructure))
	assert.Empty(t, h.exec.calls, "no worker may run without a run log")

	got, err := h.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, due, *got.NextRunAt, "schedule stays due for the next poll")
}

func TestScheduler_CompleteFailureStillAdvances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]worker.Result{"a": ok(1, 1, 0)})
	h.sched.runs = &failingRunLogger{RunLogStore: h.runs, failComplete: true}
	due := testNow.Add(-time.Hour)
	s := createSchedule(t, h.store, &Schedule{
		Source: "a", Type: Daily, IsActive: true, NextRunAt: &due, NotifyOnCompletion: true,
	})

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.True(t, errors.Is(report.Errors[0], errors.ErrInfrastructure))

	got, err := h.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(24*time.Hour), *got.NextRunAt)
	assert.Len(t, h.notifier.events, 1)
}

func TestScheduler_LeaseHeldElsewhereSkips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]worker.Result{"a": ok(1, 1, 0)})
	lease := &denyingLease{}
	h.sched.SetLease(lease)
	due := testNow.Add(-time.Hour)
	s := createSchedule(t, h.store, &Schedule{Source: "a", Type: Daily, IsActive: true, NextRunAt: &due})

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, h.exec.calls)
	assert.Zero(t, lease.released, "an unacquired lease is never released")

	got, err := h.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, due, *got.NextRunAt)
}

func TestScheduler_ShutdownBetweenJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, map[string]worker.Result{"first": ok(1, 1, 0), "second": ok(1, 1, 0)})
	h.exec.during = func(jobCtx context.Context, source string) {
		if source == "first" {
			cancel()
			assert.NoError(t, jobCtx.Err(), "a running job is not cancelled by shutdown")
		}
	}
	a := testNow.Add(-2 * time.Hour)
	b := testNow.Add(-time.Hour)
	first := createSchedule(t, h.store, &Schedule{Source: "first", Type: Daily, IsActive: true, NextRunAt: &a})
	second := createSchedule(t, h.store, &Schedule{Source: "second", Type: Daily, IsActive: true, NextRunAt: &b})

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, []string{"first"}, h.exec.sources())

	bg := context.Background()
	got, err := h.store.Get(bg, first.ID)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(24*time.Hour), *got.NextRunAt, "in-flight job finishes and is recorded")

	got, err = h.store.Get(bg, second.ID)
	require.NoError(t, err)
	assert.Equal(t, b, *got.NextRunAt, "remaining job stays due")
}

func TestScheduler_PanicClosesRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.exec.during = func(context.Context, string) { panic("boom") }
	due := testNow.Add(-time.Hour)
	s := createSchedule(t, h.store, &Schedule{Source: "a", Type: Daily, IsActive: true, NextRunAt: &due})

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)

	logs, err := h.runs.ListForSchedule(ctx, s.ID, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, RunFailed, logs[0].Status)
	assert.Contains(t, logs[0].ErrorMessage, "boom")
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, map[string]worker.Result{"a": ok(1, 1, 0)})
	h.sched.cfg.PollInterval = time.Hour
	due := testNow.Add(-time.Hour)
	createSchedule(t, h.store, &Schedule{Source: "a", Type: Daily, IsActive: true, NextRunAt: &due})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, []string{"a"}, h.exec.sources(), "Run starts with an immediate iteration")
	assert.EqualValues(t, 1, h.sched.Stats()["iterations"])
}

func TestScheduler_NextWait(t *testing.T) {
	h := newHarness(t, nil)
	h.sched.cfg.PollInterval = time.Minute
	ctx := context.Background()

	assert.Equal(t, time.Minute, h.sched.nextWait(ctx), "fixed interval when adaptive polling is off")

	h.sched.cfg.AdaptivePoll = true
	assert.Equal(t, time.Minute, h.sched.nextWait(ctx), "no schedules")

	soon := testNow.Add(10 * time.Second)
	createSchedule(t, h.store, &Schedule{Source: "a", Type: Daily, IsActive: true, NextRunAt: &soon})
	assert.Equal(t, 10*time.Second, h.sched.nextWait(ctx))

	overdue := testNow.Add(-time.Hour)
	createSchedule(t, h.store, &Schedule{Source: "b", Type: Daily, IsActive: true, NextRunAt: &overdue})
	assert.Equal(t, minAdaptiveWait, h.sched.nextWait(ctx))
}

func TestBuildEvent_FailureWithoutClass(t *testing.T) {
	sched := &Schedule{ID: "s1", Source: "permits", Type: Daily}
	res := worker.Result{ErrorMessage: "worker failed"}
	ev := BuildEvent(sched, "r1", res, 1500*time.Millisecond, testNow, testNow.Add(24*time.Hour))

	assert.Equal(t, "[cadence] permits failed", ev.Title())
	assert.Equal(t, "permits failed: worker failed", ev.Summary)
	assert.Contains(t, ev.Body, "failed (unknown)")
	assert.Contains(t, ev.Body, "**Duration:** 2s")
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "run.failed:"+ev.ID, ev.SourceEvent())
}
