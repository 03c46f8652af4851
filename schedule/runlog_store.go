package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/worker"
)

// MaxErrorMessageLen bounds error_message; worker stderr can be large
const MaxErrorMessageLen = 8 * 1024

// InterruptedMessage is written to runs failed by crash recovery
const InterruptedMessage = "interrupted by scheduler restart"

const runLogColumns = `
	id, schedule_id, status, started_at, completed_at, duration_seconds,
	items_found, items_inserted, items_updated,
	error_message, error_class, parameters, output_sample`

// RunLogStore handles persistence of scrape run history. Rows are never deleted.
type RunLogStore struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewRunLogStore creates a new run log store
func NewRunLogStore(conn *sql.DB, dialect db.Dialect) *RunLogStore {
	return &RunLogStore{db: conn, dialect: dialect, now: time.Now}
}

func (s *RunLogStore) q(query string) string {
	return s.dialect.Rebind(query)
}

// Begin inserts a running record and returns its ID. Callers must not spawn
// the worker when this fails.
func (s *RunLogStore) Begin(ctx context.Context, scheduleID string, params json.RawMessage) (string, error) {
	params, err := normalizeParameters(params)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO scrape_logs (id, schedule_id, status, started_at, parameters)
		VALUES (?, ?, ?, ?, ?)`),
		id, scheduleID, string(RunRunning), formatTime(s.now()), string(params))
	if err != nil {
		return "", errors.NewInfrastructureError(err, "failed to begin run")
	}
	return id, nil
}

// Complete writes the single terminal update for a run. A run that is no
// longer running is left untouched and ErrRunAlreadyCompleted is returned.
func (s *RunLogStore) Complete(ctx context.Context, runID string, res worker.Result, duration time.Duration) error {
	status := RunSuccess
	var errMsg, errClass interface{}
	if !res.Success {
		status = RunFailed
		msg := res.ErrorMessage
		if msg == "" {
			msg = "worker failed"
			if res.ErrorClass != worker.ClassNone {
				msg += " (" + string(res.ErrorClass) + ")"
			}
		}
		errMsg = util.Truncate(msg, MaxErrorMessageLen)
		if res.ErrorClass != worker.ClassNone {
			errClass = string(res.ErrorClass)
		}
	}

	var sample interface{}
	if res.RawOutputSample != "" {
		sample = res.RawOutputSample
	}

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE scrape_logs
		SET status = ?, completed_at = ?, duration_seconds = ?,
		    items_found = ?, items_inserted = ?, items_updated = ?,
		    error_message = ?, error_class = ?, output_sample = ?
		WHERE id = ? AND status = ?`),
		string(status),
		formatTime(s.now()),
		duration.Seconds(),
		nonNegative(res.ItemsFound),
		nonNegative(res.ItemsInserted),
		nonNegative(res.ItemsUpdated),
		errMsg,
		errClass,
		sample,
		runID,
		string(RunRunning),
	)
	if err != nil {
		return errors.NewInfrastructureError(err, "failed to complete run "+runID)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewInfrastructureError(err, "rows affected")
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing run from a second terminal update
	if _, err := s.Get(ctx, runID); err != nil {
		return err
	}
	return errors.Mark(errors.Newf("run %s already completed", runID), errors.ErrRunAlreadyCompleted)
}

// Get retrieves one run log
func (s *RunLogStore) Get(ctx context.Context, runID string) (*RunLog, error) {
	logs, err := s.query(ctx, `SELECT `+runLogColumns+` FROM scrape_logs WHERE id = ?`, runID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, errors.NewNotFoundError("run %s", runID)
	}
	return logs[0], nil
}

// ListForSchedule returns a schedule's runs, newest first
func (s *RunLogStore) ListForSchedule(ctx context.Context, scheduleID string, limit int) ([]*RunLog, error) {
	return s.query(ctx, `SELECT `+runLogColumns+` FROM scrape_logs
		WHERE schedule_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, scheduleID, clampLimit(limit))
}

// ListRecent returns the most recent runs across all schedules
func (s *RunLogStore) ListRecent(ctx context.Context, limit int) ([]*RunLog, error) {
	return s.query(ctx, `SELECT `+runLogColumns+` FROM scrape_logs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, clampLimit(limit))
}

// CountRunning returns how many runs have no terminal status yet
func (s *RunLogStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM scrape_logs WHERE status = ?`),
		string(RunRunning)).Scan(&n)
	if err != nil {
		return 0, errors.NewInfrastructureError(err, "failed to count running runs")
	}
	return n, nil
}

// FailStale marks runs still running since before cutoff as failed. The daemon
// calls it on start to close out runs orphaned by a crash.
func (s *RunLogStore) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE scrape_logs
		SET status = ?, completed_at = ?, error_message = ?, error_class = ?
		WHERE status = ? AND started_at < ?`),
		string(RunFailed),
		formatTime(s.now()),
		InterruptedMessage,
		string(worker.ClassCancelled),
		string(RunRunning),
		formatTime(cutoff),
	)
	if err != nil {
		return 0, errors.NewInfrastructureError(err, "failed to fail stale runs")
	}
	return res.RowsAffected()
}

func (s *RunLogStore) query(ctx context.Context, query string, args ...interface{}) ([]*RunLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run logs")
	}
	defer rows.Close()

	var out []*RunLog
	for rows.Next() {
		var (
			rl                        RunLog
			status, startedAt, params string
			completedAt               sql.NullString
			duration                  sql.NullFloat64
			errMsg, errClass, sample  sql.NullString
		)
		if err := rows.Scan(
			&rl.ID,
			&rl.ScheduleID,
			&status,
			&startedAt,
			&completedAt,
			&duration,
			&rl.ItemsFound,
			&rl.ItemsInserted,
			&rl.ItemsUpdated,
			&errMsg,
			&errClass,
			&params,
			&sample,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan run log")
		}

		rl.Status = RunStatus(status)
		rl.Parameters = json.RawMessage(params)
		rl.ErrorMessage = errMsg.String
		rl.ErrorClass = errClass.String
		rl.OutputSample = sample.String
		if duration.Valid {
			rl.DurationSeconds = util.Ptr(duration.Float64)
		}
		if rl.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, errors.Wrapf(err, "run %s started_at", rl.ID)
		}
		if rl.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, errors.Wrapf(err, "run %s completed_at", rl.ID)
		}
		out = append(out, &rl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate run logs")
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 50
	}
	return limit
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
