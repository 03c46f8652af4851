package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// DueBatchLimit caps how many due schedules one iteration picks up. The rest
// stay due and are selected by the next poll.
const DueBatchLimit = 100

const scheduleColumns = `
	id, organization_id, name, source, schedule_type, is_active,
	last_run_at, next_run_at, parameters,
	notify_on_completion, notify_on_error, notification_recipients,
	created_at, updated_at`

// Store handles persistence of scrape schedules
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewStore creates a new schedule store
func NewStore(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{db: conn, dialect: dialect, now: time.Now}
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// Create inserts a schedule. Missing ID is generated, an active schedule
// without NextRunAt becomes due immediately, and recipients are de-duplicated.
func (s *Store) Create(ctx context.Context, sched *Schedule) error {
	if strings.TrimSpace(sched.Source) == "" {
		return errors.NewInvalidRequestError("schedule source cannot be empty")
	}
	if !sched.Type.Valid() {
		return errors.NewInvalidRequestError("unknown schedule type %q", sched.Type)
	}
	params, err := normalizeParameters(sched.Parameters)
	if err != nil {
		return err
	}

	now := s.now().UTC().Truncate(time.Second)
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.IsActive && sched.NextRunAt == nil {
		sched.NextRunAt = &now
	}
	sched.Parameters = params
	sched.NotificationRecipients = normalizeRecipients(sched.NotificationRecipients)
	sched.CreatedAt = now
	sched.UpdatedAt = now

	recipients, err := json.Marshal(sched.NotificationRecipients)
	if err != nil {
		return errors.Wrap(err, "encode notification recipients")
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO scrape_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sched.ID,
		sched.OrganizationID,
		sched.Name,
		sched.Source,
		string(sched.Type),
		sched.IsActive,
		nullableTime(sched.LastRunAt),
		nullableTime(sched.NextRunAt),
		string(sched.Parameters),
		sched.NotifyOnCompletion,
		sched.NotifyOnError,
		string(recipients),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}
	return nil
}

// Get retrieves a schedule by ID
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+scheduleColumns+` FROM scrape_schedules WHERE id = ?`), id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sched, nil
}

// List returns all schedules, optionally scoped to one organization
func (s *Store) List(ctx context.Context, orgID string) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scrape_schedules`
	var args []interface{}
	if orgID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.query(ctx, query, args...)
}

// ListDue returns active schedules whose next_run_at has passed.
// Inactive schedules are never returned regardless of next_run_at.
func (s *Store) ListDue(ctx context.Context, orgID string, now time.Time) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scrape_schedules
		WHERE is_active = ? AND next_run_at IS NOT NULL AND next_run_at <= ?`
	args := []interface{}{true, formatTime(now)}
	if orgID != "" {
		query += ` AND organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY next_run_at ASC LIMIT ` + strconv.Itoa(DueBatchLimit)
	return s.query(ctx, query, args...)
}

// NextDue returns the active schedule with the soonest next_run_at, or nil
func (s *Store) NextDue(ctx context.Context, orgID string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scrape_schedules
		WHERE is_active = ? AND next_run_at IS NOT NULL`
	args := []interface{}{true}
	if orgID != "" {
		query += ` AND organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY next_run_at ASC LIMIT 1`

	scheds, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(scheds) == 0 {
		return nil, nil
	}
	return scheds[0], nil
}

// MarkRun records a completed run on the schedule. Only the Scheduler calls this.
func (s *Store) MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	if !nextRun.After(lastRun) {
		return errors.AssertionFailedf("next run %s must be after last run %s", nextRun, lastRun)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE scrape_schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`),
		formatTime(lastRun), formatTime(nextRun), formatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s after run", id)
	}
	return requireAffected(res, "schedule %s", id)
}

// SetActive pauses or resumes a schedule. Resuming a schedule that has no
// next_run_at makes it due immediately; an overdue one runs once on the next poll.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	now := formatTime(s.now())
	var (
		res sql.Result
		err error
	)
	if active {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE scrape_schedules
			SET is_active = ?, next_run_at = COALESCE(next_run_at, ?), updated_at = ?
			WHERE id = ?`),
			true, now, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE scrape_schedules SET is_active = ?, updated_at = ? WHERE id = ?`),
			false, now, id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", id)
	}
	return requireAffected(res, "schedule %s", id)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched                Schedule
		scheduleType         string
		lastRunAt, nextRunAt sql.NullString
		params, recipients   string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&sched.ID,
		&sched.OrganizationID,
		&sched.Name,
		&sched.Source,
		&scheduleType,
		&sched.IsActive,
		&lastRunAt,
		&nextRunAt,
		&params,
		&sched.NotifyOnCompletion,
		&sched.NotifyOnError,
		&recipients,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.Type = ScheduleType(scheduleType)
	sched.Parameters = json.RawMessage(params)

	if recipients != "" {
		if err := json.Unmarshal([]byte(recipients), &sched.NotificationRecipients); err != nil {
			return nil, errors.Wrapf(err, "decode notification_recipients for schedule %s", sched.ID)
		}
	}

	// Parse failures indicate corruption or schema mismatch
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "schedule %s created_at", sched.ID)
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "schedule %s updated_at", sched.ID)
	}
	if sched.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, errors.Wrapf(err, "schedule %s last_run_at", sched.ID)
	}
	if sched.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "schedule %s next_run_at", sched.ID)
	}
	return &sched, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireAffected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError(format, args...)
	}
	return nil
}
