package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// SystemNotification is one in-app notification row
type SystemNotification struct {
	ID             string
	OrganizationID string
	Recipient      string
	Title          string
	Body           string
	Priority       Priority
	SourceEvent    string
	RunID          string
	IsRead         bool
	CreatedAt      time.Time
}

// Delivery is the audit record of one channel attempt
type Delivery struct {
	ID          string
	EventID     string
	Channel     string
	Sent        bool
	Error       string
	AttemptedAt time.Time
}

// DeferredNotification is an event held until the next business-hours window
type DeferredNotification struct {
	ID          string
	Event       Event
	DeliverAt   time.Time
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

// Store persists notifications, delivery audit rows, and deferred events
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewStore creates a notification store
func NewStore(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{db: conn, dialect: dialect, now: time.Now}
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// InsertNotification writes an in-app notification
func (s *Store) InsertNotification(ctx context.Context, n *SystemNotification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	var runID interface{}
	if n.RunID != "" {
		runID = n.RunID
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO system_notifications
			(id, organization_id, recipient, title, body, priority, source_event, run_id, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.OrganizationID, n.Recipient, n.Title, n.Body, string(n.Priority),
		n.SourceEvent, runID, n.IsRead, formatTime(n.CreatedAt))
	if err != nil {
		return errors.NewInfrastructureError(err, "failed to insert notification")
	}
	return nil
}

// ListNotifications returns in-app notifications, newest first. Empty orgID lists all.
func (s *Store) ListNotifications(ctx context.Context, orgID string, limit int) ([]*SystemNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, organization_id, recipient, title, body, priority, source_event, run_id, is_read, created_at
		FROM system_notifications`
	var args []interface{}
	if orgID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query notifications")
	}
	defer rows.Close()

	var out []*SystemNotification
	for rows.Next() {
		var (
			n                   SystemNotification
			priority, createdAt string
			runID               sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.OrganizationID, &n.Recipient, &n.Title, &n.Body,
			&priority, &n.SourceEvent, &runID, &n.IsRead, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		n.Priority = Priority(priority)
		n.RunID = runID.String
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate notifications")
}

// RecordDeliveries writes one audit row per channel result
func (s *Store) RecordDeliveries(ctx context.Context, eventID string, results []ChannelResult) error {
	if len(results) == 0 {
		return nil
	}
	at := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInfrastructureError(err, "begin delivery audit")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO notification_deliveries (id, event_id, channel, sent, error, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return errors.NewInfrastructureError(err, "prepare delivery audit")
	}
	defer stmt.Close()

	for _, r := range results {
		var errText interface{}
		if r.Error != "" {
			errText = r.Error
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), eventID, r.Channel, r.Sent, errText, at); err != nil {
			return errors.NewInfrastructureError(err, "insert delivery for "+r.Channel)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewInfrastructureError(err, "commit delivery audit")
	}
	return nil
}

// ListDeliveries returns the audit rows for an event
func (s *Store) ListDeliveries(ctx context.Context, eventID string) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, event_id, channel, sent, error, attempted_at
		FROM notification_deliveries
		WHERE event_id = ?
		ORDER BY attempted_at, channel`), eventID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query deliveries")
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d         Delivery
			errText   sql.NullString
			attempted string
		)
		if err := rows.Scan(&d.ID, &d.EventID, &d.Channel, &d.Sent, &errText, &attempted); err != nil {
			return nil, errors.Wrap(err, "failed to scan delivery")
		}
		d.Error = errText.String
		if d.AttemptedAt, err = parseTime(attempted); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate deliveries")
}

// Defer holds ev until deliverAt. Deferring the same event twice is a no-op.
func (s *Store) Defer(ctx context.Context, ev Event, deliverAt time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode deferred event")
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO deferred_notifications (id, event_id, event, deliver_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`),
		uuid.NewString(), ev.ID, string(payload), formatTime(deliverAt), formatTime(s.now()))
	if err != nil {
		return errors.NewInfrastructureError(err, "failed to defer notification")
	}
	return nil
}

// DueDeferred returns undelivered deferred events whose deliver_at has passed
func (s *Store) DueDeferred(ctx context.Context, now time.Time, limit int) ([]*DeferredNotification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, event, deliver_at, delivered_at, created_at
		FROM deferred_notifications
		WHERE delivered_at IS NULL AND deliver_at <= ?
		ORDER BY deliver_at, created_at
		LIMIT ?`), formatTime(now), limit)
	if err != nil {
		return nil, errors.NewInfrastructureError(err, "failed to query deferred notifications")
	}
	defer rows.Close()

	var out []*DeferredNotification
	for rows.Next() {
		var (
			d                             DeferredNotification
			payload, deliverAt, createdAt string
			deliveredAt                   sql.NullString
		)
		if err := rows.Scan(&d.ID, &payload, &deliverAt, &deliveredAt, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan deferred notification")
		}
		if err := json.Unmarshal([]byte(payload), &d.Event); err != nil {
			return nil, errors.Wrapf(err, "decode deferred notification %s", d.ID)
		}
		if d.DeliverAt, err = parseTime(deliverAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if deliveredAt.Valid {
			t, err := parseTime(deliveredAt.String)
			if err != nil {
				return nil, err
			}
			d.DeliveredAt = &t
		}
		out = append(out, &d)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate deferred notifications")
}

// ClaimDeferred marks a deferred row delivered. It reports false when another
// pass already claimed it.
func (s *Store) ClaimDeferred(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE deferred_notifications SET delivered_at = ?
		WHERE id = ? AND delivered_at IS NULL`), formatTime(at), id)
	if err != nil {
		return false, errors.NewInfrastructureError(err, "failed to claim deferred notification "+id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInfrastructureError(err, "rows affected")
	}
	return n == 1, nil
}

// CountPendingDeferred returns how many deferred events await delivery
func (s *Store) CountPendingDeferred(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deferred_notifications WHERE delivered_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, errors.NewInfrastructureError(err, "failed to count deferred notifications")
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t.UTC(), nil
}
