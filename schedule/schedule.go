// Package schedule provides recurring scrape-job scheduling: the schedule and
// run-log stores, next-run computation, and the polling Scheduler.
package schedule

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// ScheduleType is a recurrence policy
type ScheduleType string

const (
	Daily   ScheduleType = "daily"
	Weekly  ScheduleType = "weekly"
	Monthly ScheduleType = "monthly"
	Custom  ScheduleType = "custom" // 24h fallback; cron expressions are not evaluated
)

// Valid reports whether t is one of the known recurrence policies
func (t ScheduleType) Valid() bool {
	switch t {
	case Daily, Weekly, Monthly, Custom:
		return true
	}
	return false
}

// ParseScheduleType validates user input
func ParseScheduleType(s string) (ScheduleType, error) {
	t := ScheduleType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errors.NewInvalidRequestError("unknown schedule type %q (want daily, weekly, monthly, or custom)", s)
	}
	return t, nil
}

// Schedule represents a recurring scrape job
type Schedule struct {
	ID                     string
	OrganizationID         string
	Name                   string // display name; falls back to Source
	Source                 string // worker registry key
	Type                   ScheduleType
	IsActive               bool
	LastRunAt              *time.Time
	NextRunAt              *time.Time // non-nil while IsActive
	Parameters             json.RawMessage
	NotifyOnCompletion     bool
	NotifyOnError          bool
	NotificationRecipients []string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// DisplayName returns Name, or Source when unnamed
func (s *Schedule) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Source
}

// ShouldNotify applies the notify_on_completion / notify_on_error policy
func (s *Schedule) ShouldNotify(success bool) bool {
	if success {
		return s.NotifyOnCompletion
	}
	return s.NotifyOnError
}

// RunStatus is the lifecycle state of a run log
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// RunLog is one execution attempt. Created running; exactly one terminal update.
type RunLog struct {
	ID              string
	ScheduleID      string
	Status          RunStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ItemsFound      int
	ItemsInserted   int
	ItemsUpdated    int
	ErrorMessage    string // set iff Status is failed
	ErrorClass      string
	Parameters      json.RawMessage
	OutputSample    string
}

// normalizeRecipients trims, drops empties, and removes duplicates keeping first occurrence
func normalizeRecipients(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// normalizeParameters returns a JSON object, defaulting to {}
func normalizeParameters(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, errors.NewInvalidRequestError("parameters must be a JSON object: %v", err)
	}
	return json.RawMessage(trimmed), nil
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
