// Package notify delivers run outcomes across independent channels (in-app
// dashboard, SMS, chat webhook, email) with a business-hours deferral policy.
package notify

import (
	"net/mail"
	"strings"
	"time"
)

// Priority ranks an event for the dashboard and chat rendering
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Event is the payload built from a run outcome
type Event struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Subject        string    `json:"subject"` // entity the event is about, e.g. the schedule name
	Summary        string    `json:"summary"` // one line, used for SMS and titles
	Body           string    `json:"body"`    // pre-rendered markdown
	Priority       Priority  `json:"priority"`
	Recipients     []string  `json:"recipients,omitempty"`
	TriggeredAt    time.Time `json:"triggered_at"`
	RunID          string    `json:"run_id,omitempty"`
	ScheduleID     string    `json:"schedule_id,omitempty"`
	Source         string    `json:"source,omitempty"`
	Success        bool      `json:"success"`
}

// Title is the heading used by dashboard rows, chat cards, and email subjects
func (e Event) Title() string {
	status := "completed"
	if !e.Success {
		status = "failed"
	}
	subject := e.Subject
	if subject == "" {
		subject = e.Source
	}
	return "[cadence] " + subject + " " + status
}

// SourceEvent is the reference stored with each in-app notification
func (e Event) SourceEvent() string {
	kind := "run.completed"
	if !e.Success {
		kind = "run.failed"
	}
	return kind + ":" + e.ID
}

// EmailRecipients returns the event recipients that parse as addresses
func (e Event) EmailRecipients() []string {
	var out []string
	for _, r := range e.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if addr, err := mail.ParseAddress(r); err == nil {
			out = append(out, addr.Address)
		}
	}
	return out
}
