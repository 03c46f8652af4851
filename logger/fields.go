package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across cadence.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity
	FieldScheduleID = "schedule_id"
	FieldRunID      = "run_id"
	FieldEventID    = "event_id"
	FieldOrgID      = "organization_id"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Worker
	FieldSource   = "source"
	FieldPID      = "pid"
	FieldExitCode = "exit_code"
	FieldStream   = "stream"

	// Scheduling
	FieldScheduleType = "schedule_type"
	FieldNextRunAt    = "next_run_at"
	FieldLastRunAt    = "last_run_at"
	FieldDueCount     = "due"

	// Notification
	FieldChannel   = "channel"
	FieldSent      = "sent"
	FieldDeferTill = "deliver_at"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldTimeout    = "timeout"

	// Errors
	FieldError      = "error"
	FieldErrorClass = "error_class"

	// Status
	FieldStatus = "status"
	FieldCount  = "count"
)

// Context keys for propagating logging context
type contextKey string

const (
	scheduleIDKey contextKey = "logger_schedule_id"
	runIDKey      contextKey = "logger_run_id"
)

// WithScheduleID adds a schedule ID to the context for logging
func WithScheduleID(ctx context.Context, scheduleID string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, scheduleID)
}

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(scheduleIDKey).(string); ok && id != "" {
		fields = append(fields, FieldScheduleID, id)
	}
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRunID, id)
	}

	return fields
}

// FromContext returns base enriched with schedule_id and run_id from ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
// Example:
//
//	type Scheduler struct {
//	    log *zap.SugaredLogger
//	}
//
//	s.log = logger.ComponentLogger("scheduler")
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
