// Package worker spawns the external scrape worker for a schedule source,
// supervises it under a wall-clock timeout, and turns its exit into a Result.
package worker

import (
	"encoding/json"
	"strings"

	"github.com/teranos/cadence/errors"
)

// ErrorClass distinguishes why a run failed
type ErrorClass string

const (
	ClassNone          ErrorClass = ""
	ClassTimeout       ErrorClass = "timeout"
	ClassExit          ErrorClass = "exit"
	ClassSpawn         ErrorClass = "spawn"
	ClassUnknownSource ErrorClass = "unknown_source"
	ClassBadOutput     ErrorClass = "bad_output"
	ClassCancelled     ErrorClass = "cancelled"
)

// Result is the outcome of one worker execution
type Result struct {
	Success         bool
	ItemsFound      int
	ItemsInserted   int
	ItemsUpdated    int
	ErrorMessage    string
	ErrorClass      ErrorClass
	RawOutputSample string
	ExitCode        int

	// Err carries the classified error (marked with a worker sentinel) for callers
	// that want errors.Is. Not persisted.
	Err error
}

// Failed builds a failed Result from a classified error
func Failed(class ErrorClass, err error) Result {
	return Result{
		Success:      false,
		ErrorClass:   class,
		ErrorMessage: err.Error(),
		Err:          err,
		ExitCode:     -1,
	}
}

// Summary is the structured result object a worker emits on success
type Summary struct {
	ItemsFound    int `json:"items_found"`
	ItemsInserted int `json:"items_inserted"`
	ItemsUpdated  int `json:"items_updated"`
}

// ParseSummary decodes a worker result object. Counts must be non-negative.
func ParseSummary(raw []byte) (Summary, error) {
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, errors.Mark(errors.Wrap(err, "decode worker result"), errors.ErrBadWorkerOutput)
	}
	if s.ItemsFound < 0 || s.ItemsInserted < 0 || s.ItemsUpdated < 0 {
		return s, errors.Mark(
			errors.Newf("worker result has negative counts: found=%d inserted=%d updated=%d",
				s.ItemsFound, s.ItemsInserted, s.ItemsUpdated),
			errors.ErrBadWorkerOutput)
	}
	return s, nil
}

// lastJSONLine returns the last non-empty line of out if it is a JSON object
func lastJSONLine(out string) []byte {
	lines := strings.Split(strings.TrimRight(out, "\r\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") && json.Valid([]byte(line)) {
			return []byte(line)
		}
		return nil
	}
	return nil
}
