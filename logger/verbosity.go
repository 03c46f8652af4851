package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts (-v, -vv, -vvv).
const (
	VerbosityDefault = 0 // No flags: info and above
	VerbosityDebug   = 1 // -v: + debug lines (worker output, store timings)
	VerbosityTrace   = 2 // -vv: + per-line worker stream echo
)

// VerbosityToLevel maps verbosity flags to zap log levels.
//
// Mapping:
//
//	0 (none) -> InfoLevel
//	1+ (-v)  -> DebugLevel
//
// A daemon's default is info because operators read run outcomes from the log.
func VerbosityToLevel(verbosity int) zapcore.Level {
	if verbosity <= VerbosityDefault {
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

// ShouldEchoWorkerLines returns true when each worker output line should be
// logged as it arrives rather than only sampled into the run record.
func ShouldEchoWorkerLines(verbosity int) bool {
	return verbosity >= VerbosityTrace
}

// LevelName returns a human-readable name for verbosity level
func LevelName(verbosity int) string {
	switch {
	case verbosity <= VerbosityDefault:
		return "Info"
	case verbosity == VerbosityDebug:
		return "Debug (-v)"
	default:
		return "Trace (-vv)"
	}
}
