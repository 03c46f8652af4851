// Package sym defines the glyphs cadence attaches to log lines and CLI output.
// These symbols are stable so logs stay greppable across releases.
package sym

// Glyph string constants.
const (
	Tick      = "꩜" // scheduler iteration
	TickOpen  = "✿" // daemon startup
	TickClose = "❀" // graceful shutdown
	DB        = "⊔" // store operations
	Worker    = "⚙" // spawned worker process
	Notify    = "✉" // notification dispatch
	Deferred  = "⏾" // notification held until business hours
)

// Names maps each glyph to the word used in plain-text output (no-unicode terminals).
var Names = map[string]string{
	Tick:      "tick",
	TickOpen:  "open",
	TickClose: "close",
	DB:        "db",
	Worker:    "worker",
	Notify:    "notify",
	Deferred:  "deferred",
}

// Name returns the plain-text name for a glyph, or the glyph itself if unknown.
func Name(glyph string) string {
	if n, ok := Names[glyph]; ok {
		return n
	}
	return glyph
}
