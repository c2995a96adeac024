// Package levellog provides the process-wide log level gate set by the
// control loop's `loglevel=<n>` command (spec.md §4.4). The gate records
// the threshold and Enabled compares a level against it; the log call
// sites in this repository do not consult it and print unconditionally.
package levellog

import "sync/atomic"

// Level mirrors syslog-style severities, loosest first.
type Level int32

const (
	Debug Level = iota
	Info
	Notice
	Warning
	Emerg
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Notice:
		return "NOTICE"
	case Warning:
		return "WARNING"
	case Emerg:
		return "EMERG"
	default:
		return "UNKNOWN"
	}
}

// Gate holds the current threshold; Enabled reports whether a line at a
// given level passes it.
type Gate struct {
	level int32
}

// NewGate creates a gate at the given initial level.
func NewGate(initial Level) *Gate {
	return &Gate{level: int32(initial)}
}

// Set updates the threshold (the `loglevel=<n>` control command).
func (g *Gate) Set(l Level) { atomic.StoreInt32(&g.level, int32(l)) }

// Current returns the active threshold.
func (g *Gate) Current() Level { return Level(atomic.LoadInt32(&g.level)) }

// Enabled reports whether a line at l should be emitted.
func (g *Gate) Enabled(l Level) bool { return l >= g.Current() }
