package model

import "time"

// Log levels recorded from the engine's logger hook
const (
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// DefaultLogCapacity is the number of log entries kept per job
const DefaultLogCapacity = 500

// LogEntry is a single line captured from the engine's logger hook
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// LogRing is a bounded ring buffer of log entries. Once full, the oldest
// entry is overwritten. Not safe for concurrent use on its own; callers hold
// the registry lock.
type LogRing struct {
	entries []LogEntry
	next    int
	full    bool
	errors  int
}

// NewLogRing creates a ring holding at most capacity entries
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogRing{entries: make([]LogEntry, capacity)}
}

// Append adds an entry, evicting the oldest when the ring is full
func (r *LogRing) Append(level, message string, at time.Time) {
	r.entries[r.next] = LogEntry{Level: level, Message: message, At: at}
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	if level == LogLevelError {
		r.errors++
	}
}

// Len returns the number of entries currently held
func (r *LogRing) Len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// ErrorCount returns the number of error-level entries appended since the
// last reset, including any that have been evicted
func (r *LogRing) ErrorCount() int {
	return r.errors
}

// ResetErrorCount clears the error counter at the start of a new run
func (r *LogRing) ResetErrorCount() {
	r.errors = 0
}

// Snapshot returns the entries oldest-first
func (r *LogRing) Snapshot() []LogEntry {
	out := make([]LogEntry, 0, r.Len())
	if r.full {
		out = append(out, r.entries[r.next:]...)
	}
	out = append(out, r.entries[:r.next]...)
	return out
}

// Restore replaces the ring contents with previously persisted entries,
// keeping only the most recent ones if there are more than fit
func (r *LogRing) Restore(entries []LogEntry) {
	r.next = 0
	r.full = false
	r.errors = 0
	start := 0
	if len(entries) > len(r.entries) {
		start = len(entries) - len(r.entries)
	}
	for _, e := range entries[start:] {
		r.Append(e.Level, e.Message, e.At)
	}
}
