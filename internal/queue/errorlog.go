package queue

import (
	"sync"
	"time"
)

// defaultErrorLogCapacity bounds how many terminal failures are kept
const defaultErrorLogCapacity = 50

// TerminalFailure records a command dropped after exceeding the retry
// ceiling. Dropped commands are always reported, never silently lost.
type TerminalFailure struct {
	Command  Command `json:"command"`
	Error    string  `json:"error"`
	AtMillis int64   `json:"atMillis"`
}

// ErrorLog is a bounded, in-memory record of permanently failed commands,
// surfaced to the user-facing layer through the queue status.
type ErrorLog struct {
	mu       sync.Mutex
	capacity int
	entries  []TerminalFailure
}

// NewErrorLog creates an ErrorLog with the default capacity
func NewErrorLog() *ErrorLog {
	return &ErrorLog{capacity: defaultErrorLogCapacity}
}

// Append records a dropped command, evicting the oldest entry when full
func (l *ErrorLog) Append(cmd Command, errMsg string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, TerminalFailure{
		Command:  cmd,
		Error:    errMsg,
		AtMillis: at.UnixMilli(),
	})
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

// Entries returns a copy of the recorded failures, oldest first
func (l *ErrorLog) Entries() []TerminalFailure {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TerminalFailure, len(l.entries))
	copy(out, l.entries)
	return out
}

// HasErrors reports whether any terminal failures have been recorded
func (l *ErrorLog) HasErrors() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) > 0
}
