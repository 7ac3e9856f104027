package lib

import (
	"fmt"
	"sync"
	"time"
)

// LogLevel represents the severity of a run log entry
type LogLevel string

const (
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// LogEntry represents a single run log message
type LogEntry struct {
	Level     LogLevel  `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// RunLog captures an ordered, in-memory log of agent activity for a single
// scan. It is independent of the zerolog sink and exists so that callers can
// poll incrementally for new entries.
type RunLog struct {
	entries []LogEntry
	mu      sync.Mutex
}

// NewRunLog creates a new RunLog instance
func NewRunLog() *RunLog {
	return &RunLog{
		entries: []LogEntry{},
	}
}

// Log adds a new log entry
func (l *RunLog) Log(level LogLevel, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch level {
	case INFO, WARN, ERROR:
		l.entries = append(l.entries, LogEntry{
			Level:     level,
			Text:      text,
			Timestamp: time.Now(),
		})
		return nil
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}
}

// Logf adds a formatted INFO entry
func (l *RunLog) Logf(level LogLevel, format string, args ...interface{}) error {
	return l.Log(level, fmt.Sprintf(format, args...))
}

// Entries returns a copy of all captured entries
func (l *RunLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns entries starting at the given index. Callers keep the last
// index they have seen and pass it back to receive only new entries.
func (l *RunLog) Since(index int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 {
		index = 0
	}
	if index >= len(l.entries) {
		return nil
	}
	out := make([]LogEntry, len(l.entries)-index)
	copy(out, l.entries[index:])
	return out
}

// Len returns the number of captured entries
func (l *RunLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes all captured entries
func (l *RunLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = []LogEntry{}
}
