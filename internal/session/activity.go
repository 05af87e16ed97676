package session

import (
	"fmt"
	"time"
)

// Activity log messages.
const (
	MsgRequestingToken  = "Requesting access token"
	MsgConnected        = "session connected"
	MsgConnectionFailed = "Connection failed"
	MsgAgentSpeaking    = "Agent speaking"
	MsgAgentSilent      = "Agent silent"
	MsgDisconnected     = "Disconnected"
	MsgSessionEnded     = "Session ended"
	MsgMicUnavailable   = "Microphone unavailable"
)

// LogEntry is one immutable activity log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Message)
}

// ActivityLog keeps entries in arrival order and reports them newest first.
// A zero max keeps everything. It is not safe for concurrent use.
type ActivityLog struct {
	entries []LogEntry
	max     int
}

// NewActivityLog creates a log retaining at most max entries.
func NewActivityLog(max int) *ActivityLog {
	if max < 0 {
		max = 0
	}
	return &ActivityLog{max: max}
}

// Add appends an entry and drops the oldest beyond the retention limit.
func (l *ActivityLog) Add(t time.Time, message string) LogEntry {
	e := LogEntry{Time: t, Message: message}
	l.entries = append(l.entries, e)
	if l.max > 0 && len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	return e
}

// Len returns the number of retained entries.
func (l *ActivityLog) Len() int {
	return len(l.entries)
}

// Entries returns a newest-first copy.
func (l *ActivityLog) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// Messages returns the messages of entries, newest first.
func Messages(entries []LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
