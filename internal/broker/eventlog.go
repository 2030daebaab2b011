// Package broker mediates between connected clients and the agent backend:
// per-session event sequencing and replay, tool permission arbitration, and
// the per-connection control loop that drives queries.
package broker

import (
	"sync"
	"time"
)

// MaxEventLog is the default bound on retained entries per session log.
// Oldest entries are dropped once the bound is exceeded.
const MaxEventLog = 1000

// Entry is a single stamped event in a session's log.
type Entry struct {
	Seq       int64       `json:"seq"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventLog assigns strictly increasing sequence numbers to a session's
// outbound events and retains the most recent entries for replay.
type EventLog struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	entries []Entry
}

// NewEventLog creates an empty log with the default bound. Sequence numbers
// start at 1.
func NewEventLog() *EventLog {
	return newEventLog(MaxEventLog)
}

func newEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = MaxEventLog
	}
	return &EventLog{nextSeq: 1, limit: limit}
}

// Append allocates the next seq, stamps the event and stores it.
func (l *EventLog) Append(eventType string, data interface{}) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Seq:       l.nextSeq,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	l.nextSeq++

	if len(l.entries) >= l.limit {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)
	return entry
}

// After returns the retained entries with seq > k, in seq order.
// Gaps below the oldest retained entry are not signalled.
func (l *EventLog) After(k int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Seq > k {
			out = append(out, e)
		}
	}
	return out
}

// NextSeq returns the seq the next Append will use.
func (l *EventLog) NextSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Len returns the number of retained entries.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// LogRegistry holds the per-session event logs. Logs survive connection churn
// and die with the daemon.
type LogRegistry struct {
	mu    sync.RWMutex
	limit int
	logs  map[string]*EventLog
}

// NewLogRegistry creates an empty registry. Each session log retains up to
// limit entries; a non-positive limit means MaxEventLog.
func NewLogRegistry(limit int) *LogRegistry {
	return &LogRegistry{limit: limit, logs: make(map[string]*EventLog)}
}

// GetOrCreate returns the session's log, creating it on first use.
func (r *LogRegistry) GetOrCreate(sessionID string) *EventLog {
	r.mu.RLock()
	log, ok := r.logs[sessionID]
	r.mu.RUnlock()
	if ok {
		return log
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if log, ok := r.logs[sessionID]; ok {
		return log
	}
	log = newEventLog(r.limit)
	r.logs[sessionID] = log
	return log
}

// Remove drops the session's log.
func (r *LogRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.logs, sessionID)
}
