// Package activity keeps a bounded, in-memory record of recent proxied
// requests for the admin API.
package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 500

// Entry describes one terminal outcome of a proxied request.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Time      time.Time `json:"time"`
	LatencyMs int64     `json:"latency_ms"`
	KeyIndex  int       `json:"key_index"`
	KeyMasked string    `json:"key"`
	Model     string    `json:"model,omitempty"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Status    int       `json:"status"`
	Attempts  int       `json:"attempts"`
	Exhausted bool      `json:"exhausted,omitempty"`
}

// Log is a fixed-capacity ring buffer of entries. Once full, each Append
// evicts the oldest entry. Safe for concurrent use.
type Log struct {
	mu    sync.RWMutex
	buf   []Entry
	next  int
	count int
}

// New creates a Log holding at most capacity entries. capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]Entry, capacity)}
}

// Append records e, filling in ID and Time when unset.
func (l *Log) Append(e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	l.mu.Lock()
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	l.mu.Unlock()
}

// Recent returns up to limit entries, most recent first. limit <= 0 returns
// every retained entry.
func (l *Log) Recent(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out[i] = l.buf[idx]
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Cap returns the configured capacity.
func (l *Log) Cap() int {
	return len(l.buf)
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	clear(l.buf)
	l.next = 0
	l.count = 0
	l.mu.Unlock()
}

// Truncate shortens s to at most max runes, appending "..." when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
