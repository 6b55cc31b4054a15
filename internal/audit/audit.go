// Package audit provides an append-only audit log for every state
// transition the core performs: transaction moves, approval decisions,
// plan outcomes, and queue administration.
package audit

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event codes recorded by the core. The category (event type) is the
// segment before the first dot.
const (
	CodeTransactionCreated      = "transaction.created"
	CodeTransactionQueued       = "transaction.queued"
	CodeTransactionBroadcasting = "transaction.broadcasting"
	CodeTransactionBroadcasted  = "transaction.broadcasted"
	CodeTransactionConfirmed    = "transaction.confirmed"
	CodeTransactionFailed       = "transaction.failed"
	CodeTransactionRejected     = "transaction.rejected"
	CodeTransactionCancelled    = "transaction.cancelled"
	CodeTransactionBlocked      = "transaction.blocked"

	CodeApprovalRequested = "approval.requested"
	CodeApprovalApproved  = "approval.approved"
	CodeApprovalRejected  = "approval.rejected"
	CodeApprovalCancelled = "approval.cancelled"
	CodeApprovalExpired   = "approval.expired"

	CodePlanSubmitted = "plan.submitted"
	CodePlanStarted   = "plan.started"
	CodePlanCompleted = "plan.completed"
	CodePlanFailed    = "plan.failed"

	CodeQueuePaused     = "queue.paused"
	CodeQueueResumed    = "queue.resumed"
	CodeJobDeadLettered = "job.dead_lettered"

	CodeNotifySent   = "notify.sent"
	CodeNotifyFailed = "notify.failed"
)

// Entry is a single audit record.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"event_type"` // category: transaction, approval, plan, queue, notify
	EventCode    string         `json:"event_code"` // e.g. transaction.confirmed
	Action       string         `json:"action"`     // verb that caused the entry
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Actor        string         `json:"actor,omitempty"`
	Success      bool           `json:"success"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func enrich(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.EventType == "" {
		if idx := strings.Index(e.EventCode, "."); idx > 0 {
			e.EventType = e.EventCode[:idx]
		}
	}
}

// Log is an in-memory append-only ring. maxLen=0 means unbounded.
// A sink, when set, receives every entry for durable write-through.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	maxLen  int
	sink    func(Entry)
}

// NewLog creates an in-memory log.
func NewLog(maxLen int) *Log {
	return &Log{
		entries: make([]Entry, 0, 1024),
		maxLen:  maxLen,
	}
}

// SetSink installs a write-through destination for recorded entries.
func (l *Log) SetSink(sink func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Record appends an entry, dropping the oldest past capacity.
func (l *Log) Record(e Entry) {
	enrich(&e)

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if l.maxLen > 0 && len(l.entries) > l.maxLen {
		l.entries = l.entries[len(l.entries)-l.maxLen:]
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink(e)
	}
}

// Filter narrows queries. Zero values match everything.
type Filter struct {
	EventType    string
	EventCode    string
	ResourceType string
	ResourceID   string
	Actor        string
	Success      *bool
	Since        time.Time
	Until        time.Time
	Limit        int
}

func (f Filter) matches(e Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.EventCode != "" && e.EventCode != f.EventCode {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns matching entries, newest first.
func (l *Log) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !f.matches(e) {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Recent returns the N most recent entries.
func (l *Log) Recent(n int) []Entry {
	return l.Query(Filter{Limit: n})
}

// Count returns the number of entries held in memory.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// MarshalJSON exports all entries (for API responses).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.entries)
}
