package stores

import (
	"context"
	"time"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// EventLevel represents the severity level of a phase event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// PhaseEvent is one entry of the append-only phase history
type PhaseEvent struct {
	ID        int64            `json:"id"`
	RunID     string           `json:"run_id"`
	Phase     string           `json:"phase"`
	Type      engine.EventType `json:"type"`
	Level     EventLevel       `json:"level"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
	Resource  string           `json:"resource,omitempty"`
	Outcome   string           `json:"outcome,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Phase  string
	RunID  string
	Level  EventLevel
	Limit  int
	Offset int
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g., "phase.run", "phase.reset", "error.clear"
	Actor     string    `json:"actor"`  // operator or system identifier
	Target    *string   `json:"target,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// HistoryStore records and queries the phase history
type HistoryStore interface {
	AppendEvent(ctx context.Context, event *PhaseEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*PhaseEvent, error)
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)
}

// Store is a state store that can be closed.
type Store interface {
	engine.StateStore
	Close() error
}

var (
	_ Store        = (*FileStore)(nil)
	_ Store        = (*SQLiteStore)(nil)
	_ Store        = (*SFTPStore)(nil)
	_ HistoryStore = (*SQLiteStore)(nil)
)
