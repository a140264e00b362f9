package domain

import (
	"errors"
	"strings"
	"time"
)

// Metadata is a free-form JSON-compatible attachment. Encoded as an empty
// object when unused, never null.
type Metadata map[string]any

// Outcome values are a closed-ish category set; unknown values are accepted
// but the well-known ones drive stats bucketing.
const (
	OutcomeOK     = "OK"
	OutcomeDenied = "DENY"
	OutcomeError  = "ERROR"
)

// IntegrityRecord documents the hash inputs of an event.
type IntegrityRecord struct {
	Algorithm       string `json:"algorithm"`
	PredecessorHash string `json:"predecessor_hash"`
	Sequence        uint64 `json:"sequence"`
}

// AuditEvent is an immutable audit record. Timestamp is integer seconds since
// epoch, caller-supplied event time rather than store-commit time. Cursor,
// Sequence and IntegrityHash are assigned at commit and never change.
type AuditEvent struct {
	EventID       string          `json:"event_id"`
	SchemaVersion string          `json:"schema_version"`
	Timestamp     int64           `json:"timestamp"`
	Cursor        string          `json:"cursor"`
	Sequence      uint64          `json:"-"`
	EventType     string          `json:"event_type"`
	Outcome       string          `json:"outcome"`
	SessionID     string          `json:"session_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AgentID       string          `json:"agent_id"`
	PeerID        string          `json:"peer_id,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	Method        string          `json:"method,omitempty"`
	Resource      string          `json:"resource,omitempty"`
	Metadata      Metadata        `json:"metadata"`
	Metrics       Metadata        `json:"metrics"`
	Hashes        Metadata        `json:"hashes"`
	Integrity     IntegrityRecord `json:"integrity"`
	IntegrityHash string          `json:"integrity_hash"`
}

// EventDraft is the caller-creatable subset of AuditEvent. EventID is assigned
// when absent; IdempotencyKey is optional and collides with DuplicateEvent.
type EventDraft struct {
	EventID        string   `json:"event_id,omitempty"`
	SchemaVersion  string   `json:"schema_version,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
	EventType      string   `json:"event_type"`
	Outcome        string   `json:"outcome"`
	SessionID      string   `json:"session_id"`
	CorrelationID  string   `json:"correlation_id,omitempty"`
	AgentID        string   `json:"agent_id"`
	PeerID         string   `json:"peer_id,omitempty"`
	Tool           string   `json:"tool,omitempty"`
	Method         string   `json:"method,omitempty"`
	Resource       string   `json:"resource,omitempty"`
	Metadata       Metadata `json:"metadata,omitempty"`
	Metrics        Metadata `json:"metrics,omitempty"`
	Hashes         Metadata `json:"hashes,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

func (d EventDraft) Validate() error {
	if strings.TrimSpace(d.EventType) == "" {
		return NewError(KindValidation, "event_type is required")
	}
	if strings.TrimSpace(d.Outcome) == "" {
		return NewError(KindValidation, "outcome is required")
	}
	if strings.TrimSpace(d.SessionID) == "" {
		return NewError(KindValidation, "session_id is required")
	}
	if strings.TrimSpace(d.AgentID) == "" {
		return NewError(KindValidation, "agent_id is required")
	}
	if d.Timestamp < 0 {
		return NewError(KindValidation, "timestamp must not be negative")
	}
	return nil
}

// Matches reports whether the draft describes the same event content as a
// committed event. Used to decide whether a DuplicateEvent collision is
// success-equivalent.
func (d EventDraft) Matches(e AuditEvent) bool {
	return d.EventType == e.EventType &&
		d.Outcome == e.Outcome &&
		d.SessionID == e.SessionID &&
		d.AgentID == e.AgentID &&
		d.Timestamp == e.Timestamp &&
		d.Tool == e.Tool &&
		d.Method == e.Method &&
		d.Resource == e.Resource
}

// EventFilter narrows queries. Zero values mean "no constraint". StartTime
// and EndTime are inclusive integer-second bounds.
type EventFilter struct {
	EventType     string `json:"event_type,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	StartTime     int64  `json:"start_time,omitempty"`
	EndTime       int64  `json:"end_time,omitempty"`
}

func (f EventFilter) Validate() error {
	if f.StartTime < 0 || f.EndTime < 0 {
		return NewError(KindValidation, "time bounds must not be negative")
	}
	if f.StartTime > 0 && f.EndTime > 0 && f.EndTime < f.StartTime {
		return NewError(KindValidation, "end_time precedes start_time")
	}
	return nil
}

// Match evaluates the filter against an event.
func (f EventFilter) Match(e AuditEvent) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.StartTime > 0 && e.Timestamp < f.StartTime {
		return false
	}
	if f.EndTime > 0 && e.Timestamp > f.EndTime {
		return false
	}
	return true
}

// EventPage is one cursor-bounded slice of a query. NextCursor is empty when
// no further results can exist.
type EventPage struct {
	Events     []AuditEvent `json:"events"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// StatsBucket is one hour of outcome counts.
type StatsBucket struct {
	Time  int64 `json:"time"`
	OK    int64 `json:"ok"`
	Deny  int64 `json:"deny"`
	Error int64 `json:"error"`
}

// Stats aggregates a bounded time window.
type Stats struct {
	Total              int64            `json:"requests_total"`
	SuccessRate        float64          `json:"auth_success_rate"`
	CountsByType       map[string]int64 `json:"counts_by_type"`
	DenialReasonCounts map[string]int64 `json:"denial_reason_counts"`
	Series             []StatsBucket    `json:"request_volume_series"`
}

var errZeroWindow = errors.New("window must be positive")

// StatsWindow is an inclusive [Start, End] range in integer seconds.
type StatsWindow struct {
	Start int64
	End   int64
}

func WindowEnding(end time.Time, span time.Duration) (StatsWindow, error) {
	if span <= 0 {
		return StatsWindow{}, WrapError(KindValidation, errZeroWindow, "invalid stats window")
	}
	endSec := end.Unix()
	return StatsWindow{Start: endSec - int64(span/time.Second), End: endSec}, nil
}
