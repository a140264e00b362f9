package domain

import "time"

// SelectionMetrics summarizes the bounded result set at snapshot time.
type SelectionMetrics struct {
	MatchedCount  int64 `json:"matched_count"`
	EstimatedSize int64 `json:"estimated_size_bytes"`
}

// Selection is an immutable, cursor-bounded snapshot of a filter's matching
// result set. SnapshotCursor is the highest cursor visible at creation; any
// query reusing the selection is bounded by it, so the result set is
// reproducible regardless of later appends.
type Selection struct {
	SelectionID    string           `json:"selection_id"`
	SnapshotCursor string           `json:"snapshot_cursor"`
	FilterCriteria EventFilter      `json:"filter_criteria"`
	Metrics        SelectionMetrics `json:"metrics"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
}

// Expired reports whether the selection must be rejected with SelectionExpired.
func (s Selection) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
