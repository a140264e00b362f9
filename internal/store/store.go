// Package store defines the persistence contracts for events, jobs and
// selections, plus the ledger that serializes the append path.
package store

import (
	"context"
	"time"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

// NoMaxSeq marks an unbounded upper limit for Page and Count. It stays
// within int64 range so SQL backends can bind it as BIGINT. A maxSeq of 0
// is a real bound at the genesis position and matches nothing.
const NoMaxSeq = uint64(1<<63 - 1)

// Tail is the current end of the integrity chain: the highest committed
// sequence, its digest, and its cursor token. The zero Tail denotes an empty
// chain.
type Tail struct {
	Sequence uint64
	Hash     string
	Cursor   string
}

// EventRepository is the raw persistence surface beneath the ledger. Insert
// must be atomic (row plus index entries all-or-nothing) and must reject a
// duplicate sequence, event id, or idempotency key at the storage layer.
type EventRepository interface {
	Insert(ctx context.Context, event domain.AuditEvent, idempotencyKey string) error
	ByID(ctx context.Context, eventID string) (domain.AuditEvent, error)
	ByIdempotencyKey(ctx context.Context, key string) (domain.AuditEvent, error)
	// Tail reads the chain tail as persisted. Used once at startup; the
	// ledger owns the tail afterwards.
	Tail(ctx context.Context) (Tail, error)
	// Page returns events with afterSeq < sequence <= maxSeq matching the
	// filter, ascending by sequence, at most limit rows. maxSeq is always
	// an inclusive bound; callers pass NoMaxSeq for unbounded reads.
	Page(ctx context.Context, filter domain.EventFilter, afterSeq, maxSeq uint64, limit int) ([]domain.AuditEvent, error)
	// Count evaluates a filter bounded by maxSeq without materializing rows.
	Count(ctx context.Context, filter domain.EventFilter, maxSeq uint64) (int64, error)
	// Stats aggregates over the timestamp index, not the cursor ordering.
	Stats(ctx context.Context, window domain.StatsWindow) (domain.Stats, error)
	Ping(ctx context.Context) error
}

// JobRepository persists job lifecycle state. Claim must be exclusive: of any
// number of concurrent claimers for the same queued job, exactly one wins.
type JobRepository interface {
	Insert(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, jobID string) (domain.Job, error)
	// Claim transitions QUEUED -> RUNNING and returns the claimed job; it
	// fails with conflict when the job is not claimable.
	Claim(ctx context.Context, jobID string, now time.Time) (domain.Job, error)
	// Finish transitions RUNNING -> status with the given result; it enforces
	// the monotonic lifecycle and rejects terminal-state transitions.
	Finish(ctx context.Context, jobID string, status domain.JobStatus, result domain.Metadata, now time.Time) (domain.Job, error)
	// CancelQueued transitions QUEUED -> CANCELLED directly.
	CancelQueued(ctx context.Context, jobID string, now time.Time) (domain.Job, error)
	// Sweep removes jobs whose expires_at has passed, returning the count.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// SelectionRepository persists immutable selections.
type SelectionRepository interface {
	Insert(ctx context.Context, selection domain.Selection) error
	Get(ctx context.Context, selectionID string) (domain.Selection, error)
}
