package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talos-labs/talos-gateway/internal/cursor"
	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/integrity"
)

const defaultSchemaVersion = "1"

// Ledger is the append-only event store. It is the system's serialization
// point: cursor assignment and chain-hash computation run in a single-writer
// lane guarded by a mutex over the chain tail, so two concurrent appends can
// never share a cursor or race on predecessor linkage. Reads go straight to
// the repository and run fully in parallel with appends.
type Ledger struct {
	repo EventRepository
	now  func() time.Time

	mu   sync.Mutex
	tail Tail
}

// NewLedger loads the persisted chain tail and returns a ready ledger.
func NewLedger(ctx context.Context, repo EventRepository) (*Ledger, error) {
	tail, err := withRetry(ctx, func(ctx context.Context) (Tail, error) {
		return repo.Tail(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &Ledger{repo: repo, now: time.Now, tail: tail}, nil
}

// Append validates the draft, assigns identity, cursor and integrity hash,
// and commits atomically. Transient storage failures are only retried before
// the cursor is assigned (the tail read at construction); once a sequence is
// taken the insert is all-or-nothing and the tail rolls back on failure.
func (l *Ledger) Append(ctx context.Context, draft domain.EventDraft) (domain.AuditEvent, error) {
	if err := draft.Validate(); err != nil {
		return domain.AuditEvent{}, err
	}

	if key := strings.TrimSpace(draft.IdempotencyKey); key != "" {
		existing, err := l.repo.ByIdempotencyKey(ctx, key)
		if err == nil {
			if draft.Matches(existing) {
				return existing, nil
			}
			return domain.AuditEvent{}, domain.ErrDuplicateEvent
		}
		if !isNotFound(err) {
			return domain.AuditEvent{}, err
		}
	}

	event := materialize(draft, l.now())

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.tail.Sequence + 1
	event.Sequence = seq
	event.Cursor = cursor.Encode(cursor.Key{Sequence: seq, CommitUnix: l.now().Unix()})
	event.Integrity = integrity.Record(seq, l.tail.Hash)

	hash, err := integrity.Compute(event, l.tail.Hash)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	event.IntegrityHash = hash

	if err := l.repo.Insert(ctx, event, strings.TrimSpace(draft.IdempotencyKey)); err != nil {
		// Tail untouched: the sequence is released for the next caller. A
		// sequence conflict means a commit this ledger never observed holds
		// the slot, so re-read the persisted tail before giving up.
		if kind, ok := domain.KindOf(err); ok && kind == domain.KindConflict {
			if tail, tailErr := l.repo.Tail(ctx); tailErr == nil && tail.Sequence > l.tail.Sequence {
				l.tail = tail
			}
		}
		return domain.AuditEvent{}, err
	}
	l.tail = Tail{Sequence: seq, Hash: hash, Cursor: event.Cursor}
	return event, nil
}

// Query returns events with cursor > afterCursor matching the filter, at most
// limit, ascending. NextCursor is set whenever more results may exist; a
// client re-polling with the last-seen cursor never double-reads and never
// misses an event committed before its query began.
func (l *Ledger) Query(ctx context.Context, filter domain.EventFilter, afterCursor string, limit int) (domain.EventPage, error) {
	return l.QueryBounded(ctx, filter, afterCursor, "", limit)
}

// QueryBounded additionally caps results at maxCursor (inclusive). Selections
// and export jobs use the bound for reproducible reads.
func (l *Ledger) QueryBounded(ctx context.Context, filter domain.EventFilter, afterCursor, maxCursor string, limit int) (domain.EventPage, error) {
	if err := filter.Validate(); err != nil {
		return domain.EventPage{}, err
	}
	if limit <= 0 {
		limit = 100
	}

	var afterSeq uint64
	if afterCursor != "" {
		seq, err := cursor.SequenceOf(afterCursor)
		if err != nil {
			return domain.EventPage{}, err
		}
		afterSeq = seq
	}
	maxSeq := NoMaxSeq
	if maxCursor != "" {
		seq, err := cursor.SequenceOf(maxCursor)
		if err != nil {
			return domain.EventPage{}, err
		}
		maxSeq = seq
	}

	events, err := withRetry(ctx, func(ctx context.Context) ([]domain.AuditEvent, error) {
		return l.repo.Page(ctx, filter, afterSeq, maxSeq, limit)
	})
	if err != nil {
		return domain.EventPage{}, err
	}

	page := domain.EventPage{Events: events}
	if len(events) == limit {
		page.NextCursor = events[len(events)-1].Cursor
	}
	return page, nil
}

// Get fetches one committed event by id.
func (l *Ledger) Get(ctx context.Context, eventID string) (domain.AuditEvent, error) {
	return withRetry(ctx, func(ctx context.Context) (domain.AuditEvent, error) {
		return l.repo.ByID(ctx, eventID)
	})
}

// Stats aggregates a bounded time window over the timestamp index.
func (l *Ledger) Stats(ctx context.Context, window domain.StatsWindow) (domain.Stats, error) {
	return withRetry(ctx, func(ctx context.Context) (domain.Stats, error) {
		return l.repo.Stats(ctx, window)
	})
}

// Count evaluates a filter bounded by maxCursor, for selection metrics.
func (l *Ledger) Count(ctx context.Context, filter domain.EventFilter, maxCursor string) (int64, error) {
	maxSeq := NoMaxSeq
	if maxCursor != "" {
		seq, err := cursor.SequenceOf(maxCursor)
		if err != nil {
			return 0, err
		}
		maxSeq = seq
	}
	return withRetry(ctx, func(ctx context.Context) (int64, error) {
		return l.repo.Count(ctx, filter, maxSeq)
	})
}

// MaxCursor returns the cursor of the most recently committed event, or empty
// when the chain is empty. This is the "now" bound captured by selections.
func (l *Ledger) MaxCursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail.Cursor
}

// PredecessorHash resolves the digest a chain walk resuming after afterCursor
// must link to. It reads the stored event at the cursor's position rather than
// trusting any successor's own predecessor claim, so a forged sub-chain cannot
// vouch for itself. Empty or genesis cursors resolve to the empty digest.
func (l *Ledger) PredecessorHash(ctx context.Context, afterCursor string) (string, error) {
	if afterCursor == "" {
		return "", nil
	}
	seq, err := cursor.SequenceOf(afterCursor)
	if err != nil {
		return "", err
	}
	if seq == 0 {
		return "", nil
	}
	events, err := withRetry(ctx, func(ctx context.Context) ([]domain.AuditEvent, error) {
		return l.repo.Page(ctx, domain.EventFilter{}, seq-1, seq, 1)
	})
	if err != nil {
		return "", err
	}
	if len(events) != 1 {
		return "", domain.ErrInvalidCursor
	}
	return events[0].IntegrityHash, nil
}

// VerifyRange walks [afterCursor, maxCursor] in pages recomputing the chain
// and returns the first violation. An empty afterCursor starts at genesis.
func (l *Ledger) VerifyRange(ctx context.Context, afterCursor, maxCursor string, pageSize int) (int64, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	predecessor, err := l.PredecessorHash(ctx, afterCursor)
	if err != nil {
		return 0, err
	}

	var scanned int64
	after := afterCursor
	for {
		page, err := l.QueryBounded(ctx, domain.EventFilter{}, after, maxCursor, pageSize)
		if err != nil {
			return scanned, err
		}
		if err := integrity.VerifyChain(page.Events, predecessor); err != nil {
			return scanned, err
		}
		scanned += int64(len(page.Events))
		if len(page.Events) > 0 {
			predecessor = page.Events[len(page.Events)-1].IntegrityHash
			after = page.Events[len(page.Events)-1].Cursor
		}
		if page.NextCursor == "" {
			return scanned, nil
		}
	}
}

// Ping reports repository reachability for readiness checks.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.repo.Ping(ctx)
}

func materialize(draft domain.EventDraft, now time.Time) domain.AuditEvent {
	event := domain.AuditEvent{
		EventID:       strings.TrimSpace(draft.EventID),
		SchemaVersion: strings.TrimSpace(draft.SchemaVersion),
		Timestamp:     draft.Timestamp,
		EventType:     strings.TrimSpace(draft.EventType),
		Outcome:       strings.TrimSpace(draft.Outcome),
		SessionID:     strings.TrimSpace(draft.SessionID),
		CorrelationID: strings.TrimSpace(draft.CorrelationID),
		AgentID:       strings.TrimSpace(draft.AgentID),
		PeerID:        strings.TrimSpace(draft.PeerID),
		Tool:          strings.TrimSpace(draft.Tool),
		Method:        strings.TrimSpace(draft.Method),
		Resource:      strings.TrimSpace(draft.Resource),
		Metadata:      draft.Metadata,
		Metrics:       draft.Metrics,
		Hashes:        draft.Hashes,
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.SchemaVersion == "" {
		event.SchemaVersion = defaultSchemaVersion
	}
	if event.Timestamp == 0 {
		event.Timestamp = now.Unix()
	}
	if event.Metadata == nil {
		event.Metadata = domain.Metadata{}
	}
	if event.Metrics == nil {
		event.Metrics = domain.Metadata{}
	}
	if event.Hashes == nil {
		event.Hashes = domain.Metadata{}
	}
	return event
}

func isNotFound(err error) bool {
	kind, ok := domain.KindOf(err)
	return ok && kind == domain.KindNotFound
}
