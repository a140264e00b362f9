// Package selection materializes named, cursor-bounded filter snapshots for
// later reuse by export and reindex jobs.
package selection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/talos-labs/talos-gateway/internal/cursor"
	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/store"
)

type Service struct {
	ledger *store.Ledger
	repo   store.SelectionRepository
	now    func() time.Time
	ttl    time.Duration
}

// NewService wires the snapshot service. ttl <= 0 means selections never
// expire.
func NewService(ledger *store.Ledger, repo store.SelectionRepository, ttl time.Duration) *Service {
	return &Service{ledger: ledger, repo: repo, now: time.Now, ttl: ttl}
}

// Create captures the store's current maximum cursor as the snapshot bound,
// evaluates the filter under that bound for metrics, and persists the
// selection. New events appended afterwards carry greater cursors, so any
// bounded re-evaluation reproduces the same result set.
func (s *Service) Create(ctx context.Context, filter domain.EventFilter) (domain.Selection, error) {
	if err := filter.Validate(); err != nil {
		return domain.Selection{}, err
	}

	now := s.now().UTC()
	bound := s.ledger.MaxCursor()
	if bound == "" {
		// Empty store: pin the snapshot to the genesis position so events
		// appended later stay outside the bound.
		bound = cursor.Genesis(now.Unix())
	}
	matched, err := s.ledger.Count(ctx, filter, bound)
	if err != nil {
		return domain.Selection{}, err
	}
	selection := domain.Selection{
		SelectionID:    uuid.NewString(),
		SnapshotCursor: bound,
		FilterCriteria: filter,
		Metrics: domain.SelectionMetrics{
			MatchedCount: matched,
			// Rough manifest sizing for export planning; refined by the job.
			EstimatedSize: matched * 512,
		},
		CreatedAt: now,
	}
	if s.ttl > 0 {
		expires := now.Add(s.ttl)
		selection.ExpiresAt = &expires
	}

	if err := s.repo.Insert(ctx, selection); err != nil {
		return domain.Selection{}, err
	}
	return selection, nil
}

// Resolve returns the stored filter and bound for re-running the exact same
// query. Expired selections fail with SelectionExpired, never fall back to an
// unbounded read.
func (s *Service) Resolve(ctx context.Context, selectionID string) (domain.Selection, error) {
	selection, err := s.repo.Get(ctx, selectionID)
	if err != nil {
		return domain.Selection{}, err
	}
	if selection.Expired(s.now()) {
		return domain.Selection{}, domain.ErrSelectionExpired
	}
	return selection, nil
}
