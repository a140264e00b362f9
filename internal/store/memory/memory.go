// Package memory provides in-process repository adapters. They back unit
// tests and dev-mode runs without Postgres; semantics mirror the postgres
// adapters, including uniqueness enforcement.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/store"
)

type EventRepository struct {
	mu       sync.RWMutex
	events   []domain.AuditEvent
	byID     map[string]int
	byIdem   map[string]int
	sequence map[uint64]struct{}
}

func NewEventRepository() *EventRepository {
	return &EventRepository{
		byID:     make(map[string]int),
		byIdem:   make(map[string]int),
		sequence: make(map[uint64]struct{}),
	}
}

func (r *EventRepository) Insert(ctx context.Context, event domain.AuditEvent, idempotencyKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[event.EventID]; ok {
		return domain.NewError(domain.KindConflict, "event_id %s already committed", event.EventID)
	}
	if _, ok := r.sequence[event.Sequence]; ok {
		return domain.NewError(domain.KindConflict, "sequence %d already committed", event.Sequence)
	}
	if idempotencyKey != "" {
		if _, ok := r.byIdem[idempotencyKey]; ok {
			return domain.ErrDuplicateEvent
		}
	}

	idx := len(r.events)
	r.events = append(r.events, event)
	r.byID[event.EventID] = idx
	r.sequence[event.Sequence] = struct{}{}
	if idempotencyKey != "" {
		r.byIdem[idempotencyKey] = idx
	}
	return nil
}

func (r *EventRepository) ByID(ctx context.Context, eventID string) (domain.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[eventID]
	if !ok {
		return domain.AuditEvent{}, domain.ErrNotFound
	}
	return r.events[idx], nil
}

func (r *EventRepository) ByIdempotencyKey(ctx context.Context, key string) (domain.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byIdem[key]
	if !ok {
		return domain.AuditEvent{}, domain.ErrNotFound
	}
	return r.events[idx], nil
}

func (r *EventRepository) Tail(ctx context.Context) (store.Tail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tail store.Tail
	for _, event := range r.events {
		if event.Sequence > tail.Sequence {
			tail = store.Tail{Sequence: event.Sequence, Hash: event.IntegrityHash, Cursor: event.Cursor}
		}
	}
	return tail, nil
}

func (r *EventRepository) Page(ctx context.Context, filter domain.EventFilter, afterSeq, maxSeq uint64, limit int) ([]domain.AuditEvent, error) {
	r.mu.RLock()
	snapshot := make([]domain.AuditEvent, len(r.events))
	copy(snapshot, r.events)
	r.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Sequence < snapshot[j].Sequence })

	out := make([]domain.AuditEvent, 0, limit)
	for _, event := range snapshot {
		if event.Sequence <= afterSeq {
			continue
		}
		if event.Sequence > maxSeq {
			break
		}
		if !filter.Match(event) {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *EventRepository) Count(ctx context.Context, filter domain.EventFilter, maxSeq uint64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, event := range r.events {
		if event.Sequence > maxSeq {
			continue
		}
		if filter.Match(event) {
			n++
		}
	}
	return n, nil
}

func (r *EventRepository) Stats(ctx context.Context, window domain.StatsWindow) (domain.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.Stats{
		CountsByType:       map[string]int64{},
		DenialReasonCounts: map[string]int64{},
	}
	buckets := map[int64]*domain.StatsBucket{}
	var success int64

	for _, event := range r.events {
		if event.Timestamp < window.Start || event.Timestamp > window.End {
			continue
		}
		stats.Total++
		stats.CountsByType[event.EventType]++
		bucketTime := event.Timestamp / 3600 * 3600
		bucket, ok := buckets[bucketTime]
		if !ok {
			bucket = &domain.StatsBucket{Time: bucketTime}
			buckets[bucketTime] = bucket
		}
		switch event.Outcome {
		case domain.OutcomeOK:
			success++
			bucket.OK++
		case domain.OutcomeDenied:
			bucket.Deny++
			if reason, ok := event.Metadata["denial_reason"].(string); ok && reason != "" {
				stats.DenialReasonCounts[reason]++
			}
		default:
			bucket.Error++
		}
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(success) / float64(stats.Total)
	} else {
		stats.SuccessRate = 1.0
	}

	times := make([]int64, 0, len(buckets))
	for t := range buckets {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	for _, t := range times {
		stats.Series = append(stats.Series, *buckets[t])
	}
	return stats, nil
}

func (r *EventRepository) Ping(ctx context.Context) error { return nil }

type JobRepository struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[string]domain.Job)}
}

func (r *JobRepository) Insert(ctx context.Context, job domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if _, ok := r.jobs[job.JobID]; ok {
		return domain.NewError(domain.KindConflict, "job %s already exists", job.JobID)
	}
	r.jobs[job.JobID] = job
	return nil
}

func (r *JobRepository) Get(ctx context.Context, jobID string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

func (r *JobRepository) Claim(ctx context.Context, jobID string, now time.Time) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if !job.Status.CanTransition(domain.JobRunning) {
		return domain.Job{}, domain.NewError(domain.KindConflict, "job %s is %s, not claimable", jobID, job.Status)
	}
	job.Status = domain.JobRunning
	job.UpdatedAt = now.UTC()
	r.jobs[jobID] = job
	return job, nil
}

func (r *JobRepository) Finish(ctx context.Context, jobID string, status domain.JobStatus, result domain.Metadata, now time.Time) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.Job{}, domain.ErrTerminalJob
	}
	if !job.Status.CanTransition(status) {
		return domain.Job{}, domain.NewError(domain.KindConflict, "job %s cannot go %s -> %s", jobID, job.Status, status)
	}
	job.Status = status
	job.Result = result
	job.UpdatedAt = now.UTC()
	r.jobs[jobID] = job
	return job, nil
}

func (r *JobRepository) CancelQueued(ctx context.Context, jobID string, now time.Time) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.Job{}, domain.ErrTerminalJob
	}
	if job.Status != domain.JobQueued {
		return domain.Job{}, domain.NewError(domain.KindConflict, "job %s is %s, not queued", jobID, job.Status)
	}
	job.Status = domain.JobCancelled
	job.UpdatedAt = now.UTC()
	r.jobs[jobID] = job
	return job, nil
}

func (r *JobRepository) Sweep(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, job := range r.jobs {
		if job.ExpiresAt != nil && now.After(*job.ExpiresAt) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed, nil
}

type SelectionRepository struct {
	mu         sync.RWMutex
	selections map[string]domain.Selection
}

func NewSelectionRepository() *SelectionRepository {
	return &SelectionRepository{selections: make(map[string]domain.Selection)}
}

func (r *SelectionRepository) Insert(ctx context.Context, selection domain.Selection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.selections[selection.SelectionID]; ok {
		return domain.NewError(domain.KindConflict, "selection %s already exists", selection.SelectionID)
	}
	r.selections[selection.SelectionID] = selection
	return nil
}

func (r *SelectionRepository) Get(ctx context.Context, selectionID string) (domain.Selection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	selection, ok := r.selections[selectionID]
	if !ok {
		return domain.Selection{}, domain.ErrNotFound
	}
	return selection, nil
}
