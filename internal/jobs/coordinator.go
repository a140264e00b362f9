// Package jobs coordinates long-running export and reindex work over the
// event store. Workers run on their own pool, never on request-serving
// goroutines, and hold no lock needed by the request path; cancellation is
// cooperative, polled at page boundaries inside job work loops.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/export"
	"github.com/talos-labs/talos-gateway/internal/selection"
	"github.com/talos-labs/talos-gateway/internal/store"
)

// Config bounds the coordinator's resources.
type Config struct {
	Workers    int
	QueueDepth int
	JobTTL     time.Duration
	RunTimeout time.Duration
	PageSize   int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.JobTTL <= 0 {
		c.JobTTL = 24 * time.Hour
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
}

// cancelFlag is the cooperative cancellation signal a running job polls.
type cancelFlag struct{ v atomic.Bool }

func (f *cancelFlag) set()            { f.v.Store(true) }
func (f *cancelFlag) cancelled() bool { return f.v.Load() }

type Coordinator struct {
	cfg        Config
	logger     *slog.Logger
	repo       store.JobRepository
	ledger     *store.Ledger
	selections *selection.Service
	sink       export.Sink
	now        func() time.Time

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]*cancelFlag
}

func NewCoordinator(cfg Config, logger *slog.Logger, repo store.JobRepository, ledger *store.Ledger, selections *selection.Service, sink export.Sink) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		ledger:     ledger,
		selections: selections,
		sink:       sink,
		now:        time.Now,
		queue:      make(chan string, cfg.QueueDepth),
		cancels:    make(map[string]*cancelFlag),
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is done;
// Wait blocks until they exit.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
}

func (c *Coordinator) Wait() { c.wg.Wait() }

// Submit creates a job in QUEUED and hands it to the pool. A full queue is a
// validation-grade rejection rather than an unbounded backlog.
func (c *Coordinator) Submit(ctx context.Context, jobType domain.JobType, params domain.Metadata) (domain.Job, error) {
	if params == nil {
		params = domain.Metadata{}
	}
	now := c.now().UTC()
	expires := now.Add(c.cfg.JobTTL)
	job := domain.Job{
		JobID:         uuid.NewString(),
		JobType:       jobType,
		Status:        domain.JobQueued,
		RequestParams: params,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     &expires,
	}
	if err := c.repo.Insert(ctx, job); err != nil {
		return domain.Job{}, err
	}
	select {
	case c.queue <- job.JobID:
		return job, nil
	default:
		// The row is committed but no worker will ever see the id; cancel it
		// so it does not linger QUEUED until the sweeper.
		if _, cancelErr := c.repo.CancelQueued(ctx, job.JobID, c.now()); cancelErr != nil {
			c.logger.Error("cancel overflow job", "job_id", job.JobID, "error", cancelErr)
		}
		return domain.Job{}, domain.NewError(domain.KindValidation, "job queue is full")
	}
}

// Get returns the current job state.
func (c *Coordinator) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return c.repo.Get(ctx, jobID)
}

// Cancel honors cancellation while the job is QUEUED (immediate transition)
// or RUNNING (cooperative flag, not guaranteed synchronous). Terminal jobs
// return an error without a state change.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := c.repo.CancelQueued(ctx, jobID, c.now())
	if err == nil {
		return job, nil
	}
	if errors.Is(err, domain.ErrTerminalJob) || isNotFound(err) {
		return domain.Job{}, err
	}

	current, getErr := c.repo.Get(ctx, jobID)
	if getErr != nil {
		return domain.Job{}, getErr
	}
	if current.Status != domain.JobRunning {
		return domain.Job{}, domain.ErrTerminalJob
	}
	c.mu.Lock()
	if flag, ok := c.cancels[jobID]; ok {
		flag.set()
	}
	c.mu.Unlock()
	return current, nil
}

// Sweep removes jobs past expires_at; called by the external sweeper.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return c.repo.Sweep(ctx, now)
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-c.queue:
			c.run(ctx, jobID)
		}
	}
}

func (c *Coordinator) run(ctx context.Context, jobID string) {
	job, err := c.repo.Claim(ctx, jobID, c.now())
	if err != nil {
		// Cancelled before a worker got to it, or claimed elsewhere.
		return
	}

	flag := &cancelFlag{}
	c.mu.Lock()
	c.cancels[jobID] = flag
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, jobID)
		c.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	var result domain.Metadata
	switch job.JobType {
	case domain.JobTypeExport:
		result, err = c.runExport(runCtx, job, flag)
	case domain.JobTypeReindex:
		result, err = c.runReindex(runCtx, job, flag)
	default:
		err = domain.NewError(domain.KindValidation, "unsupported job_type: %q", job.JobType)
	}

	switch {
	case err == nil && flag.cancelled():
		c.finish(jobID, domain.JobCancelled, nil)
	case err == nil:
		c.finish(jobID, domain.JobCompleted, result)
	case errors.Is(err, errCancelled):
		c.finish(jobID, domain.JobCancelled, nil)
	default:
		c.logger.Error("job failed", "job_id", jobID, "job_type", job.JobType, "error", err)
		c.finish(jobID, domain.JobFailed, domain.Metadata{"error": err.Error()})
	}
}

func (c *Coordinator) finish(jobID string, status domain.JobStatus, result domain.Metadata) {
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.repo.Finish(finishCtx, jobID, status, result, c.now()); err != nil {
		c.logger.Error("job finish failed", "job_id", jobID, "status", status, "error", err)
	}
}

var errCancelled = errors.New("job cancelled")

func isNotFound(err error) bool {
	kind, ok := domain.KindOf(err)
	return ok && kind == domain.KindNotFound
}
