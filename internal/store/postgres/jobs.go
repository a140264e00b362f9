package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

type JobRepository struct {
	db DB
}

func NewJobRepository(db DB) *JobRepository {
	if db == nil {
		return nil
	}
	return &JobRepository{db: db}
}

const jobColumns = `job_id, job_type, status, request_params, result, created_at, updated_at, expires_at`

func (r *JobRepository) Insert(ctx context.Context, job domain.Job) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("job repository not initialized")
	}
	params, err := encodeMetadata(job.RequestParams)
	if err != nil {
		return fmt.Errorf("encode request params: %w", err)
	}
	var expiresAt sql.NullTime
	if job.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: job.ExpiresAt.UTC(), Valid: true}
	}
	_, err = r.db.ExecContext(
		ctx,
		`INSERT INTO jobs (job_id, job_type, status, request_params, created_at, updated_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		job.JobID,
		string(job.JobType),
		string(job.Status),
		params,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		expiresAt,
	)
	if err != nil {
		if uniqueConstraint(err) != "" {
			return domain.NewError(domain.KindConflict, "job %s already exists", job.JobID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, jobID string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

// Claim transitions QUEUED -> RUNNING with a conditional update, so of any
// number of concurrent claimers exactly one observes a row change.
func (r *JobRepository) Claim(ctx context.Context, jobID string, now time.Time) (domain.Job, error) {
	row := r.db.QueryRowContext(
		ctx,
		`UPDATE jobs SET status = $1, updated_at = $2
		 WHERE job_id = $3 AND status = $4
		 RETURNING `+jobColumns,
		string(domain.JobRunning), now.UTC(), jobID, string(domain.JobQueued),
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if err != sql.ErrNoRows {
		return domain.Job{}, fmt.Errorf("claim job: %w", err)
	}
	existing, getErr := r.Get(ctx, jobID)
	if getErr != nil {
		return domain.Job{}, getErr
	}
	return domain.Job{}, domain.NewError(domain.KindConflict, "job %s is %s, not claimable", jobID, existing.Status)
}

func (r *JobRepository) Finish(ctx context.Context, jobID string, status domain.JobStatus, result domain.Metadata, now time.Time) (domain.Job, error) {
	existing, err := r.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if existing.Status.Terminal() {
		return domain.Job{}, domain.ErrTerminalJob
	}
	if !existing.Status.CanTransition(status) {
		return domain.Job{}, domain.NewError(domain.KindConflict, "job %s cannot go %s -> %s", jobID, existing.Status, status)
	}

	resultJSON, err := encodeMetadata(result)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode result: %w", err)
	}
	row := r.db.QueryRowContext(
		ctx,
		`UPDATE jobs SET status = $1, result = $2, updated_at = $3
		 WHERE job_id = $4 AND status = $5
		 RETURNING `+jobColumns,
		string(status), resultJSON, now.UTC(), jobID, string(existing.Status),
	)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, domain.NewError(domain.KindConflict, "job %s changed state concurrently", jobID)
		}
		return domain.Job{}, fmt.Errorf("finish job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) CancelQueued(ctx context.Context, jobID string, now time.Time) (domain.Job, error) {
	row := r.db.QueryRowContext(
		ctx,
		`UPDATE jobs SET status = $1, updated_at = $2
		 WHERE job_id = $3 AND status = $4
		 RETURNING `+jobColumns,
		string(domain.JobCancelled), now.UTC(), jobID, string(domain.JobQueued),
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if err != sql.ErrNoRows {
		return domain.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	existing, getErr := r.Get(ctx, jobID)
	if getErr != nil {
		return domain.Job{}, getErr
	}
	if existing.Status.Terminal() {
		return domain.Job{}, domain.ErrTerminalJob
	}
	return domain.Job{}, domain.NewError(domain.KindConflict, "job %s is %s, not queued", jobID, existing.Status)
}

func (r *JobRepository) Sweep(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE expires_at IS NOT NULL AND expires_at < $1`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep jobs rows affected: %w", err)
	}
	return removed, nil
}

func scanJob(row *sql.Row) (domain.Job, error) {
	var (
		job       domain.Job
		jobType   string
		status    string
		paramsRaw []byte
		resultRaw []byte
		expiresAt sql.NullTime
	)
	if err := row.Scan(
		&job.JobID,
		&jobType,
		&status,
		&paramsRaw,
		&resultRaw,
		&job.CreatedAt,
		&job.UpdatedAt,
		&expiresAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.JobType = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	var err error
	if job.RequestParams, err = decodeMetadata(paramsRaw); err != nil {
		return domain.Job{}, fmt.Errorf("decode request params: %w", err)
	}
	if len(resultRaw) > 0 {
		if job.Result, err = decodeMetadata(resultRaw); err != nil {
			return domain.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		job.ExpiresAt = &t
	}
	return job, nil
}
