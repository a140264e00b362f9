package domain

import (
	"strings"
	"time"
)

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition is permitted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition enforces the monotonic lifecycle
// QUEUED -> RUNNING -> {COMPLETED, FAILED, CANCELLED}, with the one shortcut
// QUEUED -> CANCELLED for jobs cancelled before a worker claims them.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	}
	return false
}

type JobType string

const (
	JobTypeExport  JobType = "export"
	JobTypeReindex JobType = "reindex"
)

// Job is a long-running asynchronous operation. Result is non-nil exactly when
// the status is COMPLETED (payload) or FAILED (error detail).
type Job struct {
	JobID         string     `json:"job_id"`
	JobType       JobType    `json:"job_type"`
	Status        JobStatus  `json:"status"`
	RequestParams Metadata   `json:"request_params"`
	Result        Metadata   `json:"result,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func ParseJobType(raw string) (JobType, error) {
	switch JobType(strings.ToLower(strings.TrimSpace(raw))) {
	case JobTypeExport:
		return JobTypeExport, nil
	case JobTypeReindex:
		return JobTypeReindex, nil
	}
	return "", NewError(KindValidation, "unsupported job_type: %q", raw)
}
