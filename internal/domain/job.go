package domain

import "time"

// JobStatus is the job lifecycle state machine's state.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
	JobRetrying  JobStatus = "RETRYING"
)

// Terminal reports whether the status ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCanceled
}

// Active reports whether a job in this status counts against a
// tenant's concurrency quota.
func (s JobStatus) Active() bool {
	return s == JobRunning || s == JobRetrying
}

// JobRecord is the durable projection of one unit of asynchronous
// work submitted by a pipeline module and scheduled under tenant
// quotas.
type JobRecord struct {
	JobID          string     `json:"job_id"`
	Tenant         string     `json:"tenant"`
	Project        string     `json:"project"`
	JobType        string     `json:"job_type"`
	PayloadHash    string     `json:"payload_hash"`
	Payload        []byte     `json:"-"`
	CostUnits      int64      `json:"cost_units"`
	Actor          string     `json:"actor"`
	Reason         string     `json:"reason"`
	Status         JobStatus  `json:"status"`
	Retries        int        `json:"retries"`
	MaxRetries     int        `json:"max_retries"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	LogPointer     string     `json:"log_pointer,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`
	FailureCode    string     `json:"failure_code,omitempty"`
	FailureMessage string     `json:"failure_message,omitempty"`
}

// Quota is a tenant's resource envelope: concurrency, rate, and cost
// budget, enforced by the Job Service scheduler.
type Quota struct {
	Tenant            string `json:"tenant"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	MaxJobsPerWindow  int    `json:"max_jobs_per_window"`
	WindowSeconds     int    `json:"window_seconds"`
	CostBudgetUnits   int64  `json:"cost_budget_units"`
	CostUsedUnits     int64  `json:"cost_used_units"`
}
