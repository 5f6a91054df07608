package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/obslog"
)

// TaskArgs carries only JobID (claim-check pattern, mirrored from the
// teacher's VMCreateArgs{EventID}): the job_records row, not the
// River payload, is the source of truth for everything the handler
// needs.
type TaskArgs struct {
	JobID string `json:"job_id"`
}

// Kind returns the job kind identifier river dispatches on.
func (TaskArgs) Kind() string { return "governance_task" }

// InsertOpts returns the baseline insert options; Enqueue overrides
// MaxAttempts per job type at insert time.
func (TaskArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: river.QueueDefault}
}

// TaskWorker drives every registered job type through one River
// worker: fetch the JobRecord by claim-check id, dispatch to the
// registered handler, and persist the resulting transition.
type TaskWorker struct {
	river.WorkerDefaults[TaskArgs]
	svc *Service
}

// NewTaskWorker builds a TaskWorker bound to svc's handler registry.
func NewTaskWorker(svc *Service) *TaskWorker {
	return &TaskWorker{svc: svc}
}

// Work executes one job attempt.
//
//  1. fetch JobRecord by claim-check id (skip if already terminal:
//     redelivery after a commit that raced the ack is a no-op)
//  2. honor a pending cancellation without running the handler
//  3. transition to RUNNING and invoke the handler under a context
//     cancelled by a background poll of cancel_requested
//  4. on success: SUCCEEDED, release quota, emit service_job_completed
//  5. on terminal failure (POLICY_VIOLATION, SCHEMA_VIOLATION,
//     LICENSING_BLOCK, NONDETERMINISTIC_OUTPUT, or retries
//     exhausted): FAILED, release quota, emit
//     service_job_failed, return river.JobCancel so River stops retrying
//  6. on retryable failure with budget remaining: RETRYING, quota stays
//     reserved, return the bare error so River reschedules with its
//     own exponential backoff and jitter
func (w *TaskWorker) Work(ctx context.Context, job *river.Job[TaskArgs]) error {
	jobID := job.Args.JobID

	rec, found, err := w.svc.getByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		return river.JobCancel(apperr.NotFound("jobs: job record " + jobID + " not found"))
	}
	if rec.Status.Terminal() {
		return nil
	}
	if rec.CancelRequested {
		return w.finishCanceled(ctx, rec)
	}

	entry, ok := w.svc.handlers[rec.JobType]
	if !ok {
		_ = w.finishFailed(ctx, rec, apperr.SchemaViolation("jobs: no handler registered for "+rec.JobType))
		return river.JobCancel(apperr.SchemaViolation("jobs: no handler registered for " + rec.JobType))
	}

	if err := w.transitionRunning(ctx, &rec); err != nil {
		return err
	}

	workCtx, cancel := w.withCancellationWatch(ctx, jobID)
	handlerErr := entry.handler(workCtx, rec)
	cancel()

	if handlerErr == nil {
		return w.finishSucceeded(ctx, rec)
	}

	if refreshed, found, err := w.svc.getByID(ctx, jobID); err == nil && found && refreshed.CancelRequested {
		return w.finishCanceled(ctx, refreshed)
	}

	if isTerminalFailure(handlerErr) || rec.Retries >= rec.MaxRetries {
		if err := w.finishFailed(ctx, rec, handlerErr); err != nil {
			return err
		}
		return river.JobCancel(handlerErr)
	}

	if err := w.finishRetrying(ctx, rec, handlerErr); err != nil {
		return err
	}
	return handlerErr
}

// isTerminalFailure reports whether err's governance code is one the
// spec marks non-retryable: a policy, schema or licensing violation or
// a nondeterministic output will not succeed on a later attempt with
// the same payload.
func isTerminalFailure(err error) bool {
	ge, ok := apperr.As(err)
	if !ok {
		return false
	}
	switch ge.Code {
	case apperr.CodePolicyViolation, apperr.CodeSchemaViolation, apperr.CodeLicensingBlock, apperr.CodeNondeterministic:
		return true
	default:
		return false
	}
}

// withCancellationWatch derives a context cancelled as soon as a
// background poll observes cancel_requested flip true, submitted
// through the General pool per the no-naked-goroutines rule.
func (w *TaskWorker) withCancellationWatch(ctx context.Context, jobID string) (context.Context, context.CancelFunc) {
	workCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	watchErr := w.svc.pools.General.Submit(ctx, func(watchCtx context.Context) {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				rec, found, err := w.svc.getByID(watchCtx, jobID)
				if err == nil && found && rec.CancelRequested {
					cancel()
					return
				}
			}
		}
	})
	if watchErr != nil {
		obslog.Debug("jobs: cancellation watcher not started", zap.String("job_id", jobID), zap.Error(watchErr))
	}

	return workCtx, func() {
		close(done)
		cancel()
	}
}

func (w *TaskWorker) transitionRunning(ctx context.Context, rec *domain.JobRecord) error {
	now := time.Now().UTC()
	_, err := w.svc.pool.Exec(ctx, `
		UPDATE job_records SET status = $1, started_at = $2 WHERE job_id = $3`,
		string(domain.JobRunning), now, rec.JobID,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "jobs: transition to running")
	}
	rec.Status = domain.JobRunning
	rec.StartedAt = &now
	return nil
}

func (w *TaskWorker) finishSucceeded(ctx context.Context, rec domain.JobRecord) error {
	now := time.Now().UTC()
	if _, err := w.svc.pool.Exec(ctx, `
		UPDATE job_records SET status = $1, ended_at = $2 WHERE job_id = $3`,
		string(domain.JobSucceeded), now, rec.JobID,
	); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "jobs: transition to succeeded")
	}
	if err := w.svc.quota.Release(ctx, rec.Tenant); err != nil {
		obslog.Warn("jobs: quota release failed after success", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	if _, err := w.svc.log.Append(ctx, rec.Tenant, rec.Actor, domain.EventServiceJobCompleted, rec.JobID, map[string]any{
		"job_type": rec.JobType,
	}); err != nil {
		obslog.Warn("jobs: event append failed after success", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	obslog.Op("jobs", "complete", rec.Tenant, "ok", zap.String("job_id", rec.JobID))
	w.observeDuration(rec, now)
	w.svc.refreshQueueDepth(ctx, rec.Tenant)
	return nil
}

// observeDuration reports a completed job's wall-clock duration from
// when it started running, if it ever did (a job canceled before
// RUNNING has no start time to measure from).
func (w *TaskWorker) observeDuration(rec domain.JobRecord, end time.Time) {
	if w.svc.metrics == nil || rec.StartedAt == nil {
		return
	}
	w.svc.metrics.ObserveJobDuration(rec.JobType, float64(end.Sub(*rec.StartedAt).Milliseconds()))
}

func (w *TaskWorker) finishFailed(ctx context.Context, rec domain.JobRecord, cause error) error {
	code, message := classify(cause)
	now := time.Now().UTC()
	if _, err := w.svc.pool.Exec(ctx, `
		UPDATE job_records SET status = $1, ended_at = $2, failure_code = $3, failure_message = $4
		WHERE job_id = $5`,
		string(domain.JobFailed), now, code, message, rec.JobID,
	); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "jobs: transition to failed")
	}
	if err := w.svc.quota.Release(ctx, rec.Tenant); err != nil {
		obslog.Warn("jobs: quota release failed after failure", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	if _, err := w.svc.log.Append(ctx, rec.Tenant, rec.Actor, domain.EventServiceJobFailed, rec.JobID, map[string]any{
		"job_type":       rec.JobType,
		"failure_code":   code,
		"failure_reason": message,
	}); err != nil {
		obslog.Warn("jobs: event append failed after failure", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	obslog.Op("jobs", "fail", rec.Tenant, "terminal", zap.String("job_id", rec.JobID), zap.String("failure_code", code))
	w.observeDuration(rec, now)
	w.svc.refreshQueueDepth(ctx, rec.Tenant)
	return nil
}

func (w *TaskWorker) finishRetrying(ctx context.Context, rec domain.JobRecord, cause error) error {
	code, message := classify(cause)
	if _, err := w.svc.pool.Exec(ctx, `
		UPDATE job_records SET status = $1, retries = retries + 1, failure_code = $2, failure_message = $3
		WHERE job_id = $4`,
		string(domain.JobRetrying), code, message, rec.JobID,
	); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "jobs: transition to retrying")
	}
	obslog.Op("jobs", "fail", rec.Tenant, "retrying", zap.String("job_id", rec.JobID), zap.Int("attempt", rec.Retries+1))
	if w.svc.metrics != nil {
		w.svc.metrics.ObserveJobRetry()
	}
	w.svc.refreshQueueDepth(ctx, rec.Tenant)
	return nil
}

func (w *TaskWorker) finishCanceled(ctx context.Context, rec domain.JobRecord) error {
	now := time.Now().UTC()
	if _, err := w.svc.pool.Exec(ctx, `
		UPDATE job_records SET status = $1, ended_at = $2 WHERE job_id = $3`,
		string(domain.JobCanceled), now, rec.JobID,
	); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "jobs: transition to canceled")
	}
	if err := w.svc.quota.Release(ctx, rec.Tenant); err != nil {
		obslog.Warn("jobs: quota release failed after cancel", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	obslog.Op("jobs", "cancel", rec.Tenant, "ok", zap.String("job_id", rec.JobID))
	w.observeDuration(rec, now)
	w.svc.refreshQueueDepth(ctx, rec.Tenant)
	return nil
}

func classify(err error) (code, message string) {
	if ge, ok := apperr.As(err); ok {
		return ge.Code, ge.Message
	}
	return apperr.CodeInternal, err.Error()
}
