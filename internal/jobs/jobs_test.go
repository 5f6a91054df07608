package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/eventlog"
	"domaindetermine.io/governance/internal/pkg/worker"
	"domaindetermine.io/governance/internal/quota"
	"domaindetermine.io/governance/internal/signer"
	"domaindetermine.io/governance/internal/testutilpg"
)

// fakeInserter records every job inserted inside the same tx the
// caller used, standing in for *river.Client[pgx.Tx] in tests.
type fakeInserter struct {
	mu      sync.Mutex
	inserts []TaskArgs
	fail    bool
}

func (f *fakeInserter) InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if f.fail {
		return nil, apperr.Internal("fake insert failure", nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, args.(TaskArgs))
	return &rivertype.JobInsertResult{}, nil
}

func newTestService(t *testing.T, prefix string) (*Service, *fakeInserter) {
	t.Helper()
	pool := testutilpg.NewPool(t, prefix)

	hmacSigner := signer.NewHMACSigner("event-key", []byte("0123456789abcdef0123456789abcdef"), nil)
	log := eventlog.New(pool, hmacSigner, "event-key")

	quotaMgr := quota.New(pool)
	require.NoError(t, quotaMgr.SetLimits(context.Background(), "acme", domain.Quota{
		MaxConcurrentJobs: 2, MaxJobsPerWindow: 100, WindowSeconds: 60, CostBudgetUnits: 1000,
	}))

	pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { pools.Shutdown() })

	inserter := &fakeInserter{}
	svc := NewService(pool, quotaMgr, log, pools, inserter)
	return svc, inserter
}

func TestEnqueue_UnknownJobTypeRejected(t *testing.T) {
	svc, _ := newTestService(t, "jobs_unknown_type")
	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		Tenant: "acme", JobType: "nonexistent", Actor: "bob", Reason: "x", Payload: []byte("{}"),
	})
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeSchemaViolation, ge.Code)
}

func TestEnqueue_PersistsQueuedAndInsertsRiverJob(t *testing.T) {
	svc, inserter := newTestService(t, "jobs_enqueue")
	require.NoError(t, svc.Register("eval_run", 1, 3, func(ctx context.Context, rec domain.JobRecord) error { return nil }))

	rec, err := svc.Enqueue(context.Background(), EnqueueInput{
		Tenant: "acme", Project: "p1", JobType: "eval_run", Actor: "bob", Reason: "run evals", Payload: []byte(`{"n":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, rec.Status)
	require.Len(t, inserter.inserts, 1)
	require.Equal(t, rec.JobID, inserter.inserts[0].JobID)
}

func TestEnqueue_SameIdempotencyKeyReturnsSameRecordWithoutReReserving(t *testing.T) {
	svc, inserter := newTestService(t, "jobs_idempotent")
	require.NoError(t, svc.Register("eval_run", 1, 3, func(ctx context.Context, rec domain.JobRecord) error { return nil }))

	in := EnqueueInput{
		Tenant: "acme", JobType: "eval_run", Actor: "bob", Reason: "x",
		Payload: []byte(`{"n":1}`), IdempotencyKey: "fixed-key",
	}
	first, err := svc.Enqueue(context.Background(), in)
	require.NoError(t, err)

	second, err := svc.Enqueue(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, first.JobID, second.JobID)
	require.Len(t, inserter.inserts, 1)
}

func TestEnqueue_QuotaExceededReturnsRateLimited(t *testing.T) {
	svc, _ := newTestService(t, "jobs_quota")
	require.NoError(t, svc.Register("eval_run", 1, 3, func(ctx context.Context, rec domain.JobRecord) error { return nil }))

	for i := 0; i < 2; i++ {
		_, err := svc.Enqueue(context.Background(), EnqueueInput{
			Tenant: "acme", JobType: "eval_run", Actor: "bob", Reason: "x",
			Payload: []byte(`{}`), IdempotencyKey: string(rune('a' + i)),
		})
		require.NoError(t, err)
	}

	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		Tenant: "acme", JobType: "eval_run", Actor: "bob", Reason: "x",
		Payload: []byte(`{}`), IdempotencyKey: "third",
	})
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeRateLimited, ge.Code)
}

func TestWork_SuccessTransitionsToSucceeded(t *testing.T) {
	svc, _ := newTestService(t, "jobs_work_success")
	require.NoError(t, svc.Register("eval_run", 1, 3, func(ctx context.Context, rec domain.JobRecord) error { return nil }))

	rec, err := svc.Enqueue(context.Background(), EnqueueInput{
		Tenant: "acme", JobType: "eval_run", Actor: "bob", Reason: "x", Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	w := NewTaskWorker(svc)
	job := &river.Job[TaskArgs]{Args: TaskArgs{JobID: rec.JobID}}
	require.NoError(t, w.Work(context.Background(), job))

	got, err := svc.Get(context.Background(), rec.Tenant, rec.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, got.Status)
}

func TestWork_TerminalFailureCancelsInsteadOfRetrying(t *testing.T) {
	svc, _ := newTestService(t, "jobs_work_terminal")
	require.NoError(t, svc.Register("eval_run", 1, 3, func(ctx context.Context, rec domain.JobRecord) error {
		return apperr.PolicyViolation("coverage threshold not met")
	}))

	rec, err := svc.Enqueue(context.Background(), EnqueueInput{
		Tenant: "acme", JobType: "eval_run", Actor: "bob", Reason: "x", Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	w := NewTaskWorker(svc)
	job := &river.Job[TaskArgs]{Args: TaskArgs{JobID: rec.JobID}}
	err = w.Work(context.Background(), job)
	require.Error(t, err)

	got, err := svc.Get(context.Background(), rec.Tenant, rec.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, apperr.CodePolicyViolation, got.FailureCode)
}

func TestWork_RetryableFailureTransitionsToRetrying(t *testing.T) {
	svc, _ := newTestService(t, "jobs_work_retry")
	require.NoError(t, svc.Register("eval_run", 1, 5, func(ctx context.Context, rec domain.JobRecord) error {
		return apperr.Timeout("upstream source unavailable")
	}))

	rec, err := svc.Enqueue(context.Background(), EnqueueInput{
		Tenant: "acme", JobType: "eval_run", Actor: "bob", Reason: "x", Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	w := NewTaskWorker(svc)
	job := &river.Job[TaskArgs]{Args: TaskArgs{JobID: rec.JobID}}
	err = w.Work(context.Background(), job)
	require.Error(t, err)

	got, err := svc.Get(context.Background(), rec.Tenant, rec.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRetrying, got.Status)
	require.Equal(t, 1, got.Retries)
}

func TestWork_AlreadyTerminalIsANoopOnRedelivery(t *testing.T) {
	svc, _ := newTestService(t, "jobs_work_redelivery")
	require.NoError(t, svc.Register("eval_run", 1, 3, func(ctx context.Context, rec domain.JobRecord) error { return nil }))

	rec, err := svc.Enqueue(context.Background(), EnqueueInput{
		Tenant: "acme", JobType: "eval_run", Actor: "bob", Reason: "x", Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	w := NewTaskWorker(svc)
	job := &river.Job[TaskArgs]{Args: TaskArgs{JobID: rec.JobID}}
	require.NoError(t, w.Work(context.Background(), job))
	require.NoError(t, w.Work(context.Background(), job))
}
