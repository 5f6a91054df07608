package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/testutilpg"
)

func TestReserve_RefusesAtConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "quota_concurrency")
	m := New(pool)
	require.NoError(t, m.SetLimits(ctx, "acme", domain.Quota{
		MaxConcurrentJobs: 1, MaxJobsPerWindow: 100, WindowSeconds: 60, CostBudgetUnits: 1000,
	}))

	require.NoError(t, m.Reserve(ctx, "acme", 1))

	err := m.Reserve(ctx, "acme", 1)
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeRateLimited, ge.Code)
	require.Contains(t, ge.Hint, "max_concurrent_jobs")
}

func TestReserve_RefusesOverCostBudget(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "quota_cost")
	m := New(pool)
	require.NoError(t, m.SetLimits(ctx, "acme", domain.Quota{
		MaxConcurrentJobs: 10, MaxJobsPerWindow: 100, WindowSeconds: 60, CostBudgetUnits: 5,
	}))

	err := m.Reserve(ctx, "acme", 10)
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Contains(t, ge.Hint, "cost_budget_units")
}

func TestReleaseFreesConcurrencySlot(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "quota_release")
	m := New(pool)
	require.NoError(t, m.SetLimits(ctx, "acme", domain.Quota{
		MaxConcurrentJobs: 1, MaxJobsPerWindow: 100, WindowSeconds: 60, CostBudgetUnits: 1000,
	}))

	require.NoError(t, m.Reserve(ctx, "acme", 1))
	require.Error(t, m.Reserve(ctx, "acme", 1))

	require.NoError(t, m.Release(ctx, "acme"))
	require.NoError(t, m.Reserve(ctx, "acme", 1))
}

func TestRebuild_RecountsRunningFromJobRecords(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "quota_rebuild")

	_, err := pool.Exec(ctx, `
		INSERT INTO job_records (job_id, tenant, project, job_type, payload_hash, payload, cost_units, actor, reason, status, enqueued_at)
		VALUES ('j1', 'acme', 'p1', 'eval_run', 'h1', '{}', 3, 'bob', 'because', 'RUNNING', now())`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO job_records (job_id, tenant, project, job_type, payload_hash, payload, cost_units, actor, reason, status, enqueued_at)
		VALUES ('j2', 'acme', 'p1', 'eval_run', 'h2', '{}', 2, 'bob', 'because', 'SUCCEEDED', now())`)
	require.NoError(t, err)

	m := New(pool)
	require.NoError(t, m.Rebuild(ctx))

	q := m.Get("acme")
	require.Equal(t, int64(5), q.CostUsedUnits)
}
