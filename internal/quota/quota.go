// Package quota implements the Job Service's per-tenant admission
// control: concurrency, rate-window, and cumulative cost-budget
// limits, enforced with one mutex per tenant (grounded on
// internal/pkg/worker.Pools' per-pool mutex discipline and
// internal/eventlog.Log's per-tenant lockFor pattern).
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/telemetry"
)

// DefaultLimits is the envelope assigned to a tenant that has never
// called SetLimits.
var DefaultLimits = domain.Quota{
	MaxConcurrentJobs: 4,
	MaxJobsPerWindow:  100,
	WindowSeconds:     60,
	CostBudgetUnits:   10_000,
}

type tenantCounter struct {
	mu sync.Mutex

	limits domain.Quota

	running        int
	windowStart    time.Time
	jobsInWindow   int
	costUsed       int64
}

// Manager tracks tenant quota state in memory, mirrored to the
// quota_counters table after every state change. After a restart,
// Rebuild takes the limits from quota_counters and recounts usage by
// replaying the job_records table.
type Manager struct {
	pool    *pgxpool.Pool
	metrics *telemetry.Registry

	mapMu    sync.Mutex
	counters map[string]*tenantCounter
}

// New builds a Manager backed by pool.
func New(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool, counters: make(map[string]*tenantCounter)}
}

// SetMetrics attaches the registry Reserve/Release/SetLimits/Rebuild
// report quota_usage gauges to. Optional: a Manager with no registry
// attached simply skips reporting, the same nil-safe collaborator
// pattern as internal/waiver.Manager's event log.
func (m *Manager) SetMetrics(metrics *telemetry.Registry) {
	m.metrics = metrics
}

func (m *Manager) reportUsage(r counterRow) {
	if m.metrics == nil {
		return
	}
	m.metrics.SetQuotaUsage(r.tenant, "running", int64(r.running))
	m.metrics.SetQuotaUsage(r.tenant, "jobs_in_window", int64(r.jobsInWindow))
	m.metrics.SetQuotaUsage(r.tenant, "cost_used_units", r.costUsed)
}

func (m *Manager) counterFor(tenant string) *tenantCounter {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	c, ok := m.counters[tenant]
	if !ok {
		c = &tenantCounter{limits: DefaultLimits, windowStart: time.Now().UTC()}
		m.counters[tenant] = c
	}
	return c
}

// SetLimits installs tenant's quota envelope, persisting it so a
// restart picks the same limits back up. Existing running/window
// counters are preserved; only the limit fields change.
func (m *Manager) SetLimits(ctx context.Context, tenant string, limits domain.Quota) error {
	c := m.counterFor(tenant)
	c.mu.Lock()
	c.limits = limits
	snapshot := m.snapshotLocked(tenant, c)
	c.mu.Unlock()
	m.reportUsage(snapshot)
	return m.persist(ctx, snapshot)
}

// Refusal describes which limit tripped a Reserve call and how long
// the caller should wait before trying again.
type Refusal struct {
	Limit      string
	RetryAfter time.Duration
}

func refusalError(r Refusal) *apperr.GovernanceError {
	return apperr.RateLimited(fmt.Sprintf("quota: %s exceeded", r.Limit)).
		WithHint(fmt.Sprintf("limit=%s retry_after_seconds=%d", r.Limit, int(r.RetryAfter.Seconds())))
}

// Reserve admits one job of the given cost against tenant's envelope,
// incrementing running/jobsInWindow/costUsed on success. On refusal
// it returns a RATE_LIMITED GovernanceError naming the tripped limit
// and a retry_after hint; no counters are touched.
func (m *Manager) Reserve(ctx context.Context, tenant string, costUnits int64) error {
	c := m.counterFor(tenant)
	c.mu.Lock()

	now := time.Now().UTC()
	window := time.Duration(c.limits.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Duration(DefaultLimits.WindowSeconds) * time.Second
	}
	if now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.jobsInWindow = 0
	}

	var refusal *Refusal
	switch {
	case c.running >= c.limits.MaxConcurrentJobs:
		refusal = &Refusal{Limit: "max_concurrent_jobs", RetryAfter: time.Second}
	case c.jobsInWindow >= c.limits.MaxJobsPerWindow:
		refusal = &Refusal{Limit: "max_jobs_per_window", RetryAfter: window - now.Sub(c.windowStart)}
	case c.costUsed+costUnits > c.limits.CostBudgetUnits:
		refusal = &Refusal{Limit: "cost_budget_units", RetryAfter: window}
	}
	if refusal != nil {
		c.mu.Unlock()
		return refusalError(*refusal)
	}

	c.running++
	c.jobsInWindow++
	c.costUsed += costUnits
	snapshot := m.snapshotLocked(tenant, c)
	c.mu.Unlock()

	m.reportUsage(snapshot)
	return m.persist(ctx, snapshot)
}

// Release returns one running slot to tenant's envelope after a job
// leaves the RUNNING/RETRYING state. costUsed is never refunded: the
// cost budget is a standing ceiling, not a per-window allowance.
func (m *Manager) Release(ctx context.Context, tenant string) error {
	c := m.counterFor(tenant)
	c.mu.Lock()
	if c.running > 0 {
		c.running--
	}
	snapshot := m.snapshotLocked(tenant, c)
	c.mu.Unlock()
	m.reportUsage(snapshot)
	return m.persist(ctx, snapshot)
}

// Get returns tenant's current quota snapshot for introspection
// endpoints.
func (m *Manager) Get(tenant string) domain.Quota {
	c := m.counterFor(tenant)
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.limits
	q.Tenant = tenant
	q.CostUsedUnits = c.costUsed
	return q
}

func (m *Manager) snapshotLocked(tenant string, c *tenantCounter) counterRow {
	return counterRow{
		tenant:       tenant,
		limits:       c.limits,
		running:      c.running,
		windowStart:  c.windowStart,
		jobsInWindow: c.jobsInWindow,
		costUsed:     c.costUsed,
	}
}

type counterRow struct {
	tenant       string
	limits       domain.Quota
	running      int
	windowStart  time.Time
	jobsInWindow int
	costUsed     int64
}

func (m *Manager) persist(ctx context.Context, r counterRow) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO quota_counters
			(tenant, max_concurrent_jobs, max_jobs_per_window, window_seconds,
			 cost_budget_units, cost_used_units, running, window_started_at, jobs_in_window)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant) DO UPDATE SET
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			max_jobs_per_window = EXCLUDED.max_jobs_per_window,
			window_seconds      = EXCLUDED.window_seconds,
			cost_budget_units   = EXCLUDED.cost_budget_units,
			cost_used_units     = EXCLUDED.cost_used_units,
			running             = EXCLUDED.running,
			window_started_at   = EXCLUDED.window_started_at,
			jobs_in_window      = EXCLUDED.jobs_in_window`,
		r.tenant, r.limits.MaxConcurrentJobs, r.limits.MaxJobsPerWindow, r.limits.WindowSeconds,
		r.limits.CostBudgetUnits, r.costUsed, r.running, r.windowStart, r.jobsInWindow,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "quota: persist counters")
	}
	return nil
}

// Rebuild reconstructs every tenant's in-memory counters from the
// durable job_records log, the recovery path after a process
// restart: running is recounted from jobs still in an active status,
// jobsInWindow from rows enqueued within the tenant's own window, and
// costUsed by summing cost_units across every row the tenant has ever
// enqueued (the cost budget is a lifetime ceiling, not reset on
// restart).
func (m *Manager) Rebuild(ctx context.Context) error {
	limitRows, err := m.pool.Query(ctx, `
		SELECT tenant, max_concurrent_jobs, max_jobs_per_window, window_seconds, cost_budget_units
		FROM quota_counters`)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "quota: load limits")
	}
	limits := make(map[string]domain.Quota)
	for limitRows.Next() {
		var tenant string
		var q domain.Quota
		if err := limitRows.Scan(&tenant, &q.MaxConcurrentJobs, &q.MaxJobsPerWindow, &q.WindowSeconds, &q.CostBudgetUnits); err != nil {
			limitRows.Close()
			return apperr.Wrap(err, apperr.CodeInternal, "quota: scan limits")
		}
		limits[tenant] = q
	}
	limitRows.Close()
	if err := limitRows.Err(); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "quota: iterate limits")
	}

	jobRows, err := m.pool.Query(ctx, `
		SELECT tenant, status, enqueued_at, cost_units FROM job_records`)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "quota: load job records")
	}
	defer jobRows.Close()

	now := time.Now().UTC()
	rebuilt := make(map[string]*tenantCounter)
	for jobRows.Next() {
		var tenant, status string
		var enqueuedAt time.Time
		var costUnits int64
		if err := jobRows.Scan(&tenant, &status, &enqueuedAt, &costUnits); err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "quota: scan job record")
		}
		c, ok := rebuilt[tenant]
		if !ok {
			l, ok := limits[tenant]
			if !ok {
				l = DefaultLimits
			}
			c = &tenantCounter{limits: l, windowStart: now}
			rebuilt[tenant] = c
		}
		if domain.JobStatus(status).Active() {
			c.running++
		}
		window := time.Duration(c.limits.WindowSeconds) * time.Second
		if window <= 0 {
			window = time.Duration(DefaultLimits.WindowSeconds) * time.Second
		}
		if now.Sub(enqueuedAt) < window {
			c.jobsInWindow++
		}
		c.costUsed += costUnits
	}
	if err := jobRows.Err(); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "quota: iterate job records")
	}

	m.mapMu.Lock()
	for tenant, c := range rebuilt {
		m.counters[tenant] = c
	}
	m.mapMu.Unlock()

	for tenant, c := range rebuilt {
		c.mu.Lock()
		snapshot := m.snapshotLocked(tenant, c)
		c.mu.Unlock()
		m.reportUsage(snapshot)
		if err := m.persist(ctx, snapshot); err != nil {
			return err
		}
	}
	return nil
}
