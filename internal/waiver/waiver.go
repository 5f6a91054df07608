// Package waiver implements the Waiver Manager: CRUD over waivers
// plus the PROPOSED→APPROVED→EXPIRED/REVOKED state machine, with a
// daily sweeper transitioning expired waivers and alerting ahead of
// expiry. Grounded on the teacher's NotificationCleanupArgs periodic
// River job (internal/jobs/notification_cleanup.go): same
// once-a-day, at-most-one-in-flight shape, generalized from a
// row-delete to a status-transition sweep.
package waiver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/eventlog"
	"domaindetermine.io/governance/internal/obslog"
	"domaindetermine.io/governance/internal/telemetry"
)

// PreExpiryWarnWindow is the spec's fixed 7-day pre-expiry alert window.
const PreExpiryWarnWindow = 7 * 24 * time.Hour

// Manager is the Waiver Manager repository and state machine.
type Manager struct {
	pool    *pgxpool.Pool
	log     *eventlog.Log
	metrics *telemetry.Registry
}

// New builds a Manager backed by pool, emitting lifecycle events to log.
func New(pool *pgxpool.Pool, log *eventlog.Log) *Manager {
	return &Manager{pool: pool, log: log}
}

// SetMetrics attaches the registry Sweep reports waiver_expiring_7d
// observations to. Optional: a Manager with no registry attached
// simply skips reporting.
func (m *Manager) SetMetrics(metrics *telemetry.Registry) {
	m.metrics = metrics
}

// Propose creates a new waiver in PROPOSED status.
func (m *Manager) Propose(ctx context.Context, tenant, scope, owner, justification, mitigation string, expiresAt time.Time, advisoryRefs []string) (domain.Waiver, error) {
	w := domain.Waiver{
		WaiverID:      uuid.NewString(),
		Scope:         scope,
		Owner:         owner,
		Justification: justification,
		Mitigation:    mitigation,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     expiresAt,
		Status:        domain.WaiverProposed,
		AdvisoryRefs:  advisoryRefs,
	}

	refsJSON, err := json.Marshal(w.AdvisoryRefs)
	if err != nil {
		return domain.Waiver{}, apperr.Wrap(err, apperr.CodeInternal, "waiver: marshal advisory refs")
	}

	_, err = m.pool.Exec(ctx, `
		INSERT INTO waivers (waiver_id, tenant, scope, owner, justification, mitigation, status, advisory_refs, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		w.WaiverID, tenant, w.Scope, w.Owner, w.Justification, w.Mitigation, string(w.Status), refsJSON, w.CreatedAt, w.ExpiresAt,
	)
	if err != nil {
		return domain.Waiver{}, apperr.Wrap(err, apperr.CodeInternal, "waiver: insert")
	}
	return w, nil
}

// Approve transitions a PROPOSED waiver to APPROVED. Only a
// `governance` actor may approve; the caller enforces the role check
// via request-scoped authorization before calling this method.
func (m *Manager) Approve(ctx context.Context, tenant, waiverID, actor string) (domain.Waiver, error) {
	w, err := m.Get(ctx, tenant, waiverID)
	if err != nil {
		return domain.Waiver{}, err
	}
	if w.Status != domain.WaiverProposed {
		return domain.Waiver{}, apperr.PolicyViolation("waiver: only a PROPOSED waiver may be approved")
	}

	if err := m.setStatus(ctx, tenant, waiverID, domain.WaiverApproved); err != nil {
		return domain.Waiver{}, err
	}
	w.Status = domain.WaiverApproved

	if m.log != nil {
		if _, err := m.log.Append(ctx, tenant, actor, domain.EventWaiverGranted, waiverID, map[string]any{
			"scope": w.Scope, "owner": w.Owner, "expires_at": w.ExpiresAt.Format(time.RFC3339Nano),
		}); err != nil {
			return domain.Waiver{}, err
		}
	}
	return w, nil
}

// Revoke transitions a waiver to REVOKED, regardless of its current
// non-terminal status.
func (m *Manager) Revoke(ctx context.Context, tenant, waiverID string) error {
	w, err := m.Get(ctx, tenant, waiverID)
	if err != nil {
		return err
	}
	if w.Status == domain.WaiverExpired || w.Status == domain.WaiverRevoked {
		return apperr.PolicyViolation("waiver: cannot revoke a waiver already in a terminal state")
	}
	return m.setStatus(ctx, tenant, waiverID, domain.WaiverRevoked)
}

func (m *Manager) setStatus(ctx context.Context, tenant, waiverID string, status domain.WaiverStatus) error {
	tag, err := m.pool.Exec(ctx, `
		UPDATE waivers SET status=$1 WHERE tenant=$2 AND waiver_id=$3`,
		string(status), tenant, waiverID,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "waiver: update status")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("waiver: not found")
	}
	return nil
}

// Get reads a waiver by (tenant, waiver_id).
func (m *Manager) Get(ctx context.Context, tenant, waiverID string) (domain.Waiver, error) {
	var w domain.Waiver
	var status string
	var refs []byte
	err := m.pool.QueryRow(ctx, `
		SELECT waiver_id, scope, owner, justification, mitigation, status, advisory_refs, created_at, expires_at
		FROM waivers WHERE tenant=$1 AND waiver_id=$2`,
		tenant, waiverID,
	).Scan(&w.WaiverID, &w.Scope, &w.Owner, &w.Justification, &w.Mitigation, &status, &refs, &w.CreatedAt, &w.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Waiver{}, apperr.NotFound("waiver: not found")
		}
		return domain.Waiver{}, apperr.Wrap(err, apperr.CodeInternal, "waiver: get")
	}
	w.Status = domain.WaiverStatus(status)
	if err := json.Unmarshal(refs, &w.AdvisoryRefs); err != nil {
		return domain.Waiver{}, apperr.Wrap(err, apperr.CodeInternal, "waiver: unmarshal advisory refs")
	}
	return w, nil
}

// CheckValid loads a waiver and verifies it is APPROVED and unexpired
// at `now`, returning POLICY_VIOLATION otherwise — the check the
// Publish Pipeline performs for every waiver referenced by a proposal.
func (m *Manager) CheckValid(ctx context.Context, tenant, waiverID string, now time.Time) error {
	w, err := m.Get(ctx, tenant, waiverID)
	if err != nil {
		return err
	}
	if !w.Valid(now) {
		return apperr.PolicyViolation("waiver: " + waiverID + " is not APPROVED and unexpired")
	}
	return nil
}

// sweepTenants lists every tenant with at least one non-terminal waiver.
func (m *Manager) sweepTenants(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT DISTINCT tenant FROM waivers WHERE status IN ($1,$2)`,
		string(domain.WaiverProposed), string(domain.WaiverApproved),
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "waiver: list sweep tenants")
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "waiver: scan sweep tenant")
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Sweep transitions every APPROVED waiver whose expires_at has passed
// to EXPIRED, emitting a waiver_expired event for each, and emits a
// pre-expiry alert event for waivers nearing expiry within
// PreExpiryWarnWindow (without blocking — the spec requires this be
// advisory only until actual expiry).
func (m *Manager) Sweep(ctx context.Context, now time.Time) error {
	tenants, err := m.sweepTenants(ctx)
	if err != nil {
		return err
	}

	for _, tenant := range tenants {
		rows, err := m.pool.Query(ctx, `
			SELECT waiver_id, scope, owner, justification, mitigation, status, advisory_refs, created_at, expires_at
			FROM waivers WHERE tenant=$1 AND status=$2`,
			tenant, string(domain.WaiverApproved),
		)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "waiver: sweep query")
		}

		var waivers []domain.Waiver
		for rows.Next() {
			var w domain.Waiver
			var status string
			var refs []byte
			if err := rows.Scan(&w.WaiverID, &w.Scope, &w.Owner, &w.Justification, &w.Mitigation, &status, &refs, &w.CreatedAt, &w.ExpiresAt); err != nil {
				rows.Close()
				return apperr.Wrap(err, apperr.CodeInternal, "waiver: sweep scan")
			}
			w.Status = domain.WaiverStatus(status)
			waivers = append(waivers, w)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "waiver: sweep rows")
		}

		for _, w := range waivers {
			if !now.Before(w.ExpiresAt) {
				if err := m.setStatus(ctx, tenant, w.WaiverID, domain.WaiverExpired); err != nil {
					return err
				}
				if m.log != nil {
					if _, err := m.log.Append(ctx, tenant, "waiver-sweeper", domain.EventWaiverExpired, w.WaiverID, map[string]any{
						"scope": w.Scope, "owner": w.Owner,
					}); err != nil {
						return err
					}
				}
				obslog.Op("waiver", "sweep_expire", tenant, "ok")
				continue
			}
			if w.NearingExpiry(now, PreExpiryWarnWindow) {
				if m.metrics != nil {
					m.metrics.ObserveWaiverExpiring7d()
				}
				if m.log != nil {
					if _, err := m.log.Append(ctx, tenant, "waiver-sweeper", domain.EventWaiverExpired, w.WaiverID, map[string]any{
						"scope": w.Scope, "owner": w.Owner, "pre_expiry_alert": true,
						"expires_at": w.ExpiresAt.Format(time.RFC3339Nano),
					}); err != nil {
						return err
					}
					obslog.Op("waiver", "sweep_pre_expiry_alert", tenant, "ok")
				}
			}
		}
	}
	return nil
}

// SweepArgs is the periodic River job kind driving Sweep once daily,
// grounded directly on NotificationCleanupArgs's UniqueOpts shape.
type SweepArgs struct{}

// Kind returns the job kind identifier for the waiver sweep.
func (SweepArgs) Kind() string { return "waiver_sweep" }

// InsertOpts ensures at most one sweep is enqueued within the same day.
func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 24 * time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// SweepWorker runs the daily waiver sweep.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	manager *Manager
}

// NewSweepWorker builds a SweepWorker bound to manager.
func NewSweepWorker(manager *Manager) *SweepWorker {
	return &SweepWorker{manager: manager}
}

// Work runs the sweep against the current time.
func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	if err := w.manager.Sweep(ctx, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}
