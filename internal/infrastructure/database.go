// Package infrastructure provides database and connection pool setup.
//
// ADR-0012 (teacher): shared pgxpool feeds every storage concern so
// writes can share one transaction. Ent is dropped (codegen-based,
// see DESIGN.md); in its place this package runs hand-written DDL
// bootstrap for the governance schema, keeping River's own migration
// mechanism untouched.
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"domaindetermine.io/governance/internal/config"
	"domaindetermine.io/governance/internal/obslog"
)

// DatabaseClients contains all database-related clients, all sharing a
// single pgxpool connection pool (ADR-0012 discipline, minus Ent).
type DatabaseClients struct {
	// Pool is the shared connection pool used by every repository and
	// by River.
	Pool *pgxpool.Pool

	// RiverClient is the River job queue client backed by the shared pool.
	RiverClient *river.Client[pgx.Tx]

	// WorkerPool is optional: separate pool for PgBouncer scenarios.
	// nil means reuse Pool.
	WorkerPool *pgxpool.Pool
}

// NewDatabaseClients creates database clients with a shared connection pool.
func NewDatabaseClients(ctx context.Context, cfg config.DatabaseConfig) (*DatabaseClients, error) {
	dsn := cfg.DSN()

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	obslog.Info("database connection pool created",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)

	var workerPool *pgxpool.Pool
	if cfg.WorkerHost != "" {
		workerDSN := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.WorkerHost, cfg.WorkerPort, cfg.Database, cfg.SSLMode)
		workerPool, err = pgxpool.New(ctx, workerDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("create worker pool: %w", err)
		}
	}

	return &DatabaseClients{
		Pool:       pool,
		WorkerPool: workerPool,
	}, nil
}

// SchemaDDL creates the governance schema. Idempotent: every statement
// is IF NOT EXISTS, so this is safe to run on every startup instead of
// requiring an Atlas-managed migration tool (ent's migration toolchain
// is dropped along with ent itself; see DESIGN.md).
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS payloads (
	hash       TEXT PRIMARY KEY,
	content    BYTEA NOT NULL,
	size_bytes BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS manifests (
	artifact_id     TEXT PRIMARY KEY,
	class           TEXT NOT NULL,
	tenant          TEXT NOT NULL,
	slug            TEXT NOT NULL,
	version         TEXT NOT NULL,
	change_impact   TEXT NOT NULL,
	payload_hash    TEXT NOT NULL REFERENCES payloads(hash),
	upstream        JSONB NOT NULL DEFAULT '[]',
	supersedes      TEXT,
	approvals       JSONB NOT NULL DEFAULT '[]',
	waivers         JSONB NOT NULL DEFAULT '[]',
	environment     JSONB,
	prompt_refs     JSONB NOT NULL DEFAULT '[]',
	signing_key_id  TEXT NOT NULL,
	signature       TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	created_by      TEXT NOT NULL,
	UNIQUE (class, tenant, slug, version)
);
CREATE INDEX IF NOT EXISTS manifests_tenant_class_idx ON manifests (tenant, class);

CREATE TABLE IF NOT EXISTS artifact_status (
	artifact_id TEXT PRIMARY KEY REFERENCES manifests(artifact_id),
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS waivers (
	waiver_id     TEXT PRIMARY KEY,
	tenant        TEXT NOT NULL,
	scope         TEXT NOT NULL,
	owner         TEXT NOT NULL,
	justification TEXT NOT NULL,
	mitigation    TEXT NOT NULL,
	status        TEXT NOT NULL,
	advisory_refs JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS waivers_tenant_status_idx ON waivers (tenant, status);

CREATE TABLE IF NOT EXISTS events (
	tenant     TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	actor      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	payload    JSONB NOT NULL,
	prev_hmac  TEXT NOT NULL,
	hmac       TEXT NOT NULL,
	PRIMARY KEY (tenant, seq)
);

CREATE TABLE IF NOT EXISTS job_records (
	job_id            TEXT PRIMARY KEY,
	tenant            TEXT NOT NULL,
	project           TEXT NOT NULL,
	job_type          TEXT NOT NULL,
	payload_hash      TEXT NOT NULL,
	payload           BYTEA NOT NULL,
	cost_units        BIGINT NOT NULL DEFAULT 1,
	actor             TEXT NOT NULL,
	reason            TEXT NOT NULL,
	status            TEXT NOT NULL,
	retries           INT NOT NULL DEFAULT 0,
	max_retries       INT NOT NULL DEFAULT 0,
	enqueued_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	ended_at          TIMESTAMPTZ,
	log_pointer       TEXT NOT NULL DEFAULT '',
	idempotency_key   TEXT,
	cancel_requested  BOOLEAN NOT NULL DEFAULT false,
	failure_code      TEXT NOT NULL DEFAULT '',
	failure_message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS job_records_tenant_status_idx ON job_records (tenant, status);
CREATE UNIQUE INDEX IF NOT EXISTS job_records_tenant_idempotency_key_idx
	ON job_records (tenant, idempotency_key)
	WHERE idempotency_key IS NOT NULL AND status IN ('QUEUED','RUNNING','RETRYING');

CREATE TABLE IF NOT EXISTS quota_counters (
	tenant               TEXT PRIMARY KEY,
	max_concurrent_jobs  INT NOT NULL,
	max_jobs_per_window  INT NOT NULL,
	window_seconds       INT NOT NULL,
	cost_budget_units    BIGINT NOT NULL,
	cost_used_units      BIGINT NOT NULL DEFAULT 0,
	running              INT NOT NULL DEFAULT 0,
	window_started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	jobs_in_window       INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS service_accounts (
	account_id   TEXT PRIMARY KEY,
	tenant       TEXT NOT NULL,
	name         TEXT NOT NULL,
	roles        TEXT[] NOT NULL DEFAULT '{}',
	api_key_hash TEXT NOT NULL,
	revoked      BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// AutoMigrate bootstraps the governance schema and runs River's own
// migration. Development-grade: production deployments would manage
// the hand-rolled DDL through a real migration tool, but that tool
// does not appear anywhere in the retrieved pack.
func (c *DatabaseClients) AutoMigrate(ctx context.Context) error {
	obslog.Info("running governance schema bootstrap...")
	if _, err := c.Pool.Exec(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("governance schema bootstrap: %w", err)
	}
	obslog.Info("governance schema bootstrap completed")

	obslog.Info("running river migration...")
	migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if len(res.Versions) > 0 {
		obslog.Info("river migration completed", zap.Int("versions_applied", len(res.Versions)))
	} else {
		obslog.Info("river migration: already up-to-date")
	}

	return nil
}

// InitRiverClient creates a River client with registered workers.
func (c *DatabaseClients) InitRiverClient(workers *river.Workers, periodic []*river.PeriodicJob, cfg config.RiverConfig) error {
	riverClient, err := river.NewClient(riverpgxv5.New(c.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers:                     workers,
		PeriodicJobs:                periodic,
		CompletedJobRetentionPeriod: cfg.CompletedJobRetentionPeriod,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	c.RiverClient = riverClient
	obslog.Info("river client initialized", zap.Int("max_workers", cfg.MaxWorkers))
	return nil
}

// GetWorkerPool returns the worker connection pool, falling back to
// the shared pool if no dedicated worker pool is configured.
func (c *DatabaseClients) GetWorkerPool() *pgxpool.Pool {
	if c.WorkerPool != nil {
		return c.WorkerPool
	}
	return c.Pool
}

// Close closes all connection pools gracefully.
func (c *DatabaseClients) Close() {
	if c.WorkerPool != nil {
		c.WorkerPool.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
