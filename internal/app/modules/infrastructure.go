package modules

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"domaindetermine.io/governance/internal/config"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/eventlog"
	"domaindetermine.io/governance/internal/infrastructure"
	"domaindetermine.io/governance/internal/jobs"
	"domaindetermine.io/governance/internal/lineage"
	"domaindetermine.io/governance/internal/pkg/worker"
	"domaindetermine.io/governance/internal/publish"
	"domaindetermine.io/governance/internal/quota"
	"domaindetermine.io/governance/internal/serviceaccount"
	"domaindetermine.io/governance/internal/signer"
	"domaindetermine.io/governance/internal/store"
	"domaindetermine.io/governance/internal/telemetry"
	"domaindetermine.io/governance/internal/waiver"
)

// eventHMACKeyID names the event log's single HMAC key; separate from
// the manifest signing key so event-chain and manifest-signature
// rotation are independent operations.
const eventHMACKeyID = "event-log-hmac"

// riverClientRef adapts a *river.Client[pgx.Tx] that does not exist
// yet at jobs.NewService construction time. jobs.Service needs an
// inserter up front, but the River client can only be built once every
// worker — including the one wrapping this same Service — has been
// registered, mirroring the teacher's own InitRiver-after-module-
// construction ordering in bootstrap.go. InitRiver fills in client
// once that ordering completes.
type riverClientRef struct {
	client *river.Client[pgx.Tx]
}

func (r *riverClientRef) InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	return r.client.InsertTx(ctx, tx, args, opts)
}

// Infrastructure holds every cross-cutting, domain-built dependency
// shared across the HTTP server and the River workers. It is a
// provider, not a Module — mirroring the teacher's own "Infrastructure
// is a provider, not a Module" split, minus the ent/Kubernetes/VM
// provider concerns that have no analog here.
type Infrastructure struct {
	Config *config.Config
	DB     *infrastructure.DatabaseClients
	Pools  *worker.Pools
	Pool   *pgxpool.Pool

	Store       *store.Store
	Graph       *lineage.Graph
	KeyRegistry *signer.KeyRegistry
	Ed25519     *signer.Ed25519Signer
	HMAC        *signer.HMACSigner
	EventLog    *eventlog.Log
	Waivers     *waiver.Manager
	Quotas      *quota.Manager
	Accounts    *serviceaccount.Manager
	Pipeline    *publish.Pipeline
	Jobs        *jobs.Service
	Metrics     *telemetry.Registry

	inserterRef *riverClientRef
}

// NewInfrastructure initializes the DB, worker pools, and every
// domain component that does not itself require the River client.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		SweepPoolSize:   cfg.Worker.SweepPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	st := store.New(db.Pool)
	graph := lineage.New()
	if err := rebuildLineage(ctx, st, graph); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("rebuild lineage graph: %w", err)
	}

	keyRegistry := signer.NewKeyRegistry()

	hmacSecret := []byte(cfg.Security.EventSecret)
	hmacSigner := signer.NewHMACSigner(eventHMACKeyID, hmacSecret, keyRegistry)

	seed, err := hex.DecodeString(cfg.Security.SigningPrivateKeyHex)
	if err != nil || len(seed) != 32 {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("security.signing_private_key_hex must decode to 32 bytes: %w", err)
	}
	ed25519Signer := signer.NewEd25519Signer(keyRegistry)
	ed25519Signer.AddKey(cfg.Security.SigningKeyID, seed)

	eventLog := eventlog.New(db.Pool, hmacSigner, eventHMACKeyID)
	waivers := waiver.New(db.Pool, eventLog)
	quotas := quota.New(db.Pool)
	if err := quotas.Rebuild(ctx); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("rebuild quota counters: %w", err)
	}
	accounts := serviceaccount.New(db.Pool)
	pipeline := publish.New(st, graph, waivers, eventLog, ed25519Signer, cfg.Security.SigningKeyID)
	metrics := telemetry.New()
	waivers.SetMetrics(metrics)
	quotas.SetMetrics(metrics)

	inserterRef := &riverClientRef{}
	jobsSvc := jobs.NewService(db.Pool, quotas, eventLog, pools, inserterRef)
	jobsSvc.SetMetrics(metrics)
	if err := registerJobHandlers(jobsSvc, st, graph); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("register job handlers: %w", err)
	}

	return &Infrastructure{
		Config:      cfg,
		DB:          db,
		Pools:       pools,
		Pool:        db.Pool,
		Store:       st,
		Graph:       graph,
		KeyRegistry: keyRegistry,
		Ed25519:     ed25519Signer,
		HMAC:        hmacSigner,
		EventLog:    eventLog,
		Waivers:     waivers,
		Quotas:      quotas,
		Accounts:    accounts,
		Pipeline:    pipeline,
		Jobs:        jobsSvc,
		Metrics:     metrics,
		inserterRef: inserterRef,
	}, nil
}

// rebuildLineage seeds the in-memory DAG from durable manifests at
// startup, the same discipline the teacher applies to cluster health
// in refreshClusterHealth. A manifest with no recorded status yet
// (should not normally happen — Publish always calls MarkStatus in
// the same flow) defaults to published rather than aborting startup.
func rebuildLineage(ctx context.Context, st *store.Store, graph *lineage.Graph) error {
	manifests, err := st.AllManifestsForLineage(ctx)
	if err != nil {
		return err
	}

	statuses := make(map[string]domain.ArtifactStatus, len(manifests))
	for _, m := range manifests {
		status, _, err := st.GetStatus(ctx, m.ArtifactID)
		if err != nil {
			status = domain.StatusPublished
		}
		statuses[m.ArtifactID] = status
	}

	graph.Rebuild(manifests, func(artifactID string) domain.ArtifactStatus {
		return statuses[artifactID]
	})
	return nil
}

// InitRiver builds the River client from the fully-populated worker
// registry, then attaches it to the jobs.Service this Infrastructure
// already handed out — completing the construction cycle described on
// riverClientRef.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.inserterRef.client = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
