// Package app — composition root. Bootstrap stays orchestration-only,
// per the teacher's own ADR discipline: it wires dependencies and
// returns, leaving every concern itself to its own package.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"domaindetermine.io/governance/internal/api/handlers"
	"domaindetermine.io/governance/internal/api/middleware"
	"domaindetermine.io/governance/internal/app/modules"
	"domaindetermine.io/governance/internal/config"
	"domaindetermine.io/governance/internal/infrastructure"
	"domaindetermine.io/governance/internal/jobs"
	"domaindetermine.io/governance/internal/pkg/worker"
	"domaindetermine.io/governance/internal/waiver"
)

// Application holds composed application dependencies.
type Application struct {
	Config *config.Config
	Router *gin.Engine
	DB     *infrastructure.DatabaseClients
	Pools  *worker.Pools
	infra  *modules.Infrastructure
}

// Bootstrap initializes every dependency the governance service needs:
// the shared pgxpool, every domain component (store, lineage, waivers,
// event log, signer, publish pipeline, job service, quota manager,
// service accounts), the River worker registry, and the gin router.
// Single-module composition replaces the teacher's plugin-module
// registry (modules.Module/NewVMModule/NewGovernanceModule/...) since
// this service has one bounded context, not several — see DESIGN.md.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewTaskWorker(infra.Jobs))
	river.AddWorker(workers, waiver.NewSweepWorker(infra.Waivers))

	periodic := []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.Governance.WaiverSweepInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return waiver.SweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}

	if err := infra.InitRiver(workers, periodic); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSigningKey),
		Issuer:     cfg.Security.JWTIssuer,
		ExpiresIn:  cfg.Security.JWTExpiresIn,
		Leeway:     5 * time.Second,
	}

	server := handlers.NewServer(handlers.ServerDeps{
		Pool:     infra.Pool,
		JWTCfg:   jwtCfg,
		Store:    infra.Store,
		Graph:    infra.Graph,
		Waivers:  infra.Waivers,
		Log:      infra.EventLog,
		Pipeline: infra.Pipeline,
		Jobs:     infra.Jobs,
		Quotas:   infra.Quotas,
		Accounts: infra.Accounts,
		Metrics:  infra.Metrics,
	})

	return &Application{
		Config: cfg,
		Router: newRouter(cfg, server, jwtCfg),
		DB:     infra.DB,
		Pools:  infra.Pools,
		infra:  infra,
	}, nil
}
