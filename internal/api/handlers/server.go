// Package handlers implements the governance service's HTTP handlers,
// grounded on the teacher's manual-DI Server/ServerDeps pattern
// (internal/api/handlers/server.go) but without the oapi-codegen
// generated.ServerInterface contract: routes are hand-registered in
// internal/app/router.go instead of through RegisterHandlersWithOptions,
// since the oapi-codegen/kin-openapi toolchain is dropped (see DESIGN.md).
package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"domaindetermine.io/governance/internal/api/middleware"
	"domaindetermine.io/governance/internal/eventlog"
	"domaindetermine.io/governance/internal/jobs"
	"domaindetermine.io/governance/internal/lineage"
	"domaindetermine.io/governance/internal/publish"
	"domaindetermine.io/governance/internal/quota"
	"domaindetermine.io/governance/internal/serviceaccount"
	"domaindetermine.io/governance/internal/store"
	"domaindetermine.io/governance/internal/telemetry"
	"domaindetermine.io/governance/internal/waiver"
)

// Server implements every governance HTTP handler.
type Server struct {
	pool     *pgxpool.Pool
	jwtCfg   middleware.JWTConfig
	store    *store.Store
	graph    *lineage.Graph
	waivers  *waiver.Manager
	log      *eventlog.Log
	pipeline *publish.Pipeline
	jobs     *jobs.Service
	quotas   *quota.Manager
	accounts *serviceaccount.Manager
	metrics  *telemetry.Registry
}

// ServerDeps holds all dependencies for creating a Server. Manual DI,
// no Wire/Dig, per the teacher's ADR-0013 discipline.
type ServerDeps struct {
	Pool     *pgxpool.Pool
	JWTCfg   middleware.JWTConfig
	Store    *store.Store
	Graph    *lineage.Graph
	Waivers  *waiver.Manager
	Log      *eventlog.Log
	Pipeline *publish.Pipeline
	Jobs     *jobs.Service
	Quotas   *quota.Manager
	Accounts *serviceaccount.Manager
	Metrics  *telemetry.Registry
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		pool:     deps.Pool,
		jwtCfg:   deps.JWTCfg,
		store:    deps.Store,
		graph:    deps.Graph,
		waivers:  deps.Waivers,
		log:      deps.Log,
		pipeline: deps.Pipeline,
		jobs:     deps.Jobs,
		quotas:   deps.Quotas,
		accounts: deps.Accounts,
		metrics:  deps.Metrics,
	}
}
