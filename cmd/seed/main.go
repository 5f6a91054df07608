// Package main provides data seeding for the governance service.
//
// This command seeds the one piece of bootstrap data a fresh
// deployment needs before anything else can call the API at all: a
// service account holding every permission, so the first real
// service accounts and policy packs can be provisioned through the
// API itself rather than by hand against the database.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"domaindetermine.io/governance/internal/config"
	"domaindetermine.io/governance/internal/infrastructure"
	"domaindetermine.io/governance/internal/obslog"
	"domaindetermine.io/governance/internal/serviceaccount"
)

const (
	bootstrapTenant = "platform"
	bootstrapName   = "bootstrap-admin"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := obslog.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer obslog.Sync()

	ctx := context.Background()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	obslog.Info("starting data seeding")

	accounts := serviceaccount.New(db.Pool)

	exists, err := bootstrapAccountExists(ctx, db)
	if err != nil {
		return fmt.Errorf("check bootstrap account: %w", err)
	}
	if exists {
		obslog.Info("bootstrap service account already exists, skipping")
		return nil
	}

	roles := []string{"governance", "producer"}
	acct, apiKey, err := accounts.Create(ctx, bootstrapTenant, bootstrapName, roles)
	if err != nil {
		return fmt.Errorf("create bootstrap account: %w", err)
	}

	obslog.Info("seeded bootstrap service account",
		zap.String("account_id", acct.AccountID),
		zap.String("tenant", acct.Tenant),
		zap.Strings("roles", acct.Roles),
	)
	// The API key is only ever available here; the hash alone is
	// persisted. Printed to stdout, not logged, so it never lands in
	// structured log aggregation.
	fmt.Printf("bootstrap api key (store this now, it cannot be recovered): %s\n", apiKey)

	return nil
}

func bootstrapAccountExists(ctx context.Context, db *infrastructure.DatabaseClients) (bool, error) {
	var count int
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM service_accounts WHERE tenant = $1 AND name = $2`,
		bootstrapTenant, bootstrapName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
