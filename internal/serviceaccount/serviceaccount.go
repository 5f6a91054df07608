// Package serviceaccount authenticates pipeline modules and deployment
// automation against bcrypt-hashed API keys, grounded on the teacher's
// server_auth.go bcrypt+ent login flow (internal/api/handlers) but
// keyed on a service-account identity instead of a username/password
// pair: §6's wire protocol has no interactive login, only headless
// callers minting a bearer token once and reusing it.
package serviceaccount

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"domaindetermine.io/governance/internal/apperr"
)

const hashCost = 12

// Account is a registered service account: a tenant-scoped identity
// carrying a fixed set of roles, authenticated by API key rather than
// interactive credentials.
type Account struct {
	AccountID string
	Tenant    string
	Name      string
	Roles     []string
	Revoked   bool
}

// Manager issues and authenticates service-account API keys.
type Manager struct {
	pool *pgxpool.Pool
}

// New builds a Manager over pool.
func New(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// Create registers a new service account and returns its plaintext API
// key; the key is shown exactly once and only its bcrypt hash is
// persisted.
func (m *Manager) Create(ctx context.Context, tenant, name string, roles []string) (Account, string, error) {
	acct := Account{AccountID: uuid.NewString(), Tenant: tenant, Name: name, Roles: roles}
	apiKey := uuid.NewString() + uuid.NewString()

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), hashCost)
	if err != nil {
		return Account{}, "", apperr.Internal("serviceaccount: hash api key", err)
	}

	_, err = m.pool.Exec(ctx, `
		INSERT INTO service_accounts (account_id, tenant, name, roles, api_key_hash, revoked)
		VALUES ($1, $2, $3, $4, $5, false)`,
		acct.AccountID, acct.Tenant, acct.Name, roles, string(hash),
	)
	if err != nil {
		return Account{}, "", apperr.Internal("serviceaccount: insert account", err)
	}
	return acct, apiKey, nil
}

// Authenticate validates apiKey and returns the account it belongs to.
// It is deliberately linear in the number of active accounts: there is
// no way to look a bcrypt hash up by plaintext, so every non-revoked
// account's hash must be tried. Service-account counts are small
// (pipeline modules and deployment automation, not end users), so this
// is the same cost profile the teacher accepts in its own
// username-indexed bcrypt compare — just without a username to index
// by first.
func (m *Manager) Authenticate(ctx context.Context, apiKey string) (Account, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT account_id, tenant, name, roles, api_key_hash
		FROM service_accounts WHERE revoked = false`)
	if err != nil {
		return Account{}, apperr.Internal("serviceaccount: query accounts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var acct Account
		var hash string
		if err := rows.Scan(&acct.AccountID, &acct.Tenant, &acct.Name, &acct.Roles, &hash); err != nil {
			return Account{}, apperr.Internal("serviceaccount: scan account", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) == nil {
			return acct, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Account{}, apperr.Internal("serviceaccount: iterate accounts", err)
	}
	return Account{}, apperr.AuthFailed("serviceaccount: invalid api key")
}

// Revoke disables an account's future token minting. Already-issued
// JWTs remain valid until they expire; there is no revocation list on
// the token path, mirroring the teacher's TokenRevocationChecker being
// optional rather than load-bearing.
func (m *Manager) Revoke(ctx context.Context, accountID string) error {
	tag, err := m.pool.Exec(ctx, `UPDATE service_accounts SET revoked = true WHERE account_id = $1`, accountID)
	if err != nil {
		return apperr.Internal("serviceaccount: revoke", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("serviceaccount: account " + accountID + " not found")
	}
	return nil
}
