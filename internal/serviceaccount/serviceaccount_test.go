package serviceaccount

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/testutilpg"
)

func TestCreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "svcacct_create")
	m := New(pool)

	acct, apiKey, err := m.Create(ctx, "acme", "ingestion-pipeline", []string{"producer"})
	require.NoError(t, err)
	require.NotEmpty(t, apiKey)

	got, err := m.Authenticate(ctx, apiKey)
	require.NoError(t, err)
	require.Equal(t, acct.AccountID, got.AccountID)
	require.Equal(t, "acme", got.Tenant)
	require.Equal(t, []string{"producer"}, got.Roles)
}

func TestAuthenticate_RejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "svcacct_wrong_key")
	m := New(pool)

	_, _, err := m.Create(ctx, "acme", "ingestion-pipeline", []string{"producer"})
	require.NoError(t, err)

	_, err = m.Authenticate(ctx, "not-a-real-key")
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeAuthFailed, ge.Code)
}

func TestAuthenticate_RejectsRevokedAccount(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "svcacct_revoked")
	m := New(pool)

	acct, apiKey, err := m.Create(ctx, "acme", "ingestion-pipeline", []string{"producer"})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, acct.AccountID))

	_, err = m.Authenticate(ctx, apiKey)
	require.Error(t, err)
}
