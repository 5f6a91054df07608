package waiver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/eventlog"
	"domaindetermine.io/governance/internal/signer"
	"domaindetermine.io/governance/internal/testutilpg"
)

func newTestManager(t *testing.T, prefix string) *Manager {
	t.Helper()
	pool := testutilpg.NewPool(t, prefix)
	hmacSigner := signer.NewHMACSigner("test-key", []byte("0123456789abcdef0123456789abcdef"), nil)
	log := eventlog.New(pool, hmacSigner, "test-key")
	return New(pool, log)
}

func TestManager_ProposeAndApprove(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "waiver_propose_approve")

	w, err := m.Propose(ctx, "tenant-a", "artifact:abc", "alice", "short on time", "will backfill tests",
		time.Now().UTC().Add(30*24*time.Hour), []string{"ADV-1"})
	require.NoError(t, err)
	require.Equal(t, domain.WaiverProposed, w.Status)

	approved, err := m.Approve(ctx, "tenant-a", w.WaiverID, "governance-bob")
	require.NoError(t, err)
	require.Equal(t, domain.WaiverApproved, approved.Status)
}

func TestManager_ApproveRejectsNonProposed(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "waiver_approve_twice")

	w, err := m.Propose(ctx, "tenant-a", "artifact:abc", "alice", "x", "y", time.Now().UTC().Add(time.Hour), nil)
	require.NoError(t, err)
	_, err = m.Approve(ctx, "tenant-a", w.WaiverID, "bob")
	require.NoError(t, err)

	_, err = m.Approve(ctx, "tenant-a", w.WaiverID, "bob")
	require.Error(t, err)
}

func TestManager_CheckValid(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "waiver_check_valid")

	w, err := m.Propose(ctx, "tenant-a", "artifact:abc", "alice", "x", "y", time.Now().UTC().Add(time.Hour), nil)
	require.NoError(t, err)

	require.Error(t, m.CheckValid(ctx, "tenant-a", w.WaiverID, time.Now().UTC()))

	_, err = m.Approve(ctx, "tenant-a", w.WaiverID, "bob")
	require.NoError(t, err)

	require.NoError(t, m.CheckValid(ctx, "tenant-a", w.WaiverID, time.Now().UTC()))
	require.Error(t, m.CheckValid(ctx, "tenant-a", w.WaiverID, time.Now().UTC().Add(2*time.Hour)))
}

func TestManager_Revoke(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "waiver_revoke")

	w, err := m.Propose(ctx, "tenant-a", "artifact:abc", "alice", "x", "y", time.Now().UTC().Add(time.Hour), nil)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, "tenant-a", w.WaiverID))

	got, err := m.Get(ctx, "tenant-a", w.WaiverID)
	require.NoError(t, err)
	require.Equal(t, domain.WaiverRevoked, got.Status)

	require.Error(t, m.Revoke(ctx, "tenant-a", w.WaiverID))
}

func TestManager_SweepExpiresPastWaivers(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "waiver_sweep")

	w, err := m.Propose(ctx, "tenant-a", "artifact:abc", "alice", "x", "y", time.Now().UTC().Add(time.Hour), nil)
	require.NoError(t, err)
	_, err = m.Approve(ctx, "tenant-a", w.WaiverID, "bob")
	require.NoError(t, err)

	future := time.Now().UTC().Add(2 * time.Hour)
	require.NoError(t, m.Sweep(ctx, future))

	got, err := m.Get(ctx, "tenant-a", w.WaiverID)
	require.NoError(t, err)
	require.Equal(t, domain.WaiverExpired, got.Status)

	events, err := m.log.Stream(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.True(t, len(events) >= 2)
}

func TestManager_SweepAlertsNearingExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "waiver_sweep_alert")

	w, err := m.Propose(ctx, "tenant-a", "artifact:abc", "alice", "x", "y", time.Now().UTC().Add(3*24*time.Hour), nil)
	require.NoError(t, err)
	_, err = m.Approve(ctx, "tenant-a", w.WaiverID, "bob")
	require.NoError(t, err)

	require.NoError(t, m.Sweep(ctx, time.Now().UTC()))

	got, err := m.Get(ctx, "tenant-a", w.WaiverID)
	require.NoError(t, err)
	require.Equal(t, domain.WaiverApproved, got.Status)

	events, err := m.log.Stream(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.True(t, len(events) >= 2)
}
