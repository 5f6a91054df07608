package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManifest_Identity(t *testing.T) {
	m := &Manifest{Class: ClassCoveragePlan, Tenant: "acme", Slug: "legal-v1", Version: "1.0.0"}
	require.Equal(t, "coverage_plan/acme/legal-v1/1.0.0", m.Identity())
}

func TestWaiver_Valid(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		w    Waiver
		want bool
	}{
		{"approved and not expired", Waiver{Status: WaiverApproved, ExpiresAt: now.Add(time.Hour)}, true},
		{"approved but expires exactly now", Waiver{Status: WaiverApproved, ExpiresAt: now}, false},
		{"approved but expired", Waiver{Status: WaiverApproved, ExpiresAt: now.Add(-time.Hour)}, false},
		{"proposed", Waiver{Status: WaiverProposed, ExpiresAt: now.Add(time.Hour)}, false},
		{"revoked", Waiver{Status: WaiverRevoked, ExpiresAt: now.Add(time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.w.Valid(now))
		})
	}
}

func TestWaiver_NearingExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Waiver{Status: WaiverApproved, ExpiresAt: now.Add(6 * 24 * time.Hour)}
	require.True(t, w.NearingExpiry(now, 7*24*time.Hour))

	farOut := Waiver{Status: WaiverApproved, ExpiresAt: now.Add(30 * 24 * time.Hour)}
	require.False(t, farOut.NearingExpiry(now, 7*24*time.Hour))

	alreadyExpired := Waiver{Status: WaiverApproved, ExpiresAt: now.Add(-time.Hour)}
	require.False(t, alreadyExpired.NearingExpiry(now, 7*24*time.Hour))
}

func TestJobStatus_TerminalAndActive(t *testing.T) {
	require.True(t, JobSucceeded.Terminal())
	require.True(t, JobFailed.Terminal())
	require.True(t, JobCanceled.Terminal())
	require.False(t, JobQueued.Terminal())
	require.False(t, JobRunning.Terminal())

	require.True(t, JobRunning.Active())
	require.True(t, JobRetrying.Active())
	require.False(t, JobQueued.Active())
	require.False(t, JobSucceeded.Active())
}

func TestArtifactStatus_Publishable(t *testing.T) {
	require.True(t, StatusPublished.Publishable())
	require.False(t, StatusRevoked.Publishable())
	require.False(t, StatusRolledBack.Publishable())
}
