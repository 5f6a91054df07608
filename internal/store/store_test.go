package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/canon"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/testutilpg"
)

func testManifest(t *testing.T, payload []byte) domain.Manifest {
	t.Helper()
	return domain.Manifest{
		ArtifactID:   uuid.NewString(),
		Class:        domain.ClassKOSSnapshot,
		Tenant:       "tenant-a",
		Slug:         "core-kos",
		Version:      "1.0.0",
		Hash:         canon.HashBytes(payload),
		Title:        "Core KOS",
		Creator:      "alice",
		CreatedAt:    time.Now().UTC(),
		ChangeImpact: domain.ImpactMajor,
		SigningKeyID: "governance-dev-1",
		Signature:    "deadbeef",
	}
}

func TestStore_PutAndGetManifest(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "store_put_get")
	s := New(pool)

	payload := []byte(`{"concepts":["a","b"]}`)
	manifest := testManifest(t, payload)

	require.NoError(t, s.Put(ctx, manifest, payload))

	got, err := s.GetManifest(ctx, manifest.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, manifest.ArtifactID, got.ArtifactID)
	require.Equal(t, manifest.Hash, got.Hash)

	gotPayload, err := s.GetPayload(ctx, manifest.Hash)
	require.NoError(t, err)
	require.Equal(t, payload, gotPayload)
}

func TestStore_PutRejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "store_hash_mismatch")
	s := New(pool)

	payload := []byte(`{"x":1}`)
	manifest := testManifest(t, payload)
	manifest.Hash = "0000000000000000000000000000000000000000000000000000000000000000"

	err := s.Put(ctx, manifest, payload)
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeSchemaViolation, ge.Code)
}

func TestStore_PutRejectsDuplicateIdentity(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "store_duplicate")
	s := New(pool)

	payload1 := []byte(`{"v":1}`)
	m1 := testManifest(t, payload1)
	require.NoError(t, s.Put(ctx, m1, payload1))

	payload2 := []byte(`{"v":2}`)
	m2 := testManifest(t, payload2)
	m2.ArtifactID = uuid.NewString()

	err := s.Put(ctx, m2, payload2)
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeStaleSnapshot, ge.Code)
}

func TestStore_MarkStatusAndGetStatus(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "store_mark_status")
	s := New(pool)

	payload := []byte(`{"a":1}`)
	manifest := testManifest(t, payload)
	require.NoError(t, s.Put(ctx, manifest, payload))

	status, _, err := s.GetStatus(ctx, manifest.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPublished, status)

	require.NoError(t, s.MarkStatus(ctx, manifest.ArtifactID, domain.StatusRolledBack, "superseded by incident-42"))

	status, reason, err := s.GetStatus(ctx, manifest.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRolledBack, status)
	require.Equal(t, "superseded by incident-42", reason)
}

func TestStore_ListByClassTenant(t *testing.T) {
	ctx := context.Background()
	pool := testutilpg.NewPool(t, "store_list")
	s := New(pool)

	for i := 0; i < 3; i++ {
		payload := []byte(`{"i":` + string(rune('0'+i)) + `}`)
		m := testManifest(t, payload)
		m.Slug = "snap"
		m.Version = "1." + string(rune('0'+i)) + ".0"
		require.NoError(t, s.Put(ctx, m, payload))
	}

	ids, err := s.ListByClassTenant(ctx, domain.ClassKOSSnapshot, "tenant-a")
	require.NoError(t, err)
	require.Len(t, ids, 3)
}
