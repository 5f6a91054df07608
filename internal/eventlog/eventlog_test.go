package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/signer"
	"domaindetermine.io/governance/internal/testutilpg"
)

func newTestLog(t *testing.T, prefix string) *Log {
	t.Helper()
	pool := testutilpg.NewPool(t, prefix)
	hmacSigner := signer.NewHMACSigner("test-key", []byte("0123456789abcdef0123456789abcdef"), nil)
	return New(pool, hmacSigner, "test-key")
}

func TestLog_AppendBuildsChain(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t, "append_chain")

	ev1, err := log.Append(ctx, "tenant-a", "alice", domain.EventArtifactPublished, "artifact-1", map[string]any{"a": 1})
	require.NoError(t, err)
	require.EqualValues(t, 1, ev1.Seq)
	require.Equal(t, genesisHMAC, ev1.PrevHMAC)
	require.NotEmpty(t, ev1.HMAC)

	ev2, err := log.Append(ctx, "tenant-a", "bob", domain.EventWaiverGranted, "waiver-1", map[string]any{"b": 2})
	require.NoError(t, err)
	require.EqualValues(t, 2, ev2.Seq)
	require.Equal(t, ev1.HMAC, ev2.PrevHMAC)
	require.NotEqual(t, ev1.HMAC, ev2.HMAC)
}

func TestLog_AppendIsolatedPerTenant(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t, "append_isolated")

	evA, err := log.Append(ctx, "tenant-a", "alice", domain.EventArtifactPublished, "artifact-1", map[string]any{})
	require.NoError(t, err)
	evB, err := log.Append(ctx, "tenant-b", "bob", domain.EventArtifactPublished, "artifact-2", map[string]any{})
	require.NoError(t, err)

	require.EqualValues(t, 1, evA.Seq)
	require.EqualValues(t, 1, evB.Seq)
	require.Equal(t, genesisHMAC, evA.PrevHMAC)
	require.Equal(t, genesisHMAC, evB.PrevHMAC)
}

func TestLog_StreamVerifiesChain(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t, "stream_verify")

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "tenant-a", "alice", domain.EventServiceJobEnqueued, "job-1", map[string]any{"i": i})
		require.NoError(t, err)
	}

	events, err := log.Stream(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.EqualValues(t, i+1, ev.Seq)
	}
}

func TestLog_StreamDetectsTamperedHMAC(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t, "stream_tamper")

	_, err := log.Append(ctx, "tenant-a", "alice", domain.EventArtifactPublished, "artifact-1", map[string]any{})
	require.NoError(t, err)
	_, err = log.Append(ctx, "tenant-a", "alice", domain.EventArtifactPublished, "artifact-2", map[string]any{})
	require.NoError(t, err)

	_, execErr := log.pool.Exec(ctx, `UPDATE events SET hmac = 'tampered' WHERE tenant = $1 AND seq = 1`, "tenant-a")
	require.NoError(t, execErr)

	_, err = log.Stream(ctx, "tenant-a", 1)
	require.Error(t, err)
}

func TestLog_StreamFromMidSeq(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t, "stream_midseq")

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, "tenant-a", "alice", domain.EventArtifactPublished, "artifact-1", map[string]any{})
		require.NoError(t, err)
	}

	events, err := log.Stream(ctx, "tenant-a", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.EqualValues(t, 2, events[0].Seq)
}
