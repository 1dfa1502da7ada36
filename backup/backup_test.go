package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/sharestore"
	"github.com/ruteri/tee-keyshare-quorum/storage"
	"github.com/ruteri/tee-keyshare-quorum/syncengine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, secret string) *sharestore.Store {
	t.Helper()
	sealer, err := cryptoutils.NewAESGCMSealer([]byte(secret), []byte("measurement"))
	require.NoError(t, err)
	store, err := sharestore.OpenInMemory(sealer, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newBackend(t *testing.T) interfaces.StorageBackend {
	t.Helper()
	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	return backend
}

func seed(t *testing.T, store *sharestore.Store, id interfaces.CapsuleID, indices ...uint8) {
	t.Helper()
	for _, idx := range indices {
		_, err := store.Put(context.Background(), enginetest.Material(id, idx, 1, fmt.Sprintf("%s-%d", id, idx)))
		require.NoError(t, err)
	}
}

func TestExportAndRestore(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)

	source := newStore(t, "shared-root-secret")
	seed(t, source, "c1", 1, 2)
	seed(t, source, "c2", 3)
	_, err := source.RegisterCapsule(ctx, "c3", "ipfs://media")
	require.NoError(t, err)
	_, err = source.SetCapsuleState(ctx, "c2", interfaces.CapsuleRevoked)
	require.NoError(t, err)

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exporter := NewExporter("node-a", source, backend, testLogger()).WithClock(func() time.Time { return fixed })
	result, err := exporter.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Shares)
	assert.Equal(t, 3, result.Capsules)
	assert.Equal(t, fixed, result.CreatedAt)

	// snapshots never carry plaintext
	data, err := backend.Fetch(ctx, result.ContentID, interfaces.SnapshotType)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "c1-1")

	target := newStore(t, "shared-root-secret")
	seed(t, target, "c1", 1)
	report, err := NewExporter("node-a", target, backend, testLogger()).Restore(ctx, result.ContentID)
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{Capsules: 3, Restored: 2, Skipped: 1}, report)

	held, err := target.HeldIndices(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2}, held)

	revoked, err := target.Capsule(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, interfaces.CapsuleRevoked, revoked.State)

	pending, err := target.Capsule(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, interfaces.CapsulePending, pending.State)
	assert.Equal(t, "ipfs://media", pending.MediaRef)
}

func TestRestoreOnForeignNodeRejectsShares(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)

	source := newStore(t, "root-secret-one")
	seed(t, source, "c1", 1, 2)
	result, err := NewExporter("node-a", source, backend, testLogger()).Export(ctx)
	require.NoError(t, err)

	target := newStore(t, "root-secret-two")
	report, err := NewExporter("node-b", target, backend, testLogger()).Restore(ctx, result.ContentID)
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{Capsules: 1, Rejected: 2}, report)

	held, _ := target.HeldIndices(ctx, "c1")
	assert.Empty(t, held)
}

func TestRestoreRejectsConflictingShares(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)

	source := newStore(t, "shared-root-secret")
	seed(t, source, "c1", 1)
	result, err := NewExporter("node-a", source, backend, testLogger()).Export(ctx)
	require.NoError(t, err)

	target := newStore(t, "shared-root-secret")
	_, err = target.Put(ctx, enginetest.Material("c1", 1, 1, "different payload"))
	require.NoError(t, err)

	report, err := NewExporter("node-a", target, backend, testLogger()).Restore(ctx, result.ContentID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	exporter := NewExporter("node-a", newStore(t, "secret"), newBackend(t), testLogger())
	_, err := exporter.Restore(context.Background(), interfaces.ComputeID([]byte("missing")))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestReportGaps(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exporter := NewExporter("node-a", newStore(t, "secret"), backend, testLogger()).WithClock(func() time.Time { return fixed })

	gaps := []interfaces.Gap{{CapsuleID: "c1", Missing: []int{2, 3}, Held: 1, Cycles: 3, Persistent: true, FirstSeen: fixed}}
	require.NoError(t, exporter.ReportGaps(ctx, gaps))

	expected, err := json.Marshal(GapReport{NodeID: "node-a", GeneratedAt: fixed, Gaps: gaps})
	require.NoError(t, err)
	data, err := backend.Fetch(ctx, interfaces.ComputeID(expected), interfaces.GapReportType)
	require.NoError(t, err)

	var stored GapReport
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, interfaces.PeerID("node-a"), stored.NodeID)
	require.Len(t, stored.Gaps, 1)
	assert.Equal(t, []int{2, 3}, stored.Gaps[0].Missing)
	assert.True(t, stored.Gaps[0].Persistent)
}
