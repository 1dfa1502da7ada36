package auditor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/sharestore"
	"github.com/ruteri/tee-keyshare-quorum/syncengine"
	"github.com/ruteri/tee-keyshare-quorum/syncengine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type sliceIndexer struct {
	ids []interfaces.CapsuleID
	err error
}

func (s *sliceIndexer) ListExpectedCapsules(ctx context.Context, fn func(interfaces.CapsuleID) error) error {
	for _, id := range s.ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return s.err
}

// MockQuorum answers coverage from a local store and records enqueued repairs.
type MockQuorum struct {
	mock.Mock
	store *sharestore.Store
}

func newMockQuorum(store *sharestore.Store) *MockQuorum {
	return &MockQuorum{store: store}
}

func (m *MockQuorum) Enqueue(id interfaces.CapsuleID) bool {
	return m.Called(id).Bool(0)
}

func (m *MockQuorum) Coverage(ctx context.Context, id interfaces.CapsuleID) (syncengine.Coverage, error) {
	held, err := m.store.HeldIndices(ctx, id)
	if err != nil {
		return nil, err
	}
	cov := make(syncengine.Coverage)
	for _, idx := range held {
		cov[idx] = []interfaces.PeerID{"self"}
	}
	return cov, nil
}

type recordingReporter struct {
	mu      sync.Mutex
	reports [][]interfaces.Gap
}

func (r *recordingReporter) ReportGaps(ctx context.Context, gaps []interfaces.Gap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, gaps)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sharestore.Store {
	t.Helper()
	sealer, err := cryptoutils.NewAESGCMSealer([]byte("auditor-test-root-secret"), []byte("test"))
	require.NoError(t, err)
	store, err := sharestore.OpenInMemory(sealer, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *sharestore.Store, id interfaces.CapsuleID, indices ...uint8) {
	t.Helper()
	for _, idx := range indices {
		_, err := store.Put(context.Background(), enginetest.Material(id, idx, 1, fmt.Sprintf("%s-%d", id, idx)))
		require.NoError(t, err)
	}
}

func testConfig() Config {
	return Config{Interval: time.Minute, Threshold: 2, TotalShares: 3, PersistAfter: 2}
}

func TestAuditFindsCapsulesBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, "full", 1, 2)
	seed(t, store, "all", 1, 2, 3)
	seed(t, store, "short", 3)

	quorum := newMockQuorum(store)
	quorum.On("Enqueue", mock.Anything).Return(true)

	indexer := &sliceIndexer{ids: []interfaces.CapsuleID{"full", "all", "short", "absent"}}
	a, err := New(indexer, quorum, testConfig(), testLogger())
	require.NoError(t, err)

	gaps, err := a.Audit(context.Background())
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	assert.Equal(t, interfaces.CapsuleID("absent"), gaps[0].CapsuleID)
	assert.Equal(t, []int{1, 2, 3}, gaps[0].Missing)
	assert.Equal(t, 0, gaps[0].Held)

	assert.Equal(t, interfaces.CapsuleID("short"), gaps[1].CapsuleID)
	assert.Equal(t, []int{1, 2}, gaps[1].Missing)
	assert.Equal(t, 1, gaps[1].Held)
	assert.False(t, gaps[1].Persistent)

	quorum.AssertCalled(t, "Enqueue", interfaces.CapsuleID("absent"))
	quorum.AssertCalled(t, "Enqueue", interfaces.CapsuleID("short"))
	quorum.AssertNotCalled(t, "Enqueue", interfaces.CapsuleID("full"))
	assert.Equal(t, 1, a.Cycles())
}

func TestPersistentGapsAreNeverDropped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "c1", 1)

	quorum := newMockQuorum(store)
	quorum.On("Enqueue", mock.Anything).Return(true)
	reporter := &recordingReporter{}

	a, err := New(&sliceIndexer{ids: []interfaces.CapsuleID{"c1"}}, quorum, testConfig(), testLogger())
	require.NoError(t, err)
	a.WithReporter(reporter)

	_, err = a.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, a.Persistent())
	assert.Empty(t, reporter.reports)

	for cycle := 2; cycle <= 5; cycle++ {
		gaps, err := a.Audit(ctx)
		require.NoError(t, err)
		require.Len(t, gaps, 1)
		assert.Equal(t, cycle, gaps[0].Cycles)
		assert.True(t, gaps[0].Persistent)
		require.Len(t, a.Persistent(), 1)
	}
	assert.Len(t, reporter.reports, 4)
	quorum.AssertNumberOfCalls(t, "Enqueue", 5)

	seed(t, store, "c1", 2)
	gaps, err := a.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Empty(t, a.Persistent())
}

func TestIndexerFailureKeepsKnownGaps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	quorum := newMockQuorum(store)
	quorum.On("Enqueue", mock.Anything).Return(true)
	indexer := &sliceIndexer{ids: []interfaces.CapsuleID{"c1", "c2"}}

	a, err := New(indexer, quorum, testConfig(), testLogger())
	require.NoError(t, err)

	_, err = a.Audit(ctx)
	require.NoError(t, err)

	indexer.ids = []interfaces.CapsuleID{"c1"}
	indexer.err = errors.New("rpc unavailable")
	gaps, err := a.Audit(ctx)
	assert.Error(t, err)
	assert.Len(t, gaps, 2)

	// a complete listing without c2 drops it
	indexer.err = nil
	gaps, err = a.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, interfaces.CapsuleID("c1"), gaps[0].CapsuleID)
}

func TestHandleRepair(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	quorum := newMockQuorum(store)
	quorum.On("Enqueue", mock.Anything).Return(true)
	a, err := New(&sliceIndexer{ids: []interfaces.CapsuleID{"c1"}}, quorum, testConfig(), testLogger())
	require.NoError(t, err)

	_, err = a.Audit(ctx)
	require.NoError(t, err)

	a.HandleRepair(syncengine.RepairResult{CapsuleID: "c1", Err: fmt.Errorf("%w: peer gone", interfaces.ErrSyncIncomplete)})
	gaps := a.Gaps()
	require.Len(t, gaps, 1)
	assert.Contains(t, gaps[0].LastRepairError, "sync incomplete")
	assert.False(t, gaps[0].LastRepairAt.IsZero())

	seed(t, store, "c1", 1)
	a.HandleRepair(syncengine.RepairResult{CapsuleID: "c1"})
	gaps = a.Gaps()
	require.Len(t, gaps, 1)
	assert.Equal(t, []int{2, 3}, gaps[0].Missing)
	assert.Empty(t, gaps[0].LastRepairError)

	seed(t, store, "c1", 3)
	a.HandleRepair(syncengine.RepairResult{CapsuleID: "c1"})
	assert.Empty(t, a.Gaps())

	// results for unknown capsules are ignored
	a.HandleRepair(syncengine.RepairResult{CapsuleID: "other"})
	assert.Empty(t, a.Gaps())
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Threshold: 1, TotalShares: 3, PersistAfter: 1}.Validate())
	assert.Error(t, Config{Threshold: 3, TotalShares: 2, PersistAfter: 1}.Validate())
	assert.Error(t, Config{Threshold: 2, TotalShares: 300, PersistAfter: 1}.Validate())
	assert.Error(t, Config{Threshold: 2, TotalShares: 3, PersistAfter: 0}.Validate())
}

// A capsule sharded over the quorum is not at risk even though no single
// node holds Threshold shares of it.
func TestAuditCountsSharesAcrossQuorum(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, syncengine.DefaultConfig(), "A", "B", "C")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "C", "c1", 2, 1, "two")

	node := c.Nodes["A"]
	a, err := New(&sliceIndexer{ids: []interfaces.CapsuleID{"c1"}}, node.Engine, testConfig(), testLogger())
	require.NoError(t, err)

	gaps, err := a.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Equal(t, 0, node.Engine.QueueLen())

	// an unreachable holder no longer counts
	c.SetOffline("C", true)
	gaps, err = a.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, 1, gaps[0].Held)
	assert.Equal(t, []int{2, 3}, gaps[0].Missing)
	assert.Equal(t, 1, node.Engine.QueueLen())
}

// The repair driven by an audit pulls the share placed on this node, and
// the gap closes once the quorum holds enough distinct shares again.
func TestAuditRepairsFromQuorum(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := syncengine.DefaultConfig()
	cfg.TotalShares = 3
	cfg.Replicas = 1
	// A is assigned index 1, B index 2, C index 3
	c := enginetest.NewCluster(t, cfg, "A", "B", "C")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "C", "c1", 2, 1, "two")
	c.SetOffline("C", true)

	node := c.Nodes["A"]
	a, err := New(&sliceIndexer{ids: []interfaces.CapsuleID{"c1"}}, node.Engine, testConfig(), testLogger())
	require.NoError(t, err)

	done := make(chan syncengine.RepairResult, 1)
	node.Engine.OnRepair(func(r syncengine.RepairResult) {
		a.HandleRepair(r)
		done <- r
	})
	go node.Engine.Run(ctx)

	gaps, err := a.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	select {
	case r := <-done:
		require.NoError(t, r.Err)
		assert.Equal(t, 1, r.Report.Written)
	case <-time.After(5 * time.Second):
		t.Fatal("repair did not finish")
	}

	held, err := node.Store.HeldIndices(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []uint8{1}, held)

	// index 1 is now held twice, the quorum still lacks a second index
	gaps = a.Gaps()
	require.Len(t, gaps, 1)
	assert.Equal(t, 1, gaps[0].Held)
	assert.Empty(t, gaps[0].LastRepairError)
	assert.False(t, gaps[0].LastRepairAt.IsZero())

	c.SetOffline("C", false)
	gaps, err = a.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}
