package syncengine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/syncengine"
	"github.com/ruteri/tee-keyshare-quorum/syncengine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() syncengine.Config {
	cfg := syncengine.DefaultConfig()
	cfg.PageSize = 100
	cfg.RepairTimeout = 5 * time.Second
	return cfg
}

func seedMany(t *testing.T, c *enginetest.Cluster, node interfaces.PeerID, n int) {
	for i := 0; i < n; i++ {
		c.Seed(t, node, interfaces.CapsuleID(fmt.Sprintf("capsule-%04d", i)), 1, uint64(i+1), fmt.Sprintf("payload-%d", i))
	}
}

func offsets(calls []enginetest.Call) []int {
	var out []int
	for _, call := range calls {
		out = append(out, call.Page.Offset)
	}
	return out
}

func countShares(t *testing.T, node *enginetest.Node) map[interfaces.CapsuleID]int {
	seen := make(map[interfaces.CapsuleID]int)
	require.NoError(t, node.Store.Export(context.Background(), func(ks interfaces.KeyShare) error {
		seen[ks.CapsuleID]++
		return nil
	}))
	return seen
}

func TestWildcardSyncPagesThroughInventory(t *testing.T) {
	tests := []struct {
		name        string
		shares      int
		wantOffsets []int
	}{
		{name: "partial last page", shares: 250, wantOffsets: []int{0, 100, 200}},
		{name: "exact multiple ends on empty page", shares: 200, wantOffsets: []int{0, 100, 200}},
		{name: "empty inventory", shares: 0, wantOffsets: []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := enginetest.NewCluster(t, testConfig(), "A", "B")
			seedMany(t, c, "B", tt.shares)

			report, err := c.Nodes["A"].Engine.Reconcile(context.Background(), interfaces.WildcardFilter)
			require.NoError(t, err)
			assert.True(t, report.Complete)
			assert.Equal(t, tt.shares, report.Written)
			assert.Equal(t, tt.wantOffsets, offsets(c.Calls()))
			for _, call := range c.Calls() {
				assert.Equal(t, interfaces.SyncFilter(interfaces.WildcardFilter), call.Page.Filter)
				assert.Equal(t, 100, call.Page.PageSize)
			}

			seen := countShares(t, c.Nodes["A"])
			assert.Len(t, seen, tt.shares)
			for id, n := range seen {
				assert.Equal(t, 1, n, id)
			}
		})
	}
}

func TestSyncedSharesAreResealedLocally(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	c.Seed(t, "B", "c1", 2, 4, "secret")

	_, err := c.Nodes["A"].Engine.Reconcile(ctx, interfaces.FilterFor("c1"))
	require.NoError(t, err)

	local, err := c.Nodes["A"].Store.GetIndex(ctx, "c1", 2)
	require.NoError(t, err)
	remote, err := c.Nodes["B"].Store.GetIndex(ctx, "c1", 2)
	require.NoError(t, err)

	assert.Equal(t, remote.Tag, local.Tag)
	assert.Equal(t, uint64(4), local.Version)
	assert.NotEqual(t, remote.Sealed, local.Sealed)

	// B's sealed copy is useless to A
	_, err = c.Nodes["A"].Store.Unseal(remote)
	assert.ErrorIs(t, err, interfaces.ErrIntegrityMismatch)

	m, err := c.Nodes["A"].Store.Unseal(local)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), m.Payload)

	assert.Equal(t, uint64(4), c.Nodes["A"].Directory.LastSynced("B", "c1"))
}

func TestApplyPageReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	seedMany(t, c, "B", 10)

	resp, err := c.Nodes["B"].Engine.ServePage(ctx, "A", interfaces.SyncPage{Filter: interfaces.WildcardFilter, PageSize: 100})
	require.NoError(t, err)
	require.Len(t, resp.Shares, 10)

	first, err := c.Nodes["A"].Engine.ApplyPage(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, 10, first.Written)

	watermark, err := c.Nodes["A"].Store.Watermark(ctx, interfaces.WildcardFilter)
	require.NoError(t, err)

	second, err := c.Nodes["A"].Engine.ApplyPage(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Written)
	assert.Equal(t, 10, second.Skipped)
	assert.Equal(t, 0, second.Rejected)

	after, err := c.Nodes["A"].Store.Watermark(ctx, interfaces.WildcardFilter)
	require.NoError(t, err)
	assert.Equal(t, watermark, after)
}

func TestApplyPageRejectsSharesWrappedForAnotherNode(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, testConfig(), "A", "B", "C")
	c.Seed(t, "B", "c1", 1, 1, "secret")

	resp, err := c.Nodes["B"].Engine.ServePage(ctx, "C", interfaces.SyncPage{Filter: "c1", PageSize: 10})
	require.NoError(t, err)

	stats, err := c.Nodes["A"].Engine.ApplyPage(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rejected)
	_, err = c.Nodes["A"].Store.Get(ctx, "c1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestFailedPageRetriedOnNextPeerAtSameOffset(t *testing.T) {
	c := enginetest.NewCluster(t, testConfig(), "A", "B", "C")
	seedMany(t, c, "B", 250)
	seedMany(t, c, "C", 250)
	require.NoError(t, c.Nodes["A"].Directory.Heartbeat("B", time.Millisecond, true))

	c.SetHook(func(call enginetest.Call) error {
		if call.To == "B" && call.Page.Offset == 100 {
			return errors.New("connection reset")
		}
		return nil
	})

	report, err := c.Nodes["A"].Engine.Reconcile(context.Background(), interfaces.WildcardFilter)
	require.NoError(t, err)
	assert.Equal(t, 250, report.Written)
	assert.Equal(t, []interfaces.PeerID{"B", "C"}, report.Peers)

	var trail []string
	for _, call := range c.Calls() {
		trail = append(trail, fmt.Sprintf("%s@%d", call.To, call.Page.Offset))
	}
	assert.Equal(t, []string{"B@0", "B@100", "C@100", "C@200"}, trail)
}

func TestSyncIncompleteKeepsCommittedPages(t *testing.T) {
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	seedMany(t, c, "B", 250)

	c.SetHook(func(call enginetest.Call) error {
		if call.Page.Offset >= 100 {
			return errors.New("connection reset")
		}
		return nil
	})

	report, err := c.Nodes["A"].Engine.Reconcile(context.Background(), interfaces.WildcardFilter)
	assert.ErrorIs(t, err, interfaces.ErrSyncIncomplete)
	assert.ErrorIs(t, err, interfaces.ErrQuorumUnreachable)
	assert.False(t, report.Complete)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 100, report.Written)
	assert.Len(t, countShares(t, c.Nodes["A"]), 100)

	// the next session picks the rest up
	c.SetHook(nil)
	c.ResetCalls()
	report, err = c.Nodes["A"].Engine.Reconcile(context.Background(), interfaces.WildcardFilter)
	require.NoError(t, err)
	assert.Equal(t, 150, report.Written)
	assert.Equal(t, 100, report.Skipped)
}

func TestPageCapStopsSession(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 2
	c := enginetest.NewCluster(t, cfg, "A", "B")
	seedMany(t, c, "B", 500)

	report, err := c.Nodes["A"].Engine.Reconcile(context.Background(), interfaces.WildcardFilter)
	assert.ErrorIs(t, err, interfaces.ErrSyncIncomplete)
	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, 200, report.Written)
	assert.Len(t, c.Calls(), 2)
}

func TestConflictingTagIsRejected(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	c.Seed(t, "A", "c1", 1, 1, "genuine")
	c.Seed(t, "B", "c1", 1, 2, "forged")

	report, err := c.Nodes["A"].Engine.Reconcile(ctx, interfaces.FilterFor("c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 0, report.Written)

	ks, err := c.Nodes["A"].Store.GetIndex(ctx, "c1", 1)
	require.NoError(t, err)
	m, err := c.Nodes["A"].Store.Unseal(ks)
	require.NoError(t, err)
	assert.Equal(t, []byte("genuine"), m.Payload)
}

func TestConcurrentReconcileIsCollapsed(t *testing.T) {
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	c.Seed(t, "B", "c1", 1, 1, "secret")

	release := make(chan struct{})
	c.SetHook(func(enginetest.Call) error {
		<-release
		return nil
	})

	var wg sync.WaitGroup
	reports := make([]syncengine.Report, 3)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Nodes["A"].Engine.Reconcile(context.Background(), interfaces.FilterFor("c1"))
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}

	require.Eventually(t, func() bool { return len(c.Calls()) > 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Len(t, c.Calls(), 1)
	for _, r := range reports {
		assert.Equal(t, 1, r.Written)
	}
}

func TestServePageRequiresKnownPeer(t *testing.T) {
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	_, err := c.Nodes["B"].Engine.ServePage(context.Background(), "stranger", interfaces.SyncPage{Filter: "*", PageSize: 10})
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

func TestRepairQueue(t *testing.T) {
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "B", "c2", 1, 1, "two")

	engine := c.Nodes["A"].Engine
	results := make(chan syncengine.RepairResult, 4)
	engine.OnRepair(func(r syncengine.RepairResult) { results <- r })

	assert.True(t, engine.Enqueue("c1"))
	assert.False(t, engine.Enqueue("c1"))
	assert.True(t, engine.Enqueue("c2"))
	assert.True(t, engine.Enqueue("missing"))
	assert.Equal(t, 3, engine.QueueLen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	got := make(map[interfaces.CapsuleID]syncengine.RepairResult)
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			got[r.CapsuleID] = r
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for repairs")
		}
	}

	require.NoError(t, got["c1"].Err)
	assert.Equal(t, 1, got["c1"].Report.Written)
	require.NoError(t, got["c2"].Err)
	// an empty answer is a complete sync, the auditor decides whether that is enough
	require.NoError(t, got["missing"].Err)
	assert.Equal(t, 0, got["missing"].Report.Written)
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEndToEndFallbackWhenTopPeerOffline(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, testConfig(), "A", "B", "C")
	c.Seed(t, "B", "X7", 1, 1, "share")
	c.Seed(t, "C", "X7", 1, 1, "share")

	a := c.Nodes["A"]
	require.NoError(t, a.Directory.Heartbeat("B", time.Millisecond, true))
	require.NoError(t, a.Directory.Heartbeat("C", 50*time.Millisecond, true))
	require.Equal(t, []interfaces.PeerID{"B", "C"}, a.Directory.Rank())

	c.SetOffline("B", true)

	report, err := a.Engine.Reconcile(ctx, interfaces.FilterFor("X7"))
	require.NoError(t, err)
	assert.Equal(t, []interfaces.PeerID{"C"}, report.Peers)

	calls := c.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, interfaces.PeerID("B"), calls[0].To)
	assert.Equal(t, interfaces.PeerID("C"), calls[1].To)

	_, err = a.Store.Get(ctx, "X7")
	assert.NoError(t, err)
	assert.Equal(t, []interfaces.PeerID{"C", "B"}, a.Directory.Rank())
}

// unsealFailingStore reports an integrity mismatch when unsealing one index.
type unsealFailingStore struct {
	interfaces.ShareStore
	index uint8
}

func (s *unsealFailingStore) Unseal(ks interfaces.KeyShare) (interfaces.ShareMaterial, error) {
	if ks.Index == s.index {
		return interfaces.ShareMaterial{}, fmt.Errorf("%w: sealed record corrupted", interfaces.ErrIntegrityMismatch)
	}
	return s.ShareStore.Unseal(ks)
}

func withUnsealFailure(c *enginetest.Cluster, id interfaces.PeerID, index uint8, cfg syncengine.Config) {
	node := c.Nodes[id]
	store := &unsealFailingStore{ShareStore: node.Store, index: index}
	node.Engine = syncengine.New(id, node.Privkey, store, node.Directory, node.Scheduler, node.Transport, cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestServePageWithholdsUnsealableShare(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "B", "c1", 2, 1, "two")
	c.Seed(t, "B", "c1", 3, 1, "three")
	withUnsealFailure(c, "B", 2, testConfig())

	resp, err := c.Nodes["B"].Engine.ServePage(ctx, "A", interfaces.SyncPage{Filter: "c1", PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Scanned)
	require.Len(t, resp.Shares, 2)
	assert.Equal(t, uint8(1), resp.Shares[0].Index)
	assert.Equal(t, uint8(3), resp.Shares[1].Index)

	stats, err := c.Nodes["A"].Engine.ApplyPage(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Written)
}

func TestReconcilePagesPastWithheldShare(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PageSize = 2
	c := enginetest.NewCluster(t, cfg, "A", "B")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "B", "c1", 2, 1, "two")
	c.Seed(t, "B", "c1", 3, 1, "three")
	withUnsealFailure(c, "B", 2, cfg)

	report, err := c.Nodes["A"].Engine.Reconcile(ctx, interfaces.FilterFor("c1"))
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, []int{0, 2}, offsets(c.Calls()))

	held, err := c.Nodes["A"].Store.HeldIndices(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 3}, held)
}

func TestHeaderOnlyPageCarriesNoPayload(t *testing.T) {
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	c.Seed(t, "B", "c1", 4, 2, "secret")
	withUnsealFailure(c, "B", 4, testConfig())

	resp, err := c.Nodes["B"].Engine.ServePage(context.Background(), "A", interfaces.SyncPage{Filter: "c1", PageSize: 10, HeadersOnly: true})
	require.NoError(t, err)
	require.Len(t, resp.Shares, 1)
	assert.Equal(t, uint8(4), resp.Shares[0].Index)
	assert.Equal(t, uint64(2), resp.Shares[0].Version)
	assert.Empty(t, resp.Shares[0].Wrapped)
}

// A caller that gives up must not take the shared session down with it.
func TestReconcileSessionOutlivesImpatientCaller(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, testConfig(), "A", "B")
	c.Seed(t, "B", "c1", 1, 1, "secret")
	c.SetHook(func(enginetest.Call) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	engine := c.Nodes["A"].Engine
	impatient := make(chan error, 1)
	go func() {
		shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := engine.Reconcile(shortCtx, interfaces.FilterFor("c1"))
		impatient <- err
	}()
	require.Eventually(t, func() bool { return len(c.Calls()) > 0 }, time.Second, time.Millisecond)

	patientCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	report, err := engine.Reconcile(patientCtx, interfaces.FilterFor("c1"))
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 1, report.Written)

	err = <-impatient
	assert.ErrorIs(t, err, interfaces.ErrSyncIncomplete)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Len(t, c.Calls(), 1)
	_, err = c.Nodes["A"].Store.GetIndex(ctx, "c1", 1)
	assert.NoError(t, err)
}

func TestSessionTimeoutBoundsDetachedSession(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTimeout = 30 * time.Millisecond
	c := enginetest.NewCluster(t, cfg, "A", "B")
	c.Seed(t, "B", "c1", 1, 1, "secret")
	c.SetHook(func(call enginetest.Call) error {
		time.Sleep(100 * time.Millisecond)
		return errors.New("too slow")
	})

	_, err := c.Nodes["A"].Engine.Reconcile(context.Background(), interfaces.FilterFor("c1"))
	assert.ErrorIs(t, err, interfaces.ErrSyncIncomplete)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Shares spread over the quorum count towards coverage even when no single
// node holds enough of them.
func TestCoverageUnionsShardedQuorum(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, testConfig(), "A", "B", "C", "D")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "C", "c1", 2, 1, "two")
	c.Seed(t, "C", "c1", 1, 1, "one")
	c.Seed(t, "A", "c1", 3, 1, "three")
	c.Seed(t, "B", "c2", 4, 1, "other")
	c.SetOffline("D", true)

	cov, err := c.Nodes["A"].Engine.Coverage(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2, 3}, cov.Indices())
	assert.ElementsMatch(t, []interfaces.PeerID{"B", "C"}, cov[1])
	assert.Equal(t, []interfaces.PeerID{"C"}, cov[2])
	assert.Equal(t, []interfaces.PeerID{"A"}, cov[3])

	for _, call := range c.Calls() {
		assert.True(t, call.Page.HeadersOnly)
		assert.Equal(t, interfaces.SyncFilter("c1"), call.Page.Filter)
	}
	// listing moves no key material
	held, err := c.Nodes["A"].Store.HeldIndices(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []uint8{3}, held)

	_, err = c.Nodes["A"].Engine.Coverage(ctx, "bad id")
	assert.Error(t, err)
}

func assignedConfig(total, replicas int) syncengine.Config {
	cfg := testConfig()
	cfg.TotalShares = total
	cfg.Replicas = replicas
	return cfg
}

func TestRepairPullsOnlyAssignedIndices(t *testing.T) {
	ctx := context.Background()
	// with three nodes and one replica A is assigned index 1, B index 2, C index 3
	c := enginetest.NewCluster(t, assignedConfig(3, 1), "A", "B", "C")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "C", "c1", 2, 1, "two")

	report, err := c.Nodes["A"].Engine.Repair(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 1, report.Written)

	held, err := c.Nodes["A"].Store.HeldIndices(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []uint8{1}, held)

	// nothing left to pull
	c.ResetCalls()
	report, err = c.Nodes["A"].Engine.Repair(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Empty(t, c.Calls())
}

func TestRepairConsultsPeersUntilCovered(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, assignedConfig(3, 1), "A", "B", "C")
	c.Seed(t, "B", "c1", 2, 1, "two")
	c.Seed(t, "C", "c1", 1, 1, "one")

	a := c.Nodes["A"]
	require.NoError(t, a.Directory.Heartbeat("B", time.Millisecond, true))
	require.Equal(t, []interfaces.PeerID{"B", "C"}, a.Directory.Rank())

	report, err := a.Engine.Repair(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []interfaces.PeerID{"B", "C"}, report.Peers)
	assert.Equal(t, 1, report.Written)

	held, err := a.Store.HeldIndices(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []uint8{1}, held)
}

func TestRepairShortfallIsIncomplete(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, assignedConfig(3, 1), "A", "B", "C")
	c.Seed(t, "B", "c1", 2, 1, "two")
	c.Seed(t, "C", "c1", 3, 1, "three")

	report, err := c.Nodes["A"].Engine.Repair(ctx, "c1")
	assert.ErrorIs(t, err, interfaces.ErrSyncIncomplete)
	assert.False(t, report.Complete)
	assert.Equal(t, 0, report.Written)

	called := make(map[interfaces.PeerID]bool)
	for _, call := range c.Calls() {
		called[call.To] = true
	}
	assert.Equal(t, map[interfaces.PeerID]bool{"B": true, "C": true}, called)
}
