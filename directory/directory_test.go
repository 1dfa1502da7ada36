package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDirectory(peers ...interfaces.PeerID) (*Directory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := New(DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(clock.Now)
	for _, id := range peers {
		d.Register(interfaces.PeerNode{ID: id, Address: "http://" + string(id)})
	}
	return d, clock
}

func TestRankHealthyBeforeFailing(t *testing.T) {
	for run := 0; run < 5; run++ {
		d, clock := newTestDirectory("b", "a")

		for i := 0; i < 3; i++ {
			require.NoError(t, d.Heartbeat("a", 20*time.Millisecond, true))
			require.NoError(t, d.Heartbeat("b", 20*time.Millisecond, false))
			clock.Advance(time.Second)
		}

		assert.Equal(t, []interfaces.PeerID{"a", "b"}, d.Rank())
		assert.Equal(t, d.Rank(), d.Rank())
	}
}

func TestRankPrefersLowerLatency(t *testing.T) {
	d, _ := newTestDirectory("slow", "fast")

	require.NoError(t, d.Heartbeat("slow", 2*time.Second, true))
	require.NoError(t, d.Heartbeat("fast", 10*time.Millisecond, true))

	assert.Equal(t, []interfaces.PeerID{"fast", "slow"}, d.Rank())
}

func TestRankTieBreaks(t *testing.T) {
	d, _ := newTestDirectory("b", "a", "c")

	// identical fresh scores are ordered by id
	assert.Equal(t, []interfaces.PeerID{"a", "b", "c"}, d.Rank())

	cfg := DefaultConfig()
	cfg.HalfLife = 0
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d2 := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(clock.Now)
	d2.Register(interfaces.PeerNode{ID: "a"})
	d2.Register(interfaces.PeerNode{ID: "c"})

	require.NoError(t, d2.Heartbeat("a", 0, true))
	clock.Advance(time.Second)
	require.NoError(t, d2.Heartbeat("c", 0, true))

	st := d2.Snapshot()
	require.Equal(t, st[0].Score, st[1].Score)
	assert.Equal(t, []interfaces.PeerID{"c", "a"}, d2.Rank())
}

func TestScoreDecaysWithoutHeartbeats(t *testing.T) {
	d, clock := newTestDirectory("a")
	require.NoError(t, d.Heartbeat("a", 0, true))

	before := d.Snapshot()[0].Score
	clock.Advance(DefaultConfig().HalfLife)
	after := d.Snapshot()[0].Score

	assert.InDelta(t, before/2, after, 1e-9)
}

func TestExclusionAndReinstatement(t *testing.T) {
	d, clock := newTestDirectory("a", "b")

	clock.Advance(DefaultConfig().ExclusionWindow / 2)
	require.NoError(t, d.Heartbeat("a", 0, true))
	clock.Advance(DefaultConfig().ExclusionWindow/2 + time.Second)

	assert.Equal(t, []interfaces.PeerID{"a"}, d.Rank())

	// excluded peers are kept
	_, ok := d.Peer("b")
	assert.True(t, ok)
	assert.Len(t, d.Peers(), 2)

	// a later heartbeat does not bring the peer back on its own
	require.NoError(t, d.Heartbeat("b", 0, true))
	assert.Equal(t, []interfaces.PeerID{"a"}, d.Rank())

	require.NoError(t, d.Reinstate("b"))
	assert.ElementsMatch(t, []interfaces.PeerID{"a", "b"}, d.Rank())

	assert.ErrorIs(t, d.Reinstate("zz"), ErrUnknownPeer)
	assert.ErrorIs(t, d.Heartbeat("zz", 0, true), ErrUnknownPeer)
}

func TestRegisterPreservesMetrics(t *testing.T) {
	d, _ := newTestDirectory("a")
	require.NoError(t, d.Heartbeat("a", 0, false))
	d.RecordSynced("a", "c1", 7)

	d.Register(interfaces.PeerNode{ID: "a", Address: "http://a-new"})

	node, ok := d.Peer("a")
	require.True(t, ok)
	assert.Equal(t, "http://a-new", node.Address)
	assert.Equal(t, int32(1), d.Snapshot()[0].Failures)
	assert.Equal(t, uint64(7), d.LastSynced("a", "c1"))
}

func TestRecordSyncedIsMonotonic(t *testing.T) {
	d, _ := newTestDirectory("a")

	d.RecordSynced("a", "*", 5)
	d.RecordSynced("a", "*", 3)
	assert.Equal(t, uint64(5), d.LastSynced("a", "*"))
	d.RecordSynced("a", "*", 9)
	assert.Equal(t, uint64(9), d.LastSynced("a", "*"))
	assert.Zero(t, d.LastSynced("a", "c1"))
	assert.Zero(t, d.LastSynced("zz", "*"))
}

func TestConcurrentHeartbeats(t *testing.T) {
	d, _ := newTestDirectory("a", "b")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = d.Heartbeat("a", time.Millisecond, true)
		}()
		go func() {
			defer wg.Done()
			_ = d.Rank()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), d.Snapshot()[0].Failures)
}

func TestConcurrentHeartbeatsKeepScoreAndTimestampTogether(t *testing.T) {
	d, clock := newTestDirectory("a")
	clock.Advance(time.Minute)

	const beats = 64
	var wg sync.WaitGroup
	for i := 0; i < beats; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Heartbeat("a", 0, true))
		}()
	}
	wg.Wait()

	s, ok := d.state("a")
	require.True(t, ok)
	current := s.score.Load()

	// Every heartbeat is folded exactly once: the first one decays the
	// registration score by a minute, the rest see no elapsed time.
	cfg := DefaultConfig()
	expected := cfg.InitialScore * math.Pow(0.5, float64(time.Minute)/float64(cfg.HalfLife))
	for i := 0; i < beats; i++ {
		expected = cfg.Alpha + (1-cfg.Alpha)*expected
	}
	assert.InDelta(t, expected, current.value, 1e-9)
	assert.Equal(t, clock.Now(), current.at)
}

func TestHeartbeatNeverMovesScoreTimestampBackwards(t *testing.T) {
	d, clock := newTestDirectory("a")
	start := clock.Now()
	d.WithClock(func() time.Time { return start.Add(-time.Minute) })

	require.NoError(t, d.Heartbeat("a", 0, true))
	s, _ := d.state("a")
	assert.Equal(t, start, s.score.Load().at)
}

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context, peer interfaces.PeerNode) error {
	args := m.Called(ctx, peer.ID)
	return args.Error(0)
}

func TestProberFeedsHeartbeats(t *testing.T) {
	d, _ := newTestDirectory("up", "down")

	pinger := new(MockPinger)
	pinger.On("Ping", mock.Anything, interfaces.PeerID("up")).Return(nil)
	pinger.On("Ping", mock.Anything, interfaces.PeerID("down")).Return(errors.New("connection refused"))

	prober := NewProber(d, pinger, time.Minute, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	prober.ProbeOnce(context.Background())

	pinger.AssertExpectations(t)
	assert.Equal(t, []interfaces.PeerID{"up", "down"}, d.Rank())

	statuses := d.Snapshot()
	assert.Equal(t, int32(1), statuses[0].Failures) // down
	assert.Equal(t, int32(0), statuses[1].Failures) // up
}
