package directory

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/metrics"
	"go.uber.org/atomic"
)

var ErrUnknownPeer = errors.New("unknown peer")

type Config struct {
	// Alpha is the EWMA weight given to each new heartbeat sample.
	Alpha float64
	// InitialScore is assigned to newly registered and reinstated peers.
	InitialScore float64
	// LatencyReference is the latency at which a successful sample scores 0.5.
	LatencyReference time.Duration
	// HalfLife is the time after which an unrefreshed score halves.
	HalfLife time.Duration
	// ExclusionWindow is how long a peer may go without a successful
	// heartbeat before it is excluded from Rank.
	ExclusionWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Alpha:            0.3,
		InitialScore:     0.5,
		LatencyReference: 200 * time.Millisecond,
		HalfLife:         5 * time.Minute,
		ExclusionWindow:  10 * time.Minute,
	}
}

// peerState holds the rolling metric of one peer. Every field is updated
// atomically so heartbeats never contend on the directory lock.
type peerState struct {
	node interfaces.PeerNode

	score         atomic.Pointer[scoreSample]
	failures      atomic.Int32
	lastSuccess   atomic.Time
	lastAlive     atomic.Time
	lastLatency   atomic.Duration
	excluded      atomic.Bool
	syncedVersion sync.Map // interfaces.SyncFilter -> uint64
}

// scoreSample is swapped as a unit so a score is never decayed from the
// timestamp of another update.
type scoreSample struct {
	value float64
	at    time.Time
}

// Directory tracks quorum members and ranks them by reliability.
type Directory struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.NodeMetrics
	now     interfaces.Clock

	mu    sync.RWMutex
	peers map[interfaces.PeerID]*peerState
}

func New(cfg Config, log *slog.Logger) *Directory {
	return &Directory{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		peers: make(map[interfaces.PeerID]*peerState),
	}
}

func (d *Directory) WithMetrics(m *metrics.NodeMetrics) *Directory {
	d.metrics = m
	return d
}

func (d *Directory) WithClock(now interfaces.Clock) *Directory {
	d.now = now
	return d
}

// Register adds a peer or updates the descriptor of a known one. Metrics of
// a known peer are preserved.
func (d *Directory) Register(node interfaces.PeerNode) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.peers[node.ID]; ok {
		replacement := &peerState{node: node}
		replacement.score.Store(existing.score.Load())
		replacement.failures.Store(existing.failures.Load())
		replacement.lastSuccess.Store(existing.lastSuccess.Load())
		replacement.lastAlive.Store(existing.lastAlive.Load())
		replacement.lastLatency.Store(existing.lastLatency.Load())
		replacement.excluded.Store(existing.excluded.Load())
		existing.syncedVersion.Range(func(k, v any) bool {
			replacement.syncedVersion.Store(k, v)
			return true
		})
		d.peers[node.ID] = replacement
		d.log.Info("Updated peer", slog.String("peer", string(node.ID)), slog.String("address", node.Address))
		return
	}

	now := d.now()
	state := &peerState{node: node}
	state.score.Store(&scoreSample{value: d.cfg.InitialScore, at: now})
	state.lastAlive.Store(now)
	d.peers[node.ID] = state
	d.log.Info("Registered peer", slog.String("peer", string(node.ID)), slog.String("address", node.Address))
}

func (d *Directory) state(id interfaces.PeerID) (*peerState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.peers[id]
	return s, ok
}

// Heartbeat folds an observation into the peer's rolling metric.
func (d *Directory) Heartbeat(id interfaces.PeerID, latency time.Duration, success bool) error {
	s, ok := d.state(id)
	if !ok {
		return ErrUnknownPeer
	}
	now := d.now()

	sample := 0.0
	if success {
		sample = 1 / (1 + float64(latency)/float64(d.cfg.LatencyReference))
	}

	var updated *scoreSample
	for {
		old := s.score.Load()
		decayed := d.decay(old.value, old.at, now)
		updated = &scoreSample{value: d.cfg.Alpha*sample + (1-d.cfg.Alpha)*decayed, at: laterOf(old.at, now)}
		if s.score.CompareAndSwap(old, updated) {
			break
		}
	}

	s.lastLatency.Store(latency)
	if success {
		s.failures.Store(0)
		s.lastSuccess.Store(now)
		s.lastAlive.Store(now)
	} else {
		s.failures.Inc()
	}

	d.metrics.ObservePeer(string(id), updated.value, float64(latency.Milliseconds()))
	return nil
}

func (d *Directory) decay(score float64, updated, now time.Time) float64 {
	if d.cfg.HalfLife <= 0 || !now.After(updated) {
		return score
	}
	return score * math.Pow(0.5, float64(now.Sub(updated))/float64(d.cfg.HalfLife))
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// effectiveScore is the decayed score divided by the number of consecutive failures.
func (d *Directory) effectiveScore(s *peerState, now time.Time) float64 {
	current := s.score.Load()
	decayed := d.decay(current.value, current.at, now)
	return decayed / float64(1+s.failures.Load())
}

// Rank orders eligible peers by descending effective score, breaking ties by
// most recent success and then by id. Peers absent for longer than the
// exclusion window are marked excluded and omitted until reinstated.
func (d *Directory) Rank() []interfaces.PeerID {
	now := d.now()

	type candidate struct {
		id          interfaces.PeerID
		score       float64
		lastSuccess time.Time
	}

	d.mu.RLock()
	candidates := make([]candidate, 0, len(d.peers))
	for id, s := range d.peers {
		if s.excluded.Load() {
			continue
		}
		if d.cfg.ExclusionWindow > 0 && now.Sub(s.lastAlive.Load()) > d.cfg.ExclusionWindow {
			if s.excluded.CompareAndSwap(false, true) {
				d.log.Warn("Excluding absent peer",
					slog.String("peer", string(id)),
					slog.Time("last_alive", s.lastAlive.Load()))
			}
			continue
		}
		candidates = append(candidates, candidate{id: id, score: d.effectiveScore(s, now), lastSuccess: s.lastSuccess.Load()})
	}
	d.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.lastSuccess.Equal(b.lastSuccess) {
			return a.lastSuccess.After(b.lastSuccess)
		}
		return a.id < b.id
	})

	ranked := make([]interfaces.PeerID, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.id
	}
	return ranked
}

// Reinstate returns an excluded peer to the ranking with a fresh metric.
func (d *Directory) Reinstate(id interfaces.PeerID) error {
	s, ok := d.state(id)
	if !ok {
		return ErrUnknownPeer
	}
	now := d.now()
	s.failures.Store(0)
	s.lastAlive.Store(now)
	for {
		old := s.score.Load()
		fresh := &scoreSample{value: math.Max(d.cfg.InitialScore, d.decay(old.value, old.at, now)), at: now}
		if s.score.CompareAndSwap(old, fresh) {
			break
		}
	}
	s.excluded.Store(false)
	d.log.Info("Reinstated peer", slog.String("peer", string(id)))
	return nil
}

// Peer returns the descriptor of a known peer.
func (d *Directory) Peer(id interfaces.PeerID) (interfaces.PeerNode, bool) {
	s, ok := d.state(id)
	if !ok {
		return interfaces.PeerNode{}, false
	}
	return s.node, true
}

// Peers returns every known peer, including excluded ones, ordered by id.
func (d *Directory) Peers() []interfaces.PeerNode {
	d.mu.RLock()
	nodes := make([]interfaces.PeerNode, 0, len(d.peers))
	for _, s := range d.peers {
		nodes = append(nodes, s.node)
	}
	d.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// RecordSynced remembers the highest version obtained from a peer for a filter.
func (d *Directory) RecordSynced(id interfaces.PeerID, filter interfaces.SyncFilter, version uint64) {
	s, ok := d.state(id)
	if !ok {
		return
	}
	for {
		current, loaded := s.syncedVersion.LoadOrStore(filter, version)
		if !loaded || current.(uint64) >= version {
			return
		}
		if s.syncedVersion.CompareAndSwap(filter, current, version) {
			return
		}
	}
}

// LastSynced returns the version recorded by RecordSynced, or 0.
func (d *Directory) LastSynced(id interfaces.PeerID, filter interfaces.SyncFilter) uint64 {
	s, ok := d.state(id)
	if !ok {
		return 0
	}
	v, ok := s.syncedVersion.Load(filter)
	if !ok {
		return 0
	}
	return v.(uint64)
}
