package directory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// PeerStatus is a point-in-time view of a peer and its metric.
type PeerStatus struct {
	interfaces.PeerNode
	Score       float64       `json:"score"`
	Failures    int32         `json:"consecutive_failures"`
	LastSuccess time.Time     `json:"last_success"`
	LastLatency time.Duration `json:"last_latency"`
	Excluded    bool          `json:"excluded"`
}

// Snapshot returns the status of every known peer ordered by id.
func (d *Directory) Snapshot() []PeerStatus {
	now := d.now()

	d.mu.RLock()
	out := make([]PeerStatus, 0, len(d.peers))
	for _, s := range d.peers {
		out = append(out, PeerStatus{
			PeerNode:    s.node,
			Score:       d.effectiveScore(s, now),
			Failures:    s.failures.Load(),
			LastSuccess: s.lastSuccess.Load(),
			LastLatency: s.lastLatency.Load(),
			Excluded:    s.excluded.Load(),
		})
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pinger checks liveness of a peer.
type Pinger interface {
	Ping(ctx context.Context, peer interfaces.PeerNode) error
}

// Prober periodically pings every non-excluded peer and feeds the results
// into the directory as heartbeats.
type Prober struct {
	dir      *Directory
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewProber(dir *Directory, pinger Pinger, interval, timeout time.Duration, log *slog.Logger) *Prober {
	return &Prober{dir: dir, pinger: pinger, interval: interval, timeout: timeout, log: log}
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeOnce pings all eligible peers concurrently and waits for the results.
func (p *Prober) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, status := range p.dir.Snapshot() {
		if status.Excluded {
			continue
		}
		wg.Add(1)
		go func(node interfaces.PeerNode) {
			defer wg.Done()

			pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			start := p.dir.now()
			err := p.pinger.Ping(pingCtx, node)
			latency := p.dir.now().Sub(start)
			if err != nil {
				p.log.Debug("Peer ping failed", slog.String("peer", string(node.ID)), "err", err)
			}
			_ = p.dir.Heartbeat(node.ID, latency, err == nil)
		}(status.PeerNode)
	}
	wg.Wait()
}
