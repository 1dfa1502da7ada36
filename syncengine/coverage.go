package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/threshold"
	"golang.org/x/sync/errgroup"
)

var errLocalStore = errors.New("local store failure")

// Coverage maps each share index known to exist for a capsule to the nodes
// holding it. The local node is listed under its own id.
type Coverage map[uint8][]interfaces.PeerID

func (c Coverage) add(index uint8, node interfaces.PeerID) {
	for _, n := range c[index] {
		if n == node {
			return
		}
	}
	c[index] = append(c[index], node)
}

// Indices returns the distinct share indices in ascending order.
func (c Coverage) Indices() []uint8 {
	out := make([]uint8, 0, len(c))
	for idx := range c {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Coverage collects the share indices held for a capsule across the quorum:
// the local store plus a header-only listing from every ranked peer. Peers
// that cannot answer are left out, so the result is a lower bound. Only a
// local store failure is returned.
func (e *Engine) Coverage(ctx context.Context, id interfaces.CapsuleID) (Coverage, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capsule id: %w", err)
	}
	held, err := e.store.HeldIndices(ctx, id)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("reading local shares of %s: %w", id, err)
	}

	cov := make(Coverage)
	for _, idx := range held {
		cov.add(idx, e.nodeID)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.cfg.CoverageWorkers)
	for _, peerID := range e.dir.Rank() {
		peer, ok := e.dir.Peer(peerID)
		if !ok {
			continue
		}
		g.Go(func() error {
			indices, err := e.peerIndices(ctx, peer, id)
			if err != nil {
				e.log.Info("Peer left out of coverage",
					slog.String("capsule_id", string(id)),
					slog.String("peer", string(peer.ID)),
					"err", err)
				return nil
			}
			mu.Lock()
			for _, idx := range indices {
				cov.add(idx, peer.ID)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return cov, nil
}

// peerIndices lists the share indices a peer holds for a capsule.
func (e *Engine) peerIndices(ctx context.Context, peer interfaces.PeerNode, id interfaces.CapsuleID) ([]uint8, error) {
	req := interfaces.SyncPage{Filter: interfaces.FilterFor(id), PageSize: e.cfg.PageSize, HeadersOnly: true}

	var indices []uint8
	for pages := 0; pages < e.cfg.MaxPages; pages++ {
		var resp *interfaces.SyncPageResponse
		err := e.sched.Try(ctx, peer, func(ctx context.Context, peer interfaces.PeerNode) error {
			r, err := e.transport.FetchPage(ctx, peer, req)
			if err == nil {
				err = checkResponse(peer, req, r)
			}
			resp = r
			return err
		})
		if err != nil {
			e.metrics.SyncPage(string(peer.ID), "error")
			return nil, err
		}
		e.metrics.SyncPage(string(peer.ID), "ok")

		for _, ws := range resp.Shares {
			if ws.ShareHeader.Validate() == nil {
				indices = append(indices, ws.Index)
			}
		}
		advance := resp.Advance()
		if advance < req.PageSize {
			return indices, nil
		}
		req.Offset += advance
	}
	return nil, fmt.Errorf("%w: page cap of %d reached", errProtocol, e.cfg.MaxPages)
}

// Repair pulls the shares of a capsule that this node should hold and does
// not. Ranked peers are consulted one at a time, each paged through the
// capsule's filter with only the wanted indices committed, until every
// wanted index is held or every peer has been tried. A shortfall is
// returned wrapping ErrSyncIncomplete.
func (e *Engine) Repair(ctx context.Context, id interfaces.CapsuleID) (Report, error) {
	filter := interfaces.FilterFor(id)
	report := Report{Filter: filter}
	if err := id.Validate(); err != nil {
		return report, fmt.Errorf("invalid capsule id: %w", err)
	}
	log := e.log.With(slog.String("capsule_id", string(id)))

	wanted, err := e.wanted(ctx, id)
	if err != nil {
		return e.finish(log, report, fmt.Errorf("%w: %w", interfaces.ErrSyncIncomplete, err))
	}
	if len(wanted) == 0 {
		report.Complete = true
		return report, nil
	}
	log.Debug("Starting repair", slog.Any("wanted", indexList(wanted)))

	var lastErr error
	tried := 0
	for _, peerID := range e.dir.Rank() {
		if len(wanted) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		peer, ok := e.dir.Peer(peerID)
		if !ok {
			continue
		}
		tried++

		stats, pages, err := e.pullFrom(ctx, peer, filter, wanted)
		report.add(stats)
		report.Pages += pages
		if pages > 0 {
			report.Peers = appendPeer(report.Peers, peer.ID)
		}
		if stats.MaxVersion > 0 {
			e.dir.RecordSynced(peer.ID, filter, stats.MaxVersion)
		}
		if errors.Is(err, errLocalStore) {
			return e.finish(log, report, fmt.Errorf("%w: %w", interfaces.ErrSyncIncomplete, err))
		}
		if err != nil {
			log.Info("Repair source failed", slog.String("peer", string(peer.ID)), "err", err)
			lastErr = err
		}

		if err := e.dropHeld(ctx, id, wanted); err != nil {
			return e.finish(log, report, fmt.Errorf("%w: %w", interfaces.ErrSyncIncomplete, err))
		}
	}

	if len(wanted) > 0 {
		err := fmt.Errorf("%w: indices %v not recovered after consulting %d peers", interfaces.ErrSyncIncomplete, indexList(wanted), tried)
		if lastErr != nil {
			err = fmt.Errorf("%w (last error: %w)", err, lastErr)
		}
		return e.finish(log, report, err)
	}
	report.Complete = true
	return e.finish(log, report, nil)
}

// wanted returns the indices this node should hold for the capsule but does not.
func (e *Engine) wanted(ctx context.Context, id interfaces.CapsuleID) (map[uint8]struct{}, error) {
	wanted := make(map[uint8]struct{})
	if e.cfg.TotalShares > 0 {
		members := []interfaces.PeerID{e.nodeID}
		for _, peer := range e.dir.Peers() {
			members = append(members, peer.ID)
		}
		assigned, err := threshold.IndicesFor(e.nodeID, members, e.cfg.TotalShares, min(e.cfg.Replicas, len(members)))
		if err != nil {
			return nil, err
		}
		for _, idx := range assigned {
			wanted[idx] = struct{}{}
		}
	} else {
		cov, err := e.Coverage(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, idx := range cov.Indices() {
			wanted[idx] = struct{}{}
		}
	}
	return wanted, e.dropHeld(ctx, id, wanted)
}

func (e *Engine) dropHeld(ctx context.Context, id interfaces.CapsuleID, wanted map[uint8]struct{}) error {
	held, err := e.store.HeldIndices(ctx, id)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("%w: %w", errLocalStore, err)
	}
	for _, idx := range held {
		delete(wanted, idx)
	}
	return nil
}

// pullFrom pages one peer through filter, committing only wanted indices.
func (e *Engine) pullFrom(ctx context.Context, peer interfaces.PeerNode, filter interfaces.SyncFilter, wanted map[uint8]struct{}) (PageStats, int, error) {
	var stats PageStats
	req := interfaces.SyncPage{Filter: filter, PageSize: e.cfg.PageSize}

	for pages := 0; ; pages++ {
		if pages >= e.cfg.MaxPages {
			return stats, pages, fmt.Errorf("%w: page cap of %d reached", errProtocol, e.cfg.MaxPages)
		}

		var resp *interfaces.SyncPageResponse
		err := e.sched.Try(ctx, peer, func(ctx context.Context, peer interfaces.PeerNode) error {
			r, err := e.fetch(ctx, peer, req)
			resp = r
			return err
		})
		if err != nil {
			return stats, pages, err
		}

		advance := resp.Advance()
		page := *resp
		page.Shares = make([]interfaces.WireShare, 0, len(resp.Shares))
		for _, ws := range resp.Shares {
			if _, ok := wanted[ws.Index]; ok {
				page.Shares = append(page.Shares, ws)
			}
		}

		s, err := e.ApplyPage(ctx, &page)
		stats.add(s)
		if err != nil {
			return stats, pages + 1, fmt.Errorf("%w: %w", errLocalStore, err)
		}
		if advance < req.PageSize {
			return stats, pages + 1, nil
		}
		req.Offset += advance
	}
}

func indexList(set map[uint8]struct{}) []int {
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, int(idx))
	}
	sort.Ints(out)
	return out
}
