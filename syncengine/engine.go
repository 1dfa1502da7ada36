package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/directory"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/metrics"
	"github.com/ruteri/tee-keyshare-quorum/scheduler"
	"golang.org/x/sync/singleflight"
)

var errProtocol = errors.New("peer protocol violation")

type Config struct {
	// PageSize is the number of shares requested per page.
	PageSize int
	// MaxPages caps a single session against a misbehaving peer.
	MaxPages int
	// QueueSize bounds the repair queue.
	QueueSize int
	// Workers is the number of concurrent repair workers.
	Workers int
	// RepairTimeout bounds a single repair session.
	RepairTimeout time.Duration
	// SessionTimeout bounds a reconciliation session. A session is shared
	// by every caller waiting on its filter and outlives the one that
	// started it.
	SessionTimeout time.Duration
	// TotalShares and Replicas describe how the shares of a capsule are
	// placed on the quorum, see threshold.Assign. Repair only pulls the
	// indices placed on this node; with TotalShares 0 it pulls every index
	// some peer reports.
	TotalShares int
	Replicas    int
	// CoverageWorkers bounds the peers asked concurrently for a coverage query.
	CoverageWorkers int
}

func DefaultConfig() Config {
	return Config{
		PageSize:      100,
		MaxPages:      10_000,
		QueueSize:     1024,
		Workers:       2,
		RepairTimeout:   2 * time.Minute,
		SessionTimeout:  2 * time.Minute,
		Replicas:        1,
		CoverageWorkers: 4,
	}
}

// Report summarises one reconciliation session. It is valid even when the
// session ended with an error.
type Report struct {
	Filter    interfaces.SyncFilter `json:"filter"`
	Watermark uint64                `json:"watermark"`
	Pages     int                   `json:"pages"`
	PageStats
	Peers    []interfaces.PeerID `json:"peers"`
	Complete bool                `json:"complete"`
}

// PageStats counts what happened to the shares of one or more pages.
type PageStats struct {
	Received int `json:"received"`
	Written  int `json:"written"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
	// MaxVersion is the highest version seen in an accepted share.
	MaxVersion uint64 `json:"max_version"`
}

func (s *PageStats) add(o PageStats) {
	s.Received += o.Received
	s.Written += o.Written
	s.Skipped += o.Skipped
	s.Rejected += o.Rejected
	s.MaxVersion = max(s.MaxVersion, o.MaxVersion)
}

type sessionKey struct {
	peer   interfaces.PeerID
	filter interfaces.SyncFilter
}

// Engine reconciles the local share store with the inventories of quorum
// peers using bounded, offset-addressed pages.
type Engine struct {
	nodeID    interfaces.PeerID
	key       interfaces.NodePrivkey
	store     interfaces.ShareStore
	dir       *directory.Directory
	sched     *scheduler.Scheduler
	transport interfaces.PeerTransport
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.NodeMetrics

	group singleflight.Group

	activeMu sync.Mutex
	active   map[sessionKey]struct{}

	repairs *repairQueue
}

func New(
	nodeID interfaces.PeerID,
	key interfaces.NodePrivkey,
	store interfaces.ShareStore,
	dir *directory.Directory,
	sched *scheduler.Scheduler,
	transport interfaces.PeerTransport,
	cfg Config,
	log *slog.Logger,
) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultConfig().MaxPages
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultConfig().SessionTimeout
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.CoverageWorkers < 1 {
		cfg.CoverageWorkers = DefaultConfig().CoverageWorkers
	}
	return &Engine{
		nodeID:    nodeID,
		key:       key,
		store:     store,
		dir:       dir,
		sched:     sched,
		transport: transport,
		cfg:       cfg,
		log:       log,
		active:    make(map[sessionKey]struct{}),
		repairs:   newRepairQueue(cfg.QueueSize),
	}
}

func (e *Engine) WithMetrics(m *metrics.NodeMetrics) *Engine {
	e.metrics = m
	return e
}

// Reconcile pulls every share matching filter from the quorum. Pages are
// fetched in order, each from the best ranked peer that answers; a failed
// page is retried against the next peer at the same offset and committed
// pages are never requested again. Concurrent calls for the same filter
// share one session, which runs detached from the callers under
// SessionTimeout; a caller whose context ends stops waiting without
// cancelling the session for the others.
//
// If the session cannot finish, the returned error wraps
// ErrSyncIncomplete and the report describes what was committed.
func (e *Engine) Reconcile(ctx context.Context, filter interfaces.SyncFilter) (Report, error) {
	if err := filter.Validate(); err != nil {
		return Report{}, fmt.Errorf("invalid filter: %w", err)
	}

	ch := e.group.DoChan(string(filter), func() (any, error) {
		sessionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SessionTimeout)
		defer cancel()
		return e.reconcile(sessionCtx, filter)
	})
	select {
	case <-ctx.Done():
		return Report{Filter: filter}, fmt.Errorf("%w: %w", interfaces.ErrSyncIncomplete, ctx.Err())
	case res := <-ch:
		report, _ := res.Val.(Report)
		return report, res.Err
	}
}

func (e *Engine) reconcile(ctx context.Context, filter interfaces.SyncFilter) (Report, error) {
	report := Report{Filter: filter}

	watermark, err := e.store.Watermark(ctx, filter)
	if err != nil {
		return report, fmt.Errorf("%w: reading watermark: %w", interfaces.ErrSyncIncomplete, err)
	}
	report.Watermark = watermark

	log := e.log.With(slog.String("filter", string(filter)))
	log.Debug("Starting sync session", slog.Uint64("watermark", watermark))

	offset := 0
	for {
		if report.Pages >= e.cfg.MaxPages {
			return e.finish(log, report, fmt.Errorf("%w: page cap of %d reached", interfaces.ErrSyncIncomplete, e.cfg.MaxPages))
		}

		req := interfaces.SyncPage{Filter: filter, PageSize: e.cfg.PageSize, Offset: offset}
		var resp *interfaces.SyncPageResponse
		peer, err := e.sched.Do(ctx, filter.CapsuleID(), func(ctx context.Context, peer interfaces.PeerNode) error {
			r, err := e.fetch(ctx, peer, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			return e.finish(log, report, fmt.Errorf("%w: page at offset %d: %w", interfaces.ErrSyncIncomplete, offset, err))
		}

		stats, err := e.ApplyPage(ctx, resp)
		report.add(stats)
		if err != nil {
			return e.finish(log, report, fmt.Errorf("%w: applying page at offset %d: %w", interfaces.ErrSyncIncomplete, offset, err))
		}

		report.Pages++
		report.Peers = appendPeer(report.Peers, peer)
		if stats.MaxVersion > 0 {
			e.dir.RecordSynced(peer, filter, stats.MaxVersion)
		}

		advance := resp.Advance()
		if advance < e.cfg.PageSize {
			report.Complete = true
			return e.finish(log, report, nil)
		}
		offset += advance
	}
}

func (e *Engine) finish(log *slog.Logger, report Report, err error) (Report, error) {
	if err != nil {
		e.metrics.SyncSession("incomplete")
		log.Warn("Sync session incomplete",
			slog.Int("pages", report.Pages),
			slog.Int("written", report.Written),
			"err", err)
		return report, err
	}
	e.metrics.SyncSession("complete")
	log.Info("Sync session complete",
		slog.Int("pages", report.Pages),
		slog.Int("received", report.Received),
		slog.Int("written", report.Written),
		slog.Int("rejected", report.Rejected))
	return report, nil
}

// fetch requests one page from a peer while holding the (peer, filter) session slot.
func (e *Engine) fetch(ctx context.Context, peer interfaces.PeerNode, req interfaces.SyncPage) (*interfaces.SyncPageResponse, error) {
	release, err := e.acquire(peer.ID, req.Filter)
	if err != nil {
		e.metrics.SyncPage(string(peer.ID), "busy")
		return nil, err
	}
	defer release()

	resp, err := e.transport.FetchPage(ctx, peer, req)
	if err == nil {
		err = checkResponse(peer, req, resp)
	}
	if err != nil {
		e.metrics.SyncPage(string(peer.ID), "error")
		return nil, err
	}
	e.metrics.SyncPage(string(peer.ID), "ok")
	return resp, nil
}

func (e *Engine) acquire(peer interfaces.PeerID, filter interfaces.SyncFilter) (func(), error) {
	key := sessionKey{peer: peer, filter: filter}

	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, busy := e.active[key]; busy {
		return nil, fmt.Errorf("%w: %s/%s", interfaces.ErrPeerBusy, peer, filter)
	}
	e.active[key] = struct{}{}
	return func() {
		e.activeMu.Lock()
		delete(e.active, key)
		e.activeMu.Unlock()
	}, nil
}

func checkResponse(peer interfaces.PeerNode, req interfaces.SyncPage, resp *interfaces.SyncPageResponse) error {
	switch {
	case resp == nil:
		return fmt.Errorf("%w: empty response", errProtocol)
	case resp.NodeID != peer.ID:
		return fmt.Errorf("%w: response from %q, expected %q", errProtocol, resp.NodeID, peer.ID)
	case resp.Filter != req.Filter || resp.Offset != req.Offset:
		return fmt.Errorf("%w: response for %s@%d does not match request %s@%d", errProtocol, resp.Filter, resp.Offset, req.Filter, req.Offset)
	case len(resp.Shares) > req.PageSize:
		return fmt.Errorf("%w: %d shares exceed page size %d", errProtocol, len(resp.Shares), req.PageSize)
	case resp.Scanned > req.PageSize:
		return fmt.Errorf("%w: %d scanned records exceed page size %d", errProtocol, resp.Scanned, req.PageSize)
	case resp.Scanned > 0 && resp.Scanned < len(resp.Shares):
		return fmt.Errorf("%w: %d shares from %d scanned records", errProtocol, len(resp.Shares), resp.Scanned)
	}
	if !req.Filter.IsWildcard() {
		for _, ws := range resp.Shares {
			if ws.CapsuleID != req.Filter.CapsuleID() {
				return fmt.Errorf("%w: share for %s outside filter %s", errProtocol, ws.CapsuleID, req.Filter)
			}
		}
	}
	return nil
}

// ApplyPage commits the shares of a page. Shares already held at the same
// or a newer version are skipped without decrypting them, so replaying a
// page writes nothing. Shares that fail to decrypt or conflict with a held
// tag are counted as rejected. Only local storage failures are returned.
func (e *Engine) ApplyPage(ctx context.Context, resp *interfaces.SyncPageResponse) (PageStats, error) {
	var stats PageStats
	for _, ws := range resp.Shares {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Received++

		log := e.log.With(
			slog.String("capsule_id", string(ws.CapsuleID)),
			slog.Int("index", int(ws.Index)),
			slog.String("peer", string(resp.NodeID)))

		if err := ws.ShareHeader.Validate(); err != nil {
			log.Warn("Rejecting malformed share", "err", err)
			stats.Rejected++
			continue
		}

		existing, err := e.store.GetIndex(ctx, ws.CapsuleID, ws.Index)
		switch {
		case err == nil && existing.Tag == ws.Tag && existing.Version >= ws.Version:
			stats.Skipped++
			stats.MaxVersion = max(stats.MaxVersion, ws.Version)
			continue
		case err != nil && !errors.Is(err, interfaces.ErrNotFound):
			return stats, err
		}

		payload, err := cryptoutils.UnwrapForNode(e.key, ws.Wrapped, ws.WireAAD(e.nodeID))
		if err != nil {
			log.Warn("Could not unwrap share", "err", err)
			stats.Rejected++
			continue
		}

		m := interfaces.ShareMaterial{ShareHeader: ws.ShareHeader, Payload: payload}
		res, err := e.store.Put(ctx, m)
		m.Wipe()

		switch {
		case errors.Is(err, interfaces.ErrIntegrityMismatch):
			stats.Rejected++
		case errors.Is(err, interfaces.ErrAlreadySealed):
			stats.Skipped++
			stats.MaxVersion = max(stats.MaxVersion, ws.Version)
		case err != nil:
			return stats, err
		case res.Written:
			stats.Written++
			stats.MaxVersion = max(stats.MaxVersion, ws.Version)
		default:
			stats.Skipped++
			stats.MaxVersion = max(stats.MaxVersion, ws.Version)
		}
	}
	return stats, nil
}

// ServePage answers a peer's page request. Payloads are unsealed inside the
// node and wrapped to the requester's registered public key. A stored share
// that fails to unseal is left out of the page and counted as an integrity
// mismatch; Scanned still covers it so the requester pages past it.
// Header-only pages carry no payloads.
func (e *Engine) ServePage(ctx context.Context, requester interfaces.PeerID, page interfaces.SyncPage) (*interfaces.SyncPageResponse, error) {
	peer, ok := e.dir.Peer(requester)
	if !ok || len(peer.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: unknown peer %q", interfaces.ErrUnauthorized, requester)
	}

	shares, err := e.store.Page(ctx, page)
	if err != nil {
		return nil, err
	}

	resp := &interfaces.SyncPageResponse{
		NodeID:  e.nodeID,
		Filter:  page.Filter,
		Offset:  page.Offset,
		Shares:  make([]interfaces.WireShare, 0, len(shares)),
		Scanned: len(shares),
	}
	for _, ks := range shares {
		if page.HeadersOnly {
			resp.Shares = append(resp.Shares, interfaces.WireShare{ShareHeader: ks.ShareHeader})
			continue
		}
		m, err := e.store.Unseal(ks)
		if err != nil {
			e.metrics.IntegrityMismatch()
			e.log.Error("Withholding stored share that failed to unseal",
				slog.String("capsule_id", string(ks.CapsuleID)),
				slog.Int("index", int(ks.Index)),
				slog.String("peer", string(requester)),
				"err", err)
			continue
		}
		wrapped, err := cryptoutils.WrapForNode(peer.PublicKey, m.Payload, ks.WireAAD(requester))
		m.Wipe()
		if err != nil {
			return nil, fmt.Errorf("wrapping share for %s: %w", requester, err)
		}
		resp.Shares = append(resp.Shares, interfaces.WireShare{ShareHeader: ks.ShareHeader, Wrapped: wrapped})
	}
	return resp, nil
}

func appendPeer(peers []interfaces.PeerID, id interfaces.PeerID) []interfaces.PeerID {
	for _, p := range peers {
		if p == id {
			return peers
		}
	}
	return append(peers, id)
}
