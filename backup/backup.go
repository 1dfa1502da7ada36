// Package backup exports sealed share snapshots and audit gap reports to
// content-addressed storage, and restores snapshots into the share store.
//
// Snapshots carry shares only in sealed form. They can be restored on the
// node that sealed them, or on a node sharing its sealing identity; any other
// node fails to unseal and counts the shares as rejected.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// SnapshotVersion is the format version written into snapshots.
const SnapshotVersion = 1

// Store is the part of the share store a backup reads and restores.
type Store interface {
	interfaces.ShareStore
	Export(ctx context.Context, fn func(interfaces.KeyShare) error) error
	ListCapsules(ctx context.Context, fn func(interfaces.Capsule) error) error
	RegisterCapsule(ctx context.Context, id interfaces.CapsuleID, mediaRef string) (interfaces.Capsule, error)
	SetCapsuleState(ctx context.Context, id interfaces.CapsuleID, state interfaces.CapsuleState) (interfaces.Capsule, error)
}

// Snapshot is the stored form of a node's shares and capsule records.
type Snapshot struct {
	Version   int                   `json:"version"`
	NodeID    interfaces.PeerID     `json:"node_id"`
	CreatedAt time.Time             `json:"created_at"`
	Capsules  []interfaces.Capsule  `json:"capsules"`
	Shares    []interfaces.KeyShare `json:"shares"`
}

// GapReport is the stored form of the persistent gaps of one audit cycle.
type GapReport struct {
	NodeID      interfaces.PeerID `json:"node_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Gaps        []interfaces.Gap  `json:"gaps"`
}

// Result summarises an export.
type Result struct {
	ContentID interfaces.ContentID `json:"content_id"`
	Shares    int                  `json:"shares"`
	Capsules  int                  `json:"capsules"`
	CreatedAt time.Time            `json:"created_at"`
}

// RestoreReport summarises a restore.
type RestoreReport struct {
	Capsules int `json:"capsules"`
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}

type Exporter struct {
	nodeID  interfaces.PeerID
	store   Store
	backend interfaces.StorageBackend
	log     *slog.Logger
	now     interfaces.Clock
}

func NewExporter(nodeID interfaces.PeerID, store Store, backend interfaces.StorageBackend, log *slog.Logger) *Exporter {
	return &Exporter{nodeID: nodeID, store: store, backend: backend, log: log, now: time.Now}
}

func (e *Exporter) WithClock(now interfaces.Clock) *Exporter {
	e.now = now
	return e
}

// Export writes a snapshot of every sealed share and capsule record.
func (e *Exporter) Export(ctx context.Context) (Result, error) {
	snapshot := Snapshot{
		Version:   SnapshotVersion,
		NodeID:    e.nodeID,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.ListCapsules(ctx, func(c interfaces.Capsule) error {
		snapshot.Capsules = append(snapshot.Capsules, c)
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("listing capsules: %w", err)
	}
	if err := e.store.Export(ctx, func(ks interfaces.KeyShare) error {
		snapshot.Shares = append(snapshot.Shares, ks)
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("exporting shares: %w", err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return Result{}, err
	}
	id, err := e.backend.Store(ctx, data, interfaces.SnapshotType)
	if err != nil {
		return Result{}, fmt.Errorf("storing snapshot: %w", err)
	}

	e.log.Info("Exported snapshot",
		slog.String("content_id", id.String()),
		slog.String("backend", e.backend.Name()),
		slog.Int("shares", len(snapshot.Shares)),
		slog.Int("capsules", len(snapshot.Capsules)))
	return Result{
		ContentID: id,
		Shares:    len(snapshot.Shares),
		Capsules:  len(snapshot.Capsules),
		CreatedAt: snapshot.CreatedAt,
	}, nil
}

// Restore loads a snapshot and writes its shares through the share store, so
// every restored share is unsealed, verified against its tag and re-sealed.
// Shares that conflict with local records or fail to unseal are rejected and
// counted; they never overwrite local state.
func (e *Exporter) Restore(ctx context.Context, id interfaces.ContentID) (RestoreReport, error) {
	data, err := e.backend.Fetch(ctx, id, interfaces.SnapshotType)
	if err != nil {
		return RestoreReport{}, fmt.Errorf("fetching snapshot %s: %w", id, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return RestoreReport{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snapshot.Version != SnapshotVersion {
		return RestoreReport{}, fmt.Errorf("unsupported snapshot version %d", snapshot.Version)
	}
	if snapshot.NodeID != e.nodeID {
		e.log.Warn("Restoring snapshot taken on another node", slog.String("snapshot_node", string(snapshot.NodeID)))
	}

	var report RestoreReport
	for _, capsule := range snapshot.Capsules {
		if _, err := e.store.RegisterCapsule(ctx, capsule.ID, capsule.MediaRef); err != nil {
			return report, fmt.Errorf("restoring capsule %s: %w", capsule.ID, err)
		}
		if capsule.State == interfaces.CapsuleRevoked {
			if _, err := e.store.SetCapsuleState(ctx, capsule.ID, interfaces.CapsuleRevoked); err != nil {
				return report, fmt.Errorf("restoring capsule %s: %w", capsule.ID, err)
			}
		}
		report.Capsules++
	}

	for _, ks := range snapshot.Shares {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m, err := e.store.Unseal(ks)
		if err != nil {
			report.Rejected++
			e.log.Warn("Could not unseal snapshot share",
				slog.String("capsule_id", string(ks.CapsuleID)),
				slog.Int("index", int(ks.Index)),
				"err", err)
			continue
		}
		res, err := e.store.Put(ctx, m)
		m.Wipe()
		switch {
		case err == nil && res.Written:
			report.Restored++
		case err == nil, errors.Is(err, interfaces.ErrAlreadySealed):
			report.Skipped++
		case errors.Is(err, interfaces.ErrIntegrityMismatch):
			report.Rejected++
		default:
			return report, fmt.Errorf("restoring share %s/%d: %w", ks.CapsuleID, ks.Index, err)
		}
	}

	e.log.Info("Restored snapshot",
		slog.String("content_id", id.String()),
		slog.Int("restored", report.Restored),
		slog.Int("skipped", report.Skipped),
		slog.Int("rejected", report.Rejected))
	return report, nil
}

// ReportGaps stores a gap report. It is used as the auditor's reporter.
func (e *Exporter) ReportGaps(ctx context.Context, gaps []interfaces.Gap) error {
	data, err := json.Marshal(GapReport{
		NodeID:      e.nodeID,
		GeneratedAt: e.now().UTC(),
		Gaps:        gaps,
	})
	if err != nil {
		return err
	}
	id, err := e.backend.Store(ctx, data, interfaces.GapReportType)
	if err != nil {
		return fmt.Errorf("storing gap report: %w", err)
	}
	e.log.Info("Stored gap report",
		slog.String("content_id", id.String()),
		slog.Int("gaps", len(gaps)))
	return nil
}
