// Package auditor compares the local share store against the authoritative
// list of capsules and drives repairs of capsules held below threshold.
//
// A capsule is a gap while the quorum as a whole, this node included, holds
// fewer than Threshold distinct share indices for it. Peers report their
// indices without moving key material, so a capsule sharded over several
// nodes is not a gap even if no single node could recover it. Peers that do
// not answer are not counted. Every gap is queued for repair on each cycle. A gap
// that survives PersistAfter cycles becomes persistent: it is logged at
// error level, counted in metrics, handed to the Reporter and returned by
// Persistent until the capsule is repaired or leaves the index.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/metrics"
	"github.com/ruteri/tee-keyshare-quorum/syncengine"
)

type Config struct {
	Interval time.Duration
	// Threshold is the number of distinct share indices needed to recover a key.
	Threshold int
	// TotalShares is the number of shares each key was split into.
	TotalShares int
	// PersistAfter is the number of consecutive cycles after which a gap is
	// surfaced as persistent.
	PersistAfter int
	// CheckTimeout bounds the coverage query made after a repair.
	CheckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		Threshold:    2,
		TotalShares:  3,
		PersistAfter: 3,
		CheckTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Threshold < 2:
		return errors.New("threshold must be at least 2")
	case c.TotalShares < c.Threshold:
		return errors.New("total shares must not be below threshold")
	case c.TotalShares > 255:
		return errors.New("total shares must not exceed 255")
	case c.PersistAfter < 1:
		return errors.New("persist-after must be at least 1")
	}
	return nil
}

// Quorum reports which share indices the quorum holds for a capsule and
// accepts capsules for repair.
type Quorum interface {
	Coverage(ctx context.Context, id interfaces.CapsuleID) (syncengine.Coverage, error)
	Enqueue(id interfaces.CapsuleID) bool
}

// Reporter receives the persistent gaps after each cycle that has any.
type Reporter interface {
	ReportGaps(ctx context.Context, gaps []interfaces.Gap) error
}

type Auditor struct {
	indexer  interfaces.Indexer
	quorum   Quorum
	reporter Reporter
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.NodeMetrics
	now      interfaces.Clock

	// auditMu serialises cycles; mu guards gaps.
	auditMu sync.Mutex
	mu      sync.Mutex
	gaps    map[interfaces.CapsuleID]*interfaces.Gap
	cycles  int
}

func New(indexer interfaces.Indexer, quorum Quorum, cfg Config, log *slog.Logger) (*Auditor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultConfig().CheckTimeout
	}
	return &Auditor{
		indexer:  indexer,
		quorum:   quorum,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		gaps:     make(map[interfaces.CapsuleID]*interfaces.Gap),
	}, nil
}

func (a *Auditor) WithMetrics(m *metrics.NodeMetrics) *Auditor {
	a.metrics = m
	return a
}

func (a *Auditor) WithClock(now interfaces.Clock) *Auditor {
	a.now = now
	return a
}

func (a *Auditor) WithReporter(r Reporter) *Auditor {
	a.reporter = r
	return a
}

// Run audits immediately and then on every interval until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := a.Audit(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("Audit failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Audit runs one cycle and returns the current gaps ordered by capsule id.
// If the index cannot be listed completely, gaps not visited in this cycle
// are kept as they were.
func (a *Auditor) Audit(ctx context.Context) ([]interfaces.Gap, error) {
	a.auditMu.Lock()
	defer a.auditMu.Unlock()

	now := a.now().UTC()
	visited := make(map[interfaces.CapsuleID]struct{})
	expected := 0

	err := a.indexer.ListExpectedCapsules(ctx, func(id interfaces.CapsuleID) error {
		if err := id.Validate(); err != nil {
			a.log.Warn("Indexer returned invalid capsule id", slog.String("capsule_id", string(id)), "err", err)
			return nil
		}
		expected++
		visited[id] = struct{}{}
		return a.check(ctx, id, now)
	})
	if err != nil {
		return a.Gaps(), fmt.Errorf("listing expected capsules: %w", err)
	}

	a.mu.Lock()
	for id, gap := range a.gaps {
		if _, ok := visited[id]; !ok {
			a.log.Warn("Dropping gap for capsule no longer indexed",
				slog.String("capsule_id", string(id)),
				slog.Int("cycles", gap.Cycles))
			delete(a.gaps, id)
		}
	}
	a.cycles++
	a.mu.Unlock()

	gaps := a.Gaps()
	persistent := filterPersistent(gaps)
	a.metrics.AuditCompleted(len(gaps), len(persistent))
	a.log.Info("Audit completed",
		slog.Int("expected", expected),
		slog.Int("gaps", len(gaps)),
		slog.Int("persistent", len(persistent)))

	if a.reporter != nil && len(persistent) > 0 {
		if err := a.reporter.ReportGaps(ctx, persistent); err != nil {
			a.log.Error("Could not report persistent gaps", "err", err)
		}
	}
	return gaps, nil
}

func (a *Auditor) check(ctx context.Context, id interfaces.CapsuleID, now time.Time) error {
	distinct, err := a.coverage(ctx, id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	gap, known := a.gaps[id]
	if len(distinct) >= a.cfg.Threshold {
		if known {
			delete(a.gaps, id)
			a.log.Info("Gap resolved",
				slog.String("capsule_id", string(id)),
				slog.Int("cycles", gap.Cycles))
		}
		a.mu.Unlock()
		return nil
	}

	if !known {
		gap = &interfaces.Gap{CapsuleID: id, FirstSeen: now}
		a.gaps[id] = gap
	}
	gap.Cycles++
	gap.Held = len(distinct)
	gap.Missing = missing(distinct, a.cfg.TotalShares)
	becamePersistent := !gap.Persistent && gap.Cycles >= a.cfg.PersistAfter
	if becamePersistent {
		gap.Persistent = true
	}
	cycles := gap.Cycles
	a.mu.Unlock()

	if becamePersistent {
		a.log.Error("Persistent gap needs operator attention",
			slog.String("capsule_id", string(id)),
			slog.Int("held", len(distinct)),
			slog.Int("threshold", a.cfg.Threshold),
			slog.Int("cycles", cycles))
	}
	if !a.quorum.Enqueue(id) {
		a.log.Debug("Repair already queued", slog.String("capsule_id", string(id)))
	}
	return nil
}

// HandleRepair records the outcome of a repair and re-checks the capsule.
// Incomplete syncs are recorded on the gap and retried on the next cycle.
func (a *Auditor) HandleRepair(result syncengine.RepairResult) {
	a.mu.Lock()
	gap, known := a.gaps[result.CapsuleID]
	if known {
		gap.LastRepairAt = a.now().UTC()
		gap.LastRepairError = ""
		if result.Err != nil {
			gap.LastRepairError = result.Err.Error()
		}
	}
	a.mu.Unlock()
	if !known {
		return
	}

	if result.Err != nil {
		level := slog.LevelWarn
		if !errors.Is(result.Err, interfaces.ErrSyncIncomplete) {
			level = slog.LevelError
		}
		a.log.Log(context.Background(), level, "Repair failed",
			slog.String("capsule_id", string(result.CapsuleID)),
			"err", result.Err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CheckTimeout)
	defer cancel()
	distinct, err := a.coverage(ctx, result.CapsuleID)
	if err != nil {
		a.log.Warn("Could not re-check repaired capsule", slog.String("capsule_id", string(result.CapsuleID)), "err", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	gap, known = a.gaps[result.CapsuleID]
	if !known {
		return
	}
	if len(distinct) >= a.cfg.Threshold {
		delete(a.gaps, result.CapsuleID)
		a.log.Info("Gap repaired", slog.String("capsule_id", string(result.CapsuleID)))
		return
	}
	gap.Held = len(distinct)
	gap.Missing = missing(distinct, a.cfg.TotalShares)
}

// coverage returns the distinct share indices the reachable quorum holds.
func (a *Auditor) coverage(ctx context.Context, id interfaces.CapsuleID) (map[uint8]struct{}, error) {
	cov, err := a.quorum.Coverage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading coverage of %s: %w", id, err)
	}
	distinct := make(map[uint8]struct{}, len(cov))
	for _, idx := range cov.Indices() {
		distinct[idx] = struct{}{}
	}
	return distinct, nil
}

// Gaps returns the current gaps ordered by capsule id.
func (a *Auditor) Gaps() []interfaces.Gap {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]interfaces.Gap, 0, len(a.gaps))
	for _, gap := range a.gaps {
		g := *gap
		g.Missing = append([]int(nil), gap.Missing...)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapsuleID < out[j].CapsuleID })
	return out
}

// Persistent returns the gaps that survived PersistAfter cycles.
func (a *Auditor) Persistent() []interfaces.Gap {
	return filterPersistent(a.Gaps())
}

// Cycles returns the number of completed audit cycles.
func (a *Auditor) Cycles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cycles
}

func filterPersistent(gaps []interfaces.Gap) []interfaces.Gap {
	var out []interfaces.Gap
	for _, g := range gaps {
		if g.Persistent {
			out = append(out, g)
		}
	}
	return out
}

func missing(held map[uint8]struct{}, total int) []int {
	var out []int
	for i := 1; i <= total; i++ {
		if _, ok := held[uint8(i)]; !ok {
			out = append(out, i)
		}
	}
	return out
}
