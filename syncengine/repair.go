package syncengine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// RepairResult is reported for every repair taken off the queue.
type RepairResult struct {
	CapsuleID interfaces.CapsuleID
	Report    Report
	Err       error
}

// RepairListener receives repair results. It is called from worker goroutines.
type RepairListener func(RepairResult)

type repairQueue struct {
	ch chan interfaces.CapsuleID

	mu       sync.Mutex
	pending  map[interfaces.CapsuleID]struct{}
	listener RepairListener
}

func newRepairQueue(size int) *repairQueue {
	if size <= 0 {
		size = DefaultConfig().QueueSize
	}
	return &repairQueue{
		ch:      make(chan interfaces.CapsuleID, size),
		pending: make(map[interfaces.CapsuleID]struct{}),
	}
}

// OnRepair sets the listener notified after each repair attempt.
func (e *Engine) OnRepair(fn RepairListener) {
	e.repairs.mu.Lock()
	e.repairs.listener = fn
	e.repairs.mu.Unlock()
}

// Enqueue schedules a capsule for repair. It returns false if the capsule is
// already queued or the queue is full; in the latter case the capsule will be
// found again by the next audit.
func (e *Engine) Enqueue(id interfaces.CapsuleID) bool {
	q := e.repairs
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, queued := q.pending[id]; queued {
		return false
	}
	select {
	case q.ch <- id:
		q.pending[id] = struct{}{}
		e.metrics.SetRepairQueueSize(len(q.pending))
		return true
	default:
		e.log.Warn("Repair queue full", slog.String("capsule_id", string(id)))
		return false
	}
}

// QueueLen returns the number of capsules queued or being repaired.
func (e *Engine) QueueLen() int {
	e.repairs.mu.Lock()
	defer e.repairs.mu.Unlock()
	return len(e.repairs.pending)
}

// Run consumes the repair queue with the configured number of workers until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-e.repairs.ch:
					e.repair(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
}

func (e *Engine) repair(ctx context.Context, id interfaces.CapsuleID) {
	repairCtx := ctx
	if e.cfg.RepairTimeout > 0 {
		var cancel context.CancelFunc
		repairCtx, cancel = context.WithTimeout(ctx, e.cfg.RepairTimeout)
		defer cancel()
	}

	report, err := e.Repair(repairCtx, id)

	q := e.repairs
	q.mu.Lock()
	delete(q.pending, id)
	listener := q.listener
	e.metrics.SetRepairQueueSize(len(q.pending))
	q.mu.Unlock()

	if err != nil {
		e.log.Info("Repair did not complete", slog.String("capsule_id", string(id)), "err", err)
	}
	if listener != nil {
		listener(RepairResult{CapsuleID: id, Report: report, Err: err})
	}
}
