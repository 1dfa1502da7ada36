// Package scheduler picks which quorum peers to contact and retries failed
// attempts in rank order with multiplicative backoff between rounds.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/tee-keyshare-quorum/directory"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

var errNoPeers = errors.New("no eligible peers")

type Config struct {
	// Fanout caps the number of targets selected at once.
	Fanout int
	// AttemptTimeout bounds a single attempt against one peer. Zero disables it.
	AttemptTimeout time.Duration

	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	RandomizationFactor float64
	// MaxRounds bounds how many times the ranked peer list is walked.
	MaxRounds int
}

func DefaultConfig() Config {
	return Config{
		Fanout:              3,
		AttemptTimeout:      10 * time.Second,
		InitialInterval:     250 * time.Millisecond,
		Multiplier:          2,
		MaxInterval:         5 * time.Second,
		RandomizationFactor: 0.2,
		MaxRounds:           3,
	}
}

// Attempt is one unit of work against a single peer. Returning an error
// wrapped with backoff.Permanent stops the scheduler; returning
// interfaces.ErrPeerBusy moves on without penalising the peer.
type Attempt func(ctx context.Context, peer interfaces.PeerNode) error

type Scheduler struct {
	dir *directory.Directory
	cfg Config
	log *slog.Logger
	now interfaces.Clock
}

func New(dir *directory.Directory, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 1
	}
	return &Scheduler{dir: dir, cfg: cfg, log: log, now: time.Now}
}

func (s *Scheduler) WithClock(now interfaces.Clock) *Scheduler {
	s.now = now
	return s
}

// SelectTargets returns up to fanout peers in directory rank order, skipping
// the excluded ones.
func (s *Scheduler) SelectTargets(capsuleID interfaces.CapsuleID, exclude map[interfaces.PeerID]struct{}, fanout int) []interfaces.PeerID {
	if fanout <= 0 {
		return nil
	}
	targets := make([]interfaces.PeerID, 0, fanout)
	for _, id := range s.dir.Rank() {
		if _, skip := exclude[id]; skip {
			continue
		}
		targets = append(targets, id)
		if len(targets) == fanout {
			break
		}
	}
	return targets
}

// Do runs fn against ranked peers until one succeeds. Each outcome is fed
// back to the directory as a heartbeat. Once every ranked peer has failed in
// a round the scheduler waits and starts over, up to MaxRounds or the
// context deadline, and then returns ErrQuorumUnreachable wrapping the last
// failure. The id of the peer that succeeded is returned.
func (s *Scheduler) Do(ctx context.Context, capsuleID interfaces.CapsuleID, fn Attempt) (interfaces.PeerID, error) {
	bo := s.newBackOff()
	var lastErr error

	for round := 1; ; round++ {
		tried := make(map[interfaces.PeerID]struct{})

		for {
			targets := s.SelectTargets(capsuleID, tried, s.cfg.Fanout)
			if len(targets) == 0 {
				break
			}
			for _, id := range targets {
				tried[id] = struct{}{}
				if err := ctx.Err(); err != nil {
					return "", s.unreachable(capsuleID, err, lastErr)
				}
				peer, ok := s.dir.Peer(id)
				if !ok {
					continue
				}

				err := s.attempt(ctx, peer, fn)
				if err == nil {
					return id, nil
				}

				var permanent *backoff.PermanentError
				if errors.As(err, &permanent) {
					return id, permanent.Err
				}
				if errors.Is(err, interfaces.ErrPeerBusy) {
					s.log.Debug("Skipping busy peer", slog.String("peer", string(id)), slog.String("capsule_id", string(capsuleID)))
					if lastErr == nil {
						lastErr = err
					}
					continue
				}
				lastErr = err
			}
		}

		if lastErr == nil {
			lastErr = errNoPeers
		}
		if s.cfg.MaxRounds > 0 && round >= s.cfg.MaxRounds {
			return "", s.unreachable(capsuleID, nil, lastErr)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return "", s.unreachable(capsuleID, nil, lastErr)
		}
		s.log.Debug("Retrying after backoff",
			slog.String("capsule_id", string(capsuleID)),
			slog.Int("round", round),
			slog.Duration("wait", wait),
			"err", lastErr)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", s.unreachable(capsuleID, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

// Try runs fn once against a specific peer under the attempt timeout and
// records the outcome as a heartbeat.
func (s *Scheduler) Try(ctx context.Context, peer interfaces.PeerNode, fn Attempt) error {
	return s.attempt(ctx, peer, fn)
}

func (s *Scheduler) attempt(ctx context.Context, peer interfaces.PeerNode, fn Attempt) error {
	attemptCtx := ctx
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	start := s.now()
	err := fn(attemptCtx, peer)
	latency := s.now().Sub(start)

	switch {
	case errors.Is(err, interfaces.ErrPeerBusy):
		return err
	case err != nil && ctx.Err() != nil:
		// the caller gave up, the peer is not to blame
		return err
	}

	var permanent *backoff.PermanentError
	success := err == nil || errors.As(err, &permanent)
	if hbErr := s.dir.Heartbeat(peer.ID, latency, success); hbErr != nil {
		s.log.Warn("Could not record heartbeat", slog.String("peer", string(peer.ID)), "err", hbErr)
	}
	if !success {
		s.log.Info("Peer attempt failed",
			slog.String("peer", string(peer.ID)),
			slog.Duration("latency", latency),
			"err", err)
	}
	return err
}

func (s *Scheduler) unreachable(capsuleID interfaces.CapsuleID, ctxErr, lastErr error) error {
	s.log.Warn("Quorum unreachable", slog.String("capsule_id", string(capsuleID)), "err", lastErr)
	switch {
	case ctxErr != nil && lastErr != nil:
		return fmt.Errorf("%w: %w (last attempt: %w)", interfaces.ErrQuorumUnreachable, ctxErr, lastErr)
	case ctxErr != nil:
		return fmt.Errorf("%w: %w", interfaces.ErrQuorumUnreachable, ctxErr)
	case lastErr != nil:
		return fmt.Errorf("%w: %w", interfaces.ErrQuorumUnreachable, lastErr)
	default:
		return interfaces.ErrQuorumUnreachable
	}
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialInterval
	bo.Multiplier = s.cfg.Multiplier
	bo.MaxInterval = s.cfg.MaxInterval
	bo.RandomizationFactor = s.cfg.RandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
