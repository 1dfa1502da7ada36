// Package quote releases sealed key-shares to authorized callers.
//
// Every request passes the same gates in order: the caller's token bucket,
// the authorization verifier, the capsule's revocation state and finally
// local availability. A share that is not held locally is fetched from the
// quorum with a short deadline before the request is answered. The service
// never returns plaintext; a grant carries the locally sealed record only.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/metrics"
	"github.com/ruteri/tee-keyshare-quorum/syncengine"
)

type Config struct {
	// Rate is the sustained number of requests per second allowed per caller.
	Rate float64
	// Burst is the bucket size per caller.
	Burst int
	// MaxCallers bounds the number of tracked token buckets.
	MaxCallers int
	// OnDemandTimeout bounds the quorum fetch for a share not held locally.
	OnDemandTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rate:            1,
		Burst:           5,
		MaxCallers:      10_000,
		OnDemandTimeout: 3 * time.Second,
	}
}

// Syncer fetches missing shares from the quorum.
type Syncer interface {
	Reconcile(ctx context.Context, filter interfaces.SyncFilter) (syncengine.Report, error)
}

type Service struct {
	nodeID   interfaces.PeerID
	store    interfaces.ShareStore
	verifier interfaces.AuthorizationVerifier
	syncer   Syncer
	limiter  *callerLimiter
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.NodeMetrics
	now      interfaces.Clock
}

func New(nodeID interfaces.PeerID, store interfaces.ShareStore, verifier interfaces.AuthorizationVerifier, syncer Syncer, cfg Config, log *slog.Logger) (*Service, error) {
	if cfg.Rate <= 0 || cfg.Burst <= 0 {
		return nil, errors.New("rate and burst must be positive")
	}
	if cfg.MaxCallers <= 0 {
		cfg.MaxCallers = DefaultConfig().MaxCallers
	}
	limiter, err := newCallerLimiter(cfg.Rate, cfg.Burst, cfg.MaxCallers)
	if err != nil {
		return nil, err
	}
	return &Service{
		nodeID:   nodeID,
		store:    store,
		verifier: verifier,
		syncer:   syncer,
		limiter:  limiter,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}, nil
}

func (s *Service) WithMetrics(m *metrics.NodeMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now interfaces.Clock) *Service {
	s.now = now
	return s
}

// RequestShare returns a sealed grant for the requested capsule share, or one
// of ErrRateLimited, ErrUnauthorized, ErrNotFound and ErrQuorumNotMet.
func (s *Service) RequestShare(ctx context.Context, req interfaces.QuoteRequest) (*interfaces.SealedShareGrant, error) {
	grant, err := s.requestShare(ctx, req)
	s.metrics.Quote(outcome(err))

	log := s.log.With(
		slog.String("caller", req.Caller),
		slog.String("capsule_id", string(req.CapsuleID)))
	switch {
	case err == nil:
		log.Info("Granted share", slog.Int("index", int(grant.ShareIndex)), slog.String("grant_id", grant.GrantID))
	case errors.Is(err, interfaces.ErrRateLimited):
		log.Debug("Quote rate limited")
	default:
		log.Info("Quote refused", "err", err)
	}
	return grant, err
}

func (s *Service) requestShare(ctx context.Context, req interfaces.QuoteRequest) (*interfaces.SealedShareGrant, error) {
	if req.Caller == "" {
		return nil, fmt.Errorf("%w: missing caller identity", interfaces.ErrUnauthorized)
	}
	if !s.limiter.allow(req.Caller, s.now()) {
		return nil, interfaces.ErrRateLimited
	}
	if err := req.CapsuleID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrNotFound, err)
	}

	caps, err := s.verifier.Verify(ctx, req.Token, req.CapsuleID)
	if err != nil {
		if errors.Is(err, interfaces.ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, err)
	}

	capsule, err := s.store.Capsule(ctx, req.CapsuleID)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
	case err != nil:
		return nil, err
	case capsule.State == interfaces.CapsuleRevoked:
		return nil, fmt.Errorf("%w: capsule %s is revoked", interfaces.ErrUnauthorized, req.CapsuleID)
	}

	ks, err := s.lookup(ctx, req)
	if errors.Is(err, interfaces.ErrNotFound) {
		ks, err = s.fetchOnDemand(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	return &interfaces.SealedShareGrant{
		GrantID:    uuid.NewString(),
		CapsuleID:  ks.CapsuleID,
		ShareIndex: ks.Index,
		Version:    ks.Version,
		Tag:        ks.Tag,
		Sealed:     ks.Sealed,
		NodeID:     s.nodeID,
		IssuedAt:   s.now().UTC(),
		Relation:   caps.Relation,
	}, nil
}

func (s *Service) lookup(ctx context.Context, req interfaces.QuoteRequest) (interfaces.KeyShare, error) {
	if req.ShareIndex == 0 {
		return s.store.Get(ctx, req.CapsuleID)
	}
	return s.store.GetIndex(ctx, req.CapsuleID, req.ShareIndex)
}

// fetchOnDemand runs a bounded sync for the capsule and looks the share up again.
func (s *Service) fetchOnDemand(ctx context.Context, req interfaces.QuoteRequest) (interfaces.KeyShare, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.OnDemandTimeout)
	defer cancel()

	report, err := s.syncer.Reconcile(syncCtx, interfaces.FilterFor(req.CapsuleID))
	if err != nil {
		return interfaces.KeyShare{}, fmt.Errorf("%w: %w", interfaces.ErrQuorumNotMet, err)
	}
	s.log.Debug("On-demand sync finished",
		slog.String("capsule_id", string(req.CapsuleID)),
		slog.Int("written", report.Written))

	ks, err := s.lookup(ctx, req)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.KeyShare{}, fmt.Errorf("%w: no share for capsule %s in the quorum", interfaces.ErrNotFound, req.CapsuleID)
	}
	return ks, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, interfaces.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, interfaces.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, interfaces.ErrQuorumNotMet):
		return "quorum_not_met"
	case errors.Is(err, interfaces.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
