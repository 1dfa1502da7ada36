// Package discovery finds quorum peers and registers them in the directory
// after verifying what they publish about themselves.
//
// Peers are found through DNS SRV records of the quorum service name, or
// given statically. Each candidate address is asked for its node info, whose
// attestation must cover the node id and transport public key before the
// peer is registered.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/directory"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
)

// InfoFetcher retrieves published node info from an address.
type InfoFetcher interface {
	NodeInfo(ctx context.Context, address string) (*interfaces.NodeInfo, error)
}

type Config struct {
	// Service is the SRV name, for example _keyshare._tcp.quorum.example.
	Service string
	// Nameserver is the DNS server to query, host:port.
	Nameserver string
	// Scheme is prepended to resolved targets.
	Scheme string
	// StaticPeers are addresses registered in addition to SRV results.
	StaticPeers []string
	// AllowDummyAttestation accepts peers running outside a TEE.
	AllowDummyAttestation bool
	Interval              time.Duration
	Timeout               time.Duration
}

func DefaultConfig() Config {
	return Config{
		Nameserver: "127.0.0.53:53",
		Scheme:     "https",
		Interval:   time.Minute,
		Timeout:    5 * time.Second,
	}
}

type Resolver struct {
	self    interfaces.PeerID
	dir     *directory.Directory
	fetcher InfoFetcher
	client  *dns.Client
	cfg     Config
	log     *slog.Logger
}

func NewResolver(self interfaces.PeerID, dir *directory.Directory, fetcher InfoFetcher, cfg Config, log *slog.Logger) *Resolver {
	return &Resolver{
		self:    self,
		dir:     dir,
		fetcher: fetcher,
		client:  &dns.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		log:     log,
	}
}

// Lookup resolves the service name to peer addresses ordered by SRV priority.
func (r *Resolver) Lookup(ctx context.Context) ([]string, error) {
	if r.cfg.Service == "" {
		return nil, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(r.cfg.Service), dns.TypeSRV)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, r.cfg.Nameserver)
	if err != nil {
		return nil, fmt.Errorf("srv lookup of %s: %w", r.cfg.Service, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv lookup of %s: %s", r.cfg.Service, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.Slice(records, func(i, j int) bool { return srvLess(records[i], records[j]) })

	addresses := make([]string, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		addresses = append(addresses, r.cfg.Scheme+"://"+net.JoinHostPort(host, strconv.Itoa(int(srv.Port))))
	}
	return addresses, nil
}

func srvLess(a, b *dns.SRV) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return a.Target < b.Target
}

// Discover resolves candidates and registers every peer that verifies. It
// returns the number of peers registered; failures of single candidates are
// logged and skipped.
func (r *Resolver) Discover(ctx context.Context) (int, error) {
	addresses := append([]string(nil), r.cfg.StaticPeers...)
	resolved, lookupErr := r.Lookup(ctx)
	if lookupErr != nil {
		r.log.Warn("Peer lookup failed", "err", lookupErr)
	}
	addresses = append(addresses, resolved...)

	registered := 0
	seen := make(map[string]struct{}, len(addresses))
	for _, address := range addresses {
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}

		node, err := r.Verify(ctx, address)
		if errors.Is(err, errSelf) {
			continue
		}
		if err != nil {
			r.log.Warn("Rejected peer candidate", slog.String("address", address), "err", err)
			continue
		}
		r.dir.Register(node)
		registered++
	}

	if registered == 0 && lookupErr != nil {
		return 0, lookupErr
	}
	return registered, nil
}

var errSelf = errors.New("candidate is the local node")

// Verify fetches node info from address and checks its attestation.
func (r *Resolver) Verify(ctx context.Context, address string) (interfaces.PeerNode, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	info, err := r.fetcher.NodeInfo(fetchCtx, address)
	if err != nil {
		return interfaces.PeerNode{}, fmt.Errorf("fetching node info: %w", err)
	}
	if info.ID == r.self {
		return interfaces.PeerNode{}, errSelf
	}
	if info.ID == "" {
		return interfaces.PeerNode{}, errors.New("node info without id")
	}
	if err := info.PublicKey.Validate(); err != nil {
		return interfaces.PeerNode{}, fmt.Errorf("invalid node public key: %w", err)
	}

	reportData := cryptoutils.NodeReportData(string(info.ID), info.PublicKey)
	fingerprint, err := cryptoutils.VerifyNodeAttestation(info.AttestationType, reportData, info.Attestation, r.cfg.AllowDummyAttestation)
	if err != nil {
		return interfaces.PeerNode{}, fmt.Errorf("attestation of %s: %w", info.ID, err)
	}

	return interfaces.PeerNode{
		ID:                     info.ID,
		Address:                address,
		AttestationFingerprint: fingerprint,
		PublicKey:              info.PublicKey,
	}, nil
}

// Run discovers peers immediately and then on every interval.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if n, err := r.Discover(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("Peer discovery failed", "err", err)
		} else {
			r.log.Debug("Peer discovery finished", slog.Int("registered", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
