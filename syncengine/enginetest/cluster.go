// Package enginetest wires small in-process quorums for tests. Nodes talk
// to each other through a loopback transport that calls ServePage directly.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/directory"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/scheduler"
	"github.com/ruteri/tee-keyshare-quorum/sharestore"
	"github.com/ruteri/tee-keyshare-quorum/syncengine"
	"github.com/stretchr/testify/require"
)

var ErrOffline = errors.New("peer offline")

type Node struct {
	ID        interfaces.PeerID
	Pubkey    interfaces.NodePubkey
	Privkey   interfaces.NodePrivkey
	Store     *sharestore.Store
	Directory *directory.Directory
	Scheduler *scheduler.Scheduler
	Engine    *syncengine.Engine
	Transport interfaces.PeerTransport
}

// Call records one page request made through the loopback transport.
type Call struct {
	From interfaces.PeerID
	To   interfaces.PeerID
	Page interfaces.SyncPage
}

type Cluster struct {
	Nodes map[interfaces.PeerID]*Node

	mu      sync.Mutex
	offline map[interfaces.PeerID]bool
	calls   []Call
	hook    func(Call) error
}

func SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Fanout:          3,
		AttemptTimeout:  time.Second,
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Millisecond,
		MaxRounds:       2,
	}
}

// NewCluster creates one node per id. Every node knows every other node.
func NewCluster(t testing.TB, cfg syncengine.Config, ids ...interfaces.PeerID) *Cluster {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &Cluster{
		Nodes:   make(map[interfaces.PeerID]*Node),
		offline: make(map[interfaces.PeerID]bool),
	}

	for _, id := range ids {
		pub, priv, err := cryptoutils.NewNodeKeypair()
		require.NoError(t, err)

		sealer, err := cryptoutils.NewAESGCMSealer([]byte("root-secret-of-"+string(id)+"-0123456789"), []byte("test"))
		require.NoError(t, err)
		store, err := sharestore.OpenInMemory(sealer, log)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		dir := directory.New(directory.DefaultConfig(), log)
		sched := scheduler.New(dir, SchedulerConfig(), log)
		transport := &loopback{cluster: c, self: id}

		c.Nodes[id] = &Node{
			ID:        id,
			Pubkey:    pub,
			Privkey:   priv,
			Store:     store,
			Directory: dir,
			Scheduler: sched,
			Engine:    syncengine.New(id, priv, store, dir, sched, transport, cfg, log),
			Transport: transport,
		}
	}

	for _, id := range ids {
		for _, peer := range ids {
			if peer == id {
				continue
			}
			c.Nodes[id].Directory.Register(interfaces.PeerNode{
				ID:        peer,
				Address:   "loopback://" + string(peer),
				PublicKey: c.Nodes[peer].Pubkey,
			})
		}
	}
	return c
}

func (c *Cluster) SetOffline(id interfaces.PeerID, offline bool) {
	c.mu.Lock()
	c.offline[id] = offline
	c.mu.Unlock()
}

// SetHook installs a function run before every page is served. A non-nil
// error fails the request.
func (c *Cluster) SetHook(hook func(Call) error) {
	c.mu.Lock()
	c.hook = hook
	c.mu.Unlock()
}

func (c *Cluster) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

func (c *Cluster) ResetCalls() {
	c.mu.Lock()
	c.calls = nil
	c.mu.Unlock()
}

// Seed stores a share directly on a node.
func (c *Cluster) Seed(t testing.TB, node interfaces.PeerID, id interfaces.CapsuleID, index uint8, version uint64, payload string) {
	t.Helper()
	_, err := c.Nodes[node].Store.Put(context.Background(), Material(id, index, version, payload))
	require.NoError(t, err)
}

func Material(id interfaces.CapsuleID, index uint8, version uint64, payload string) interfaces.ShareMaterial {
	return interfaces.ShareMaterial{
		ShareHeader: interfaces.ShareHeader{
			CapsuleID: id,
			Index:     index,
			Version:   version,
			Tag:       interfaces.ComputeIntegrityTag(id, index, []byte(payload)),
		},
		Payload: []byte(payload),
	}
}

type loopback struct {
	cluster *Cluster
	self    interfaces.PeerID
}

func (l *loopback) target(peer interfaces.PeerNode) (*Node, error) {
	l.cluster.mu.Lock()
	offline := l.cluster.offline[peer.ID]
	l.cluster.mu.Unlock()
	if offline {
		return nil, fmt.Errorf("%w: %s", ErrOffline, peer.ID)
	}
	node, ok := l.cluster.Nodes[peer.ID]
	if !ok {
		return nil, fmt.Errorf("no route to %s", peer.ID)
	}
	return node, nil
}

func (l *loopback) FetchPage(ctx context.Context, peer interfaces.PeerNode, page interfaces.SyncPage) (*interfaces.SyncPageResponse, error) {
	call := Call{From: l.self, To: peer.ID, Page: page}
	l.cluster.mu.Lock()
	l.cluster.calls = append(l.cluster.calls, call)
	hook := l.cluster.hook
	l.cluster.mu.Unlock()

	node, err := l.target(peer)
	if err != nil {
		return nil, err
	}
	if hook != nil {
		if err := hook(call); err != nil {
			return nil, err
		}
	}
	return node.Engine.ServePage(ctx, l.self, page)
}

func (l *loopback) Ping(ctx context.Context, peer interfaces.PeerNode) error {
	_, err := l.target(peer)
	return err
}

func (l *loopback) NodeInfo(ctx context.Context, address string) (*interfaces.NodeInfo, error) {
	for id, node := range l.cluster.Nodes {
		if "loopback://"+string(id) == address {
			return &interfaces.NodeInfo{ID: id, Address: address, PublicKey: node.Pubkey, AttestationType: cryptoutils.DummyAttestation.StringID}, nil
		}
	}
	return nil, fmt.Errorf("no route to %s", address)
}
