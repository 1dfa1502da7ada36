package peerapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-keyshare-quorum/api"
	"github.com/ruteri/tee-keyshare-quorum/cryptoutils"
	"github.com/ruteri/tee-keyshare-quorum/interfaces"
	"github.com/ruteri/tee-keyshare-quorum/syncengine"
	"github.com/ruteri/tee-keyshare-quorum/syncengine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve exposes node id of the cluster over HTTP.
func serve(t *testing.T, c *enginetest.Cluster, id interfaces.PeerID) (*httptest.Server, *interfaces.NodeInfo) {
	t.Helper()
	node := c.Nodes[id]
	info := &interfaces.NodeInfo{
		ID:              id,
		PublicKey:       node.Pubkey,
		AttestationType: cryptoutils.DummyAttestation.StringID,
	}
	attestation, err := cryptoutils.DummyAttestationProvider{}.Attest(cryptoutils.NodeReportData(string(id), node.Pubkey))
	require.NoError(t, err)
	info.Attestation = attestation

	r := chi.NewRouter()
	NewHandler(info, node.Engine, node.Directory, testLogger()).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, info
}

func TestFetchPageOverHTTP(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, syncengine.DefaultConfig(), "A", "B")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "B", "c1", 2, 1, "two")
	c.Seed(t, "B", "c2", 1, 1, "other")

	srv, _ := serve(t, c, "B")
	peer := interfaces.PeerNode{ID: "B", Address: srv.URL}
	client := NewClient("A", 0)

	resp, err := client.FetchPage(ctx, peer, interfaces.SyncPage{Filter: "c1", PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, interfaces.PeerID("B"), resp.NodeID)
	require.Len(t, resp.Shares, 2)

	stats, err := c.Nodes["A"].Engine.ApplyPage(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Written)

	held, err := c.Nodes["A"].Store.HeldIndices(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2}, held)

	resp, err = client.FetchPage(ctx, peer, interfaces.SyncPage{Filter: interfaces.WildcardFilter, PageSize: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, resp.Shares, 1)
	assert.Equal(t, interfaces.CapsuleID("c2"), resp.Shares[0].CapsuleID)
}

func TestFetchHeadersOverHTTP(t *testing.T) {
	c := enginetest.NewCluster(t, syncengine.DefaultConfig(), "A", "B")
	c.Seed(t, "B", "c1", 1, 1, "one")
	c.Seed(t, "B", "c1", 3, 1, "three")

	srv, _ := serve(t, c, "B")
	resp, err := NewClient("A", 0).FetchPage(context.Background(), interfaces.PeerNode{ID: "B", Address: srv.URL},
		interfaces.SyncPage{Filter: "c1", PageSize: 10, HeadersOnly: true})
	require.NoError(t, err)
	require.Len(t, resp.Shares, 2)
	assert.Equal(t, 2, resp.Scanned)
	for i, idx := range []uint8{1, 3} {
		assert.Equal(t, idx, resp.Shares[i].Index)
		assert.Empty(t, resp.Shares[i].Wrapped)
	}
}

func TestFetchPageRejectsUnknownRequester(t *testing.T) {
	c := enginetest.NewCluster(t, syncengine.DefaultConfig(), "A", "B")
	srv, _ := serve(t, c, "B")

	_, err := NewClient("Z", 0).FetchPage(context.Background(), interfaces.PeerNode{ID: "B", Address: srv.URL}, interfaces.SyncPage{Filter: "c1", PageSize: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestInventoryRequestValidation(t *testing.T) {
	c := enginetest.NewCluster(t, syncengine.DefaultConfig(), "A", "B")
	srv, _ := serve(t, c, "B")

	tests := []struct {
		name   string
		query  string
		nodeID string
		status int
	}{
		{"missing node id", "filter=c1", "", http.StatusUnauthorized},
		{"missing filter", "", "A", http.StatusBadRequest},
		{"invalid filter", "filter=bad%20id", "A", http.StatusBadRequest},
		{"page too large", "filter=c1&page_size=5000", "A", http.StatusBadRequest},
		{"negative offset", "filter=c1&offset=-1", "A", http.StatusBadRequest},
		{"invalid headers_only", "filter=c1&headers_only=maybe", "A", http.StatusBadRequest},
		{"headers only", "filter=c1&headers_only=true", "A", http.StatusOK},
		{"defaults", "filter=c1", "A", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/peer/inventory?"+tc.query, nil)
			require.NoError(t, err)
			if tc.nodeID != "" {
				req.Header.Set(api.NodeIDHeader, tc.nodeID)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestFingerprintMismatchIsRejected(t *testing.T) {
	c := enginetest.NewCluster(t, syncengine.DefaultConfig(), "A", "B")
	a := c.Nodes["A"]
	c.Nodes["B"].Directory.Register(interfaces.PeerNode{
		ID:                     "A",
		Address:                "loopback://A",
		PublicKey:              a.Pubkey,
		AttestationFingerprint: "expected-fingerprint",
	})
	srv, _ := serve(t, c, "B")
	peer := interfaces.PeerNode{ID: "B", Address: srv.URL}

	client := NewClient("A", 0)
	client.DebugAttestationTypeHeader = cryptoutils.DummyAttestation.StringID
	client.DebugMeasurementsHeader = `{"0":"00"}`
	_, err := client.FetchPage(context.Background(), peer, interfaces.SyncPage{Filter: "c1", PageSize: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	// without aTLS headers the wrapped payloads are the only protection
	_, err = NewClient("A", 0).FetchPage(context.Background(), peer, interfaces.SyncPage{Filter: "c1", PageSize: 10})
	assert.NoError(t, err)
}

func TestPingAndNodeInfo(t *testing.T) {
	ctx := context.Background()
	c := enginetest.NewCluster(t, syncengine.DefaultConfig(), "A", "B")
	srv, published := serve(t, c, "B")
	client := NewClient("A", 0)

	require.NoError(t, client.Ping(ctx, interfaces.PeerNode{ID: "B", Address: srv.URL}))
	assert.Error(t, client.Ping(ctx, interfaces.PeerNode{ID: "C", Address: srv.URL}))

	info, err := client.NodeInfo(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, published.ID, info.ID)
	assert.Equal(t, published.PublicKey, info.PublicKey)
	assert.Equal(t, srv.URL+"/", info.Address)

	fingerprint, err := cryptoutils.VerifyNodeAttestation(info.AttestationType, cryptoutils.NodeReportData(string(info.ID), info.PublicKey), info.Attestation, true)
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.DummyAttestation.StringID, fingerprint)
}
